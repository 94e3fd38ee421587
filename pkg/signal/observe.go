package signal

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/connection"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
)

// Observe returns the stream of readings of the read PV. Each range over
// the sequence subscribes anew, starting with the current value. A
// disconnect is reported as an error element and the stream continues after
// the reconnect. The stream ends with pverr.ErrShutdown when the binding is
// closed. Breaking out of the loop or cancelling ctx removes the
// subscription before the iteration ends, and no callback runs after that.
//
//	for r, err := range sig.Observe(ctx) {
//	    if err != nil {
//	        continue // disconnected, wait for the reconnect
//	    }
//	    fmt.Println(r.Value)
//	}
func (s *Signal[T]) Observe(ctx context.Context) iter.Seq2[Reading[T], error] {
	return func(yield func(Reading[T], error) bool) {
		if !s.access.Readable() {
			yield(Reading[T]{}, pverr.New(ErrNotReadable, "observe", s.Source(), nil))
			return
		}
		b, err := s.sup.Lookup(s.readPV)
		if err != nil {
			yield(Reading[T]{}, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-b.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		q := newQueue[binding.Event]()
		sub := b.Subscribe(q.push)
		defer sub.Unsubscribe()
		go keepConnected(ctx, b)

		// The first event is the state at subscription time; before the
		// first connect that is not worth reporting.
		first := true
		for {
			ev, ok := q.pop(ctx)
			if !ok {
				if b.Closed() {
					yield(Reading[T]{}, pverr.Shutdown("observe", b.Name()))
				}
				return
			}
			skip := first && ev.Kind == binding.EventState
			first = false
			if skip {
				continue
			}
			switch ev.Kind {
			case binding.EventValue:
				r, err := s.decode(ev.Value)
				if !yield(r, err) {
					return
				}
			case binding.EventState:
				if ev.State != binding.StateDisconnected && ev.State != binding.StateError {
					continue
				}
				err := ev.Err
				if err == nil {
					err = pverr.NotConnected("observe", b.Name())
				}
				if !yield(Reading[T]{}, err) {
					return
				}
			}
		}
	}
}

// keepConnected connects b, retrying with backoff while the binding is in
// the error state. Once connected the binding reconnects by itself.
func keepConnected(ctx context.Context, b *binding.Binding) {
	bo := connection.NewBackoff()
	for {
		err := b.Connect(ctx)
		if err == nil || errors.Is(err, pverr.ErrShutdown) {
			return
		}
		t := time.NewTimer(bo.Next())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// queue is an unbounded FIFO so that producers never block.
type queue[E any] struct {
	mu    sync.Mutex
	items []E
	ready chan struct{}
}

func newQueue[E any]() *queue[E] {
	return &queue[E]{ready: make(chan struct{}, 1)}
}

func (q *queue[E]) push(e E) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop waits for the next item. ok is false once ctx is done.
func (q *queue[E]) pop(ctx context.Context) (e E, ok bool) {
	for {
		if ctx.Err() != nil {
			return e, false
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			e = q.items[0]
			var zero E
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return e, false
		case <-q.ready:
		}
	}
}
