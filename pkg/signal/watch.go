package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/status"
)

// watch waits for the read PV to report a wanted value.
type watch[T any] struct {
	pv   string
	want T
	sub  *binding.Subscription
	once sync.Once
	hit  chan struct{}
}

// watchFor subscribes to the read PV before a write so the confirming
// update cannot be missed. The current value counts as confirmation.
func (s *Signal[T]) watchFor(ctx context.Context, want T) (*watch[T], error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	b, err := s.sup.GetBinding(ctx, s.readPV)
	if err != nil {
		return nil, err
	}

	w := &watch[T]{pv: b.Name(), want: want, hit: make(chan struct{})}
	w.sub = b.Subscribe(func(ev binding.Event) {
		if ev.Kind != binding.EventValue {
			return
		}
		r, err := s.decode(ev.Value)
		if err != nil || !s.codec.Equal(want, r.Value) {
			return
		}
		w.once.Do(func() { close(w.hit) })
	})
	return w, nil
}

func (w *watch[T]) stop() { w.sub.Unsubscribe() }

func (w *watch[T]) wait(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.hit:
		return nil
	case <-t.C:
		return pverr.Timeout("readback", w.pv, fmt.Errorf("no readback of %v within %s", w.want, timeout))
	case <-ctx.Done():
		return pverr.FromContext("readback", w.pv, ctx.Err())
	}
}

// SetAndWaitForValue starts a put-callback write of v and returns once the
// readback reports v. The returned status tracks the put itself, which for
// records like an HDF writer's Capture completes much later, so it has no
// deadline; cancel it to abort the put. It fails with
// pverr.ErrTimeout if the readback does not arrive within the readback
// timeout, and with the put's error if the put fails first.
func SetAndWaitForValue[T any](ctx context.Context, s *Signal[T], v T) (*status.Status, error) {
	switch {
	case !s.access.Writable():
		return nil, pverr.New(ErrNotWritable, "set-and-wait", s.Source(), nil)
	case !s.access.Readable():
		return nil, pverr.New(ErrNotReadable, "set-and-wait", s.Source(), nil)
	}
	w, err := s.watchFor(ctx, v)
	if err != nil {
		return nil, err
	}
	defer w.stop()

	name := s.Name()
	if name == "" {
		name = s.Source()
	}
	// The put outlives this call; Cancel on the status aborts it.
	st := status.Run(context.WithoutCancel(ctx), name+" set", 0, func(ctx context.Context) error {
		return s.put(ctx, v, true)
	})

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	st.AddCallback(func(st *status.Status) {
		if st.Err() != nil {
			cancel()
		}
	})
	if err := w.wait(waitCtx, s.opts.ReadbackTimeout); err != nil {
		if perr := st.Err(); perr != nil {
			return st, perr
		}
		st.Cancel()
		return st, err
	}
	return st, nil
}
