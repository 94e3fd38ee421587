package binding

import (
	"sync"
	"sync/atomic"
)

// Subscription is a registered callback on a Binding.
type Subscription struct {
	b     *Binding
	fn    func(Event)
	since uint64

	// mu is held while fn runs so Unsubscribe can wait for it.
	mu   sync.Mutex
	done atomic.Bool
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done.Load() {
		return
	}
	s.fn(ev)
}

// Unsubscribe removes the subscription. When it returns no callback is
// running and none will start. It is idempotent, and must not be called
// from the subscription's own callback.
func (s *Subscription) Unsubscribe() {
	if s.done.Swap(true) {
		return
	}
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()

	s.mu.Lock()
	//nolint:staticcheck // waits for an in-progress callback
	s.mu.Unlock()
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return !s.done.Load()
}
