// Package status tracks the outcome of long-running operations.
//
// A Status starts Pending and moves exactly once to Success or Failure.
// Callbacks registered with AddCallback run exactly once: at the terminal
// transition, or immediately when the status is already done.
//
//	st := status.Run(ctx, "motor-set", 30*time.Second, func(ctx context.Context) error {
//	    return motor.Write(ctx, 10.0, signal.WithReadback(true))
//	})
//	if err := st.Wait(ctx); err != nil {
//	    // err matches pverr.ErrTimeout when the move took too long
//	}
package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
)

// State is the lifecycle state of a Status.
type State uint8

const (
	// Pending means the operation has not finished.
	Pending State = iota

	// Success is terminal: the operation completed.
	Success

	// Failure is terminal: the operation failed, see Err.
	Failure
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Success:
		return "SUCCESS"
	case Failure:
		return "FAILURE"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Status is the handle of one asynchronous operation.
type Status struct {
	id    uuid.UUID
	name  string
	start time.Time

	mu        sync.Mutex
	state     State
	err       error
	end       time.Time
	callbacks []func(*Status)
	cancel    func(error)
	done      chan struct{}
}

// New creates a pending status. Finish resolves it.
func New(name string) *Status {
	return &Status{
		id:    uuid.New(),
		name:  name,
		start: time.Now(),
		done:  make(chan struct{}),
	}
}

// Succeeded creates a status that already succeeded.
func Succeeded(name string) *Status {
	s := New(name)
	s.Finish(nil)
	return s
}

// Failed creates a status that already failed with err.
func Failed(name string, err error) *Status {
	s := New(name)
	s.Finish(err)
	return s
}

// ID returns the unique id of the status.
func (s *Status) ID() uuid.UUID { return s.id }

// Name returns the operation name.
func (s *Status) Name() string { return s.name }

// State returns the current state.
func (s *Status) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure detail, nil while pending or on success.
func (s *Status) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done returns a channel closed at the terminal transition.
func (s *Status) Done() <-chan struct{} { return s.done }

// Finished reports whether the status is terminal.
func (s *Status) Finished() bool { return s.State() != Pending }

// Succeeded reports whether the status finished successfully.
func (s *Status) Succeeded() bool { return s.State() == Success }

// Elapsed returns the running time, up to the terminal transition.
func (s *Status) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Pending {
		return time.Since(s.start)
	}
	return s.end.Sub(s.start)
}

// Finish resolves the status: Success for a nil err, Failure otherwise.
// Only the first call has an effect; it reports whether this call won.
func (s *Status) Finish(err error) bool {
	s.mu.Lock()
	if s.state != Pending {
		s.mu.Unlock()
		return false
	}
	s.state = Success
	if err != nil {
		s.state = Failure
		s.err = err
	}
	s.end = time.Now()
	callbacks := s.callbacks
	s.callbacks = nil
	s.cancel = nil
	close(s.done)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(s)
	}
	return true
}

// AddCallback registers fn to run once the status is terminal. On a
// terminal status fn runs synchronously before AddCallback returns.
// Otherwise it runs on the goroutine that calls Finish.
func (s *Status) AddCallback(fn func(*Status)) {
	s.mu.Lock()
	if s.state == Pending {
		s.callbacks = append(s.callbacks, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(s)
}

// OnCancel sets the function Cancel uses to abort the underlying
// operation. It receives the cancellation error.
func (s *Status) OnCancel(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Pending {
		s.cancel = fn
	}
}

// Cancel requests cancellation of the underlying operation and fails the
// status with pverr.ErrCancelled. The remote side may still have acted.
// On a terminal status Cancel does nothing and returns false.
func (s *Status) Cancel() bool {
	s.mu.Lock()
	if s.state != Pending {
		s.mu.Unlock()
		return false
	}
	abort := s.cancel
	s.mu.Unlock()

	err := pverr.Cancelled(s.name, "", nil)
	won := s.Finish(err)
	if abort != nil {
		abort(err)
	}
	return won
}

// Wait blocks until the status is terminal and returns its error. If ctx
// ends first Wait returns the mapped context error and the status stays
// pending.
func (s *Status) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return pverr.FromContext("wait "+s.name, "", ctx.Err())
	}
}

// String implements fmt.Stringer.
func (s *Status) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Sprintf("Status(%s, %s, %v)", s.name, s.state, s.err)
	}
	return fmt.Sprintf("Status(%s, %s)", s.name, s.state)
}

// Run starts fn on a new goroutine and tracks it with a status. The context
// passed to fn ends at the timeout (if positive) or when the status is
// cancelled. A status still pending at its deadline fails with
// pverr.ErrTimeout even if fn ignores its context.
func Run(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) *Status {
	s := New(name)
	ctx, cancel := context.WithCancelCause(ctx)
	s.OnCancel(cancel)

	opCtx, stopTimeout := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		opCtx, stopTimeout = context.WithTimeout(ctx, timeout)
	}
	stopWatch := context.AfterFunc(opCtx, func() {
		s.Finish(contextError(name, opCtx))
	})

	go func() {
		err := fn(opCtx)
		if err != nil && opCtx.Err() != nil && pverr.Kind(err) == nil {
			err = contextError(name, opCtx)
		}
		s.Finish(err)
		stopWatch()
		stopTimeout()
		cancel(nil)
	}()
	return s
}

func contextError(name string, ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && pverr.Kind(cause) != nil {
		return cause
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return pverr.Timeout(name, "", ctx.Err())
	}
	return pverr.Cancelled(name, "", ctx.Err())
}

// WithTimeout fails s with pverr.ErrTimeout if it is still pending after d,
// aborting the underlying operation. It returns s.
func WithTimeout(s *Status, d time.Duration) *Status {
	if d <= 0 {
		return s
	}
	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		abort := s.cancel
		s.mu.Unlock()

		err := pverr.Timeout(s.name, "", fmt.Errorf("not done after %s", d))
		if s.Finish(err) && abort != nil {
			abort(err)
		}
	})
	s.AddCallback(func(*Status) { t.Stop() })
	return s
}
