package binding

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/connection"
	"github.com/ophyd-epics-devices/epicsdev/pkg/log"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
)

// Default operation timeouts.
const (
	DefaultGetTimeout = 10 * time.Second
	DefaultPutTimeout = 10 * time.Second
)

// Options configures a Binding. Zero values use the defaults.
type Options struct {
	ConnectTimeout time.Duration
	GetTimeout     time.Duration

	// PutTimeout bounds puts without Wait. Puts with Wait are bounded by
	// the caller's context only, since the record may take arbitrarily long
	// to process.
	PutTimeout time.Duration

	Backoff connection.BackoffConfig

	// Logger receives operational logs (nil: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives binding state events. Nil disables them.
	ProtocolLogger log.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = connection.DefaultConnectTimeout
	}
	if o.GetTimeout <= 0 {
		o.GetTimeout = DefaultGetTimeout
	}
	if o.PutTimeout <= 0 {
		o.PutTimeout = DefaultPutTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// queued is one pending delivery. Events with a target go to that
// subscription only.
type queued struct {
	seq uint64
	ev  Event
	to  *Subscription
}

// Binding is the live connection to one PV.
type Binding struct {
	name     string
	pv       string
	provider Provider
	opts     Options
	mgr      *connection.Manager
	slog     *slog.Logger
	plog     log.Logger

	// life ends at Close and fails every in-flight operation.
	life context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	ch      Channel
	mon     Monitor
	gen     uint64
	state   State
	last    pvdata.Value
	hasLast bool
	lastGen uint64
	lastErr error
	closed  bool

	subs  map[*Subscription]struct{}
	seq   uint64
	queue []queued
	wake  chan struct{}
}

// New creates a disconnected binding for pv (without scheme) served by p.
// name is the canonical name used in errors and logs.
func New(name, pv string, p Provider, opts Options) *Binding {
	opts = opts.withDefaults()
	life, stop := context.WithCancel(context.Background())
	b := &Binding{
		name:     name,
		pv:       pv,
		provider: p,
		opts:     opts,
		slog:     opts.Logger.With("pv", name),
		plog:     log.OrNoop(opts.ProtocolLogger),
		life:     life,
		stop:     stop,
		subs:     make(map[*Subscription]struct{}),
		wake:     make(chan struct{}, 1),
	}
	b.mgr = connection.NewManagerWithOptions(b.open, connection.Options{
		ConnectTimeout: opts.ConnectTimeout,
		Backoff:        opts.Backoff,
	})
	b.mgr.OnStateChange(b.onManagerState)
	b.mgr.OnReconnecting(func(attempt int, delay time.Duration) {
		b.slog.Debug("reconnecting", "attempt", attempt, "delay", delay)
	})
	go b.dispatch()
	return b
}

// Name returns the canonical PV name.
func (b *Binding) Name() string { return b.name }

// State returns the connection state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastError returns the most recent connection error, nil while healthy.
func (b *Binding) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Last returns the most recent value without I/O. ok is false until a
// value has arrived.
func (b *Binding) Last() (v pvdata.Value, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Subscribers returns the number of active subscriptions.
func (b *Binding) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Done is closed when the binding is closed.
func (b *Binding) Done() <-chan struct{} { return b.life.Done() }

// Closed reports whether Close was called.
func (b *Binding) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Connect connects the binding. It is idempotent: a connected binding
// returns nil at once and concurrent callers share one attempt. A failure
// matches pverr.ErrConnection, and also pverr.ErrTimeout when the connect
// timeout elapsed.
func (b *Binding) Connect(ctx context.Context) error {
	if b.Closed() {
		return pverr.Shutdown("connect", b.name)
	}
	err := b.mgr.Connect(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, connection.ErrConnectionClosed) || b.Closed():
		return pverr.Shutdown("connect", b.name)
	case errors.Is(err, connection.ErrConnectTimeout):
		e := pverr.New(pverr.ErrConnection, "connect", b.name, err)
		e.Also = []error{pverr.ErrTimeout}
		return e
	default:
		return pverr.Connection("connect", b.name, err)
	}
}

// Get fetches the current value from the remote PV and records it as the
// last value.
func (b *Binding) Get(ctx context.Context) (pvdata.Value, error) {
	ch, err := b.channel("get")
	if err != nil {
		return pvdata.Value{}, err
	}
	ctx, cancel := b.opContext(ctx, b.opts.GetTimeout)
	defer cancel()

	v, err := ch.Get(ctx)
	if err != nil {
		return pvdata.Value{}, b.opError("get", ctx, err)
	}

	b.mu.Lock()
	if !b.hasLast || !v.TimeStamp.Before(b.last.TimeStamp) {
		b.last, b.hasLast, b.lastGen = v, true, b.gen
	}
	b.mu.Unlock()
	return v, nil
}

// PutOption configures a Put.
type PutOption func(*putOptions)

type putOptions struct {
	wait    bool
	timeout time.Duration
}

// Wait makes Put return only after the record finished processing.
func Wait() PutOption {
	return func(o *putOptions) { o.wait = true }
}

// WithPutTimeout overrides the put timeout for one call.
func WithPutTimeout(d time.Duration) PutOption {
	return func(o *putOptions) { o.timeout = d }
}

// Put writes data and returns once the remote acknowledged it. A refusal
// matches pverr.ErrWriteRejected.
func (b *Binding) Put(ctx context.Context, data any, opts ...PutOption) error {
	var po putOptions
	for _, o := range opts {
		o(&po)
	}
	if po.timeout == 0 && !po.wait {
		po.timeout = b.opts.PutTimeout
	}

	ch, err := b.channel("put")
	if err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx, po.timeout)
	defer cancel()

	if err := ch.Put(ctx, data, po.wait); err != nil {
		return b.opError("put", ctx, err)
	}
	return nil
}

// Subscribe registers fn for every value and state change until the
// subscription is cancelled. fn runs on the binding's dispatch goroutine
// and should return quickly. The first event describes the current state:
// the last value of the live channel if there is one, a state event
// otherwise.
func (b *Binding) Subscribe(fn func(Event)) *Subscription {
	s := &Subscription{b: b, fn: fn}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.done.Store(true)
		return s
	}
	b.subs[s] = struct{}{}
	s.since = b.seq

	prime := Event{Kind: EventState, PV: b.name, State: b.state, Err: b.lastErr}
	if b.hasLast && b.lastGen == b.gen && b.state != StateError {
		prime = Event{Kind: EventValue, PV: b.name, State: StateConnected, Value: b.last}
	}
	b.push(queued{ev: prime, to: s})
	return s
}

// Close disconnects the binding. In-flight and later operations fail with
// pverr.ErrShutdown. Close is idempotent.
func (b *Binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ch, mon := b.ch, b.mon
	b.ch, b.mon = nil, nil
	b.subs = make(map[*Subscription]struct{})
	b.queue = nil
	b.mu.Unlock()

	b.stop()
	b.mgr.Close()
	if mon != nil {
		mon.Cancel()
	}
	if ch != nil {
		_ = ch.Close()
	}
	b.slog.Debug("binding closed")
	return nil
}

// open is the connect function run by the connection manager.
func (b *Binding) open(ctx context.Context) error {
	ch, err := b.provider.Open(ctx, b.pv)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.gen++
	gen := b.gen
	b.mu.Unlock()

	mon, err := ch.Monitor(ctx, func(v pvdata.Value) { b.onValue(gen, v) })
	if err != nil {
		_ = ch.Close()
		return err
	}

	b.mu.Lock()
	if b.closed || b.gen != gen {
		b.mu.Unlock()
		mon.Cancel()
		_ = ch.Close()
		return pverr.Shutdown("connect", b.name)
	}
	b.ch, b.mon = ch, mon
	b.mu.Unlock()

	go b.watch(ch)
	return nil
}

// watch waits for ch to be lost and hands the binding to the reconnect loop.
func (b *Binding) watch(ch Channel) {
	select {
	case <-ch.Lost():
	case <-b.life.Done():
		return
	}

	b.mu.Lock()
	if b.ch != ch {
		b.mu.Unlock()
		return
	}
	mon := b.mon
	b.ch, b.mon = nil, nil
	b.gen++
	b.lastErr = ch.Err()
	if b.lastErr == nil {
		b.lastErr = pverr.New(pverr.ErrConnection, "monitor", b.name, errors.New("channel lost"))
	}
	b.mu.Unlock()

	mon.Cancel()
	_ = ch.Close()
	b.slog.Warn("pv connection lost", "error", b.LastError())
	b.mgr.NotifyConnectionLost()
}

func (b *Binding) onValue(gen uint64, v pvdata.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || gen != b.gen {
		return
	}
	if b.hasLast && v.TimeStamp.Before(b.last.TimeStamp) {
		b.slog.Debug("dropping out-of-order update", "timestamp", v.TimeStamp.Time(), "last", b.last.TimeStamp.Time())
		return
	}
	b.last, b.hasLast, b.lastGen = v, true, gen
	b.seq++
	b.push(queued{seq: b.seq, ev: Event{Kind: EventValue, PV: b.name, State: StateConnected, Value: v}})
}

func (b *Binding) onManagerState(oldState, newState connection.State) {
	if newState == connection.StateClosed {
		return
	}
	st := stateOf(newState)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	prev := b.state
	b.state = st
	switch st {
	case StateConnected:
		b.lastErr = nil
	case StateError:
		b.lastErr = b.mgr.LastError()
	}
	err := b.lastErr
	// The channel was lost before the manager saw the connect succeed.
	lostEarly := st == StateConnected && b.ch == nil
	if prev != st {
		b.seq++
		b.push(queued{seq: b.seq, ev: Event{Kind: EventState, PV: b.name, State: st, Err: err}})
	}
	b.mu.Unlock()

	if prev != st {
		b.logState(prev, st, err)
	}
	if lostEarly {
		go b.mgr.NotifyConnectionLost()
	}
}

func (b *Binding) logState(prev, st State, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	switch st {
	case StateConnected:
		b.slog.Info("pv connected")
	case StateError:
		b.slog.Warn("pv connect failed", "error", err)
	}
	b.plog.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerBinding,
		Category:  log.CategoryState,
		PV:        b.name,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityBinding,
			OldState: prev.String(),
			NewState: st.String(),
			Reason:   reason,
		},
	})
}

// channel returns the live channel or the error for op.
func (b *Binding) channel(op string) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, pverr.Shutdown(op, b.name)
	}
	if b.state != StateConnected || b.ch == nil {
		return nil, pverr.NotConnected(op, b.name)
	}
	return b.ch, nil
}

var errClosed = errors.New("binding closed")

// opContext derives the context of one operation: bounded by timeout (if
// positive) and cancelled when the binding closes.
func (b *Binding) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancelCause := context.WithCancelCause(ctx)
	stop := context.AfterFunc(b.life, func() { cancelCause(errClosed) })
	cancelTimeout := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {
		stop()
		cancelTimeout()
		cancelCause(nil)
	}
}

// opError maps a channel error onto the pverr taxonomy.
func (b *Binding) opError(op string, ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errClosed) || b.Closed() {
		return pverr.Shutdown(op, b.name)
	}
	if pverr.Kind(err) != nil {
		return err
	}
	if ctx.Err() != nil {
		return pverr.FromContext(op, b.name, ctx.Err())
	}
	return pverr.Connection(op, b.name, err)
}

func (b *Binding) push(q queued) {
	b.queue = append(b.queue, q)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// dispatch delivers queued events in order until the binding closes.
func (b *Binding) dispatch() {
	for {
		select {
		case <-b.life.Done():
			return
		case <-b.wake:
		}

		for {
			b.mu.Lock()
			if len(b.queue) == 0 || b.closed {
				b.mu.Unlock()
				break
			}
			q := b.queue[0]
			b.queue[0] = queued{}
			b.queue = b.queue[1:]

			var targets []*Subscription
			if q.to != nil {
				targets = []*Subscription{q.to}
			} else {
				for s := range b.subs {
					if q.seq > s.since {
						targets = append(targets, s)
					}
				}
			}
			b.mu.Unlock()

			for _, s := range targets {
				s.deliver(q.ev)
			}
		}
	}
}
