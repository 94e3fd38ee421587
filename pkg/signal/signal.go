// Package signal provides typed handles over single PVs.
//
// A Signal reads from one PV and writes to another (usually X_RBV and X),
// converting values with a pvdata.Codec. Bindings are created lazily
// through the Supervisor on first access, so constructing a signal does no
// I/O.
//
//	pos := signal.NewRW(sup, pvdata.Float64Within(0.001), "MOTOR:POS_RBV", "MOTOR:POS")
//	if err := pos.Write(ctx, 10.0, signal.WithReadback(true)); err != nil {
//	    return err
//	}
//	r, err := pos.Read(ctx) // r.Value == 10.0
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/status"
	"github.com/ophyd-epics-devices/epicsdev/pkg/supervisor"
)

// Default signal timeouts.
const (
	DefaultTimeout         = 10 * time.Second
	DefaultReadbackTimeout = 10 * time.Second
)

// Access errors.
var (
	ErrNotReadable = errors.New("signal is not readable")
	ErrNotWritable = errors.New("signal is not writable")
)

// Access is the capability of a signal.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

// String returns "R", "W" or "RW".
func (a Access) String() string {
	switch a {
	case AccessRead:
		return "R"
	case AccessWrite:
		return "W"
	case AccessReadWrite:
		return "RW"
	default:
		return "-"
	}
}

// Readable reports whether a includes read access.
func (a Access) Readable() bool { return a&AccessRead != 0 }

// Writable reports whether a includes write access.
func (a Access) Writable() bool { return a&AccessWrite != 0 }

// Reading is a decoded value with its source metadata.
type Reading[T any] struct {
	Value     T
	Timestamp pvdata.TimeStamp
	Alarm     pvdata.Alarm
}

// Options holds the per-signal timeouts. Zero values use the defaults.
type Options struct {
	// Timeout bounds each read and write, including a lazy connect.
	Timeout time.Duration

	// Staleness is how long a cached reading is served by Read. Zero
	// disables the cache.
	Staleness time.Duration

	// ReadbackTimeout bounds the wait for a confirming readback.
	ReadbackTimeout time.Duration

	// SetTimeout is the deadline of statuses returned by Set. Zero uses
	// Timeout. Put-callbacks that legitimately run longer, like Capture on
	// a file writer, go through SetAndWaitForValue instead.
	SetTimeout time.Duration

	Logger *slog.Logger
}

// Option configures a signal.
type Option func(*Options)

// WithOptions replaces every option at once, typically with values built
// from the process configuration. Later options still override.
func WithOptions(o Options) Option {
	return func(dst *Options) { *dst = o }
}

// WithTimeout sets the read and write timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithStaleness enables the read cache.
func WithStaleness(d time.Duration) Option {
	return func(o *Options) { o.Staleness = d }
}

// WithReadbackTimeout sets how long a write waits for its readback.
func WithReadbackTimeout(d time.Duration) Option {
	return func(o *Options) { o.ReadbackTimeout = d }
}

// WithSetTimeout sets the deadline of statuses returned by Set.
func WithSetTimeout(d time.Duration) Option {
	return func(o *Options) { o.SetTimeout = d }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Signal is a typed handle over a read PV and a write PV.
type Signal[T any] struct {
	sup     *supervisor.Supervisor
	codec   pvdata.Codec[T]
	readPV  string
	writePV string
	access  Access
	opts    Options

	mu       sync.Mutex
	name     string
	cache    Reading[T]
	cachedAt time.Time
}

func newSignal[T any](sup *supervisor.Supervisor, codec pvdata.Codec[T], readPV, writePV string, access Access, opts []Option) *Signal[T] {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ReadbackTimeout <= 0 {
		o.ReadbackTimeout = DefaultReadbackTimeout
	}
	if o.SetTimeout <= 0 {
		o.SetTimeout = o.Timeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Signal[T]{sup: sup, codec: codec, readPV: readPV, writePV: writePV, access: access, opts: o}
}

// NewR creates a read-only signal.
func NewR[T any](sup *supervisor.Supervisor, codec pvdata.Codec[T], readPV string, opts ...Option) *Signal[T] {
	return newSignal(sup, codec, readPV, "", AccessRead, opts)
}

// NewRW creates a signal reading readPV and writing writePV. An empty
// writePV writes to readPV.
func NewRW[T any](sup *supervisor.Supervisor, codec pvdata.Codec[T], readPV, writePV string, opts ...Option) *Signal[T] {
	if writePV == "" {
		writePV = readPV
	}
	return newSignal(sup, codec, readPV, writePV, AccessReadWrite, opts)
}

// NewW creates a write-only signal.
func NewW[T any](sup *supervisor.Supervisor, codec pvdata.Codec[T], writePV string, opts ...Option) *Signal[T] {
	return newSignal(sup, codec, "", writePV, AccessWrite, opts)
}

// ReadOnly is NewR.
func ReadOnly[T any](sup *supervisor.Supervisor, codec pvdata.Codec[T], pv string, opts ...Option) *Signal[T] {
	return NewR(sup, codec, pv, opts...)
}

// ReadWrite creates a signal reading and writing the same PV.
func ReadWrite[T any](sup *supervisor.Supervisor, codec pvdata.Codec[T], pv string, opts ...Option) *Signal[T] {
	return NewRW(sup, codec, pv, pv, opts...)
}

// Name returns the name assigned by the owning device, empty until set.
func (s *Signal[T]) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName assigns the signal's name.
func (s *Signal[T]) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// Access returns the capability of the signal.
func (s *Signal[T]) Access() Access { return s.access }

// Codec returns the codec of the signal.
func (s *Signal[T]) Codec() pvdata.Codec[T] { return s.codec }

// Source returns the canonical read PV, or the write PV of a write-only
// signal.
func (s *Signal[T]) Source() string {
	pv := s.readPV
	if pv == "" {
		pv = s.writePV
	}
	if c, err := s.sup.Canonical(pv); err == nil {
		return c
	}
	return pv
}

// Connect connects the bindings of both PVs.
func (s *Signal[T]) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	for _, pv := range s.pvs() {
		if _, err := s.sup.GetBinding(ctx, pv); err != nil {
			return err
		}
	}
	return nil
}

func (s *Signal[T]) pvs() []string {
	switch {
	case s.readPV == "":
		return []string{s.writePV}
	case s.writePV == "" || s.writePV == s.readPV:
		return []string{s.readPV}
	default:
		return []string{s.readPV, s.writePV}
	}
}

// Cached returns the last reading without I/O. ok is false before the
// first read.
func (s *Signal[T]) Cached() (r Reading[T], ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache, !s.cachedAt.IsZero()
}

// Read returns the cached reading if it is fresher than the staleness
// bound, otherwise it gets the value from the read PV. A read that cannot
// complete within the timeout fails with pverr.ErrTimeout.
func (s *Signal[T]) Read(ctx context.Context) (Reading[T], error) {
	if !s.access.Readable() {
		return Reading[T]{}, pverr.New(ErrNotReadable, "read", s.Source(), nil)
	}
	if s.opts.Staleness > 0 {
		s.mu.Lock()
		r, at := s.cache, s.cachedAt
		s.mu.Unlock()
		if !at.IsZero() && time.Since(at) < s.opts.Staleness {
			return r, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	b, err := s.sup.GetBinding(ctx, s.readPV)
	if err != nil {
		return Reading[T]{}, err
	}
	v, err := b.Get(ctx)
	if err != nil {
		return Reading[T]{}, err
	}
	return s.decode(v)
}

func (s *Signal[T]) decode(v pvdata.Value) (Reading[T], error) {
	x, err := s.codec.Decode(v)
	if err != nil {
		return Reading[T]{}, fmt.Errorf("decode %s: %w", s.Source(), err)
	}
	r := Reading[T]{Value: x, Timestamp: v.TimeStamp, Alarm: v.Alarm}
	s.mu.Lock()
	s.cache, s.cachedAt = r, time.Now()
	s.mu.Unlock()
	return r, nil
}

// WriteOption configures a Write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	readback bool
	wait     bool
}

// WithReadback makes Write wait until the read PV reports the written
// value.
func WithReadback(on bool) WriteOption {
	return func(o *writeOptions) { o.readback = on }
}

// WithWait makes Write wait for the record to finish processing
// (put-callback).
func WithWait(on bool) WriteOption {
	return func(o *writeOptions) { o.wait = on }
}

// Write puts v to the write PV and returns once the put is acknowledged.
// With readback it then waits for the read PV to report v, failing with
// pverr.ErrTimeout after the readback timeout. Cancelling ctx stops the
// wait but cannot undo the put.
func (s *Signal[T]) Write(ctx context.Context, v T, opts ...WriteOption) error {
	var wo writeOptions
	for _, o := range opts {
		o(&wo)
	}
	if !s.access.Writable() {
		return pverr.New(ErrNotWritable, "write", s.Source(), nil)
	}

	var confirmed *watch[T]
	if wo.readback && s.access.Readable() {
		w, err := s.watchFor(ctx, v)
		if err != nil {
			return err
		}
		defer w.stop()
		confirmed = w
	}

	if err := s.put(ctx, v, wo.wait); err != nil {
		return err
	}
	if confirmed == nil {
		return nil
	}
	return confirmed.wait(ctx, s.opts.ReadbackTimeout)
}

func (s *Signal[T]) put(ctx context.Context, v T, wait bool) error {
	putCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	b, err := s.sup.GetBinding(putCtx, s.writePV)
	if err != nil {
		return err
	}
	var popts []binding.PutOption
	if wait {
		// Put-callback completion is bounded by ctx only.
		popts = append(popts, binding.Wait())
		putCtx = ctx
	}
	s.opts.Logger.Debug("signal write", "signal", s.Name(), "pv", b.Name(), "value", v, "wait", wait)
	return b.Put(putCtx, s.codec.Encode(v), popts...)
}

// Set writes v asynchronously, waiting for put completion and, for a
// readable signal, for the readback. The status fails with
// pverr.ErrTimeout after the set timeout.
func (s *Signal[T]) Set(ctx context.Context, v T) *status.Status {
	name := s.Name()
	if name == "" {
		name = s.Source()
	}
	return status.Run(ctx, name+" set", s.opts.SetTimeout, func(ctx context.Context) error {
		return s.Write(ctx, v, WithWait(true), WithReadback(s.access.Readable()))
	})
}
