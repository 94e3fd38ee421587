// Package device composes signals and sub-devices into named trees.
//
// A Device holds an ordered list of children, each either a signal or a
// nested device. Names are dash-joined paths from the root, so the
// acquire_time signal of the drv sub-device of det is det-drv-acquire_time.
// Devices coordinate multi-signal operations (concurrent reads and sets,
// staging) and never expose the PV bindings behind their signals.
//
//	stage := device.New("stage")
//	stage.Add("x", signal.ReadWrite(sup, pvdata.Float64(), "STAGE:X"))
//	stage.Add("y", signal.ReadWrite(sup, pvdata.Float64(), "STAGE:Y"))
//	st := stage.Set(ctx, map[string]any{"x": 1.0, "y": 2.0})
//	err := st.Wait(ctx)
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/status"
)

// Errors returned by device operations.
var (
	ErrUnknownChild   = errors.New("unknown child")
	ErrDuplicateChild = errors.New("duplicate child")
	ErrInvalidValue   = errors.New("invalid set value")
	ErrAlreadyStaged  = errors.New("already staged")
	ErrStaging        = errors.New("stage in progress")
)

// Separator joins the names of a device path.
const Separator = "-"

// Kind says which reads include a signal.
type Kind uint8

const (
	// KindNormal signals are part of Read.
	KindNormal Kind = iota

	// KindConfig signals are part of ReadConfiguration.
	KindConfig

	// KindOmitted signals are only part of ReadAll.
	KindOmitted
)

// ChildKind says whether a child is a signal or a device.
type ChildKind uint8

const (
	ChildSignal ChildKind = iota + 1
	ChildDevice
)

// Child is one entry of a device: exactly one of Signal and Device is set,
// as given by Kind.
type Child struct {
	Name   string
	Kind   ChildKind
	Signal signal.Any
	Device *Device

	// ReadKind applies to signals.
	ReadKind Kind
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.slog = l }
}

// Device is a named tree of signals and devices.
type Device struct {
	slog *slog.Logger

	mu       sync.Mutex
	name     string
	children []Child
	index    map[string]int
	steps    []step
	staged   []func(context.Context) error
	isStaged bool
	staging  bool
	readable *readable
}

// readable holds explicit read sets that override the child kinds.
type readable struct {
	read, config []signal.Any
}

// New creates an empty device.
func New(name string, opts ...Option) *Device {
	d := &Device{name: name, index: make(map[string]int), slog: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name returns the full name of the device.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// SetName renames the device and every descendant.
func (d *Device) SetName(name string) {
	d.mu.Lock()
	d.name = name
	children := append([]Child(nil), d.children...)
	d.mu.Unlock()

	for _, c := range children {
		full := join(name, c.Name)
		switch c.Kind {
		case ChildSignal:
			c.Signal.SetName(full)
		case ChildDevice:
			c.Device.SetName(full)
		}
	}
}

func join(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + Separator + child
}

// ChildOption configures a signal child.
type ChildOption func(*Child)

// AsConfig marks a signal as configuration.
func AsConfig() ChildOption {
	return func(c *Child) { c.ReadKind = KindConfig }
}

// Omitted excludes a signal from Read and ReadConfiguration.
func Omitted() ChildOption {
	return func(c *Child) { c.ReadKind = KindOmitted }
}

// Add appends a signal child and names it. It panics on a duplicate name,
// which is a programming error in the device definition.
func (d *Device) Add(name string, sig signal.Any, opts ...ChildOption) {
	c := Child{Name: name, Kind: ChildSignal, Signal: sig}
	for _, o := range opts {
		o(&c)
	}
	d.add(c)
	sig.SetName(join(d.Name(), name))
}

// AddDevice appends a sub-device and renames it under d.
func (d *Device) AddDevice(name string, child *Device) {
	d.add(Child{Name: name, Kind: ChildDevice, Device: child})
	child.SetName(join(d.Name(), name))
}

func (d *Device) add(c Child) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.index[c.Name]; dup {
		panic(fmt.Sprintf("device %s: %v %q", d.name, ErrDuplicateChild, c.Name))
	}
	d.index[c.Name] = len(d.children)
	d.children = append(d.children, c)
}

// Children returns the direct children in definition order.
func (d *Device) Children() []Child {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Child(nil), d.children...)
}

// Child returns the direct child called name.
func (d *Device) Child(name string) (Child, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[name]
	if !ok {
		return Child{}, false
	}
	return d.children[i], true
}

type leaf struct {
	sig  signal.Any
	kind Kind
}

// leaves returns every signal of the tree, depth first.
func (d *Device) leaves() []leaf {
	var out []leaf
	for _, c := range d.Children() {
		switch c.Kind {
		case ChildSignal:
			out = append(out, leaf{c.Signal, c.ReadKind})
		case ChildDevice:
			out = append(out, c.Device.leaves()...)
		}
	}
	return out
}

// Signals returns every signal of the tree keyed by full name.
func (d *Device) Signals() map[string]signal.Any {
	out := make(map[string]signal.Any)
	for _, l := range d.leaves() {
		out[l.sig.Name()] = l.sig
	}
	return out
}

// Connect connects every signal of the tree concurrently and returns the
// first error.
func (d *Device) Connect(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range d.leaves() {
		g.Go(func() error {
			if err := l.sig.Connect(ctx); err != nil {
				return fmt.Errorf("connect %s: %w", l.sig.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	d.slog.Debug("device connected", "device", d.Name())
	return nil
}

// SetReadable replaces the read sets derived from the child kinds: Read
// and Describe then cover exactly read, ReadConfiguration and
// DescribeConfiguration exactly config. Signals anywhere in the tree may be
// listed. ReadAll is unaffected.
func (d *Device) SetReadable(read, config []signal.Any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readable = &readable{read: slices.Clone(read), config: slices.Clone(config)}
}

// selected returns the signals of the given kind.
func (d *Device) selected(kind Kind) []signal.Any {
	d.mu.Lock()
	r := d.readable
	d.mu.Unlock()
	if r != nil {
		switch kind {
		case KindNormal:
			return r.read
		case KindConfig:
			return r.config
		}
	}
	var out []signal.Any
	for _, l := range d.leaves() {
		if l.kind == kind {
			out = append(out, l.sig)
		}
	}
	return out
}

// ReadAll reads every readable signal of the tree concurrently, so the
// total latency is that of the slowest signal. The result is keyed by full
// signal name.
func (d *Device) ReadAll(ctx context.Context) (map[string]signal.AnyReading, error) {
	leaves := d.leaves()
	sigs := make([]signal.Any, 0, len(leaves))
	for _, l := range leaves {
		sigs = append(sigs, l.sig)
	}
	return ReadSignals(ctx, sigs)
}

// Read reads the normal signals of the tree.
func (d *Device) Read(ctx context.Context) (map[string]signal.AnyReading, error) {
	return ReadSignals(ctx, d.selected(KindNormal))
}

// ReadConfiguration reads the configuration signals of the tree.
func (d *Device) ReadConfiguration(ctx context.Context) (map[string]signal.AnyReading, error) {
	return ReadSignals(ctx, d.selected(KindConfig))
}

// ReadSignals reads the readable signals of sigs concurrently, keyed by
// full signal name.
func ReadSignals(ctx context.Context, sigs []signal.Any) (map[string]signal.AnyReading, error) {
	var mu sync.Mutex
	out := make(map[string]signal.AnyReading)
	g, ctx := errgroup.WithContext(ctx)
	for _, sig := range sigs {
		if !sig.Access().Readable() {
			continue
		}
		g.Go(func() error {
			r, err := sig.ReadAny(ctx)
			if err != nil {
				return fmt.Errorf("read %s: %w", sig.Name(), err)
			}
			mu.Lock()
			out[sig.Name()] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Describe returns the descriptors of the normal signals.
func (d *Device) Describe() map[string]signal.Descriptor {
	return d.describe(KindNormal)
}

// DescribeConfiguration returns the descriptors of the configuration
// signals.
func (d *Device) DescribeConfiguration() map[string]signal.Descriptor {
	return d.describe(KindConfig)
}

func (d *Device) describe(kind Kind) map[string]signal.Descriptor {
	out := make(map[string]signal.Descriptor)
	for _, sig := range d.selected(kind) {
		if sig.Access().Readable() {
			out[sig.Name()] = sig.Describe()
		}
	}
	return out
}

// Set writes values to the addressed children concurrently. Keys are direct
// child names; a nested device takes a map[string]any and delegates. The
// returned status succeeds once every write is confirmed and fails with the
// first failure. No order is imposed between the writes.
func (d *Device) Set(ctx context.Context, values map[string]any) *status.Status {
	name := d.Name() + " set"
	children := make([]*status.Status, 0, len(values))
	for key, v := range values {
		c, ok := d.Child(key)
		if !ok {
			children = append(children, status.Failed(name, fmt.Errorf("%w: %s has no %q", ErrUnknownChild, d.Name(), key)))
			continue
		}
		switch c.Kind {
		case ChildSignal:
			if !c.Signal.Access().Writable() {
				children = append(children, status.Failed(name, fmt.Errorf("set %s: %w", c.Signal.Name(), signal.ErrNotWritable)))
				continue
			}
			children = append(children, c.Signal.SetAny(ctx, v))
		case ChildDevice:
			sub, ok := v.(map[string]any)
			if !ok {
				children = append(children, status.Failed(name, fmt.Errorf("%w: %s takes map[string]any, got %T", ErrInvalidValue, c.Device.Name(), v)))
				continue
			}
			children = append(children, c.Device.Set(ctx, sub))
		}
	}
	return status.All(name, children...)
}
