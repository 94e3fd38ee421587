package panda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/ophyd-epics-devices/epicsdev/pkg/device"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/supervisor"
)

var (
	// ErrMissingBlock is returned by Connect when the PVI structure lacks
	// a block the PandA type declares.
	ErrMissingBlock = errors.New("missing block")

	// ErrMissingSignal is returned by Connect when a block's PVI structure
	// lacks a signal its type declares.
	ErrMissingSignal = errors.New("missing signal")

	// ErrInvalidPVI is returned for PVI structures that cannot describe a
	// PandA, like a numbered instance of a single block.
	ErrInvalidPVI = errors.New("invalid pvi")
)

// SeqBlock is a sequencer block.
type SeqBlock struct {
	*device.Device

	Table *signal.Signal[SeqTable]
}

// PulseBlock is a pulse generator block.
type PulseBlock struct {
	*device.Device

	Delay *signal.Signal[float64]
	Width *signal.Signal[float64]
}

// PcapBlock is the position capture block.
type PcapBlock struct {
	*device.Device

	Active *signal.Signal[bool]
}

// Option configures a PandA.
type Option func(*PandA)

// WithSignalOptions applies opts to every signal built from PVI.
func WithSignalOptions(opts ...signal.Option) Option {
	return func(p *PandA) { p.sigOpts = append(p.sigOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *PandA) { p.slog = l }
}

// PandA is a PandABox whose blocks and signals are discovered from the
// PVI structure served at prefix+":PVI". The typed blocks are filled in by
// Connect; blocks PVI lists beyond those become untyped devices in Extra
// with one untyped signal per field.
//
// Numbered blocks hang off the device as vectors, so the first sequencer
// of a PandA named "panda" is "panda-seq-1".
type PandA struct {
	*device.Device

	Seq   map[int]*SeqBlock
	Pulse map[int]*PulseBlock
	Pcap  *PcapBlock

	// Extra holds the untyped blocks keyed by PVI name ("extra", "clock1").
	Extra map[string]*device.Device

	sup     *supervisor.Supervisor
	prefix  string
	sigOpts []signal.Option
	slog    *slog.Logger

	mu    sync.Mutex
	built bool
}

// New creates a PandA. It has no children until Connect reads its PVI.
func New(sup *supervisor.Supervisor, prefix, name string, opts ...Option) *PandA {
	p := &PandA{
		Device: device.New(name),
		Seq:    make(map[int]*SeqBlock),
		Pulse:  make(map[int]*PulseBlock),
		Extra:  make(map[string]*device.Device),
		sup:    sup,
		prefix: prefix,
		slog:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Prefix returns the record prefix.
func (p *PandA) Prefix() string { return p.prefix }

// Connect reads the PVI structure, builds every block it lists and
// connects all signals. The PandA must serve at least one seq and pulse
// block and the pcap block, each with the signals its type declares.
// Later calls only reconnect the signals.
func (p *PandA) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.built {
		if err := p.build(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", p.prefix, err)
		}
		p.built = true
	}
	return p.Device.Connect(ctx)
}

// blockKinds maps the typed block names to whether they are numbered.
var blockKinds = map[string]bool{"seq": true, "pulse": true, "pcap": false}

func (p *PandA) build(ctx context.Context) error {
	r := newResolver(p.sup, p.prefix, p.sigOpts)
	top, err := r.read(ctx, p.prefix+":PVI")
	if err != nil {
		return err
	}

	for _, kind := range slices.Sorted(maps.Keys(blockKinds)) {
		want := kind
		if blockKinds[kind] {
			want += "1"
		}
		e, ok := top[want]
		if !ok {
			return fmt.Errorf("%w: expected PandA to contain %s block", ErrMissingBlock, kind)
		}
		if !e.IsBlock() {
			return fmt.Errorf("%w: expected %s to be a block, got %v", ErrInvalidPVI, want, e.Map())
		}
	}

	// Nothing is attached until every block is built, so a failed Connect
	// can be retried.
	var commits []func()
	for _, field := range slices.Sorted(maps.Keys(top)) {
		e := top[field]
		if !e.IsBlock() {
			return fmt.Errorf("%w: expected PandA to only contain blocks, got %s", ErrInvalidPVI, field)
		}
		kind, num := splitBlockName(field)
		if numbered, known := blockKinds[kind]; known && !numbered && num != 0 {
			return fmt.Errorf("%w: only expected one %s block, got %s", ErrInvalidPVI, kind, field)
		}
		pvi, err := r.read(ctx, e.D)
		if err != nil {
			return err
		}
		b := &builder{r: r, kind: kind, pvi: pvi, dev: device.New(""), used: make(map[string]bool)}
		commit, err := p.attach(b, field, kind, num)
		if err != nil {
			return err
		}
		if err := b.extras(); err != nil {
			return err
		}
		commits = append(commits, commit, p.adder(kind, num, b.dev))
	}
	for _, c := range commits {
		c()
	}
	p.slog.Debug("panda built", "prefix", p.prefix, "blocks", len(top))
	return nil
}

// adder returns the step that hangs a block off the tree, under a vector
// device when it is numbered.
func (p *PandA) adder(kind string, num int, dev *device.Device) func() {
	return func() {
		if num == 0 {
			p.AddDevice(kind, dev)
			return
		}
		c, ok := p.Child(kind)
		if !ok {
			p.AddDevice(kind, device.New(""))
			c, _ = p.Child(kind)
		}
		c.Device.AddDevice(strconv.Itoa(num), dev)
	}
}

// attach builds the typed signals of a block and returns the step that
// records it.
func (p *PandA) attach(b *builder, field, kind string, num int) (func(), error) {
	switch kind {
	case "seq":
		table, err := typed(b, "table", Table())
		if err != nil {
			return nil, err
		}
		return func() { p.Seq[num] = &SeqBlock{Device: b.dev, Table: table} }, nil
	case "pulse":
		delay, err := typed(b, "delay", pvdata.Float64())
		if err != nil {
			return nil, err
		}
		width, err := typed(b, "width", pvdata.Float64())
		if err != nil {
			return nil, err
		}
		return func() { p.Pulse[num] = &PulseBlock{Device: b.dev, Delay: delay, Width: width} }, nil
	case "pcap":
		active, err := typed(b, "active", pvdata.Bool())
		if err != nil {
			return nil, err
		}
		return func() { p.Pcap = &PcapBlock{Device: b.dev, Active: active} }, nil
	}
	return func() { p.Extra[field] = b.dev }, nil
}

// builder fills one block device from its PVI structure.
type builder struct {
	r    resolver
	kind string
	pvi  PVI
	dev  *device.Device
	used map[string]bool
}

// typed adds the declared signal called name.
func typed[T any](b *builder, name string, codec pvdata.Codec[T]) (*signal.Signal[T], error) {
	e, ok := b.pvi[name]
	if !ok {
		return nil, fmt.Errorf("%w: PandA has a %s block containing a %s signal which has not been retrieved by PVI",
			ErrMissingSignal, b.kind, name)
	}
	sig, err := makeSignal(b.r, codec, e)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", b.kind, name, err)
	}
	b.dev.Add(name, sig)
	b.used[name] = true
	return sig, nil
}

// extras adds an untyped signal for every field not declared by the block
// type.
func (b *builder) extras() error {
	for _, name := range slices.Sorted(maps.Keys(b.pvi)) {
		if b.used[name] {
			continue
		}
		sig, err := makeSignal(b.r, pvdata.Raw(), b.pvi[name])
		if err != nil {
			return fmt.Errorf("%s.%s: %w", b.kind, name, err)
		}
		b.dev.Add(name, sig)
	}
	return nil
}
