package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/log"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/wire"
)

// Scheme is the PV name prefix served by the simulator.
const Scheme = "sim"

// ReadbackSuffix is appended to a setpoint name to find its readback.
const ReadbackSuffix = "_RBV"

// ErrDropped is the cause reported for a channel lost through Drop.
var ErrDropped = errors.New("simulated disconnect")

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.slog = l }
}

// WithProtocolLogger records gets, puts and monitor updates as protocol
// events.
func WithProtocolLogger(l log.Logger) Option {
	return func(p *Provider) { p.plog = log.OrNoop(l) }
}

// WithoutReadbackEcho stops writes to X from updating X_RBV.
func WithoutReadbackEcho() Option {
	return func(p *Provider) { p.echo = false }
}

// Provider is a simulated PV server.
type Provider struct {
	slog *slog.Logger
	plog log.Logger
	echo bool

	mu          sync.Mutex
	records     map[string]*record
	links       map[string][]string
	unreachable map[string]bool
	allDown     bool
	reachable   chan struct{} // closed and replaced when reachability changes
	channels    map[string]map[*channel]struct{}
}

var _ binding.Provider = (*Provider)(nil)

// New creates an empty simulator.
func New(opts ...Option) *Provider {
	p := &Provider{
		slog:        slog.Default(),
		plog:        log.NoopLogger{},
		echo:        true,
		records:     make(map[string]*record),
		links:       make(map[string][]string),
		unreachable: make(map[string]bool),
		reachable:   make(chan struct{}),
		channels:    make(map[string]map[*channel]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Scheme implements binding.Provider.
func (p *Provider) Scheme() string { return Scheme }

// Open implements binding.Provider. It blocks while the PV is unreachable.
func (p *Provider) Open(ctx context.Context, pv string) (binding.Channel, error) {
	for {
		p.mu.Lock()
		down := p.allDown || p.unreachable[pv]
		wait := p.reachable
		p.mu.Unlock()
		if !down {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s unreachable: %w", pv, ctx.Err())
		case <-wait:
		}
	}

	ch := &channel{p: p, rec: p.record(pv), lost: make(chan struct{})}
	p.mu.Lock()
	set, ok := p.channels[pv]
	if !ok {
		set = make(map[*channel]struct{})
		p.channels[pv] = set
	}
	set[ch] = struct{}{}
	p.mu.Unlock()

	p.slog.Debug("sim channel opened", "pv", pv)
	p.logState(pv, "CONNECTED", "")
	return ch, nil
}

// record returns the record for name, creating it on first use. A new
// readback record starts with its setpoint's value.
func (p *Provider) record(name string) *record {
	p.mu.Lock()
	r, ok := p.records[name]
	if !ok {
		r = newRecord(name)
		p.records[name] = r
	}
	var setpoint *record
	if !ok && p.echo && strings.HasSuffix(name, ReadbackSuffix) {
		setpoint = p.records[strings.TrimSuffix(name, ReadbackSuffix)]
	}
	p.mu.Unlock()

	if setpoint != nil {
		setpoint.mu.Lock()
		v, typed := setpoint.value, setpoint.typed
		setpoint.mu.Unlock()
		if typed {
			r.declare(v)
		}
	}
	return r
}

func (p *Provider) lookup(name string) (*record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[name]
	return r, ok
}

// Declare creates or retypes a PV with an initial value.
func (p *Provider) Declare(name string, t pvdata.ScalarType, initial any) error {
	v, err := pvdata.NewValue(t, initial)
	if err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}
	notify(p.record(name).declare(v), v)
	return nil
}

// DeclareEnum creates or retypes a PV as an enum.
func (p *Provider) DeclareEnum(name string, index int32, choices ...string) error {
	if index < 0 || (len(choices) > 0 && int(index) >= len(choices)) {
		return fmt.Errorf("declare %s: index %d out of range", name, index)
	}
	v := pvdata.NewEnum(index, choices...)
	notify(p.record(name).declare(v), v)
	return nil
}

// SetValue updates a PV from the IOC side: no write checks apply and no
// readback echo happens. Monitors see the new value.
func (p *Provider) SetValue(name string, data any) error {
	r := p.record(name)
	v, err := r.convert(data)
	if err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	notify(r.store(v), v)
	p.logMonitor(name, v)
	return nil
}

// SetAlarm updates the alarm of a PV, republishing its value.
func (p *Provider) SetAlarm(name string, a pvdata.Alarm) {
	r := p.record(name)
	r.mu.Lock()
	v := r.value
	r.mu.Unlock()
	v.Alarm = a
	v.TimeStamp = pvdata.Now()
	notify(r.store(v), v)
}

// Value returns the current value of a PV.
func (p *Provider) Value(name string) (pvdata.Value, bool) {
	r, ok := p.lookup(name)
	if !ok {
		return pvdata.Value{}, false
	}
	return r.get(), true
}

// Names returns the names of every PV, sorted.
func (p *Provider) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.records))
	for n := range p.records {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// SetPutProceeds controls whether puts that wait for completion on name
// return. While false they block; the value is still applied at once.
func (p *Provider) SetPutProceeds(name string, proceed bool) {
	p.record(name).setPutProceeds(proceed)
}

// SetReadOnly makes puts to name fail with a write rejection.
func (p *Provider) SetReadOnly(name string, readOnly bool) {
	r := p.record(name)
	r.mu.Lock()
	r.readOnly = readOnly
	r.mu.Unlock()
}

// OnPut registers a hook run before every put to name.
func (p *Provider) OnPut(name string, hook PutHook) {
	r := p.record(name)
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// SetReachable controls whether name can be opened. An empty name applies
// to every PV. Opens blocked on an unreachable PV resume when it becomes
// reachable again.
func (p *Provider) SetReachable(name string, reachable bool) {
	p.mu.Lock()
	if name == "" {
		p.allDown = !reachable
	} else if reachable {
		delete(p.unreachable, name)
	} else {
		p.unreachable[name] = true
	}
	close(p.reachable)
	p.reachable = make(chan struct{})
	p.mu.Unlock()
}

// Link makes every successful put to from also update to.
func (p *Provider) Link(from, to string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !slices.Contains(p.links[from], to) {
		p.links[from] = append(p.links[from], to)
	}
}

// Drop simulates the loss of every open channel to name.
func (p *Provider) Drop(name string) {
	p.mu.Lock()
	chans := make([]*channel, 0, len(p.channels[name]))
	for ch := range p.channels[name] {
		chans = append(chans, ch)
	}
	delete(p.channels, name)
	p.mu.Unlock()

	for _, ch := range chans {
		ch.drop(pverr.Connection("monitor", Scheme+"://"+name, ErrDropped))
	}
	if len(chans) > 0 {
		p.slog.Debug("sim channels dropped", "pv", name, "count", len(chans))
		p.logState(name, "DISCONNECTED", ErrDropped.Error())
	}
}

func (p *Provider) put(ctx context.Context, r *record, data any, wait bool) error {
	pv := Scheme + "://" + r.name
	if err := r.checkPut(data); err != nil {
		return pverr.WriteRejected(pv, "%w", err)
	}
	v, err := r.convert(data)
	if err != nil {
		return pverr.WriteRejected(pv, "%w", err)
	}
	notify(r.store(v), v)
	p.logPut(r.name, data)
	p.propagate(r.name, v)

	if !wait {
		return nil
	}
	select {
	case <-r.putGate():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// propagate copies a written value to the readback and linked PVs.
func (p *Provider) propagate(name string, v pvdata.Value) {
	p.mu.Lock()
	targets := slices.Clone(p.links[name])
	if p.echo && !strings.HasSuffix(name, ReadbackSuffix) {
		if _, ok := p.records[name+ReadbackSuffix]; ok {
			targets = append(targets, name+ReadbackSuffix)
		}
	}
	p.mu.Unlock()

	for _, t := range targets {
		data := v.Data
		if s, ok := v.EnumString(); ok {
			data = s
		}
		if err := p.SetValue(t, data); err != nil {
			p.slog.Debug("sim propagate failed", "from", name, "to", t, "error", err)
		}
	}
}

func (p *Provider) forget(ch *channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.channels[ch.rec.name]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(p.channels, ch.rec.name)
		}
	}
}

func (p *Provider) logState(pv, state, reason string) {
	p.plog.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerBinding,
		Category:  log.CategoryState,
		LocalRole: log.RoleGateway,
		PV:        Scheme + "://" + pv,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityChannel,
			NewState: state,
			Reason:   reason,
		},
	})
}

func (p *Provider) logPut(pv string, data any) {
	op := wire.OpPut
	p.plog.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionIn,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		LocalRole: log.RoleGateway,
		PV:        Scheme + "://" + pv,
		Message:   &log.MessageEvent{Kind: wire.KindRequest, Operation: &op, Channel: pv, Payload: data},
	})
}

func (p *Provider) logMonitor(pv string, v pvdata.Value) {
	ev := wire.EventValue
	p.plog.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionOut,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		LocalRole: log.RoleGateway,
		PV:        Scheme + "://" + pv,
		Message:   &log.MessageEvent{Kind: wire.KindNotification, Channel: pv, Event: &ev, Payload: v.Data},
	})
}
