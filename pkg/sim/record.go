package sim

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
)

// PutHook inspects a put before it is applied. A non-nil error rejects it.
type PutHook func(pv string, data any) error

// record is one simulated PV.
type record struct {
	name string

	mu       sync.Mutex
	value    pvdata.Value
	typed    bool
	readOnly bool
	hooks    []PutHook

	// gate is closed while puts with completion wait may proceed.
	gate chan struct{}

	monitors map[uint64]func(pvdata.Value)
	nextMon  uint64
}

func newRecord(name string) *record {
	gate := make(chan struct{})
	close(gate)
	return &record{
		name:     name,
		value:    pvdata.Value{TimeStamp: pvdata.Now()},
		gate:     gate,
		monitors: make(map[uint64]func(pvdata.Value)),
	}
}

func (r *record) get() pvdata.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// convert turns data into a value of the record's type, typing the record
// on first use.
func (r *record) convert(data any) (pvdata.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convertLocked(data)
}

func (r *record) convertLocked(data any) (pvdata.Value, error) {
	if v, ok := data.(pvdata.Value); ok {
		if !r.typed || v.Type == r.value.Type {
			return v, nil
		}
		data = v.Data
	}

	v := r.value
	if !r.typed {
		t, ok := pvdata.TypeOf(data)
		if !ok {
			return pvdata.Value{}, fmt.Errorf("%w: cannot store %T", pvdata.ErrTypeMismatch, data)
		}
		v.Type = t
	}

	if v.Type == pvdata.TypeEnum {
		idx, err := enumIndex(v.Choices, data)
		if err != nil {
			return pvdata.Value{}, err
		}
		v.Data = idx
	} else {
		d, err := pvdata.Coerce(v.Type, data)
		if err != nil {
			return pvdata.Value{}, err
		}
		v.Data = d
	}
	v.TimeStamp = pvdata.Now()
	return v, nil
}

func enumIndex(choices []string, data any) (int32, error) {
	if s, ok := data.(string); ok {
		if i := slices.Index(choices, s); i >= 0 {
			return int32(i), nil
		}
		return 0, fmt.Errorf("%w: %q is not one of %v", pvdata.ErrTypeMismatch, s, choices)
	}
	i, ok := pvdata.ToInt64(data)
	if !ok || i < 0 || (len(choices) > 0 && int(i) >= len(choices)) {
		return 0, fmt.Errorf("%w: invalid enum index %v", pvdata.ErrTypeMismatch, data)
	}
	return int32(i), nil
}

// store sets the value and returns the monitors to notify.
func (r *record) store(v pvdata.Value) []func(pvdata.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = v
	r.typed = true
	fns := make([]func(pvdata.Value), 0, len(r.monitors))
	for _, fn := range r.monitors {
		fns = append(fns, fn)
	}
	return fns
}

func (r *record) declare(v pvdata.Value) []func(pvdata.Value) {
	if v.TimeStamp.IsZero() {
		v.TimeStamp = pvdata.Now()
	}
	return r.store(v)
}

func (r *record) subscribe(fn func(pvdata.Value)) (uint64, pvdata.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextMon++
	r.monitors[r.nextMon] = fn
	return r.nextMon, r.value
}

func (r *record) unsubscribe(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.monitors, id)
}

func (r *record) setPutProceeds(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.gate:
		if !ok {
			r.gate = make(chan struct{})
		}
	default:
		if ok {
			close(r.gate)
		}
	}
}

func (r *record) putGate() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gate
}

func (r *record) checkPut(data any) error {
	r.mu.Lock()
	readOnly, hooks := r.readOnly, slices.Clone(r.hooks)
	r.mu.Unlock()

	if readOnly {
		return fmt.Errorf("%s is %w", r.name, pverr.ErrReadOnly)
	}
	for _, h := range hooks {
		if err := h(r.name, data); err != nil {
			return err
		}
	}
	return nil
}

func notify(fns []func(pvdata.Value), v pvdata.Value) {
	for _, fn := range fns {
		fn(v)
	}
}
