package export

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
)

// DefaultWriteTimeout bounds a single sink write.
const DefaultWriteTimeout = 5 * time.Second

// Update is one reading of one signal.
type Update struct {
	// Name is the signal name, the PV when the signal is unnamed.
	Name string

	// PV is the scheme-qualified read PV.
	PV string

	Reading signal.AnyReading
}

// Message is the JSON document published by the MQTT, Valkey and Kafka
// sinks.
type Message struct {
	PV        string  `json:"pv"`
	Name      string  `json:"name"`
	Value     any     `json:"value"`
	Timestamp float64 `json:"timestamp"`
	Alarm     string  `json:"alarm,omitempty"`
}

// Message returns the published form of u.
func (u Update) Message() Message {
	return Message{
		PV:        u.PV,
		Name:      u.Name,
		Value:     u.Reading.Value,
		Timestamp: u.Reading.Timestamp,
		Alarm:     u.Reading.Alarm,
	}
}

// BareName returns the PV name without its provider scheme.
func (u Update) BareName() string {
	if _, name, ok := strings.Cut(u.PV, "://"); ok {
		return name
	}
	return u.PV
}

// Sink receives updates.
//
//go:generate mockery --name Sink
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	Write(ctx context.Context, u Update) error

	Close() error
}

// Source is a signal that can be exported.
type Source interface {
	Name() string
	Source() string
	ObserveAny(ctx context.Context) iter.Seq2[signal.AnyReading, error]
}

// Stats counts the writes of one sink.
type Stats struct {
	Written int64
	Failed  int64
	LastErr error
}

// Exporter fans signal updates out to sinks.
type Exporter struct {
	sinks        []Sink
	slog         *slog.Logger
	writeTimeout time.Duration

	mu    sync.Mutex
	stats map[string]*Stats
}

// New creates an exporter writing to sinks.
func New(logger *slog.Logger, sinks ...Sink) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Exporter{
		sinks:        sinks,
		slog:         logger,
		writeTimeout: DefaultWriteTimeout,
		stats:        make(map[string]*Stats, len(sinks)),
	}
	for _, s := range sinks {
		e.stats[s.Name()] = &Stats{}
	}
	return e
}

// SetWriteTimeout changes the per-write timeout.
func (e *Exporter) SetWriteTimeout(d time.Duration) {
	if d > 0 {
		e.writeTimeout = d
	}
}

// Run exports every source until ctx is done or all sources have shut down.
// Disconnects are logged and the source is exported again after the
// reconnect. Run returns nil when ctx is cancelled.
func (e *Exporter) Run(ctx context.Context, sources map[string]signal.Any) error {
	list := make([]Source, 0, len(sources))
	for _, s := range sources {
		list = append(list, s)
	}
	return e.RunSources(ctx, list...)
}

// RunSources is Run for an explicit list of sources.
func (e *Exporter) RunSources(ctx context.Context, sources ...Source) error {
	if len(e.sinks) == 0 {
		return errors.New("export: no sinks")
	}
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.export(ctx, src)
		}()
	}
	wg.Wait()
	return nil
}

func (e *Exporter) export(ctx context.Context, src Source) {
	name := src.Name()
	if name == "" {
		name = src.Source()
	}
	for r, err := range src.ObserveAny(ctx) {
		if err != nil {
			if errors.Is(err, pverr.ErrShutdown) {
				return
			}
			e.slog.Warn("export source unavailable", "signal", name, "error", err)
			continue
		}
		e.Dispatch(ctx, Update{Name: name, PV: src.Source(), Reading: r})
	}
}

// Dispatch writes u to every sink. Failures are logged and counted.
func (e *Exporter) Dispatch(ctx context.Context, u Update) {
	for _, s := range e.sinks {
		wctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
		err := s.Write(wctx, u)
		cancel()
		e.record(s.Name(), err)
		if err != nil {
			e.slog.Error("export write failed", "sink", s.Name(), "signal", u.Name, "error", err)
		}
	}
}

func (e *Exporter) record(sink string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stats[sink]
	if err != nil {
		st.Failed++
		st.LastErr = err
		return
	}
	st.Written++
}

// Stats returns a snapshot of the counters of every sink.
func (e *Exporter) Stats() map[string]Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Stats, len(e.stats))
	for name, st := range e.stats {
		out[name] = *st
	}
	return out
}

// Close closes every sink.
func (e *Exporter) Close() error {
	var errs []error
	for _, s := range e.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
