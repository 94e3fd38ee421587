package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ophyd-epics-devices/epicsdev/pkg/export"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
)

// MonitorOptions controls RunMonitor.
type MonitorOptions struct {
	// Count stops each PV after this many updates; 0 is unlimited.
	Count int

	// Exporter, when set, receives every update as well.
	Exporter *export.Exporter
}

// RunMonitor prints updates of pvs until ctx ends. Disconnects are printed
// and monitoring continues after the reconnect.
func RunMonitor(ctx context.Context, c *Client, pvs []string, opts MonitorOptions, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(map[string]signal.Any, len(pvs))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, format, args...)
	}

	for _, pv := range pvs {
		sig := signal.NewR(c.Sup, displayCodec{}, pv, signal.WithOptions(c.SignalOptions))
		sig.SetName(pv)
		sigs[pv] = sig
		g.Go(func() error {
			n := 0
			for r, err := range sig.Observe(gctx) {
				if errors.Is(err, pverr.ErrShutdown) {
					return nil
				}
				if err != nil {
					printf("%s *** %v\n", pv, err)
					continue
				}
				printf("%s %s %s\n", pv, stamp(r.Timestamp), r.Value)
				if n++; opts.Count > 0 && n >= opts.Count {
					return nil
				}
			}
			return nil
		})
	}

	if opts.Exporter != nil {
		exportCtx, stopExport := context.WithCancel(ctx)
		defer stopExport()
		done := make(chan error, 1)
		go func() { done <- opts.Exporter.Run(exportCtx, sigs) }()
		err := g.Wait()
		stopExport()
		return errors.Join(err, <-done)
	}
	return g.Wait()
}

func stamp(ts pvdata.TimeStamp) string {
	if ts.IsZero() {
		return "<undefined>"
	}
	return ts.Time().Format("2006-01-02 15:04:05.000000")
}

// displayCodec renders any PV, arrays included, as text. Enums show the
// selected choice.
type displayCodec struct{}

func (displayCodec) Decode(v pvdata.Value) (string, error) {
	if s, ok := v.EnumString(); ok {
		return s, nil
	}
	if v.Data == nil {
		return "", nil
	}
	return fmt.Sprint(v.Data), nil
}

func (displayCodec) Coerce(x any) (string, error) { return fmt.Sprint(x), nil }
func (displayCodec) Encode(x string) any          { return x }
func (displayCodec) Equal(a, b string) bool       { return a == b }
func (displayCodec) DType() string                { return "string" }
