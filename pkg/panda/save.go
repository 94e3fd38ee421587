package panda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ophyd-epics-devices/epicsdev/pkg/device"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/status"
)

// ErrUnknownSignal is returned by Load for a saved key the device does not
// have.
var ErrUnknownSignal = errors.New("unknown signal")

// SortSignalsByPhase splits signals into the two phases of a load. Units
// change how the PandA interprets the values that use them, so signals
// whose source is a units record come first and everything else second.
// Both phases are always returned, possibly empty.
func SortSignalsByPhase(signals map[string]signal.Any) []map[string]signal.Any {
	phases := []map[string]signal.Any{{}, {}}
	for key, sig := range signals {
		if strings.HasSuffix(strings.ToLower(sig.Source()), "units") {
			phases[0][key] = sig
		} else {
			phases[1][key] = sig
		}
	}
	return phases
}

// saveable returns the read-write signals of d keyed by their name
// relative to d, like "pulse-1-delay".
func saveable(d *device.Device) map[string]signal.Any {
	prefix := d.Name() + device.Separator
	out := make(map[string]signal.Any)
	for name, sig := range d.Signals() {
		if a := sig.Access(); !a.Readable() || !a.Writable() {
			continue
		}
		out[strings.TrimPrefix(name, prefix)] = sig
	}
	return out
}

// Save reads every read-write signal of d and writes the values to w as a
// YAML list of phases, in the order Load applies them.
func Save(ctx context.Context, d *device.Device, w io.Writer) error {
	phases := SortSignalsByPhase(saveable(d))
	doc := make([]map[string]any, len(phases))
	for i, phase := range phases {
		doc[i] = make(map[string]any, len(phase))
		for _, key := range slices.Sorted(maps.Keys(phase)) {
			r, err := phase[key].ReadAny(ctx)
			if err != nil {
				return fmt.Errorf("save %s: %w", key, err)
			}
			doc[i][key] = r.Value
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("save %s: %w", d.Name(), err)
	}
	return enc.Close()
}

// Load sets the values saved by Save. The phases are applied in order;
// the signals of one phase are set concurrently and must all confirm
// before the next phase starts.
func Load(ctx context.Context, d *device.Device, r io.Reader) error {
	var doc []map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("load %s: %w", d.Name(), err)
	}
	sigs := saveable(d)
	for i, phase := range doc {
		var sts []*status.Status
		for _, key := range slices.Sorted(maps.Keys(phase)) {
			sig, ok := sigs[key]
			if !ok {
				return fmt.Errorf("load %s: %w: %s", d.Name(), ErrUnknownSignal, key)
			}
			sts = append(sts, sig.SetAny(ctx, phase[key]))
		}
		if err := status.All(fmt.Sprintf("%s load phase %d", d.Name(), i+1), sts...).Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
