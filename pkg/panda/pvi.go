package panda

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/supervisor"
)

// PVIEntry is one field of a PVI structure. A block entry only has D, the
// PV of the block's own PVI structure. A signal entry names its PVs by
// access: RW for a single read-write record, R and W for a separate
// readback and setpoint, X for an action.
type PVIEntry struct {
	D  string `yaml:"d,omitempty"`
	R  string `yaml:"r,omitempty"`
	RW string `yaml:"rw,omitempty"`
	W  string `yaml:"w,omitempty"`
	X  string `yaml:"x,omitempty"`
}

// IsBlock reports whether e points at a nested PVI structure and nothing
// else.
func (e PVIEntry) IsBlock() bool {
	return e.D != "" && e.R == "" && e.RW == "" && e.W == "" && e.X == ""
}

// Map returns e as the structure a PVI record serves.
func (e PVIEntry) Map() map[string]any {
	out := make(map[string]any)
	for k, v := range map[string]string{"d": e.D, "r": e.R, "rw": e.RW, "w": e.W, "x": e.X} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// PVI is a decoded PVI structure keyed by field name.
type PVI map[string]PVIEntry

// ParsePVI decodes the value of a PVI record.
func ParsePVI(data map[string]any) (PVI, error) {
	out := make(PVI, len(data))
	for name, raw := range data {
		fields, err := pvdata.ToStructure(raw)
		if err != nil {
			return nil, fmt.Errorf("pvi field %s: %w", name, err)
		}
		var e PVIEntry
		for op, pv := range fields {
			s, ok := pv.(string)
			if !ok {
				return nil, fmt.Errorf("pvi field %s.%s: %w: %T is not a PV name", name, op, pvdata.ErrTypeMismatch, pv)
			}
			switch op {
			case "d":
				e.D = s
			case "r":
				e.R = s
			case "rw":
				e.RW = s
			case "w":
				e.W = s
			case "x":
				e.X = s
			default:
				return nil, fmt.Errorf("pvi field %s: unknown access %q", name, op)
			}
		}
		out[name] = e
	}
	return out, nil
}

// Map returns p as the structure a PVI record serves.
func (p PVI) Map() map[string]any {
	out := make(map[string]any, len(p))
	for name, e := range p {
		out[name] = e.Map()
	}
	return out
}

// splitBlockName splits "seq1" into ("seq", 1). An unnumbered block
// returns 0.
func splitBlockName(s string) (string, int) {
	name := strings.TrimRightFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if name == s || name == "" {
		return s, 0
	}
	n, err := strconv.Atoi(s[len(name):])
	if err != nil || n == 0 {
		return s, 0
	}
	return name, n
}

// resolver turns PV names from PVI structures into names the supervisor
// serves. PVI lists bare record names; they are reached through the same
// provider as the PandA prefix.
type resolver struct {
	sup    *supervisor.Supervisor
	scheme string
	opts   []signal.Option
}

func newResolver(sup *supervisor.Supervisor, prefix string, opts []signal.Option) resolver {
	r := resolver{sup: sup, opts: opts}
	if scheme, _, ok := strings.Cut(prefix, supervisor.SchemeSeparator); ok {
		r.scheme = scheme + supervisor.SchemeSeparator
	}
	return r
}

func (r resolver) pv(name string) string {
	if name == "" || strings.Contains(name, supervisor.SchemeSeparator) {
		return name
	}
	return r.scheme + name
}

// read fetches and decodes the PVI structure served at pv.
func (r resolver) read(ctx context.Context, pv string) (PVI, error) {
	sig := signal.NewR(r.sup, pvdata.Structure(), r.pv(pv), r.opts...)
	rd, err := sig.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pvi %s: %w", pv, err)
	}
	return ParsePVI(rd.Value)
}

// makeSignal builds the signal an entry describes.
func makeSignal[T any](r resolver, codec pvdata.Codec[T], e PVIEntry) (*signal.Signal[T], error) {
	switch {
	case e.RW != "":
		return signal.ReadWrite(r.sup, codec, r.pv(e.RW), r.opts...), nil
	case e.R != "" && e.W != "":
		return signal.NewRW(r.sup, codec, r.pv(e.R), r.pv(e.W), r.opts...), nil
	case e.R != "":
		return signal.NewR(r.sup, codec, r.pv(e.R), r.opts...), nil
	case e.W != "":
		return signal.NewW(r.sup, codec, r.pv(e.W), r.opts...), nil
	case e.X != "":
		return signal.NewW(r.sup, codec, r.pv(e.X), r.opts...), nil
	}
	return nil, fmt.Errorf("%w: entry has no signal PV", ErrInvalidPVI)
}
