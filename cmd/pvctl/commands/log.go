package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/log"
)

// LogOptions selects and formats protocol log events.
type LogOptions struct {
	SessionID string
	PV        string
	Layer     string
	Direction string
	Category  string
	Since     string
	Until     string

	// JSON writes one JSON object per line instead of text.
	JSON bool
}

// ParseLayer parses a layer flag value.
func ParseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "wire":
		return log.LayerWire, nil
	case "binding":
		return log.LayerBinding, nil
	}
	return 0, fmt.Errorf("invalid layer %q (valid: transport, wire, binding)", s)
}

// ParseDirection parses a direction flag value.
func ParseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	}
	return 0, fmt.Errorf("invalid direction %q (valid: in, out)", s)
}

// ParseCategory parses a category flag value.
func ParseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "control":
		return log.CategoryControl, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	}
	return 0, fmt.Errorf("invalid category %q (valid: message, control, state, error)", s)
}

// Filter converts the options to a reader filter.
func (o LogOptions) Filter() (log.Filter, error) {
	f := log.Filter{SessionID: o.SessionID, PV: o.PV}
	if o.Layer != "" {
		l, err := ParseLayer(o.Layer)
		if err != nil {
			return f, err
		}
		f.Layer = &l
	}
	if o.Direction != "" {
		d, err := ParseDirection(o.Direction)
		if err != nil {
			return f, err
		}
		f.Direction = &d
	}
	if o.Category != "" {
		c, err := ParseCategory(o.Category)
		if err != nil {
			return f, err
		}
		f.Category = &c
	}
	for _, t := range []struct {
		flag, value string
		dst         **time.Time
	}{{"since", o.Since, &f.TimeStart}, {"until", o.Until, &f.TimeEnd}} {
		if t.value == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, t.value)
		if err != nil {
			return f, fmt.Errorf("invalid --%s: %w", t.flag, err)
		}
		*t.dst = &ts
	}
	return f, nil
}

// RunLog dumps the events of a protocol log file.
func RunLog(path string, opts LogOptions, w io.Writer) error {
	filter, err := opts.Filter()
	if err != nil {
		return err
	}
	r, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return err
	}
	defer r.Close()

	enc := json.NewEncoder(w)
	n := 0
	for event, err := range r.All() {
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		n++
		if opts.JSON {
			if err := enc.Encode(event); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(w, log.Format(event))
	}
	if !opts.JSON {
		fmt.Fprintf(w, "%d events\n", n)
	}
	return nil
}
