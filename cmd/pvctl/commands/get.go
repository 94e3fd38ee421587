package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
)

// GetOptions controls RunGet output.
type GetOptions struct {
	// Verbose adds timestamp and alarm.
	Verbose bool
}

// RunGet reads each PV and prints one line per PV. A failed PV is reported
// and the rest are still read.
func RunGet(ctx context.Context, c *Client, pvs []string, opts GetOptions, w io.Writer) error {
	var errs []error
	for _, pv := range pvs {
		v, err := get(ctx, c, pv)
		if err != nil {
			errs = append(errs, err)
			fmt.Fprintf(w, "%s *** %v\n", pv, err)
			continue
		}
		fmt.Fprintln(w, formatValue(pv, v, opts.Verbose))
	}
	return errors.Join(errs...)
}

func get(ctx context.Context, c *Client, pv string) (pvdata.Value, error) {
	b, err := c.Sup.GetBinding(ctx, pv)
	if err != nil {
		return pvdata.Value{}, err
	}
	return b.Get(ctx)
}

// formatValue renders "pv value", or pvget style "pv timestamp value
// [alarm]" when verbose.
func formatValue(pv string, v pvdata.Value, verbose bool) string {
	if verbose {
		return pv + " " + v.String()
	}
	if s, ok := v.EnumString(); ok {
		return pv + " " + s
	}
	return fmt.Sprintf("%s %v", pv, v.Data)
}

// PutOptions controls RunPut.
type PutOptions struct {
	// Wait waits for the put-callback.
	Wait bool

	// Array splits the value on commas into elements.
	Array bool

	Timeout time.Duration
}

// RunPut writes value to pv and prints the old and new values.
func RunPut(ctx context.Context, c *Client, pv, value string, opts PutOptions, w io.Writer) error {
	b, err := c.Sup.GetBinding(ctx, pv)
	if err != nil {
		return err
	}
	old, err := b.Get(ctx)
	if err != nil {
		return err
	}

	var data any = value
	if opts.Array {
		data = splitArray(value)
	}
	var putOpts []binding.PutOption
	if opts.Wait {
		putOpts = append(putOpts, binding.Wait())
	}
	if opts.Timeout > 0 {
		putOpts = append(putOpts, binding.WithPutTimeout(opts.Timeout))
	}
	if err := b.Put(ctx, data, putOpts...); err != nil {
		return err
	}

	now, err := b.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Old : %s\n", formatValue(pv, old, false))
	fmt.Fprintf(w, "New : %s\n", formatValue(pv, now, false))
	return nil
}

func splitArray(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// RunInfo prints the type, state and metadata of a PV.
func RunInfo(ctx context.Context, c *Client, pv string, w io.Writer) error {
	b, err := c.Sup.GetBinding(ctx, pv)
	if err != nil {
		return err
	}
	v, err := b.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", b.Name())
	fmt.Fprintf(w, "  State:       %s\n", b.State())
	fmt.Fprintf(w, "  Type:        %s\n", v.Type)
	if len(v.Choices) > 0 {
		fmt.Fprintf(w, "  Choices:     %s\n", strings.Join(v.Choices, ", "))
	}
	fmt.Fprintf(w, "  Value:       %s\n", v.String())
	fmt.Fprintf(w, "  Alarm:       %s\n", v.Alarm)
	if !v.TimeStamp.IsZero() {
		fmt.Fprintf(w, "  Timestamp:   %s\n", v.TimeStamp.Time().Format(time.RFC3339Nano))
	}
	fmt.Fprintf(w, "  Subscribers: %d\n", b.Subscribers())
	return nil
}
