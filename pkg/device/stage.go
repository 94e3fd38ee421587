package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
)

// step is one registered stage action and its inverse.
type step struct {
	name    string
	acquire func(context.Context) error
	release func(context.Context) error
}

// OnStage registers a stage step. Steps run in registration order on Stage
// and their releases in reverse order on Unstage. release may be nil.
func (d *Device) OnStage(name string, acquire, release func(context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, step{name: name, acquire: acquire, release: release})
}

// StageValue registers a step that sets sig to v during staging and
// restores the previous value on unstage.
func (d *Device) StageValue(sig signal.Any, v any) {
	var previous any
	var restore bool
	d.OnStage(sig.Name(),
		func(ctx context.Context) error {
			restore = false
			if sig.Access().Readable() {
				r, err := sig.ReadAny(ctx)
				if err != nil {
					return err
				}
				previous, restore = r.Value, true
			}
			return sig.SetAny(ctx, v).Wait(ctx)
		},
		func(ctx context.Context) error {
			if !restore {
				return nil
			}
			return sig.SetAny(ctx, previous).Wait(ctx)
		})
}

// IsStaged reports whether Stage succeeded and Unstage has not run yet.
func (d *Device) IsStaged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isStaged
}

// Stage runs the stage steps of d, then stages its sub-devices. If any step
// fails everything acquired so far is released in reverse order and the
// error returned. A Stage that overlaps another fails with ErrStaging.
func (d *Device) Stage(ctx context.Context) error {
	d.mu.Lock()
	switch {
	case d.isStaged:
		d.mu.Unlock()
		return fmt.Errorf("stage %s: %w", d.name, ErrAlreadyStaged)
	case d.staging:
		d.mu.Unlock()
		return fmt.Errorf("stage %s: %w", d.name, ErrStaging)
	}
	d.staging = true
	steps := append([]step(nil), d.steps...)
	d.mu.Unlock()

	var acquired []func(context.Context) error
	fail := func(err error) error {
		rerr := releaseAll(ctx, acquired)
		d.mu.Lock()
		d.staging = false
		d.mu.Unlock()
		d.slog.Warn("stage failed", "device", d.Name(), "error", err)
		return errors.Join(err, rerr)
	}

	for _, s := range steps {
		if err := s.acquire(ctx); err != nil {
			return fail(fmt.Errorf("stage %s: %s: %w", d.Name(), s.name, err))
		}
		if s.release != nil {
			acquired = append(acquired, s.release)
		}
	}
	for _, c := range d.Children() {
		if c.Kind != ChildDevice {
			continue
		}
		if err := c.Device.Stage(ctx); err != nil {
			return fail(err)
		}
		acquired = append(acquired, c.Device.Unstage)
	}

	d.mu.Lock()
	d.staged = acquired
	d.isStaged = true
	d.staging = false
	d.mu.Unlock()
	d.slog.Debug("device staged", "device", d.Name())
	return nil
}

// Unstage releases everything Stage acquired, in reverse order. Every
// release runs even if an earlier one fails. Unstaging an unstaged device
// is a no-op.
func (d *Device) Unstage(ctx context.Context) error {
	d.mu.Lock()
	if !d.isStaged {
		d.mu.Unlock()
		return nil
	}
	acquired := d.staged
	d.staged = nil
	d.isStaged = false
	d.mu.Unlock()

	err := releaseAll(ctx, acquired)
	if err != nil {
		d.slog.Warn("unstage failed", "device", d.Name(), "error", err)
		return fmt.Errorf("unstage %s: %w", d.Name(), err)
	}
	d.slog.Debug("device unstaged", "device", d.Name())
	return nil
}

func releaseAll(ctx context.Context, releases []func(context.Context) error) error {
	// Teardown still runs when the caller's context is already done.
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := releases[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Staged stages d, runs fn and unstages d, also when fn fails or panics.
// fn's error takes precedence over the unstage error.
func (d *Device) Staged(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := d.Stage(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := d.Unstage(ctx); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn(ctx)
}
