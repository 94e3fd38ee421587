package areadetector

import (
	"context"
	"fmt"

	"github.com/ophyd-epics-devices/epicsdev/pkg/device"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/status"
)

// DetOption configures a detector.
type DetOption func(*detOptions)

type detOptions struct {
	plugins  []namedDevice
	uncached []signal.Any
}

type namedDevice struct {
	name string
	dev  *device.Device
}

// WithPlugin adds a plugin device as a child called name.
func WithPlugin(name string, plugin *device.Device) DetOption {
	return func(o *detOptions) { o.plugins = append(o.plugins, namedDevice{name, plugin}) }
}

// WithReadUncached adds signals to the detector reading. They are read
// from the IOC on every Read.
func WithReadUncached(sigs ...signal.Any) DetOption {
	return func(o *detOptions) { o.uncached = append(o.uncached, sigs...) }
}

// SingleTriggerDet takes one frame per trigger. Staging puts the driver
// into single image mode with WaitForPlugins set, so that the put-callback
// on Acquire returns only once every plugin has processed the frame. Its
// reading is the array counter plus any signals added with
// WithReadUncached; its configuration is the acquire time.
type SingleTriggerDet struct {
	*device.Device

	Drv *Driver
}

// NewSingleTriggerDet creates the detector and names its tree.
func NewSingleTriggerDet(name string, drv *Driver, opts ...DetOption) *SingleTriggerDet {
	var o detOptions
	for _, opt := range opts {
		opt(&o)
	}
	d := &SingleTriggerDet{Device: device.New(name), Drv: drv}
	d.AddDevice("drv", drv.Device)
	for _, p := range o.plugins {
		d.AddDevice(p.name, p.dev)
	}
	// The reading cannot come from a monitor: the update may race the
	// put-callback on Acquire.
	d.SetReadable(append([]signal.Any{drv.ArrayCounter}, o.uncached...), []signal.Any{drv.AcquireTime})
	d.OnStage("single image mode", func(ctx context.Context) error {
		return status.All(name+" stage",
			drv.ImageMode.Set(ctx, ImageModeSingle),
			drv.WaitForPlugins.Set(ctx, true),
		).Wait(ctx)
	}, nil)
	return d
}

// Trigger acquires one frame. The status completes when the driver and all
// plugins are done with it, or fails after signal.DefaultTimeout.
func (d *SingleTriggerDet) Trigger(ctx context.Context) *status.Status {
	return status.Run(ctx, d.Name()+" trigger", signal.DefaultTimeout, func(ctx context.Context) error {
		if err := d.Drv.Acquire.Write(ctx, true, signal.WithWait(true)); err != nil {
			return fmt.Errorf("trigger %s: %w", d.Name(), err)
		}
		return nil
	})
}
