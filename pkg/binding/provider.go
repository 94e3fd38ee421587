package binding

import (
	"context"

	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
)

// Provider opens channels to PVs of one scheme ("sim", "pvgw").
//
//go:generate mockery --name Provider
type Provider interface {
	// Scheme returns the PV name prefix this provider serves, without "://".
	Scheme() string

	// Open connects to pv (the name without scheme). It blocks until the
	// channel is connected or ctx ends.
	Open(ctx context.Context, pv string) (Channel, error)
}

// Channel is one connected PV as seen by a provider.
//
// Errors should carry a pverr kind where one applies; a rejected put must
// match pverr.ErrWriteRejected.
//
//go:generate mockery --name Channel
type Channel interface {
	// Get fetches the current value from the remote PV.
	Get(ctx context.Context) (pvdata.Value, error)

	// Put writes data. With wait set it returns after the record finished
	// processing (put-callback), otherwise once the write was acknowledged.
	Put(ctx context.Context, data any, wait bool) error

	// Monitor starts delivering value updates to fn until cancelled. fn is
	// called on the provider's goroutine and must not block.
	Monitor(ctx context.Context, fn func(pvdata.Value)) (Monitor, error)

	// Lost is closed when the channel disconnects unexpectedly.
	Lost() <-chan struct{}

	// Err returns why the channel was lost.
	Err() error

	// Close releases the channel.
	Close() error
}

// Monitor is an active value subscription on a channel.
type Monitor interface {
	Cancel()
}

// MonitorFunc adapts a function to the Monitor interface.
type MonitorFunc func()

// Cancel calls f.
func (f MonitorFunc) Cancel() { f() }
