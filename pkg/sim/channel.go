package sim

import (
	"context"
	"sync"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
)

type channel struct {
	p   *Provider
	rec *record

	mu     sync.Mutex
	lost   chan struct{}
	err    error
	closed bool
	mons   []uint64
}

var _ binding.Channel = (*channel)(nil)

func (c *channel) check(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return pverr.NotConnected(op, Scheme+"://"+c.rec.name)
	}
	return nil
}

func (c *channel) Get(ctx context.Context) (pvdata.Value, error) {
	if err := c.check("get"); err != nil {
		return pvdata.Value{}, err
	}
	if err := ctx.Err(); err != nil {
		return pvdata.Value{}, err
	}
	return c.rec.get(), nil
}

func (c *channel) Put(ctx context.Context, data any, wait bool) error {
	if err := c.check("put"); err != nil {
		return err
	}
	return c.p.put(ctx, c.rec, data, wait)
}

// Monitor delivers the current value at once, then every update, on the
// goroutine that changed the record.
func (c *channel) Monitor(ctx context.Context, fn func(pvdata.Value)) (binding.Monitor, error) {
	if err := c.check("monitor"); err != nil {
		return nil, err
	}
	id, current := c.rec.subscribe(fn)
	c.mu.Lock()
	c.mons = append(c.mons, id)
	c.mu.Unlock()

	fn(current)
	return binding.MonitorFunc(func() { c.rec.unsubscribe(id) }), nil
}

func (c *channel) Lost() <-chan struct{} { return c.lost }

func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	mons := c.mons
	c.mons = nil
	c.mu.Unlock()

	for _, id := range mons {
		c.rec.unsubscribe(id)
	}
	c.p.forget(c)
	return nil
}

func (c *channel) drop(err error) {
	c.mu.Lock()
	if c.err != nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.err = err
	mons := c.mons
	c.mons = nil
	c.mu.Unlock()

	for _, id := range mons {
		c.rec.unsubscribe(id)
	}
	close(c.lost)
}
