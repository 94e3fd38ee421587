package pvgw_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvgw"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/sim"
	"github.com/ophyd-epics-devices/epicsdev/pkg/supervisor"
	"github.com/ophyd-epics-devices/epicsdev/pkg/transport"
	"github.com/ophyd-epics-devices/epicsdev/pkg/wire"
)

func startGateway(t *testing.T, p *sim.Provider, connectTimeout time.Duration) *pvgw.Server {
	t.Helper()
	srv := pvgw.NewServer(p, pvgw.ServerConfig{
		ServerConfig: transport.ServerConfig{
			Config:  transport.Config{KeepAlive: transport.KeepAliveConfig{Disabled: true}},
			Address: "127.0.0.1:0",
		},
		ConnectTimeout: connectTimeout,
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func newClient(t *testing.T, srv *pvgw.Server) *pvgw.Provider {
	t.Helper()
	c := pvgw.NewProvider(pvgw.Config{
		Address:        srv.Addr().String(),
		KeepAlive:      transport.KeepAliveConfig{Disabled: true},
		RequestTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetPut(t *testing.T) {
	p := sim.New()
	require.NoError(t, p.SetValue("MOTOR:POS", 0.0))
	srv := startGateway(t, p, 0)
	c := newClient(t, srv)
	ctx := context.Background()

	assert.Equal(t, "pvgw", c.Scheme())
	ch, err := c.Open(ctx, "MOTOR:POS")
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Put(ctx, 10.0, true))
	v, err := ch.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, pvdata.TypeDouble, v.Type)
	assert.Equal(t, 10.0, v.Data)

	rbv, err := c.Open(ctx, "MOTOR:POS_RBV")
	require.NoError(t, err)
	defer rbv.Close()
	v, err = rbv.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, v.Data)
	assert.Equal(t, 1, srv.SessionCount(), "channels share one session")
}

func TestPutRejected(t *testing.T) {
	p := sim.New()
	require.NoError(t, p.SetValue("DET:Status", "Idle"))
	p.SetReadOnly("DET:Status", true)
	require.NoError(t, p.SetValue("DET:AcquireTime", 0.1))
	p.OnPut("DET:NumImages", func(string, any) error { return errors.New("out of range") })
	c := newClient(t, startGateway(t, p, 0))
	ctx := context.Background()

	put := func(pv string, data any) error {
		t.Helper()
		ch, err := c.Open(ctx, pv)
		require.NoError(t, err)
		defer ch.Close()
		return ch.Put(ctx, data, false)
	}

	err := put("DET:Status", "Busy")
	assert.ErrorIs(t, err, pverr.ErrWriteRejected)
	assert.ErrorIs(t, err, pverr.ErrReadOnly)

	err = put("DET:AcquireTime", "fast")
	assert.ErrorIs(t, err, pverr.ErrWriteRejected)
	assert.ErrorIs(t, err, pvdata.ErrTypeMismatch)

	err = put("DET:NumImages", 5)
	assert.ErrorIs(t, err, pverr.ErrWriteRejected)
	assert.NotErrorIs(t, err, pverr.ErrReadOnly)
	assert.NotErrorIs(t, err, pvdata.ErrTypeMismatch)
	assert.Contains(t, err.Error(), wire.StatusInvalidValue.String())
}

func TestPutWaitsForCompletion(t *testing.T) {
	p := sim.New()
	require.NoError(t, p.SetValue("DET:Acquire", 0))
	p.SetPutProceeds("DET:Acquire", false)
	c := newClient(t, startGateway(t, p, 0))
	ctx := context.Background()

	ch, err := c.Open(ctx, "DET:Acquire")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ch.Put(ctx, 1, true) }()
	select {
	case err := <-done:
		t.Fatalf("put returned before completion: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	// Other requests on the session are not held up.
	_, err = ch.Get(ctx)
	require.NoError(t, err)

	p.SetPutProceeds("DET:Acquire", true)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("put never completed")
	}
}

func TestMonitor(t *testing.T) {
	p := sim.New()
	require.NoError(t, p.SetValue("BEAM:CURRENT", 1.0))
	c := newClient(t, startGateway(t, p, 0))
	ctx := context.Background()

	ch, err := c.Open(ctx, "BEAM:CURRENT")
	require.NoError(t, err)

	values := make(chan float64, 16)
	mon, err := ch.Monitor(ctx, func(v pvdata.Value) { values <- v.Data.(float64) })
	require.NoError(t, err)

	next := func() float64 {
		t.Helper()
		select {
		case v := <-values:
			return v
		case <-time.After(2 * time.Second):
			t.Fatal("no monitor update")
			return 0
		}
	}
	assert.Equal(t, 1.0, next(), "current value first")
	require.NoError(t, p.SetValue("BEAM:CURRENT", 2.0))
	assert.Equal(t, 2.0, next())

	mon.Cancel()
	mon.Cancel()
	require.NoError(t, p.SetValue("BEAM:CURRENT", 3.0))
	select {
	case v := <-values:
		t.Fatalf("update %v after cancel", v)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestUpstreamLoss(t *testing.T) {
	p := sim.New()
	require.NoError(t, p.SetValue("MOTOR:POS", 0.0))
	c := newClient(t, startGateway(t, p, 0))
	ctx := context.Background()

	ch, err := c.Open(ctx, "MOTOR:POS")
	require.NoError(t, err)
	other, err := c.Open(ctx, "MOTOR:VELO")
	require.NoError(t, err)

	p.Drop("MOTOR:POS")
	select {
	case <-ch.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("channel not marked lost")
	}
	assert.ErrorIs(t, ch.Err(), pverr.ErrConnection)
	assert.ErrorIs(t, ch.Err(), pvgw.ErrUpstreamLost)
	_, err = ch.Get(ctx)
	assert.ErrorIs(t, err, pverr.ErrConnection)

	select {
	case <-other.Lost():
		t.Fatal("unrelated channel lost")
	default:
	}

	again, err := c.Open(ctx, "MOTOR:POS")
	require.NoError(t, err)
	_, err = again.Get(ctx)
	assert.NoError(t, err)
}

func TestSessionLoss(t *testing.T) {
	p := sim.New()
	srv := startGateway(t, p, 0)
	c := newClient(t, srv)
	ctx := context.Background()

	a, err := c.Open(ctx, "A")
	require.NoError(t, err)
	b, err := c.Open(ctx, "B")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	for _, ch := range []interface{ Lost() <-chan struct{} }{a, b} {
		select {
		case <-ch.Lost():
		case <-time.After(2 * time.Second):
			t.Fatal("channel not marked lost")
		}
	}
	assert.ErrorIs(t, a.Err(), pverr.ErrConnection)

	// The next open dials a new session.
	ch, err := c.Open(ctx, "A")
	require.NoError(t, err)
	_, err = ch.Get(ctx)
	assert.NoError(t, err)
}

func TestGatewayDown(t *testing.T) {
	p := sim.New()
	srv := startGateway(t, p, 0)
	c := newClient(t, srv)
	ctx := context.Background()

	ch, err := c.Open(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, srv.Stop())

	select {
	case <-ch.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("channel not marked lost")
	}
	_, err = c.Open(ctx, "A")
	assert.ErrorIs(t, err, pverr.ErrConnection)
}

func TestOpenUnreachable(t *testing.T) {
	p := sim.New()
	p.SetReachable("DET:Gone", false)
	c := newClient(t, startGateway(t, p, 30*time.Millisecond))

	_, err := c.Open(context.Background(), "DET:Gone")
	assert.ErrorIs(t, err, pverr.ErrTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Open(ctx, "DET:Gone")
	assert.ErrorIs(t, err, pverr.ErrConnection)
	assert.ErrorIs(t, err, pverr.ErrTimeout)
}

func TestSignalThroughGateway(t *testing.T) {
	p := sim.New()
	require.NoError(t, p.SetValue("MOTOR:POS", 0.0))
	c := newClient(t, startGateway(t, p, 0))
	sup, err := supervisor.New(supervisor.Config{}, c)
	require.NoError(t, err)
	defer sup.Shutdown()
	ctx := context.Background()

	pos := signal.ReadWrite(sup, pvdata.Float64(), "MOTOR:POS")
	assert.Equal(t, "pvgw://MOTOR:POS", pos.Source())
	require.NoError(t, pos.Set(ctx, 10.0).Wait(ctx))

	r, err := pos.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, r.Value)
}
