package signal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/connection"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/sim"
	"github.com/ophyd-epics-devices/epicsdev/pkg/status"
	"github.com/ophyd-epics-devices/epicsdev/pkg/supervisor"
)

func setup(t *testing.T, opts ...sim.Option) (*sim.Provider, *supervisor.Supervisor) {
	t.Helper()
	p := sim.New(opts...)
	sup, err := supervisor.New(supervisor.Config{Binding: binding.Options{
		ConnectTimeout: time.Second,
		Backoff:        connection.BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	}}, p)
	require.NoError(t, err)
	t.Cleanup(func() { sup.Shutdown() })
	return p, sup
}

func TestWriteWithReadback(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("MOTOR:POS", 0.0))
	pos := signal.ReadWrite(sup, pvdata.Float64(), "MOTOR:POS")
	ctx := context.Background()

	require.NoError(t, pos.Write(ctx, 10.0, signal.WithReadback(true)))

	r, err := pos.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, r.Value)
	assert.False(t, r.Timestamp.IsZero())
}

func TestWriteWithSeparateReadback(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("MOTOR:POS", 0.0))
	require.NoError(t, p.SetValue("MOTOR:POS_RBV", 0.0))
	pos := signal.NewRW(sup, pvdata.Float64Within(0.01), "MOTOR:POS_RBV", "MOTOR:POS")
	ctx := context.Background()

	require.NoError(t, pos.Write(ctx, 10.0, signal.WithReadback(true)))
	r, err := pos.Read(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, r.Value, 0.01)
	assert.Equal(t, "sim://MOTOR:POS_RBV", pos.Source())
}

func TestWriteReadbackTimeout(t *testing.T) {
	p, sup := setup(t, sim.WithoutReadbackEcho())
	require.NoError(t, p.SetValue("MOTOR:POS_RBV", 0.0))
	pos := signal.NewRW(sup, pvdata.Float64(), "MOTOR:POS_RBV", "MOTOR:POS",
		signal.WithReadbackTimeout(20*time.Millisecond))

	err := pos.Write(context.Background(), 10.0, signal.WithReadback(true))
	assert.ErrorIs(t, err, pverr.ErrTimeout)

	// The readback arriving later confirms the next write.
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = p.SetValue("MOTOR:POS_RBV", 11.0)
	}()
	pos2 := signal.NewRW(sup, pvdata.Float64(), "MOTOR:POS_RBV", "MOTOR:POS")
	require.NoError(t, pos2.Write(context.Background(), 11.0, signal.WithReadback(true)))
}

func TestReadNeverConnects(t *testing.T) {
	p, sup := setup(t)
	p.SetReachable("", false)
	sig := signal.NewR(sup, pvdata.Float64(), "MOTOR:POS", signal.WithTimeout(30*time.Millisecond))

	start := time.Now()
	_, err := sig.Read(context.Background())
	assert.ErrorIs(t, err, pverr.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReadStaleness(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("DET:Temp", 20.0))
	ctx := context.Background()

	cached := signal.NewR(sup, pvdata.Float64(), "DET:Temp", signal.WithStaleness(time.Hour))
	uncached := signal.NewR(sup, pvdata.Float64(), "DET:Temp")

	_, ok := cached.Cached()
	assert.False(t, ok)
	r, err := cached.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20.0, r.Value)

	require.NoError(t, p.SetValue("DET:Temp", 21.0))
	r, err = cached.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20.0, r.Value, "served from cache")

	r, err = uncached.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 21.0, r.Value)
}

func TestAccess(t *testing.T) {
	_, sup := setup(t)
	ctx := context.Background()

	w := signal.NewW(sup, pvdata.Int(), "DET:Trigger")
	_, err := w.Read(ctx)
	assert.ErrorIs(t, err, signal.ErrNotReadable)
	assert.Equal(t, "W", w.Access().String())
	require.NoError(t, w.Write(ctx, 1))

	r := signal.NewR(sup, pvdata.Int(), "DET:ArrayCounter_RBV")
	assert.ErrorIs(t, r.Write(ctx, 1), signal.ErrNotWritable)
	assert.Equal(t, "R", r.Access().String())
}

func TestSet(t *testing.T) {
	p, sup := setup(t)
	ctx := context.Background()

	x := signal.ReadWrite(sup, pvdata.Float64(), "STAGE:X")
	x.SetName("stage-x")
	st := x.Set(ctx, 1.5)
	require.NoError(t, st.Wait(ctx))
	assert.Equal(t, "stage-x set", st.Name())

	p.SetReadOnly("STAGE:LOCKED", true)
	locked := signal.ReadWrite(sup, pvdata.Float64(), "STAGE:LOCKED")
	st = locked.Set(ctx, 1)
	assert.ErrorIs(t, st.Wait(ctx), pverr.ErrWriteRejected)

	// Put-callback that never completes runs into the set timeout.
	p.SetPutProceeds("STAGE:BUSY", false)
	busy := signal.ReadWrite(sup, pvdata.Float64(), "STAGE:BUSY", signal.WithSetTimeout(20*time.Millisecond))
	st = busy.Set(ctx, 1)
	assert.ErrorIs(t, st.Wait(ctx), pverr.ErrTimeout)
}

func TestSetAny(t *testing.T) {
	_, sup := setup(t)
	ctx := context.Background()

	var x signal.Any = signal.ReadWrite(sup, pvdata.Float64(), "STAGE:X")
	require.NoError(t, x.SetAny(ctx, 2).Wait(ctx))
	r, err := x.ReadAny(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, r.Value)
	assert.Empty(t, r.Alarm)

	st := x.SetAny(ctx, []string{"nope"})
	assert.ErrorIs(t, st.Err(), pverr.ErrWriteRejected)

	d := x.Describe()
	assert.Equal(t, signal.Descriptor{Source: "sim://STAGE:X", DType: "number", Shape: []int{}}, d)
}

type imageMode string

func TestEnumSignal(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.DeclareEnum("DET:ImageMode", 1, "Single", "Multiple", "Continuous"))
	ctx := context.Background()

	mode := signal.ReadWrite(sup, pvdata.Enum[imageMode]("Single", "Multiple", "Continuous"), "DET:ImageMode")
	r, err := mode.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, imageMode("Multiple"), r.Value)

	require.NoError(t, mode.Write(ctx, "Single", signal.WithReadback(true)))
	v, _ := p.Value("DET:ImageMode")
	assert.Equal(t, int32(0), v.Data)
}

func TestSetAndWaitForValue(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("HDF:Capture", 0))
	require.NoError(t, p.SetValue("HDF:Capture_RBV", 0))
	p.SetPutProceeds("HDF:Capture", false)
	ctx := context.Background()

	capture := signal.NewRW(sup, pvdata.Bool(), "HDF:Capture_RBV", "HDF:Capture",
		signal.WithTimeout(50*time.Millisecond))
	st, err := signal.SetAndWaitForValue(ctx, capture, true)
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, status.Pending, st.State(), "capture outlives the set deadline")

	p.SetPutProceeds("HDF:Capture", true)
	require.NoError(t, st.Wait(ctx))
}

func TestSetTimesOutWhenPutHangs(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("STAGE:HUNG", 0.0))
	p.SetPutProceeds("STAGE:HUNG", false)
	hung := signal.ReadWrite(sup, pvdata.Float64(), "STAGE:HUNG",
		signal.WithTimeout(100*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := hung.Set(ctx, 1.0)
	assert.ErrorIs(t, st.Wait(ctx), pverr.ErrTimeout)
	assert.NoError(t, ctx.Err(), "failed by the set deadline")
}

func TestSetAndWaitForValueNeedsWriteAndRead(t *testing.T) {
	_, sup := setup(t)
	ctx := context.Background()

	readOnly := signal.NewR(sup, pvdata.Bool(), "HDF:Capture_RBV")
	_, err := signal.SetAndWaitForValue(ctx, readOnly, true)
	assert.ErrorIs(t, err, signal.ErrNotWritable)

	writeOnly := signal.NewW(sup, pvdata.Bool(), "HDF:Capture")
	_, err = signal.SetAndWaitForValue(ctx, writeOnly, true)
	assert.ErrorIs(t, err, signal.ErrNotReadable)
}

func TestSetAndWaitForValueTimeout(t *testing.T) {
	p, sup := setup(t, sim.WithoutReadbackEcho())
	require.NoError(t, p.SetValue("HDF:Capture_RBV", 0))
	p.SetPutProceeds("HDF:Capture", false)

	capture := signal.NewRW(sup, pvdata.Bool(), "HDF:Capture_RBV", "HDF:Capture",
		signal.WithReadbackTimeout(20*time.Millisecond))
	st, err := signal.SetAndWaitForValue(context.Background(), capture, true)
	assert.ErrorIs(t, err, pverr.ErrTimeout)
	assert.ErrorIs(t, st.Err(), pverr.ErrCancelled, "the stalled put is cancelled")
}

func TestObserve(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("MOTOR:POS", 1.0))
	pos := signal.ReadWrite(sup, pvdata.Float64(), "MOTOR:POS")
	ctx := context.Background()

	var got []float64
	for r, err := range pos.Observe(ctx) {
		require.NoError(t, err)
		got = append(got, r.Value)
		if len(got) == 1 {
			go func() {
				for i := 2; i <= 5; i++ {
					time.Sleep(2 * time.Millisecond)
					_ = p.SetValue("MOTOR:POS", float64(i))
				}
			}()
		}
		if len(got) == 3 {
			break
		}
	}
	assert.Equal(t, []float64{1, 2, 3}, got)

	b, err := sup.Lookup("MOTOR:POS")
	require.NoError(t, err)
	assert.Zero(t, b.Subscribers(), "breaking out removed the subscription")

	// Restartable: a new range starts from the current value.
	for r, err := range pos.Observe(ctx) {
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r.Value, 3.0)
		break
	}
	assert.Zero(t, b.Subscribers())
}

func TestObserveCancel(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("MOTOR:POS", 1.0))
	pos := signal.ReadWrite(sup, pvdata.Float64(), "MOTOR:POS")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := 0
	for range pos.Observe(ctx) {
		n++
		cancel()
		_ = p.SetValue("MOTOR:POS", float64(n+1))
	}
	assert.Equal(t, 1, n, "no reading after cancellation")

	b, err := sup.Lookup("MOTOR:POS")
	require.NoError(t, err)
	assert.Zero(t, b.Subscribers())
}

func TestObserveDisconnect(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("MOTOR:POS", 1.0))
	pos := signal.ReadWrite(sup, pvdata.Float64(), "MOTOR:POS")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var dropped, sawErr bool
	for r, err := range pos.Observe(ctx) {
		if err != nil {
			assert.ErrorIs(t, err, sim.ErrDropped)
			sawErr = true
			continue
		}
		if !dropped {
			dropped = true
			p.Drop("MOTOR:POS")
			continue
		}
		if sawErr {
			assert.Equal(t, 1.0, r.Value)
			break
		}
	}
	assert.True(t, sawErr)
	require.NoError(t, ctx.Err(), "stream resumed after the reconnect")
}

func TestObserveShutdown(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("MOTOR:POS", 1.0))
	pos := signal.ReadWrite(sup, pvdata.Float64(), "MOTOR:POS")

	var last error
	for _, err := range pos.Observe(context.Background()) {
		if err != nil {
			last = err
			continue
		}
		go sup.Shutdown()
	}
	assert.ErrorIs(t, last, pverr.ErrShutdown)
}
