package device_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/binding/mocks"
	"github.com/ophyd-epics-devices/epicsdev/pkg/device"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/sim"
	"github.com/ophyd-epics-devices/epicsdev/pkg/status"
	"github.com/ophyd-epics-devices/epicsdev/pkg/supervisor"
)

func setup(t *testing.T) (*sim.Provider, *supervisor.Supervisor) {
	t.Helper()
	p := sim.New()
	sup, err := supervisor.New(supervisor.Config{}, p)
	require.NoError(t, err)
	t.Cleanup(func() { sup.Shutdown() })
	return p, sup
}

func newStage(sup *supervisor.Supervisor) *device.Device {
	d := device.New("stage")
	d.Add("x", signal.NewRW(sup, pvdata.Float64(), "STAGE:X_RBV", "STAGE:X"))
	d.Add("y", signal.NewRW(sup, pvdata.Float64(), "STAGE:Y_RBV", "STAGE:Y"))
	return d
}

func TestNaming(t *testing.T) {
	_, sup := setup(t)
	drv := device.New("")
	acquireTime := signal.ReadWrite(sup, pvdata.Float64(), "DET:cam1:AcquireTime")
	drv.Add("acquire_time", acquireTime)

	det := device.New("det")
	det.AddDevice("drv", drv)
	assert.Equal(t, "det-drv", drv.Name())
	assert.Equal(t, "det-drv-acquire_time", acquireTime.Name())

	det.SetName("cam")
	assert.Equal(t, "cam-drv-acquire_time", acquireTime.Name())

	c, ok := det.Child("drv")
	require.True(t, ok)
	assert.Equal(t, device.ChildDevice, c.Kind)
	assert.Same(t, drv, c.Device)

	assert.Panics(t, func() { det.AddDevice("drv", device.New("")) })
}

func TestSetBothChildrenConfirm(t *testing.T) {
	p, sup := setup(t)
	for _, pv := range []string{"STAGE:X", "STAGE:X_RBV", "STAGE:Y", "STAGE:Y_RBV"} {
		require.NoError(t, p.SetValue(pv, 0.0))
	}
	d := newStage(sup)
	ctx := context.Background()

	st := d.Set(ctx, map[string]any{"x": 1.0, "y": 2.0})
	require.NoError(t, st.Wait(ctx))

	got, err := d.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got["stage-x"].Value)
	assert.Equal(t, 2.0, got["stage-y"].Value)
}

func TestSetWaitsForSlowReadback(t *testing.T) {
	p := sim.New(sim.WithoutReadbackEcho())
	sup, err := supervisor.New(supervisor.Config{}, p)
	require.NoError(t, err)
	defer sup.Shutdown()
	for _, pv := range []string{"STAGE:X_RBV", "STAGE:Y_RBV"} {
		require.NoError(t, p.SetValue(pv, 0.0))
	}
	p.Link("STAGE:X", "STAGE:X_RBV")
	d := newStage(sup)
	ctx := context.Background()

	st := d.Set(ctx, map[string]any{"x": 1.0, "y": 2.0})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, status.Pending, st.State(), "y has not confirmed")

	require.NoError(t, p.SetValue("STAGE:Y_RBV", 2.0))
	require.NoError(t, st.Wait(ctx))
}

func TestSetFailure(t *testing.T) {
	p, sup := setup(t)
	p.SetReadOnly("STAGE:Y", true)
	d := newStage(sup)
	ctx := context.Background()

	st := d.Set(ctx, map[string]any{"x": 1.0, "y": 2.0})
	assert.ErrorIs(t, st.Wait(ctx), pverr.ErrWriteRejected)

	st = d.Set(ctx, map[string]any{"z": 1.0})
	assert.ErrorIs(t, st.Err(), device.ErrUnknownChild)

	st = d.Set(ctx, map[string]any{})
	assert.True(t, st.Succeeded())
}

func TestSetTimesOutWhenPutHangs(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("STAGE:X", 0.0))
	p.SetPutProceeds("STAGE:X", false)
	d := device.New("stage")
	d.Add("x", signal.NewRW(sup, pvdata.Float64(), "STAGE:X_RBV", "STAGE:X",
		signal.WithTimeout(100*time.Millisecond)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := d.Set(ctx, map[string]any{"x": 1.0})
	assert.ErrorIs(t, st.Wait(ctx), pverr.ErrTimeout)
	assert.NoError(t, ctx.Err(), "failed by the set deadline")
}

func TestSetNested(t *testing.T) {
	p, sup := setup(t)
	for _, pv := range []string{"STAGE:X", "STAGE:Y"} {
		require.NoError(t, p.SetValue(pv, 0.0))
	}
	beamline := device.New("bl")
	beamline.AddDevice("stage", newStage(sup))
	ctx := context.Background()

	st := beamline.Set(ctx, map[string]any{"stage": map[string]any{"x": 3.0}})
	require.NoError(t, st.Wait(ctx))
	v, _ := p.Value("STAGE:X_RBV")
	assert.Equal(t, 3.0, v.Data)

	st = beamline.Set(ctx, map[string]any{"stage": 3.0})
	assert.ErrorIs(t, st.Err(), device.ErrInvalidValue)
}

func TestReadAllConcurrent(t *testing.T) {
	prov := mocks.NewMockProvider(t)
	prov.EXPECT().Scheme().Return("pvgw")
	prov.EXPECT().Open(mock.Anything, mock.Anything).RunAndReturn(func(context.Context, string) (binding.Channel, error) {
		ch := mocks.NewMockChannel(t)
		ch.EXPECT().Monitor(mock.Anything, mock.Anything).Return(binding.MonitorFunc(func() {}), nil)
		ch.EXPECT().Lost().Return((<-chan struct{})(make(chan struct{}))).Maybe()
		ch.EXPECT().Close().Return(nil).Maybe()
		ch.EXPECT().Get(mock.Anything).RunAndReturn(func(context.Context) (pvdata.Value, error) {
			time.Sleep(50 * time.Millisecond)
			return pvdata.NewValue(pvdata.TypeDouble, 1.5)
		})
		return ch, nil
	})
	sup, err := supervisor.New(supervisor.Config{}, prov)
	require.NoError(t, err)
	defer sup.Shutdown()

	d := device.New("det")
	for _, n := range []string{"a", "b", "c", "d"} {
		d.Add(n, signal.NewR(sup, pvdata.Float64(), "DET:"+n))
	}
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))

	start := time.Now()
	got, err := d.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "reads ran concurrently")
}

func TestReadKinds(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("DET:Count", 7))
	require.NoError(t, p.SetValue("DET:AcquireTime_RBV", 0.5))
	require.NoError(t, p.SetValue("DET:Status", "Idle"))

	d := device.New("det")
	d.Add("count", signal.NewR(sup, pvdata.Int(), "DET:Count"))
	d.Add("acquire_time", signal.NewRW(sup, pvdata.Float64(), "DET:AcquireTime_RBV", "DET:AcquireTime"), device.AsConfig())
	d.Add("status", signal.NewR(sup, pvdata.String(), "DET:Status"), device.Omitted())
	d.Add("trigger", signal.NewW(sup, pvdata.Int(), "DET:Trigger"))
	ctx := context.Background()

	read, err := d.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"det-count"}, keys(read))

	conf, err := d.ReadConfiguration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.5, conf["det-acquire_time"].Value)

	all, err := d.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3, "write-only signals are not read")

	want := map[string]signal.Descriptor{
		"det-count": {Source: "sim://DET:Count", DType: "integer", Shape: []int{}},
	}
	if diff := cmp.Diff(want, d.Describe()); diff != "" {
		t.Errorf("Describe mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, d.DescribeConfiguration(), "det-acquire_time")
	assert.Len(t, d.Signals(), 4)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestReadAllError(t *testing.T) {
	p, sup := setup(t)
	p.SetReachable("DET:Gone", false)
	d := device.New("det")
	d.Add("gone", signal.NewR(sup, pvdata.Float64(), "DET:Gone", signal.WithTimeout(20*time.Millisecond)))
	d.Add("ok", signal.NewR(sup, pvdata.Float64(), "DET:Ok"))

	_, err := d.ReadAll(context.Background())
	assert.ErrorIs(t, err, pverr.ErrTimeout)
}

func TestStageUnstage(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.DeclareEnum("DET:ImageMode", 2, "Single", "Multiple", "Continuous"))
	mode := signal.ReadWrite(sup, pvdata.Enum[string](), "DET:ImageMode")

	var order []string
	det := device.New("det")
	det.Add("image_mode", mode)
	det.StageValue(mode, "Single")
	det.OnStage("shutter",
		func(context.Context) error { order = append(order, "open"); return nil },
		func(context.Context) error { order = append(order, "close"); return nil })
	ctx := context.Background()

	require.NoError(t, det.Stage(ctx))
	assert.True(t, det.IsStaged())
	assert.ErrorIs(t, det.Stage(ctx), device.ErrAlreadyStaged)
	v, _ := p.Value("DET:ImageMode")
	assert.Equal(t, int32(0), v.Data)

	require.NoError(t, det.Unstage(ctx))
	require.NoError(t, det.Unstage(ctx))
	assert.False(t, det.IsStaged())
	v, _ = p.Value("DET:ImageMode")
	assert.Equal(t, int32(2), v.Data, "restored")
	assert.Equal(t, []string{"open", "close"}, order)
}

func TestStageConcurrent(t *testing.T) {
	var acquires, releases atomic.Int32
	det := device.New("det")
	det.OnStage("arm",
		func(context.Context) error {
			acquires.Add(1)
			time.Sleep(50 * time.Millisecond)
			return nil
		},
		func(context.Context) error { releases.Add(1); return nil })
	ctx := context.Background()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = det.Stage(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), acquires.Load())
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			assert.True(t, errors.Is(err, device.ErrStaging) || errors.Is(err, device.ErrAlreadyStaged), err)
		}
	}
	assert.Equal(t, 1, failed)
	assert.True(t, det.IsStaged())

	require.NoError(t, det.Unstage(ctx))
	assert.Equal(t, int32(1), releases.Load())
	require.NoError(t, det.Stage(ctx), "stageable again")
}

func TestStageFailureClearsInProgress(t *testing.T) {
	fail := true
	det := device.New("det")
	det.OnStage("arm", func(context.Context) error {
		if fail {
			return errors.New("arm failed")
		}
		return nil
	}, nil)
	ctx := context.Background()

	require.Error(t, det.Stage(ctx))
	fail = false
	require.NoError(t, det.Stage(ctx))
	assert.True(t, det.IsStaged())
}

func TestStageRollback(t *testing.T) {
	_, sup := setup(t)
	var order []string
	onStage := func(d *device.Device, name string, fail bool) {
		d.OnStage(name,
			func(context.Context) error {
				if fail {
					return errors.New(name + " failed")
				}
				order = append(order, "acquire "+name)
				return nil
			},
			func(context.Context) error {
				order = append(order, "release "+name)
				return nil
			})
	}

	child := device.New("")
	child.Add("v", signal.ReadWrite(sup, pvdata.Float64(), "DET:V"))
	onStage(child, "child", false)

	det := device.New("det")
	onStage(det, "a", false)
	onStage(det, "b", false)
	det.AddDevice("plugin", child)
	bad := device.New("")
	onStage(bad, "bad", true)
	det.AddDevice("bad", bad)

	err := det.Stage(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad failed")
	assert.False(t, det.IsStaged())
	assert.False(t, child.IsStaged())
	assert.Equal(t, []string{
		"acquire a", "acquire b", "acquire child",
		"release child", "release b", "release a",
	}, order)
}

func TestStagedUnstagesOnFailure(t *testing.T) {
	released := false
	det := device.New("det")
	det.OnStage("arm", func(context.Context) error { return nil },
		func(context.Context) error { released = true; return nil })

	boom := errors.New("scan aborted")
	err := det.Staged(context.Background(), func(context.Context) error {
		assert.True(t, det.IsStaged())
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, released)
	assert.False(t, det.IsStaged())

	assert.Panics(t, func() {
		_ = det.Staged(context.Background(), func(context.Context) error { panic("bug") })
	})
	assert.False(t, det.IsStaged(), "unstaged on panic")
}

func TestSetReadable(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("DET:COUNT", 4))
	require.NoError(t, p.SetValue("DET:TIME", 0.5))
	require.NoError(t, p.SetValue("DET:GAIN", 2))

	drv := device.New("")
	count := signal.ReadOnly(sup, pvdata.Int(), "DET:COUNT")
	exposure := signal.ReadOnly(sup, pvdata.Float64(), "DET:TIME")
	drv.Add("count", count)
	drv.Add("time", exposure)
	drv.Add("gain", signal.ReadOnly(sup, pvdata.Int(), "DET:GAIN"))
	det := device.New("det")
	det.AddDevice("drv", drv)
	det.SetReadable([]signal.Any{count}, []signal.Any{exposure})

	ctx := context.Background()
	got, err := det.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"det-drv-count"}, keys(got))

	cfg, err := det.ReadConfiguration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg["det-drv-time"].Value)
	assert.Equal(t, []string{"det-drv-time"}, keys(det.DescribeConfiguration()))

	all, err := det.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// The sub-device keeps its own read set.
	sub, err := drv.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, sub, 3)
}
