package areadetector_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ophyd-epics-devices/epicsdev/pkg/areadetector"
	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/eventmodel"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/sim"
	"github.com/ophyd-epics-devices/epicsdev/pkg/status"
	"github.com/ophyd-epics-devices/epicsdev/pkg/supervisor"
)

var imageModes = []string{"Single", "Multiple", "Continuous"}

func setup(t *testing.T) (*sim.Provider, *supervisor.Supervisor) {
	t.Helper()
	p := sim.New()
	sup, err := supervisor.New(supervisor.Config{Binding: binding.Options{ConnectTimeout: time.Second}}, p)
	require.NoError(t, err)
	t.Cleanup(func() { sup.Shutdown() })
	return p, sup
}

// simValue returns the current value of a sim PV as a plain Go value.
func simValue(t *testing.T, p *sim.Provider, pv string) any {
	t.Helper()
	v, ok := p.Value(pv)
	require.True(t, ok, "no PV %s", pv)
	if s, ok := v.EnumString(); ok {
		return s
	}
	return v.Data
}

func declareImageMode(t *testing.T, p *sim.Provider, prefix string) {
	t.Helper()
	require.NoError(t, p.DeclareEnum(prefix+"ImageMode", 2, imageModes...))
	require.NoError(t, p.DeclareEnum(prefix+"ImageMode_RBV", 2, imageModes...))
}

func TestSingleTriggerDet(t *testing.T) {
	p, sup := setup(t)
	stats := areadetector.NewStats(sup, "PREFIX:STATS")
	drv := areadetector.NewDriver(sup, "PREFIX:DRV")
	det := areadetector.NewSingleTriggerDet("det", drv,
		areadetector.WithPlugin("stats", stats.Device),
		areadetector.WithReadUncached(stats.UniqueID))

	assert.Equal(t, "det", det.Name())
	assert.Equal(t, "det-stats", stats.Name())
	assert.Equal(t, "det-drv-acquire_time", drv.AcquireTime.Name())

	// The IOC starts in a different state than staging leaves it.
	require.NoError(t, p.SetValue("PREFIX:DRVAcquireTime_RBV", 0.5))
	require.NoError(t, p.SetValue("PREFIX:DRVArrayCounter_RBV", 1))
	require.NoError(t, p.SetValue("PREFIX:STATSUniqueId_RBV", 3))
	declareImageMode(t, p, "PREFIX:DRV")

	ctx := context.Background()
	require.NoError(t, det.Stage(ctx))
	require.NoError(t, det.Trigger(ctx).Wait(ctx))

	assert.Equal(t, "Single", simValue(t, p, "PREFIX:DRVImageMode"))
	assert.Equal(t, true, simValue(t, p, "PREFIX:DRVWaitForPlugins"))
	assert.Equal(t, true, simValue(t, p, "PREFIX:DRVAcquire"))

	reading, err := det.Read(ctx)
	require.NoError(t, err)
	require.Len(t, reading, 2)
	assert.Equal(t, 1, reading["det-drv-array_counter"].Value)
	assert.Equal(t, 3, reading["det-stats-unique_id"].Value)

	cfg, err := det.ReadConfiguration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg["det-drv-acquire_time"].Value)

	desc := det.Describe()
	assert.Equal(t, "sim://PREFIX:STATSUniqueId_RBV", desc["det-stats-unique_id"].Source)
	assert.Equal(t, "integer", desc["det-drv-array_counter"].DType)

	require.NoError(t, det.Unstage(ctx))
}

func TestSingleTriggerRejectedAcquire(t *testing.T) {
	p, sup := setup(t)
	drv := areadetector.NewDriver(sup, "DET:")
	det := areadetector.NewSingleTriggerDet("det", drv)
	p.SetReadOnly("DET:Acquire", true)

	ctx := context.Background()
	err := det.Trigger(ctx).Wait(ctx)
	assert.ErrorIs(t, err, pverr.ErrWriteRejected)
}

func newStreamer(t *testing.T, p *sim.Provider, sup *supervisor.Supervisor, opts ...areadetector.StreamerOption) *areadetector.HDFStreamerDet {
	t.Helper()
	det := areadetector.NewHDFStreamerDet("deta",
		areadetector.NewDriver(sup, "PREFIX1:DET"),
		areadetector.NewHDFWriter(sup, "PREFIX1:HDF"),
		areadetector.StaticDirectoryProvider("/data/bl01"),
		opts...)

	require.NoError(t, p.SetValue("PREFIX1:DETAcquireTime_RBV", 0.8))
	declareImageMode(t, p, "PREFIX1:DET")
	require.NoError(t, p.SetValue("PREFIX1:HDFNumCapture_RBV", 1000))
	require.NoError(t, p.SetValue("PREFIX1:HDFNumCaptured_RBV", 1))
	require.NoError(t, p.SetValue("PREFIX1:HDFFullFileName_RBV", "/tmp/123456/deta.h5"))
	require.NoError(t, p.SetValue("PREFIX1:DETArraySizeX_RBV", 1024))
	require.NoError(t, p.SetValue("PREFIX1:DETArraySizeY_RBV", 768))
	return det
}

func TestHDFStreamerStep(t *testing.T) {
	p, sup := setup(t)
	det := newStreamer(t, p, sup)
	assert.Equal(t, "deta-drv", det.Drv.Name())
	assert.Equal(t, "deta-hdf", det.HDF.Name())

	ctx := context.Background()
	require.NoError(t, det.Stage(ctx))

	assert.Equal(t, true, simValue(t, p, "PREFIX1:HDFLazyOpen"))
	assert.Equal(t, true, simValue(t, p, "PREFIX1:HDFSWMRMode"))
	assert.EqualValues(t, 0, simValue(t, p, "PREFIX1:HDFNumCapture"))
	assert.Equal(t, "Stream", simValue(t, p, "PREFIX1:HDFFileWriteMode"))
	assert.Equal(t, "%s/%s.h5", simValue(t, p, "PREFIX1:HDFFileTemplate"))
	assert.Equal(t, "/data/bl01", simValue(t, p, "PREFIX1:HDFFilePath"))
	assert.True(t, strings.HasPrefix(simValue(t, p, "PREFIX1:HDFFileName").(string), "deta-"))
	assert.Equal(t, true, simValue(t, p, "PREFIX1:HDFCapture"))

	desc, err := det.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{768, 1024}, desc["deta"].Shape)
	assert.Equal(t, "STREAM:", desc["deta"].External)
	assert.Equal(t, "sim://PREFIX1:HDFFullFileName_RBV", desc["deta"].Source)
	assert.Contains(t, det.DescribeConfiguration(), "deta-drv-acquire_time")

	require.NoError(t, det.Trigger(ctx).Wait(ctx))
	assert.Equal(t, "Single", simValue(t, p, "PREFIX1:DETImageMode"))
	assert.Equal(t, true, simValue(t, p, "PREFIX1:DETAcquire"))

	reading, err := det.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, reading, "frames are reported through stream documents")

	assets, err := det.CollectAssetDocs(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, eventmodel.NameStreamResource, assets[0].Name)
	res := assets[0].Doc.(eventmodel.StreamResource)
	assert.Equal(t, "/tmp/123456/deta.h5", res.ResourcePath)
	assert.Equal(t, eventmodel.SpecHDF5SWMRSlice, res.Spec)
	assert.Equal(t, eventmodel.NameStreamDatum, assets[1].Name)
	datum := assets[1].Doc.(eventmodel.StreamDatum)
	assert.Equal(t, res.UID, datum.StreamResource)
	assert.Equal(t, 0, datum.BlockIdx)
	assert.Equal(t, eventmodel.StreamRange{Start: 0, Stop: 1}, datum.Indices)
	assert.Equal(t, datum.Indices, datum.SeqNums)
	assert.Equal(t, []string{"deta"}, datum.DataKeys)
	assert.Equal(t, true, simValue(t, p, "PREFIX1:HDFFlushNow"))

	assets, err = det.CollectAssetDocs(ctx)
	require.NoError(t, err)
	assert.Empty(t, assets, "nothing new captured")

	require.NoError(t, p.SetValue("PREFIX1:HDFNumCaptured_RBV", 3))
	assets, err = det.CollectAssetDocs(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	datum = assets[0].Doc.(eventmodel.StreamDatum)
	assert.Equal(t, 1, datum.BlockIdx)
	assert.Equal(t, eventmodel.StreamRange{Start: 1, Stop: 3}, datum.Indices)

	require.NoError(t, det.Unstage(ctx))
	assert.Equal(t, false, simValue(t, p, "PREFIX1:HDFCapture"))
}

func TestHDFStreamerNewResourcePerStage(t *testing.T) {
	p, sup := setup(t)
	det := newStreamer(t, p, sup)
	ctx := context.Background()

	collectResource := func() string {
		require.NoError(t, det.Stage(ctx))
		defer func() { require.NoError(t, det.Unstage(ctx)) }()
		assets, err := det.CollectAssetDocs(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, assets)
		return assets[0].Doc.(eventmodel.StreamResource).UID
	}
	assert.NotEqual(t, collectResource(), collectResource())
}

func TestHDFStreamerFly(t *testing.T) {
	p, sup := setup(t)
	det := newStreamer(t, p, sup)
	require.NoError(t, p.SetValue("PREFIX1:HDFNumCaptured_RBV", 5))
	ctx := context.Background()

	err := det.Staged(ctx, func(ctx context.Context) error {
		require.NoError(t, det.Drv.NumImages.Set(ctx, 5).Wait(ctx))
		require.NoError(t, det.Kickoff(ctx).Wait(ctx))
		assert.Equal(t, "Multiple", simValue(t, p, "PREFIX1:DETImageMode"))
		assert.Equal(t, true, simValue(t, p, "PREFIX1:DETAcquire"))

		require.NoError(t, det.Complete(ctx).Wait(ctx))
		assets, err := det.CollectAssetDocs(ctx)
		require.NoError(t, err)
		require.Len(t, assets, 2)
		datum := assets[1].Doc.(eventmodel.StreamDatum)
		assert.Equal(t, eventmodel.StreamRange{Start: 0, Stop: 5}, datum.Indices)
		assert.Equal(t, eventmodel.StreamRange{Start: 0, Stop: 5}, datum.SeqNums)
		return nil
	})
	require.NoError(t, err)
}

func TestHDFStreamerStalls(t *testing.T) {
	p, sup := setup(t)
	det := newStreamer(t, p, sup,
		areadetector.WithFrameTimeout(50*time.Millisecond),
		areadetector.WithPollInterval(5*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, det.Stage(ctx))
	t.Cleanup(func() { _ = det.Unstage(ctx) })

	p.SetPutProceeds("PREFIX1:DETAcquire", false)
	t.Cleanup(func() { p.SetPutProceeds("PREFIX1:DETAcquire", true) })
	require.NoError(t, det.Kickoff(ctx).Wait(ctx))

	start := time.Now()
	err := det.Complete(ctx).Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, pverr.ErrTimeout)
	assert.ErrorIs(t, err, areadetector.ErrWriterStalled)
	assert.ErrorContains(t, err, "deta-hdf")
	assert.ErrorContains(t, err, "writing stalled on frame 1")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestHDFStreamerCollectStalls(t *testing.T) {
	p, sup := setup(t)
	det := newStreamer(t, p, sup, areadetector.WithFrameTimeout(20*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, det.Stage(ctx))
	t.Cleanup(func() { _ = det.Unstage(ctx) })

	_, err := det.CollectAssetDocs(ctx)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = det.CollectAssetDocs(ctx)
	assert.ErrorIs(t, err, pverr.ErrTimeout)
}

func TestCompleteWithoutKickoff(t *testing.T) {
	p, sup := setup(t)
	det := newStreamer(t, p, sup)
	st := det.Complete(context.Background())
	assert.Equal(t, status.Failure, st.State())
	assert.ErrorIs(t, st.Err(), areadetector.ErrNotKickedOff)
}

func TestTmpDirectoryProvider(t *testing.T) {
	var dp areadetector.TmpDirectoryProvider
	dir, err := dp.Directory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	again, err := dp.Directory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dir, again)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
