package areadetector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ophyd-epics-devices/epicsdev/pkg/device"
	"github.com/ophyd-epics-devices/epicsdev/pkg/eventmodel"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/status"
)

const (
	// FrameTimeout is how long a capturing writer may go without a new
	// frame before it is considered stalled.
	FrameTimeout = 120 * time.Second

	// FileTemplate joins the file path and name.
	FileTemplate = "%s/%s.h5"

	// DefaultPollInterval is how often Complete checks the frame count.
	DefaultPollInterval = 100 * time.Millisecond
)

// Errors of the streaming detector.
var (
	ErrNotStaged     = errors.New("not staged")
	ErrNotKickedOff  = errors.New("kickoff not run")
	ErrWriterStalled = errors.New("writing stalled")
)

// DirectoryProvider chooses where the HDF writer puts its files.
type DirectoryProvider interface {
	Directory(ctx context.Context) (string, error)
}

// TmpDirectoryProvider hands out one temporary directory.
type TmpDirectoryProvider struct {
	once sync.Once
	dir  string
	err  error
}

// Directory implements DirectoryProvider. The directory is created on
// first use.
func (p *TmpDirectoryProvider) Directory(context.Context) (string, error) {
	p.once.Do(func() {
		p.dir, p.err = os.MkdirTemp("", "epicsdev-hdf-")
	})
	return p.dir, p.err
}

// StaticDirectoryProvider always returns the same directory.
type StaticDirectoryProvider string

// Directory implements DirectoryProvider.
func (p StaticDirectoryProvider) Directory(context.Context) (string, error) {
	return string(p), nil
}

// hdfResource tracks the documents of one file.
type hdfResource struct {
	key      string
	resource eventmodel.StreamResource
	datums   *eventmodel.DatumComposer

	lastEmitted int
	lastFlush   time.Time
}

func newHDFResource(key, fullFileName string) *hdfResource {
	res, datums := eventmodel.ComposeStreamResource(eventmodel.SpecHDF5SWMRSlice, "/", fullFileName, nil)
	return &hdfResource{key: key, resource: res, datums: datums, lastFlush: time.Now()}
}

// datum returns the datum for frames captured since the last one, nil if
// there are none. With no new frame for longer than timeout it fails with
// pverr.ErrTimeout.
func (r *hdfResource) datum(numCaptured int, writer string, timeout time.Duration) (*eventmodel.StreamDatum, error) {
	if numCaptured > r.lastEmitted {
		rng := eventmodel.StreamRange{Start: r.lastEmitted, Stop: numCaptured}
		d := r.datums.Compose([]string{r.key}, rng, rng)
		r.lastEmitted = numCaptured
		r.lastFlush = time.Now()
		return &d, nil
	}
	if time.Since(r.lastFlush) > timeout {
		return nil, stalled(writer, numCaptured)
	}
	return nil, nil
}

func stalled(writer string, frame int) error {
	return pverr.Timeout(writer, "", fmt.Errorf("%w on frame %d", ErrWriterStalled, frame))
}

// HDFStreamerDet writes frames to HDF5 in SWMR mode and describes them
// with stream documents. Staging opens the writer in stream mode with an
// unbounded capture; the file appears on the first frame. Trigger takes a
// single frame for step scans; Kickoff and Complete run a fly scan of
// NumImages frames.
type HDFStreamerDet struct {
	*device.Device

	Drv *Driver
	HDF *HDFWriter

	dirs         DirectoryProvider
	frameTimeout time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	resource *hdfResource
	capture  *status.Status
	start    *status.Status
}

// StreamerOption configures an HDFStreamerDet.
type StreamerOption func(*HDFStreamerDet)

// WithFrameTimeout overrides FrameTimeout.
func WithFrameTimeout(d time.Duration) StreamerOption {
	return func(s *HDFStreamerDet) { s.frameTimeout = d }
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) StreamerOption {
	return func(s *HDFStreamerDet) { s.pollInterval = d }
}

// NewHDFStreamerDet creates the detector and names its tree.
func NewHDFStreamerDet(name string, drv *Driver, hdf *HDFWriter, dirs DirectoryProvider, opts ...StreamerOption) *HDFStreamerDet {
	d := &HDFStreamerDet{
		Device:       device.New(name),
		Drv:          drv,
		HDF:          hdf,
		dirs:         dirs,
		frameTimeout: FrameTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(d)
	}
	d.AddDevice("drv", drv.Device)
	d.AddDevice("hdf", hdf.Device)
	d.SetReadable(nil, []signal.Any{drv.AcquireTime})
	d.OnStage("hdf capture", d.openCapture, d.closeCapture)
	return d
}

func (d *HDFStreamerDet) openCapture(ctx context.Context) error {
	d.mu.Lock()
	d.resource = nil
	d.mu.Unlock()

	dir, err := d.dirs.Directory(ctx)
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	name := d.Name()
	err = status.All(name+" configure writer",
		d.Drv.WaitForPlugins.Set(ctx, true),
		d.HDF.LazyOpen.Set(ctx, true),
		d.HDF.SWMRMode.Set(ctx, true),
		d.HDF.FilePath.Set(ctx, dir),
		d.HDF.FileName.Set(ctx, name+"-"+uuid.NewString()),
		d.HDF.FileTemplate.Set(ctx, FileTemplate),
		// Capture until told to stop.
		d.HDF.NumCapture.Set(ctx, 0),
		d.HDF.FileWriteMode.Set(ctx, FileWriteModeStream),
	).Wait(ctx)
	if err != nil {
		return err
	}

	// The put-callback on Capture completes when capturing stops.
	st, err := signal.SetAndWaitForValue(ctx, d.HDF.Capture, true)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.capture = st
	d.mu.Unlock()
	return nil
}

func (d *HDFStreamerDet) closeCapture(ctx context.Context) error {
	d.mu.Lock()
	st := d.capture
	d.capture = nil
	d.mu.Unlock()
	if st == nil {
		return fmt.Errorf("unstage %s: %w", d.Name(), ErrNotStaged)
	}
	// A put-callback on Capture is already outstanding, so this one cannot
	// wait.
	if err := d.HDF.Capture.Write(ctx, false); err != nil {
		return err
	}
	return st.Wait(ctx)
}

// Describe adds the stream entry, keyed by the detector name, to the
// descriptors of the readable signals. Its shape is [size y, size x] as
// reported by the driver.
func (d *HDFStreamerDet) Describe(ctx context.Context) (map[string]signal.Descriptor, error) {
	out := d.Device.Describe()
	sizes, err := device.ReadSignals(ctx, []signal.Any{d.Drv.ArraySizeY, d.Drv.ArraySizeX})
	if err != nil {
		return nil, err
	}
	y, _ := sizes[d.Drv.ArraySizeY.Name()].Value.(int)
	x, _ := sizes[d.Drv.ArraySizeX.Name()].Value.(int)
	out[d.Name()] = signal.Descriptor{
		Source:   d.HDF.FullFileName.Source(),
		DType:    "array",
		Shape:    []int{y, x},
		External: "STREAM:",
	}
	return out, nil
}

// Trigger takes a single frame. The put-callback on Acquire may take the
// acquire time plus the signal timeout.
func (d *HDFStreamerDet) Trigger(ctx context.Context) *status.Status {
	return status.Run(ctx, d.Name()+" trigger", 0, func(ctx context.Context) error {
		if err := d.Drv.ImageMode.Set(ctx, ImageModeSingle).Wait(ctx); err != nil {
			return err
		}
		r, err := d.Drv.AcquireTime.Read(ctx)
		if err != nil {
			return err
		}
		timeout := signal.DefaultTimeout + time.Duration(r.Value*float64(time.Second))
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.Drv.Acquire.Write(actx, true, signal.WithWait(true))
	})
}

// Kickoff starts acquiring in multiple image mode and returns once the
// driver reports that acquisition is running.
func (d *HDFStreamerDet) Kickoff(ctx context.Context) *status.Status {
	return status.Run(ctx, d.Name()+" kickoff", 0, func(ctx context.Context) error {
		if err := d.Drv.ImageMode.Set(ctx, ImageModeMultiple).Wait(ctx); err != nil {
			return err
		}
		st, err := signal.SetAndWaitForValue(ctx, d.Drv.Acquire, true)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.start = st
		d.mu.Unlock()
		return nil
	})
}

// Complete finishes when the acquisition started by Kickoff does. It fails
// with pverr.ErrTimeout when the writer captures no new frame for the
// frame timeout.
func (d *HDFStreamerDet) Complete(ctx context.Context) *status.Status {
	d.mu.Lock()
	start := d.start
	d.mu.Unlock()
	name := d.Name() + " complete"
	if start == nil {
		return status.Failed(name, fmt.Errorf("%s: %w", d.Name(), ErrNotKickedOff))
	}
	return status.Run(ctx, name, 0, func(ctx context.Context) error {
		ticker := time.NewTicker(d.pollInterval)
		defer ticker.Stop()
		last, progressed := -1, time.Now()
		for {
			select {
			case <-start.Done():
				return start.Err()
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			r, err := d.HDF.NumCaptured.Read(ctx)
			if err != nil {
				return err
			}
			if r.Value != last {
				last, progressed = r.Value, time.Now()
				continue
			}
			if time.Since(progressed) > d.frameTimeout {
				start.Cancel()
				return stalled(d.HDF.Name(), r.Value)
			}
		}
	})
}

// CollectAssetDocs returns the documents for frames captured since the
// last call: the stream resource once the first frame is written, then a
// stream datum for each batch of new frames. The file is flushed before a
// datum is emitted so readers can see the frames it points at.
func (d *HDFStreamerDet) CollectAssetDocs(ctx context.Context) ([]eventmodel.Asset, error) {
	r, err := d.HDF.NumCaptured.Read(ctx)
	if err != nil {
		return nil, err
	}
	numCaptured := r.Value
	if numCaptured == 0 {
		return nil, nil
	}

	var assets []eventmodel.Asset
	d.mu.Lock()
	res := d.resource
	d.mu.Unlock()
	if res == nil {
		// FullFileName is valid once the first frame is written.
		f, err := d.HDF.FullFileName.Read(ctx)
		if err != nil {
			return nil, err
		}
		res = newHDFResource(d.Name(), f.Value)
		d.mu.Lock()
		d.resource = res
		d.mu.Unlock()
		assets = append(assets, eventmodel.Asset{Name: eventmodel.NameStreamResource, Doc: res.resource})
	}

	datum, err := res.datum(numCaptured, d.HDF.Name(), d.frameTimeout)
	if err != nil {
		return assets, err
	}
	if datum != nil {
		if err := d.HDF.FlushNow.Write(ctx, true); err != nil {
			return assets, err
		}
		assets = append(assets, eventmodel.Asset{Name: eventmodel.NameStreamDatum, Doc: *datum})
	}
	return assets, nil
}
