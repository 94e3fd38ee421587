package areadetector

import (
	"github.com/ophyd-epics-devices/epicsdev/pkg/device"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/supervisor"
)

// Driver is the areaDetector driver (ADDriver) of a camera.
type Driver struct {
	*device.Device

	Acquire      *signal.Signal[bool]
	AcquireTime  *signal.Signal[float64]
	NumImages    *signal.Signal[int]
	ImageMode    *signal.Signal[ImageMode]
	ArrayCounter *signal.Signal[int]
	ArraySizeX   *signal.Signal[int]
	ArraySizeY   *signal.Signal[int]

	// WaitForPlugins has no readback record.
	WaitForPlugins *signal.Signal[bool]
}

// NewDriver creates the driver with records under prefix.
func NewDriver(sup *supervisor.Supervisor, prefix string, opts ...signal.Option) *Driver {
	d := &Driver{
		Device:         device.New(""),
		Acquire:        RW(sup, pvdata.Bool(), prefix+"Acquire", opts...),
		AcquireTime:    RW(sup, pvdata.Float64(), prefix+"AcquireTime", opts...),
		NumImages:      RW(sup, pvdata.Int(), prefix+"NumImages", opts...),
		ImageMode:      RW(sup, ImageModes, prefix+"ImageMode", opts...),
		ArrayCounter:   RW(sup, pvdata.Int(), prefix+"ArrayCounter", opts...),
		ArraySizeX:     R(sup, pvdata.Int(), prefix+"ArraySizeX", opts...),
		ArraySizeY:     R(sup, pvdata.Int(), prefix+"ArraySizeY", opts...),
		WaitForPlugins: signal.ReadWrite(sup, pvdata.Bool(), prefix+"WaitForPlugins", opts...),
	}
	d.Add("acquire", d.Acquire)
	d.Add("acquire_time", d.AcquireTime)
	d.Add("num_images", d.NumImages)
	d.Add("image_mode", d.ImageMode)
	d.Add("array_counter", d.ArrayCounter)
	d.Add("array_size_x", d.ArraySizeX)
	d.Add("array_size_y", d.ArraySizeY)
	d.Add("wait_for_plugins", d.WaitForPlugins)
	return d
}

// Stats is the statistics plugin (NDPluginStats).
type Stats struct {
	*device.Device

	UniqueID *signal.Signal[int]
}

// NewStats creates the plugin with records under prefix.
func NewStats(sup *supervisor.Supervisor, prefix string, opts ...signal.Option) *Stats {
	s := &Stats{
		Device:   device.New(""),
		UniqueID: R(sup, pvdata.Int(), prefix+"UniqueId", opts...),
	}
	s.Add("unique_id", s.UniqueID)
	return s
}

// HDFWriter is the HDF5 file plugin (NDFileHDF5).
type HDFWriter struct {
	*device.Device

	FilePath      *signal.Signal[string]
	FileName      *signal.Signal[string]
	FileTemplate  *signal.Signal[string]
	FullFileName  *signal.Signal[string]
	FileWriteMode *signal.Signal[FileWriteMode]
	NumCapture    *signal.Signal[int]
	NumCaptured   *signal.Signal[int]
	SWMRMode      *signal.Signal[bool]
	LazyOpen      *signal.Signal[bool]
	Capture       *signal.Signal[bool]
	FlushNow      *signal.Signal[bool]
	ArraySize0    *signal.Signal[int]
	ArraySize1    *signal.Signal[int]
}

// NewHDFWriter creates the plugin with records under prefix.
func NewHDFWriter(sup *supervisor.Supervisor, prefix string, opts ...signal.Option) *HDFWriter {
	h := &HDFWriter{
		Device:        device.New(""),
		FilePath:      RW(sup, pvdata.String(), prefix+"FilePath", opts...),
		FileName:      RW(sup, pvdata.String(), prefix+"FileName", opts...),
		FileTemplate:  RW(sup, pvdata.String(), prefix+"FileTemplate", opts...),
		FullFileName:  R(sup, pvdata.String(), prefix+"FullFileName", opts...),
		FileWriteMode: RW(sup, FileWriteModes, prefix+"FileWriteMode", opts...),
		NumCapture:    RW(sup, pvdata.Int(), prefix+"NumCapture", opts...),
		NumCaptured:   R(sup, pvdata.Int(), prefix+"NumCaptured", opts...),
		SWMRMode:      RW(sup, pvdata.Bool(), prefix+"SWMRMode", opts...),
		LazyOpen:      RW(sup, pvdata.Bool(), prefix+"LazyOpen", opts...),
		Capture:       RW(sup, pvdata.Bool(), prefix+"Capture", opts...),
		FlushNow:      signal.ReadWrite(sup, pvdata.Bool(), prefix+"FlushNow", opts...),
		ArraySize0:    R(sup, pvdata.Int(), prefix+"ArraySize0", opts...),
		ArraySize1:    R(sup, pvdata.Int(), prefix+"ArraySize1", opts...),
	}
	h.Add("file_path", h.FilePath)
	h.Add("file_name", h.FileName)
	h.Add("file_template", h.FileTemplate)
	h.Add("full_file_name", h.FullFileName)
	h.Add("file_write_mode", h.FileWriteMode)
	h.Add("num_capture", h.NumCapture)
	h.Add("num_captured", h.NumCaptured)
	h.Add("swmr_mode", h.SWMRMode)
	h.Add("lazy_open", h.LazyOpen)
	h.Add("capture", h.Capture)
	h.Add("flush_now", h.FlushNow)
	h.Add("array_size0", h.ArraySize0)
	h.Add("array_size1", h.ArraySize1)
	return h
}
