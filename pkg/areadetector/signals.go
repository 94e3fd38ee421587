package areadetector

import (
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/supervisor"
)

// ReadbackSuffix names the readback record of a setpoint.
const ReadbackSuffix = "_RBV"

// RW returns a signal writing pv and reading pv_RBV.
func RW[T any](sup *supervisor.Supervisor, codec pvdata.Codec[T], pv string, opts ...signal.Option) *signal.Signal[T] {
	return signal.NewRW(sup, codec, pv+ReadbackSuffix, pv, opts...)
}

// R returns a signal reading pv_RBV.
func R[T any](sup *supervisor.Supervisor, codec pvdata.Codec[T], pv string, opts ...signal.Option) *signal.Signal[T] {
	return signal.NewR(sup, codec, pv+ReadbackSuffix, opts...)
}

// ImageMode is the acquisition mode of a driver.
type ImageMode string

const (
	ImageModeSingle     ImageMode = "Single"
	ImageModeMultiple   ImageMode = "Multiple"
	ImageModeContinuous ImageMode = "Continuous"
)

// ImageModes is the codec of the ImageMode record.
var ImageModes = pvdata.Enum(ImageModeSingle, ImageModeMultiple, ImageModeContinuous)

// FileWriteMode is the write mode of a file plugin.
type FileWriteMode string

const (
	FileWriteModeSingle  FileWriteMode = "Single"
	FileWriteModeCapture FileWriteMode = "Capture"
	FileWriteModeStream  FileWriteMode = "Stream"
)

// FileWriteModes is the codec of the FileWriteMode record.
var FileWriteModes = pvdata.Enum(FileWriteModeSingle, FileWriteModeCapture, FileWriteModeStream)
