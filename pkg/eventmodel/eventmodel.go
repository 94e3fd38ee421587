// Package eventmodel builds the stream documents that describe externally
// written data: a StreamResource names a file, and each StreamDatum points
// at a new range of frames in it.
package eventmodel

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Document names.
const (
	NameStreamResource = "stream_resource"
	NameStreamDatum    = "stream_datum"
)

// SpecHDF5SWMRSlice is the resource spec of HDF5 files written in SWMR mode
// and read back slice by slice.
const SpecHDF5SWMRSlice = "AD_HDF5_SWMR_SLICE"

// StreamResource describes one externally written file.
type StreamResource struct {
	UID            string         `json:"uid"`
	Spec           string         `json:"spec"`
	Root           string         `json:"root"`
	ResourcePath   string         `json:"resource_path"`
	ResourceKwargs map[string]any `json:"resource_kwargs"`
}

// StreamRange is a half-open range [Start, Stop).
type StreamRange struct {
	Start int `json:"start"`
	Stop  int `json:"stop"`
}

// Len returns the number of elements in the range.
func (r StreamRange) Len() int { return r.Stop - r.Start }

// StreamDatum points at a block of frames of a StreamResource.
type StreamDatum struct {
	UID            string      `json:"uid"`
	StreamResource string      `json:"stream_resource"`
	BlockIdx       int         `json:"block_idx"`
	DataKeys       []string    `json:"data_keys"`
	Indices        StreamRange `json:"indices"`
	SeqNums        StreamRange `json:"seq_nums"`
}

// Asset is a named document emitted by a device that writes external data.
type Asset struct {
	Name string
	Doc  any
}

// DatumComposer numbers the datums of one resource.
type DatumComposer struct {
	resource string

	mu   sync.Mutex
	next int
}

// ComposeStreamResource creates a resource with a fresh UID and the composer
// of its datums.
func ComposeStreamResource(spec, root, path string, kwargs map[string]any) (StreamResource, *DatumComposer) {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	res := StreamResource{
		UID:            uuid.NewString(),
		Spec:           spec,
		Root:           root,
		ResourcePath:   path,
		ResourceKwargs: kwargs,
	}
	return res, &DatumComposer{resource: res.UID}
}

// Compose returns the next datum of the resource. Block indices start at 0
// and UIDs are "<resource uid>/<block index>".
func (c *DatumComposer) Compose(dataKeys []string, indices, seqNums StreamRange) StreamDatum {
	c.mu.Lock()
	idx := c.next
	c.next++
	c.mu.Unlock()
	return StreamDatum{
		UID:            fmt.Sprintf("%s/%d", c.resource, idx),
		StreamResource: c.resource,
		BlockIdx:       idx,
		DataKeys:       dataKeys,
		Indices:        indices,
		SeqNums:        seqNums,
	}
}
