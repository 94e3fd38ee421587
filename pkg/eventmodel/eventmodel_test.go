package eventmodel

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeStreamResource(t *testing.T) {
	res, datums := ComposeStreamResource(SpecHDF5SWMRSlice, "/", "/tmp/123456/deta.h5", nil)
	_, err := uuid.Parse(res.UID)
	require.NoError(t, err)
	assert.Equal(t, "AD_HDF5_SWMR_SLICE", res.Spec)
	assert.NotNil(t, res.ResourceKwargs)

	first := datums.Compose([]string{"deta"}, StreamRange{0, 1}, StreamRange{0, 1})
	second := datums.Compose([]string{"deta"}, StreamRange{1, 5}, StreamRange{1, 5})

	assert.Equal(t, res.UID, first.StreamResource)
	assert.Equal(t, 0, first.BlockIdx)
	assert.Equal(t, res.UID+"/0", first.UID)
	assert.Equal(t, 1, second.BlockIdx)
	assert.Equal(t, 4, second.Indices.Len())
}

func TestStreamDatumJSON(t *testing.T) {
	d := StreamDatum{
		UID:            "r/0",
		StreamResource: "r",
		DataKeys:       []string{"det"},
		Indices:        StreamRange{Start: 0, Stop: 6},
		SeqNums:        StreamRange{Start: 0, Stop: 6},
	}
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"uid":"r/0","stream_resource":"r","block_idx":0,"data_keys":["det"],
		"indices":{"start":0,"stop":6},"seq_nums":{"start":0,"stop":6}}`, string(data))
}
