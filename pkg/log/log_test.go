package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ophyd-epics-devices/epicsdev/pkg/wire"
)

func TestEventCBORRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 123456789, time.UTC)
	op := wire.OpPut
	status := wire.StatusReadOnly
	rtt := 3 * time.Millisecond

	tests := []struct {
		name  string
		event Event
	}{
		{"frame", Event{
			Timestamp: ts, SessionID: "s-1", Direction: DirectionIn, Layer: LayerTransport,
			Frame: &FrameEvent{Size: 9, Data: []byte{1, 2, 3, 4, 5}, Truncated: true},
		}},
		{"request", Event{
			Timestamp: ts, SessionID: "s-1", Direction: DirectionOut, Layer: LayerWire, PV: "pvgw://MOTOR:POS",
			Message: &MessageEvent{Kind: wire.KindRequest, MessageID: 4, Operation: &op, Channel: "MOTOR:POS"},
		}},
		{"response", Event{
			Timestamp: ts, Direction: DirectionIn, Layer: LayerWire,
			Message: &MessageEvent{Kind: wire.KindResponse, MessageID: 4, Status: &status, ProcessingTime: &rtt},
		}},
		{"state", Event{
			Timestamp: ts, Layer: LayerBinding, Category: CategoryState, PV: "sim://X",
			StateChange: &StateChangeEvent{Entity: StateEntityBinding, OldState: "CONNECTED", NewState: "DISCONNECTED", Reason: "lost"},
		}},
		{"control", Event{
			Timestamp: ts, LocalRole: RoleGateway, Category: CategoryControl,
			ControlMsg: &ControlMsgEvent{Type: wire.ControlPing, Sequence: 3},
		}},
		{"error", Event{
			Timestamp: ts, Category: CategoryError,
			Error: &ErrorEventData{Layer: LayerWire, Message: "bad frame", Context: "decode"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeEvent(tt.event)
			require.NoError(t, err)

			got, err := DecodeEvent(data)
			require.NoError(t, err)
			assert.True(t, got.Timestamp.Equal(tt.event.Timestamp))
			got.Timestamp = tt.event.Timestamp
			assert.Equal(t, tt.event, got)
		})
	}
}

func TestFileLoggerAndReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.pvlog")
	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	base := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pv := "sim://A"
			if i%2 == 1 {
				pv = "sim://B"
			}
			logger.Log(Event{Timestamp: base.Add(time.Duration(i)), PV: pv, Layer: LayerBinding, Category: CategoryState,
				StateChange: &StateChangeEvent{Entity: StateEntityBinding, NewState: "CONNECTED"}})
		}(i)
	}
	wg.Wait()
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
	logger.Log(Event{PV: "sim://A"})
	assert.Equal(t, uint64(1), logger.Dropped())

	r, err := NewFilteredReader(path, Filter{PV: "sim://B"})
	require.NoError(t, err)
	defer r.Close()

	n := 0
	for ev, err := range r.All() {
		require.NoError(t, err)
		assert.Equal(t, "sim://B", ev.PV)
		n++
	}
	assert.Equal(t, 5, n)
}

func TestReaderTimeAndCategoryFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.pvlog")
	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	logger.Log(Event{Timestamp: t0, Category: CategoryError, Error: &ErrorEventData{Message: "a"}})
	logger.Log(Event{Timestamp: t0.Add(time.Second), Category: CategoryError, Error: &ErrorEventData{Message: "b"}})
	logger.Log(Event{Timestamp: t0.Add(time.Second), Category: CategoryState, StateChange: &StateChangeEvent{NewState: "x"}})
	require.NoError(t, logger.Close())

	cat := CategoryError
	start := t0.Add(500 * time.Millisecond)
	r, err := NewFilteredReader(path, Filter{Category: &cat, TimeStart: &start})
	require.NoError(t, err)
	defer r.Close()

	var msgs []string
	for ev, err := range r.All() {
		require.NoError(t, err)
		msgs = append(msgs, ev.Error.Message)
	}
	assert.Equal(t, []string{"b"}, msgs)
}

func TestStreamReaderTruncatedTail(t *testing.T) {
	var buf []byte
	for _, pv := range []string{"sim://A", "sim://B"} {
		data, err := EncodeEvent(Event{Timestamp: time.Now(), PV: pv, Category: CategoryMessage})
		require.NoError(t, err)
		buf = append(buf, data...)
	}
	// Cut the last record in half, as a crashed writer would leave it.
	buf = buf[:len(buf)-3]

	r := NewStreamReader(bytes.NewReader(buf), Filter{})
	var pvs []string
	for ev, err := range r.All() {
		require.NoError(t, err)
		pvs = append(pvs, ev.PV)
	}
	assert.Equal(t, []string{"sim://A"}, pvs)
	assert.NoError(t, r.Close())
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	slogger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	op := wire.OpGet

	NewSlogAdapter(slogger).Log(Event{
		Timestamp: time.Now(), SessionID: "s-9", Direction: DirectionOut, Layer: LayerWire, PV: "pvgw://X",
		Message: &MessageEvent{Kind: wire.KindRequest, MessageID: 7, Operation: &op, Channel: "X"},
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "protocol", entry["msg"])
	assert.Equal(t, "s-9", entry["session"])
	assert.Equal(t, "pvgw://X", entry["pv"])
	assert.Equal(t, "Get", entry["operation"])
	assert.Equal(t, float64(7), entry["msg_id"])
	assert.Equal(t, "OUT", entry["direction"])
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Log(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestMultiLogger(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := NewMultiLogger(a, nil, b)
	m.Log(Event{PV: "sim://X"})

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	OrNoop(nil).Log(Event{})
}

func TestFormat(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	line := Format(Event{Timestamp: ts, Direction: DirectionIn, Layer: LayerBinding, PV: "sim://X",
		StateChange: &StateChangeEvent{Entity: StateEntityBinding, OldState: "CONNECTED", NewState: "DISCONNECTED", Reason: "lost"}})
	assert.Equal(t, "12:00:00.000000 IN  BINDING   sim://X BINDING CONNECTED -> DISCONNECTED (lost)", line)
}
