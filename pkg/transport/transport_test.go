package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ophyd-epics-devices/epicsdev/pkg/cert"
	"github.com/ophyd-epics-devices/epicsdev/pkg/log"
	"github.com/ophyd-epics-devices/epicsdev/pkg/wire"
)

func TestFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)

	msgs := [][]byte{{0x01}, bytes.Repeat([]byte{0xab}, 1000), []byte("hello")}
	for _, m := range msgs {
		require.NoError(t, f.WriteFrame(m))
	}
	for _, want := range msgs {
		got, err := f.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFramerErrors(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		assert.ErrorIs(t, NewFrameWriter(&bytes.Buffer{}).WriteFrame(nil), ErrMessageEmpty)
	})

	t.Run("TooLarge", func(t *testing.T) {
		w := NewFrameWriter(&bytes.Buffer{}, WithMaxMessageSize(4))
		assert.ErrorIs(t, w.WriteFrame([]byte("12345")), ErrMessageTooLarge)

		r := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 9, 1}), WithMaxMessageSize(4))
		_, err := r.ReadFrame()
		assert.ErrorIs(t, err, ErrMessageTooLarge)
	})

	t.Run("Truncated", func(t *testing.T) {
		r := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 4, 1, 2}))
		_, err := r.ReadFrame()
		assert.ErrorIs(t, err, ErrFrameTruncated)

		r = NewFrameReader(bytes.NewReader([]byte{0, 0}))
		_, err = r.ReadFrame()
		assert.ErrorIs(t, err, ErrFrameTruncated)

		r = NewFrameReader(bytes.NewReader(nil))
		_, err = r.ReadFrame()
		assert.ErrorIs(t, err, io.EOF)
	})
}

type eventRecorder struct {
	mu     sync.Mutex
	events []log.Event
}

func (r *eventRecorder) Log(e log.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(pred func(log.Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if pred(e) {
			n++
		}
	}
	return n
}

func TestFrameLoggingTruncates(t *testing.T) {
	rec := &eventRecorder{}
	var buf bytes.Buffer
	w := NewFrameWriter(&buf, WithFrameLog(rec, "s-1"))
	require.NoError(t, w.WriteFrame(make([]byte, MaxLogFrameDataSize+10)))

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, "s-1", ev.SessionID)
	assert.Equal(t, log.DirectionOut, ev.Direction)
	assert.True(t, ev.Frame.Truncated)
	assert.Len(t, ev.Frame.Data, MaxLogFrameDataSize)
	assert.Equal(t, MaxLogFrameDataSize+10+LengthPrefixSize, ev.Frame.Size)
}

func TestKeepAlive(t *testing.T) {
	t.Run("TimeoutWithoutPongs", func(t *testing.T) {
		var pings atomic.Int32
		timedOut := make(chan struct{})
		ka := NewKeepAlive(KeepAliveConfig{
			PingInterval:   10 * time.Millisecond,
			PongTimeout:    5 * time.Millisecond,
			MaxMissedPongs: 2,
		}, func(uint32) error { pings.Add(1); return nil }, func() { close(timedOut) })
		ka.Start(context.Background())
		defer ka.Stop()

		select {
		case <-timedOut:
		case <-time.After(time.Second):
			t.Fatal("keep-alive never timed out")
		}
		assert.GreaterOrEqual(t, pings.Load(), int32(2))
	})

	t.Run("PongsKeepAlive", func(t *testing.T) {
		var ka *KeepAlive
		var timedOut atomic.Bool
		ka = NewKeepAlive(KeepAliveConfig{
			PingInterval:   10 * time.Millisecond,
			PongTimeout:    5 * time.Millisecond,
			MaxMissedPongs: 1,
		}, func(seq uint32) error {
			go ka.PongReceived(seq)
			return nil
		}, func() { timedOut.Store(true) })
		ka.Start(context.Background())

		time.Sleep(80 * time.Millisecond)
		ka.Stop()
		assert.False(t, timedOut.Load())
		assert.Equal(t, 0, ka.Stats().MissedPongs)
		assert.Greater(t, ka.Stats().Sequence, uint32(2))
	})

	t.Run("DetectionDelay", func(t *testing.T) {
		assert.Equal(t, 35*time.Second, DefaultKeepAliveConfig().DetectionDelay())
	})
}

type chanHandler struct {
	msgs   chan []byte
	closed chan error
}

func newChanHandler() *chanHandler {
	return &chanHandler{msgs: make(chan []byte, 16), closed: make(chan error, 1)}
}

func (h *chanHandler) OnMessage(data []byte) { h.msgs <- data }
func (h *chanHandler) OnClose(err error)     { h.closed <- err }

func TestConnPingPongOverPipe(t *testing.T) {
	a, b := net.Pipe()
	rec := &eventRecorder{}
	ka := KeepAliveConfig{PingInterval: 10 * time.Millisecond, PongTimeout: 50 * time.Millisecond, MaxMissedPongs: 3}

	ca := NewConn(a, Config{KeepAlive: ka, Logger: rec})
	cb := NewConn(b, Config{KeepAlive: KeepAliveConfig{Disabled: true}})
	ha, hb := newChanHandler(), newChanHandler()
	ca.Start(ha)
	cb.Start(hb)

	data, err := wire.EncodeRequest(&wire.Request{MessageID: 1, Operation: wire.OpGet, Channel: "X"})
	require.NoError(t, err)
	require.NoError(t, ca.Send(data))

	select {
	case got := <-hb.msgs:
		assert.Equal(t, data, got)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	assert.Eventually(t, func() bool {
		return rec.count(func(e log.Event) bool {
			return e.ControlMsg != nil && e.ControlMsg.Type == wire.ControlPong && e.Direction == log.DirectionIn
		}) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ca.Close())
	assert.NoError(t, <-ha.closed)

	select {
	case err := <-hb.closed:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("peer not closed")
	}
	assert.ErrorIs(t, ca.Send(data), ErrConnectionClosed)
}

func TestServerDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var serverSide *chanHandler
	accepted := make(chan *Conn, 1)
	srv := NewServer(ServerConfig{Address: "127.0.0.1:0"}, func(c *Conn) Handler {
		serverSide = newChanHandler()
		accepted <- c
		return serverSide
	})
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	conn, err := Dial(ctx, srv.Addr().String(), DialConfig{})
	require.NoError(t, err)
	h := newChanHandler()
	conn.Start(h)

	sc := <-accepted
	assert.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sc.Send([]byte{0xa0}))
	select {
	case got := <-h.msgs:
		assert.Equal(t, []byte{0xa0}, got)
	case <-time.After(time.Second):
		t.Fatal("no message from server")
	}

	require.NoError(t, srv.Stop())
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("client not closed when server stopped")
	}
	assert.Equal(t, 0, srv.ConnectionCount())
}

func TestServerDialMutualTLS(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pki, err := cert.WriteDevPKI(t.TempDir(), []string{"localhost", "127.0.0.1"})
	require.NoError(t, err)

	accepted := make(chan *Conn, 1)
	srv := NewServer(ServerConfig{
		Address: "127.0.0.1:0",
		TLS:     TLSConfig{CAFile: pki.CAFile, CertFile: pki.CertFile, KeyFile: pki.KeyFile},
	}, func(c *Conn) Handler {
		accepted <- c
		return newChanHandler()
	})
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	conn, err := Dial(ctx, srv.Addr().String(), DialConfig{TLS: TLSConfig{
		CAFile:     pki.CAFile,
		CertFile:   pki.ClientCertFile,
		KeyFile:    pki.ClientKeyFile,
		ServerName: "localhost",
	}})
	require.NoError(t, err)
	h := newChanHandler()
	conn.Start(h)
	defer conn.Close()

	var sc *Conn
	select {
	case sc = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server did not accept")
	}
	require.NoError(t, sc.Send([]byte{0xa1}))
	select {
	case got := <-h.msgs:
		assert.Equal(t, []byte{0xa1}, got)
	case <-time.After(time.Second):
		t.Fatal("no message over TLS")
	}
}

func TestDialTLSRejectsUnknownCA(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pki, err := cert.WriteDevPKI(t.TempDir(), []string{"127.0.0.1"})
	require.NoError(t, err)
	other, err := cert.WriteDevPKI(t.TempDir(), []string{"127.0.0.1"})
	require.NoError(t, err)

	srv := NewServer(ServerConfig{
		Address: "127.0.0.1:0",
		TLS:     TLSConfig{CertFile: pki.CertFile, KeyFile: pki.KeyFile},
	}, func(*Conn) Handler { return newChanHandler() })
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	_, err = Dial(ctx, srv.Addr().String(), DialConfig{TLS: TLSConfig{CAFile: other.CAFile}})
	assert.ErrorContains(t, err, "TLS handshake failed")
}

func TestNewServerTLSConfigNeedsCertificate(t *testing.T) {
	_, err := NewServerTLSConfig(TLSConfig{InsecureSkipVerify: true})
	assert.Error(t, err)
}
