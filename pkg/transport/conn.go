package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ophyd-epics-devices/epicsdev/pkg/log"
	"github.com/ophyd-epics-devices/epicsdev/pkg/wire"
)

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")
	ErrPeerClosed       = errors.New("closed by peer")
)

// Handler receives the messages of a Conn.
type Handler interface {
	// OnMessage is called on the read goroutine for every non-control
	// message. It must not block for long.
	OnMessage(data []byte)

	// OnClose is called once when the connection ends. err is nil after a
	// local Close.
	OnClose(err error)
}

// Config configures a Conn.
type Config struct {
	// MaxMessageSize is the maximum message size (default: 4 MiB).
	MaxMessageSize uint32

	KeepAlive KeepAliveConfig

	// WriteTimeout bounds a single frame write (0 = no timeout).
	WriteTimeout time.Duration

	// Logger receives frame and control events. Nil disables them.
	Logger log.Logger

	Role log.Role
}

// Conn is one framed gateway session over TCP or TLS.
type Conn struct {
	id      string
	nc      net.Conn
	framer  *Framer
	config  Config
	logger  log.Logger
	handler Handler

	keepAlive *KeepAlive

	writeMu   sync.Mutex
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// NewConn wraps an established network connection. Call Start to begin
// reading.
func NewConn(nc net.Conn, config Config) *Conn {
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	opts := []FrameOption{WithMaxMessageSize(config.MaxMessageSize)}
	if config.Logger != nil {
		opts = append(opts, WithFrameLog(config.Logger, id))
	}
	return &Conn{
		id:     id,
		nc:     nc,
		framer: NewFramer(nc, opts...),
		config: config,
		logger: log.OrNoop(config.Logger),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start begins the read loop and keep-alive, delivering messages to h.
func (c *Conn) Start(h Handler) {
	c.handler = h
	if !c.config.KeepAlive.Disabled {
		c.keepAlive = NewKeepAlive(c.config.KeepAlive,
			func(seq uint32) error { return c.SendControl(wire.ControlPing, seq) },
			func() { c.closeWith(ErrKeepAliveTimeout) },
		)
		c.keepAlive.Start(c.ctx)
	}
	go c.readLoop()
}

// ID returns the session ID used in protocol logs.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr { return c.nc.LocalAddr() }

// Done is closed when the connection has ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, nil while open or after a local
// Close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// KeepAliveStats returns ping statistics, zero when keep-alive is off.
func (c *Conn) KeepAliveStats() KeepAliveStats {
	if c.keepAlive == nil {
		return KeepAliveStats{}
	}
	return c.keepAlive.Stats()
}

// Send writes one message.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	if err := c.framer.WriteFrame(data); err != nil {
		go c.closeWith(fmt.Errorf("write: %w", err))
		return err
	}
	return nil
}

// SendControl sends a ping, pong or close control message.
func (c *Conn) SendControl(t wire.ControlMessageType, seq uint32) error {
	data, err := wire.EncodeControlMessage(&wire.ControlMessage{Type: t, Sequence: seq})
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}
	c.logControl(t, seq, log.DirectionOut)
	return c.Send(data)
}

// Close sends a close control message and shuts the connection down.
func (c *Conn) Close() error {
	_ = c.SendControl(wire.ControlClose, 0)
	c.closeWith(nil)
	return nil
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.cancel()
		if c.keepAlive != nil {
			c.keepAlive.Stop()
		}
		_ = c.nc.Close()
		close(c.done)

		if err != nil {
			c.logger.Log(log.Event{
				Timestamp: time.Now(),
				SessionID: c.id,
				LocalRole: c.config.Role,
				Layer:     log.LayerTransport,
				Category:  log.CategoryError,
				Error:     &log.ErrorEventData{Layer: log.LayerTransport, Message: err.Error(), Context: "session"},
			})
		}
		if c.handler != nil {
			c.handler.OnClose(err)
		}
	})
}

func (c *Conn) readLoop() {
	for {
		data, err := c.framer.ReadFrame()
		if err != nil {
			if c.ctx.Err() == nil {
				c.closeWith(fmt.Errorf("read: %w", err))
			}
			return
		}

		kind, err := wire.PeekKind(data)
		if err == nil && kind == wire.KindControl {
			if msg, err := wire.DecodeControlMessage(data); err == nil {
				c.handleControl(msg)
			}
			continue
		}
		c.handler.OnMessage(data)
	}
}

func (c *Conn) handleControl(msg *wire.ControlMessage) {
	c.logControl(msg.Type, msg.Sequence, log.DirectionIn)
	switch msg.Type {
	case wire.ControlPing:
		_ = c.SendControl(wire.ControlPong, msg.Sequence)
	case wire.ControlPong:
		if c.keepAlive != nil {
			c.keepAlive.PongReceived(msg.Sequence)
		}
	case wire.ControlClose:
		c.closeWith(ErrPeerClosed)
	}
}

func (c *Conn) logControl(t wire.ControlMessageType, seq uint32, dir log.Direction) {
	c.logger.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  c.id,
		Direction:  dir,
		Layer:      log.LayerTransport,
		Category:   log.CategoryControl,
		LocalRole:  c.config.Role,
		RemoteAddr: c.nc.RemoteAddr().String(),
		ControlMsg: &log.ControlMsgEvent{Type: t, Sequence: seq},
	})
}

// DialConfig configures Dial.
type DialConfig struct {
	Config

	// TLS enables TLS when it carries any material.
	TLS TLSConfig
}

// Dial connects to a gateway. The returned Conn is not started.
func Dial(ctx context.Context, address string, cfg DialConfig) (*Conn, error) {
	dialer := &net.Dialer{}
	nc, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	if cfg.TLS.Enabled() {
		tlsConf, err := NewClientTLSConfig(cfg.TLS)
		if err != nil {
			nc.Close()
			return nil, err
		}
		tc := tls.Client(nc, tlsConf)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		if err := VerifyALPN(tc.ConnectionState()); err != nil {
			tc.Close()
			return nil, err
		}
		nc = tc
	}

	cfg.Role = log.RoleClient
	return NewConn(nc, cfg.Config), nil
}
