package pvgw

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/log"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/transport"
	"github.com/ophyd-epics-devices/epicsdev/pkg/wire"
)

// DefaultConnectTimeout bounds how long the server waits for the upstream
// provider to open a channel.
const DefaultConnectTimeout = 10 * time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	transport.ServerConfig

	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Server serves the PVs of a provider to gateway clients.
type Server struct {
	provider binding.Provider
	cfg      ServerConfig
	slog     *slog.Logger
	plog     log.Logger
	ts       *transport.Server
}

// NewServer creates a server for provider.
func NewServer(provider binding.Provider, cfg ServerConfig) *Server {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	s := &Server{provider: provider, cfg: cfg, slog: cfg.Logger, plog: log.OrNoop(cfg.ServerConfig.Config.Logger)}
	if s.slog == nil {
		s.slog = slog.Default()
	}
	s.ts = transport.NewServer(cfg.ServerConfig, s.accept)
	return s
}

// Start begins accepting sessions.
func (s *Server) Start(ctx context.Context) error {
	return s.ts.Start(ctx)
}

// Stop closes the listener and every session.
func (s *Server) Stop() error {
	return s.ts.Stop()
}

// Addr returns the listen address once started.
func (s *Server) Addr() net.Addr { return s.ts.Addr() }

// SessionCount returns the number of connected clients.
func (s *Server) SessionCount() int { return s.ts.ConnectionCount() }

func (s *Server) accept(c *transport.Conn) transport.Handler {
	ctx, cancel := context.WithCancel(context.Background())
	ss := &serverSession{
		srv:      s,
		conn:     c,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*upstream),
		subs:     make(map[uint32]*subscription),
	}
	s.slog.Debug("gateway session accepted", "session", c.ID(), "remote", c.RemoteAddr())
	return ss
}

// upstream is a provider channel shared by every client reference to the
// same PV within a session.
type upstream struct {
	name string
	ch   binding.Channel
	refs int
	done chan struct{}
}

// subscription forwards monitor updates. Updates that arrive before the
// Monitor response was sent are held back so the client knows the
// subscription ID when they arrive.
type subscription struct {
	id      uint32
	channel string
	mon     binding.Monitor

	mu      sync.Mutex
	ready   bool
	backlog []pvdata.Value
}

type serverSession struct {
	srv    *Server
	conn   *transport.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*upstream
	subs     map[uint32]*subscription
	nextSub  uint32
}

// OnMessage implements transport.Handler. Requests are served concurrently
// so a put waiting for completion does not hold up other channels.
func (ss *serverSession) OnMessage(data []byte) {
	kind, err := wire.PeekKind(data)
	if err != nil || kind != wire.KindRequest {
		return
	}
	req, err := wire.DecodeRequest(data)
	if err != nil {
		ss.srv.slog.Debug("invalid request", "session", ss.conn.ID(), "error", err)
		return
	}
	ss.logMessage(log.DirectionIn, &log.MessageEvent{
		Kind:      wire.KindRequest,
		MessageID: req.MessageID,
		Operation: &req.Operation,
		Channel:   req.Channel,
		Payload:   req.Data,
	})
	go ss.serve(req)
}

// OnClose implements transport.Handler.
func (ss *serverSession) OnClose(err error) {
	ss.cancel()
	ss.mu.Lock()
	subs := ss.subs
	chans := ss.channels
	ss.subs = make(map[uint32]*subscription)
	ss.channels = make(map[string]*upstream)
	ss.mu.Unlock()

	for _, sub := range subs {
		sub.mon.Cancel()
	}
	for _, up := range chans {
		_ = up.ch.Close()
	}
	ss.srv.slog.Debug("gateway session closed", "session", ss.conn.ID(), "error", err)
}

func (ss *serverSession) serve(req *wire.Request) {
	start := time.Now()
	var resp *wire.Response
	var after func()
	switch req.Operation {
	case wire.OpConnect:
		resp = ss.handleConnect(req)
	case wire.OpGet:
		resp = ss.handleGet(req)
	case wire.OpPut:
		resp = ss.handlePut(req)
	case wire.OpMonitor:
		resp, after = ss.handleMonitor(req)
	case wire.OpCancel:
		resp = ss.handleCancel(req)
	case wire.OpClose:
		resp = ss.handleClose(req)
	default:
		resp = &wire.Response{Status: wire.StatusUnsupported, Message: "unknown operation"}
	}
	resp.MessageID = req.MessageID
	ss.send(resp, time.Since(start))
	if after != nil {
		after()
	}
}

func (ss *serverSession) send(resp *wire.Response, took time.Duration) {
	data, err := wire.EncodeResponse(resp)
	if err != nil {
		ss.srv.slog.Warn("encode response failed", "error", err)
		return
	}
	ss.logMessage(log.DirectionOut, &log.MessageEvent{
		Kind:           wire.KindResponse,
		MessageID:      resp.MessageID,
		Status:         &resp.Status,
		SubscriptionID: resp.SubscriptionID,
		ProcessingTime: &took,
	})
	_ = ss.conn.Send(data)
}

func (ss *serverSession) notify(n *wire.Notification) {
	data, err := wire.EncodeNotification(n)
	if err != nil {
		ss.srv.slog.Warn("encode notification failed", "error", err)
		return
	}
	ss.logMessage(log.DirectionOut, &log.MessageEvent{
		Kind:           wire.KindNotification,
		Channel:        n.Channel,
		SubscriptionID: n.SubscriptionID,
		Event:          &n.Event,
	})
	_ = ss.conn.Send(data)
}

func (ss *serverSession) handleConnect(req *wire.Request) *wire.Response {
	ss.mu.Lock()
	if up, ok := ss.channels[req.Channel]; ok {
		up.refs++
		ss.mu.Unlock()
		return ss.valueResponse(up.ch)
	}
	ss.mu.Unlock()

	ctx, cancel := context.WithTimeout(ss.ctx, ss.srv.cfg.ConnectTimeout)
	defer cancel()
	ch, err := ss.srv.provider.Open(ctx, req.Channel)
	if err != nil {
		return errorResponse(err, wire.StatusChannelNotFound)
	}

	ss.mu.Lock()
	if up, ok := ss.channels[req.Channel]; ok {
		// A concurrent connect won.
		up.refs++
		ss.mu.Unlock()
		_ = ch.Close()
		return ss.valueResponse(up.ch)
	}
	up := &upstream{name: req.Channel, ch: ch, refs: 1, done: make(chan struct{})}
	ss.channels[req.Channel] = up
	ss.mu.Unlock()

	go ss.watch(up)
	return ss.valueResponse(ch)
}

// watch reports upstream loss to the client and forgets the channel.
func (ss *serverSession) watch(up *upstream) {
	select {
	case <-ss.ctx.Done():
		return
	case <-up.done:
		return
	case <-up.ch.Lost():
	}

	ss.mu.Lock()
	if ss.channels[up.name] == up {
		delete(ss.channels, up.name)
	}
	var subs []*subscription
	for id, sub := range ss.subs {
		if sub.channel == up.name {
			subs = append(subs, sub)
			delete(ss.subs, id)
		}
	}
	ss.mu.Unlock()

	for _, sub := range subs {
		sub.mon.Cancel()
	}
	_ = up.ch.Close()
	ss.srv.slog.Info("upstream channel lost", "pv", up.name, "error", up.ch.Err())
	ss.notify(&wire.Notification{Channel: up.name, Event: wire.EventDisconnected})
}

func (ss *serverSession) lookup(name string) (binding.Channel, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	up, ok := ss.channels[name]
	if !ok {
		return nil, false
	}
	return up.ch, true
}

func (ss *serverSession) valueResponse(ch binding.Channel) *wire.Response {
	ctx, cancel := context.WithTimeout(ss.ctx, ss.srv.cfg.ConnectTimeout)
	defer cancel()
	v, err := ch.Get(ctx)
	if err != nil {
		return errorResponse(err, wire.StatusInternal)
	}
	return &wire.Response{Status: wire.StatusSuccess, Value: &v}
}

func (ss *serverSession) handleGet(req *wire.Request) *wire.Response {
	ch, ok := ss.lookup(req.Channel)
	if !ok {
		return &wire.Response{Status: wire.StatusDisconnected, Message: "channel not connected"}
	}
	return ss.valueResponse(ch)
}

func (ss *serverSession) handlePut(req *wire.Request) *wire.Response {
	ch, ok := ss.lookup(req.Channel)
	if !ok {
		return &wire.Response{Status: wire.StatusDisconnected, Message: "channel not connected"}
	}
	if err := ch.Put(ss.ctx, req.Data, req.Wait); err != nil {
		return errorResponse(err, wire.StatusInternal)
	}
	return &wire.Response{Status: wire.StatusSuccess}
}

func (ss *serverSession) handleMonitor(req *wire.Request) (*wire.Response, func()) {
	ch, ok := ss.lookup(req.Channel)
	if !ok {
		return &wire.Response{Status: wire.StatusDisconnected, Message: "channel not connected"}, nil
	}

	ss.mu.Lock()
	ss.nextSub++
	sub := &subscription{id: ss.nextSub, channel: req.Channel}
	ss.mu.Unlock()

	mon, err := ch.Monitor(ss.ctx, func(v pvdata.Value) {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if !sub.ready {
			sub.backlog = append(sub.backlog, v)
			return
		}
		ss.notify(&wire.Notification{SubscriptionID: sub.id, Channel: sub.channel, Event: wire.EventValue, Value: &v})
	})
	if err != nil {
		return errorResponse(err, wire.StatusInternal), nil
	}
	sub.mon = mon

	ss.mu.Lock()
	ss.subs[sub.id] = sub
	ss.mu.Unlock()

	release := func() {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		for i := range sub.backlog {
			ss.notify(&wire.Notification{SubscriptionID: sub.id, Channel: sub.channel, Event: wire.EventValue, Value: &sub.backlog[i]})
		}
		sub.backlog = nil
		sub.ready = true
	}
	return &wire.Response{Status: wire.StatusSuccess, SubscriptionID: sub.id}, release
}

func (ss *serverSession) handleCancel(req *wire.Request) *wire.Response {
	ss.mu.Lock()
	sub, ok := ss.subs[req.SubscriptionID]
	delete(ss.subs, req.SubscriptionID)
	ss.mu.Unlock()
	if ok {
		sub.mon.Cancel()
	}
	return &wire.Response{Status: wire.StatusSuccess}
}

func (ss *serverSession) handleClose(req *wire.Request) *wire.Response {
	ss.mu.Lock()
	up, ok := ss.channels[req.Channel]
	if !ok {
		ss.mu.Unlock()
		return &wire.Response{Status: wire.StatusSuccess}
	}
	up.refs--
	if up.refs > 0 {
		ss.mu.Unlock()
		return &wire.Response{Status: wire.StatusSuccess}
	}
	delete(ss.channels, req.Channel)
	close(up.done)
	var subs []*subscription
	for id, sub := range ss.subs {
		if sub.channel == req.Channel {
			subs = append(subs, sub)
			delete(ss.subs, id)
		}
	}
	ss.mu.Unlock()

	for _, sub := range subs {
		sub.mon.Cancel()
	}
	_ = up.ch.Close()
	return &wire.Response{Status: wire.StatusSuccess}
}

// errorResponse maps a provider error to a response status.
func errorResponse(err error, fallback wire.Status) *wire.Response {
	status := fallback
	switch {
	case errors.Is(err, pverr.ErrReadOnly):
		status = wire.StatusReadOnly
	case errors.Is(err, pvdata.ErrTypeMismatch):
		status = wire.StatusTypeMismatch
	case errors.Is(err, pverr.ErrWriteRejected):
		status = wire.StatusInvalidValue
	case errors.Is(err, pverr.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = wire.StatusTimeout
	case errors.Is(err, pverr.ErrNotConnected), errors.Is(err, pverr.ErrConnection):
		status = wire.StatusDisconnected
	}
	return &wire.Response{Status: status, Message: err.Error()}
}

func (ss *serverSession) logMessage(dir log.Direction, m *log.MessageEvent) {
	ss.srv.plog.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  ss.conn.ID(),
		Direction:  dir,
		Layer:      log.LayerWire,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleGateway,
		RemoteAddr: ss.conn.RemoteAddr().String(),
		PV:         qualify(m.Channel),
		Message:    m,
	})
}
