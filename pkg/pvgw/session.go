package pvgw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/log"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/transport"
	"github.com/ophyd-epics-devices/epicsdev/pkg/wire"
)

// Session errors.
var (
	ErrSessionClosed   = errors.New("gateway session closed")
	ErrUpstreamLost    = errors.New("gateway lost the upstream channel")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// sender is the part of transport.Conn a session writes to.
type sender interface {
	Send(data []byte) error
	Close() error
	ID() string
}

type pending struct {
	ch chan *wire.Response

	// onValue is registered as the monitor callback when the reply to a
	// Monitor request arrives, before any notification for it is read.
	onValue func(pvdata.Value)
}

// session is one gateway connection shared by all channels of a Provider.
type session struct {
	conn     sender
	plog     log.Logger
	addr     string
	timeout  time.Duration
	nextID   atomic.Uint32
	done     chan struct{}
	closeErr error

	mu       sync.Mutex
	pending  map[uint32]*pending
	monitors map[uint32]func(pvdata.Value)
	channels map[string]map[*channel]struct{}
	closed   bool
}

func newSession(conn sender, addr string, timeout time.Duration, plog log.Logger) *session {
	return &session{
		conn:     conn,
		plog:     log.OrNoop(plog),
		addr:     addr,
		timeout:  timeout,
		done:     make(chan struct{}),
		pending:  make(map[uint32]*pending),
		monitors: make(map[uint32]func(pvdata.Value)),
		channels: make(map[string]map[*channel]struct{}),
	}
}

func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// OnMessage implements transport.Handler.
func (s *session) OnMessage(data []byte) {
	kind, err := wire.PeekKind(data)
	if err != nil {
		return
	}
	switch kind {
	case wire.KindResponse:
		resp, err := wire.DecodeResponse(data)
		if err == nil {
			s.handleResponse(resp)
		}
	case wire.KindNotification:
		notif, err := wire.DecodeNotification(data)
		if err == nil {
			s.handleNotification(notif)
		}
	}
}

// OnClose implements transport.Handler. Every pending request fails and
// every channel of the session is marked lost.
func (s *session) OnClose(err error) {
	if err == nil {
		err = ErrSessionClosed
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	for id, p := range s.pending {
		close(p.ch)
		delete(s.pending, id)
	}
	var lost []*channel
	for _, set := range s.channels {
		for ch := range set {
			lost = append(lost, ch)
		}
	}
	s.channels = make(map[string]map[*channel]struct{})
	s.monitors = make(map[uint32]func(pvdata.Value))
	s.mu.Unlock()
	close(s.done)

	s.logState("CLOSED", err.Error())
	for _, ch := range lost {
		ch.markLost(pverr.Connection("session", ch.pv(), err))
	}
}

func (s *session) close() {
	_ = s.conn.Close()
	s.OnClose(nil)
}

func (s *session) handleResponse(resp *wire.Response) {
	s.logMessage(log.DirectionIn, &log.MessageEvent{
		Kind:           wire.KindResponse,
		MessageID:      resp.MessageID,
		Status:         &resp.Status,
		SubscriptionID: resp.SubscriptionID,
	})

	s.mu.Lock()
	p, ok := s.pending[resp.MessageID]
	if ok {
		delete(s.pending, resp.MessageID)
		if p.onValue != nil && resp.IsSuccess() && resp.SubscriptionID != 0 {
			s.monitors[resp.SubscriptionID] = p.onValue
		}
	}
	s.mu.Unlock()
	if ok {
		p.ch <- resp
	}
}

func (s *session) handleNotification(n *wire.Notification) {
	s.logMessage(log.DirectionIn, &log.MessageEvent{
		Kind:           wire.KindNotification,
		Channel:        n.Channel,
		SubscriptionID: n.SubscriptionID,
		Event:          &n.Event,
	})

	switch n.Event {
	case wire.EventValue:
		s.mu.Lock()
		fn := s.monitors[n.SubscriptionID]
		s.mu.Unlock()
		if fn != nil && n.Value != nil {
			fn(*n.Value)
		}
	case wire.EventDisconnected:
		s.mu.Lock()
		set := s.channels[n.Channel]
		delete(s.channels, n.Channel)
		s.mu.Unlock()
		for ch := range set {
			ch.markLost(pverr.Connection("monitor", ch.pv(), ErrUpstreamLost))
		}
	}
}

// request sends req and waits for its response. Requests without a deadline
// on ctx are bounded by the session timeout unless unbounded is set.
func (s *session) request(ctx context.Context, req *wire.Request, onValue func(pvdata.Value), unbounded bool) (*wire.Response, error) {
	if _, ok := ctx.Deadline(); !ok && !unbounded && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req.MessageID = s.nextID.Add(1)
	p := &pending{ch: make(chan *wire.Response, 1), onValue: onValue}

	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	s.pending[req.MessageID] = p
	s.mu.Unlock()

	data, err := wire.EncodeRequest(req)
	if err != nil {
		s.forget(req.MessageID)
		return nil, err
	}
	op := req.Operation
	s.logMessage(log.DirectionOut, &log.MessageEvent{
		Kind:      wire.KindRequest,
		MessageID: req.MessageID,
		Operation: &op,
		Channel:   req.Channel,
		Payload:   req.Data,
	})
	if err := s.conn.Send(data); err != nil {
		s.forget(req.MessageID)
		return nil, err
	}

	select {
	case <-ctx.Done():
		s.forget(req.MessageID)
		return nil, ctx.Err()
	case resp, ok := <-p.ch:
		if !ok {
			return nil, s.closeErr
		}
		return resp, nil
	}
}

func (s *session) forget(id uint32) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) track(ch *channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	set, ok := s.channels[ch.name]
	if !ok {
		set = make(map[*channel]struct{})
		s.channels[ch.name] = set
	}
	set[ch] = struct{}{}
}

func (s *session) untrack(ch *channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.channels[ch.name]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(s.channels, ch.name)
		}
	}
}

func (s *session) dropMonitor(id uint32) {
	s.mu.Lock()
	delete(s.monitors, id)
	s.mu.Unlock()
}

func (s *session) logMessage(dir log.Direction, m *log.MessageEvent) {
	s.plog.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  s.conn.ID(),
		Direction:  dir,
		Layer:      log.LayerWire,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleClient,
		RemoteAddr: s.addr,
		PV:         qualify(m.Channel),
		Message:    m,
	})
}

func (s *session) logState(state, reason string) {
	s.plog.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  s.conn.ID(),
		Layer:      log.LayerBinding,
		Category:   log.CategoryState,
		LocalRole:  log.RoleClient,
		RemoteAddr: s.addr,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			NewState: state,
			Reason:   reason,
		},
	})
}

func qualify(pv string) string {
	if pv == "" {
		return ""
	}
	return Scheme + "://" + pv
}

// statusError maps a failed response to the pverr taxonomy.
func statusError(op, pv string, resp *wire.Response) error {
	cause := fmt.Errorf("gateway: %s", resp.Status)
	if resp.Message != "" {
		cause = fmt.Errorf("gateway: %s: %s", resp.Status, resp.Message)
	}
	switch resp.Status {
	case wire.StatusReadOnly:
		cause = fmt.Errorf("%w (%w)", cause, pverr.ErrReadOnly)
	case wire.StatusTypeMismatch:
		cause = fmt.Errorf("%w (%w)", cause, pvdata.ErrTypeMismatch)
	}
	switch {
	case resp.Status.IsWriteRejection():
		return pverr.New(pverr.ErrWriteRejected, op, pv, cause)
	case resp.Status == wire.StatusTimeout:
		return pverr.Timeout(op, pv, cause)
	default:
		return pverr.Connection(op, pv, cause)
	}
}

var _ transport.Handler = (*session)(nil)
