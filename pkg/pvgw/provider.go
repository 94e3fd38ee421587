package pvgw

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/log"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/transport"
	"github.com/ophyd-epics-devices/epicsdev/pkg/wire"
)

// Scheme is the PV name prefix served through a gateway.
const Scheme = "pvgw"

// DefaultRequestTimeout bounds requests whose context has no deadline.
// Puts that wait for completion are not bounded.
const DefaultRequestTimeout = 30 * time.Second

// Config configures a Provider.
type Config struct {
	// Address is the gateway host:port.
	Address string

	TLS       transport.TLSConfig
	KeepAlive transport.KeepAliveConfig

	// RequestTimeout defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Logger receives operational logs (nil: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives frame and message events.
	ProtocolLogger log.Logger
}

// Provider opens pvgw:// channels through one gateway.
type Provider struct {
	cfg  Config
	slog *slog.Logger

	// dial is replaced in tests.
	dial func(ctx context.Context) (*session, error)

	mu   sync.Mutex
	sess *session
}

var _ binding.Provider = (*Provider)(nil)

// NewProvider creates a provider. No connection is made until the first
// Open.
func NewProvider(cfg Config) *Provider {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	p := &Provider{cfg: cfg, slog: cfg.Logger}
	if p.slog == nil {
		p.slog = slog.Default()
	}
	p.dial = p.dialGateway
	return p
}

// Scheme implements binding.Provider.
func (p *Provider) Scheme() string { return Scheme }

// Address returns the gateway address.
func (p *Provider) Address() string { return p.cfg.Address }

func (p *Provider) dialGateway(ctx context.Context) (*session, error) {
	conn, err := transport.Dial(ctx, p.cfg.Address, transport.DialConfig{
		Config: transport.Config{KeepAlive: p.cfg.KeepAlive, Logger: p.cfg.ProtocolLogger},
		TLS:    p.cfg.TLS,
	})
	if err != nil {
		return nil, err
	}
	s := newSession(conn, p.cfg.Address, p.cfg.RequestTimeout, p.cfg.ProtocolLogger)
	conn.Start(s)
	return s, nil
}

// session returns the live session, dialing a new one if the previous one
// ended. Dialing holds the lock so concurrent opens share one session.
func (p *Provider) session(ctx context.Context) (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != nil && p.sess.alive() {
		return p.sess, nil
	}
	s, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.slog.Info("gateway session established", "address", p.cfg.Address)
	s.logState("CONNECTED", "")
	p.sess = s
	return s, nil
}

// Open implements binding.Provider.
func (p *Provider) Open(ctx context.Context, pv string) (binding.Channel, error) {
	s, err := p.session(ctx)
	if err != nil {
		return nil, pverr.Connection("connect", qualify(pv), err)
	}
	resp, err := s.request(ctx, &wire.Request{Operation: wire.OpConnect, Channel: pv}, nil, true)
	if err != nil {
		return nil, pverr.Connection("connect", qualify(pv), err)
	}
	if !resp.IsSuccess() {
		return nil, statusError("connect", qualify(pv), resp)
	}
	ch := &channel{sess: s, name: pv, lost: make(chan struct{})}
	s.track(ch)
	if !s.alive() {
		ch.markLost(pverr.Connection("connect", qualify(pv), ErrSessionClosed))
	}
	return ch, nil
}

// Close ends the current session. Open channels are marked lost.
func (p *Provider) Close() error {
	p.mu.Lock()
	s := p.sess
	p.sess = nil
	p.mu.Unlock()
	if s != nil {
		s.close()
	}
	return nil
}

// channel is one gateway channel.
type channel struct {
	sess *session
	name string

	mu     sync.Mutex
	lost   chan struct{}
	err    error
	closed bool
	subs   []uint32
}

var _ binding.Channel = (*channel)(nil)

func (c *channel) pv() string { return qualify(c.name) }

func (c *channel) check(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return pverr.NotConnected(op, c.pv())
	}
	return nil
}

func (c *channel) do(ctx context.Context, op string, req *wire.Request, onValue func(pvdata.Value), unbounded bool) (*wire.Response, error) {
	if err := c.check(op); err != nil {
		return nil, err
	}
	req.Channel = c.name
	resp, err := c.sess.request(ctx, req, onValue, unbounded)
	if err != nil {
		if pverr.Kind(err) != nil {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, pverr.FromContext(op, c.pv(), err)
		}
		return nil, pverr.Connection(op, c.pv(), err)
	}
	if !resp.IsSuccess() {
		return nil, statusError(op, c.pv(), resp)
	}
	return resp, nil
}

// Get implements binding.Channel.
func (c *channel) Get(ctx context.Context) (pvdata.Value, error) {
	resp, err := c.do(ctx, "get", &wire.Request{Operation: wire.OpGet}, nil, false)
	if err != nil {
		return pvdata.Value{}, err
	}
	if resp.Value == nil {
		return pvdata.Value{}, pverr.Connection("get", c.pv(), ErrUnexpectedReply)
	}
	return *resp.Value, nil
}

// Put implements binding.Channel.
func (c *channel) Put(ctx context.Context, data any, wait bool) error {
	_, err := c.do(ctx, "put", &wire.Request{Operation: wire.OpPut, Data: data, Wait: wait}, nil, wait)
	return err
}

// Monitor implements binding.Channel. The gateway sends the current value
// as the first notification.
func (c *channel) Monitor(ctx context.Context, fn func(pvdata.Value)) (binding.Monitor, error) {
	resp, err := c.do(ctx, "monitor", &wire.Request{Operation: wire.OpMonitor}, fn, false)
	if err != nil {
		return nil, err
	}
	id := resp.SubscriptionID
	c.mu.Lock()
	c.subs = append(c.subs, id)
	c.mu.Unlock()

	var once sync.Once
	return binding.MonitorFunc(func() {
		once.Do(func() {
			c.mu.Lock()
			for i, s := range c.subs {
				if s == id {
					c.subs = append(c.subs[:i], c.subs[i+1:]...)
					break
				}
			}
			c.mu.Unlock()
			c.cancel(id)
		})
	}), nil
}

// cancel stops a subscription. Local delivery stops at once; the request to
// the gateway is best effort.
func (c *channel) cancel(id uint32) {
	c.sess.dropMonitor(id)
	if !c.sess.alive() {
		return
	}
	go func() {
		_, _ = c.sess.request(context.Background(), &wire.Request{Operation: wire.OpCancel, SubscriptionID: id}, nil, false)
	}()
}

// Lost implements binding.Channel.
func (c *channel) Lost() <-chan struct{} { return c.lost }

// Err implements binding.Channel.
func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements binding.Channel.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	lost := c.err != nil
	c.mu.Unlock()

	for _, id := range subs {
		c.sess.dropMonitor(id)
	}
	c.sess.untrack(c)
	if lost || !c.sess.alive() {
		return nil
	}
	go func() {
		_, _ = c.sess.request(context.Background(), &wire.Request{Operation: wire.OpClose, Channel: c.name}, nil, false)
	}()
	return nil
}

func (c *channel) markLost(err error) {
	c.mu.Lock()
	if c.err != nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.err = err
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, id := range subs {
		c.sess.dropMonitor(id)
	}
	close(c.lost)
}
