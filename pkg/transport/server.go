package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ophyd-epics-devices/epicsdev/pkg/log"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Config

	// Address to listen on, e.g. ":5080". Port 0 picks a free port.
	Address string

	TLS TLSConfig

	// MaxConnections limits concurrent sessions (0 = unlimited).
	MaxConnections int

	Logger *slog.Logger
}

// AcceptFunc returns the handler for a newly accepted connection.
type AcceptFunc func(c *Conn) Handler

// Server accepts gateway sessions.
type Server struct {
	config   ServerConfig
	accept   AcceptFunc
	listener net.Listener
	slog     *slog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server. Start opens the listener.
func NewServer(config ServerConfig, accept AcceptFunc) *Server {
	lg := config.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Server{config: config, accept: accept, slog: lg, conns: make(map[*Conn]struct{})}
}

// Start opens the listener and begins accepting in the background.
func (s *Server) Start(ctx context.Context) error {
	var ln net.Listener
	var err error
	if s.config.TLS.Enabled() {
		tlsConf, terr := NewServerTLSConfig(s.config.TLS)
		if terr != nil {
			return terr
		}
		ln, err = tls.Listen("tcp", s.config.Address, tlsConf)
	} else {
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", s.config.Address)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

// Addr returns the listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of open sessions.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop closes the listener and every open session.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.slog.Warn("accept failed", "error", err)
			}
			return
		}

		if s.config.MaxConnections > 0 && s.ConnectionCount() >= s.config.MaxConnections {
			s.slog.Warn("connection limit reached", "remote", nc.RemoteAddr())
			nc.Close()
			continue
		}

		go s.serve(nc)
	}
}

func (s *Server) serve(nc net.Conn) {
	if tc, ok := nc.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			s.slog.Warn("TLS handshake failed", "remote", nc.RemoteAddr(), "error", err)
			nc.Close()
			return
		}
	}

	cfg := s.config.Config
	cfg.Role = log.RoleGateway
	c := NewConn(nc, cfg)
	s.track(c)
	c.Start(&trackedHandler{Handler: s.accept(c), release: func() { s.untrack(c) }})
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

type trackedHandler struct {
	Handler
	release func()
}

func (h *trackedHandler) OnClose(err error) {
	h.release()
	h.Handler.OnClose(err)
}
