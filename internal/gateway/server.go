package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hearthcloud/bridge/internal/events"
	"github.com/hearthcloud/bridge/internal/monitoring"
	"github.com/hearthcloud/bridge/internal/protocol"
)

// Config configures the gateway listener and every connection it accepts.
type Config struct {
	Logger   *slog.Logger
	Registry Registry
	Catalog  Catalog

	// Events receives session telemetry; nil means none.
	Events events.Emitter

	// Clock drives the auth deadline. Tests inject a fake; nil means real.
	Clock clockwork.Clock

	// Listen is the TCP address to bind, e.g. ":8442".
	Listen string

	// AuthTimeout is the connect-to-authenticated deadline.
	AuthTimeout time.Duration

	// MaxBufferBytes caps per-connection undecoded buffering.
	MaxBufferBytes int

	// SendQueueSize bounds the per-connection writer queue.
	SendQueueSize int
}

// Validate checks and defaults the configuration.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.Catalog == nil {
		return errors.New("catalog is required")
	}
	if c.Events == nil {
		c.Events = events.NoopEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = protocol.DefaultMaxBuffer
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	return nil
}

// Server accepts gateway TCP sessions and owns their lifecycle.
type Server struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[*Conn]struct{}
	done  bool

	wg sync.WaitGroup
}

// NewServer creates a server; Start (or Serve) begins accepting.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}
	return &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		conns: make(map[*Conn]struct{}),
	}, nil
}

// Start binds the configured address and accepts in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.log.Info("gateway listener up", "addr", ln.Addr().String())
	go s.Serve(ln)
	return nil
}

// Serve accepts connections on ln until the listener closes. Exposed so
// tests can pass a listener bound to 127.0.0.1:0.
func (s *Server) Serve(ln net.Listener) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		ln.Close()
		return
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("gateway accept failed", "error", err)
			}
			return
		}
		s.track(raw)
	}
}

func (s *Server) track(raw net.Conn) {
	conn := newConn(raw, s.cfg)

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		raw.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	monitoring.GatewayAccepted.Inc()
	monitoring.GatewayConnections.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			monitoring.GatewayConnections.Dec()
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
		conn.run()
	}()
}

// Addr returns the bound listener address; nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ConnCount reports the number of live sessions.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, closes every live session, and waits for their
// goroutines, or until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.done = true
	ln := s.ln
	open := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		open = append(open, conn)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, conn := range open {
		conn.Close(ReasonShutdown)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown: %w", ctx.Err())
	}
}
