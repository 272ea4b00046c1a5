package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/smtp-relay/internal/parser"
)

// defaultShutdownTimeout is how long sessions may run after shutdown starts
// before their connections are closed.
const defaultShutdownTimeout = 30 * time.Second

// ServerConfig holds the listener settings.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is used in the greeting and EHLO reply.
	Hostname string

	MaxMessageSize int64
	MaxRecipients  int

	// Auth holds the credential set and whether AUTH is required. Nil
	// disables authentication.
	Auth *Authenticator

	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Server accepts SMTP connections and runs one Session per connection.
type Server struct {
	config  ServerConfig
	queue   Enqueuer
	decoder *parser.Decoder
	metrics Metrics
	log     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server that hands finished messages to q. metrics may be nil.
func New(cfg ServerConfig, q Enqueuer, metrics Metrics, log *slog.Logger) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator(false, nil)
	}
	if metrics == nil {
		metrics = noMetrics{}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		config:  cfg,
		queue:   q,
		decoder: parser.New(log),
		metrics: metrics,
		log:     log,
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled. A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It then stops
// accepting, waits up to the shutdown timeout for sessions to end and closes
// whatever is left. Serve closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_required", s.config.Auth.Required(),
		"max_message_size", s.config.MaxMessageSize,
	)

	stop := context.AfterFunc(ctx, func() {
		s.log.Info("shutting down SMTP server")
		ln.Close()
	})
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.shutdown()
				return err
			}

			s.metrics.Connection("error")
			backoff = nextBackoff(backoff)
			s.log.Error("accept error", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		s.metrics.Connection("ok")
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.newSession(conn).Handle(ctx)
		}()
	}
}

func (s *Server) newSession(conn net.Conn) *Session {
	remoteIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}

	settings := Settings{
		Hostname:       s.config.Hostname,
		MaxMessageSize: s.config.MaxMessageSize,
		MaxRecipients:  s.config.MaxRecipients,
		Auth:           s.config.Auth,
	}
	m := NewMachine(settings, s.decoder, s.queue, s.metrics, remoteIP, s.log)
	return NewSession(conn, m, s.config.ReadTimeout, s.log)
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(2*d, time.Second)
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// shutdown waits for sessions to finish, closing remaining connections once
// the shutdown timeout expires.
func (s *Server) shutdown() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all sessions completed")
		return
	case <-time.After(s.config.ShutdownTimeout):
	}

	s.mu.Lock()
	n := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.log.Warn("shutdown timeout reached, closed remaining connections", "count", n)

	<-done
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
