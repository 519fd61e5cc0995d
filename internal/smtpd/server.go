package smtpd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// defaultIdleTimeout is how long a connection may stay silent before the
// server answers 421 and hangs up.
const defaultIdleTimeout = 60 * time.Second

// defaultMaxMessageSize is the default SIZE limit (10 MB).
const defaultMaxMessageSize = 10 * 1024 * 1024

// Envelope is one message accepted by the server.
type Envelope struct {
	ID         string // queue id reported in the 250 reply
	RemoteAddr string
	Hostname   string // EHLO/HELO argument
	User       string // authenticated user, empty without AUTH
	TLS        bool
	From       string
	To         []string
	Data       []byte
}

// Handler receives every accepted message. A returned *Reply is sent to the
// client as is; any other error is answered with 451.
type Handler func(ctx context.Context, env *Envelope) error

// Reply is an SMTP reply that can be returned from hooks as an error.
type Reply struct {
	Code    int
	Message string
}

func (r *Reply) Error() string {
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// ServerConfig holds the configuration for a Server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO.
	Hostname string

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// AuthMechanisms limits the advertised mechanisms. Defaults to PLAIN
	// and LOGIN.
	AuthMechanisms []string

	// MaxMessageSize is advertised with SIZE and enforced on DATA.
	// Zero means the default; negative disables the extension.
	MaxMessageSize int64

	// IdleTimeout closes silent connections with 421.
	IdleTimeout time.Duration

	// Handler receives accepted messages. If nil, messages are discarded.
	Handler Handler

	// RecipientFilter may refuse a RCPT TO address by returning a Reply.
	RecipientFilter func(addr string) *Reply

	// OnCommand observes every command line read from a client.
	OnCommand func(line string)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is an SMTP server that accepts connections and hands each received
// message to the configured Handler.
type Server struct {
	config   ServerConfig
	auth     *Authenticator
	logger   *slog.Logger
	accepted atomic.Int64

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword, cfg.AuthMechanisms...),
		logger: logger,
	}
}

// ListenAndServe listens on ListenAddr and serves until the context is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until the context is cancelled.
// On cancellation it stops accepting new connections and waits up to 30
// seconds for in-flight sessions to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("SMTP sink listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_size", s.config.MaxMessageSize,
	)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down SMTP sink")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		s.accepted.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(conn, s).handle(ctx)
		}()
	}
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.logger.Warn("shutdown timeout reached, forcing close")
	}
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
