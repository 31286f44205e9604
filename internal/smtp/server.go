// Package smtp runs the SMTP listener. Protocol handling is done by
// github.com/emersion/go-smtp; this package feeds its commands to the policy
// hooks and hands received messages to the inbound coordinator.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-relay-lite/internal/policy"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

const (
	defaultMaxMessageBytes = 25 * 1024 * 1024
	defaultMaxRecipients   = 100
	defaultTimeout         = 60 * time.Second
)

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// TLSConfig is the TLS configuration for STARTTLS support.
	// If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	MaxMessageBytes int64
	MaxRecipients   int
	// ReadTimeout and WriteTimeout bound each network operation.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Policy   policy.Policy
	Acceptor Acceptor
}

// Server is an SMTP server that consults a Policy for every command and
// passes received messages to an Acceptor.
type Server struct {
	config ServerConfig

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxRecipients == 0 {
		cfg.MaxRecipients = defaultMaxRecipients
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultTimeout
	}

	return &Server{config: cfg}
}

// ListenAndServe starts the SMTP server and blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled. On
// cancellation it stops accepting new connections and waits up to 30 seconds
// for in-flight sessions to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	// sessions outlive the listener context so that in-flight relays finish
	be := newBackend(context.WithoutCancel(ctx), s.config.Policy, s.config.Acceptor)

	srv := gosmtp.NewServer(be)
	srv.Domain = s.config.Hostname
	srv.TLSConfig = s.config.TLSConfig
	srv.MaxMessageBytes = s.config.MaxMessageBytes
	srv.MaxRecipients = s.config.MaxRecipients
	srv.ReadTimeout = s.config.ReadTimeout
	srv.WriteTimeout = s.config.WriteTimeout
	// TLS for AUTH is enforced (softly) by the policy, not by go-smtp
	srv.AllowInsecureAuth = true
	srv.ErrorLog = slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn)

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"hostname", s.config.Hostname,
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_bytes", s.config.MaxMessageBytes,
	)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		slog.Info("shutting down SMTP server")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("shutdown timeout reached, forcing close", "error", err)
			srv.Close()
			return
		}
		slog.Info("all sessions completed")
	}()

	err := srv.Serve(ln)
	if errors.Is(err, gosmtp.ErrServerClosed) {
		<-shutdownDone
		return nil
	}
	return err
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
