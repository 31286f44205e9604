// Package policy implements the per-session decision hooks consulted by the
// SMTP protocol engine: connect, authenticate, sender and recipient.
package policy

import (
	"context"
	"log/slog"

	"github.com/shineum/smtp-relay-lite/internal/directory"
	"github.com/shineum/smtp-relay-lite/internal/email"
)

// Session is the ephemeral per-connection state seen by the hooks.
type Session struct {
	ID         string
	RemoteAddr string
	Hostname   string
	Secure     bool

	// Username is set once OnAuthenticate accepts.
	Username string
}

// Authenticated reports whether the session has a bound user.
func (s *Session) Authenticated() bool {
	return s.Username != ""
}

// Decision is the result of a hook: accepted when Err is nil.
type Decision struct {
	Err error
}

// Accepted reports whether the decision accepts the command.
func (d Decision) Accepted() bool {
	return d.Err == nil
}

var accept = Decision{}

// Policy is the set of decision hooks, one per lifecycle event. The protocol
// engine owns invocation timing and concurrency.
type Policy interface {
	OnConnect(ctx context.Context, s *Session) Decision
	OnAuthenticate(ctx context.Context, s *Session, username, password string) Decision
	OnSender(ctx context.Context, s *Session, address string) Decision
	OnRecipient(ctx context.Context, s *Session, address string) Decision
}

// Config holds the settings for an Engine.
type Config struct {
	// LocalHost is the domain this server claims.
	LocalHost string

	// RequireTLS logs authentication over a non-secure channel as a
	// violation. It does not reject the attempt.
	RequireTLS bool
}

// Engine is the directory-backed Policy.
type Engine struct {
	dir *directory.Holder
	cfg Config
}

var _ Policy = (*Engine)(nil)

// NewEngine creates an Engine reading the directory through dir.
func NewEngine(dir *directory.Holder, cfg Config) *Engine {
	return &Engine{dir: dir, cfg: cfg}
}

// OnConnect accepts every connection.
func (e *Engine) OnConnect(_ context.Context, s *Session) Decision {
	slog.Debug("connection accepted",
		"session_id", s.ID,
		"remote_addr", s.RemoteAddr,
	)
	return accept
}

// OnAuthenticate binds the session to the user on a credential match.
func (e *Engine) OnAuthenticate(_ context.Context, s *Session, username, password string) Decision {
	if e.cfg.RequireTLS && !s.Secure {
		slog.Warn("non-fatal: authentication attempted in violation of tls requirement",
			"session_id", s.ID,
			"remote_addr", s.RemoteAddr,
		)
	}

	u, ok := e.dir.Load().Lookup(username, password)
	if !ok {
		slog.Warn("non-fatal: invalid login",
			"session_id", s.ID,
			"username", username,
		)
		return Decision{Err: ErrAuthentication}
	}

	s.Username = u.Username
	slog.Info("authenticated",
		"session_id", s.ID,
		"username", u.Username,
	)
	return accept
}

// OnSender rejects banned senders.
func (e *Engine) OnSender(_ context.Context, s *Session, address string) Decision {
	if e.dir.Load().IsBanned(address) {
		slog.Info("sender rejected", "session_id", s.ID, "from", address)
		return Decision{Err: Reject(ReasonBannedSender, address)}
	}
	return accept
}

// OnRecipient accepts local recipients that exist in the directory and
// remote recipients that are not banned.
func (e *Engine) OnRecipient(_ context.Context, s *Session, address string) Decision {
	dir := e.dir.Load()

	if email.Domain(address) == e.cfg.LocalHost {
		if !dir.Exists(email.LocalPart(address)) {
			slog.Info("recipient rejected", "session_id", s.ID, "to", address, "reason", "unknown")
			return Decision{Err: Reject(ReasonUnknownRecipient, address)}
		}
		return accept
	}

	if dir.IsBanned(address) {
		slog.Info("recipient rejected", "session_id", s.ID, "to", address, "reason", "banned")
		return Decision{Err: Reject(ReasonBannedRecipient, address)}
	}
	return accept
}
