package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/parser"
	"github.com/shineum/smtp-relay-lite/internal/policy"
)

// Acceptor takes ownership of a fully received message.
type Acceptor interface {
	Accept(ctx context.Context, s *policy.Session, msg *email.Message) error
}

// backend adapts the policy hooks and the acceptor to go-smtp.
type backend struct {
	ctx      context.Context
	policy   policy.Policy
	acceptor Acceptor
	auth     *authenticator
}

func newBackend(ctx context.Context, p policy.Policy, a Acceptor) *backend {
	return &backend{
		ctx:      ctx,
		policy:   p,
		acceptor: a,
		auth:     &authenticator{policy: p},
	}
}

// NewSession is called by go-smtp when a client greets with HELO or EHLO.
func (b *backend) NewSession(c *gosmtp.Conn) (_ gosmtp.Session, err error) {
	ps := &policy.Session{
		ID:       uuid.NewString(),
		Hostname: c.Hostname(),
	}
	if nc := c.Conn(); nc != nil {
		ps.RemoteAddr = nc.RemoteAddr().String()
	}
	_, ps.Secure = c.TLSConnectionState()

	s := &Session{
		ctx:     b.ctx,
		conn:    c,
		backend: b,
		ps:      ps,
		logger: slog.With(
			"session_id", ps.ID,
			"remote_addr", ps.RemoteAddr,
		),
	}
	defer s.guard("connect", &err)

	if d := b.policy.OnConnect(b.ctx, ps); !d.Accepted() {
		return nil, toSMTPError(d.Err)
	}

	s.logger.Debug("session started", "helo", ps.Hostname, "secure", ps.Secure)
	return s, nil
}

// Session is one SMTP conversation. go-smtp calls its methods from a single
// goroutine per connection.
type Session struct {
	ctx     context.Context
	conn    *gosmtp.Conn
	backend *backend
	ps      *policy.Session
	logger  *slog.Logger

	from       string
	recipients []string
}

var (
	_ gosmtp.Session     = (*Session)(nil)
	_ gosmtp.AuthSession = (*Session)(nil)
)

// refresh updates connection facts that can change mid-session.
func (s *Session) refresh() {
	_, s.ps.Secure = s.conn.TLSConnectionState()
}

// guard turns a panic in a hook into a temporary failure reply.
func (s *Session) guard(op string, err *error) {
	if r := recover(); r != nil {
		s.logger.Error("panic in session hook",
			"op", op,
			"panic", r,
			"stack", string(debug.Stack()),
		)
		*err = errTemporary
	}
}

func (s *Session) AuthMechanisms() []string {
	return s.backend.auth.mechanisms()
}

func (s *Session) Auth(mech string) (_ sasl.Server, err error) {
	defer s.guard("auth", &err)
	s.refresh()
	return s.backend.auth.server(s.ctx, s.ps, mech)
}

func (s *Session) Mail(from string, _ *gosmtp.MailOptions) (err error) {
	defer s.guard("mail", &err)
	s.refresh()

	if d := s.backend.policy.OnSender(s.ctx, s.ps, from); !d.Accepted() {
		return toSMTPError(d.Err)
	}
	s.from = from
	return nil
}

func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) (err error) {
	defer s.guard("rcpt", &err)

	if d := s.backend.policy.OnRecipient(s.ctx, s.ps, to); !d.Accepted() {
		return toSMTPError(d.Err)
	}
	s.recipients = append(s.recipients, to)
	return nil
}

func (s *Session) Data(r io.Reader) (err error) {
	defer s.guard("data", &err)

	msg, err := parser.Parse(r)
	if err != nil {
		// go-smtp reports size limits hit while reading
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		s.logger.Warn("failed to parse message", "error", err)
		return errMalformed
	}

	s.logger.Info("message received",
		"message_id", msg.ID,
		"envelope_from", s.from,
		"envelope_recipients", len(s.recipients),
		"attachments", len(msg.Attachments),
	)

	if err := s.backend.acceptor.Accept(s.ctx, s.ps, msg); err != nil {
		s.logger.Info("message not accepted", "message_id", msg.ID, "error", err)
		return toSMTPError(err)
	}
	return nil
}

func (s *Session) Reset() {
	s.from = ""
	s.recipients = nil
}

func (s *Session) Logout() error {
	s.logger.Debug("session ended", "user", s.ps.Username)
	return nil
}
