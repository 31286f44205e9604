// Package inbound decides what happens to a fully received message: reject
// it, absorb it as a duplicate, or persist and relay it.
package inbound

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shineum/smtp-relay-lite/internal/directory"
	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/policy"
	"github.com/shineum/smtp-relay-lite/internal/store"
)

// Relayer forwards a message to its recipients.
type Relayer interface {
	Relay(ctx context.Context, msg *email.Message) error
}

// Coordinator runs the acceptance steps for each inbound message.
type Coordinator struct {
	dir       *directory.Holder
	store     store.Store
	relay     Relayer
	localHost string
}

// New creates a Coordinator. localHost is the domain that authenticated
// users send from.
func New(dir *directory.Holder, s store.Store, r Relayer, localHost string) *Coordinator {
	return &Coordinator{
		dir:       dir,
		store:     s,
		relay:     r,
		localHost: localHost,
	}
}

// Accept checks, in order: an authenticated session, a sender that is not
// banned, and a message identifier not seen before. A message that was seen
// before is absorbed with a nil error. New messages are persisted, and only
// then is the From address checked against the session user before relay.
func (c *Coordinator) Accept(ctx context.Context, s *policy.Session, msg *email.Message) error {
	logger := slog.With(
		"session_id", s.ID,
		"message_id", msg.ID,
	)

	if !s.Authenticated() {
		logger.Info("message rejected", "reason", "unauthenticated")
		return policy.Reject(policy.ReasonAuthRequired, "")
	}

	from := msg.From.Address
	if c.dir.Load().IsBanned(from) {
		logger.Info("message rejected", "reason", "banned sender", "from", from)
		return policy.Reject(policy.ReasonBannedSender, from)
	}

	fresh, err := c.claim(ctx, msg)
	if err != nil {
		return err
	}
	if !fresh {
		c.absorb(ctx, logger, msg)
		return nil
	}

	if want := s.Username + "@" + c.localHost; from != want {
		logger.Info("message rejected", "reason", "invalid from", "from", from, "user", s.Username)
		return policy.Reject(policy.ReasonInvalidFrom, from)
	}

	if err := c.relay.Relay(ctx, msg); err != nil {
		return err
	}

	logger.Info("message relayed", "recipients", len(msg.To))
	return nil
}

// absorb logs a resubmitted message next to the sender of the stored copy.
// A failed lookup is logged and otherwise ignored.
func (c *Coordinator) absorb(ctx context.Context, logger *slog.Logger, msg *email.Message) {
	first, err := c.store.Get(ctx, msg.ID)
	if err != nil {
		logger.Warn("failed to load stored copy of duplicate", "error", err)
		logger.Info("duplicate message absorbed", "from", msg.From.Address)
		return
	}
	logger.Info("duplicate message absorbed",
		"from", msg.From.Address,
		"original_from", first.From.Address,
	)
}

// claim persists msg unless its identifier is already stored. It reports
// whether msg is new.
func (c *Coordinator) claim(ctx context.Context, msg *email.Message) (bool, error) {
	if cl, ok := c.store.(store.Claimer); ok {
		fresh, err := cl.Claim(ctx, msg)
		if err != nil {
			return false, fmt.Errorf("failed to persist message: %w", err)
		}
		return fresh, nil
	}

	seen, err := c.store.Has(ctx, msg.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check message store: %w", err)
	}
	if seen {
		return false, nil
	}
	if err := c.store.Add(ctx, msg); err != nil {
		return false, fmt.Errorf("failed to persist message: %w", err)
	}
	return true, nil
}
