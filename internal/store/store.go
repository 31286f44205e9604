// Package store persists accepted inbound messages keyed by their message
// identifier. The identifier doubles as the deduplication key: a message
// that is already stored is never relayed again.
package store

import (
	"context"
	"errors"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// ErrNotFound is returned by Get when no message has the given identifier.
var ErrNotFound = errors.New("message not found")

// Store is the message store collaborator.
type Store interface {
	// Has reports whether a message with the identifier is stored.
	Has(ctx context.Context, id string) (bool, error)
	// Add stores the message, replacing any message with the same identifier.
	Add(ctx context.Context, msg *email.Message) error
	// Get returns the stored message.
	Get(ctx context.Context, id string) (*email.Message, error)
	Close() error
}

// Claimer is implemented by stores that can insert atomically.
type Claimer interface {
	// Claim stores msg unless its identifier is already present. It reports
	// whether this call stored it.
	Claim(ctx context.Context, msg *email.Message) (bool, error)
}
