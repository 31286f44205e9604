// Package transport defines the interface for outbound delivery backends and
// the message composer they share.
package transport

import (
	"context"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// DefaultPort is the SMTP port used to reach mail exchangers.
const DefaultPort = 25

// Delivery is one outbound transfer: one message to the recipients of one
// domain through one host.
type Delivery struct {
	// Domain is the recipient domain the delivery serves.
	Domain string
	// Host is the mail exchanger to contact.
	Host string
	Port int
	// HeloName is the name this relay announces in EHLO/HELO.
	HeloName string
	// From is the envelope sender.
	From string
	// Recipients is the envelope recipient list.
	Recipients []string
	Message    *email.Message
}

// Transporter is the interface that delivery backends must implement.
// A Transporter must be safe for concurrent use; the relay engine calls
// Deliver from one goroutine per recipient domain.
type Transporter interface {
	// Deliver transfers the message in one dialog. It returns an error if
	// the transfer fails; there is no retry.
	Deliver(ctx context.Context, d *Delivery) error

	// Name returns the human-readable name of this transporter.
	Name() string
}
