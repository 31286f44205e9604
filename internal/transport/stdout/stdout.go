// Package stdout implements a Transporter that prints deliveries to standard
// output instead of sending them. It is the dry-run backend.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/docker/go-units"

	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// Transporter prints deliveries in a human-readable format.
type Transporter struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

var _ transport.Transporter = (*Transporter)(nil)

// New creates a new stdout Transporter that writes to os.Stdout.
func New() *Transporter {
	return &Transporter{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Transporter that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Transporter {
	return &Transporter{writer: w}
}

// Deliver prints the delivery. Deliveries running in parallel are printed
// whole, one after another.
func (t *Transporter) Deliver(_ context.Context, d *transport.Delivery) error {
	msg := d.Message

	var b strings.Builder
	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Relay: %s via %s:%d (helo %s)\n", d.Domain, d.Host, d.Port, d.HeloName)
	fmt.Fprintf(&b, "Envelope: %s -> %s\n", d.From, strings.Join(d.Recipients, ", "))
	fmt.Fprintf(&b, "Message-ID: %s\n", msg.ID)
	for _, h := range msg.Headers {
		fmt.Fprintf(&b, "%s: %s\n", h.Key, h.Value)
	}
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString("========================================\n")

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := io.WriteString(t.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write delivery: %w", err)
	}
	return nil
}

// Name returns the transporter name.
func (t *Transporter) Name() string {
	return "stdout"
}

func formatSize(n int) string {
	return units.BytesSize(float64(n))
}
