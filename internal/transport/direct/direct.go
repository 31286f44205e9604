// Package direct implements a Transporter that talks SMTP to the recipient
// domain's mail exchanger.
package direct

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// defaultTimeout bounds the dial and every SMTP command.
const defaultTimeout = 30 * time.Second

// DKIMConfig enables signing of outbound messages.
type DKIMConfig struct {
	Domain   string
	Selector string
	Signer   crypto.Signer
}

// Config holds the settings for a direct Transporter.
type Config struct {
	// Timeout bounds the dial and each SMTP command. Default is 30 seconds.
	Timeout time.Duration
	// TLSConfig is the base configuration for opportunistic STARTTLS.
	// ServerName is filled in per host.
	TLSConfig *tls.Config
	// DKIM is optional.
	DKIM *DKIMConfig
}

// Transporter delivers each Delivery over a fresh SMTP connection.
type Transporter struct {
	timeout time.Duration
	tls     *tls.Config
	dkim    *DKIMConfig
}

var _ transport.Transporter = (*Transporter)(nil)

// New creates a direct Transporter.
func New(cfg Config) *Transporter {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Transporter{
		timeout: cfg.Timeout,
		tls:     cfg.TLSConfig,
		dkim:    cfg.DKIM,
	}
}

// Name returns the transporter name.
func (t *Transporter) Name() string {
	return "direct"
}

// Deliver opens one SMTP dialog with d.Host and transfers the message to all
// of d.Recipients. STARTTLS is used when the exchanger offers it.
func (t *Transporter) Deliver(ctx context.Context, d *transport.Delivery) error {
	raw, err := transport.Compose(d.Message)
	if err != nil {
		return err
	}
	if t.dkim != nil {
		if raw, err = t.sign(raw); err != nil {
			return err
		}
	}

	port := d.Port
	if port == 0 {
		port = transport.DefaultPort
	}
	addr := net.JoinHostPort(d.Host, strconv.Itoa(port))

	c, stop, err := t.dial(ctx, addr, nil)
	if err != nil {
		return err
	}
	defer func() {
		if c != nil {
			stop()
			c.Close()
		}
	}()

	if err := c.Hello(d.HeloName); err != nil {
		return fmt.Errorf("HELO to %s failed: %w", addr, err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		// the client cannot upgrade in place; reconnect and negotiate TLS
		// before the greeting
		c.Quit()
		stop()
		c.Close()

		cfg := t.tls.Clone()
		cfg.ServerName = d.Host
		if c, stop, err = t.dial(ctx, addr, cfg); err != nil {
			return err
		}
		if err := c.Hello(d.HeloName); err != nil {
			return fmt.Errorf("HELO to %s after STARTTLS failed: %w", addr, err)
		}
	} else {
		slog.Debug("exchanger does not offer STARTTLS", "host", d.Host, "domain", d.Domain)
	}

	if err := c.Mail(d.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM %s rejected by %s: %w", d.From, addr, err)
	}
	for _, rcpt := range d.Recipients {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %s rejected by %s: %w", rcpt, addr, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected by %s: %w", addr, err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message to %s: %w", addr, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected by %s: %w", addr, err)
	}

	if err := c.Quit(); err != nil {
		slog.Debug("QUIT failed after successful delivery", "host", d.Host, "error", err)
	}

	slog.Info("message delivered",
		"message_id", d.Message.ID,
		"domain", d.Domain,
		"host", d.Host,
		"recipients", len(d.Recipients),
	)
	return nil
}

// dial connects to addr and returns a client for it. With a non-nil
// tlsConfig the connection is upgraded with STARTTLS before it is returned.
// The connection is closed when ctx is done until the returned stop func
// is called.
func (t *Transporter) dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*smtp.Client, func() bool, error) {
	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	// unblock a dialog in progress when the caller gives up
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	var c *smtp.Client
	if tlsConfig != nil {
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			stop()
			conn.Close()
			return nil, nil, fmt.Errorf("STARTTLS with %s failed: %w", addr, err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = t.timeout
	c.SubmissionTimeout = t.timeout
	return c, stop, nil
}

func (t *Transporter) sign(raw []byte) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:   t.dkim.Domain,
		Selector: t.dkim.Selector,
		Signer:   t.dkim.Signer,
		HeaderKeys: []string{
			"from",
			"to",
			"cc",
			"subject",
			"date",
			"message-id",
		},
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(raw), opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signed.Bytes(), nil
}

// LoadDKIMKey reads a PEM encoded PKCS#1 RSA or PKCS#8 private key.
func LoadDKIMKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read DKIM key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid PEM data in DKIM key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DKIM key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("DKIM key of type %T cannot sign", key)
	}
	return signer, nil
}
