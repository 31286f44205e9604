// Package relay forwards accepted messages to the mail exchangers of their
// recipient domains.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// ErrNoExchanger is returned when a domain resolves to no usable MX record.
var ErrNoExchanger = errors.New("no mail exchanger for domain")

// Resolver looks up mail exchangers.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

// Group is the set of recipients of one message that share a domain.
type Group struct {
	Domain     string
	Recipients []string
	// Exchanges is sorted by ascending preference, stable for ties.
	Exchanges []*net.MX
}

// Host returns the most preferred exchanger, or "" if none is known.
func (g *Group) Host() string {
	if len(g.Exchanges) == 0 {
		return ""
	}
	return g.Exchanges[0].Host
}

// RelayError reports the failure of one domain's delivery.
type RelayError struct {
	Domain string
	Host   string
	Err    error
}

func (e *RelayError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("relay to %s failed: %v", e.Domain, e.Err)
	}
	return fmt.Sprintf("relay to %s via %s failed: %v", e.Domain, e.Host, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Config holds the settings for an Engine.
type Config struct {
	// LocalHost is announced in HELO.
	LocalHost string
	// Port is the exchanger port. Default is 25.
	Port int
}

// Engine groups recipients by domain and delivers to each domain in
// parallel.
type Engine struct {
	resolver    Resolver
	transporter transport.Transporter
	localHost   string
	port        int
}

// New creates a relay Engine.
func New(resolver Resolver, transporter transport.Transporter, cfg Config) *Engine {
	if cfg.Port == 0 {
		cfg.Port = transport.DefaultPort
	}
	return &Engine{
		resolver:    resolver,
		transporter: transporter,
		localHost:   cfg.LocalHost,
		port:        cfg.Port,
	}
}

// GroupByDomain partitions recipients by the domain after their last '@'.
// Groups appear in the order their domain first appears, and recipients keep
// their relative order within a group.
func GroupByDomain(recipients []string) []*Group {
	var groups []*Group
	index := make(map[string]*Group)
	for _, rcpt := range recipients {
		domain := email.Domain(rcpt)
		g, ok := index[domain]
		if !ok {
			g = &Group{Domain: domain}
			index[domain] = g
			groups = append(groups, g)
		}
		g.Recipients = append(g.Recipients, rcpt)
	}
	return groups
}

// sortExchanges orders records by ascending preference, keeping the answer
// order for equal preferences.
func sortExchanges(records []*net.MX) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})
}

// Relay delivers msg to every recipient in msg.To. Each domain is resolved
// once and delivered to in its own goroutine. A failing domain does not stop
// the others; Relay returns the first failure as a *RelayError after all
// have finished.
func (e *Engine) Relay(ctx context.Context, msg *email.Message) error {
	groups := GroupByDomain(msg.Recipients())

	logger := slog.With("message_id", msg.ID)
	logger.Info("relaying message",
		"recipients", len(msg.To),
		"domains", len(groups),
		"transport", e.transporter.Name(),
	)

	// errgroup.Group without a context: siblings are not canceled
	var g errgroup.Group
	for _, grp := range groups {
		g.Go(func() error {
			if err := e.deliver(ctx, msg, grp); err != nil {
				logger.Error("relay failed",
					"domain", grp.Domain,
					"host", grp.Host(),
					"error", err,
				)
				return &RelayError{Domain: grp.Domain, Host: grp.Host(), Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) deliver(ctx context.Context, msg *email.Message, grp *Group) error {
	records, err := e.resolver.LookupMX(ctx, grp.Domain)
	if err != nil {
		return err
	}
	records = usable(records)
	if len(records) == 0 {
		return ErrNoExchanger
	}
	sortExchanges(records)
	grp.Exchanges = records

	return e.transporter.Deliver(ctx, &transport.Delivery{
		Domain:     grp.Domain,
		Host:       grp.Host(),
		Port:       e.port,
		HeloName:   e.localHost,
		From:       msg.From.Address,
		Recipients: grp.Recipients,
		Message:    msg,
	})
}

// usable drops null MX records ("." per RFC 7505) and normalizes host names.
func usable(records []*net.MX) []*net.MX {
	out := make([]*net.MX, 0, len(records))
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			continue
		}
		out = append(out, &net.MX{Host: host, Pref: mx.Pref})
	}
	return out
}
