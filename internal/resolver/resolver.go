// Package resolver looks up mail exchangers with github.com/miekg/dns.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

var (
	// ErrNotFound is returned for NXDOMAIN or when no MX records exist.
	ErrNotFound = errors.New("dns: no such host or record")
	// ErrServFail is returned when every nameserver answered SERVFAIL.
	ErrServFail = errors.New("dns: server failure")
	// ErrRefused is returned when every nameserver refused the query.
	ErrRefused = errors.New("dns: query refused")
)

// Config contains configuration for the DNS resolver.
type Config struct {
	// Nameservers is a list of DNS servers to query (e.g. "8.8.8.8:53").
	// If empty, servers from /etc/resolv.conf are used, falling back to
	// public DNS.
	Nameservers []string
	// Timeout is the timeout for individual queries. Default is 5 seconds.
	Timeout time.Duration
	// Retries is the number of extra rounds over the nameservers. Default is 2.
	Retries int
}

// DNS resolves MX records by querying nameservers directly.
type DNS struct {
	cfg    Config
	client *mdns.Client
}

// New creates a resolver, filling in defaults for unset fields.
func New(cfg Config) *DNS {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	servers := cfg.Nameservers
	if len(servers) == 0 {
		servers = systemNameservers("/etc/resolv.conf")
	}
	cfg.Nameservers = make([]string, 0, len(servers))
	for _, s := range servers {
		cfg.Nameservers = append(cfg.Nameservers, withPort(s))
	}

	return &DNS{
		cfg:    cfg,
		client: &mdns.Client{Timeout: cfg.Timeout},
	}
}

// Nameservers returns the servers queried, in order.
func (r *DNS) Nameservers() []string {
	return append([]string(nil), r.cfg.Nameservers...)
}

func systemNameservers(path string) []string {
	conf, err := mdns.ClientConfigFromFile(path)
	if err != nil || len(conf.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}

	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

func withPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}

// LookupMX returns the MX records of domain in the order the server
// answered. Hosts are returned without the trailing root dot.
func (r *DNS) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	resp, err := r.query(ctx, domain, mdns.TypeMX)
	if err != nil {
		return nil, fmt.Errorf("failed to look up MX for %q: %w", domain, err)
	}

	var records []*net.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			records = append(records, &net.MX{
				Host: strings.TrimSuffix(mx.Mx, "."),
				Pref: mx.Preference,
			})
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("failed to look up MX for %q: %w", domain, ErrNotFound)
	}
	return records, nil
}

func (r *DNS) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for i := 0; i <= r.cfg.Retries; i++ {
		for _, server := range r.cfg.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = err
				continue
			}

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, nil
			case mdns.RcodeNameError:
				return nil, ErrNotFound
			case mdns.RcodeServerFailure:
				lastErr = ErrServFail
			case mdns.RcodeRefused:
				lastErr = ErrRefused
			default:
				lastErr = fmt.Errorf("dns: unexpected rcode %s", mdns.RcodeToString[resp.Rcode])
			}
		}
	}

	if lastErr == nil {
		lastErr = ErrServFail
	}
	return nil, lastErr
}
