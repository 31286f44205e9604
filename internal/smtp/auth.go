package smtp

import (
	"context"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-relay-lite/internal/policy"
)

// authenticator bridges SASL PLAIN to the policy authentication hook.
type authenticator struct {
	policy policy.Policy
}

// mechanisms lists the SASL mechanisms advertised in EHLO.
func (a *authenticator) mechanisms() []string {
	return []string{sasl.Plain}
}

// server returns a SASL server for mech that binds the session user on
// success. Only PLAIN is supported.
func (a *authenticator) server(ctx context.Context, s *policy.Session, mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnsupported
	}

	return sasl.NewPlainServer(func(identity, username, password string) error {
		// authorizing as someone else is not supported
		if identity != "" && identity != username {
			return toSMTPError(policy.ErrAuthentication)
		}
		d := a.policy.OnAuthenticate(ctx, s, username, password)
		return toSMTPError(d.Err)
	}), nil
}
