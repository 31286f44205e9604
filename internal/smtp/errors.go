package smtp

import (
	"errors"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-relay-lite/internal/policy"
	"github.com/shineum/smtp-relay-lite/internal/relay"
)

var (
	errTemporary = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Requested action aborted: local error in processing",
	}
	errMalformed = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Malformed message",
	}
)

// toSMTPError maps a policy, relay or protocol error to the reply sent to
// the client. Unknown errors become a generic temporary failure so that
// internals are not echoed on the wire.
func toSMTPError(err error) error {
	if err == nil {
		return nil
	}

	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr
	}

	if errors.Is(err, policy.ErrAuthentication) {
		return &gosmtp.SMTPError{
			Code:         535,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
			Message:      policy.ErrAuthentication.Error(),
		}
	}

	var rej *policy.Rejection
	if errors.As(err, &rej) {
		switch rej.Reason {
		case policy.ReasonUnknownRecipient:
			return &gosmtp.SMTPError{
				Code:         550,
				EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
				Message:      rej.Error(),
			}
		case policy.ReasonAuthRequired:
			return &gosmtp.SMTPError{
				Code:         530,
				EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
				Message:      rej.Error(),
			}
		default:
			return &gosmtp.SMTPError{
				Code:         550,
				EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
				Message:      rej.Error(),
			}
		}
	}

	var relayErr *relay.RelayError
	if errors.As(err, &relayErr) {
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 4, 0},
			Message:      "Relay to " + relayErr.Domain + " failed",
		}
	}

	return errTemporary
}
