package policy

import "errors"

// ErrAuthentication is returned for any credential mismatch. It does not
// say whether the user exists.
var ErrAuthentication = errors.New("Invalid username or password; please try again.")

// Reason classifies a policy rejection.
type Reason int

const (
	ReasonBannedSender Reason = iota + 1
	ReasonBannedRecipient
	ReasonUnknownRecipient
	ReasonAuthRequired
	ReasonInvalidFrom
)

var reasonMessages = map[Reason]string{
	ReasonBannedSender:     "Banned sender.",
	ReasonBannedRecipient:  "Banned recipient.",
	ReasonUnknownRecipient: "Recipient does not exist.",
	ReasonAuthRequired:     "Authentication required to send emails.",
	ReasonInvalidFrom:      "Invalid from.",
}

// Rejection is a non-fatal refusal of a command or message by policy.
type Rejection struct {
	Reason  Reason
	Address string
}

func (r *Rejection) Error() string {
	return reasonMessages[r.Reason]
}

// Reject returns a Rejection for reason and the offending address.
func Reject(reason Reason, address string) *Rejection {
	return &Rejection{Reason: reason, Address: address}
}

// IsRejection reports whether err is a Rejection with the given reason.
func IsRejection(err error, reason Reason) bool {
	var r *Rejection
	return errors.As(err, &r) && r.Reason == reason
}
