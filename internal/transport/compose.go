package transport

import (
	"bytes"
	"fmt"
	"strings"

	gomessage "github.com/emersion/go-message/mail"
	"github.com/wneessen/go-mail"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// knownHeaders maps lower-cased keys to the spelling go-mail uses, so that a
// relayed header replaces the composer's own instead of duplicating it.
var knownHeaders = map[string]mail.Header{
	"date":        mail.HeaderDate,
	"message-id":  mail.HeaderMessageID,
	"subject":     mail.HeaderSubject,
	"in-reply-to": mail.HeaderInReplyTo,
	"references":  mail.HeaderReferences,
	"user-agent":  mail.HeaderUserAgent,
	"x-mailer":    mail.HeaderXMailer,
}

var addrHeaders = map[string]mail.AddrHeader{
	"from":     mail.HeaderFrom,
	"to":       mail.HeaderTo,
	"cc":       mail.HeaderCc,
	"reply-to": mail.HeaderReplyTo,
}

// Compose renders msg as an RFC 5322 byte stream: the flattened headers,
// the text and HTML bodies as alternatives, and the attachments.
//
// Bcc is never rendered. Envelope recipients are chosen by the caller, not
// taken from the rendered headers.
func Compose(msg *email.Message) ([]byte, error) {
	m := mail.NewMsg(mail.WithNoDefaultUserAgent())

	var order []mail.Header
	values := make(map[mail.Header][]string)
	for _, h := range email.FlattenHeaders(msg.Headers) {
		k := strings.ToLower(h.Key)
		if k == "bcc" {
			continue
		}
		if ah, ok := addrHeaders[k]; ok {
			m.SetAddrHeaderIgnoreInvalid(ah, splitAddresses(h.Value)...)
			continue
		}

		hk, ok := knownHeaders[k]
		if !ok {
			hk = mail.Header(h.Key)
		}
		if _, seen := values[hk]; !seen {
			order = append(order, hk)
		}
		values[hk] = append(values[hk], h.Value)
	}
	for _, hk := range order {
		m.SetGenHeader(hk, values[hk]...)
	}

	// a message without a From header still carries its envelope sender
	if msg.Header("From") == "" && msg.From.Address != "" {
		m.SetAddrHeaderIgnoreInvalid(mail.HeaderFrom, msg.From.String())
	}

	switch {
	case msg.TextBody != "" && msg.HtmlBody != "":
		m.SetBodyString(mail.TypeTextPlain, msg.TextBody)
		m.AddAlternativeString(mail.TypeTextHTML, msg.HtmlBody)
	case msg.HtmlBody != "":
		m.SetBodyString(mail.TypeTextHTML, msg.HtmlBody)
	default:
		m.SetBodyString(mail.TypeTextPlain, msg.TextBody)
	}

	for _, att := range msg.Attachments {
		var opts []mail.FileOption
		if att.ContentType != "" {
			opts = append(opts, mail.WithFileContentType(mail.ContentType(att.ContentType)))
		}
		if err := m.AttachReader(att.Filename, bytes.NewReader(att.Content), opts...); err != nil {
			return nil, fmt.Errorf("failed to attach %q: %w", att.Filename, err)
		}
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to compose message %q: %w", msg.ID, err)
	}
	return buf.Bytes(), nil
}

// splitAddresses splits a flattened address list back into individual
// addresses. Unparseable text is passed through as a single value.
func splitAddresses(value string) []string {
	list, err := gomessage.ParseAddressList(value)
	if err != nil {
		return []string{value}
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	return out
}
