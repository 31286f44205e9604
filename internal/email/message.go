// Package email defines the inbound message model shared by the parser,
// the message store, the inbound coordinator and the relay engine.
package email

import "strings"

// Message represents a parsed inbound message with all its components.
type Message struct {
	// ID is the Message-ID used for deduplication.
	ID          string
	From        Address
	To          []Address
	Headers     []Header
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
}

// Address is a mailbox address with its optional display name.
type Address struct {
	Name    string
	Address string
}

// String returns the address in display form, e.g. `"Bob" <bob@localhost>`.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return `"` + a.Name + `" <` + a.Address + ">"
}

// Domain returns the part after the last '@', or "" if there is none.
func (a Address) Domain() string {
	return Domain(a.Address)
}

// Header is a single header field reduced to display text.
type Header struct {
	Key   string
	Value string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Recipients returns the bare "to" addresses in their original order.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To))
	for _, a := range m.To {
		out = append(out, a.Address)
	}
	return out
}

// Header returns the first value for key, compared case-insensitively.
func (m *Message) Header(key string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

// Domain returns the domain part of an address, or "" if there is none.
func Domain(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}

// LocalPart returns the part of an address before the last '@'.
func LocalPart(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr
	}
	return addr[:i]
}
