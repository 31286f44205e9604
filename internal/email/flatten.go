package email

import "strings"

// addressHeaders are the header fields whose values are address lists.
var addressHeaders = map[string]bool{
	"from":     true,
	"to":       true,
	"cc":       true,
	"bcc":      true,
	"reply-to": true,
	"sender":   true,
}

// IsAddressHeader reports whether key names an address-list header.
func IsAddressHeader(key string) bool {
	return addressHeaders[strings.ToLower(key)]
}

// FlattenAddresses reduces an address list to its display text.
func FlattenAddresses(addrs []Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// FlattenHeaders returns the headers as an ordered key/value list suitable
// for re-emission. Later duplicates of single-valued keys are dropped, and
// MIME structure headers are omitted because bodies are recomposed on relay.
func FlattenHeaders(headers []Header) []Header {
	seen := make(map[string]bool, len(headers))
	out := make([]Header, 0, len(headers))
	for _, h := range headers {
		k := strings.ToLower(h.Key)
		if mimeStructureHeaders[k] {
			continue
		}
		if seen[k] && !repeatableHeaders[k] {
			continue
		}
		seen[k] = true
		out = append(out, h)
	}
	return out
}

var mimeStructureHeaders = map[string]bool{
	"content-type":              true,
	"content-transfer-encoding": true,
	"mime-version":              true,
	"content-disposition":       true,
}

var repeatableHeaders = map[string]bool{
	"received":  true,
	"comments":  true,
	"keywords":  true,
	"resent-to": true,
}
