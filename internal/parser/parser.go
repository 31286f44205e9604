// Package parser converts a raw RFC 5322 byte stream into an email.Message,
// flattening headers to display text and splitting bodies and attachments.
package parser

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/oklog/ulid/v2"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// Parse reads one message from r. A message without a Message-ID gets a
// generated one so that it can still be deduplicated and relayed.
func Parse(r io.Reader) (*email.Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if err != nil {
		slog.Warn("unknown charset, leaving header text undecoded", "error", err)
	}
	defer mr.Close()

	result := &email.Message{}
	result.Headers = flattenHeader(mr.Header)

	if from := firstAddress(mr.Header, "From"); from != nil {
		result.From = *from
	}
	result.To = addressList(mr.Header, "To")

	id, err := mr.Header.MessageID()
	if err != nil || id == "" {
		id = ulid.Make().String()
		result.Headers = append(result.Headers, email.Header{Key: "Message-Id", Value: "<" + id + ">"})
		slog.Debug("message has no Message-Id, generated one", "message_id", id)
	}
	result.ID = id

	if err := readParts(mr, result); err != nil {
		return nil, err
	}
	return result, nil
}

// flattenHeader returns every header field in its original order with the
// value reduced to display text. Address lists are re-rendered from their
// parsed form; anything unparsable passes through as decoded text.
func flattenHeader(h mail.Header) []email.Header {
	var out []email.Header
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		if email.IsAddressHeader(key) {
			if addrs, err := mail.ParseAddressList(value); err == nil && len(addrs) > 0 {
				value = email.FlattenAddresses(convertAddresses(addrs))
			}
		}
		out = append(out, email.Header{Key: key, Value: value})
	}
	return out
}

func addressList(h mail.Header, key string) []email.Address {
	addrs, err := h.AddressList(key)
	if err != nil {
		slog.Warn("failed to parse address list, falling back to raw split",
			"header", key,
			"error", err,
		)
		return splitRaw(h.Get(key))
	}
	return convertAddresses(addrs)
}

func firstAddress(h mail.Header, key string) *email.Address {
	list := addressList(h, key)
	if len(list) == 0 {
		return nil
	}
	return &list[0]
}

func convertAddresses(addrs []*mail.Address) []email.Address {
	out := make([]email.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, email.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// splitRaw splits a comma-separated list when RFC 5322 parsing fails.
func splitRaw(raw string) []email.Address {
	if raw == "" {
		return nil
	}
	var out []email.Address
	for _, p := range strings.Split(raw, ",") {
		p = strings.Trim(strings.TrimSpace(p), "<>")
		if p != "" {
			out = append(out, email.Address{Address: p})
		}
	}
	return out
}

// readParts walks all parts, keeping the first text/plain and text/html
// inline bodies and collecting attachments.
func readParts(mr *mail.Reader, result *email.Message) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, err := h.ContentType()
			if err != nil {
				mediaType = "text/plain"
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return fmt.Errorf("failed to read part body: %w", err)
			}

			switch mediaType {
			case "text/plain":
				if result.TextBody == "" {
					result.TextBody = string(body)
				}
			case "text/html":
				if result.HtmlBody == "" {
					result.HtmlBody = string(body)
				}
			default:
				// inline part with a name is an attachment in all but header
				if name := params["name"]; name != "" {
					result.Attachments = append(result.Attachments, email.Attachment{
						Filename:    name,
						ContentType: mediaType,
						Content:     body,
					})
					continue
				}
				slog.Warn("unrecognized inline MIME part, skipping", "content_type", mediaType)
			}

		case *mail.AttachmentHeader:
			mediaType, _, err := h.ContentType()
			if err != nil {
				mediaType = "application/octet-stream"
			}
			filename, err := h.Filename()
			if err != nil || filename == "" {
				filename = fallbackFilename(mediaType)
			}
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return fmt.Errorf("failed to read attachment %q: %w", filename, err)
			}
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     content,
			})
		}
	}
}

// fallbackFilename derives a name from the media type, e.g. "attachment.pdf".
func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}
