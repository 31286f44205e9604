package store

import (
	"time"

	"github.com/tinylib/msgp/msgp"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// record is the on-disk form of a stored message. It is encoded as a
// MessagePack array with the fields in declaration order.
type record struct {
	ID          string
	FromName    string
	FromAddress string
	To          []email.Address
	Headers     []email.Header
	TextBody    string
	HtmlBody    string
	Attachments []email.Attachment
	StoredAt    time.Time
}

const recordFields = 9

func newRecord(msg *email.Message, now time.Time) *record {
	return &record{
		ID:          msg.ID,
		FromName:    msg.From.Name,
		FromAddress: msg.From.Address,
		To:          msg.To,
		Headers:     msg.Headers,
		TextBody:    msg.TextBody,
		HtmlBody:    msg.HtmlBody,
		Attachments: msg.Attachments,
		StoredAt:    now,
	}
}

func (r *record) message() *email.Message {
	return &email.Message{
		ID:          r.ID,
		From:        email.Address{Name: r.FromName, Address: r.FromAddress},
		To:          r.To,
		Headers:     r.Headers,
		TextBody:    r.TextBody,
		HtmlBody:    r.HtmlBody,
		Attachments: r.Attachments,
	}
}

// MarshalMsg appends the MessagePack encoding of r to b.
func (r *record) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, recordFields)
	b = msgp.AppendString(b, r.ID)
	b = msgp.AppendString(b, r.FromName)
	b = msgp.AppendString(b, r.FromAddress)

	b = msgp.AppendArrayHeader(b, uint32(len(r.To)))
	for _, a := range r.To {
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendString(b, a.Name)
		b = msgp.AppendString(b, a.Address)
	}

	b = msgp.AppendArrayHeader(b, uint32(len(r.Headers)))
	for _, h := range r.Headers {
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendString(b, h.Key)
		b = msgp.AppendString(b, h.Value)
	}

	b = msgp.AppendString(b, r.TextBody)
	b = msgp.AppendString(b, r.HtmlBody)

	b = msgp.AppendArrayHeader(b, uint32(len(r.Attachments)))
	for _, a := range r.Attachments {
		b = msgp.AppendArrayHeader(b, 3)
		b = msgp.AppendString(b, a.Filename)
		b = msgp.AppendString(b, a.ContentType)
		b = msgp.AppendBytes(b, a.Content)
	}

	b = msgp.AppendTime(b, r.StoredAt)
	return b, nil
}

// UnmarshalMsg decodes r from bts and returns the remaining bytes.
func (r *record) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var sz uint32
	sz, bts, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	if sz != recordFields {
		return bts, msgp.ArrayError{Wanted: recordFields, Got: sz}
	}

	if r.ID, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return bts, err
	}
	if r.FromName, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return bts, err
	}
	if r.FromAddress, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return bts, err
	}

	if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return bts, err
	}
	r.To = make([]email.Address, sz)
	for i := range r.To {
		var pair [2]string
		if bts, err = readStringTuple(bts, pair[:]); err != nil {
			return bts, err
		}
		r.To[i] = email.Address{Name: pair[0], Address: pair[1]}
	}

	if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return bts, err
	}
	r.Headers = make([]email.Header, sz)
	for i := range r.Headers {
		var pair [2]string
		if bts, err = readStringTuple(bts, pair[:]); err != nil {
			return bts, err
		}
		r.Headers[i] = email.Header{Key: pair[0], Value: pair[1]}
	}

	if r.TextBody, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return bts, err
	}
	if r.HtmlBody, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return bts, err
	}

	if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return bts, err
	}
	r.Attachments = make([]email.Attachment, sz)
	for i := range r.Attachments {
		var n uint32
		if n, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
			return bts, err
		}
		if n != 3 {
			return bts, msgp.ArrayError{Wanted: 3, Got: n}
		}
		a := &r.Attachments[i]
		if a.Filename, bts, err = msgp.ReadStringBytes(bts); err != nil {
			return bts, err
		}
		if a.ContentType, bts, err = msgp.ReadStringBytes(bts); err != nil {
			return bts, err
		}
		if a.Content, bts, err = msgp.ReadBytesBytes(bts, nil); err != nil {
			return bts, err
		}
	}

	if r.StoredAt, bts, err = msgp.ReadTimeBytes(bts); err != nil {
		return bts, err
	}
	return bts, nil
}

// readStringTuple reads a fixed-size array of strings into dst.
func readStringTuple(bts []byte, dst []string) ([]byte, error) {
	n, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	if n != uint32(len(dst)) {
		return bts, msgp.ArrayError{Wanted: uint32(len(dst)), Got: n}
	}
	for i := range dst {
		if dst[i], bts, err = msgp.ReadStringBytes(bts); err != nil {
			return bts, err
		}
	}
	return bts, nil
}
