package inbound

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shineum/smtp-relay-lite/internal/directory"
	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/policy"
	"github.com/shineum/smtp-relay-lite/internal/relay"
	"github.com/shineum/smtp-relay-lite/internal/store"
	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// recordingRelayer counts Relay calls and returns err.
type recordingRelayer struct {
	calls atomic.Int32
	err   error
}

func (r *recordingRelayer) Relay(context.Context, *email.Message) error {
	r.calls.Add(1)
	return r.err
}

// plainStore is a Store without Claim, forcing the Has then Add path.
type plainStore struct {
	m       *store.Memory
	hasErr  error
	added   int
	addErr  error
	hasCall int
	getErr  error
	getCall int
}

func (p *plainStore) Has(ctx context.Context, id string) (bool, error) {
	p.hasCall++
	if p.hasErr != nil {
		return false, p.hasErr
	}
	return p.m.Has(ctx, id)
}

func (p *plainStore) Add(ctx context.Context, msg *email.Message) error {
	if p.addErr != nil {
		return p.addErr
	}
	p.added++
	return p.m.Add(ctx, msg)
}

func (p *plainStore) Get(ctx context.Context, id string) (*email.Message, error) {
	p.getCall++
	if p.getErr != nil {
		return nil, p.getErr
	}
	return p.m.Get(ctx, id)
}

func (p *plainStore) Close() error { return nil }

func testDirectory() *directory.Holder {
	return directory.NewHolder(directory.New(
		[]directory.User{{
			Username: "bob",
			Password: &directory.Password{Type: directory.PlaintextPassword, Value: "pw"},
		}},
		[]string{"spam@evil.com", "banned@localhost"},
	))
}

func authed() *policy.Session {
	return &policy.Session{ID: "s1", Username: "bob"}
}

func message(id, from string, to ...string) *email.Message {
	msg := &email.Message{ID: id, From: email.Address{Address: from}}
	for _, addr := range to {
		msg.To = append(msg.To, email.Address{Address: addr})
	}
	return msg
}

func TestAccept_Relays(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	rel := &recordingRelayer{}
	c := New(testDirectory(), mem, rel, "localhost")

	if err := c.Accept(context.Background(), authed(), message("M1", "bob@localhost", "x@a.com")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rel.calls.Load(); got != 1 {
		t.Errorf("relay calls: got %d, want 1", got)
	}
	stored, err := mem.Get(context.Background(), "M1")
	if err != nil {
		t.Fatalf("message not stored: %v", err)
	}
	if stored.From.Address != "bob@localhost" {
		t.Errorf("stored From: got %q, want %q", stored.From.Address, "bob@localhost")
	}
}

func TestAccept_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		session    *policy.Session
		msg        *email.Message
		reason     policy.Reason
		wantStored bool
	}{
		{
			name:    "unauthenticated",
			session: &policy.Session{ID: "s1"},
			msg:     message("M1", "bob@localhost", "x@a.com"),
			reason:  policy.ReasonAuthRequired,
		},
		{
			name:    "banned sender",
			session: authed(),
			msg:     message("M1", "banned@localhost", "x@a.com"),
			reason:  policy.ReasonBannedSender,
		},
		{
			name:       "from another user",
			session:    authed(),
			msg:        message("M1", "alice@localhost", "x@a.com"),
			reason:     policy.ReasonInvalidFrom,
			wantStored: true,
		},
		{
			name:       "from another domain",
			session:    authed(),
			msg:        message("M1", "bob@elsewhere.com", "x@a.com"),
			reason:     policy.ReasonInvalidFrom,
			wantStored: true,
		},
		{
			name:       "case differs",
			session:    authed(),
			msg:        message("M1", "Bob@localhost", "x@a.com"),
			reason:     policy.ReasonInvalidFrom,
			wantStored: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mem := store.NewMemory()
			rel := &recordingRelayer{}
			c := New(testDirectory(), mem, rel, "localhost")

			err := c.Accept(context.Background(), tt.session, tt.msg)
			if !policy.IsRejection(err, tt.reason) {
				t.Fatalf("got %v, want rejection %d", err, tt.reason)
			}
			if rel.calls.Load() != 0 {
				t.Error("relay must not be invoked for a rejected message")
			}
			stored, err := mem.Has(context.Background(), "M1")
			if err != nil {
				t.Fatalf("unexpected store error: %v", err)
			}
			if stored != tt.wantStored {
				t.Errorf("stored: got %v, want %v", stored, tt.wantStored)
			}
		})
	}
}

func TestAccept_DuplicateAbsorbed(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	rel := &recordingRelayer{}
	c := New(testDirectory(), mem, rel, "localhost")
	msg := message("M1", "bob@localhost", "x@a.com")

	for i := 0; i < 3; i++ {
		if err := c.Accept(context.Background(), authed(), msg); err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i, err)
		}
	}
	if got := rel.calls.Load(); got != 1 {
		t.Errorf("relay calls: got %d, want 1", got)
	}
}

func TestAccept_DuplicateAfterInvalidFromStaysAbsorbed(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	rel := &recordingRelayer{}
	c := New(testDirectory(), mem, rel, "localhost")

	// the first attempt is persisted and then rejected
	err := c.Accept(context.Background(), authed(), message("M1", "alice@localhost", "x@a.com"))
	if !policy.IsRejection(err, policy.ReasonInvalidFrom) {
		t.Fatalf("got %v, want invalid from", err)
	}

	// the same identifier is now a duplicate, even with a valid From
	if err := c.Accept(context.Background(), authed(), message("M1", "bob@localhost", "x@a.com")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rel.calls.Load() != 0 {
		t.Error("relay must not be invoked for a duplicate")
	}
}

func TestAccept_RelayErrorPropagates(t *testing.T) {
	t.Parallel()

	relayErr := &relay.RelayError{Domain: "a.com", Host: "mx.a.com", Err: errors.New("refused")}
	rel := &recordingRelayer{err: relayErr}
	c := New(testDirectory(), store.NewMemory(), rel, "localhost")

	err := c.Accept(context.Background(), authed(), message("M1", "bob@localhost", "x@a.com"))
	var got *relay.RelayError
	if !errors.As(err, &got) {
		t.Fatalf("got %v, want *relay.RelayError", err)
	}
	if got.Domain != "a.com" {
		t.Errorf("Domain: got %q, want %q", got.Domain, "a.com")
	}
}

func TestAccept_StoreWithoutClaim(t *testing.T) {
	t.Parallel()

	ps := &plainStore{m: store.NewMemory()}
	rel := &recordingRelayer{}
	c := New(testDirectory(), ps, rel, "localhost")
	msg := message("M1", "bob@localhost", "x@a.com")

	for i := 0; i < 2; i++ {
		if err := c.Accept(context.Background(), authed(), msg); err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i, err)
		}
	}
	if ps.hasCall != 2 {
		t.Errorf("Has calls: got %d, want 2", ps.hasCall)
	}
	if ps.added != 1 {
		t.Errorf("Add calls: got %d, want 1", ps.added)
	}
	if ps.getCall != 1 {
		t.Errorf("Get calls: got %d, want 1", ps.getCall)
	}
	if rel.calls.Load() != 1 {
		t.Errorf("relay calls: got %d, want 1", rel.calls.Load())
	}
}

func TestAccept_DuplicateLookupFailureIsAbsorbed(t *testing.T) {
	t.Parallel()

	ps := &plainStore{m: store.NewMemory(), getErr: errors.New("read failed")}
	rel := &recordingRelayer{}
	c := New(testDirectory(), ps, rel, "localhost")
	msg := message("M1", "bob@localhost", "x@a.com")

	for i := 0; i < 2; i++ {
		if err := c.Accept(context.Background(), authed(), msg); err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i, err)
		}
	}
	if ps.getCall != 1 {
		t.Errorf("Get calls: got %d, want 1", ps.getCall)
	}
	if rel.calls.Load() != 1 {
		t.Errorf("relay calls: got %d, want 1", rel.calls.Load())
	}
}

func TestAccept_StoreErrors(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("disk full")
	tests := []struct {
		name  string
		store *plainStore
	}{
		{name: "has", store: &plainStore{m: store.NewMemory(), hasErr: storeErr}},
		{name: "add", store: &plainStore{m: store.NewMemory(), addErr: storeErr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rel := &recordingRelayer{}
			c := New(testDirectory(), tt.store, rel, "localhost")

			err := c.Accept(context.Background(), authed(), message("M1", "bob@localhost", "x@a.com"))
			if !errors.Is(err, storeErr) {
				t.Errorf("got %v, want wrapped %v", err, storeErr)
			}
			if rel.calls.Load() != 0 {
				t.Error("relay must not be invoked when persisting fails")
			}
		})
	}
}

func TestAccept_ConcurrentDuplicatesRelayOnce(t *testing.T) {
	t.Parallel()

	rel := &recordingRelayer{}
	c := New(testDirectory(), store.NewMemory(), rel, "localhost")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Accept(context.Background(), authed(), message("M1", "bob@localhost", "x@a.com")); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := rel.calls.Load(); got != 1 {
		t.Errorf("relay calls: got %d, want 1", got)
	}
}

// countingResolver and countingTransporter observe the real relay engine.
type countingResolver struct {
	lookups atomic.Int32
}

func (r *countingResolver) LookupMX(context.Context, string) ([]*net.MX, error) {
	r.lookups.Add(1)
	return []*net.MX{{Host: "mx.example.net", Pref: 10}}, nil
}

type countingTransporter struct {
	deliveries atomic.Int32
}

func (t *countingTransporter) Deliver(context.Context, *transport.Delivery) error {
	t.deliveries.Add(1)
	return nil
}

func (t *countingTransporter) Name() string { return "counting" }

func TestAccept_WithRelayEngine(t *testing.T) {
	t.Parallel()

	res := &countingResolver{}
	tr := &countingTransporter{}
	engine := relay.New(res, tr, relay.Config{LocalHost: "localhost"})
	c := New(testDirectory(), store.NewMemory(), engine, "localhost")

	// two domains: two deliveries
	msg := message("M1", "bob@localhost", "x@a.com", "y@b.com", "z@a.com")
	if err := c.Accept(context.Background(), authed(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tr.deliveries.Load(); got != 2 {
		t.Errorf("deliveries: got %d, want 2", got)
	}

	// resubmission is absorbed without touching the transporter
	if err := c.Accept(context.Background(), authed(), msg); err != nil {
		t.Fatalf("unexpected error on resubmission: %v", err)
	}
	if got := tr.deliveries.Load(); got != 2 {
		t.Errorf("deliveries after resubmission: got %d, want 2", got)
	}

	// an invalid From is rejected before any exchanger is resolved
	before := res.lookups.Load()
	err := c.Accept(context.Background(), authed(), message("M2", "mallory@localhost", "x@a.com"))
	if !policy.IsRejection(err, policy.ReasonInvalidFrom) {
		t.Fatalf("got %v, want invalid from", err)
	}
	if got := res.lookups.Load(); got != before {
		t.Errorf("lookups: got %d, want %d", got, before)
	}
}
