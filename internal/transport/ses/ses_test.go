package ses

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func testDelivery() *transport.Delivery {
	return &transport.Delivery{
		Domain:     "a.com",
		Host:       "mx.a.com",
		Port:       25,
		HeloName:   "localhost",
		From:       "bob@localhost",
		Recipients: []string{"x@a.com", "z@a.com"},
		Message: &email.Message{
			ID:   "m1@localhost",
			From: email.Address{Address: "bob@localhost"},
			Headers: []email.Header{
				{Key: "From", Value: "bob@localhost"},
				{Key: "To", Value: "x@a.com, y@b.com, z@a.com"},
				{Key: "Subject", Value: "Test Subject"},
			},
			TextBody: "Hello, World!",
		},
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	tr := NewWithClient(&mockSESClient{}, "")
	if got := tr.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestDeliver(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	tr := NewWithClient(mock, "relay")

	if err := tr.Deliver(context.Background(), testDelivery()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if got := aws.ToString(input.FromEmailAddress); got != "bob@localhost" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "bob@localhost")
	}
	if got := input.Destination.ToAddresses; len(got) != 2 || got[0] != "x@a.com" || got[1] != "z@a.com" {
		t.Errorf("ToAddresses: got %v, want the group recipients", got)
	}
	if input.Content.Simple != nil {
		t.Error("expected raw content, got simple")
	}
	if input.Content.Raw == nil {
		t.Fatal("expected raw content, got nil")
	}
	if !bytes.Contains(input.Content.Raw.Data, []byte("Subject: Test Subject")) {
		t.Errorf("raw data does not contain the subject:\n%s", input.Content.Raw.Data)
	}
	if got := aws.ToString(input.ConfigurationSetName); got != "relay" {
		t.Errorf("ConfigurationSetName: got %q, want %q", got, "relay")
	}
	if len(input.EmailTags) != 1 || aws.ToString(input.EmailTags[0].Value) != "a.com" {
		t.Errorf("EmailTags: got %+v", input.EmailTags)
	}
}

func TestDeliver_NoConfigurationSet(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	tr := NewWithClient(mock, "")

	if err := tr.Deliver(context.Background(), testDelivery()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.lastInput.ConfigurationSetName != nil {
		t.Errorf("ConfigurationSetName: got %q, want nil", *mock.lastInput.ConfigurationSetName)
	}
}

func TestDeliver_ErrorNotRetried(t *testing.T) {
	t.Parallel()

	apiErr := errors.New("throttled")
	mock := &mockSESClient{
		sendFn: func(_ context.Context, _ *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, apiErr
		},
	}
	tr := NewWithClient(mock, "")

	err := tr.Deliver(context.Background(), testDelivery())
	if !errors.Is(err, apiErr) {
		t.Fatalf("got %v, want wrapped %v", err, apiErr)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestTransporterInterface(t *testing.T) {
	t.Parallel()
	var _ transport.Transporter = NewWithClient(&mockSESClient{}, "")
}
