// Package ses implements a Transporter that hands relayed messages to AWS
// SES v2 instead of contacting mail exchangers directly.
package ses

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// domainTag is the SES message tag carrying the recipient domain.
const domainTag = "relay_domain"

// Config holds the configuration for creating a Transporter.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// ConfigurationSet is optional.
	ConfigurationSet string
}

// Transporter sends each Delivery as one raw SES message addressed to the
// delivery's recipients. The resolved exchanger host is not used; SES does
// its own routing.
type Transporter struct {
	client           SendEmailAPI
	configurationSet string
}

var _ transport.Transporter = (*Transporter)(nil)

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Transporter with the given configuration.
func New(ctx context.Context, cfg Config) (*Transporter, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Transporter{
		client:           sesv2.NewFromConfig(awsCfg),
		configurationSet: cfg.ConfigurationSet,
	}, nil
}

// NewWithClient creates a Transporter with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, configurationSet string) *Transporter {
	return &Transporter{
		client:           client,
		configurationSet: configurationSet,
	}
}

// Name returns the transporter name.
func (t *Transporter) Name() string {
	return "ses"
}

// Deliver submits the composed message in a single SendEmail call.
func (t *Transporter) Deliver(ctx context.Context, d *transport.Delivery) error {
	input, err := t.buildInput(d)
	if err != nil {
		return err
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("SES API request for %s failed: %w", d.Domain, err)
	}

	slog.Info("message submitted to SES",
		"message_id", d.Message.ID,
		"ses_message_id", aws.ToString(out.MessageId),
		"domain", d.Domain,
		"recipients", len(d.Recipients),
	)
	return nil
}

func (t *Transporter) buildInput(d *transport.Delivery) (*sesv2.SendEmailInput, error) {
	raw, err := transport.Compose(d.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to build raw message: %w", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(d.From),
		Destination: &types.Destination{
			ToAddresses: d.Recipients,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String(domainTag), Value: aws.String(d.Domain)},
		},
	}
	if t.configurationSet != "" {
		input.ConfigurationSetName = aws.String(t.configurationSet)
	}
	return input, nil
}
