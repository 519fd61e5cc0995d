// Package ses implements a Transport that relays compiled messages through
// AWS SES v2 as raw MIME.
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

	"github.com/shineum/mailer-lite/internal/backoff"
	"github.com/shineum/mailer-lite/internal/message"
	"github.com/shineum/mailer-lite/internal/transport"
)

// Config holds the configuration for creating a Transport.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint overrides the SES endpoint, e.g. for a local emulator.
	Endpoint string

	// Sender is used as FromEmailAddress when the message has no sender.
	Sender string

	// ConfigurationSet is attached to every send when set.
	ConfigurationSet string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Transport sends messages via the AWS SES v2 API.
type Transport struct {
	sender           string
	configurationSet string
	client           SendEmailAPI
	retry            backoff.Policy
	logger           *slog.Logger
}

// New creates a Transport from cfg, loading the default AWS credential chain
// unless static keys are given.
func New(ctx context.Context, cfg Config) (*Transport, error) {
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

	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	t := NewWithClient(cfg.Sender, client)
	t.configurationSet = cfg.ConfigurationSet
	return t, nil
}

// NewWithClient creates a Transport with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *Transport {
	return &Transport{
		sender: sender,
		client: client,
		retry:  backoff.Default(),
		logger: slog.Default(),
	}
}

// SetRetryPolicy replaces the retry schedule.
func (t *Transport) SetRetryPolicy(p backoff.Policy) {
	t.retry = p
}

// Send delivers msg to all recipients with a single SendEmail call. Failed
// calls are retried with exponential backoff.
func (t *Transport) Send(ctx context.Context, msg *message.Compiled, recipients []string) (int, error) {
	if err := transport.CheckRecipients(recipients); err != nil {
		return 0, err
	}

	input := t.buildInput(msg, recipients)

	var lastErr error
	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			t.logger.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", t.retry.MaxRetries,
			)
			if err := backoff.Sleep(ctx, t.retry.Delay(attempt)); err != nil {
				return 0, fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := t.client.SendEmail(ctx, input)
		if err == nil {
			var id string
			if out != nil {
				id = aws.ToString(out.MessageId)
			}
			t.logger.Debug("SES accepted message",
				"message_id", id,
				"recipients", len(recipients),
			)
			return len(recipients), nil
		}

		lastErr = err
		t.logger.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return 0, fmt.Errorf("SES API request failed after %d retries: %w", t.retry.MaxRetries, lastErr)
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "ses"
}

// buildInput wraps the compiled MIME in a raw SendEmail request.
func (t *Transport) buildInput(msg *message.Compiled, recipients []string) *sesv2.SendEmailInput {
	from := msg.SenderEmail()
	if from == "" {
		from = t.sender
	}

	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: recipients,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: transport.WithToHeader(msg, recipients),
			},
		},
	}
	if from != "" {
		input.FromEmailAddress = aws.String(from)
	}
	if t.configurationSet != "" {
		input.ConfigurationSetName = aws.String(t.configurationSet)
	}
	return input
}
