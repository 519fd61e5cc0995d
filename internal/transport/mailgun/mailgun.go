// Package mailgun implements a Transport that uploads compiled messages to
// the Mailgun messages.mime API.
package mailgun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shineum/mailer-lite/internal/backoff"
	"github.com/shineum/mailer-lite/internal/message"
	mltls "github.com/shineum/mailer-lite/internal/tls"
	"github.com/shineum/mailer-lite/internal/transport"
)

// API servers per region.
const (
	USServer = "https://api.mailgun.net"
	EUServer = "https://api.eu.mailgun.net"
)

// Default HTTP timeouts.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultConnectTimeout = 6 * time.Second
)

// Config holds the configuration for creating a Transport.
type Config struct {
	// Domain is the sending domain as configured in the Mailgun console.
	Domain string
	APIKey string

	// EU selects the EU region API server.
	EU bool

	// CAFile restricts trusted roots to the PEM certificates in the file.
	CAFile string

	Timeout        time.Duration
	ConnectTimeout time.Duration

	// BaseURL overrides the region server, e.g. for a proxy.
	BaseURL string
}

// APIError is a non-200 reply from the API.
type APIError struct {
	StatusCode int
	Message    string
	Permanent  bool
	Transient  bool
	retryAfter string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("mailgun: API call failed (HTTP %d)", e.StatusCode)
	}
	return fmt.Sprintf("mailgun: API call failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// Transport sends messages through the Mailgun HTTP API.
type Transport struct {
	domain     string
	apiKey     string
	endpoint   string
	httpClient *http.Client
	retry      backoff.Policy
	logger     *slog.Logger
}

// New creates a Transport. A configured CA file must be readable and
// contain at least one certificate.
func New(cfg Config) (*Transport, error) {
	if cfg.Domain == "" {
		return nil, errors.New("mailgun: domain is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("mailgun: API key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	tlsConfig, err := mltls.ClientConfig("", cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("mailgun: could not read CA root file: %w", err)
	}

	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	httpTransport.TLSClientConfig = tlsConfig
	httpTransport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext

	server := cfg.BaseURL
	if server == "" {
		server = USServer
		if cfg.EU {
			server = EUServer
		}
	}

	return &Transport{
		domain:   cfg.Domain,
		apiKey:   cfg.APIKey,
		endpoint: strings.TrimRight(server, "/") + "/v3/" + cfg.Domain + "/messages.mime",
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: httpTransport,
		},
		retry:  backoff.Default(),
		logger: slog.Default(),
	}, nil
}

// Endpoint returns the messages.mime URL used for sends.
func (t *Transport) Endpoint() string {
	return t.endpoint
}

// String describes the transport without revealing the API key.
func (t *Transport) String() string {
	return fmt.Sprintf("mailgun{domain=%s endpoint=%s apiKey=%s}", t.domain, t.endpoint, maskKey(t.apiKey))
}

// LogValue keeps the API key out of structured logs.
func (t *Transport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("domain", t.domain),
		slog.String("endpoint", t.endpoint),
		slog.String("api_key", maskKey(t.apiKey)),
	)
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "mailgun"
}

// Send uploads msg once for all recipients. Rate limiting, server errors
// and network failures are retried with backoff.
func (t *Transport) Send(ctx context.Context, msg *message.Compiled, recipients []string) (int, error) {
	if err := transport.CheckRecipients(recipients); err != nil {
		return 0, err
	}

	body, contentType, err := buildForm(transport.WithToHeader(msg, recipients), recipients)
	if err != nil {
		return 0, fmt.Errorf("mailgun: building request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		err := t.post(ctx, body, contentType)
		if err == nil {
			return len(recipients), nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Transient {
			return 0, err
		}

		delay := t.retry.RetryAfter(apiErr.retryAfter, attempt+1)
		t.logger.Warn("transient Mailgun API error, retrying",
			"status", apiErr.StatusCode,
			"attempt", attempt+1,
			"delay", delay,
		)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return 0, fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return 0, fmt.Errorf("mailgun: request failed after %d retries: %w", t.retry.MaxRetries, lastErr)
}

func (t *Transport) post(ctx context.Context, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mailgun: creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.SetBasicAuth("api", t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &APIError{Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusOK {
		var ok apiResponse
		if json.Unmarshal(respBody, &ok) == nil {
			t.logger.Debug("Mailgun accepted message", "id", ok.ID, "message", ok.Message)
		}
		return nil
	}

	return classifyError(resp, respBody)
}

// apiResponse is the JSON body Mailgun returns for both success and error.
type apiResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func classifyError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		retryAfter: resp.Header.Get("Retry-After"),
	}

	mediaType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	var parsed apiResponse
	if strings.TrimSpace(mediaType) == "application/json" && json.Unmarshal(body, &parsed) == nil {
		apiErr.Message = parsed.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		apiErr.Transient = true
	default:
		apiErr.Permanent = true
	}
	return apiErr
}

// buildForm encodes the multipart/form-data body: one "to" field per
// recipient and the MIME stream as the "message" file.
func buildForm(mime []byte, recipients []string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, rcpt := range recipients {
		if err := w.WriteField("to", rcpt); err != nil {
			return nil, "", err
		}
	}

	part, err := w.CreateFormFile("message", "message")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(mime); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

func maskKey(key string) string {
	return strings.Repeat("*", len(key))
}
