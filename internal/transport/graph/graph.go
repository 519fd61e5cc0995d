// Package graph implements a Transport that sends compiled messages through
// the Microsoft Graph sendMail endpoint using its MIME upload format.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shineum/mailer-lite/internal/backoff"
	"github.com/shineum/mailer-lite/internal/message"
	"github.com/shineum/mailer-lite/internal/transport"
)

// Config holds the configuration for creating a Transport.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox the message is sent as.
	Sender string

	// SaveToSentItems keeps a copy in the sender's Sent Items folder.
	SaveToSentItems bool
}

// Transport sends messages via the Microsoft Graph API using OAuth2
// client credentials authentication.
type Transport struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
	retry      backoff.Policy
	logger     *slog.Logger
}

// New creates a Transport for the given tenant and mailbox.
func New(cfg Config) *Transport {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	graphURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))
	if !cfg.SaveToSentItems {
		graphURL += "?saveToSentItems=false"
	}

	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a Transport with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client) *Transport {
	return &Transport{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retry:      backoff.Default(),
		logger:     slog.Default(),
	}
}

// Send uploads msg as base64 MIME. Recipients are taken from the To header
// added in front of the compiled message. Transient failures are retried
// with exponential backoff, Retry-After is honoured for HTTP 429 and a 401
// triggers a single token refresh.
func (g *Transport) Send(ctx context.Context, msg *message.Compiled, recipients []string) (int, error) {
	if err := transport.CheckRecipients(recipients); err != nil {
		return 0, err
	}

	body := []byte(base64.StdEncoding.EncodeToString(transport.WithToHeader(msg, recipients)))

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= g.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			g.logger.Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", g.retry.MaxRetries,
			)
		}

		err := g.doSendRequest(ctx, body)
		if err == nil {
			return len(recipients), nil
		}

		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return 0, err
		}

		switch {
		case apiErr.Permanent:
			return 0, apiErr
		case apiErr.StatusCode == http.StatusUnauthorized && tokenRefreshed:
			return 0, apiErr
		case apiErr.StatusCode == http.StatusUnauthorized:
			g.logger.Info("refreshing Graph API token after 401")
			if _, refreshErr := g.token.ForceRefresh(ctx); refreshErr != nil {
				return 0, fmt.Errorf("token refresh failed: %w", refreshErr)
			}
			tokenRefreshed = true
		case apiErr.StatusCode == http.StatusTooManyRequests:
			delay := g.retry.RetryAfter(apiErr.retryAfter, attempt+1)
			g.logger.Info("rate limited by Graph API", "retry_after", delay)
			if err := backoff.Sleep(ctx, delay); err != nil {
				return 0, fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		case apiErr.Transient:
			delay := g.retry.Delay(attempt + 1)
			g.logger.Info("transient Graph API error, retrying",
				"status", apiErr.StatusCode,
				"delay", delay,
			)
			if err := backoff.Sleep(ctx, delay); err != nil {
				return 0, fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		default:
			return 0, apiErr
		}
	}

	return 0, fmt.Errorf("Graph API request failed after %d retries: %w", g.retry.MaxRetries, lastErr)
}

// Name returns the transport name.
func (g *Transport) Name() string {
	return "msgraph"
}

// doSendRequest performs a single HTTP request to the sendMail endpoint.
func (g *Transport) doSendRequest(ctx context.Context, body []byte) error {
	token, err := g.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &APIError{
			Message:   fmt.Sprintf("HTTP request failed: %v", err),
			Transient: true,
		}
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)

	var errResp errorResponse
	if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil && errResp.Error.Message != "" {
		return classifyError(resp.StatusCode, errResp.Error.Message, resp.Header.Get("Retry-After"))
	}

	return classifyError(resp.StatusCode, string(respBody), resp.Header.Get("Retry-After"))
}

// APIError is an error from the sendMail endpoint, classified for retry
// decisions.
type APIError struct {
	StatusCode int
	Message    string
	Permanent  bool
	Transient  bool
	retryAfter string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *APIError {
	err := &APIError{
		Message:    message,
		StatusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusBadRequest || statusCode == http.StatusForbidden:
		err.Permanent = true
	case statusCode == http.StatusUnauthorized:
		err.Transient = true
	case statusCode == http.StatusTooManyRequests:
		err.Transient = true
	case statusCode >= 500:
		err.Transient = true
	default:
		err.Permanent = true
	}

	return err
}
