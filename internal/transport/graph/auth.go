package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Token lifetimes are shortened by this much so a token never expires
// mid-request. Short-lived tokens give up at most half their lifetime.
const tokenExpiryBuffer = 5 * time.Minute

// defaultScope requests the application permissions granted to the client.
const defaultScope = "https://graph.microsoft.com/.default"

// TokenError is a failed client-credentials exchange.
type TokenError struct {
	StatusCode  int
	Code        string // OAuth error code, e.g. "invalid_client"
	Description string
}

func (e *TokenError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Description)
	}
	return fmt.Sprintf("token endpoint returned %d (%s): %s", e.StatusCode, e.Code, e.Description)
}

// tokenCache hands out a client-credentials access token, fetching a new
// one once the cached token is about to expire. Safe for concurrent use;
// concurrent callers share a single fetch.
type tokenCache struct {
	endpoint string
	form     url.Values
	client   *http.Client
	now      func() time.Time

	mu      sync.Mutex
	token   string
	validTo time.Time
}

func newTokenCache(endpoint, clientID, clientSecret string, client *http.Client) *tokenCache {
	return &tokenCache{
		endpoint: endpoint,
		form: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"scope":         {defaultScope},
		},
		client: client,
		now:    time.Now,
	}
}

// Token returns the cached token or fetches a new one.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.token != "" && tc.now().Before(tc.validTo) {
		return tc.token, nil
	}
	return tc.fetch(ctx)
}

// ForceRefresh drops the cached token and fetches a new one, for when the
// API rejected the current token with 401.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.token, tc.validTo = "", time.Time{}
	return tc.fetch(ctx)
}

// fetch performs the token exchange. tc.mu must be held.
func (tc *tokenCache) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.endpoint, strings.NewReader(tc.form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := tc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	var parsed tokenResponse
	jsonErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode != http.StatusOK {
		tokenErr := &TokenError{StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(body))}
		if jsonErr == nil && parsed.Error != "" {
			tokenErr.Code = parsed.Error
			tokenErr.Description = parsed.ErrorDescription
		}
		return "", tokenErr
	}
	if jsonErr != nil {
		return "", fmt.Errorf("failed to parse token response: %w", jsonErr)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	lifetime := time.Duration(parsed.ExpiresIn) * time.Second
	skew := tokenExpiryBuffer
	if lifetime < 2*skew {
		skew = lifetime / 2
	}

	tc.token = parsed.AccessToken
	tc.validTo = tc.now().Add(lifetime - skew)
	return tc.token, nil
}
