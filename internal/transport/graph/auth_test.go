package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, calls *atomic.Int32, expiresIn int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "token-" + string(rune('0'+n)),
			ExpiresIn:   expiresIn,
			TokenType:   "Bearer",
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTokenCache_AcquiresToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if r.FormValue("grant_type") != "client_credentials" {
			t.Errorf("grant_type: got %q, want %q", r.FormValue("grant_type"), "client_credentials")
		}
		if r.FormValue("client_id") != "test-client-id" {
			t.Errorf("client_id: got %q, want %q", r.FormValue("client_id"), "test-client-id")
		}
		if r.FormValue("client_secret") != "test-client-secret" {
			t.Errorf("client_secret: got %q, want %q", r.FormValue("client_secret"), "test-client-secret")
		}
		if r.FormValue("scope") != defaultScope {
			t.Errorf("scope: got %q, want %q", r.FormValue("scope"), defaultScope)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "test-access-token", ExpiresIn: 3600})
	}))
	defer server.Close()

	tc := newTokenCache(server.URL, "test-client-id", "test-client-secret", server.Client())

	token, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "test-access-token" {
		t.Errorf("token: got %q, want %q", token, "test-access-token")
	}
}

func TestTokenCache_CachesToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := tokenServer(t, &calls, 3600)
	tc := newTokenCache(server.URL, "id", "secret", server.Client())

	for i := 0; i < 3; i++ {
		if _, err := tc.Token(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("token requests: got %d, want 1", got)
	}
}

func TestTokenCache_RefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		expiresIn int64
		fresh     time.Duration // still cached after this long
		stale     time.Duration // refetched after this long
	}{
		{name: "hour token", expiresIn: 3600, fresh: 54 * time.Minute, stale: 55 * time.Minute},
		{name: "short token keeps half its lifetime", expiresIn: 60, fresh: 29 * time.Second, stale: 30 * time.Second},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			server := tokenServer(t, &calls, tt.expiresIn)
			tc := newTokenCache(server.URL, "id", "secret", server.Client())

			start := time.Now()
			now := start
			tc.now = func() time.Time { return now }

			first, _ := tc.Token(context.Background())

			now = start.Add(tt.fresh)
			if cached, _ := tc.Token(context.Background()); cached != first {
				t.Errorf("after %v: got %q, want cached %q", tt.fresh, cached, first)
			}

			now = start.Add(tt.stale)
			if renewed, _ := tc.Token(context.Background()); renewed == first {
				t.Errorf("after %v: expected a fresh token, got %q again", tt.stale, renewed)
			}
			if got := calls.Load(); got != 2 {
				t.Errorf("token requests: got %d, want 2", got)
			}
		})
	}
}

func TestTokenCache_OAuthError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(tokenResponse{
			Error:            "invalid_client",
			ErrorDescription: "AADSTS7000215: Invalid client secret provided.",
		})
	}))
	defer server.Close()

	tc := newTokenCache(server.URL, "id", "wrong", server.Client())
	_, err := tc.Token(context.Background())

	var tokenErr *TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("got %v, want *TokenError", err)
	}
	if tokenErr.StatusCode != http.StatusUnauthorized || tokenErr.Code != "invalid_client" {
		t.Errorf("got %+v", tokenErr)
	}
	if !strings.Contains(tokenErr.Error(), "Invalid client secret") {
		t.Errorf("description missing from %q", tokenErr.Error())
	}
}

func TestTokenCache_ForceRefresh(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := tokenServer(t, &calls, 3600)
	tc := newTokenCache(server.URL, "id", "secret", server.Client())

	first, _ := tc.Token(context.Background())
	refreshed, err := tc.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == refreshed {
		t.Error("ForceRefresh should return a new token")
	}
	if cached, _ := tc.Token(context.Background()); cached != refreshed {
		t.Errorf("cached token: got %q, want %q", cached, refreshed)
	}
}

func TestTokenCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := tokenServer(t, &calls, 3600)
	tc := newTokenCache(server.URL, "id", "secret", server.Client())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tc.Token(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("token requests: got %d, want 1", got)
	}
}

func TestTokenCache_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "empty access token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tokenResponse{ExpiresIn: 3600})
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{"))
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			tc := newTokenCache(server.URL, "id", "secret", server.Client())
			if _, err := tc.Token(context.Background()); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestTokenCache_ContextCancelled(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tc := newTokenCache(server.URL, "id", "secret", server.Client())
	if _, err := tc.Token(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}
