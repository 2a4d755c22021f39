package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func tokenServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeToken(w http.ResponseWriter, token string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": token,
		"expires_in":   expiresIn,
		"token_type":   "bearer",
	})
}

func TestTokenSource_Fetch(t *testing.T) {
	srv, calls := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.Form.Get("client_id"); got != "test-client" {
			t.Errorf("client_id = %q", got)
		}
		if got := r.Form.Get("client_secret"); got != "test-secret" {
			t.Errorf("client_secret = %q", got)
		}
		if got := r.Form.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		writeToken(w, "test-token-123", 3600)
	})

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: srv.URL + "/oauth2/token"}
	tok, err := ts.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if tok.Value != "test-token-123" {
		t.Errorf("Fetch() = %s, want test-token-123", tok.Value)
	}
	if until := time.Until(tok.ExpiresAt); until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("ExpiresAt %v not about an hour away", tok.ExpiresAt)
	}
	if !tok.Valid(time.Now()) {
		t.Error("fresh token should be valid")
	}

	// Fetch never caches: a second call is a second request.
	if _, err := ts.Fetch(context.Background()); err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 token requests, got %d", calls.Load())
	}
}

func TestTokenSource_FetchMissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	_, err := ts.Fetch(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Fetch() error = %v, want ErrAuth", err)
	}
	if !strings.Contains(err.Error(), "missing client id/secret") {
		t.Errorf("Fetch() error = %v, want error about missing credentials", err)
	}
}

func TestTokenSource_FetchRejected(t *testing.T) {
	srv, _ := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":401,"message":"invalid client secret"}`))
	})

	ts := &TokenSource{ClientID: "bad-client", ClientSecret: "bad-secret", TokenURL: srv.URL}
	_, err := ts.Fetch(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Fetch() error = %v, want ErrAuth", err)
	}
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("Fetch() error = %T, want *AuthError", err)
	}
	if ae.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", ae.StatusCode)
	}
}

func TestTokenSource_FetchEmptyToken(t *testing.T) {
	srv, _ := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, "", 3600)
	})

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: srv.URL}
	tok, err := ts.Fetch(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Fetch() error = %v, want ErrAuth", err)
	}
	if tok.Value != "" {
		t.Errorf("token = %q, want empty on failure", tok.Value)
	}
}

func TestTokenSource_FetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv, _ := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ts := &TokenSource{ClientID: "c", ClientSecret: "s", TokenURL: srv.URL, Timeout: 50 * time.Millisecond}
	start := time.Now()
	_, err := ts.Fetch(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Fetch() error = %v, want ErrAuth", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Fetch() took %v, timeout not applied", time.Since(start))
	}
}

func TestTokenSource_LimiterSpacesRequests(t *testing.T) {
	srv, calls := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, "limited", 3600)
	})

	ts := &TokenSource{
		ClientID:     "c",
		ClientSecret: "s",
		TokenURL:     srv.URL,
		Limiter:      rate.NewLimiter(rate.Every(time.Hour), 1),
	}
	if _, err := ts.Fetch(context.Background()); err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ts.Fetch(ctx); !errors.Is(err, ErrAuth) {
		t.Fatalf("second Fetch() error = %v, want limiter refusal", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected limiter to block the second request, got %d calls", calls.Load())
	}
}

func TestAccessToken_Valid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		tok  AccessToken
		want bool
	}{
		{"empty", AccessToken{}, false},
		{"no expiry", AccessToken{Value: "x"}, true},
		{"fresh", AccessToken{Value: "x", ExpiresAt: now.Add(time.Hour)}, true},
		{"inside buffer", AccessToken{Value: "x", ExpiresAt: now.Add(30 * time.Second)}, false},
		{"expired", AccessToken{Value: "x", ExpiresAt: now.Add(-time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tok.Valid(now); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAccessToken_Masked(t *testing.T) {
	if got := (AccessToken{Value: "abcdefghijkl"}).Masked(); got != "***ghijkl" {
		t.Errorf("Masked() = %q", got)
	}
	if got := (AccessToken{Value: "abc"}).Masked(); got != "***" {
		t.Errorf("Masked() short = %q", got)
	}
}
