package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// DefaultTokenURL is the Twitch OAuth2 token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// expiryBuffer is how long before the reported expiry a token is treated as stale.
const expiryBuffer = 60 * time.Second

// ErrAuth matches every failure returned by TokenSource.Fetch.
var ErrAuth = errors.New("twitch token request failed")

// AuthError describes a failed client-credentials request. StatusCode is zero when the endpoint
// was never reached (DNS, timeout, refused connection).
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", ErrAuth, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrAuth, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// AccessToken is an app access token. It is replaced, never mutated, on refresh.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is present and not about to expire. Tokens without a known
// expiry stay valid until the API rejects them.
func (t AccessToken) Valid(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || t.ExpiresAt.Sub(now) > expiryBuffer
}

// Masked returns the token tail for logs.
func (t AccessToken) Masked() string {
	if len(t.Value) <= 6 {
		return "***"
	}
	return "***" + t.Value[len(t.Value)-6:]
}

// TokenSource fetches Twitch app access (client credentials) tokens.
// It does not cache: the caller owns the current token and decides when to replace it.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client
	// Timeout bounds a single request (default 15s).
	Timeout time.Duration
	// Limiter, when set, spaces out requests so a misbehaving caller cannot hammer the endpoint.
	Limiter *rate.Limiter
}

// Fetch performs exactly one token request. There is no retry here.
func (ts *TokenSource) Fetch(ctx context.Context) (AccessToken, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return AccessToken{}, &AuthError{Err: errors.New("missing client id/secret for twitch app token")}
	}
	if ts.Limiter != nil {
		if err := ts.Limiter.Wait(ctx); err != nil {
			return AccessToken{}, &AuthError{Err: fmt.Errorf("token rate limit: %w", err)}
		}
	}
	timeout := ts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}

	tokenURL := ts.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		ae := &AuthError{Err: err}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			ae.StatusCode = re.Response.StatusCode
		}
		return AccessToken{}, ae
	}
	if tok.AccessToken == "" {
		return AccessToken{}, &AuthError{Err: errors.New("empty access_token in twitch response")}
	}
	return AccessToken{Value: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}
