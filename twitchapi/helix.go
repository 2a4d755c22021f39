// Package twitchapi contains the two Twitch calls the recorder depends on: fetching an app access
// token (client credentials) and asking Helix whether a channel is currently live.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultAPIURL is the Helix API root.
const DefaultAPIURL = "https://api.twitch.tv/helix"

// StatusKind is the classified result of one status probe.
type StatusKind int

const (
	StatusOffline StatusKind = iota
	StatusOnline
	StatusUnauthorized
	StatusTransientError
)

func (k StatusKind) String() string {
	switch k {
	case StatusOffline:
		return "offline"
	case StatusOnline:
		return "online"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusTransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

// Stream is the subset of a Helix stream object the recorder uses.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameName    string    `json:"game_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// ChannelStatus is produced fresh on every probe and never persisted.
type ChannelStatus struct {
	Kind StatusKind
	// Stream is the first Helix result when Kind is StatusOnline.
	Stream *Stream
	// Err carries the cause for StatusUnauthorized and StatusTransientError.
	Err error
}

// APIError is a non-2xx Helix response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix request failed: status %d: %s", e.StatusCode, e.Body)
}

// HelixClient issues Helix requests with a caller-provided bearer token.
type HelixClient struct {
	ClientID   string
	BaseURL    string
	HTTPClient *http.Client
	// Timeout bounds a single request (default 15s).
	Timeout time.Duration
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return DefaultAPIURL
}

// GetStreams lists live streams for a login. An empty slice means the channel is offline.
func (hc *HelixClient) GetStreams(ctx context.Context, token, login string) ([]Stream, error) {
	if login == "" {
		return nil, errors.New("login empty")
	}
	timeout := hc.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+"/streams", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("user_login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode streams response: %w", err)
	}
	return body.Data, nil
}

// Probe performs one status request and classifies it. It never touches the token; refreshing
// after StatusUnauthorized is the caller's job.
func (hc *HelixClient) Probe(ctx context.Context, token, login string) ChannelStatus {
	streams, err := hc.GetStreams(ctx, token, login)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return ChannelStatus{Kind: StatusUnauthorized, Err: err}
		}
		return ChannelStatus{Kind: StatusTransientError, Err: err}
	}
	if len(streams) == 0 {
		return ChannelStatus{Kind: StatusOffline}
	}
	s := streams[0]
	return ChannelStatus{Kind: StatusOnline, Stream: &s}
}
