package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// StreamsReply is one scripted answer of the mock /helix/streams endpoint. A zero Status means
// 200 with Streams as the data array.
type StreamsReply struct {
	Status  int
	Streams []map[string]any
}

// Offline is an empty streams result.
var Offline = StreamsReply{}

// Online returns a single live stream for login.
func Online(login, title string) StreamsReply {
	return StreamsReply{Streams: []map[string]any{{
		"id":           "4012345",
		"user_id":      "1001",
		"user_login":   login,
		"user_name":    login,
		"type":         "live",
		"title":        title,
		"viewer_count": 17,
		"started_at":   "2024-01-01T10:00:00Z",
	}}}
}

// Unauthorized is a 401 from the streams endpoint.
var Unauthorized = StreamsReply{Status: http.StatusUnauthorized}

// MockTwitchServer mocks the Twitch token endpoint and the Helix streams endpoint.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	TokenRequests   atomic.Int32
	StreamsRequests atomic.Int32

	mu      sync.Mutex
	replies []StreamsReply
	tokens  []string
}

// NewMockTwitchServer creates a new mock Twitch server. Token requests succeed with tok-1,
// tok-2, ... and streams requests report offline until scripted otherwise.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{Handlers: make(map[string]http.HandlerFunc)}
	m.Handlers["/oauth2/token"] = m.serveToken
	m.Handlers["/helix/streams"] = m.serveStreams
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// TokenURL is the mock token endpoint.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// APIURL is the mock Helix base URL.
func (m *MockTwitchServer) APIURL() string { return m.URL + "/helix" }

// ScriptStreams queues replies for the streams endpoint. The last reply repeats once the queue
// is drained.
func (m *MockTwitchServer) ScriptStreams(replies ...StreamsReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
}

// BearerTokens lists the Authorization tokens seen by the streams endpoint.
func (m *MockTwitchServer) BearerTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

func (m *MockTwitchServer) serveToken(w http.ResponseWriter, r *http.Request) {
	n := m.TokenRequests.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
		"access_token": "tok-" + strconv.Itoa(int(n)),
		"expires_in":   3600,
		"token_type":   "bearer",
	})
}

func (m *MockTwitchServer) serveStreams(w http.ResponseWriter, r *http.Request) {
	m.StreamsRequests.Add(1)
	m.mu.Lock()
	auth := r.Header.Get("Authorization")
	if len(auth) > len("Bearer ") {
		auth = auth[len("Bearer "):]
	}
	m.tokens = append(m.tokens, auth)
	reply := Offline
	if len(m.replies) > 0 {
		reply = m.replies[0]
		if len(m.replies) > 1 {
			m.replies = m.replies[1:]
		}
	}
	m.mu.Unlock()

	if reply.Status != 0 && reply.Status != http.StatusOK {
		w.WriteHeader(reply.Status)
		_, _ = w.Write([]byte(`{"error":"mock","status":` + strconv.Itoa(reply.Status) + `}`))
		return
	}
	data := reply.Streams
	if data == nil {
		data = []map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data}) //nolint:errcheck // test mock response
}
