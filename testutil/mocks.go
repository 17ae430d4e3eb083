package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/onnwee/chatgate/twitchapi"
)

// MockTwitchServer serves Helix under /helix and id.twitch.tv under /oauth2.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []string
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		m.mu.Lock()
		m.requests = append(m.requests, key)
		h, ok := m.Handlers[key]
		if !ok {
			h, ok = m.Handlers[r.URL.Path]
		}
		m.mu.Unlock()
		if ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Client returns a HelixClient pointed at the mock.
func (m *MockTwitchServer) Client() *twitchapi.HelixClient {
	return &twitchapi.HelixClient{BaseURL: m.URL + "/helix", AuthURL: m.URL + "/oauth2", HTTPClient: m.Server.Client()}
}

// Requests returns "METHOD /path" for every request served so far.
func (m *MockTwitchServer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// Handle registers h for "METHOD /path" (or a bare path matching any method).
func (m *MockTwitchServer) Handle(key string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[key] = h
	m.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockValidate answers /oauth2/validate for the given tokens (without the
// "oauth:" prefix); any other token is rejected with 401.
func (m *MockTwitchServer) MockValidate(tokens map[string]twitchapi.Validation) {
	m.Handle("GET /oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if len(token) > len("OAuth ") {
			token = token[len("OAuth "):]
		}
		v, ok := tokens[token]
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"status": 401, "message": "invalid access token"})
			return
		}
		writeJSON(w, http.StatusOK, v)
	})
}

// MockUserResponse answers /helix/users with one user.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("GET /helix/users", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("login") != login {
			writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{{"id": userID, "login": login, "display_name": login}},
		})
	})
}

// MockSubscriptions accepts every EventSub create and delete.
func (m *MockTwitchServer) MockSubscriptions() {
	var mu sync.Mutex
	n := 0
	m.Handle("POST /helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n++
		id := "sub-" + strconv.Itoa(n)
		mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]any{"data": []map[string]string{{"id": id, "status": "enabled"}}})
	})
	m.Handle("DELETE /helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// MockBadges answers both badge endpoints with empty sets.
func (m *MockTwitchServer) MockBadges() {
	empty := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
	}
	m.Handle("GET /helix/chat/badges/global", empty)
	m.Handle("GET /helix/chat/badges", empty)
}

// MockChatSend accepts chat messages and forwards each body to sent.
func (m *MockTwitchServer) MockChatSend(sent chan<- map[string]string) {
	m.Handle("POST /helix/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
		if sent != nil {
			sent <- body
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"message_id": "sent-1", "is_sent": true}}})
	})
}

// MockOAuthTokenResponse answers the refresh grant at /oauth2/token.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("POST /oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"scope":         []string{"chat:read", "user:write:chat"},
			"token_type":    "bearer",
		})
	})
}
