package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MockEventSubServer is a fake EventSub gateway. Every accepted socket is
// handed to the test through Accept; the test scripts the frames it sends.
type MockEventSubServer struct {
	*httptest.Server

	conns chan *GatewayConn
	mu    sync.Mutex
	all   []*GatewayConn
}

// GatewayConn is the server side of one client socket.
type GatewayConn struct {
	Path    string
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  chan struct{}
}

// NewMockEventSubServer starts a gateway that is shut down with the test.
func NewMockEventSubServer(t *testing.T) *MockEventSubServer {
	t.Helper()
	m := &MockEventSubServer{conns: make(chan *GatewayConn, 16)}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		gc := &GatewayConn{Path: r.URL.Path, ws: ws, closed: make(chan struct{})}
		m.mu.Lock()
		m.all = append(m.all, gc)
		m.mu.Unlock()
		m.conns <- gc
		defer close(gc.closed)
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		m.mu.Lock()
		for _, gc := range m.all {
			_ = gc.ws.Close()
		}
		m.mu.Unlock()
		m.Close()
	})
	return m
}

// WSURL returns the ws:// address of path on the server.
func (m *MockEventSubServer) WSURL(path string) string {
	return "ws" + strings.TrimPrefix(m.URL, "http") + path
}

// Accept waits for the next client socket.
func (m *MockEventSubServer) Accept(t *testing.T, timeout time.Duration) *GatewayConn {
	t.Helper()
	select {
	case gc := <-m.conns:
		return gc
	case <-time.After(timeout):
		t.Fatalf("no client connected within %v", timeout)
		return nil
	}
}

// ExpectNoConn fails if a client connects within d.
func (m *MockEventSubServer) ExpectNoConn(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case gc := <-m.conns:
		t.Fatalf("unexpected client connection on %s", gc.Path)
	case <-time.After(d):
	}
}

// Send writes one text frame to the client.
func (g *GatewayConn) Send(t *testing.T, frame []byte) {
	t.Helper()
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("gateway write: %v", err)
	}
}

// Drop closes the socket without a close frame, like a network fault.
func (g *GatewayConn) Drop() {
	_ = g.ws.UnderlyingConn().Close()
}

// Closed is closed once the client socket is gone.
func (g *GatewayConn) Closed() <-chan struct{} { return g.closed }

// WaitClosed fails the test unless the client closes the socket within timeout.
func (g *GatewayConn) WaitClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-g.closed:
	case <-time.After(timeout):
		t.Fatalf("socket %s still open after %v", g.Path, timeout)
	}
}

// WelcomeFrame builds a session_welcome frame.
func WelcomeFrame(sessionID string, keepaliveSeconds int) []byte {
	return gatewayFrame("session_welcome", uuid.NewString(), "", map[string]any{
		"session": map[string]any{
			"id":                        sessionID,
			"status":                    "connected",
			"keepalive_timeout_seconds": keepaliveSeconds,
			"reconnect_url":             nil,
		},
	})
}

// KeepaliveFrame builds a session_keepalive frame.
func KeepaliveFrame() []byte {
	return gatewayFrame("session_keepalive", uuid.NewString(), "", map[string]any{})
}

// ReconnectFrame builds a session_reconnect frame pointing at url.
func ReconnectFrame(sessionID, url string) []byte {
	return gatewayFrame("session_reconnect", uuid.NewString(), "", map[string]any{
		"session": map[string]any{
			"id":                        sessionID,
			"status":                    "reconnecting",
			"keepalive_timeout_seconds": nil,
			"reconnect_url":             url,
		},
	})
}

// NotificationFrame builds a notification frame carrying event.
func NotificationFrame(messageID, subscriptionType string, event any) []byte {
	return gatewayFrame("notification", messageID, subscriptionType, map[string]any{
		"subscription": map[string]any{
			"id":      uuid.NewString(),
			"type":    subscriptionType,
			"version": "1",
			"status":  "enabled",
		},
		"event": event,
	})
}

// RevocationFrame builds a revocation frame.
func RevocationFrame(subscriptionType, status string) []byte {
	return gatewayFrame("revocation", uuid.NewString(), subscriptionType, map[string]any{
		"subscription": map[string]any{
			"id":      uuid.NewString(),
			"type":    subscriptionType,
			"version": "1",
			"status":  status,
		},
	})
}

func gatewayFrame(messageType, messageID, subscriptionType string, payload any) []byte {
	meta := map[string]any{
		"message_id":        messageID,
		"message_type":      messageType,
		"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if subscriptionType != "" {
		meta["subscription_type"] = subscriptionType
		meta["subscription_version"] = "1"
	}
	b, err := json.Marshal(map[string]any{"metadata": meta, "payload": payload})
	if err != nil {
		panic(err)
	}
	return b
}
