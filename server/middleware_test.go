package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chatgate/chat"
)

func TestAdminAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	tests := []struct {
		name  string
		cfg   AuthConfig
		setup func(r *http.Request)
		want  int
	}{
		{"unconfigured is open", AuthConfig{}, func(r *http.Request) {}, http.StatusOK},
		{"token accepted", AuthConfig{Token: "secret"}, func(r *http.Request) { r.Header.Set("X-Admin-Token", "secret") }, http.StatusOK},
		{"wrong token", AuthConfig{Token: "secret"}, func(r *http.Request) { r.Header.Set("X-Admin-Token", "nope") }, http.StatusUnauthorized},
		{"basic accepted", AuthConfig{Username: "admin", Password: "pw"}, func(r *http.Request) { r.SetBasicAuth("admin", "pw") }, http.StatusOK},
		{"basic wrong password", AuthConfig{Username: "admin", Password: "pw"}, func(r *http.Request) { r.SetBasicAuth("admin", "x") }, http.StatusUnauthorized},
		{"basic alongside token", AuthConfig{Username: "admin", Password: "pw", Token: "secret"}, func(r *http.Request) { r.SetBasicAuth("admin", "pw") }, http.StatusOK},
		{"no credentials", AuthConfig{Token: "secret"}, func(r *http.Request) {}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/chat/send", nil)
			tt.setup(req)
			rr := httptest.NewRecorder()
			adminAuth(ok, tt.cfg).ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestSendRateLimit(t *testing.T) {
	mux := newTestMux(t, Options{Chat: newFakeChat(chat.StateReady), SendRatePerMinute: 2})
	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/chat/send", strings.NewReader(`{"text":"hi"}`))
		req.Header.Set("X-Forwarded-For", ip)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr.Code
	}
	for i := 0; i < 2; i++ {
		if code := send("10.0.0.1"); code != http.StatusAccepted {
			t.Fatalf("request %d = %d, want 202", i, code)
		}
	}
	if code := send("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", code)
	}
	if code := send("10.0.0.2"); code != http.StatusAccepted {
		t.Errorf("other ip = %d, want 202", code)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := newIPRateLimiter(ctx, 1, 20*time.Millisecond)
	if !rl.allow("a") {
		t.Fatal("first request refused")
	}
	if rl.allow("a") {
		t.Fatal("second request allowed inside window")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.allow("a") {
		t.Error("request refused after window passed")
	}

	off := newIPRateLimiter(ctx, 0, time.Minute)
	for i := 0; i < 100; i++ {
		if !off.allow("a") {
			t.Fatal("disabled limiter refused a request")
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		fwd    string
		remote string
		want   string
	}{
		{"forwarded first hop", "203.0.113.5, 10.0.0.1", "10.0.0.1:1234", "203.0.113.5"},
		{"remote addr", "", "192.0.2.7:5555", "192.0.2.7"},
		{"remote without port", "", "192.0.2.7", "192.0.2.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	tests := []struct {
		name      string
		cfg       CORSConfig
		method    string
		origin    string
		wantAllow string
		wantCode  int
	}{
		{"permissive", CORSConfig{Permissive: true}, http.MethodGet, "https://any.example", "*", http.StatusOK},
		{"exact origin", CORSConfig{AllowedOrigins: []string{"https://ops.example.com"}}, http.MethodGet, "https://ops.example.com", "https://ops.example.com", http.StatusOK},
		{"wildcard subdomain", CORSConfig{AllowedOrigins: []string{"*.example.com"}}, http.MethodGet, "https://dash.example.com", "https://dash.example.com", http.StatusOK},
		{"wildcard apex", CORSConfig{AllowedOrigins: []string{"*.example.com"}}, http.MethodGet, "https://example.com", "https://example.com", http.StatusOK},
		{"unlisted origin", CORSConfig{AllowedOrigins: []string{"https://ops.example.com"}}, http.MethodGet, "https://evil.example", "", http.StatusOK},
		{"preflight", CORSConfig{Permissive: true}, http.MethodOptions, "https://any.example", "*", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/status", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()
			withCORS(next, tt.cfg).ServeHTTP(rr, req)
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}
