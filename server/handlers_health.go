package server

import (
	"fmt"
	"net/http"

	"github.com/onnwee/chatgate/chat"
)

// HandleHealthz answers 200 while the chat client is ready.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.opts.Chat.State() != chat.StateReady {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs each readiness check and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"chat", func() error {
			if s := h.opts.Chat.State(); s != chat.StateReady {
				return fmt.Errorf("chat client %s", s)
			}
			return nil
		}},
		{"database", func() error {
			if h.opts.DB == nil {
				return nil
			}
			return h.opts.DB.PingContext(r.Context())
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sessionStatus struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	SessionID   string `json:"session_id,omitempty"`
	OpenSockets int    `json:"open_sockets"`
}

// HandleStatus reports the client state, identities, queue and sessions.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"state":       h.opts.Chat.State().String(),
		"queue_depth": h.opts.Chat.QueueDepth(),
		"listeners":   h.opts.Hub.Len(),
	}
	if creds, ok := h.opts.Chat.Credentials(); ok {
		out["channel"] = creds.Broadcaster.Login
		out["bot"] = creds.Bot.Login
		out["broadcaster_session"] = creds.HasBroadcasterToken()
	}
	sessions := make([]sessionStatus, 0)
	for _, s := range h.opts.Chat.Sessions() {
		sessions = append(sessions, sessionStatus{
			Name:        s.Name(),
			State:       s.State().String(),
			SessionID:   s.SessionID(),
			OpenSockets: s.OpenConns(),
		})
	}
	out["sessions"] = sessions
	writeJSON(w, http.StatusOK, out)
}
