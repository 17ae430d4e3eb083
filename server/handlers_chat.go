package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chatgate/chat"
	"github.com/onnwee/chatgate/db"
	"github.com/onnwee/chatgate/eventsub"
	"github.com/onnwee/chatgate/relay"
	"github.com/onnwee/chatgate/telemetry"
)

const (
	maxSendBody     = 4 << 10
	streamHeartbeat = 15 * time.Second
)

// HandleChatStream streams live chat as Server-Sent Events until the client
// goes away.
func (h *Handlers) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	msgs, cancel := h.opts.Hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// comment line so clients see the stream open
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	log := telemetry.LoggerWithCorr(r.Context())
	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
		case m, ok := <-msgs:
			if !ok {
				return
			}
			b, err := json.Marshal(relay.MessageEvent(m))
			if err != nil {
				log.Warn("failed to encode chat event", slog.Any("err", err))
				continue
			}
			if _, err := w.Write([]byte("event: message\ndata: " + string(b) + "\n\n")); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

type sendRequest struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to"`
}

// HandleChatSend queues a chat message. It answers 202 once the message is
// queued; delivery failures surface on the client's error stream.
func (h *Handlers) HandleChatSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	if err := h.opts.Chat.SendMessage(req.Text, req.ReplyTo); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chat.ErrNotInitialized) {
			status = http.StatusServiceUnavailable
		} else if eventsub.KindOf(err) == eventsub.KindSend {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("chat message queued", slog.Int("len", len(req.Text)), slog.Bool("reply", req.ReplyTo != ""))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "queue_depth": h.opts.Chat.QueueDepth()})
}

// HandleChatRecent returns archived messages for the current channel.
func (h *Handlers) HandleChatRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.opts.Archive == nil {
		writeError(w, http.StatusNotFound, "chat archive disabled")
		return
	}
	channel := strings.ToLower(r.URL.Query().Get("channel"))
	if channel == "" {
		if creds, ok := h.opts.Chat.Credentials(); ok {
			channel = creds.Broadcaster.Login
		}
	}
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel required")
		return
	}
	msgs, err := h.opts.Archive.Recent(r.Context(), channel, parseIntQuery(r, "limit", 100))
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("archive query failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "archive query failed")
		return
	}
	if msgs == nil {
		msgs = []db.ArchivedMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
