// Package twitchapi contains the Twitch Helix and id.twitch.tv calls the chat
// client depends on: token validation, user lookup, EventSub subscription
// management, chat messages, whispers and chat badges. Every call is made with
// a user access token; app tokens cannot create WebSocket subscriptions.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/chatgate/telemetry"
)

const (
	defaultHelixURL = "https://api.twitch.tv/helix"
	defaultAuthURL  = "https://id.twitch.tv/oauth2"
)

// ErrUnauthorized is wrapped by APIError when Twitch answers 401.
var ErrUnauthorized = errors.New("twitch: unauthorized")

// APIError is returned for non-2xx Helix responses.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch %s %s failed: %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Is lets callers match 401 responses with errors.Is(err, ErrUnauthorized).
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Auth is the user access token and the client id it was issued to.
type Auth struct {
	Token    string
	ClientID string
}

// HelixClient talks to Helix on behalf of user tokens passed per call.
type HelixClient struct {
	BaseURL    string
	AuthURL    string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) helixURL(path string) string {
	base := hc.BaseURL
	if base == "" {
		base = defaultHelixURL
	}
	return strings.TrimRight(base, "/") + path
}

func (hc *HelixClient) authURL(path string) string {
	base := hc.AuthURL
	if base == "" {
		base = defaultAuthURL
	}
	return strings.TrimRight(base, "/") + path
}

// do sends a Helix request and decodes a JSON response into out (when non-nil).
func (hc *HelixClient) do(ctx context.Context, method, path string, query url.Values, auth Auth, body, out any) error {
	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "helix "+method+" "+path,
		attribute.String("http.method", method),
		attribute.String("helix.path", path),
	)
	defer span.End()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	u := hc.helixURL(path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", auth.ClientID)
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		telemetry.RecordError(span, apiErr)
		return apiErr
	}
	telemetry.SetSpanSuccess(span)
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// User is a Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// GetUser resolves a login name to its user record.
func (hc *HelixClient) GetUser(ctx context.Context, login string, auth Auth) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, auth, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found: %s", login)
	}
	return &body.Data[0], nil
}

// SentMessage is the result of a chat message send.
type SentMessage struct {
	MessageID  string `json:"message_id"`
	IsSent     bool   `json:"is_sent"`
	DropReason *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"drop_reason"`
}

// ErrMessageDropped is returned when Helix accepted a chat message but did not deliver it.
var ErrMessageDropped = errors.New("chat message dropped")

// SendChatMessage posts a chat message as senderID into broadcasterID's chat.
// A non-empty replyParentID makes it a threaded reply.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, text, replyParentID string, auth Auth) (*SentMessage, error) {
	if text == "" {
		return nil, fmt.Errorf("message empty")
	}
	payload := struct {
		BroadcasterID string `json:"broadcaster_id"`
		SenderID      string `json:"sender_id"`
		Message       string `json:"message"`
		ReplyParentID string `json:"reply_parent_message_id,omitempty"`
	}{broadcasterID, senderID, text, replyParentID}
	var body struct {
		Data []SentMessage `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/chat/messages", nil, auth, payload, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("empty send response")
	}
	sent := body.Data[0]
	if !sent.IsSent {
		if sent.DropReason != nil {
			return &sent, fmt.Errorf("%w: %s: %s", ErrMessageDropped, sent.DropReason.Code, sent.DropReason.Message)
		}
		return &sent, ErrMessageDropped
	}
	return &sent, nil
}

// SendWhisper sends a whisper from fromUserID to toUserID.
func (hc *HelixClient) SendWhisper(ctx context.Context, fromUserID, toUserID, text string, auth Auth) error {
	if text == "" {
		return fmt.Errorf("message empty")
	}
	if toUserID == "" {
		return fmt.Errorf("whisper target empty")
	}
	q := url.Values{"from_user_id": {fromUserID}, "to_user_id": {toUserID}}
	return hc.do(ctx, http.MethodPost, "/whispers", q, auth, map[string]string{"message": text}, nil)
}
