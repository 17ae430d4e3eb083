package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Condition scopes a subscription to a broadcaster (and, for chat, the reading user).
type Condition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
	UserID            string `json:"user_id,omitempty"`
}

// Transport binds a subscription to a WebSocket session.
type Transport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id"`
}

// SubscriptionRequest is the body of POST /eventsub/subscriptions.
type SubscriptionRequest struct {
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Condition Condition `json:"condition"`
	Transport Transport `json:"transport"`
}

// WebSocketTransport returns the transport for a welcomed session id.
func WebSocketTransport(sessionID string) Transport {
	return Transport{Method: "websocket", SessionID: sessionID}
}

// CreateEventSubSubscription registers a subscription and returns its id.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, req SubscriptionRequest, auth Auth) (string, error) {
	if req.Transport.SessionID == "" {
		return "", fmt.Errorf("session id empty")
	}
	var body struct {
		Data []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, auth, req, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 || body.Data[0].ID == "" {
		return "", fmt.Errorf("subscription %s: empty response", req.Type)
	}
	return body.Data[0].ID, nil
}

// DeleteEventSubSubscription removes a subscription by id.
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, id string, auth Auth) error {
	if id == "" {
		return fmt.Errorf("subscription id empty")
	}
	return hc.do(ctx, http.MethodDelete, "/eventsub/subscriptions", url.Values{"id": {id}}, auth, nil, nil)
}
