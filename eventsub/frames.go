package eventsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Gateway message types.
const (
	MessageWelcome      = "session_welcome"
	MessageKeepalive    = "session_keepalive"
	MessageReconnect    = "session_reconnect"
	MessageNotification = "notification"
	MessageRevocation   = "revocation"
)

// Metadata is the envelope header every gateway frame carries.
type Metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

// Frame is a decoded envelope with the payload left raw.
type Frame struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// SessionInfo is the session object of welcome and reconnect frames.
type SessionInfo struct {
	ID                      string  `json:"id"`
	Status                  string  `json:"status"`
	KeepaliveTimeoutSeconds *int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            *string `json:"reconnect_url"`
}

type sessionPayload struct {
	Session SessionInfo `json:"session"`
}

// SubscriptionInfo describes the subscription a notification or revocation belongs to.
type SubscriptionInfo struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

type notificationPayload struct {
	Subscription SubscriptionInfo `json:"subscription"`
	Event        json.RawMessage  `json:"event"`
}

var errMalformed = errors.New("malformed frame")

func decodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if f.Metadata.MessageType == "" {
		return nil, fmt.Errorf("%w: missing message_type", errMalformed)
	}
	return &f, nil
}

func (f *Frame) session() (*SessionInfo, error) {
	var p sessionPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", errMalformed, f.Metadata.MessageType, err)
	}
	return &p.Session, nil
}

func (f *Frame) notification() (*notificationPayload, error) {
	var p notificationPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: notification payload: %v", errMalformed, err)
	}
	if p.Subscription.Type == "" {
		p.Subscription.Type = f.Metadata.SubscriptionType
	}
	return &p, nil
}
