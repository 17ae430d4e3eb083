package eventsub

import (
	"errors"
	"fmt"
)

// Kind classifies errors surfaced to the application.
type Kind int

const (
	// KindTransient is a socket-level failure; the stream may recover by reconnecting.
	KindTransient Kind = iota
	// KindProtocol is a malformed or unexpected frame. It is dropped; the connection stays up.
	KindProtocol
	// KindSubscription means a subscription could not be created or was revoked.
	KindSubscription
	// KindAuth is a credential validation failure.
	KindAuth
	// KindSend is a failed outbound message.
	KindSend
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindSubscription:
		return "subscription"
	case KindAuth:
		return "auth"
	case KindSend:
		return "send"
	default:
		return "unknown"
	}
}

var (
	ErrWelcomeTimeout   = errors.New("no welcome frame before timeout")
	ErrKeepaliveTimeout = errors.New("no frame within keepalive window")
	ErrHandoffDeadline  = errors.New("reconnect candidate missed handoff deadline")
	ErrSessionClosed    = errors.New("session closed")
)

// Error carries a Kind and the operation that failed. Reconnecting marks errors
// produced while a reconnect was already in progress.
type Error struct {
	Kind         Kind
	Op           string
	Err          error
	Reconnecting bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with kind and op.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, treating unclassified errors as transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsReconnecting reports whether err was raised by an in-progress reconnect.
func IsReconnecting(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Reconnecting
}
