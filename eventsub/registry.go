package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Subscription is one event type the session subscribes to and dispatches.
type Subscription struct {
	Type    string
	Version string

	// Subscribe creates the subscription on a welcomed session and returns its id.
	Subscribe func(ctx context.Context, sessionID string) (string, error)
	// Unsubscribe removes a subscription created by Subscribe. Optional.
	Unsubscribe func(ctx context.Context, id string) error
	// Dispatch parses a notification event body and hands it to the application.
	Dispatch func(event json.RawMessage) error
}

// Registry is the fixed set of subscriptions a session serves, keyed by type.
type Registry struct {
	entries []Subscription
	byType  map[string]int
}

// NewRegistry builds a registry. Types must be unique and every entry needs
// Subscribe and Dispatch.
func NewRegistry(subs ...Subscription) (*Registry, error) {
	r := &Registry{byType: make(map[string]int, len(subs))}
	for _, s := range subs {
		if s.Type == "" {
			return nil, fmt.Errorf("subscription type empty")
		}
		if s.Subscribe == nil || s.Dispatch == nil {
			return nil, fmt.Errorf("subscription %s: subscribe and dispatch required", s.Type)
		}
		if _, dup := r.byType[s.Type]; dup {
			return nil, fmt.Errorf("subscription %s registered twice", s.Type)
		}
		r.byType[s.Type] = len(r.entries)
		r.entries = append(r.entries, s)
	}
	return r, nil
}

// Lookup returns the subscription registered for typ.
func (r *Registry) Lookup(typ string) (Subscription, bool) {
	if r == nil {
		return Subscription{}, false
	}
	i, ok := r.byType[typ]
	if !ok {
		return Subscription{}, false
	}
	return r.entries[i], true
}

// All returns the subscriptions in registration order.
func (r *Registry) All() []Subscription {
	if r == nil {
		return nil
	}
	out := make([]Subscription, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}
