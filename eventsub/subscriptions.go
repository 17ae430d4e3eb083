package eventsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/onnwee/chatgate/twitchapi"
)

// SubscriptionAPI is the part of the Platform API that manages subscriptions.
type SubscriptionAPI interface {
	CreateEventSubSubscription(ctx context.Context, req twitchapi.SubscriptionRequest, auth twitchapi.Auth) (string, error)
	DeleteEventSubSubscription(ctx context.Context, id string, auth twitchapi.Auth) error
}

// Target is the identity subscriptions are created for. It is read at
// subscribe time so token and channel updates apply to the next session.
type Target struct {
	Auth          twitchapi.Auth
	BroadcasterID string
	UserID        string
}

// Handlers receive decoded events. Nil handlers discard.
type Handlers struct {
	ChatMessage func(ChatMessageEvent)
	Redemption  func(RedemptionEvent)
}

// CoreRegistry returns the registry for the bot session (chat messages) or,
// when broadcaster is true, for the broadcaster session (reward redemptions).
func CoreRegistry(broadcaster bool, api SubscriptionAPI, target func() Target, h Handlers) *Registry {
	var sub Subscription
	if broadcaster {
		sub = newSubscription(TypeRewardRedemption, "1", api, target, func(t Target) twitchapi.Condition {
			return twitchapi.Condition{BroadcasterUserID: t.BroadcasterID}
		}, decodeInto(h.Redemption))
	} else {
		sub = newSubscription(TypeChatMessage, "1", api, target, func(t Target) twitchapi.Condition {
			return twitchapi.Condition{BroadcasterUserID: t.BroadcasterID, UserID: t.UserID}
		}, decodeInto(h.ChatMessage))
	}
	r, err := NewRegistry(sub)
	if err != nil {
		// static entries; unreachable unless the constructors above change
		panic(err)
	}
	return r
}

func newSubscription(typ, version string, api SubscriptionAPI, target func() Target, cond func(Target) twitchapi.Condition, dispatch func(json.RawMessage) error) Subscription {
	return Subscription{
		Type:    typ,
		Version: version,
		Subscribe: func(ctx context.Context, sessionID string) (string, error) {
			t := target()
			return api.CreateEventSubSubscription(ctx, twitchapi.SubscriptionRequest{
				Type:      typ,
				Version:   version,
				Condition: cond(t),
				Transport: twitchapi.WebSocketTransport(sessionID),
			}, t.Auth)
		},
		Unsubscribe: func(ctx context.Context, id string) error {
			return api.DeleteEventSubSubscription(ctx, id, target().Auth)
		},
		Dispatch: dispatch,
	}
}

func decodeInto[T any](fn func(T)) func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		var ev T
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("decode %T: %w", ev, err)
		}
		if fn != nil {
			fn(ev)
		}
		return nil
	}
}
