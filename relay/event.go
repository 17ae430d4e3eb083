// Package relay encodes chat events for consumers outside the process: the
// ops SSE stream and, when REDIS_URL is set, Redis pub/sub channels.
package relay

import (
	"time"

	"github.com/onnwee/chatgate/chat"
)

// Event is the JSON shape of one chat message or redemption as relayed.
type Event struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Message     string    `json:"message"`
	Color       string    `json:"color,omitempty"`
	Badges      []string  `json:"badges,omitempty"`
	ReplyTo     string    `json:"reply_to,omitempty"`
	Moderator   bool      `json:"moderator,omitempty"`
	Broadcaster bool      `json:"broadcaster,omitempty"`
	Reward      string    `json:"reward,omitempty"`
	Received    time.Time `json:"received_at"`
}

// Event types.
const (
	TypeMessage    = "message"
	TypeRedemption = "redemption"
)

// MessageEvent converts a chat message.
func MessageEvent(m chat.ChatMessage) Event {
	out := Event{
		Type:        TypeMessage,
		ID:          m.ID,
		Channel:     m.Channel,
		UserID:      m.UserID,
		Username:    m.Login,
		DisplayName: m.DisplayName,
		Message:     m.Text,
		Color:       m.Color,
		Moderator:   m.IsModerator,
		Broadcaster: m.IsBroadcaster,
		Received:    m.Received,
	}
	for _, b := range m.Badges {
		out.Badges = append(out.Badges, b.Title)
	}
	if m.Reply != nil {
		out.ReplyTo = m.Reply.ParentMessageID
	}
	return out
}

// RedemptionEvent converts a reward redemption.
func RedemptionEvent(r chat.Redemption) Event {
	return Event{
		Type:        TypeRedemption,
		ID:          r.ID,
		Channel:     r.BroadcasterLogin,
		UserID:      r.UserID,
		Username:    r.UserLogin,
		DisplayName: r.UserName,
		Message:     r.Text,
		Reward:      r.Reward.Title,
		Received:    r.RedeemedAt,
	}
}
