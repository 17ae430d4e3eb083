package chat

import (
	"strings"
	"time"
	"unicode"

	"github.com/onnwee/chatgate/eventsub"
	"github.com/onnwee/chatgate/twitchapi"
)

// ChatMessage is a chat line as delivered to the application.
type ChatMessage struct {
	ID          string
	ChannelID   string
	Channel     string
	UserID      string
	Login       string
	DisplayName string
	Text        string
	Color       string
	Badges      []twitchapi.BadgeVersion
	Reply       *eventsub.ChatReply
	RewardID    string
	Received    time.Time

	IsBroadcaster bool
	IsModerator   bool
	IsVIP         bool
	IsSubscriber  bool
}

// Redemption is a channel points reward redemption.
type Redemption struct {
	ID               string
	BroadcasterID    string
	BroadcasterLogin string
	UserID           string
	UserLogin        string
	UserName         string
	Text             string
	Status           string
	RedeemedAt       time.Time
	Reward           eventsub.Reward
}

// Runes chat clients insert to defeat duplicate-message detection.
const (
	tagSpace      = '\U000E0000'
	graphemeJoint = '\u034F'
)

// Sanitize strips control and invisible filler characters and trims spaces.
func Sanitize(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == tagSpace || r == graphemeJoint || unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
}

func messageText(ev eventsub.ChatMessageEvent) string {
	if len(ev.Message.Fragments) == 0 {
		return Sanitize(ev.Message.Text)
	}
	parts := make([]string, 0, len(ev.Message.Fragments))
	for i, f := range ev.Message.Fragments {
		// replies start with a mention of the parent author
		if i == 0 && ev.Reply != nil && f.Type == "mention" {
			continue
		}
		if t := Sanitize(f.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func newChatMessage(ev eventsub.ChatMessageEvent, badges *badgeCache) ChatMessage {
	msg := ChatMessage{
		ID:          ev.MessageID,
		ChannelID:   ev.BroadcasterUserID,
		Channel:     ev.BroadcasterUserLogin,
		UserID:      ev.ChatterUserID,
		Login:       ev.ChatterUserLogin,
		DisplayName: ev.ChatterUserName,
		Text:        messageText(ev),
		Color:       ev.Color,
		Reply:       ev.Reply,
		RewardID:    ev.RewardID,
		Received:    time.Now().UTC(),
	}
	if badges != nil {
		msg.Badges = badges.resolve(ev.Badges)
	}
	for _, b := range ev.Badges {
		switch b.SetID {
		case "broadcaster":
			msg.IsBroadcaster = true
		case "moderator":
			msg.IsModerator = true
		case "vip":
			msg.IsVIP = true
		case "subscriber":
			msg.IsSubscriber = true
		}
	}
	return msg
}

func newRedemption(ev eventsub.RedemptionEvent) Redemption {
	return Redemption{
		ID:               ev.ID,
		BroadcasterID:    ev.BroadcasterUserID,
		BroadcasterLogin: ev.BroadcasterUserLogin,
		UserID:           ev.UserID,
		UserLogin:        ev.UserLogin,
		UserName:         ev.UserName,
		Text:             Sanitize(ev.UserInput),
		Status:           ev.Status,
		RedeemedAt:       ev.RedeemedAt,
		Reward:           ev.Reward,
	}
}
