package eventsub

import "time"

// Subscription types handled by the core registry.
const (
	TypeChatMessage      = "channel.chat.message"
	TypeRewardRedemption = "channel.channel_points_custom_reward_redemption.add"
)

// ChatMessageEvent is the event body of channel.chat.message.
type ChatMessageEvent struct {
	BroadcasterUserID    string      `json:"broadcaster_user_id"`
	BroadcasterUserLogin string      `json:"broadcaster_user_login"`
	BroadcasterUserName  string      `json:"broadcaster_user_name"`
	ChatterUserID        string      `json:"chatter_user_id"`
	ChatterUserLogin     string      `json:"chatter_user_login"`
	ChatterUserName      string      `json:"chatter_user_name"`
	MessageID            string      `json:"message_id"`
	Message              ChatText    `json:"message"`
	Color                string      `json:"color"`
	Badges               []BadgeInfo `json:"badges"`
	Reply                *ChatReply  `json:"reply"`
	RewardID             string      `json:"channel_points_custom_reward_id"`
}

// ChatText is the full text of a chat message split into fragments.
type ChatText struct {
	Text      string         `json:"text"`
	Fragments []ChatFragment `json:"fragments"`
}

// ChatFragment is a run of text, an emote, a cheermote or a mention.
type ChatFragment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// BadgeInfo identifies a badge shown next to a chatter.
type BadgeInfo struct {
	SetID string `json:"set_id"`
	ID    string `json:"id"`
	Info  string `json:"info"`
}

// ChatReply references the message a chat message replies to.
type ChatReply struct {
	ParentMessageID   string `json:"parent_message_id"`
	ParentMessageBody string `json:"parent_message_body"`
	ParentUserID      string `json:"parent_user_id"`
	ParentUserLogin   string `json:"parent_user_login"`
	ParentUserName    string `json:"parent_user_name"`
}

// RedemptionEvent is the event body of a channel points reward redemption.
type RedemptionEvent struct {
	ID                   string    `json:"id"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	BroadcasterUserName  string    `json:"broadcaster_user_name"`
	UserID               string    `json:"user_id"`
	UserLogin            string    `json:"user_login"`
	UserName             string    `json:"user_name"`
	UserInput            string    `json:"user_input"`
	Status               string    `json:"status"`
	RedeemedAt           time.Time `json:"redeemed_at"`
	Reward               Reward    `json:"reward"`
}

// Reward is the redeemed custom reward.
type Reward struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Prompt string `json:"prompt"`
	Cost   int    `json:"cost"`
}
