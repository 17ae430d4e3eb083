package chat

import (
	"testing"

	"github.com/onnwee/chatgate/eventsub"
	"github.com/onnwee/chatgate/twitchapi"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello", "hello"},
		{"  padded  ", "padded"},
		{"dup\U000E0000", "dup"},
		{"co\u034Fmbined", "combined"},
		{"bell\a and\x00 nul", "bell and nul"},
		{"line\nbreak", "linebreak"},
		{"émote ♥", "émote ♥"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewChatMessage(t *testing.T) {
	ev := eventsub.ChatMessageEvent{
		BroadcasterUserID:    "1001",
		BroadcasterUserLogin: "caster",
		ChatterUserID:        "42",
		ChatterUserLogin:     "viewer",
		ChatterUserName:      "Viewer",
		MessageID:            "m1",
		Color:                "#FF0000",
		Message: eventsub.ChatText{
			Text: "@parent !so alice",
			Fragments: []eventsub.ChatFragment{
				{Type: "mention", Text: "@parent"},
				{Type: "text", Text: " !so alice\U000E0000 "},
			},
		},
		Reply: &eventsub.ChatReply{ParentMessageID: "p1", ParentUserLogin: "parent"},
		Badges: []eventsub.BadgeInfo{
			{SetID: "moderator", ID: "1"},
			{SetID: "subscriber", ID: "12"},
			{SetID: "unknown", ID: "1"},
		},
	}
	cache := &badgeCache{}
	cache.setGlobal([]twitchapi.BadgeSet{{SetID: "moderator", Versions: []twitchapi.BadgeVersion{{ID: "1", Title: "Moderator"}}}})
	cache.setChannel([]twitchapi.BadgeSet{{SetID: "subscriber", Versions: []twitchapi.BadgeVersion{{ID: "12", Title: "1-Year Subscriber"}}}})

	msg := newChatMessage(ev, cache)
	if msg.Text != "!so alice" {
		t.Errorf("Text = %q, want reply mention dropped", msg.Text)
	}
	if !msg.IsModerator || !msg.IsSubscriber || msg.IsBroadcaster || msg.IsVIP {
		t.Errorf("role flags = %+v", msg)
	}
	if len(msg.Badges) != 2 || msg.Badges[0].Title != "Moderator" || msg.Badges[1].Title != "1-Year Subscriber" {
		t.Errorf("badges = %+v", msg.Badges)
	}
	if msg.Channel != "caster" || msg.UserID != "42" || msg.Reply == nil || msg.Reply.ParentMessageID != "p1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestMessageTextKeepsLeadingMentionWithoutReply(t *testing.T) {
	ev := eventsub.ChatMessageEvent{Message: eventsub.ChatText{Fragments: []eventsub.ChatFragment{
		{Type: "mention", Text: "@friend"},
		{Type: "text", Text: " hi"},
	}}}
	if got := messageText(ev); got != "@friend hi" {
		t.Errorf("messageText = %q", got)
	}
	if got := messageText(eventsub.ChatMessageEvent{Message: eventsub.ChatText{Text: " raw "}}); got != "raw" {
		t.Errorf("messageText without fragments = %q", got)
	}
}

func TestBadgeCacheNeedsBothSets(t *testing.T) {
	cache := &badgeCache{}
	cache.setGlobal([]twitchapi.BadgeSet{{SetID: "vip", Versions: []twitchapi.BadgeVersion{{ID: "1"}}}})
	if got := cache.resolve([]eventsub.BadgeInfo{{SetID: "vip", ID: "1"}}); got != nil {
		t.Errorf("resolve before channel set loaded = %+v, want nil", got)
	}
}

func TestNewRedemptionSanitizesInput(t *testing.T) {
	r := newRedemption(eventsub.RedemptionEvent{ID: "r1", UserLogin: "viewer", UserInput: " hi\x07 ", Reward: eventsub.Reward{Title: "Hydrate"}})
	if r.Text != "hi" || r.Reward.Title != "Hydrate" || r.UserLogin != "viewer" {
		t.Errorf("redemption = %+v", r)
	}
}
