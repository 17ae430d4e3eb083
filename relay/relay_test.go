package relay

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chatgate/chat"
	"github.com/onnwee/chatgate/eventsub"
	"github.com/onnwee/chatgate/twitchapi"
)

func TestMessageEvent(t *testing.T) {
	now := time.Now()
	ev := MessageEvent(chat.ChatMessage{
		ID:            "m1",
		Channel:       "caster",
		UserID:        "7",
		Login:         "viewer",
		DisplayName:   "Viewer",
		Text:          "hi",
		Badges:        []twitchapi.BadgeVersion{{ID: "1", Title: "VIP"}},
		Reply:         &eventsub.ChatReply{ParentMessageID: "p1"},
		IsBroadcaster: true,
		Received:      now,
	})
	if ev.Type != TypeMessage || ev.Username != "viewer" || ev.Message != "hi" || ev.ReplyTo != "p1" || !ev.Broadcaster {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Badges) != 1 || ev.Badges[0] != "VIP" || !ev.Received.Equal(now) {
		t.Errorf("badges %v received %v", ev.Badges, ev.Received)
	}
	if MessageEvent(chat.ChatMessage{ID: "m2"}).ReplyTo != "" {
		t.Error("reply set without parent")
	}
}

func TestRedemptionEvent(t *testing.T) {
	ev := RedemptionEvent(chat.Redemption{
		ID:               "r1",
		BroadcasterLogin: "caster",
		UserLogin:        "viewer",
		Text:             "water",
		Reward:           eventsub.Reward{Title: "Hydrate"},
	})
	if ev.Type != TypeRedemption || ev.Channel != "caster" || ev.Reward != "Hydrate" || ev.Message != "water" {
		t.Errorf("event = %+v", ev)
	}
}

func TestNewRedisPublisherRejectsBadURL(t *testing.T) {
	if _, err := NewRedisPublisher(context.Background(), "not a url", ""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisPublisher(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub, err := NewRedisPublisher(ctx, url, "chatgate-test")
	if err != nil {
		t.Fatalf("NewRedisPublisher: %v", err)
	}
	defer pub.Close()

	opts, _ := redis.ParseURL(url)
	sub := redis.NewClient(opts).Subscribe(ctx, pub.Topic("caster", TypeMessage))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := pub.PublishMessage(ctx, chat.ChatMessage{ID: "m1", Channel: "caster", Text: "hello"}); err != nil {
		t.Fatalf("PublishMessage: %v", err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID != "m1" || ev.Message != "hello" {
		t.Errorf("relayed = %+v", ev)
	}
}
