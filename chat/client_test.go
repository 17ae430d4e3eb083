package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatgate/eventsub"
	"github.com/onnwee/chatgate/testutil"
	"github.com/onnwee/chatgate/twitchapi"
)

const waitTimeout = 3 * time.Second

type fakeAPI struct {
	mu       sync.Mutex
	tokens   map[string]*twitchapi.Validation
	users    map[string]*twitchapi.User
	created  []twitchapi.SubscriptionRequest
	deleted  []string
	sent     []string
	whispers []string
	failSend map[string]bool
	sendCh   chan string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		tokens: map[string]*twitchapi.Validation{
			"bot-token":    {ClientID: "cid", Login: "botuser", UserID: "42"},
			"caster-token": {ClientID: "cid", Login: "caster", UserID: "1001"},
			"other-token":  {ClientID: "cid", Login: "someoneelse", UserID: "7"},
		},
		users: map[string]*twitchapi.User{
			"caster": {ID: "1001", Login: "caster", DisplayName: "Caster"},
			"second": {ID: "2002", Login: "second", DisplayName: "Second"},
		},
		failSend: map[string]bool{},
		sendCh:   make(chan string, 16),
	}
}

func (f *fakeAPI) ValidateToken(ctx context.Context, token string) (*twitchapi.Validation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.tokens[token]
	if !ok {
		return nil, &twitchapi.APIError{Method: "GET", Path: "/validate", Status: 401, Body: "invalid access token"}
	}
	return v, nil
}

func (f *fakeAPI) GetUser(ctx context.Context, login string, auth twitchapi.Auth) (*twitchapi.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[login]
	if !ok {
		return nil, fmt.Errorf("user not found: %s", login)
	}
	return u, nil
}

func (f *fakeAPI) CreateEventSubSubscription(ctx context.Context, req twitchapi.SubscriptionRequest, auth twitchapi.Auth) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return fmt.Sprintf("sub-%d", len(f.created)), nil
}

func (f *fakeAPI) DeleteEventSubSubscription(ctx context.Context, id string, auth twitchapi.Auth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) SendChatMessage(ctx context.Context, broadcasterID, senderID, text, replyParentID string, auth twitchapi.Auth) (*twitchapi.SentMessage, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	fail := f.failSend[text]
	f.mu.Unlock()
	f.sendCh <- text
	if fail {
		return nil, twitchapi.ErrMessageDropped
	}
	return &twitchapi.SentMessage{MessageID: "x", IsSent: true}, nil
}

func (f *fakeAPI) SendWhisper(ctx context.Context, fromUserID, toUserID, text string, auth twitchapi.Auth) error {
	f.mu.Lock()
	f.whispers = append(f.whispers, toUserID+":"+text)
	f.mu.Unlock()
	f.sendCh <- text
	return nil
}

func (f *fakeAPI) GetGlobalBadges(ctx context.Context, auth twitchapi.Auth) ([]twitchapi.BadgeSet, error) {
	return []twitchapi.BadgeSet{{SetID: "moderator", Versions: []twitchapi.BadgeVersion{{ID: "1", Title: "Moderator"}}}}, nil
}

func (f *fakeAPI) GetChannelBadges(ctx context.Context, broadcasterID string, auth twitchapi.Auth) ([]twitchapi.BadgeSet, error) {
	return nil, errors.New("badges unavailable")
}

func (f *fakeAPI) createdTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.created {
		out = append(out, r.Type)
	}
	return out
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting on %T channel", *new(T))
		var zero T
		return zero
	}
}

func expectNone[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %+v", v)
	case <-time.After(d):
	}
}

func newTestClient(t *testing.T, api API, gw *testutil.MockEventSubServer, mod func(*Options)) *Client {
	t.Helper()
	opts := Options{
		EventSubURL:       gw.WSURL("/ws"),
		WelcomeTimeout:    2 * time.Second,
		KeepaliveGrace:    200 * time.Millisecond,
		SubscribeRetries:  1,
		SubscribeCooldown: 10 * time.Millisecond,
		SendInterval:      10 * time.Millisecond,
	}
	if mod != nil {
		mod(&opts)
	}
	c, err := New(api, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

// initialize runs Initialize and welcomes the expected number of sessions.
func initialize(t *testing.T, c *Client, gw *testutil.MockEventSubServer, cc ConnectionCredentials, sessions int) []*testutil.GatewayConn {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- c.Initialize(context.Background(), cc) }()
	var conns []*testutil.GatewayConn
	for i := 0; i < sessions; i++ {
		gc := gw.Accept(t, waitTimeout)
		gc.Send(t, testutil.WelcomeFrame(fmt.Sprintf("sess-%d", i), 10))
		conns = append(conns, gc)
	}
	if err := recv(t, errc); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return conns
}

func chatNotification(id, chatterID, text string) []byte {
	return testutil.NotificationFrame(id, eventsub.TypeChatMessage, map[string]any{
		"broadcaster_user_id":    "1001",
		"broadcaster_user_login": "caster",
		"chatter_user_id":        chatterID,
		"chatter_user_login":     "viewer",
		"message_id":             id,
		"message":                map[string]any{"text": text, "fragments": []any{map[string]any{"type": "text", "text": text}}},
		"badges":                 []any{map[string]any{"set_id": "moderator", "id": "1"}},
	})
}

func TestClientInitializeRejectsBadCredentials(t *testing.T) {
	tests := []struct {
		name string
		cc   ConnectionCredentials
	}{
		{"missing channel", ConnectionCredentials{BotToken: "bot-token"}},
		{"missing bot token", ConnectionCredentials{Channel: "caster"}},
		{"invalid bot token", ConnectionCredentials{Channel: "caster", BotToken: "nope"}},
		{"unknown channel", ConnectionCredentials{Channel: "ghost", BotToken: "bot-token"}},
		{"broadcaster token for another channel", ConnectionCredentials{Channel: "caster", BotToken: "bot-token", BroadcasterToken: "other-token"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := testutil.NewMockEventSubServer(t)
			c := newTestClient(t, newFakeAPI(), gw, nil)

			err := c.Initialize(context.Background(), tt.cc)
			if eventsub.KindOf(err) != eventsub.KindAuth {
				t.Fatalf("err = %v, want auth error", err)
			}
			if c.State() != StateUninitialized {
				t.Errorf("state = %s, want uninitialized", c.State())
			}
			if _, ok := c.Credentials(); ok {
				t.Error("credentials stored after failed validation")
			}
			if got := recv(t, c.Errors()); eventsub.KindOf(got) != eventsub.KindAuth {
				t.Errorf("published error = %v", got)
			}
			gw.ExpectNoConn(t, 50*time.Millisecond)
		})
	}
}

func TestClientInitializeAndReceive(t *testing.T) {
	gw := testutil.NewMockEventSubServer(t)
	api := newFakeAPI()
	c := newTestClient(t, api, gw, nil)

	conns := initialize(t, c, gw, ConnectionCredentials{Channel: "Caster", BotToken: "oauth:bot-token"}, 1)
	recv(t, c.Connected())
	if c.State() != StateReady {
		t.Fatalf("state = %s, want ready", c.State())
	}
	creds, _ := c.Credentials()
	if creds.Bot.UserID != "42" || creds.Bot.Token != "bot-token" || creds.Broadcaster.UserID != "1001" || creds.HasBroadcasterToken() {
		t.Errorf("credentials = %+v", creds)
	}
	if types := api.createdTypes(); len(types) != 1 || types[0] != eventsub.TypeChatMessage {
		t.Errorf("subscriptions = %v", types)
	}

	conns[0].Send(t, chatNotification("m1", "7", "!so alice"))
	msg := recv(t, c.Messages())
	if msg.Text != "!so alice" || !msg.IsModerator {
		t.Errorf("message = %+v", msg)
	}
	cmd := recv(t, c.Commands())
	if cmd.Name != "so" || len(cmd.Args) != 1 || cmd.Args[0] != "alice" {
		t.Errorf("command = %+v", cmd)
	}

	// the bot's own messages are not echoed back
	conns[0].Send(t, chatNotification("m2", "42", "hello"))
	expectNone(t, c.Messages(), 150*time.Millisecond)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClientSessionLogsCarryOneComponent(t *testing.T) {
	var out lockedBuffer
	gw := testutil.NewMockEventSubServer(t)
	c := newTestClient(t, newFakeAPI(), gw, func(o *Options) {
		o.Logger = slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})
	initialize(t, c, gw, ConnectionCredentials{Channel: "caster", BotToken: "bot-token"}, 1)
	recv(t, c.Connected())

	var sessionLines int
	for _, line := range strings.Split(out.String(), "\n") {
		if !strings.Contains(line, "component=eventsub") {
			continue
		}
		sessionLines++
		if n := strings.Count(line, "component="); n != 1 {
			t.Errorf("log line has %d component attributes: %s", n, line)
		}
	}
	if sessionLines == 0 {
		t.Fatalf("no session log lines in:\n%s", out.String())
	}
}

func TestClientConcurrentInitializeIsSingleFlight(t *testing.T) {
	gw := testutil.NewMockEventSubServer(t)
	c := newTestClient(t, newFakeAPI(), gw, nil)
	cc := ConnectionCredentials{Channel: "caster", BotToken: "bot-token"}

	errc := make(chan error, 1)
	go func() { errc <- c.Initialize(context.Background(), cc) }()
	gc := gw.Accept(t, waitTimeout)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Initialize(context.Background(), cc); err != nil {
				t.Errorf("concurrent Initialize: %v", err)
			}
		}()
	}
	wg.Wait()
	gw.ExpectNoConn(t, 100*time.Millisecond)

	gc.Send(t, testutil.WelcomeFrame("sess-1", 10))
	if err := recv(t, errc); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	recv(t, c.Connected())
	if err := c.Initialize(context.Background(), cc); err != nil {
		t.Errorf("Initialize when ready: %v", err)
	}
	gw.ExpectNoConn(t, 50*time.Millisecond)
}

func TestClientLifecycleCallsAreExclusive(t *testing.T) {
	cc := ConnectionCredentials{Channel: "caster", BotToken: "bot-token"}

	t.Run("initialize during reconnect", func(t *testing.T) {
		gw := testutil.NewMockEventSubServer(t)
		c := newTestClient(t, newFakeAPI(), gw, nil)
		conns := initialize(t, c, gw, cc, 1)
		recv(t, c.Connected())

		errc := make(chan error, 1)
		go func() { errc <- c.Reconnect(context.Background()) }()
		conns[0].WaitClosed(t, waitTimeout)
		gc := gw.Accept(t, waitTimeout)

		if err := c.Initialize(context.Background(), cc); err != nil {
			t.Fatalf("Initialize during Reconnect: %v", err)
		}
		gw.ExpectNoConn(t, 100*time.Millisecond)

		gc.Send(t, testutil.WelcomeFrame("sess-2", 10))
		if err := recv(t, errc); err != nil {
			t.Fatalf("Reconnect: %v", err)
		}
		recv(t, c.Connected())
		sessions := c.Sessions()
		if len(sessions) != 1 || sessions[0].OpenConns() != 1 || sessions[0].SessionID() != "sess-2" {
			t.Fatalf("sessions = %d, want one on sess-2", len(sessions))
		}
		if err := c.Disconnect(context.Background()); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		gc.WaitClosed(t, waitTimeout)
	})

	t.Run("reconnect during initialize", func(t *testing.T) {
		gw := testutil.NewMockEventSubServer(t)
		c := newTestClient(t, newFakeAPI(), gw, nil)

		errc := make(chan error, 1)
		go func() { errc <- c.Initialize(context.Background(), cc) }()
		gc := gw.Accept(t, waitTimeout)

		if err := c.Reconnect(context.Background()); err != nil {
			t.Fatalf("Reconnect during Initialize: %v", err)
		}
		gw.ExpectNoConn(t, 100*time.Millisecond)

		gc.Send(t, testutil.WelcomeFrame("sess-1", 10))
		if err := recv(t, errc); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		recv(t, c.Connected())
		if n := len(c.Sessions()); n != 1 {
			t.Fatalf("sessions = %d, want 1", n)
		}
	})
}

func TestClientStreamLossLeavesReady(t *testing.T) {
	gw := testutil.NewMockEventSubServer(t)
	c := newTestClient(t, newFakeAPI(), gw, nil)
	cc := ConnectionCredentials{Channel: "caster", BotToken: "bot-token"}
	conns := initialize(t, c, gw, cc, 1)
	recv(t, c.Connected())

	conns[0].Drop()
	recv(t, c.Disconnected())
	if c.State() != StateUninitialized {
		t.Fatalf("state after stream loss = %s, want uninitialized", c.State())
	}
	if _, ok := c.Credentials(); !ok {
		t.Fatal("credentials dropped on stream loss")
	}
	gw.ExpectNoConn(t, 100*time.Millisecond)

	// Initialize replaces the dead session
	initialize(t, c, gw, cc, 1)
	recv(t, c.Connected())
	if c.State() != StateReady {
		t.Errorf("state = %s, want ready", c.State())
	}
	if sessions := c.Sessions(); len(sessions) != 1 || sessions[0].OpenConns() != 1 {
		t.Errorf("sessions = %d, want one live session", len(sessions))
	}
}

func TestClientBroadcasterSessionConnectsOnce(t *testing.T) {
	gw := testutil.NewMockEventSubServer(t)
	api := newFakeAPI()
	c := newTestClient(t, api, gw, nil)

	conns := initialize(t, c, gw, ConnectionCredentials{Channel: "caster", BotToken: "bot-token", BroadcasterToken: "caster-token"}, 2)
	recv(t, c.Connected())
	expectNone(t, c.Connected(), 150*time.Millisecond)
	if n := len(c.Sessions()); n != 2 {
		t.Fatalf("sessions = %d, want 2", n)
	}

	types := api.createdTypes()
	if len(types) != 2 {
		t.Fatalf("subscriptions = %v", types)
	}
	seen := map[string]bool{types[0]: true, types[1]: true}
	if !seen[eventsub.TypeChatMessage] || !seen[eventsub.TypeRewardRedemption] {
		t.Errorf("subscriptions = %v", types)
	}

	redemption := testutil.NotificationFrame("r1", eventsub.TypeRewardRedemption, map[string]any{
		"id":         "r1",
		"user_login": "viewer",
		"user_input": "hi",
		"reward":     map[string]any{"id": "rw", "title": "Hydrate", "cost": 100},
	})
	for _, gc := range conns {
		gc.Send(t, redemption)
	}
	r := recv(t, c.Rewards())
	if r.ID != "r1" || r.Reward.Title != "Hydrate" {
		t.Errorf("redemption = %+v", r)
	}
}

func TestClientSendPipeline(t *testing.T) {
	gw := testutil.NewMockEventSubServer(t)
	api := newFakeAPI()
	api.failSend["B"] = true
	c := newTestClient(t, api, gw, nil)

	if err := c.SendMessage("early", ""); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("SendMessage before Initialize err = %v", err)
	}
	recv(t, c.Errors())

	initialize(t, c, gw, ConnectionCredentials{Channel: "caster", BotToken: "bot-token"}, 1)
	recv(t, c.Connected())

	for _, text := range []string{"A", "B", "C"} {
		if err := c.SendMessage(text, ""); err != nil {
			t.Fatalf("SendMessage(%s): %v", text, err)
		}
	}
	if err := c.SendWhisper("psst", "7"); err != nil {
		t.Fatalf("SendWhisper: %v", err)
	}
	var order []string
	for i := 0; i < 4; i++ {
		order = append(order, recv(t, api.sendCh))
	}
	if fmt.Sprint(order) != "[A B C psst]" {
		t.Errorf("delivery order = %v, want [A B C psst]", order)
	}
	err := recv(t, c.Errors())
	if eventsub.KindOf(err) != eventsub.KindSend || !errors.Is(err, twitchapi.ErrMessageDropped) {
		t.Errorf("send error = %v", err)
	}
	if c.State() != StateReady {
		t.Errorf("send failure changed state to %s", c.State())
	}
	if err := c.SendWhisper("x", ""); err == nil {
		t.Error("whisper without target accepted")
	}
}

func TestClientDisconnectKeepsCredentials(t *testing.T) {
	gw := testutil.NewMockEventSubServer(t)
	api := newFakeAPI()
	c := newTestClient(t, api, gw, nil)
	conns := initialize(t, c, gw, ConnectionCredentials{Channel: "caster", BotToken: "bot-token"}, 1)
	recv(t, c.Connected())

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if reason := recv(t, c.Disconnected()); reason == "" {
		t.Error("empty disconnect reason")
	}
	conns[0].WaitClosed(t, waitTimeout)
	if c.State() != StateUninitialized {
		t.Errorf("state = %s", c.State())
	}
	if _, ok := c.Credentials(); !ok {
		t.Error("credentials dropped by Disconnect")
	}
	api.mu.Lock()
	deleted := len(api.deleted)
	api.mu.Unlock()
	if deleted != 1 {
		t.Errorf("deleted %d subscriptions, want 1", deleted)
	}

	// Reconnect restores the stream from the kept credentials
	errc := make(chan error, 1)
	go func() { errc <- c.Reconnect(context.Background()) }()
	gc := gw.Accept(t, waitTimeout)
	gc.Send(t, testutil.WelcomeFrame("sess-2", 10))
	if err := recv(t, errc); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	recv(t, c.Connected())
}

func TestClientAutoReconnectOnStreamLoss(t *testing.T) {
	gw := testutil.NewMockEventSubServer(t)
	c := newTestClient(t, newFakeAPI(), gw, func(o *Options) { o.AutoReconnect = true })
	conns := initialize(t, c, gw, ConnectionCredentials{Channel: "caster", BotToken: "bot-token"}, 1)
	recv(t, c.Connected())

	conns[0].Drop()
	recv(t, c.Disconnected())
	if err := recv(t, c.Errors()); eventsub.KindOf(err) != eventsub.KindTransient {
		t.Fatalf("error = %v, want transient", err)
	}

	gc := gw.Accept(t, waitTimeout)
	gc.Send(t, testutil.WelcomeFrame("sess-2", 10))
	recv(t, c.Connected())

	// a second loss inside the cooldown does not reconnect again
	gc.Drop()
	recv(t, c.Disconnected())
	gw.ExpectNoConn(t, 200*time.Millisecond)
}

func TestClientUpdates(t *testing.T) {
	gw := testutil.NewMockEventSubServer(t)
	api := newFakeAPI()
	c := newTestClient(t, api, gw, nil)

	if err := c.UpdateBotToken(context.Background(), "bot-token"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("UpdateBotToken before Initialize err = %v", err)
	}
	initialize(t, c, gw, ConnectionCredentials{Channel: "caster", BotToken: "bot-token"}, 1)

	if err := c.UpdateBroadcasterToken(context.Background(), "other-token"); eventsub.KindOf(err) != eventsub.KindAuth {
		t.Errorf("foreign broadcaster token err = %v", err)
	}
	if err := c.UpdateBroadcasterToken(context.Background(), "caster-token"); err != nil {
		t.Fatalf("UpdateBroadcasterToken: %v", err)
	}
	if creds, _ := c.Credentials(); !creds.HasBroadcasterToken() {
		t.Error("broadcaster token not stored")
	}

	if err := c.UpdateChannel(context.Background(), "second"); err != nil {
		t.Fatalf("UpdateChannel: %v", err)
	}
	creds, _ := c.Credentials()
	if creds.Broadcaster.Login != "second" || creds.Broadcaster.UserID != "2002" || creds.HasBroadcasterToken() {
		t.Errorf("broadcaster after channel change = %+v", creds.Broadcaster)
	}
	if err := c.UpdateChannel(context.Background(), "ghost"); eventsub.KindOf(err) != eventsub.KindAuth {
		t.Errorf("unknown channel err = %v", err)
	}

	if err := c.SetCommandIdentifier('x'); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("SetCommandIdentifier('x') err = %v", err)
	}
	if err := c.SetCommandIdentifier('?'); err != nil || c.CommandIdentifier() != '?' {
		t.Errorf("SetCommandIdentifier('?') = %v, identifier %q", err, c.CommandIdentifier())
	}
}
