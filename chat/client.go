package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatgate/config"
	"github.com/onnwee/chatgate/eventsub"
	"github.com/onnwee/chatgate/telemetry"
	"github.com/onnwee/chatgate/twitchapi"
)

const (
	defaultSendInterval          = 1100 * time.Millisecond
	defaultAutoReconnectCooldown = 5 * time.Minute
	defaultEventBuffer           = 256
	autoReconnectTimeout         = 2 * time.Minute
)

var errSessionsRunning = errors.New("sessions already running")

// API is the Platform API surface the client consumes.
type API interface {
	eventsub.SubscriptionAPI
	ValidateToken(ctx context.Context, token string) (*twitchapi.Validation, error)
	GetUser(ctx context.Context, login string, auth twitchapi.Auth) (*twitchapi.User, error)
	SendChatMessage(ctx context.Context, broadcasterID, senderID, text, replyParentID string, auth twitchapi.Auth) (*twitchapi.SentMessage, error)
	SendWhisper(ctx context.Context, fromUserID, toUserID, text string, auth twitchapi.Auth) error
	GetGlobalBadges(ctx context.Context, auth twitchapi.Auth) ([]twitchapi.BadgeSet, error)
	GetChannelBadges(ctx context.Context, broadcasterID string, auth twitchapi.Auth) ([]twitchapi.BadgeSet, error)
}

// Options configure a Client. Zero values take defaults.
type Options struct {
	EventSubURL       string
	WelcomeTimeout    time.Duration
	ReconnectDeadline time.Duration
	KeepaliveGrace    time.Duration
	SubscribeRetries  int
	SubscribeCooldown time.Duration

	CommandIdentifier     rune
	AutoReconnect         bool
	AutoReconnectCooldown time.Duration
	SendInterval          time.Duration
	EventBuffer           int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// OptionsFromConfig maps service configuration onto client options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		EventSubURL:           cfg.EventSubURL,
		WelcomeTimeout:        cfg.WelcomeTimeout,
		ReconnectDeadline:     cfg.ReconnectDeadline,
		KeepaliveGrace:        cfg.KeepaliveGrace,
		SubscribeRetries:      cfg.SubscribeRetries,
		SubscribeCooldown:     cfg.SubscribeCooldown,
		CommandIdentifier:     cfg.CommandIdentifier,
		AutoReconnect:         cfg.AutoReconnect,
		AutoReconnectCooldown: cfg.AutoReconnectCooldown,
		SendInterval:          cfg.SendInterval,
	}
}

// Client is the application-facing chat client. It validates credentials,
// runs one EventSub session for the bot and, when a broadcaster token is
// present, one for the broadcaster, and drains the outbound queue.
//
// Events are delivered on buffered channels; a full channel drops the event.
type Client struct {
	api    API
	opts   Options
	log    *slog.Logger
	parser *CommandParser
	badges *badgeCache
	sender *sender

	messages     chan ChatMessage
	commands     chan Command
	rewards      chan Redemption
	connected    chan struct{}
	disconnected chan string
	errs         chan error

	mu       sync.Mutex
	creds    *Credentials
	state    State
	sessions []*eventsub.Session
	stop     context.CancelFunc
	gen      uint64
	loops    sync.WaitGroup
	pending  atomic.Int32

	guardMu           sync.Mutex
	transitioning     bool
	lastAutoReconnect time.Time
}

// New returns an uninitialized client.
func New(api API, opts Options) (*Client, error) {
	if opts.CommandIdentifier == 0 {
		opts.CommandIdentifier = DefaultCommandIdentifier
	}
	parser, err := NewCommandParser(opts.CommandIdentifier)
	if err != nil {
		return nil, err
	}
	if opts.SendInterval <= 0 {
		opts.SendInterval = defaultSendInterval
	}
	if opts.AutoReconnectCooldown <= 0 {
		opts.AutoReconnectCooldown = defaultAutoReconnectCooldown
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		api:          api,
		opts:         opts,
		log:          opts.Logger.With(slog.String("component", "chat")),
		parser:       parser,
		badges:       &badgeCache{},
		messages:     make(chan ChatMessage, opts.EventBuffer),
		commands:     make(chan Command, opts.EventBuffer),
		rewards:      make(chan Redemption, opts.EventBuffer),
		connected:    make(chan struct{}, opts.EventBuffer),
		disconnected: make(chan string, opts.EventBuffer),
		errs:         make(chan error, opts.EventBuffer),
	}
	c.sender = newSender(opts.SendInterval, c.deliver, c.report, c.log)
	return c, nil
}

// Messages delivers chat messages from other users.
func (c *Client) Messages() <-chan ChatMessage { return c.messages }

// Commands delivers chat messages that parsed as commands.
func (c *Client) Commands() <-chan Command { return c.commands }

// Rewards delivers channel points redemptions.
func (c *Client) Rewards() <-chan Redemption { return c.rewards }

// Connected receives once per successful Initialize or Reconnect, after every
// session has its subscriptions.
func (c *Client) Connected() <-chan struct{} { return c.connected }

// Disconnected receives the reason whenever the stream is lost or stopped.
func (c *Client) Disconnected() <-chan string { return c.disconnected }

// Errors receives every error the client reports.
func (c *Client) Errors() <-chan error { return c.errs }

// State returns the lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Credentials returns a copy of the validated credentials.
func (c *Client) Credentials() (Credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		return Credentials{}, false
	}
	return *c.creds, true
}

// QueueDepth returns the number of outbound messages waiting.
func (c *Client) QueueDepth() int { return c.sender.depth() }

// CommandIdentifier returns the current command prefix.
func (c *Client) CommandIdentifier() rune { return c.parser.Identifier() }

// SetCommandIdentifier changes the command prefix.
func (c *Client) SetCommandIdentifier(r rune) error { return c.parser.SetIdentifier(r) }

// Sessions returns a snapshot of the running sessions.
func (c *Client) Sessions() []*eventsub.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*eventsub.Session(nil), c.sessions...)
}

// acquire claims the lifecycle guard shared by Initialize and Reconnect.
func (c *Client) acquire() bool {
	c.guardMu.Lock()
	defer c.guardMu.Unlock()
	if c.transitioning {
		return false
	}
	c.transitioning = true
	return true
}

func (c *Client) release() {
	c.guardMu.Lock()
	c.transitioning = false
	c.guardMu.Unlock()
}

// Initialize validates cc, connects the sessions and starts the send loop.
// Calls made while Initialize or Reconnect runs, or after the client is ready,
// return nil without doing anything. Sessions left over from a lost stream are
// torn down first. Authentication failures leave the client uninitialized.
func (c *Client) Initialize(ctx context.Context, cc ConnectionCredentials) error {
	if !c.acquire() {
		c.log.Debug("initialize skipped, lifecycle change in progress")
		return nil
	}
	defer c.release()

	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	stale := c.sessions != nil
	c.state = StateInitializing
	c.mu.Unlock()
	if stale {
		c.teardown(ctx)
	}

	if err := c.start(ctx, cc); err != nil {
		c.setState(StateUninitialized)
		c.report(err)
		return err
	}
	return nil
}

// Reconnect tears the sessions down and initializes again from the stored
// credentials. Queued outbound messages are kept. Calls made while Initialize
// or Reconnect runs return nil without doing anything.
func (c *Client) Reconnect(ctx context.Context) error {
	if !c.acquire() {
		c.log.Debug("reconnect skipped, lifecycle change in progress")
		return nil
	}
	defer c.release()

	creds, ok := c.Credentials()
	if !ok {
		err := eventsub.NewError(eventsub.KindAuth, "reconnect", ErrNotInitialized)
		c.report(err)
		return err
	}
	c.log.Info("reconnecting chat client")
	c.teardown(ctx)
	c.setState(StateInitializing)
	if err := c.start(ctx, creds.connection()); err != nil {
		err = markReconnecting(err)
		c.setState(StateUninitialized)
		c.report(err)
		return err
	}
	return nil
}

// Disconnect stops every session and the send loop and emits Disconnected.
// Credentials are kept for a later Reconnect.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	running := c.sessions != nil
	c.mu.Unlock()
	if !running {
		return nil
	}
	c.teardown(ctx)
	c.setState(StateUninitialized)
	publish(c, c.disconnected, "client disconnected", "disconnected")
	c.log.Info("chat client disconnected")
	return ctx.Err()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	telemetry.SetReady(s == StateReady)
}

func (c *Client) start(ctx context.Context, cc ConnectionCredentials) error {
	c.mu.Lock()
	running := c.sessions != nil
	c.mu.Unlock()
	if running {
		return eventsub.NewError(eventsub.KindTransient, "start", errSessionsRunning)
	}
	creds, err := validateCredentials(ctx, c.api, cc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.creds = &creds
	c.mu.Unlock()
	c.loadBadges(ctx, creds)

	scope, stop := context.WithCancel(context.Background())
	sessions := []*eventsub.Session{c.newSession("bot", false)}
	if creds.HasBroadcasterToken() {
		sessions = append(sessions, c.newSession("broadcaster", true))
	}
	c.pending.Store(int32(len(sessions)))
	for _, s := range sessions {
		c.loops.Add(1)
		go c.pump(scope, s)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error { return s.Connect(gctx) })
	}
	if err := g.Wait(); err != nil {
		disconnectAll(context.Background(), sessions, c.log)
		stop()
		c.loops.Wait()
		return err
	}

	c.mu.Lock()
	c.sessions = sessions
	c.stop = stop
	c.state = StateReady
	c.mu.Unlock()
	telemetry.SetReady(true)

	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		c.sender.run(scope)
	}()
	c.log.Info("chat client initialized",
		slog.String("channel", creds.Broadcaster.Login),
		slog.String("bot", creds.Bot.Login),
		slog.Int("sessions", len(sessions)))
	return nil
}

// teardown stops sessions, pumps and the send loop and waits for them.
func (c *Client) teardown(ctx context.Context) {
	c.mu.Lock()
	sessions, stop := c.sessions, c.stop
	c.sessions, c.stop = nil, nil
	c.gen++
	c.mu.Unlock()

	disconnectAll(ctx, sessions, c.log)
	if stop != nil {
		stop()
	}
	c.loops.Wait()
	telemetry.SetReady(false)
}

func disconnectAll(ctx context.Context, sessions []*eventsub.Session, log *slog.Logger) {
	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Disconnect(ctx); err != nil {
				log.Warn("session disconnect incomplete", slog.String("session", s.Name()), slog.Any("err", err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Client) newSession(name string, broadcaster bool) *eventsub.Session {
	reg := eventsub.CoreRegistry(broadcaster, c.api, func() eventsub.Target { return c.target(broadcaster) }, eventsub.Handlers{
		ChatMessage: c.onChatMessage,
		Redemption:  c.onRedemption,
	})
	return eventsub.NewSession(eventsub.Config{
		Name:              name,
		URL:               c.opts.EventSubURL,
		WelcomeTimeout:    c.opts.WelcomeTimeout,
		ReconnectDeadline: c.opts.ReconnectDeadline,
		KeepaliveGrace:    c.opts.KeepaliveGrace,
		SubscribeRetries:  c.opts.SubscribeRetries,
		SubscribeCooldown: c.opts.SubscribeCooldown,
		Dialer:            c.opts.Dialer,
		Logger:            c.opts.Logger,
	}, reg)
}

func (c *Client) target(broadcaster bool) eventsub.Target {
	creds, _ := c.Credentials()
	if broadcaster {
		return eventsub.Target{Auth: creds.Broadcaster.auth(), BroadcasterID: creds.Broadcaster.UserID}
	}
	return eventsub.Target{Auth: creds.Bot.auth(), BroadcasterID: creds.Broadcaster.UserID, UserID: creds.Bot.UserID}
}

// pump forwards one session's control events until ctx ends.
func (c *Client) pump(ctx context.Context, s *eventsub.Session) {
	defer c.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.Events():
			c.onSessionEvent(ev)
		}
	}
}

func (c *Client) onSessionEvent(ev eventsub.Event) {
	log := c.log.With(slog.String("session", ev.Session))
	switch ev.Kind {
	case eventsub.EventConnected:
		if c.pending.Add(-1) == 0 {
			log.Info("chat client connected")
			publish(c, c.connected, struct{}{}, "connected")
		}
	case eventsub.EventReconnectRequired:
		log.Info("gateway requested reconnect", slog.String("url", ev.URL), slog.Time("deadline", ev.Deadline))
	case eventsub.EventReconnected:
		log.Info("gateway handoff complete", slog.String("session_id", ev.SessionID))
	case eventsub.EventClosed:
		c.mu.Lock()
		if c.state == StateReady {
			c.state = StateUninitialized
		}
		c.mu.Unlock()
		telemetry.SetReady(false)
		publish(c, c.disconnected, fmt.Sprintf("%s session closed: %s", ev.Session, ev.Reason), "disconnected")
	case eventsub.EventError:
		c.report(ev.Err)
	}
}

func (c *Client) onChatMessage(ev eventsub.ChatMessageEvent) {
	creds, ok := c.Credentials()
	if !ok || ev.ChatterUserID == creds.Bot.UserID {
		return
	}
	msg := newChatMessage(ev, c.badges)
	publish(c, c.messages, msg, "messages")
	if cmd, ok := c.parser.Parse(msg); ok {
		publish(c, c.commands, cmd, "commands")
	}
}

func (c *Client) onRedemption(ev eventsub.RedemptionEvent) {
	publish(c, c.rewards, newRedemption(ev), "rewards")
}

// SendMessage queues text for the channel; a non-empty replyID makes it a
// threaded reply.
func (c *Client) SendMessage(text, replyID string) error {
	return c.enqueue(outbound{text: text, replyTo: replyID})
}

// SendWhisper queues a whisper from the bot to userID.
func (c *Client) SendWhisper(text, userID string) error {
	if userID == "" {
		err := eventsub.NewError(eventsub.KindSend, "send whisper", errors.New("whisper target empty"))
		c.report(err)
		return err
	}
	return c.enqueue(outbound{text: text, whisperTo: userID})
}

func (c *Client) enqueue(m outbound) error {
	op := "send " + m.kind()
	if _, ok := c.Credentials(); !ok {
		err := eventsub.NewError(eventsub.KindSend, op, ErrNotInitialized)
		c.report(err)
		return err
	}
	if m.text == "" {
		err := eventsub.NewError(eventsub.KindSend, op, errors.New("message empty"))
		c.report(err)
		return err
	}
	c.sender.enqueue(m)
	return nil
}

func (c *Client) deliver(ctx context.Context, m outbound) error {
	creds, ok := c.Credentials()
	if !ok {
		return eventsub.NewError(eventsub.KindSend, "send "+m.kind(), ErrNotInitialized)
	}
	var err error
	telemetry.TimeFunc(telemetry.SendDuration, func() {
		if m.whisperTo != "" {
			err = c.api.SendWhisper(ctx, creds.Bot.UserID, m.whisperTo, m.text, creds.Bot.auth())
			return
		}
		_, err = c.api.SendChatMessage(ctx, creds.Broadcaster.UserID, creds.Bot.UserID, m.text, m.replyTo, creds.Bot.auth())
	})
	if err != nil {
		telemetry.Inc(telemetry.MessagesSent, m.kind(), "error")
		return eventsub.NewError(eventsub.KindSend, "send "+m.kind(), err)
	}
	telemetry.Inc(telemetry.MessagesSent, m.kind(), "ok")
	return nil
}

// UpdateChannel moves the client to another channel. The broadcaster token
// belongs to the old channel and is dropped; sessions pick up the change on
// the next Reconnect.
func (c *Client) UpdateChannel(ctx context.Context, channel string) error {
	creds, ok := c.Credentials()
	if !ok {
		return c.reportAuth("update channel", ErrNotInitialized)
	}
	channel = normalizeLogin(channel)
	if channel == "" {
		return c.reportAuth("update channel", ErrChannelRequired)
	}
	u, err := c.api.GetUser(ctx, channel, creds.Bot.auth())
	if err != nil {
		return c.reportAuth("update channel", err)
	}
	c.mu.Lock()
	if c.creds != nil {
		c.creds.Broadcaster = Identity{Login: u.Login, DisplayName: u.DisplayName, UserID: u.ID}
	}
	c.mu.Unlock()
	c.loadChannelBadges(ctx, u.ID, creds.Bot.auth())
	c.log.Info("channel updated", slog.String("channel", u.Login))
	return nil
}

// UpdateBotToken validates token and makes it the bot identity.
func (c *Client) UpdateBotToken(ctx context.Context, token string) error {
	if _, ok := c.Credentials(); !ok {
		return c.reportAuth("update bot token", ErrNotInitialized)
	}
	id, err := validateToken(ctx, c.api, token)
	if err != nil {
		return c.reportAuth("update bot token", err)
	}
	c.mu.Lock()
	if c.creds != nil {
		c.creds.Bot = id
	}
	c.mu.Unlock()
	c.log.Info("bot token updated", slog.String("login", id.Login))
	return nil
}

// UpdateBroadcasterToken validates token; it must belong to the current channel.
func (c *Client) UpdateBroadcasterToken(ctx context.Context, token string) error {
	creds, ok := c.Credentials()
	if !ok {
		return c.reportAuth("update broadcaster token", ErrNotInitialized)
	}
	id, err := validateToken(ctx, c.api, token)
	if err != nil {
		return c.reportAuth("update broadcaster token", err)
	}
	if id.Login != creds.Broadcaster.Login {
		return c.reportAuth("update broadcaster token", fmt.Errorf("token belongs to %s, not channel %s", id.Login, creds.Broadcaster.Login))
	}
	c.mu.Lock()
	if c.creds != nil {
		c.creds.Broadcaster.Token = id.Token
		c.creds.Broadcaster.ClientID = id.ClientID
	}
	c.mu.Unlock()
	c.log.Info("broadcaster token updated", slog.String("login", id.Login))
	return nil
}

func (c *Client) reportAuth(op string, err error) error {
	e := eventsub.NewError(eventsub.KindAuth, op, err)
	c.report(e)
	return e
}

func (c *Client) loadBadges(ctx context.Context, creds Credentials) {
	auth := creds.Bot.auth()
	sets, err := c.api.GetGlobalBadges(ctx, auth)
	if err != nil {
		c.log.Warn("global badges unavailable", slog.Any("err", err))
	} else {
		c.badges.setGlobal(sets)
	}
	c.loadChannelBadges(ctx, creds.Broadcaster.UserID, auth)
}

func (c *Client) loadChannelBadges(ctx context.Context, broadcasterID string, auth twitchapi.Auth) {
	sets, err := c.api.GetChannelBadges(ctx, broadcasterID, auth)
	if err != nil {
		c.log.Warn("channel badges unavailable", slog.String("broadcaster_id", broadcasterID), slog.Any("err", err))
		return
	}
	c.badges.setChannel(sets)
}

// report publishes err and applies the auto-reconnect policy.
func (c *Client) report(err error) {
	kind := eventsub.KindOf(err)
	telemetry.Inc(telemetry.ErrorsReported, kind.String())
	c.log.Warn("chat client error", slog.String("kind", kind.String()), slog.Any("err", err))
	publish(c, c.errs, err, "errors")
	c.maybeAutoReconnect(err)
}

func (c *Client) maybeAutoReconnect(err error) {
	if !c.opts.AutoReconnect || eventsub.IsReconnecting(err) {
		return
	}
	if k := eventsub.KindOf(err); k != eventsub.KindTransient && k != eventsub.KindSubscription {
		return
	}
	c.guardMu.Lock()
	if c.transitioning ||
		(!c.lastAutoReconnect.IsZero() && time.Since(c.lastAutoReconnect) < c.opts.AutoReconnectCooldown) {
		c.guardMu.Unlock()
		return
	}
	c.lastAutoReconnect = time.Now()
	c.guardMu.Unlock()

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	go func() {
		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), autoReconnectTimeout)
		defer cancel()
		c.log.Info("auto-reconnect triggered", slog.Any("cause", err))
		if rerr := c.Reconnect(ctx); rerr != nil {
			c.log.Warn("auto-reconnect failed", slog.Any("err", rerr))
		}
	}()
}

func markReconnecting(err error) error {
	var e *eventsub.Error
	if errors.As(err, &e) {
		cp := *e
		cp.Reconnecting = true
		return &cp
	}
	return &eventsub.Error{Kind: eventsub.KindTransient, Op: "reconnect", Err: err, Reconnecting: true}
}

func publish[T any](c *Client, ch chan T, v T, name string) {
	select {
	case ch <- v:
	default:
		telemetry.Inc(telemetry.EventsDropped, name)
		c.log.Warn("event dropped, consumer not keeping up", slog.String("channel", name))
	}
}
