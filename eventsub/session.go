package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chatgate/telemetry"
)

// DefaultURL is the public EventSub WebSocket gateway.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

const (
	defaultWelcomeTimeout    = 10 * time.Second
	defaultReconnectDeadline = 30 * time.Second
	defaultKeepalive         = 10 * time.Second
	defaultKeepaliveGrace    = 5 * time.Second
	defaultSubscribeCooldown = 2 * time.Second
	defaultEventBuffer       = 64
	recentIDCapacity         = 256
	orphanUnsubscribeTimeout = 5 * time.Second
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateActive
	StateReconnectPending
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnectPending:
		return "reconnect_pending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind identifies a session control event.
type EventKind int

const (
	// EventConnected follows the welcome frame once every subscription exists.
	EventConnected EventKind = iota
	// EventReconnectRequired reports a server-requested handoff and its deadline.
	EventReconnectRequired
	// EventReconnected reports that the candidate socket replaced the active one.
	EventReconnected
	// EventClosed reports loss of the stream.
	EventClosed
	// EventError carries an *Error.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventReconnectRequired:
		return "reconnect_required"
	case EventReconnected:
		return "reconnected"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a control event emitted by a Session.
type Event struct {
	Kind      EventKind
	Session   string
	SessionID string
	URL       string
	Deadline  time.Time
	Reason    string
	Err       error
}

// Config tunes a Session. Zero durations take defaults; SubscribeRetries is
// used as given.
type Config struct {
	Name              string
	URL               string
	WelcomeTimeout    time.Duration
	ReconnectDeadline time.Duration
	KeepaliveGrace    time.Duration
	SubscribeRetries  int
	SubscribeCooldown time.Duration
	EventBuffer       int
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.WelcomeTimeout <= 0 {
		c.WelcomeTimeout = defaultWelcomeTimeout
	}
	if c.ReconnectDeadline <= 0 {
		c.ReconnectDeadline = defaultReconnectDeadline
	}
	if c.KeepaliveGrace <= 0 {
		c.KeepaliveGrace = defaultKeepaliveGrace
	}
	if c.SubscribeRetries < 0 {
		c.SubscribeRetries = 0
	}
	if c.SubscribeCooldown <= 0 {
		c.SubscribeCooldown = defaultSubscribeCooldown
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type subRef struct {
	sub Subscription
	id  string
}

// Session owns the gateway sockets of one logical event stream. At most two
// sockets are open: the active one and, during a server-requested handoff, a
// candidate that replaces it once welcomed.
type Session struct {
	cfg    Config
	reg    *Registry
	log    *slog.Logger
	events chan Event
	recent *recentIDs
	open   atomic.Int32

	mu           sync.Mutex
	running      bool
	state        State
	ctx          context.Context
	cancel       context.CancelFunc
	ready        chan error
	active       *conn
	candidate    *conn
	pending      bool
	handoff      uint64
	handoffStart time.Time
	handoffDone  chan struct{}
	sessionID    string
	subs         []subRef

	wg sync.WaitGroup
}

// NewSession returns a disconnected session serving reg.
func NewSession(cfg Config, reg *Registry) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:    cfg,
		reg:    reg,
		log:    cfg.Logger.With(slog.String("component", "eventsub"), slog.String("session", cfg.Name)),
		events: make(chan Event, cfg.EventBuffer),
		recent: newRecentIDs(recentIDCapacity),
	}
}

// Events returns the control event stream. It is never closed.
func (s *Session) Events() <-chan Event { return s.events }

// Name returns the configured session name.
func (s *Session) Name() string { return s.cfg.Name }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the id from the active socket's welcome frame, or "".
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// OpenConns returns the number of sockets not yet closed.
func (s *Session) OpenConns() int { return int(s.open.Load()) }

// Connect dials the gateway and blocks until the welcome frame arrives.
// Subscriptions are then created in the background and EventConnected follows.
// Calling Connect on a running session is a no-op. A session whose stream
// was closed is torn down first and dialed again.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.running && s.state == StateClosed {
		s.mu.Unlock()
		if err := s.Disconnect(ctx); err != nil {
			return err
		}
		s.mu.Lock()
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.state = StateConnecting
	s.ctx, s.cancel = context.WithCancel(context.Background())
	sctx := s.ctx
	ready := make(chan error, 1)
	s.ready = ready
	s.mu.Unlock()

	c, err := s.dial(ctx, s.cfg.URL)
	if err != nil {
		_ = s.Disconnect(context.Background())
		return &Error{Kind: KindTransient, Op: "dial", Err: err}
	}

	s.mu.Lock()
	if sctx.Err() != nil {
		s.mu.Unlock()
		c.close()
		return NewError(KindTransient, "connect", ErrSessionClosed)
	}
	s.active = c
	s.wg.Add(1)
	s.mu.Unlock()
	go s.readLoop(c)

	select {
	case err := <-ready:
		if err != nil {
			_ = s.Disconnect(context.Background())
			return err
		}
		s.log.Info("eventsub session welcomed", slog.String("session_id", s.SessionID()))
		return nil
	case <-ctx.Done():
		_ = s.Disconnect(context.Background())
		return ctx.Err()
	}
}

// Disconnect stops the session: it cancels background work, deletes the
// subscriptions it created (best effort), closes every socket and waits for
// all goroutines to finish or ctx to expire.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	ready := s.ready
	s.ready = nil
	subs := s.subs
	s.subs = nil
	conns := []*conn{s.active, s.candidate}
	s.active, s.candidate = nil, nil
	if s.pending {
		s.finishHandoffLocked()
	}
	s.sessionID = ""
	s.state = StateDisconnected
	s.mu.Unlock()

	if ready != nil {
		select {
		case ready <- NewError(KindTransient, "connect", ErrSessionClosed):
		default:
		}
	}
	for _, ref := range subs {
		if ref.sub.Unsubscribe == nil {
			continue
		}
		if err := ref.sub.Unsubscribe(ctx, ref.id); err != nil {
			s.log.Warn("unsubscribe failed", slog.String("type", ref.sub.Type), slog.String("id", ref.id), slog.Any("err", err))
		}
	}
	for _, c := range conns {
		if c != nil {
			c.close()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("eventsub session disconnected")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) dial(ctx context.Context, url string) (*conn, error) {
	c, err := dial(ctx, s.cfg.Dialer, url)
	if err != nil {
		return nil, err
	}
	s.open.Add(1)
	c.onClose = func() { s.open.Add(-1) }
	return c, nil
}

// goBackground runs fn as a supervised task. Callers must already be inside a
// supervised task or hold a reason the group is non-empty.
func (s *Session) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) readLoop(c *conn) {
	defer s.wg.Done()
	err := s.serve(c)
	c.close()
	s.connLost(c, err)
}

func (s *Session) serve(c *conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("receive loop panic: %v", r)
		}
	}()
	for {
		timeout := s.cfg.WelcomeTimeout
		if c.welcomed {
			timeout = c.keepalive + s.cfg.KeepaliveGrace
		}
		data, err := c.read(timeout)
		if err != nil {
			if isTimeout(err) {
				if !c.welcomed {
					return ErrWelcomeTimeout
				}
				return ErrKeepaliveTimeout
			}
			return err
		}
		s.handleFrame(c, data)
	}
}

// connLost is called once per socket after its read loop ends.
func (s *Session) connLost(c *conn, err error) {
	s.mu.Lock()
	if s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	var evs []Event
	switch c {
	case s.active:
		s.active = nil
		if !c.welcomed {
			ready := s.ready
			s.ready = nil
			s.state = StateClosed
			s.mu.Unlock()
			if ready != nil {
				ready <- &Error{Kind: KindTransient, Op: "welcome", Err: err}
			}
			return
		}
		if s.pending {
			s.mu.Unlock()
			s.log.Warn("active socket lost during handoff, waiting for candidate", slog.Any("err", err))
			return
		}
		s.state = StateClosed
		s.sessionID = ""
		evs = closedEvents(err)
	case s.candidate:
		s.candidate = nil
		evs = s.abortHandoffLocked(fmt.Errorf("candidate socket lost: %w", err))
	default:
		// displaced or aborted socket
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.emitAll(evs)
}

func (s *Session) handleFrame(c *conn, data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		s.report(NewError(KindProtocol, "decode", err))
		return
	}
	telemetry.Inc(telemetry.FramesReceived, f.Metadata.MessageType)
	switch f.Metadata.MessageType {
	case MessageWelcome:
		s.onWelcome(c, f)
	case MessageKeepalive:
		// the read deadline is renewed by the loop
	case MessageReconnect:
		s.onReconnect(c, f)
	case MessageNotification:
		s.onNotification(f)
	case MessageRevocation:
		s.onRevocation(f)
	default:
		s.report(NewError(KindProtocol, "frame", fmt.Errorf("unknown message type %q", f.Metadata.MessageType)))
	}
}

func (s *Session) onWelcome(c *conn, f *Frame) {
	info, err := f.session()
	if err == nil && info.ID == "" {
		err = fmt.Errorf("%w: welcome without session id", errMalformed)
	}
	if err != nil {
		s.report(NewError(KindProtocol, "welcome", err))
		return
	}
	if c.welcomed {
		s.log.Debug("duplicate welcome ignored", slog.String("conn", c.id))
		return
	}
	c.welcomed = true
	c.sessionID = info.ID
	c.keepalive = defaultKeepalive
	if k := info.KeepaliveTimeoutSeconds; k != nil && *k > 0 {
		c.keepalive = time.Duration(*k) * time.Second
	}

	s.mu.Lock()
	switch c {
	case s.active:
		s.sessionID = info.ID
		s.state = StateActive
		ready := s.ready
		s.ready = nil
		ctx := s.ctx
		s.mu.Unlock()
		if ready != nil {
			ready <- nil
		}
		s.goBackground(func() { s.subscribeAll(ctx, info.ID) })
	case s.candidate:
		old := s.active
		s.active = c
		s.candidate = nil
		s.sessionID = c.sessionID
		s.state = StateActive
		started := s.handoffStart
		s.finishHandoffLocked()
		s.mu.Unlock()

		telemetry.Inc(telemetry.Handoffs, "promoted")
		telemetry.Observe(telemetry.HandoffDuration, time.Since(started))
		s.log.Info("reconnect handoff complete", slog.String("session_id", c.sessionID), slog.String("conn", c.id))
		if old != nil {
			s.goBackground(old.close)
		}
		s.emit(Event{Kind: EventReconnected, SessionID: c.sessionID})
	default:
		s.mu.Unlock()
	}
}

func (s *Session) onReconnect(c *conn, f *Frame) {
	info, err := f.session()
	if err == nil && (info.ReconnectURL == nil || *info.ReconnectURL == "") {
		err = fmt.Errorf("%w: reconnect without url", errMalformed)
	}
	if err != nil {
		s.report(NewError(KindProtocol, "reconnect", err))
		return
	}
	url := *info.ReconnectURL

	s.mu.Lock()
	if c != s.active {
		s.mu.Unlock()
		s.log.Debug("reconnect frame from non-active socket ignored", slog.String("conn", c.id))
		return
	}
	if s.pending {
		s.mu.Unlock()
		s.log.Debug("reconnect already in progress")
		return
	}
	now := time.Now()
	deadline := now.Add(s.cfg.ReconnectDeadline)
	s.pending = true
	s.handoff++
	gen := s.handoff
	s.handoffStart = now
	done := make(chan struct{})
	s.handoffDone = done
	s.state = StateReconnectPending
	ctx := s.ctx
	s.mu.Unlock()

	s.log.Info("server requested reconnect", slog.Time("deadline", deadline))
	s.emit(Event{Kind: EventReconnectRequired, SessionID: c.sessionID, URL: url, Deadline: deadline})
	s.goBackground(func() { s.dialCandidate(ctx, gen, url, deadline) })
	s.goBackground(func() { s.enforceDeadline(ctx, gen, deadline, done) })
}

func (s *Session) dialCandidate(ctx context.Context, gen uint64, url string, deadline time.Time) {
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	c, err := s.dial(dctx, url)

	s.mu.Lock()
	if gen != s.handoff || ctx.Err() != nil {
		s.mu.Unlock()
		if c != nil {
			c.close()
		}
		return
	}
	if err != nil {
		evs := s.abortHandoffLocked(fmt.Errorf("dial candidate: %w", err))
		s.mu.Unlock()
		s.emitAll(evs)
		return
	}
	s.candidate = c
	s.wg.Add(1)
	s.mu.Unlock()
	go s.readLoop(c)
}

func (s *Session) enforceDeadline(ctx context.Context, gen uint64, deadline time.Time, done <-chan struct{}) {
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-done:
		return
	case <-t.C:
	}

	s.mu.Lock()
	if gen != s.handoff {
		s.mu.Unlock()
		return
	}
	cand := s.candidate
	s.candidate = nil
	evs := s.abortHandoffLocked(ErrHandoffDeadline)
	s.mu.Unlock()
	if cand != nil {
		cand.close()
	}
	s.emitAll(evs)
}

func (s *Session) finishHandoffLocked() {
	s.pending = false
	s.handoff++
	if s.handoffDone != nil {
		close(s.handoffDone)
		s.handoffDone = nil
	}
}

// abortHandoffLocked ends a failed handoff and returns the events to emit:
// one reconnect-tagged error while the active socket survives, otherwise the
// stream is closed.
func (s *Session) abortHandoffLocked(err error) []Event {
	s.finishHandoffLocked()
	telemetry.Inc(telemetry.Handoffs, "failed")
	if s.active == nil {
		s.state = StateClosed
		s.sessionID = ""
		return closedEvents(fmt.Errorf("active socket lost before handoff: %w", err))
	}
	s.state = StateActive
	return []Event{{Kind: EventError, Err: &Error{Kind: KindTransient, Op: "reconnect", Err: err, Reconnecting: true}}}
}

func closedEvents(err error) []Event {
	return []Event{
		{Kind: EventClosed, Reason: err.Error(), Err: err},
		{Kind: EventError, Err: &Error{Kind: KindTransient, Op: "receive", Err: err}},
	}
}

func (s *Session) onNotification(f *Frame) {
	id := f.Metadata.MessageID
	if id != "" && !s.recent.add(id) {
		s.log.Debug("duplicate notification dropped", slog.String("message_id", id))
		return
	}
	if err := s.route(f); err != nil {
		// a resend of a rejected notification must not count as a duplicate
		if id != "" {
			s.recent.forget(id)
		}
		s.report(err)
		return
	}
}

func (s *Session) route(f *Frame) error {
	p, err := f.notification()
	if err != nil {
		return NewError(KindProtocol, "notification", err)
	}
	sub, ok := s.reg.Lookup(p.Subscription.Type)
	if !ok {
		return NewError(KindProtocol, "notification", fmt.Errorf("no subscription registered for %q", p.Subscription.Type))
	}
	if err := s.dispatch(sub, p.Event); err != nil {
		return NewError(KindProtocol, "dispatch "+sub.Type, err)
	}
	telemetry.Inc(telemetry.NotificationsDispatched, sub.Type)
	return nil
}

func (s *Session) dispatch(sub Subscription, event json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.Dispatch(event)
}

func (s *Session) onRevocation(f *Frame) {
	p, err := f.notification()
	if err != nil {
		s.report(NewError(KindProtocol, "revocation", err))
		return
	}
	s.report(NewError(KindSubscription, "revocation", fmt.Errorf("subscription %s revoked: %s", p.Subscription.Type, p.Subscription.Status)))
}

func (s *Session) subscribeAll(ctx context.Context, sessionID string) {
	for _, sub := range s.reg.All() {
		id, err := s.subscribe(ctx, sub, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.report(&Error{Kind: KindSubscription, Op: "subscribe " + sub.Type, Err: err})
			return
		}
		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			s.unsubscribeOrphan(sub, id)
			return
		}
		s.subs = append(s.subs, subRef{sub: sub, id: id})
		s.mu.Unlock()
	}
	s.log.Info("eventsub subscriptions ready", slog.Int("count", s.reg.Len()))
	s.emit(Event{Kind: EventConnected, SessionID: sessionID})
}

// subscribe makes one attempt plus SubscribeRetries retries.
func (s *Session) subscribe(ctx context.Context, sub Subscription, sessionID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.SubscribeRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(s.cfg.SubscribeCooldown)
			select {
			case <-ctx.Done():
				t.Stop()
				return "", ctx.Err()
			case <-t.C:
			}
		}
		id, err := sub.Subscribe(ctx, sessionID)
		if err == nil {
			telemetry.Inc(telemetry.SubscribeAttempts, sub.Type, "ok")
			return id, nil
		}
		lastErr = err
		telemetry.Inc(telemetry.SubscribeAttempts, sub.Type, "error")
		s.log.Warn("subscribe attempt failed", slog.String("type", sub.Type), slog.Int("attempt", attempt+1), slog.Any("err", err))
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("giving up after %d attempts: %w", s.cfg.SubscribeRetries+1, lastErr)
}

// unsubscribeOrphan removes a subscription created after Disconnect snapshot its list.
func (s *Session) unsubscribeOrphan(sub Subscription, id string) {
	if sub.Unsubscribe == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), orphanUnsubscribeTimeout)
	defer cancel()
	if err := sub.Unsubscribe(ctx, id); err != nil {
		s.log.Warn("unsubscribe failed", slog.String("type", sub.Type), slog.String("id", id), slog.Any("err", err))
	}
}

func (s *Session) report(err error) {
	s.log.Warn("eventsub error", slog.String("kind", KindOf(err).String()), slog.Any("err", err))
	s.emit(Event{Kind: EventError, Err: err})
}

func (s *Session) emitAll(evs []Event) {
	for _, ev := range evs {
		if ev.Kind == EventError {
			s.log.Warn("eventsub error", slog.String("kind", KindOf(ev.Err).String()), slog.Any("err", ev.Err))
		}
		s.emit(ev)
	}
}

func (s *Session) emit(ev Event) {
	ev.Session = s.cfg.Name
	select {
	case s.events <- ev:
	default:
		telemetry.Inc(telemetry.EventsDropped, "session")
		s.log.Warn("session event dropped", slog.String("kind", ev.Kind.String()))
	}
}

// IsClosed reports whether err came from a closed or stopped session.
func IsClosed(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}
