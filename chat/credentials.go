package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/onnwee/chatgate/eventsub"
	"github.com/onnwee/chatgate/twitchapi"
)

var (
	ErrNotInitialized   = errors.New("chat client not initialized")
	ErrChannelRequired  = errors.New("channel required")
	ErrBotTokenRequired = errors.New("bot token required")
)

// Identity is a validated Twitch account.
type Identity struct {
	Login       string
	DisplayName string
	UserID      string
	Token       string
	ClientID    string
}

func (i Identity) auth() twitchapi.Auth {
	return twitchapi.Auth{Token: i.Token, ClientID: i.ClientID}
}

// ConnectionCredentials are the inputs to Initialize. BroadcasterToken is
// optional; without it reward redemptions are not subscribed.
type ConnectionCredentials struct {
	Channel          string
	BotToken         string
	BroadcasterToken string
}

// Credentials are the validated identities the client acts as. Broadcaster
// always describes the joined channel; its Token is empty when no broadcaster
// token was supplied.
type Credentials struct {
	Bot         Identity
	Broadcaster Identity
}

// HasBroadcasterToken reports whether the broadcaster session can be opened.
func (c Credentials) HasBroadcasterToken() bool { return c.Broadcaster.Token != "" }

func (c Credentials) connection() ConnectionCredentials {
	return ConnectionCredentials{
		Channel:          c.Broadcaster.Login,
		BotToken:         c.Bot.Token,
		BroadcasterToken: c.Broadcaster.Token,
	}
}

// State is the client lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

func normalizeLogin(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func normalizeToken(s string) string { return strings.TrimPrefix(strings.TrimSpace(s), "oauth:") }

func authError(op string, err error) error { return eventsub.NewError(eventsub.KindAuth, op, err) }

// validateToken resolves a user token to its identity.
func validateToken(ctx context.Context, api API, token string) (Identity, error) {
	token = normalizeToken(token)
	v, err := api.ValidateToken(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Login: v.Login, DisplayName: v.Login, UserID: v.UserID, Token: token, ClientID: v.ClientID}, nil
}

// validateCredentials checks every token and resolves the channel.
func validateCredentials(ctx context.Context, api API, cc ConnectionCredentials) (Credentials, error) {
	channel := normalizeLogin(cc.Channel)
	if channel == "" {
		return Credentials{}, authError("validate credentials", ErrChannelRequired)
	}
	if normalizeToken(cc.BotToken) == "" {
		return Credentials{}, authError("validate credentials", ErrBotTokenRequired)
	}
	bot, err := validateToken(ctx, api, cc.BotToken)
	if err != nil {
		return Credentials{}, authError("validate bot token", err)
	}

	var caster Identity
	if normalizeToken(cc.BroadcasterToken) != "" {
		caster, err = validateToken(ctx, api, cc.BroadcasterToken)
		if err != nil {
			return Credentials{}, authError("validate broadcaster token", err)
		}
		if caster.Login != channel {
			return Credentials{}, authError("validate broadcaster token", fmt.Errorf("token belongs to %s, not channel %s", caster.Login, channel))
		}
	}

	u, err := api.GetUser(ctx, channel, bot.auth())
	if err != nil {
		return Credentials{}, authError("resolve channel", err)
	}
	caster.Login = u.Login
	caster.UserID = u.ID
	caster.DisplayName = u.DisplayName
	return Credentials{Bot: bot, Broadcaster: caster}, nil
}
