// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials (bot token + channel), use ValidateChatReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// DefaultEventSubURL is the public Twitch EventSub WebSocket gateway.
const DefaultEventSubURL = "wss://eventsub.wss.twitch.tv/ws"

type Config struct {
	// Twitch identities
	TwitchChannel          string
	TwitchBotToken         string
	TwitchBroadcasterToken string
	TwitchClientID         string
	TwitchClientSecret     string

	// Platform endpoints (overridable for tests and proxies)
	HelixBaseURL string
	AuthBaseURL  string
	EventSubURL  string

	// Session manager
	WelcomeTimeout    time.Duration
	ReconnectDeadline time.Duration
	KeepaliveGrace    time.Duration
	SubscribeRetries  int
	SubscribeCooldown time.Duration

	// Client
	CommandIdentifier     rune
	AutoReconnect         bool
	AutoReconnectCooldown time.Duration
	SendInterval          time.Duration

	// Token store and chat archive (optional; empty DSN disables both)
	DBDsn                   string
	TokenEncryptionKey      string
	TokenEncryptionKeyID    string
	BotRefreshToken         string
	BroadcasterRefreshToken string
	RefreshInterval         time.Duration
	RefreshWindow           time.Duration
	ArchiveChat             bool

	// Redis pub/sub relay (optional; empty URL disables it)
	RedisURL    string
	RedisPrefix string

	// Startup retry for the first Initialize
	StartupMaxElapsed time.Duration

	// Authorization code flow for minting new tokens
	TwitchRedirectURI string
	TwitchScopes      []string

	// Ops HTTP
	HTTPAddr          string
	AdminUsername     string
	AdminPassword     string
	AdminToken        string
	SendRatePerMinute int
	CORSOrigins       []string
	CORSPermissive    bool
}

// DefaultScopes are the user token scopes the chat client needs.
var DefaultScopes = []string{"user:read:chat", "user:write:chat", "user:bot", "user:manage:whispers", "channel:read:redemptions"}

// Load reads environment variables and applies defaults. It doesn't fail if Twitch creds are missing;
// use ValidateChatReady() before starting the client. Malformed durations or numbers are reported.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchChannel = strings.ToLower(strings.TrimSpace(os.Getenv("TWITCH_CHANNEL")))
	cfg.TwitchBotToken = strings.TrimPrefix(os.Getenv("TWITCH_OAUTH_TOKEN"), "oauth:")
	cfg.TwitchBroadcasterToken = strings.TrimPrefix(os.Getenv("TWITCH_BROADCASTER_TOKEN"), "oauth:")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")

	cfg.HelixBaseURL = envOr("TWITCH_HELIX_URL", "https://api.twitch.tv/helix")
	cfg.AuthBaseURL = envOr("TWITCH_AUTH_URL", "https://id.twitch.tv/oauth2")
	cfg.EventSubURL = envOr("TWITCH_EVENTSUB_URL", DefaultEventSubURL)

	var err error
	if cfg.WelcomeTimeout, err = durationEnv("EVENTSUB_WELCOME_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectDeadline, err = durationEnv("EVENTSUB_RECONNECT_DEADLINE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.KeepaliveGrace, err = durationEnv("EVENTSUB_KEEPALIVE_GRACE", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.SubscribeCooldown, err = durationEnv("EVENTSUB_SUBSCRIBE_COOLDOWN", 2*time.Second); err != nil {
		return nil, err
	}
	cfg.SubscribeRetries = 3
	if v := os.Getenv("EVENTSUB_SUBSCRIBE_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid EVENTSUB_SUBSCRIBE_RETRIES %q", v)
		}
		cfg.SubscribeRetries = n
	}

	cfg.CommandIdentifier = '!'
	if v := os.Getenv("CHAT_COMMAND_IDENTIFIER"); v != "" {
		r, size := utf8.DecodeRuneInString(v)
		if size != len(v) || !unicode.IsPunct(r) {
			return nil, fmt.Errorf("invalid CHAT_COMMAND_IDENTIFIER %q: must be a single punctuation character", v)
		}
		cfg.CommandIdentifier = r
	}
	cfg.AutoReconnect = os.Getenv("CHAT_AUTO_RECONNECT") == "1"
	if cfg.AutoReconnectCooldown, err = durationEnv("CHAT_AUTO_RECONNECT_COOLDOWN", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SendInterval, err = durationEnv("CHAT_SEND_INTERVAL", 1100*time.Millisecond); err != nil {
		return nil, err
	}

	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.TokenEncryptionKey = os.Getenv("TOKEN_ENCRYPTION_KEY")
	cfg.TokenEncryptionKeyID = os.Getenv("TOKEN_ENCRYPTION_KEY_ID")
	cfg.BotRefreshToken = os.Getenv("TWITCH_REFRESH_TOKEN")
	cfg.BroadcasterRefreshToken = os.Getenv("TWITCH_BROADCASTER_REFRESH_TOKEN")
	cfg.ArchiveChat = os.Getenv("CHAT_ARCHIVE") == "1"
	if cfg.RefreshInterval, err = durationEnv("TOKEN_REFRESH_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RefreshWindow, err = durationEnv("TOKEN_REFRESH_WINDOW", 15*time.Minute); err != nil {
		return nil, err
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.RedisPrefix = envOr("REDIS_CHANNEL_PREFIX", "chatgate")
	if cfg.StartupMaxElapsed, err = durationEnv("CHAT_STARTUP_MAX_ELAPSED", 10*time.Minute); err != nil {
		return nil, err
	}

	cfg.TwitchRedirectURI = os.Getenv("TWITCH_REDIRECT_URI")
	cfg.TwitchScopes = DefaultScopes
	if v := os.Getenv("TWITCH_SCOPES"); v != "" {
		cfg.TwitchScopes = strings.Fields(v)
	}

	cfg.HTTPAddr = envOr("HTTP_ADDR", ":8080")
	cfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.SendRatePerMinute = 20
	if v := os.Getenv("SEND_RATE_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid SEND_RATE_PER_MINUTE %q", v)
		}
		cfg.SendRatePerMinute = n
	}
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}
	// Default to permissive in dev, restricted in production
	mode := strings.ToLower(os.Getenv("ENV"))
	cfg.CORSPermissive = mode == "" || mode == "dev" || mode == "development"
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		cfg.CORSPermissive = v == "1" || v == "true"
	}

	return cfg, nil
}

// ValidateChatReady checks the fields required to start the chat client.
func (c *Config) ValidateChatReady() error {
	if c.TwitchChannel == "" || c.TwitchBotToken == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CHANNEL, TWITCH_OAUTH_TOKEN")
	}
	return nil
}

// OAuthReady reports whether the authorization code flow can run.
func (c *Config) OAuthReady() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != "" && c.TwitchRedirectURI != ""
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: expected positive duration", key, v)
	}
	return d, nil
}
