// Command chatgate runs the Twitch EventSub chat client as a service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres, runs migrations and restores stored
//     tokens (sealed when TOKEN_ENCRYPTION_KEY is set).
//   - Initializes the chat client (retrying while Twitch is unreachable) and
//     fans its events out to the live stream, the chat archive, an optional
//     Redis relay and the log.
//   - Refreshes stored user tokens and hands them to the running client.
//   - Exposes the ops HTTP server (/healthz, /status, /metrics, /chat/*).
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/onnwee/chatgate/chat"
	"github.com/onnwee/chatgate/config"
	"github.com/onnwee/chatgate/crypto"
	"github.com/onnwee/chatgate/db"
	"github.com/onnwee/chatgate/eventsub"
	"github.com/onnwee/chatgate/oauth"
	"github.com/onnwee/chatgate/relay"
	"github.com/onnwee/chatgate/server"
	"github.com/onnwee/chatgate/telemetry"
	"github.com/onnwee/chatgate/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chatgate", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	helix := &twitchapi.HelixClient{
		BaseURL: cfg.HelixBaseURL,
		AuthURL: cfg.AuthBaseURL,
		HTTPClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	var (
		database *sql.DB
		tokens   *db.TokenStore
		archive  *db.MessageStore
	)
	if cfg.DBDsn != "" {
		database, tokens, err = openStore(ctx, cfg)
		if err != nil {
			slog.Error("database setup failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		if cfg.ArchiveChat {
			archive = &db.MessageStore{DB: database}
		}
		restoreTokens(ctx, cfg, tokens, helix)
	} else {
		slog.Info("DB_DSN not set: token store, refresher and chat archive disabled")
	}

	client, err := chat.New(helix, chat.OptionsFromConfig(cfg))
	if err != nil {
		slog.Error("chat client setup failed", slog.Any("err", err))
		os.Exit(1)
	}
	hub := server.NewHub()
	var relayPub *relay.RedisPublisher
	if cfg.RedisURL != "" {
		relayPub, err = relay.NewRedisPublisher(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			slog.Error("redis relay setup failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := relayPub.Close(); err != nil {
				slog.Warn("failed to close redis relay", slog.Any("err", err))
			}
		}()
		slog.Info("redis relay enabled", slog.String("prefix", cfg.RedisPrefix))
	}
	go pumpEvents(ctx, client, sinks{hub: hub, archive: archive, relay: relayPub})

	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat client disabled", slog.Any("err", err))
	} else {
		go func() {
			cc := chat.ConnectionCredentials{
				Channel:          cfg.TwitchChannel,
				BotToken:         cfg.TwitchBotToken,
				BroadcasterToken: cfg.TwitchBroadcasterToken,
			}
			initialize := func(ctx context.Context) error { return client.Initialize(ctx, cc) }
			if err := initializeWithRetry(ctx, initialize, startupBackOff(cfg.StartupMaxElapsed)); err != nil {
				slog.Error("chat client initialize failed", slog.Any("err", err))
			}
		}()
	}

	var oauthCfg *oauth2.Config
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		oauthCfg = twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.AuthBaseURL)
		oauthCfg.RedirectURL = cfg.TwitchRedirectURI
		oauthCfg.Scopes = cfg.TwitchScopes
	}
	if tokens != nil && oauthCfg != nil {
		startRefreshers(ctx, cfg, tokens, oauthCfg, client)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	opts := server.Options{
		Chat:              client,
		Hub:               hub,
		DB:                database,
		Validator:         helix,
		Auth:              server.AuthConfig{Username: cfg.AdminUsername, Password: cfg.AdminPassword, Token: cfg.AdminToken},
		CORS:              server.CORSConfig{Permissive: cfg.CORSPermissive, AllowedOrigins: cfg.CORSOrigins},
		SendRatePerMinute: cfg.SendRatePerMinute,
	}
	// typed nils would defeat the handlers' nil checks
	if archive != nil {
		opts.Archive = archive
	}
	if tokens != nil {
		opts.Tokens = tokens
	}
	if cfg.OAuthReady() {
		opts.OAuth = oauthCfg
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, opts); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if client.State() != chat.StateUninitialized {
		if err := client.Disconnect(dctx); err != nil {
			slog.Warn("chat disconnect failed", slog.Any("err", err))
		}
	}
}

// openStore connects, migrates and builds the token store.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, *db.TokenStore, error) {
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(database); err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	store := &db.TokenStore{DB: database}
	if cfg.TokenEncryptionKey != "" {
		sealer, err := crypto.NewAESSealer(cfg.TokenEncryptionKey, cfg.TokenEncryptionKeyID)
		if err != nil {
			_ = database.Close()
			return nil, nil, err
		}
		store.Sealer = sealer
		slog.Info("token encryption enabled", slog.String("key_id", sealer.KeyID()))
	} else {
		slog.Warn("TOKEN_ENCRYPTION_KEY not set: tokens are stored in plaintext")
	}
	return database, store, nil
}

// restoreTokens swaps in stored tokens over the environment ones. Environment
// tokens that are not stored yet are saved so the refresher can pick them up.
func restoreTokens(ctx context.Context, cfg *config.Config, store *db.TokenStore, helix *twitchapi.HelixClient) {
	seeds := []struct {
		provider string
		access   *string
		refresh  string
	}{
		{db.ProviderBot, &cfg.TwitchBotToken, cfg.BotRefreshToken},
		{db.ProviderBroadcaster, &cfg.TwitchBroadcasterToken, cfg.BroadcasterRefreshToken},
	}
	for _, s := range seeds {
		log := slog.With(slog.String("component", "token_store"), slog.String("provider", s.provider))
		stored, err := store.Load(ctx, s.provider)
		switch {
		case err == nil && stored.Access != "":
			*s.access = stored.Access
			log.Info("using stored token", slog.Time("expires_at", stored.Expiry))
			continue
		case err != nil && !errors.Is(err, db.ErrTokenNotFound):
			log.Warn("stored token unreadable", slog.Any("err", err))
			continue
		}
		if *s.access == "" {
			continue
		}
		tok := db.Token{Access: *s.access, Refresh: s.refresh}
		if v, err := helix.ValidateToken(ctx, *s.access); err == nil {
			tok.Expiry = v.Expiry()
			tok.Scope = strings.Join(v.Scopes, " ")
		} else {
			log.Warn("seed token validation failed", slog.Any("err", err))
		}
		if err := store.Save(ctx, s.provider, tok); err != nil {
			log.Warn("seed token persist failed", slog.Any("err", err))
			continue
		}
		log.Info("seeded token store from environment", slog.Bool("refresh_token_present", s.refresh != ""))
	}
}

func startRefreshers(ctx context.Context, cfg *config.Config, store *db.TokenStore, oc *oauth2.Config, client *chat.Client) {
	refresh := oauth.TwitchRefresh(oc)
	targets := []struct {
		provider string
		apply    func(context.Context, string) error
	}{
		{db.ProviderBot, client.UpdateBotToken},
		{db.ProviderBroadcaster, client.UpdateBroadcasterToken},
	}
	for _, t := range targets {
		apply := t.apply
		r := &oauth.Refresher{
			Store:    store,
			Provider: t.provider,
			Interval: cfg.RefreshInterval,
			Window:   cfg.RefreshWindow,
			Refresh:  refresh,
			OnRefresh: func(ctx context.Context, tok db.Token) error {
				if _, ok := client.Credentials(); !ok {
					return nil
				}
				return apply(ctx, tok.Access)
			},
		}
		go r.Run(ctx)
	}
}

// sinks receive inbound chat. archive and relay are optional.
type sinks struct {
	hub     *server.Hub
	archive *db.MessageStore
	relay   *relay.RedisPublisher
}

// pumpEvents drains every client channel until ctx ends.
func pumpEvents(ctx context.Context, client *chat.Client, out sinks) {
	log := slog.With(slog.String("component", "events"))
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-client.Messages():
			out.hub.Publish(m)
			if out.archive != nil {
				if err := out.archive.Insert(ctx, archivedMessage(m)); err != nil {
					log.Warn("archive insert failed", slog.Any("err", err), slog.String("message_id", m.ID))
				}
			}
			if out.relay != nil {
				if err := out.relay.PublishMessage(ctx, m); err != nil {
					log.Warn("relay publish failed", slog.Any("err", err), slog.String("message_id", m.ID))
				}
			}
		case cmd := <-client.Commands():
			log.Info("command", slog.String("name", cmd.Name), slog.String("user", cmd.Message.Login), slog.Int("args", len(cmd.Args)))
		case r := <-client.Rewards():
			log.Info("reward redeemed", slog.String("reward", r.Reward.Title), slog.String("user", r.UserLogin))
			if out.relay != nil {
				if err := out.relay.PublishRedemption(ctx, r); err != nil {
					log.Warn("relay publish failed", slog.Any("err", err), slog.String("redemption_id", r.ID))
				}
			}
		case <-client.Connected():
			log.Info("chat connected")
		case reason := <-client.Disconnected():
			log.Warn("chat disconnected", slog.String("reason", reason))
		case err := <-client.Errors():
			log.Warn("chat error", slog.Any("err", err), slog.String("kind", eventsub.KindOf(err).String()))
		}
	}
}

func archivedMessage(m chat.ChatMessage) db.ArchivedMessage {
	out := db.ArchivedMessage{
		MessageID:  m.ID,
		Channel:    m.Channel,
		UserID:     m.UserID,
		Username:   m.Login,
		Message:    m.Text,
		Color:      m.Color,
		ReceivedAt: m.Received,
	}
	for _, b := range m.Badges {
		out.Badges = append(out.Badges, b.Title)
	}
	if m.Reply != nil {
		out.ReplyToID = m.Reply.ParentMessageID
		out.ReplyToUser = m.Reply.ParentUserLogin
	}
	return out
}
