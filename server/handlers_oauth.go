package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatgate/db"
	"github.com/onnwee/chatgate/telemetry"
)

// providerFor maps the ?role= query value to a token store provider.
func providerFor(role string) (string, bool) {
	switch role {
	case "", "bot":
		return db.ProviderBot, true
	case "broadcaster":
		return db.ProviderBroadcaster, true
	}
	return "", false
}

// HandleTwitchOAuthStart redirects to Twitch to mint a bot (default) or
// broadcaster token.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.opts.OAuth == nil {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET, TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	provider, ok := providerFor(r.URL.Query().Get("role"))
	if !ok {
		http.Error(w, "role must be bot or broadcaster", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, provider) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	// force_verify so the operator can pick which account to authorize
	http.Redirect(w, r, h.opts.OAuth.AuthCodeURL(st, oauth2.SetAuthURLParam("force_verify", "true")), http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code, stores the token and hands it
// to the running client.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.opts.OAuth == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	provider, ok := h.takeOAuthState(st)
	if !ok {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("provider", provider))

	tok, err := h.opts.OAuth.Exchange(ctx, code)
	if err != nil {
		log.Warn("oauth code exchange failed", slog.Any("err", err))
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}
	login := ""
	if h.opts.Validator != nil {
		v, err := h.opts.Validator.ValidateToken(ctx, tok.AccessToken)
		if err != nil {
			log.Warn("minted token failed validation", slog.Any("err", err))
			http.Error(w, "token validation failed", http.StatusBadGateway)
			return
		}
		login = v.Login
	}
	if h.opts.Tokens != nil {
		if err := h.opts.Tokens.Save(ctx, provider, db.Token{Access: tok.AccessToken, Refresh: tok.RefreshToken, Expiry: tok.Expiry}); err != nil {
			log.Error("token persist failed", slog.Any("err", err))
			http.Error(w, "token persist failed", http.StatusInternalServerError)
			return
		}
	}

	applied := false
	if _, running := h.opts.Chat.Credentials(); running {
		update := h.opts.Chat.UpdateBotToken
		if provider == db.ProviderBroadcaster {
			update = h.opts.Chat.UpdateBroadcasterToken
		}
		if err := update(ctx, tok.AccessToken); err != nil {
			log.Warn("client rejected new token", slog.Any("err", err))
		} else {
			applied = true
		}
	}
	log.Info("oauth token stored", slog.String("login", login), slog.Bool("applied", applied))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"provider":              provider,
		"login":                 login,
		"expiry":                tok.Expiry,
		"refresh_token_present": tok.RefreshToken != "",
		"applied":               applied,
	})
}
