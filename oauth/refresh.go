// Package oauth keeps stored Twitch user tokens fresh. It performs jittered
// checks and refreshes when expiry falls within a configured window, then
// hands the new access token to the running chat client.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatgate/db"
	"github.com/onnwee/chatgate/twitchapi"
)

const (
	defaultInterval = 5 * time.Minute
	defaultWindow   = 15 * time.Minute
	refreshTimeout  = 15 * time.Second
)

// Store is the token persistence the refresher reads and writes.
type Store interface {
	Load(ctx context.Context, provider string) (db.Token, error)
	Save(ctx context.Context, provider string, tok db.Token) error
}

// RefreshFunc exchanges a refresh token for a new token.
type RefreshFunc func(ctx context.Context, refreshToken string) (db.Token, error)

// TwitchRefresh returns a RefreshFunc backed by the Twitch token endpoint.
func TwitchRefresh(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (db.Token, error) {
		tok, err := twitchapi.RefreshUserToken(ctx, cfg, refreshToken)
		if err != nil {
			return db.Token{}, err
		}
		return db.Token{Access: tok.AccessToken, Refresh: tok.RefreshToken, Expiry: tok.Expiry, Scope: scopeOf(tok)}, nil
	}
}

// scopeOf flattens the scope extra, which Twitch sends as a JSON array.
func scopeOf(tok *oauth2.Token) string {
	switch v := tok.Extra("scope").(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// Refresher watches one provider row.
type Refresher struct {
	Store    Store
	Provider string
	Interval time.Duration
	Window   time.Duration
	Refresh  RefreshFunc
	// OnRefresh receives each new token after it is saved.
	OnRefresh func(ctx context.Context, tok db.Token) error
	Logger    *slog.Logger
}

func (r *Refresher) log() *slog.Logger {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", "oauth_refresh"), slog.String("provider", r.Provider))
}

// Check refreshes the token when it expires within the window. It reports
// whether a refresh happened.
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	window := r.Window
	if window <= 0 {
		window = defaultWindow
	}
	cur, err := r.Store.Load(ctx, r.Provider)
	if err != nil {
		if errors.Is(err, db.ErrTokenNotFound) {
			return false, nil
		}
		return false, err
	}
	if cur.Refresh == "" || time.Until(cur.Expiry) > window {
		return false, nil
	}

	rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	next, err := r.Refresh(rctx, cur.Refresh)
	cancel()
	if err != nil {
		return false, err
	}
	if next.Refresh == "" {
		next.Refresh = cur.Refresh
	}
	if next.Scope == "" {
		next.Scope = cur.Scope
	}
	if err := r.Store.Save(ctx, r.Provider, next); err != nil {
		return false, err
	}
	r.log().Info("token refreshed", slog.Time("expires_at", next.Expiry))
	if r.OnRefresh != nil {
		if err := r.OnRefresh(ctx, next); err != nil {
			r.log().Warn("refreshed token rejected by client", slog.Any("err", err))
		}
	}
	return true, nil
}

// Run calls Check on a jittered interval until ctx ends.
func (r *Refresher) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	next := time.Duration(rand.Int63n(int64(interval/2) + 1))
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
		if _, err := r.Check(ctx); err != nil && ctx.Err() == nil {
			r.log().Warn("token refresh failed", slog.Any("err", err))
		}
		// ±20% of interval
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		next = interval + time.Duration(rand.Int63n(jitterRange*2+1)-jitterRange)
	}
}
