package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Validation is the identity behind a user access token.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// HasScope reports whether the token was granted scope.
func (v *Validation) HasScope(scope string) bool {
	for _, s := range v.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Expiry returns the absolute expiry computed from ExpiresIn.
func (v *Validation) Expiry() time.Time { return ComputeExpiry(v.ExpiresIn) }

// ValidateToken checks a user access token against id.twitch.tv and returns its identity.
func (hc *HelixClient) ValidateToken(ctx context.Context, token string) (*Validation, error) {
	token = strings.TrimPrefix(token, "oauth:")
	if token == "" {
		return nil, errors.New("oauth token empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.authURL("/validate"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+token)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Method: http.MethodGet, Path: "/validate", Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var v Validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	if v.UserID == "" || v.ClientID == "" {
		return nil, errors.New("validate response missing user_id or client_id")
	}
	return &v, nil
}
