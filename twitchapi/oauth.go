package twitchapi

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// OAuthConfig returns the oauth2 configuration for Twitch user tokens.
// authBaseURL defaults to https://id.twitch.tv/oauth2.
func OAuthConfig(clientID, clientSecret, authBaseURL string) *oauth2.Config {
	if authBaseURL == "" {
		authBaseURL = defaultAuthURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authBaseURL + "/authorize",
			TokenURL:  authBaseURL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// RefreshUserToken exchanges a refresh token for a new user access token.
// The returned token keeps the old refresh token when Twitch omits a new one.
func RefreshUserToken(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	if cfg == nil || cfg.ClientID == "" || cfg.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	// An already-expired token forces the source to hit the token endpoint.
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = ComputeExpiry(0)
	}
	return tok, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
