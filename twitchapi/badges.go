package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// BadgeVersion is one rendition of a chat badge.
type BadgeVersion struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageURL1x  string `json:"image_url_1x"`
	ImageURL2x  string `json:"image_url_2x"`
	ImageURL4x  string `json:"image_url_4x"`
}

// BadgeSet groups the versions of a badge (e.g. subscriber months).
type BadgeSet struct {
	SetID    string         `json:"set_id"`
	Versions []BadgeVersion `json:"versions"`
}

// GetGlobalBadges lists the badges available in every channel.
func (hc *HelixClient) GetGlobalBadges(ctx context.Context, auth Auth) ([]BadgeSet, error) {
	var body struct {
		Data []BadgeSet `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/chat/badges/global", nil, auth, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetChannelBadges lists the custom badges of a broadcaster.
func (hc *HelixClient) GetChannelBadges(ctx context.Context, broadcasterID string, auth Auth) ([]BadgeSet, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Data []BadgeSet `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/chat/badges", url.Values{"broadcaster_id": {broadcasterID}}, auth, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}
