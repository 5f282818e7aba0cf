package backend

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// StreamGrant represents a short-lived playable URL for one item
type StreamGrant struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ManifestTrack represents one entry of a bulk-resolved collection
type ManifestTrack struct {
	ItemID    string    `json:"itemId"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
	Duration  int       `json:"duration"`
}

// ManifestMeta carries collection-level data from a manifest response
type ManifestMeta struct {
	TotalDuration int       `json:"totalDuration"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Manifest is the bulk resolution response for a whole collection
type Manifest struct {
	Tracks []ManifestTrack `json:"tracks"`
	Meta   ManifestMeta    `json:"meta"`
}

// Position represents the backend's stored playback position for one item
type Position struct {
	Position    int64     `json:"position"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// ResolveStream requests a fresh playable URL for one item
func (c *Client) ResolveStream(ctx context.Context, itemID string) (*StreamGrant, error) {
	var grant StreamGrant
	path := "/streams/" + url.PathEscape(itemID)
	if err := c.do(ctx, "GET", path, nil, &grant); err != nil {
		return nil, fmt.Errorf("failed to resolve stream for %s: %w", itemID, err)
	}
	return &grant, nil
}

// ResolveManifest bulk-resolves playable URLs for every item of a collection
func (c *Client) ResolveManifest(ctx context.Context, collectionID string, itemIDs []string) (*Manifest, error) {
	body := map[string]interface{}{
		"itemIds": itemIDs,
	}

	var manifest Manifest
	path := "/collections/" + url.PathEscape(collectionID) + "/manifest"
	if err := c.do(ctx, "POST", path, body, &manifest); err != nil {
		return nil, fmt.Errorf("failed to resolve manifest for collection %s: %w", collectionID, err)
	}
	return &manifest, nil
}

// GetPosition fetches the stored position for an item. Returns a 404 APIError
// when the backend has none; check with IsNotFound.
func (c *Client) GetPosition(ctx context.Context, itemID string) (*Position, error) {
	var position Position
	path := "/positions/" + url.PathEscape(itemID)
	if err := c.do(ctx, "GET", path, nil, &position); err != nil {
		return nil, err
	}
	return &position, nil
}

// PutPosition stores the current position for an item
func (c *Client) PutPosition(ctx context.Context, itemID string, positionMs int64) (*Position, error) {
	body := map[string]interface{}{
		"position": positionMs,
	}

	var position Position
	path := "/positions/" + url.PathEscape(itemID)
	if err := c.do(ctx, "PUT", path, body, &position); err != nil {
		return nil, err
	}
	return &position, nil
}

// TrackListening reports played seconds for an item, answered with 204
func (c *Client) TrackListening(ctx context.Context, itemID string, playSeconds int) error {
	body := map[string]interface{}{
		"itemId":      itemID,
		"playSeconds": playSeconds,
	}

	return c.do(ctx, "POST", "/stats/listening", body, nil)
}
