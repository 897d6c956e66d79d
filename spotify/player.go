package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/true-shuffle/trueshuffle/models"
)

// ListDevices returns the user's available playback devices.
func (c *Client) ListDevices(ctx context.Context, userID int64) ([]models.Device, error) {
	_, body, err := c.playerCall(ctx, userID, http.MethodGet, c.apiURL+"/me/player/devices", nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Devices []models.Device `json:"devices"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decoding devices: %w", err)
	}

	return response.Devices, nil
}

// GetPlayback returns the current playback state, or nil when the service
// reports no active playback (204 or an empty item).
func (c *Client) GetPlayback(ctx context.Context, userID int64) (*models.PlaybackState, error) {
	status, body, err := c.playerCall(ctx, userID, http.MethodGet, c.apiURL+"/me/player", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || len(body) == 0 {
		return nil, nil
	}

	var response struct {
		IsPlaying bool `json:"is_playing"`
		Item      *struct {
			URI     string          `json:"uri"`
			Name    string          `json:"name"`
			Artists []models.Artist `json:"artists"`
			Album   struct {
				Images []struct {
					URL string `json:"url"`
				} `json:"images"`
			} `json:"album"`
		} `json:"item"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decoding playback state: %w", err)
	}
	if response.Item == nil {
		return nil, nil
	}

	state := &models.PlaybackState{
		IsPlaying: response.IsPlaying,
		TrackURI:  response.Item.URI,
		TrackName: response.Item.Name,
		Artists:   response.Item.Artists,
	}
	if len(response.Item.Album.Images) > 0 {
		state.AlbumArt = response.Item.Album.Images[0].URL
	}

	return state, nil
}

// Play hard-plays the given URIs from position 0, bypassing the device's
// current queue position. deviceID may be empty to target the active device.
func (c *Client) Play(ctx context.Context, userID int64, uris []string, deviceID string) error {
	playURL := c.apiURL + "/me/player/play"
	if deviceID != "" {
		playURL += "?device_id=" + url.QueryEscape(deviceID)
	}

	body := map[string]any{
		"uris":        uris,
		"position_ms": 0,
	}

	_, _, err := c.playerCall(ctx, userID, http.MethodPut, playURL, body)
	return err
}

// Enqueue appends one URI to the device's playback queue.
func (c *Client) Enqueue(ctx context.Context, userID int64, uri, deviceID string) error {
	params := url.Values{"uri": {uri}}
	if deviceID != "" {
		params.Set("device_id", deviceID)
	}

	_, _, err := c.playerCall(ctx, userID, http.MethodPost, c.apiURL+"/me/player/queue?"+params.Encode(), nil)
	return err
}

// Pause pauses playback on the device.
func (c *Client) Pause(ctx context.Context, userID int64, deviceID string) error {
	pauseURL := c.apiURL + "/me/player/pause"
	if deviceID != "" {
		pauseURL += "?device_id=" + url.QueryEscape(deviceID)
	}

	_, _, err := c.playerCall(ctx, userID, http.MethodPut, pauseURL, nil)
	return err
}
