package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/true-shuffle/trueshuffle/models"
)

// Playlist and profile reads are not Player calls; they bypass the per-user
// lock and only share the retry core.

// CurrentUser returns the Spotify user id and display name for the token
// holder.
func (c *Client) CurrentUser(ctx context.Context, userID int64) (string, string, error) {
	_, body, err := c.call(ctx, userID, http.MethodGet, c.apiURL+"/me", nil)
	if err != nil {
		return "", "", err
	}

	var profile struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return "", "", fmt.Errorf("decoding profile: %w", err)
	}

	return profile.ID, profile.DisplayName, nil
}

// GetPlaylists returns all playlists owned or followed by the user,
// paginating through every page.
func (c *Client) GetPlaylists(ctx context.Context, userID int64) ([]models.Playlist, error) {
	var playlists []models.Playlist
	next := c.apiURL + "/me/playlists?limit=50"

	for next != "" {
		_, body, err := c.call(ctx, userID, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}

		var page struct {
			Items []struct {
				ID     string `json:"id"`
				Name   string `json:"name"`
				Tracks struct {
					Total int `json:"total"`
				} `json:"tracks"`
				Owner struct {
					DisplayName string `json:"display_name"`
				} `json:"owner"`
			} `json:"items"`
			Next string `json:"next"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decoding playlists page: %w", err)
		}

		for _, item := range page.Items {
			playlists = append(playlists, models.Playlist{
				ID:          item.ID,
				Name:        item.Name,
				TotalTracks: item.Tracks.Total,
				Owner:       item.Owner.DisplayName,
			})
		}
		next = page.Next
	}

	return playlists, nil
}

// GetPlaylist returns basic metadata for one playlist.
func (c *Client) GetPlaylist(ctx context.Context, userID int64, playlistID string) (*models.Playlist, error) {
	reqURL := fmt.Sprintf("%s/playlists/%s?fields=id,name,owner(display_name),tracks(total)", c.apiURL, url.PathEscape(playlistID))

	_, body, err := c.call(ctx, userID, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	var data struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Tracks struct {
			Total int `json:"total"`
		} `json:"tracks"`
		Owner struct {
			DisplayName string `json:"display_name"`
		} `json:"owner"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decoding playlist: %w", err)
	}

	return &models.Playlist{
		ID:          data.ID,
		Name:        data.Name,
		TotalTracks: data.Tracks.Total,
		Owner:       data.Owner.DisplayName,
	}, nil
}

// GetPlaylistTracks fetches every entry of a playlist, paginated. Entries
// are returned raw; filtering belongs to the shuffle package.
func (c *Client) GetPlaylistTracks(ctx context.Context, userID int64, playlistID string) ([]models.PlaylistTrack, error) {
	var tracks []models.PlaylistTrack
	next := fmt.Sprintf("%s/playlists/%s/tracks?fields=items(track(uri,name,type,is_local,is_playable)),next&limit=100",
		c.apiURL, url.PathEscape(playlistID))

	for next != "" {
		_, body, err := c.call(ctx, userID, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}

		var page struct {
			Items []struct {
				Track *struct {
					URI        string `json:"uri"`
					Name       string `json:"name"`
					Type       string `json:"type"`
					IsLocal    bool   `json:"is_local"`
					IsPlayable *bool  `json:"is_playable"`
				} `json:"track"`
			} `json:"items"`
			Next string `json:"next"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decoding playlist tracks page: %w", err)
		}

		for _, item := range page.Items {
			if item.Track == nil {
				// Deleted or unavailable placeholder.
				tracks = append(tracks, models.PlaylistTrack{IsPlayable: false, Type: "track"})
				continue
			}
			playable := true
			if item.Track.IsPlayable != nil {
				playable = *item.Track.IsPlayable
			}
			tracks = append(tracks, models.PlaylistTrack{
				URI:        item.Track.URI,
				Name:       item.Track.Name,
				Type:       item.Track.Type,
				IsLocal:    item.Track.IsLocal,
				IsPlayable: playable,
			})
		}
		next = page.Next
	}

	return tracks, nil
}

// CreatePlaylist creates a new playlist for the user and returns its id and
// public URL.
func (c *Client) CreatePlaylist(ctx context.Context, userID int64, spotifyUserID, name, description string) (string, string, error) {
	reqURL := fmt.Sprintf("%s/users/%s/playlists", c.apiURL, url.PathEscape(spotifyUserID))

	payload := map[string]any{
		"name":        name,
		"public":      false,
		"description": description,
	}

	_, body, err := c.call(ctx, userID, http.MethodPost, reqURL, payload)
	if err != nil {
		return "", "", err
	}

	var data struct {
		ID           string `json:"id"`
		ExternalURLs struct {
			Spotify string `json:"spotify"`
		} `json:"external_urls"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return "", "", fmt.Errorf("decoding created playlist: %w", err)
	}

	return data.ID, data.ExternalURLs.Spotify, nil
}

// AddTracksBatch appends URIs to a playlist in chunks of at most 100, the
// API's per-request limit. Returns the number of calls made.
func (c *Client) AddTracksBatch(ctx context.Context, userID int64, playlistID string, uris []string) (int, error) {
	const batchSize = 100
	reqURL := fmt.Sprintf("%s/playlists/%s/tracks", c.apiURL, url.PathEscape(playlistID))

	calls := 0
	for start := 0; start < len(uris); start += batchSize {
		end := start + batchSize
		if end > len(uris) {
			end = len(uris)
		}

		payload := map[string]any{"uris": uris[start:end]}
		if _, _, err := c.call(ctx, userID, http.MethodPost, reqURL, payload); err != nil {
			return calls, err
		}
		calls++
	}

	return calls, nil
}
