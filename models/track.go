package models

// Artist is a track credit as reported by the streaming service.
type Artist struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// PlaylistTrack is one playlist entry as fetched from the service, before
// filtering. URI is empty for unavailable placeholders.
type PlaylistTrack struct {
	URI        string `json:"uri"`
	Name       string `json:"name"`
	Type       string `json:"type"` // "track" | "episode"
	IsLocal    bool   `json:"isLocal"`
	IsPlayable bool   `json:"isPlayable"`
}

// Device is a playback target reported by the service.
type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
	Type     string `json:"type"`
}

// PlaybackState is a snapshot of what the device reports it is playing.
// The client returns nil when the service reports no playback at all.
type PlaybackState struct {
	IsPlaying bool     `json:"isPlaying"`
	TrackURI  string   `json:"trackUri"`
	TrackName string   `json:"trackName"`
	Artists   []Artist `json:"artists"`
	AlbumArt  string   `json:"albumArt"` // first album image URL, "" if none
}

// Playlist is the listing shape for the playlist picker.
type Playlist struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TotalTracks int    `json:"total_tracks"`
	Owner       string `json:"owner"`
}
