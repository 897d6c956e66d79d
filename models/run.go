package models

import "time"

// Run modes
const (
	ModeUtility    = "utility"
	ModeController = "controller"
)

// Run statuses
const (
	RunActive    = "active"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
)

// Run is one durable attempt at playing a playlist in a specific order.
// The order is immutable after creation; a reshuffle creates a new Run.
type Run struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"userId"`
	PlaylistID       string    `json:"playlistId"`
	Mode             string    `json:"mode"`
	Order            []string  `json:"shuffledOrder"`
	Cursor           int       `json:"cursor"`
	QueuedUntilIndex int       `json:"queuedUntilIndex"`
	Status           string    `json:"status"`
	TargetPlaylistID string    `json:"targetPlaylistId,omitempty"` // utility mode only
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// SkippedTrack records a playlist entry dropped during shuffle preparation.
// Reasons: "local", "episode", "unavailable", "duplicate".
type SkippedTrack struct {
	RunID  int64  `json:"runId"`
	URI    string `json:"uri"`
	Reason string `json:"reason"`
}

// ExportPayload is the JSON shape for run export. It never carries tokens;
// import strips token-like fields before parsing.
type ExportPayload struct {
	PlaylistID    string   `json:"playlist_id"`
	Mode          string   `json:"mode"`
	ShuffledOrder []string `json:"shuffled_order"`
	Cursor        int      `json:"cursor"`
	Status        string   `json:"status"`
	ExportedAt    string   `json:"exported_at"`
}
