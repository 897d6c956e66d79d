package controller

import (
	"context"
	"sync"
)

// State is the controller state machine value for one session.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateNoDevice   State = "no_device"
	StatePlaying    State = "playing"
	StateOverriding State = "overriding"
	StateAdvancing  State = "advancing"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Status is the stable snapshot returned by every command.
type Status struct {
	State           State   `json:"state"`
	Cursor          int     `json:"cursor"`
	TotalTracks     int     `json:"total_tracks"`
	CurrentTrackURI *string `json:"current_track_uri"`
	CurrentTrack    *string `json:"current_track_name"`
	CurrentArtist   *string `json:"current_artist"`
	CurrentAlbumArt *string `json:"current_album_art"`
	ErrorMessage    *string `json:"error_message"`
	DeviceID        *string `json:"device_id"`
}

// Session is the in-memory runtime state for one active controller run.
// It owns exactly one reconciliation goroutine; the mutex serializes user
// commands against the poll body.
type Session struct {
	RunID      int64
	UserID     int64
	PlaylistID string

	mu          sync.Mutex
	order       []string
	cursor      int
	queuedUntil int
	state       State
	deviceID    string
	errMsg      string

	// last observed metadata for the UI
	trackName string
	artist    string
	albumArt  string

	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func newSession(runID, userID int64, playlistID string, order []string, cursor, queuedUntil int) *Session {
	return &Session{
		RunID:       runID,
		UserID:      userID,
		PlaylistID:  playlistID,
		order:       order,
		cursor:      cursor,
		queuedUntil: queuedUntil,
		state:       StateIdle,
	}
}

// snapshotLocked builds a Status. Callers hold s.mu.
func (s *Session) snapshotLocked() *Status {
	st := &Status{
		State:       s.state,
		Cursor:      s.cursor,
		TotalTracks: len(s.order),
	}
	if s.cursor < len(s.order) {
		uri := s.order[s.cursor]
		st.CurrentTrackURI = &uri
	}
	if s.trackName != "" {
		name := s.trackName
		st.CurrentTrack = &name
	}
	if s.artist != "" {
		artist := s.artist
		st.CurrentArtist = &artist
	}
	if s.albumArt != "" {
		art := s.albumArt
		st.CurrentAlbumArt = &art
	}
	if s.errMsg != "" {
		msg := s.errMsg
		st.ErrorMessage = &msg
	}
	if s.deviceID != "" {
		id := s.deviceID
		st.DeviceID = &id
	}
	return st
}

// Snapshot returns the session status for the UI.
func (s *Session) Snapshot() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// loopAlive reports whether the reconciliation goroutine is still running.
func (s *Session) loopAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) setErrorLocked(msg string) {
	s.state = StateError
	s.errMsg = msg
}
