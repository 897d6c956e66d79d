// Package controller is the reconciliation engine: it keeps the device's
// actual playback converged onto a persisted shuffled order, one session
// per (user, playlist).
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/true-shuffle/trueshuffle/db"
	"github.com/true-shuffle/trueshuffle/models"
	"github.com/true-shuffle/trueshuffle/shuffle"
	"github.com/true-shuffle/trueshuffle/spotify"
)

// A track up to this many positions past the cursor counts as the device
// advancing through our own queue; anything further is foreign.
const advanceWindow = 5

var (
	// ErrNoSession means no live session and no active run for the pair.
	ErrNoSession = errors.New("no controller session for this playlist")
	// ErrEmptyPlaylist means nothing playable survived filtering.
	ErrEmptyPlaylist = errors.New("playlist has no playable tracks")
)

// Player is the slice of the Spotify client the engine needs. Narrow on
// purpose: tests drive the state machine through a fake implementation.
type Player interface {
	ListDevices(ctx context.Context, userID int64) ([]models.Device, error)
	GetPlayback(ctx context.Context, userID int64) (*models.PlaybackState, error)
	Play(ctx context.Context, userID int64, uris []string, deviceID string) error
	Enqueue(ctx context.Context, userID int64, uri, deviceID string) error
	Pause(ctx context.Context, userID int64, deviceID string) error
	GetPlaylistTracks(ctx context.Context, userID int64, playlistID string) ([]models.PlaylistTrack, error)
}

// Service owns every controller session and their reconciliation loops.
type Service struct {
	db           *db.DB
	player       Player
	sessions     *registry
	bufferSize   int
	pollInterval time.Duration
	logger       *log.Logger

	newRand func() *rand.Rand
}

// NewService builds the engine. bufferSize is how far ahead of the cursor
// the device queue is kept; pollInterval paces the reconciliation loop.
func NewService(database *db.DB, player Player, bufferSize int, pollInterval time.Duration) *Service {
	return &Service{
		db:           database,
		player:       player,
		sessions:     newRegistry(),
		bufferSize:   bufferSize,
		pollInterval: pollInterval,
		logger:       log.Default(),
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Start begins or resumes controlled playback for a playlist. Idempotent:
// a live session just reports its status; a stopped one is restarted from
// its persisted cursor; otherwise a run is created with a fresh shuffle.
func (s *Service) Start(ctx context.Context, userID int64, playlistID string) (*Status, error) {
	if sess := s.sessions.get(userID, playlistID); sess != nil {
		if sess.loopAlive() {
			return sess.Snapshot(), nil
		}
		return s.begin(ctx, sess), nil
	}

	run, err := s.db.FindActiveRun(userID, playlistID, models.ModeController)
	if err != nil {
		return nil, fmt.Errorf("looking up active run: %w", err)
	}

	if run == nil {
		run, err = s.createRun(ctx, userID, playlistID, nil)
		if err != nil {
			return nil, err
		}
	}

	sess := newSession(run.ID, userID, playlistID, run.Order, run.Cursor, run.QueuedUntilIndex)
	if existing, loaded := s.sessions.loadOrStore(sess); loaded {
		// Lost a concurrent start; the winner's session is authoritative.
		if existing.loopAlive() {
			return existing.Snapshot(), nil
		}
		return s.begin(ctx, existing), nil
	}

	return s.begin(ctx, sess), nil
}

// Status reports the session state. Falls back to the persisted run when no
// session is live, so the UI sees resumable runs after a restart; with no
// run either, the playlist is simply idle.
func (s *Service) Status(userID int64, playlistID string) (*Status, error) {
	if sess := s.sessions.get(userID, playlistID); sess != nil {
		return sess.Snapshot(), nil
	}

	run, err := s.db.FindActiveRun(userID, playlistID, models.ModeController)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return &Status{State: StateIdle}, nil
	}

	st := &Status{State: StateIdle, Cursor: run.Cursor, TotalTracks: len(run.Order)}
	if run.Cursor < len(run.Order) {
		uri := run.Order[run.Cursor]
		st.CurrentTrackURI = &uri
	}
	return st, nil
}

// Next advances the cursor by one and hard-plays the new expected track.
func (s *Service) Next(ctx context.Context, userID int64, playlistID string) (*Status, error) {
	sess := s.sessions.get(userID, playlistID)
	if sess == nil {
		return nil, ErrNoSession
	}

	sess.mu.Lock()

	if sess.cursor+1 >= len(sess.order) {
		sess.cursor = len(sess.order)
		s.completeLocked(sess)
		st := sess.snapshotLocked()
		sess.mu.Unlock()
		return st, nil
	}

	sess.cursor++
	sess.state = StateAdvancing
	s.hardPlayLocked(ctx, sess)
	st := sess.snapshotLocked()
	playing := sess.state == StatePlaying
	sess.mu.Unlock()

	if playing && !sess.loopAlive() {
		s.launchLoop(sess)
	}
	return st, nil
}

// Stop halts the loop and keeps the run active so Start can resume from
// the persisted cursor. Device playback is left alone; the user keeps
// hearing whatever is on.
func (s *Service) Stop(ctx context.Context, userID int64, playlistID string) (*Status, error) {
	sess := s.sessions.get(userID, playlistID)
	if sess == nil {
		return nil, ErrNoSession
	}

	s.haltLoop(sess)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := s.db.UpdateCursor(sess.RunID, sess.cursor, sess.queuedUntil); err != nil {
		s.logger.Printf("Persisting cursor on stop failed for run %d: %v", sess.RunID, err)
	}
	sess.state = StateIdle
	sess.errMsg = ""

	return sess.snapshotLocked(), nil
}

// Refresh cancels the current run and starts over with a fresh shuffle of
// the same playlist. The old order feeds the similarity guard so the new
// head does not look like a replay.
func (s *Service) Refresh(ctx context.Context, userID int64, playlistID string) (*Status, error) {
	var previous []string

	if sess := s.sessions.get(userID, playlistID); sess != nil {
		s.haltLoop(sess)
		sess.mu.Lock()
		previous = sess.order
		runID := sess.RunID
		sess.mu.Unlock()

		if err := s.db.MarkRunStatus(runID, models.RunCancelled); err != nil {
			return nil, fmt.Errorf("cancelling run %d: %w", runID, err)
		}
		s.sessions.remove(sess)
	} else {
		run, err := s.db.FindActiveRun(userID, playlistID, models.ModeController)
		if err != nil {
			return nil, err
		}
		if run != nil {
			previous = run.Order
			if err := s.db.MarkRunStatus(run.ID, models.RunCancelled); err != nil {
				return nil, fmt.Errorf("cancelling run %d: %w", run.ID, err)
			}
		}
	}

	run, err := s.createRun(ctx, userID, playlistID, previous)
	if err != nil {
		return nil, err
	}

	sess := newSession(run.ID, userID, playlistID, run.Order, run.Cursor, run.QueuedUntilIndex)
	if existing, loaded := s.sessions.loadOrStore(sess); loaded {
		return existing.Snapshot(), nil
	}
	return s.begin(ctx, sess), nil
}

// StopAll halts every live session for a user. Used on logout.
func (s *Service) StopAll(ctx context.Context, userID int64) {
	for _, sess := range s.sessions.forUser(userID) {
		if _, err := s.Stop(ctx, userID, sess.PlaylistID); err != nil {
			s.logger.Printf("Stopping session for user %d playlist %s: %v", userID, sess.PlaylistID, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Run creation
// ---------------------------------------------------------------------------

func (s *Service) createRun(ctx context.Context, userID int64, playlistID string, previous []string) (*models.Run, error) {
	tracks, err := s.player.GetPlaylistTracks(ctx, userID, playlistID)
	if err != nil {
		return nil, fmt.Errorf("fetching playlist tracks: %w", err)
	}

	order, skipped := shuffle.Prepare(tracks, previous, s.newRand())
	if len(order) == 0 {
		return nil, ErrEmptyPlaylist
	}

	run, err := s.db.CreateRun(userID, playlistID, models.ModeController, order)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	if len(skipped) > 0 {
		for i := range skipped {
			skipped[i].RunID = run.ID
		}
		if err := s.db.InsertSkipped(run.ID, skipped); err != nil {
			s.logger.Printf("Recording %d skipped tracks for run %d: %v", len(skipped), run.ID, err)
		}
	}

	return run, nil
}

// ---------------------------------------------------------------------------
// Playback bring-up
// ---------------------------------------------------------------------------

// begin brings the session up to playing and launches the loop on success.
func (s *Service) begin(ctx context.Context, sess *Session) *Status {
	sess.mu.Lock()
	sess.state = StateStarting
	sess.errMsg = ""
	s.startPlaybackLocked(ctx, sess)
	st := sess.snapshotLocked()
	playing := sess.state == StatePlaying
	sess.mu.Unlock()

	if playing {
		s.launchLoop(sess)
	}
	return st
}

// startPlaybackLocked picks a device and hard-plays the expected track.
// Callers hold sess.mu.
func (s *Service) startPlaybackLocked(ctx context.Context, sess *Session) {
	if sess.cursor >= len(sess.order) {
		s.completeLocked(sess)
		return
	}

	devices, err := s.player.ListDevices(ctx, sess.UserID)
	if err != nil {
		s.failLocked(sess, err, "Could not list playback devices")
		return
	}

	device := pickDevice(devices)
	if device == nil {
		sess.state = StateNoDevice
		sess.errMsg = "No Spotify device found. Open Spotify on a device and try again."
		return
	}
	sess.deviceID = device.ID

	s.hardPlayLocked(ctx, sess)
}

// pickDevice prefers the active device, then the first listed.
func pickDevice(devices []models.Device) *models.Device {
	for i := range devices {
		if devices[i].IsActive {
			return &devices[i]
		}
	}
	if len(devices) > 0 {
		return &devices[0]
	}
	return nil
}

// hardPlayLocked plays order[cursor] from position zero, resets the queue
// watermark and refills the buffer. Callers hold sess.mu.
func (s *Service) hardPlayLocked(ctx context.Context, sess *Session) {
	uri := sess.order[sess.cursor]

	if err := s.player.Play(ctx, sess.UserID, []string{uri}, sess.deviceID); err != nil {
		if errors.Is(err, spotify.ErrNotFound) {
			// The device went away between discovery and play. Forget it;
			// the next start or next picks again.
			sess.deviceID = ""
			s.failLocked(sess, err, "Playback device is no longer available")
			return
		}
		s.failLocked(sess, err, "Could not start playback")
		return
	}

	sess.queuedUntil = sess.cursor
	s.fillBufferLocked(ctx, sess)
	sess.state = StatePlaying
	sess.errMsg = ""
}

// fillBufferLocked enqueues tracks until the queue watermark reaches
// cursor+bufferSize or the first enqueue fails. The cursor and watermark
// are persisted either way. Callers hold sess.mu.
func (s *Service) fillBufferLocked(ctx context.Context, sess *Session) {
	end := sess.cursor + s.bufferSize
	if end > len(sess.order)-1 {
		end = len(sess.order) - 1
	}

	start := sess.queuedUntil
	if sess.cursor > start {
		start = sess.cursor
	}
	start++

	for i := start; i <= end; i++ {
		if err := s.player.Enqueue(ctx, sess.UserID, sess.order[i], sess.deviceID); err != nil {
			s.logger.Printf("Enqueue failed for run %d at index %d: %v", sess.RunID, i, err)
			break
		}
		sess.queuedUntil = i
	}

	if err := s.db.UpdateCursor(sess.RunID, sess.cursor, sess.queuedUntil); err != nil {
		s.logger.Printf("Persisting cursor for run %d: %v", sess.RunID, err)
	}
}

// ---------------------------------------------------------------------------
// Reconciliation loop
// ---------------------------------------------------------------------------

func (s *Service) launchLoop(sess *Session) {
	sess.mu.Lock()
	if sess.running {
		sess.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sess.cancel = cancel
	sess.done = done
	sess.running = true
	sess.mu.Unlock()

	go s.runLoop(ctx, sess, done)
}

// haltLoop cancels the loop and waits for it to finish. Safe to call when
// no loop is running.
func (s *Service) haltLoop(sess *Session) {
	sess.mu.Lock()
	cancel := sess.cancel
	done := sess.done
	running := sess.running
	sess.mu.Unlock()

	if !running || cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Service) runLoop(ctx context.Context, sess *Session, done chan struct{}) {
	defer func() {
		sess.mu.Lock()
		sess.running = false
		close(done)
		sess.mu.Unlock()
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.pollOnce(ctx, sess)

		switch sess.State() {
		case StateCompleted, StateError:
			return
		}
	}
}

// pollOnce observes the device and reconciles it with the expected order.
// One tick of the loop; holds the session lock for the whole body so user
// commands never interleave with a reconciliation step.
func (s *Service) pollOnce(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state != StatePlaying {
		return
	}
	if sess.cursor >= len(sess.order) {
		s.completeLocked(sess)
		return
	}

	playback, err := s.player.GetPlayback(ctx, sess.UserID)
	if err != nil {
		switch {
		case errors.Is(err, spotify.ErrPremiumRequired):
			s.failLocked(sess, err, "Spotify Premium is required for playback control")
		case errors.Is(err, spotify.ErrAuthExpired):
			s.failLocked(sess, err, "Spotify authorization expired, please log in again")
		default:
			// Transient; keep the loop alive and try again next tick.
			s.logger.Printf("Playback poll failed for run %d: %v", sess.RunID, err)
		}
		return
	}

	if playback == nil {
		return
	}

	sess.trackName = playback.TrackName
	sess.albumArt = playback.AlbumArt
	if len(playback.Artists) > 0 {
		sess.artist = playback.Artists[0].Name
	}

	if !playback.IsPlaying {
		return
	}

	current := playback.TrackURI
	if current == sess.order[sess.cursor] {
		return
	}

	// A track within the buffered window means the device advanced (or the
	// user skipped) through our own queue; follow it instead of fighting it.
	if k := s.windowOffset(sess, current); k > 0 {
		sess.state = StateAdvancing
		sess.cursor += k
		s.fillBufferLocked(ctx, sess)
		sess.state = StatePlaying
		return
	}

	// Foreign track: the device wandered off the order. Take it back.
	sess.state = StateOverriding
	s.hardPlayLocked(ctx, sess)
}

// windowOffset returns k in [1, advanceWindow] when uri sits k positions
// ahead of the cursor, 0 otherwise.
func (s *Service) windowOffset(sess *Session, uri string) int {
	for k := 1; k <= advanceWindow; k++ {
		idx := sess.cursor + k
		if idx >= len(sess.order) {
			break
		}
		if sess.order[idx] == uri {
			return k
		}
	}
	return 0
}

func (s *Service) completeLocked(sess *Session) {
	sess.state = StateCompleted
	if err := s.db.UpdateCursor(sess.RunID, sess.cursor, sess.queuedUntil); err != nil {
		s.logger.Printf("Persisting cursor for run %d: %v", sess.RunID, err)
	}
	if err := s.db.MarkRunStatus(sess.RunID, models.RunCompleted); err != nil {
		s.logger.Printf("Marking run %d completed: %v", sess.RunID, err)
	}
}

func (s *Service) failLocked(sess *Session, err error, msg string) {
	s.logger.Printf("Run %d entering error state: %s: %v", sess.RunID, msg, err)
	sess.setErrorLocked(msg)
	if dbErr := s.db.UpdateCursor(sess.RunID, sess.cursor, sess.queuedUntil); dbErr != nil {
		s.logger.Printf("Persisting cursor for run %d: %v", sess.RunID, dbErr)
	}
}
