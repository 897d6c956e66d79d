package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/true-shuffle/trueshuffle/db"
	"github.com/true-shuffle/trueshuffle/models"
	"github.com/true-shuffle/trueshuffle/session"
	"github.com/true-shuffle/trueshuffle/spotify"
)

// fakePlayer implements Player in memory and records every command.
type fakePlayer struct {
	mu sync.Mutex

	devices  []models.Device
	playback *models.PlaybackState
	tracks   []models.PlaylistTrack

	playErr    error
	enqueueErr error
	devicesErr error

	played   [][]string
	enqueued []string
}

func (f *fakePlayer) ListDevices(ctx context.Context, userID int64) ([]models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devicesErr != nil {
		return nil, f.devicesErr
	}
	return f.devices, nil
}

func (f *fakePlayer) GetPlayback(ctx context.Context, userID int64) (*models.PlaybackState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playback, nil
}

func (f *fakePlayer) Play(ctx context.Context, userID int64, uris []string, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.played = append(f.played, uris)
	return nil
}

func (f *fakePlayer) Enqueue(ctx context.Context, userID int64, uri, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, uri)
	return nil
}

func (f *fakePlayer) Pause(ctx context.Context, userID int64, deviceID string) error {
	return nil
}

func (f *fakePlayer) GetPlaylistTracks(ctx context.Context, userID int64, playlistID string) ([]models.PlaylistTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracks, nil
}

func (f *fakePlayer) setPlaying(uri string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playback = &models.PlaybackState{IsPlaying: true, TrackURI: uri, TrackName: "Track " + uri}
}

func (f *fakePlayer) lastPlayed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.played) == 0 {
		return nil
	}
	return f.played[len(f.played)-1]
}

func playlistTracks(n int) []models.PlaylistTrack {
	tracks := make([]models.PlaylistTrack, n)
	for i := range tracks {
		tracks[i] = models.PlaylistTrack{
			URI:        fmt.Sprintf("spotify:track:%022d", i),
			Name:       fmt.Sprintf("Track %d", i),
			Type:       "track",
			IsPlayable: true,
		}
	}
	return tracks
}

func newTestService(t *testing.T, player *fakePlayer) (*Service, int64) {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Initialize(); err != nil {
		t.Fatalf("initializing db: %v", err)
	}

	userID, err := database.UpsertUser("tester", "Tester")
	if err != nil {
		t.Fatalf("creating user: %v", err)
	}

	// A huge poll interval keeps the loop quiet; tests drive pollOnce.
	svc := NewService(database, player, 5, time.Hour)
	svc.newRand = func() *rand.Rand { return rand.New(rand.NewSource(1)) }

	return svc, userID
}

func activeDevice() []models.Device {
	return []models.Device{{ID: "dev-1", Name: "Desk speaker", IsActive: true}}
}

func mustStart(t *testing.T, svc *Service, userID int64, playlistID string) *Session {
	t.Helper()

	status, err := svc.Start(context.Background(), userID, playlistID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status.State != StatePlaying {
		t.Fatalf("got state %q after start, want playing", status.State)
	}

	sess := svc.sessions.get(userID, playlistID)
	if sess == nil {
		t.Fatal("no session registered after start")
	}
	t.Cleanup(func() { svc.haltLoop(sess) })
	return sess
}

func TestStartPlaysAndFillsBuffer(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(20)}
	svc, userID := newTestService(t, player)

	sess := mustStart(t, svc, userID, "pl-1")

	sess.mu.Lock()
	order := append([]string(nil), sess.order...)
	cursor, queued := sess.cursor, sess.queuedUntil
	sess.mu.Unlock()

	if cursor != 0 {
		t.Errorf("cursor = %d, want 0", cursor)
	}
	if queued != 5 {
		t.Errorf("queuedUntil = %d, want 5", queued)
	}

	if got := player.lastPlayed(); len(got) != 1 || got[0] != order[0] {
		t.Errorf("hard-played %v, want [%s]", got, order[0])
	}
	if len(player.enqueued) != 5 {
		t.Fatalf("enqueued %d tracks, want 5", len(player.enqueued))
	}
	for i, uri := range player.enqueued {
		if uri != order[i+1] {
			t.Errorf("enqueue %d: got %s, want %s", i, uri, order[i+1])
		}
	}

	run, err := svc.db.FindActiveRun(userID, "pl-1", models.ModeController)
	if err != nil || run == nil {
		t.Fatalf("no active run persisted: %v", err)
	}
	if run.Cursor != 0 || run.QueuedUntilIndex != 5 {
		t.Errorf("persisted cursor/queued = %d/%d, want 0/5", run.Cursor, run.QueuedUntilIndex)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(20)}
	svc, userID := newTestService(t, player)

	sess := mustStart(t, svc, userID, "pl-1")

	playsBefore := len(player.played)
	status, err := svc.Start(context.Background(), userID, "pl-1")
	if err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if status.State != StatePlaying {
		t.Errorf("got state %q, want playing", status.State)
	}
	if len(player.played) != playsBefore {
		t.Errorf("second start re-played: %d plays, want %d", len(player.played), playsBefore)
	}
	if again := svc.sessions.get(userID, "pl-1"); again != sess {
		t.Error("second start replaced the session")
	}
}

func TestConcurrentStartsShareOneRun(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(20)}
	svc, userID := newTestService(t, player)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Start(context.Background(), userID, "pl-1"); err != nil {
				t.Errorf("concurrent start failed: %v", err)
			}
		}()
	}
	wg.Wait()

	sess := svc.sessions.get(userID, "pl-1")
	if sess == nil {
		t.Fatal("no session after concurrent starts")
	}
	t.Cleanup(func() { svc.haltLoop(sess) })

	rows, err := svc.db.Query(`SELECT COUNT(*) FROM runs WHERE status = 'active'`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	rows.Next()
	var count int
	if err := rows.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("found %d active runs, want 1", count)
	}
}

func TestStartWithoutDevice(t *testing.T) {
	player := &fakePlayer{tracks: playlistTracks(20)}
	svc, userID := newTestService(t, player)

	status, err := svc.Start(context.Background(), userID, "pl-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status.State != StateNoDevice {
		t.Fatalf("got state %q, want no_device", status.State)
	}

	sess := svc.sessions.get(userID, "pl-1")
	if sess.loopAlive() {
		t.Error("loop must not run without a device")
	}
	if len(player.played) != 0 {
		t.Error("nothing should be played without a device")
	}
}

func TestStartPremiumRequired(t *testing.T) {
	player := &fakePlayer{
		devices: activeDevice(),
		tracks:  playlistTracks(20),
		playErr: spotify.ErrPremiumRequired,
	}
	svc, userID := newTestService(t, player)

	status, err := svc.Start(context.Background(), userID, "pl-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status.State != StateError {
		t.Fatalf("got state %q, want error", status.State)
	}
	if status.ErrorMessage == nil {
		t.Fatal("expected an error message")
	}

	sess := svc.sessions.get(userID, "pl-1")
	if sess.loopAlive() {
		t.Error("loop must not run after a playback error")
	}
}

func TestPollNaturalAdvance(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(20)}
	svc, userID := newTestService(t, player)
	sess := mustStart(t, svc, userID, "pl-1")

	sess.mu.Lock()
	next := sess.order[1]
	sess.mu.Unlock()

	player.setPlaying(next)
	playsBefore := len(player.played)

	svc.pollOnce(context.Background(), sess)

	sess.mu.Lock()
	cursor, queued, state := sess.cursor, sess.queuedUntil, sess.state
	topOfQueue := sess.order[queued]
	sess.mu.Unlock()

	if cursor != 1 {
		t.Errorf("cursor = %d, want 1", cursor)
	}
	if state != StatePlaying {
		t.Errorf("state = %q, want playing", state)
	}
	if queued != 6 {
		t.Errorf("queuedUntil = %d, want 6", queued)
	}
	if player.enqueued[len(player.enqueued)-1] != topOfQueue {
		t.Errorf("buffer top-up enqueued wrong track")
	}
	if len(player.played) != playsBefore {
		t.Error("natural advance must not hard-play")
	}

	run, _ := svc.db.GetRun(sess.RunID)
	if run.Cursor != 1 {
		t.Errorf("persisted cursor = %d, want 1", run.Cursor)
	}
}

func TestPollMultiSkip(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(20)}
	svc, userID := newTestService(t, player)
	sess := mustStart(t, svc, userID, "pl-1")

	sess.mu.Lock()
	ahead := sess.order[3]
	sess.mu.Unlock()

	player.setPlaying(ahead)
	svc.pollOnce(context.Background(), sess)

	sess.mu.Lock()
	cursor, queued := sess.cursor, sess.queuedUntil
	sess.mu.Unlock()

	if cursor != 3 {
		t.Errorf("cursor = %d, want 3", cursor)
	}
	if queued != 8 {
		t.Errorf("queuedUntil = %d, want 8", queued)
	}
}

func TestPollForeignTrackOverrides(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(20)}
	svc, userID := newTestService(t, player)
	sess := mustStart(t, svc, userID, "pl-1")

	sess.mu.Lock()
	expected := sess.order[sess.cursor]
	sess.mu.Unlock()

	player.setPlaying("spotify:track:somethingelse0000000000")
	svc.pollOnce(context.Background(), sess)

	sess.mu.Lock()
	cursor, state := sess.cursor, sess.state
	sess.mu.Unlock()

	if cursor != 0 {
		t.Errorf("override must not move the cursor, got %d", cursor)
	}
	if state != StatePlaying {
		t.Errorf("state = %q, want playing", state)
	}
	if got := player.lastPlayed(); len(got) != 1 || got[0] != expected {
		t.Errorf("override played %v, want [%s]", got, expected)
	}
}

func TestPollExpectedTrackDoesNothing(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(20)}
	svc, userID := newTestService(t, player)
	sess := mustStart(t, svc, userID, "pl-1")

	sess.mu.Lock()
	expected := sess.order[sess.cursor]
	sess.mu.Unlock()

	player.setPlaying(expected)
	playsBefore := len(player.played)
	enqueuedBefore := len(player.enqueued)

	svc.pollOnce(context.Background(), sess)

	if len(player.played) != playsBefore || len(player.enqueued) != enqueuedBefore {
		t.Error("expected track must not trigger any commands")
	}
}

func TestPollPausedPlaybackLeavesStateAlone(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(20)}
	svc, userID := newTestService(t, player)
	sess := mustStart(t, svc, userID, "pl-1")

	player.mu.Lock()
	player.playback = &models.PlaybackState{IsPlaying: false, TrackURI: "spotify:track:unrelated00000000000000"}
	player.mu.Unlock()

	svc.pollOnce(context.Background(), sess)

	sess.mu.Lock()
	cursor, state := sess.cursor, sess.state
	sess.mu.Unlock()

	if cursor != 0 || state != StatePlaying {
		t.Errorf("paused playback changed state: cursor=%d state=%q", cursor, state)
	}
}

func TestNextAdvancesAndPlays(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(20)}
	svc, userID := newTestService(t, player)
	sess := mustStart(t, svc, userID, "pl-1")

	sess.mu.Lock()
	second := sess.order[1]
	sess.mu.Unlock()

	status, err := svc.Next(context.Background(), userID, "pl-1")
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if status.Cursor != 1 {
		t.Errorf("cursor = %d, want 1", status.Cursor)
	}
	if got := player.lastPlayed(); len(got) != 1 || got[0] != second {
		t.Errorf("next played %v, want [%s]", got, second)
	}
}

func TestNextAtEndCompletes(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(3)}
	svc, userID := newTestService(t, player)
	sess := mustStart(t, svc, userID, "pl-1")

	for i := 0; i < 2; i++ {
		if _, err := svc.Next(context.Background(), userID, "pl-1"); err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
	}

	status, err := svc.Next(context.Background(), userID, "pl-1")
	if err != nil {
		t.Fatalf("final Next failed: %v", err)
	}
	if status.State != StateCompleted {
		t.Fatalf("got state %q, want completed", status.State)
	}

	run, _ := svc.db.GetRun(sess.RunID)
	if run.Status != models.RunCompleted {
		t.Errorf("run status = %q, want completed", run.Status)
	}
}

func TestStopPersistsAndResumes(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(20)}
	svc, userID := newTestService(t, player)
	sess := mustStart(t, svc, userID, "pl-1")

	if _, err := svc.Next(context.Background(), userID, "pl-1"); err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	status, err := svc.Stop(context.Background(), userID, "pl-1")
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if status.State != StateIdle {
		t.Errorf("got state %q, want idle", status.State)
	}
	if sess.loopAlive() {
		t.Fatal("loop still running after stop")
	}

	run, _ := svc.db.GetRun(sess.RunID)
	if run.Status != models.RunActive {
		t.Errorf("stop must keep the run active, got %q", run.Status)
	}
	if run.Cursor != 1 {
		t.Errorf("persisted cursor = %d, want 1", run.Cursor)
	}

	// Start again: same run, same cursor, no re-shuffle.
	resumed, err := svc.Start(context.Background(), userID, "pl-1")
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.State != StatePlaying || resumed.Cursor != 1 {
		t.Errorf("resumed at state=%q cursor=%d, want playing/1", resumed.State, resumed.Cursor)
	}
}

func TestRefreshCancelsAndReshuffles(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(20)}
	svc, userID := newTestService(t, player)
	sess := mustStart(t, svc, userID, "pl-1")
	oldRunID := sess.RunID

	status, err := svc.Refresh(context.Background(), userID, "pl-1")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if status.State != StatePlaying {
		t.Errorf("got state %q, want playing", status.State)
	}
	if status.Cursor != 0 {
		t.Errorf("refresh must restart at cursor 0, got %d", status.Cursor)
	}

	newSess := svc.sessions.get(userID, "pl-1")
	if newSess == nil || newSess.RunID == oldRunID {
		t.Fatal("refresh did not create a new run")
	}
	t.Cleanup(func() { svc.haltLoop(newSess) })

	oldRun, _ := svc.db.GetRun(oldRunID)
	if oldRun.Status != models.RunCancelled {
		t.Errorf("old run status = %q, want cancelled", oldRun.Status)
	}
}

func TestPollCompletionAtEndOfOrder(t *testing.T) {
	player := &fakePlayer{devices: activeDevice(), tracks: playlistTracks(3)}
	svc, userID := newTestService(t, player)
	sess := mustStart(t, svc, userID, "pl-1")

	sess.mu.Lock()
	sess.cursor = len(sess.order)
	sess.mu.Unlock()

	svc.pollOnce(context.Background(), sess)

	if sess.State() != StateCompleted {
		t.Fatalf("got state %q, want completed", sess.State())
	}
	run, _ := svc.db.GetRun(sess.RunID)
	if run.Status != models.RunCompleted {
		t.Errorf("run status = %q, want completed", run.Status)
	}
}

func TestStatusWithoutRunIsIdle(t *testing.T) {
	player := &fakePlayer{}
	svc, userID := newTestService(t, player)

	status, err := svc.Status(userID, "pl-unknown")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StateIdle || status.Cursor != 0 || status.TotalTracks != 0 {
		t.Errorf("got state=%q cursor=%d total=%d, want idle/0/0", status.State, status.Cursor, status.TotalTracks)
	}
	if status.CurrentTrackURI != nil || status.ErrorMessage != nil {
		t.Errorf("idle status must carry no track or error: %+v", status)
	}
}

func TestHandleStatusWithoutRun(t *testing.T) {
	player := &fakePlayer{}
	svc, userID := newTestService(t, player)

	req := httptest.NewRequest(http.MethodGet, "/controller/status?playlist_id=pl-unknown", nil)
	req = req.WithContext(session.WithUserID(req.Context(), userID))

	rec := httptest.NewRecorder()
	svc.HandleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var status Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if status.State != StateIdle || status.Cursor != 0 || status.TotalTracks != 0 {
		t.Errorf("got state=%q cursor=%d total=%d, want idle/0/0", status.State, status.Cursor, status.TotalTracks)
	}
}

func TestStatusFallsBackToPersistedRun(t *testing.T) {
	player := &fakePlayer{}
	svc, userID := newTestService(t, player)

	order := []string{"spotify:track:a", "spotify:track:b"}
	run, err := svc.db.CreateRun(userID, "pl-1", models.ModeController, order)
	if err != nil {
		t.Fatalf("creating run: %v", err)
	}
	if err := svc.db.UpdateCursor(run.ID, 1, 1); err != nil {
		t.Fatal(err)
	}

	status, err := svc.Status(userID, "pl-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StateIdle || status.Cursor != 1 {
		t.Errorf("got state=%q cursor=%d, want idle/1", status.State, status.Cursor)
	}
}

func TestEnqueueFailureStopsBufferFill(t *testing.T) {
	player := &fakePlayer{
		devices:    activeDevice(),
		tracks:     playlistTracks(20),
		enqueueErr: spotify.ErrRateLimited,
	}
	svc, userID := newTestService(t, player)

	status, err := svc.Start(context.Background(), userID, "pl-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status.State != StatePlaying {
		t.Fatalf("got state %q, want playing", status.State)
	}

	sess := svc.sessions.get(userID, "pl-1")
	t.Cleanup(func() { svc.haltLoop(sess) })

	sess.mu.Lock()
	queued := sess.queuedUntil
	sess.mu.Unlock()

	// Hard-play succeeded but nothing could be queued beyond it.
	if queued != 0 {
		t.Errorf("queuedUntil = %d, want 0", queued)
	}

	run, _ := svc.db.GetRun(sess.RunID)
	if run.QueuedUntilIndex != 0 {
		t.Errorf("persisted queued_until_index = %d, want 0", run.QueuedUntilIndex)
	}
}

func TestEmptyPlaylistRejected(t *testing.T) {
	player := &fakePlayer{
		devices: activeDevice(),
		tracks: []models.PlaylistTrack{
			{URI: "spotify:local:a", Type: "track", IsLocal: true, IsPlayable: true},
		},
	}
	svc, userID := newTestService(t, player)

	_, err := svc.Start(context.Background(), userID, "pl-1")
	if !errors.Is(err, ErrEmptyPlaylist) {
		t.Fatalf("got %v, want ErrEmptyPlaylist", err)
	}
}
