// Package utility is the one-shot shuffle mode: copy a playlist into a new
// playlist in true-shuffled order, durably enough to resume a half-finished
// copy after a crash.
package utility

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
)

const batchSize = 100

// ErrEmptyPlaylist means nothing playable survived filtering.
var ErrEmptyPlaylist = errors.New("playlist has no playable tracks")

// Library is the slice of the Spotify client the copier needs.
type Library interface {
	CurrentUser(ctx context.Context, userID int64) (string, string, error)
	GetPlaylist(ctx context.Context, userID int64, playlistID string) (*models.Playlist, error)
	GetPlaylistTracks(ctx context.Context, userID int64, playlistID string) ([]models.PlaylistTrack, error)
	CreatePlaylist(ctx context.Context, userID int64, spotifyUserID, name, description string) (string, string, error)
	AddTracksBatch(ctx context.Context, userID int64, playlistID string, uris []string) (int, error)
}

// Result summarizes a finished (or resumed-and-finished) copy.
type Result struct {
	RunID            int64  `json:"run_id"`
	TargetPlaylistID string `json:"target_playlist_id"`
	TargetURL        string `json:"target_url,omitempty"`
	TrackCount       int    `json:"track_count"`
	SkippedCount     int    `json:"skipped_count"`
	Resumed          bool   `json:"resumed"`
}

type Service struct {
	db      *db.DB
	library Library
	logger  *log.Logger

	newRand func() *rand.Rand
}

func NewService(database *db.DB, library Library) *Service {
	return &Service{
		db:      database,
		library: library,
		logger:  log.Default(),
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

// ShuffleCopy creates a shuffled copy of the playlist. When an active
// utility run already exists the copy resumes where it stopped: same order,
// same target playlist, starting at the persisted cursor.
func (s *Service) ShuffleCopy(ctx context.Context, userID int64, playlistID string) (*Result, error) {
	run, err := s.db.FindActiveRun(userID, playlistID, models.ModeUtility)
	if err != nil {
		return nil, err
	}
	resumed := run != nil

	skippedCount := 0
	if run == nil {
		tracks, err := s.library.GetPlaylistTracks(ctx, userID, playlistID)
		if err != nil {
			return nil, fmt.Errorf("fetching playlist tracks: %w", err)
		}

		order, skipped := shuffle.Prepare(tracks, nil, s.newRand())
		if len(order) == 0 {
			return nil, ErrEmptyPlaylist
		}
		skippedCount = len(skipped)

		run, err = s.db.CreateRun(userID, playlistID, models.ModeUtility, order)
		if err != nil {
			return nil, fmt.Errorf("creating run: %w", err)
		}

		if len(skipped) > 0 {
			for i := range skipped {
				skipped[i].RunID = run.ID
			}
			if err := s.db.InsertSkipped(run.ID, skipped); err != nil {
				s.logger.Printf("Recording skipped tracks for run %d: %v", run.ID, err)
			}
		}
	} else {
		skipped, err := s.db.GetSkipped(run.ID)
		if err == nil {
			skippedCount = len(skipped)
		}
		s.logger.Printf("Resuming utility run %d at track %d of %d", run.ID, run.Cursor, len(run.Order))
	}

	targetID := run.TargetPlaylistID
	targetURL := ""
	if targetID == "" {
		source, err := s.library.GetPlaylist(ctx, userID, playlistID)
		if err != nil {
			return nil, fmt.Errorf("fetching source playlist: %w", err)
		}
		spotifyUserID, _, err := s.library.CurrentUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("fetching profile: %w", err)
		}

		name := "\U0001F500 " + source.Name
		description := fmt.Sprintf("True shuffle of %s, created %s", source.Name, time.Now().UTC().Format("2006-01-02"))
		targetID, targetURL, err = s.library.CreatePlaylist(ctx, userID, spotifyUserID, name, description)
		if err != nil {
			return nil, fmt.Errorf("creating target playlist: %w", err)
		}

		if err := s.db.SetTargetPlaylist(run.ID, targetID); err != nil {
			return nil, fmt.Errorf("recording target playlist: %w", err)
		}
	}

	// The cursor counts tracks already written to the target. Write one
	// batch at a time and persist after each so a crash loses at most one
	// batch worth of progress.
	for pos := run.Cursor; pos < len(run.Order); {
		end := pos + batchSize
		if end > len(run.Order) {
			end = len(run.Order)
		}

		if _, err := s.library.AddTracksBatch(ctx, userID, targetID, run.Order[pos:end]); err != nil {
			return nil, fmt.Errorf("adding tracks at offset %d: %w", pos, err)
		}

		pos = end
		if err := s.db.UpdateCursor(run.ID, pos, pos); err != nil {
			return nil, fmt.Errorf("persisting copy progress: %w", err)
		}
	}

	if err := s.db.MarkRunStatus(run.ID, models.RunCompleted); err != nil {
		return nil, fmt.Errorf("marking run completed: %w", err)
	}

	return &Result{
		RunID:            run.ID,
		TargetPlaylistID: targetID,
		TargetURL:        targetURL,
		TrackCount:       len(run.Order),
		SkippedCount:     skippedCount,
		Resumed:          resumed,
	}, nil
}
