package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/true-shuffle/trueshuffle/models"
)

func scanRun(row interface{ Scan(...any) error }) (*models.Run, error) {
	run := &models.Run{}
	var orderJSON string

	err := row.Scan(
		&run.ID, &run.UserID, &run.PlaylistID, &run.Mode, &orderJSON,
		&run.Cursor, &run.QueuedUntilIndex, &run.Status, &run.TargetPlaylistID,
		&run.CreatedAt, &run.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(orderJSON), &run.Order); err != nil {
		return nil, fmt.Errorf("run %d has corrupt shuffled_order: %w", run.ID, err)
	}

	return run, nil
}

const runColumns = `id, user_id, playlist_id, mode, shuffled_order,
	cursor, queued_until_index, status, target_playlist_id, created_at, updated_at`

// FindActiveRun returns the active run for (user, playlist, mode), or nil.
func (db *DB) FindActiveRun(userID int64, playlistID, mode string) (*models.Run, error) {
	row := db.QueryRow(`
	SELECT `+runColumns+`
	FROM runs
	WHERE user_id = ? AND playlist_id = ? AND mode = ? AND status = 'active'
	ORDER BY id DESC LIMIT 1`, userID, playlistID, mode)

	return scanRun(row)
}

// GetRun returns a run by id, or nil.
func (db *DB) GetRun(runID int64) (*models.Run, error) {
	row := db.QueryRow(`
	SELECT `+runColumns+`
	FROM runs WHERE id = ?`, runID)

	return scanRun(row)
}

// CreateRun inserts a new active run. The partial unique index on
// (user_id, playlist_id, mode) makes this safe against concurrent starts:
// the loser of the race gets the winner's existing row back.
func (db *DB) CreateRun(userID int64, playlistID, mode string, order []string) (*models.Run, error) {
	orderJSON, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	result, err := db.Exec(`
	INSERT INTO runs (user_id, playlist_id, mode, shuffled_order, cursor, queued_until_index, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, 0, 0, 'active', ?, ?)`,
		userID, playlistID, mode, string(orderJSON), now, now)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return db.FindActiveRun(userID, playlistID, mode)
		}
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return db.GetRun(id)
}

// UpdateCursor persists cursor and queued_until_index for a run.
func (db *DB) UpdateCursor(runID int64, cursor, queuedUntil int) error {
	_, err := db.Exec(`
	UPDATE runs SET cursor = ?, queued_until_index = ?, updated_at = ?
	WHERE id = ?`,
		cursor, queuedUntil, time.Now().UTC(), runID)

	return err
}

// MarkRunStatus sets a run's status to active, completed or cancelled.
func (db *DB) MarkRunStatus(runID int64, status string) error {
	_, err := db.Exec(`
	UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), runID)

	return err
}

// SetTargetPlaylist records the playlist a utility run wrote its copy to.
func (db *DB) SetTargetPlaylist(runID int64, targetPlaylistID string) error {
	_, err := db.Exec(`
	UPDATE runs SET target_playlist_id = ?, updated_at = ? WHERE id = ?`,
		targetPlaylistID, time.Now().UTC(), runID)

	return err
}

// InsertSkipped records tracks dropped during shuffle preparation.
// Informational only; failures here never block a run.
func (db *DB) InsertSkipped(runID int64, skipped []models.SkippedTrack) error {
	for _, s := range skipped {
		_, err := db.Exec(`
		INSERT INTO skipped_tracks (run_id, track_uri, reason)
		VALUES (?, ?, ?)`, runID, s.URI, s.Reason)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetSkipped returns the skipped-track log for a run.
func (db *DB) GetSkipped(runID int64) ([]models.SkippedTrack, error) {
	rows, err := db.Query(`
	SELECT run_id, track_uri, reason FROM skipped_tracks WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var skipped []models.SkippedTrack
	for rows.Next() {
		var s models.SkippedTrack
		if err := rows.Scan(&s.RunID, &s.URI, &s.Reason); err != nil {
			return nil, err
		}
		skipped = append(skipped, s)
	}

	return skipped, rows.Err()
}
