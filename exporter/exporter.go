// Package exporter moves run state in and out of the system as JSON.
// Exports never contain credentials, and imports are scrubbed of any
// token-like fields before they are parsed.
package exporter

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/true-shuffle/trueshuffle/db"
	"github.com/true-shuffle/trueshuffle/models"
)

var (
	// ErrRunNotFound means the run does not exist or belongs to someone else.
	ErrRunNotFound = errors.New("run not found")
	// ErrActiveRunExists blocks importing over a live run.
	ErrActiveRunExists = errors.New("an active run already exists for this playlist")
	// ErrInvalidPayload means the import body failed validation.
	ErrInvalidPayload = errors.New("invalid export payload")
)

// Fields scrubbed from import payloads at any nesting depth. A malicious or
// sloppy export must not smuggle credentials into the store.
var sensitiveKeys = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"token_data":    true,
	"secret_key":    true,
}

type Service struct {
	db *db.DB
}

func NewService(database *db.DB) *Service {
	return &Service{db: database}
}

// ExportRun builds the portable payload for one of the user's runs.
func (s *Service) ExportRun(userID, runID int64) (*models.ExportPayload, error) {
	run, err := s.db.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil || run.UserID != userID {
		return nil, ErrRunNotFound
	}

	return &models.ExportPayload{
		PlaylistID:    run.PlaylistID,
		Mode:          run.Mode,
		ShuffledOrder: run.Order,
		Cursor:        run.Cursor,
		Status:        run.Status,
		ExportedAt:    time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// sanitize strips sensitive keys from arbitrary decoded JSON, recursing
// through objects and arrays.
func sanitize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if sensitiveKeys[k] {
				delete(val, k)
				continue
			}
			val[k] = sanitize(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = sanitize(inner)
		}
		return val
	default:
		return v
	}
}

// ImportRun validates a scrubbed payload and recreates it as a fresh run for
// the user, resuming at the exported cursor. A payload whose cursor has
// reached the end of the order is stored as completed.
func (s *Service) ImportRun(userID int64, raw []byte) (*models.Run, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	scrubbed, err := json.Marshal(sanitize(decoded))
	if err != nil {
		return nil, err
	}

	var payload models.ExportPayload
	if err := json.Unmarshal(scrubbed, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if payload.PlaylistID == "" {
		return nil, fmt.Errorf("%w: missing playlist_id", ErrInvalidPayload)
	}
	if len(payload.ShuffledOrder) == 0 {
		return nil, fmt.Errorf("%w: empty shuffled_order", ErrInvalidPayload)
	}
	mode := payload.Mode
	if mode == "" {
		mode = models.ModeController
	}
	if mode != models.ModeController && mode != models.ModeUtility {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidPayload, mode)
	}

	cursor := payload.Cursor
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(payload.ShuffledOrder) {
		cursor = len(payload.ShuffledOrder)
	}

	existing, err := s.db.FindActiveRun(userID, payload.PlaylistID, mode)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrActiveRunExists
	}

	run, err := s.db.CreateRun(userID, payload.PlaylistID, mode, payload.ShuffledOrder)
	if err != nil {
		return nil, err
	}

	if cursor > 0 {
		// queued_until_index never points past the last order slot, even
		// when the exported run had already been played to the end.
		queuedUntil := cursor
		if queuedUntil > len(payload.ShuffledOrder)-1 {
			queuedUntil = len(payload.ShuffledOrder) - 1
		}
		if err := s.db.UpdateCursor(run.ID, cursor, queuedUntil); err != nil {
			return nil, err
		}
		if cursor == len(payload.ShuffledOrder) {
			// Nothing left to play; a fully consumed run comes back
			// completed rather than active.
			if err := s.db.MarkRunStatus(run.ID, models.RunCompleted); err != nil {
				return nil, err
			}
		}
		run, err = s.db.GetRun(run.ID)
		if err != nil {
			return nil, err
		}
	}

	return run, nil
}
