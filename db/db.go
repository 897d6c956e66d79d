package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/true-shuffle/trueshuffle/models"
)

// DB is a wrapper around sql.DB
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// Test the connection
	if err = db.Ping(); err != nil {
		return nil, err
	}

	// Concurrent sessions share this handle; serialize writers.
	db.SetMaxOpenConns(1)

	return &DB{db}, nil
}

// Initialize sets up the database tables
func (db *DB) Initialize() error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		spotify_user_id TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS tokens (
		user_id INTEGER PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMP,
		updated_at TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id)
	)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		playlist_id TEXT NOT NULL,
		mode TEXT NOT NULL CHECK(mode IN ('utility', 'controller')),
		shuffled_order TEXT NOT NULL DEFAULT '[]', -- JSON array of track URIs
		cursor INTEGER NOT NULL DEFAULT 0,
		queued_until_index INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active'
			CHECK(status IN ('active', 'completed', 'cancelled')),
		target_playlist_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id)
	)`)
	if err != nil {
		return err
	}

	// One active run per (user, playlist, mode). This is what makes
	// concurrent starts collapse onto a single run.
	_, err = db.Exec(`
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active
		ON runs(user_id, playlist_id, mode) WHERE status = 'active'`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS skipped_tracks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		track_uri TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	)`)
	if err != nil {
		return err
	}

	return nil
}

// UpsertUser creates or updates a user row by spotify id and returns the
// internal user id.
func (db *DB) UpsertUser(spotifyUserID, displayName string) (int64, error) {
	now := time.Now().UTC()

	_, err := db.Exec(`
	INSERT INTO users (spotify_user_id, display_name, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(spotify_user_id)
	DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at`,
		spotifyUserID, displayName, now, now)
	if err != nil {
		return 0, err
	}

	var id int64
	err = db.QueryRow(`SELECT id FROM users WHERE spotify_user_id = ?`, spotifyUserID).Scan(&id)
	return id, err
}

// GetUserBySpotifyID retrieves a user by their Spotify ID
func (db *DB) GetUserBySpotifyID(spotifyUserID string) (*models.User, error) {
	user := &models.User{}

	err := db.QueryRow(`
	SELECT id, spotify_user_id, display_name, created_at, updated_at
	FROM users WHERE spotify_user_id = ?`, spotifyUserID).Scan(
		&user.ID, &user.SpotifyUserID, &user.DisplayName,
		&user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return user, nil
}

// GetUserByID retrieves a user by internal id
func (db *DB) GetUserByID(userID int64) (*models.User, error) {
	user := &models.User{}

	err := db.QueryRow(`
	SELECT id, spotify_user_id, display_name, created_at, updated_at
	FROM users WHERE id = ?`, userID).Scan(
		&user.ID, &user.SpotifyUserID, &user.DisplayName,
		&user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return user, nil
}
