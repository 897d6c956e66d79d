package db

import (
	"database/sql"
	"time"

	"github.com/true-shuffle/trueshuffle/models"
)

// GetToken returns the token row for a user, or nil when none is stored.
func (db *DB) GetToken(userID int64) (*models.Token, error) {
	token := &models.Token{UserID: userID}

	err := db.QueryRow(`
	SELECT access_token, refresh_token, expires_at
	FROM tokens WHERE user_id = ?`, userID).Scan(
		&token.AccessToken, &token.RefreshToken, &token.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return token, nil
}

// SaveToken upserts the token row for a user.
func (db *DB) SaveToken(userID int64, accessToken, refreshToken string, expiresAt time.Time) error {
	now := time.Now().UTC()

	_, err := db.Exec(`
	INSERT INTO tokens (user_id, access_token, refresh_token, expires_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id)
	DO UPDATE SET access_token = excluded.access_token,
	              refresh_token = excluded.refresh_token,
	              expires_at = excluded.expires_at,
	              updated_at = excluded.updated_at`,
		userID, accessToken, refreshToken, expiresAt, now)

	return err
}

// DeleteToken removes the token row for a user.
func (db *DB) DeleteToken(userID int64) error {
	_, err := db.Exec(`DELETE FROM tokens WHERE user_id = ?`, userID)
	return err
}
