package models

import "time"

// User represents a user of the application
type User struct {
	ID            int64
	SpotifyUserID string
	DisplayName   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Token is the OAuth token row for a user. Only the spotify client reads or
// writes these.
type Token struct {
	UserID       int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
