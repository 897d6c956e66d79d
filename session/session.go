package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/true-shuffle/trueshuffle/db"
)

const cookieName = "session"

// Session is one logged-in browser session.
type Session struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionManager keeps sessions in the database with an in-memory cache.
// The cookie carries a signed JWT wrapping the session id, so a tampered
// cookie fails verification before we ever touch the store.
type SessionManager struct {
	db       *db.DB
	secret   []byte
	sessions map[string]*Session
	mu       sync.RWMutex
}

func NewSessionManager(database *db.DB, secret string) *SessionManager {
	_, err := database.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at TIMESTAMP,
		expires_at TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id)
	)`)
	if err != nil {
		log.Printf("Error creating sessions table: %v", err)
	}

	return &SessionManager{
		db:       database,
		secret:   []byte(secret),
		sessions: make(map[string]*Session),
	}
}

// CreateSession opens a new 24-hour session for a user.
func (sm *SessionManager) CreateSession(userID int64) *Session {
	b := make([]byte, 32)
	rand.Read(b)
	sessionID := base64.URLEncoding.EncodeToString(b)

	now := time.Now().UTC()
	session := &Session{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = session
	sm.mu.Unlock()

	_, err := sm.db.Exec(`
	INSERT INTO sessions (id, user_id, created_at, expires_at)
	VALUES (?, ?, ?, ?)`,
		sessionID, userID, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		log.Printf("Error storing session in database: %v", err)
	}

	return session
}

// GetSession retrieves a session by id, checking the cache first.
func (sm *SessionManager) GetSession(sessionID string) (*Session, bool) {
	sm.mu.RLock()
	session, exists := sm.sessions[sessionID]
	sm.mu.RUnlock()

	if exists {
		if time.Now().UTC().After(session.ExpiresAt) {
			sm.DeleteSession(sessionID)
			return nil, false
		}
		return session, true
	}

	session = &Session{ID: sessionID}
	err := sm.db.QueryRow(`
	SELECT user_id, created_at, expires_at
	FROM sessions WHERE id = ?`, sessionID).Scan(
		&session.UserID, &session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		return nil, false
	}

	if time.Now().UTC().After(session.ExpiresAt) {
		sm.DeleteSession(sessionID)
		return nil, false
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = session
	sm.mu.Unlock()

	return session, true
}

func (sm *SessionManager) DeleteSession(sessionID string) {
	sm.mu.Lock()
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if _, err := sm.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		log.Printf("Error deleting session from database: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Cookie encoding
// ---------------------------------------------------------------------------

// signSessionID wraps the session id in an HS256 JWT.
func (sm *SessionManager) signSessionID(session *Session) (string, error) {
	token, err := jwt.NewBuilder().
		Subject(session.ID).
		IssuedAt(session.CreatedAt).
		Expiration(session.ExpiresAt).
		Build()
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, sm.secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// sessionIDFromCookie verifies the JWT and returns the embedded session id.
func (sm *SessionManager) sessionIDFromCookie(value string) (string, bool) {
	token, err := jwt.Parse([]byte(value), jwt.WithKey(jwa.HS256, sm.secret), jwt.WithValidate(true))
	if err != nil {
		return "", false
	}
	return token.Subject(), token.Subject() != ""
}

// SetSessionCookie writes the signed session cookie.
func (sm *SessionManager) SetSessionCookie(w http.ResponseWriter, session *Session) {
	value, err := sm.signSessionID(session)
	if err != nil {
		log.Printf("Error signing session cookie: %v", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
}

// ClearSessionCookie expires the session cookie.
func (sm *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// sessionFromRequest resolves the request's cookie to a live session.
func (sm *SessionManager) sessionFromRequest(r *http.Request) (*Session, bool) {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return nil, false
	}
	sessionID, ok := sm.sessionIDFromCookie(cookie.Value)
	if !ok {
		return nil, false
	}
	return sm.GetSession(sessionID)
}

func (sm *SessionManager) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if session, ok := sm.sessionFromRequest(r); ok {
		sm.DeleteSession(session.ID)
	}
	sm.ClearSessionCookie(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// WithAuth redirects to login unless the request carries a valid session.
func WithAuth(handler http.HandlerFunc, sm *SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := sm.sessionFromRequest(r)
		if !ok {
			http.Redirect(w, r, "/login/spotify", http.StatusSeeOther)
			return
		}

		r = r.WithContext(WithUserID(r.Context(), session.UserID))
		handler(w, r)
	}
}

// WithPossibleAuth attaches the user when a session exists but lets
// anonymous requests through.
func WithPossibleAuth(handler http.HandlerFunc, sm *SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		authenticated := false

		if session, ok := sm.sessionFromRequest(r); ok {
			ctx = WithUserID(ctx, session.UserID)
			authenticated = true
		}

		r = r.WithContext(WithAuthStatus(ctx, authenticated))
		handler(w, r)
	}
}

// ---------------------------------------------------------------------------
// Context helpers
// ---------------------------------------------------------------------------

type contextKey int

const (
	userIDKey contextKey = iota
	authStatusKey
)

func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func GetUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDKey).(int64)
	return userID, ok
}

func WithAuthStatus(ctx context.Context, authenticated bool) context.Context {
	return context.WithValue(ctx, authStatusKey, authenticated)
}

func IsAuthenticated(ctx context.Context) bool {
	authenticated, ok := ctx.Value(authStatusKey).(bool)
	return ok && authenticated
}
