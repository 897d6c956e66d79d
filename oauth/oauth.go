// Package oauth handles the Spotify authorization-code flow with PKCE.
// No client secret is involved; the code challenge binds each login to the
// browser that started it.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	spotifyauth "golang.org/x/oauth2/spotify"

	"github.com/true-shuffle/trueshuffle/db"
	"github.com/true-shuffle/trueshuffle/session"
)

const loginTTL = 10 * time.Minute

// pendingLogin is one in-flight authorization, keyed by its state value.
type pendingLogin struct {
	verifier string
	expires  time.Time
}

// Service drives login, callback and session creation.
type Service struct {
	config   oauth2.Config
	db       *db.DB
	sessions *session.SessionManager
	apiURL   string

	mu      sync.Mutex
	pending map[string]pendingLogin
}

func NewService(database *db.DB, sessions *session.SessionManager, clientID, redirectURI string, scopes []string) *Service {
	return &Service{
		config: oauth2.Config{
			ClientID:    clientID,
			RedirectURL: redirectURI,
			Scopes:      scopes,
			Endpoint:    spotifyauth.Endpoint,
		},
		db:       database,
		sessions: sessions,
		apiURL:   "https://api.spotify.com/v1",
		pending:  make(map[string]pendingLogin),
	}
}

// WithAPIURL overrides the profile endpoint. Used by tests.
func (o *Service) WithAPIURL(apiURL string) *Service {
	o.apiURL = apiURL
	return o
}

func randomString(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// codeChallenge derives the S256 challenge from a verifier per RFC 7636.
func codeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// HandleLogin starts a fresh authorization with its own state and verifier,
// so concurrent logins from different browsers never collide.
func (o *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state := randomString(16)
	verifier := randomString(64)

	o.mu.Lock()
	for s, p := range o.pending {
		if time.Now().After(p.expires) {
			delete(o.pending, s)
		}
	}
	o.pending[state] = pendingLogin{verifier: verifier, expires: time.Now().Add(loginTTL)}
	o.mu.Unlock()

	authURL := o.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

// HandleCallback exchanges the authorization code, stores the user and
// tokens, and opens a browser session.
func (o *Service) HandleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")

	o.mu.Lock()
	login, ok := o.pending[state]
	delete(o.pending, state)
	o.mu.Unlock()

	if !ok || time.Now().After(login.expires) {
		http.Error(w, "State mismatch", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "No code provided", http.StatusBadRequest)
		return
	}

	token, err := o.config.Exchange(r.Context(), code,
		oauth2.SetAuthURLParam("code_verifier", login.verifier))
	if err != nil {
		http.Error(w, fmt.Sprintf("Error exchanging code for token: %v", err), http.StatusInternalServerError)
		return
	}

	spotifyUserID, displayName, err := o.fetchProfile(r.Context(), token.AccessToken)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching profile: %v", err), http.StatusInternalServerError)
		return
	}

	userID, err := o.db.UpsertUser(spotifyUserID, displayName)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error storing user: %v", err), http.StatusInternalServerError)
		return
	}

	expiresAt := token.Expiry.UTC()
	if token.Expiry.IsZero() {
		expiresAt = time.Now().UTC().Add(time.Hour)
	}
	if err := o.db.SaveToken(userID, token.AccessToken, token.RefreshToken, expiresAt); err != nil {
		http.Error(w, fmt.Sprintf("Error storing tokens: %v", err), http.StatusInternalServerError)
		return
	}

	browserSession := o.sessions.CreateSession(userID)
	o.sessions.SetSessionCookie(w, browserSession)

	log.Printf("User %s logged in (id %d)", spotifyUserID, userID)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// fetchProfile reads /me with the freshly exchanged token. The stored-token
// client is not usable yet because the user row may not exist.
func (o *Service) fetchProfile(ctx context.Context, accessToken string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiURL+"/me", nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("profile request returned %d", resp.StatusCode)
	}

	var profile struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", "", err
	}

	return profile.ID, profile.DisplayName, nil
}
