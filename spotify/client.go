// Package spotify is the resilient Spotify Web API client: token handling
// with proactive refresh, a bounded retry matrix, and strict per-user
// serialization of all Player calls.
package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/true-shuffle/trueshuffle/db"
)

const (
	defaultAPIURL   = "https://api.spotify.com/v1"
	defaultTokenURL = "https://accounts.spotify.com/api/token"

	maxAttempts    = 3
	connectTimeout = 10 * time.Second
	readTimeout    = 30 * time.Second
	backoffCap     = 30 * time.Second
	jitterMax      = 500 * time.Millisecond

	// Refresh proactively when the token is this close to expiry.
	refreshLeeway = 60 * time.Second
)

// Client performs authenticated Spotify Web API calls for any user whose
// tokens are in the database.
type Client struct {
	db           *db.DB
	http         *http.Client
	limiter      *rate.Limiter
	locks        *userLocks
	refreshLocks *userLocks
	logger       *log.Logger
	clientID     string

	apiURL      string
	tokenURL    string
	backoffBase time.Duration
}

// NewClient builds a client. clientID is the OAuth client id used for PKCE
// token refresh (no secret involved).
func NewClient(database *db.DB, clientID string) *Client {
	return &Client{
		db: database,
		http: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		limiter:      rate.NewLimiter(rate.Every(100*time.Millisecond), 4),
		locks:        newUserLocks(),
		refreshLocks: newUserLocks(),
		logger:       log.Default(),
		clientID:     clientID,
		apiURL:       defaultAPIURL,
		tokenURL:     defaultTokenURL,
		backoffBase:  500 * time.Millisecond,
	}
}

// WithBaseURLs overrides the API and token endpoints. Used by tests.
func (c *Client) WithBaseURLs(apiURL, tokenURL string) *Client {
	c.apiURL = apiURL
	c.tokenURL = tokenURL
	return c
}

// ---------------------------------------------------------------------------
// Token handling
// ---------------------------------------------------------------------------

// accessToken returns a valid bearer token for the user, refreshing
// proactively when expiry is near.
func (c *Client) accessToken(ctx context.Context, userID int64) (string, error) {
	token, err := c.db.GetToken(userID)
	if err != nil {
		return "", fmt.Errorf("loading token for user %d: %w", userID, err)
	}
	if token == nil {
		return "", ErrAuthExpired
	}

	if time.Now().Add(refreshLeeway).After(token.ExpiresAt) {
		return c.refreshToken(ctx, userID)
	}

	return token.AccessToken, nil
}

// refreshToken exchanges the stored refresh token for a new access token
// and persists the result. A per-user refresh lock makes this single-flight:
// the service rotates refresh tokens, so two overlapping refreshes would let
// the loser persist a dead token.
func (c *Client) refreshToken(ctx context.Context, userID int64) (string, error) {
	l := c.refreshLocks.get(userID)
	l.Lock()
	defer l.Unlock()

	token, err := c.db.GetToken(userID)
	if err != nil {
		return "", fmt.Errorf("loading token for user %d: %w", userID, err)
	}

	// Another caller may have finished a refresh while we waited for the
	// lock; its token is the one to use.
	if token != nil && time.Now().Add(refreshLeeway).Before(token.ExpiresAt) {
		return token.AccessToken, nil
	}
	if token == nil || token.RefreshToken == "" {
		return "", ErrAuthExpired
	}

	form := url.Values{
		"client_id":     {c.clientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {token.RefreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh for user %d: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.logger.Printf("Token refresh failed for user %d (%d): %s", userID, resp.StatusCode, body)
		return "", ErrAuthExpired
	}

	var data struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decoding token refresh response: %w", err)
	}

	newRefresh := data.RefreshToken
	if newRefresh == "" {
		newRefresh = token.RefreshToken
	}
	expiresIn := data.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	expiresAt := time.Now().UTC().Add(time.Duration(expiresIn) * time.Second)

	if err := c.db.SaveToken(userID, data.AccessToken, newRefresh, expiresAt); err != nil {
		return "", fmt.Errorf("persisting refreshed token: %w", err)
	}

	c.logger.Printf("Refreshed access token for user %d", userID)
	return data.AccessToken, nil
}

// ---------------------------------------------------------------------------
// Request core
// ---------------------------------------------------------------------------

// call issues one API request with the retry matrix:
//
//	429      sleep Retry-After + jitter, retry, max 3 total attempts
//	5xx      exponential backoff min(0.5*2^attempt + jitter, 30s), max 3
//	timeout  counts as one retryable attempt with backoff
//	401      refresh once and retry immediately; a second 401 fails
//	403      ErrPremiumRequired, never retried
//	404      ErrNotFound, never retried
//	4xx      *APIError, never retried
func (c *Client) call(ctx context.Context, userID int64, method, rawURL string, jsonBody any) (int, []byte, error) {
	var payload []byte
	if jsonBody != nil {
		var err error
		payload, err = json.Marshal(jsonBody)
		if err != nil {
			return 0, nil, err
		}
	}

	refreshedOn401 := false
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}

		token, err := c.accessToken(ctx, userID)
		if err != nil {
			return 0, nil, err
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			c.logger.Printf("Request error on attempt %d for %s %s: %v", attempt+1, method, rawURL, err)
			lastErr = err
			if err := c.backoff(ctx, attempt); err != nil {
				return 0, nil, err
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if err := c.backoff(ctx, attempt); err != nil {
				return 0, nil, err
			}
			continue
		}

		if resp.StatusCode < 400 {
			return resp.StatusCode, respBody, nil
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !refreshedOn401:
			c.logger.Printf("401 on %s %s, refreshing token for user %d", method, rawURL, userID)
			if _, err := c.refreshToken(ctx, userID); err != nil {
				return 0, nil, err
			}
			refreshedOn401 = true
			// The post-refresh retry does not count against the attempt
			// budget, so a 401 on the last attempt still gets retried.
			attempt--

		case resp.StatusCode == http.StatusUnauthorized:
			return 0, nil, ErrAuthExpired

		case resp.StatusCode == http.StatusForbidden:
			return 0, nil, ErrPremiumRequired

		case resp.StatusCode == http.StatusNotFound:
			return 0, nil, ErrNotFound

		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			wait := time.Duration(retryAfter)*time.Second + jitter()
			c.logger.Printf("429 on %s %s, waiting %v", method, rawURL, wait)
			if err := sleep(ctx, wait); err != nil {
				return 0, nil, err
			}

		case resp.StatusCode >= 500:
			c.logger.Printf("Server error %d on %s %s (attempt %d)", resp.StatusCode, method, rawURL, attempt+1)
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, respBody)
			if err := c.backoff(ctx, attempt); err != nil {
				return 0, nil, err
			}

		default:
			return 0, nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
	}

	if lastErr == ErrRateLimited {
		return 0, nil, ErrRateLimited
	}
	return 0, nil, &TransientError{Err: fmt.Errorf("max retries (%d) exhausted for %s %s: %w", maxAttempts, method, rawURL, lastErr)}
}

// playerCall runs call under the user's lock. Every Player-mutating or
// Player-observing request goes through here; the lock spans the whole
// round-trip including any refresh and retries.
func (c *Client) playerCall(ctx context.Context, userID int64, method, rawURL string, jsonBody any) (int, []byte, error) {
	l := c.locks.get(userID)
	l.Lock()
	defer l.Unlock()

	return c.call(ctx, userID, method, rawURL, jsonBody)
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.backoffBase*time.Duration(1<<attempt) + jitter()
	if delay > backoffCap {
		delay = backoffCap
	}
	return sleep(ctx, delay)
}

func jitter() time.Duration {
	return time.Duration(rand.Int63n(int64(jitterMax)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
