package controller

import "sync"

type sessionKey struct {
	userID     int64
	playlistID string
}

// registry holds the live sessions, one per (user, playlist). It is the
// in-process twin of the runs table's one-active-run constraint.
type registry struct {
	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[sessionKey]*Session)}
}

func (r *registry) get(userID int64, playlistID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionKey{userID, playlistID}]
}

// loadOrStore registers sess unless another session already holds the slot,
// in which case the existing one is returned. Exactly one caller of a
// concurrent start pair wins the slot.
func (r *registry) loadOrStore(sess *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey{sess.UserID, sess.PlaylistID}
	if existing, ok := r.sessions[key]; ok {
		return existing, true
	}
	r.sessions[key] = sess
	return sess, false
}

func (r *registry) remove(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey{sess.UserID, sess.PlaylistID}
	if r.sessions[key] == sess {
		delete(r.sessions, key)
	}
}

// forUser returns every live session belonging to the user.
func (r *registry) forUser(userID int64) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for key, sess := range r.sessions {
		if key.userID == userID {
			out = append(out, sess)
		}
	}
	return out
}
