package spotify

import "sync"

// userLocks is a keyed mutex: one lock per user. Every Player call for a
// user runs under that user's lock, so hard-play and enqueue reach the
// service in the order we issued them and the remote queue stays
// deterministic. The map only grows; a handful of mutexes per known user
// is not worth an eviction scheme.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*sync.Mutex)}
}

func (u *userLocks) get(userID int64) *sync.Mutex {
	u.mu.Lock()
	defer u.mu.Unlock()

	l, ok := u.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		u.locks[userID] = l
	}
	return l
}
