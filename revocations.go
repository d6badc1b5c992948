package authrelay

import (
	"sync"
	"time"
)

// revocationList is the process-local set of revoked session IDs, fed by
// local revocations and by TokenExpired events from the bus. Entries are
// kept only until the revoked token would have expired on its own, so the
// list stays bounded by the token TTL.
type revocationList struct {
	mu      sync.Mutex
	entries map[string]time.Time // session ID -> token expiry
}

func newRevocationList() *revocationList {
	return &revocationList{
		entries: make(map[string]time.Time),
	}
}

// Add is idempotent; re-adding an already revoked session is a no-op.
func (l *revocationList) Add(sessionID string, tokenExpiry time.Time) {
	if sessionID == "" {
		return
	}
	now := time.Now()
	if !tokenExpiry.After(now) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
	l.entries[sessionID] = tokenExpiry
}

func (l *revocationList) Revoked(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, ok := l.entries[sessionID]
	if !ok {
		return false
	}
	if !expiry.After(time.Now()) {
		delete(l.entries, sessionID)
		return false
	}
	return true
}

func (l *revocationList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *revocationList) sweepLocked(now time.Time) {
	for sid, expiry := range l.entries {
		if !expiry.After(now) {
			delete(l.entries, sid)
		}
	}
}
