package session

// Record is one active session: a user's login on a specific device.
// Records live in a shared Redis hash so any process can enumerate or
// evict a user's sessions.
type Record struct {
	SessionID string `json:"sid"`
	UserID    string `json:"uid"`
	DeviceID  string `json:"did"`
	IssuedAt  int64  `json:"iat"`
	LastSeen  int64  `json:"seen"`
	ExpiresAt int64  `json:"exp"`
}
