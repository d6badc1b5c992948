package authrelay

// RevokeKind discriminates revoke-event payloads on the bus.
type RevokeKind string

const (
	// RevokeTokenExpired signals that a specific session must be treated as
	// invalid: live connections for it are closed and its token rejected.
	RevokeTokenExpired RevokeKind = "token_expired"
	// RevokePermissionChanged signals that a user's resolved permission set
	// is stale and any cached copy must be dropped.
	RevokePermissionChanged RevokeKind = "permission_changed"
)

// Bus topics. The bus prepends the configured channel prefix, so the full
// Redis channel is e.g. "authrelay-channel#token-expired".
const (
	// TopicTokenExpired carries [RevokeEvent] payloads of kind
	// [RevokeTokenExpired].
	TopicTokenExpired = "token-expired"
	// TopicPermissionChanged carries [RevokeEvent] payloads of kind
	// [RevokePermissionChanged].
	TopicPermissionChanged = "permission-changed"
)

// RevokeEvent is broadcast to every process when a session is revoked or a
// user's permissions change. Delivery is at-least-once and unordered
// across processes; every consumer must treat it as idempotent.
//
// TokenExpiresAt carries the revoked token's own expiry (unix seconds) so
// receiving processes can bound how long they remember the revocation.
type RevokeEvent struct {
	Kind           RevokeKind `json:"kind"`
	UserID         string     `json:"uid"`
	SessionID      string     `json:"sid,omitempty"`
	DeviceID       string     `json:"did,omitempty"`
	TokenExpiresAt int64      `json:"exp,omitempty"`
}
