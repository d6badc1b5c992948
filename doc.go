// Package authrelay issues, validates, and revokes signed session tokens
// across a fleet of server processes that share only a Redis instance.
//
// The engine tracks one active session per (user, device) pair in Redis,
// enforces a configurable concurrent-device limit with oldest-first
// eviction, memoizes resolved permission sets in a shared cache, and
// broadcasts revocation events over Redis pub/sub so that a session
// revoked on one process stops working everywhere, including on live
// WebSocket connections held by other processes (see the gateway
// subpackage).
//
// Token verification is local: signature, expiry, and a process-private
// revocation list fed by the event bus. No Redis round-trip happens on
// the request hot path; a missed revocation event is bounded by the
// token's own expiry.
package authrelay
