// Package session persists active device sessions in Redis so every
// server process shares one view of which logins exist, and enforces the
// per-user device limit atomically on the Redis side.
package session
