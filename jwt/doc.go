// Package jwt signs and verifies the session tokens issued by the engine.
// Tokens are immutable once issued; revocation happens out-of-band through
// the event bus, never by mutating a token.
package jwt
