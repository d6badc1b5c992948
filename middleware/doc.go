// Package middleware adapts the engine's authorization decision to
// net/http. It translates HTTP semantics into Engine calls and back; all
// actual decisions stay in the engine.
package middleware
