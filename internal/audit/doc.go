// Package audit defines the audit event model and the sinks the engine's
// dispatcher can emit into.
package audit
