// Package bus implements a prefixed Redis pub/sub event bus with
// JSON-encoded payloads and opaque subscription handles.
package bus
