// Package metrics implements the in-process counter metrics exposed
// through the root package's snapshot API.
package metrics
