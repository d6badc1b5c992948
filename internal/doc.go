// Package internal holds identifier generation shared by the root engine
// and its subpackages. Not part of the public API.
package internal
