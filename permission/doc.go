// Package permission holds the startup-time permission catalog:
// module-scoped names are declared once, frozen, and then served to the
// guard as an immutable set.
package permission
