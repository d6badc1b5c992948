package authrelay

import (
	"context"
	"io"

	internalaudit "github.com/mshop/authrelay/internal/audit"
	internalmetrics "github.com/mshop/authrelay/internal/metrics"
)

// AccountStatus represents the lifecycle state of a user account.
type AccountStatus uint8

const (
	// AccountActive marks an account that may log in.
	AccountActive AccountStatus = iota
	// AccountDisabled marks an administratively disabled account.
	AccountDisabled
	// AccountLocked marks a temporarily locked account.
	AccountLocked
)

// Subject identifies the authenticated caller of a request or connection.
// It is attached to the request context after a successful guard pass and
// consumed by downstream business logic.
type Subject struct {
	UserID    string
	SessionID string
	DeviceID  string
	Roles     []string
}

// HasRole reports whether the subject carries the named role.
func (s *Subject) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// UserRecord is the account record returned by [CredentialStore].
type UserRecord struct {
	UserID       string
	Identifier   string
	PasswordHash string
	Roles        []string
	Status       AccountStatus
}

// CredentialStore is the interface callers must implement to connect the
// engine to their user database. Role-to-permission expansion happens
// behind ResolvePermissions, outside this module.
type CredentialStore interface {
	FindUserByIdentifier(ctx context.Context, identifier string) (UserRecord, error)
	FindUserByID(ctx context.Context, userID string) (UserRecord, error)
	ResolvePermissions(ctx context.Context, userID string) ([]string, error)
}

// RouteMeta is the declarative authorization metadata attached to a route
// by the routing layer.
//
// Public routes skip authentication entirely. AllowAnon routes require a
// valid token but no permission check. Permissions is conjunctive: every
// listed permission must be held.
type RouteMeta struct {
	Public      bool
	AllowAnon   bool
	Permissions []string
}

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// MetricID identifies a specific counter in the in-process metrics system.
type MetricID = internalmetrics.MetricID

// Metrics holds the engine's atomic counters.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot = internalmetrics.Snapshot
