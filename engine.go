package authrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mshop/authrelay/bus"
	"github.com/mshop/authrelay/internal"
	"github.com/mshop/authrelay/jwt"
	"github.com/mshop/authrelay/password"
	"github.com/mshop/authrelay/permcache"
	"github.com/mshop/authrelay/permission"
	"github.com/mshop/authrelay/session"
)

// Issued is the result of a successful login or token issuance.
type Issued struct {
	Token     string
	Subject   Subject
	ExpiresAt time.Time
}

// Engine is the central coordinator: it issues and verifies session
// tokens, tracks active device sessions in Redis, evaluates permissions,
// and keeps every process's revocation state in sync over the event bus.
//
// Build one with [New]; all methods are safe for concurrent use.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	redis    redis.UniversalClient
	tokens   *jwt.Manager
	sessions *session.Store
	perms    *permcache.Cache
	bus      *bus.SubPub
	registry *permission.Registry
	hasher   *password.Hasher
	store    CredentialStore
	revoked  *revocationList
	audit    *auditDispatcher
	metrics  *Metrics

	mu      sync.Mutex
	started bool
	closed  bool
	subs    []*bus.Subscription
}

// Start subscribes the engine to the revoke channels. It must be called
// once before serving traffic; a subscribe failure means this process
// would silently miss revocations, so it is returned as fatal.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrEngineStarted
	}

	tokenSub, err := e.bus.Subscribe(ctx, TopicTokenExpired, e.onTokenExpired)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	permSub, err := e.bus.Subscribe(ctx, TopicPermissionChanged, e.onPermissionChanged)
	if err != nil {
		_ = e.bus.Unsubscribe(ctx, tokenSub)
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	e.subs = append(e.subs, tokenSub, permSub)
	e.started = true
	e.log.Info("engine started",
		zap.String("channel_prefix", e.cfg.Bus.ChannelPrefix),
		zap.Int("device_limit", e.cfg.Session.DeviceLimit))
	return nil
}

// Close unsubscribes from the bus, shuts the bus connection down, and
// drains the audit dispatcher. The engine cannot be restarted.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	ctx := context.Background()
	for _, sub := range subs {
		_ = e.bus.Unsubscribe(ctx, sub)
	}
	err := e.bus.Close()
	e.audit.Close()
	return err
}

// Login authenticates identifier/password and issues a session token
// bound to deviceID. Unknown identifiers and wrong passwords both return
// [ErrInvalidCredential].
func (e *Engine) Login(ctx context.Context, identifier, pass, deviceID string) (*Issued, error) {
	if e.store == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.store.FindUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, e.loginFailed(ctx, "", deviceID, ErrInvalidCredential)
		}
		return nil, e.loginFailed(ctx, "", deviceID, err)
	}

	switch user.Status {
	case AccountDisabled:
		return nil, e.loginFailed(ctx, user.UserID, deviceID, ErrAccountDisabled)
	case AccountLocked:
		return nil, e.loginFailed(ctx, user.UserID, deviceID, ErrAccountLocked)
	}

	ok, err := e.hasher.Verify(pass, user.PasswordHash)
	if err != nil || !ok {
		return nil, e.loginFailed(ctx, user.UserID, deviceID, ErrInvalidCredential)
	}

	issued, err := e.Issue(ctx, user, deviceID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.UserID, issued.Subject.SessionID, deviceID, nil, nil)
	return issued, nil
}

func (e *Engine) loginFailed(ctx context.Context, userID, deviceID string, cause error) error {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, userID, "", deviceID, cause, nil)
	return cause
}

// Issue creates a new session for user on deviceID and signs its token,
// without checking credentials. Callers that authenticate out of band
// (SSO, service accounts) use it directly.
//
// If the user is already at the device limit, the oldest session is
// evicted atomically and a revoke event is broadcast for it.
func (e *Engine) Issue(ctx context.Context, user UserRecord, deviceID string) (*Issued, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}
	sessionID := sid.String()

	token, err := e.tokens.Create(user.UserID, sessionID, deviceID, user.Roles)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expiresAt := now.Add(e.cfg.JWT.AccessTTL)
	rec := &session.Record{
		SessionID: sessionID,
		UserID:    user.UserID,
		DeviceID:  deviceID,
		IssuedAt:  now.Unix(),
		LastSeen:  now.Unix(),
		ExpiresAt: expiresAt.Unix(),
	}

	evicted, err := e.sessions.Save(ctx, rec, e.cfg.Session.DeviceLimit, e.cfg.Session.Lifetime)
	if err != nil {
		return nil, err
	}

	for i := range evicted {
		e.revokeRecord(ctx, &evicted[i], auditEventSessionEvicted, MetricSessionEvicted)
	}

	e.metricInc(MetricTokenIssued)
	e.emitAudit(ctx, auditEventTokenIssued, true, user.UserID, sessionID, deviceID, nil, nil)
	e.log.Debug("token issued",
		zap.String("uid", user.UserID),
		zap.String("sid", sessionID),
		zap.String("did", deviceID),
		zap.Int("evicted", len(evicted)))

	return &Issued{
		Token: token,
		Subject: Subject{
			UserID:    user.UserID,
			SessionID: sessionID,
			DeviceID:  deviceID,
			Roles:     user.Roles,
		},
		ExpiresAt: expiresAt,
	}, nil
}

// Verify checks a session token and returns its subject. It is purely
// local: signature and expiry come from the token itself and revocation
// from the process-local list the bus keeps current. No Redis round trip
// happens on this path.
func (e *Engine) Verify(ctx context.Context, token string) (*Subject, error) {
	claims, err := e.tokens.Parse(token)
	if err != nil {
		e.metricInc(MetricTokenRejected)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if e.revoked.Revoked(claims.SID) {
		e.metricInc(MetricTokenRejected)
		return nil, fmt.Errorf("%w: session revoked", ErrInvalidToken)
	}

	e.metricInc(MetricTokenVerified)
	return &Subject{
		UserID:    claims.UID,
		SessionID: claims.SID,
		DeviceID:  claims.DID,
		Roles:     claims.Roles,
	}, nil
}

// Revoke terminates the session bound to deviceID for userID: the record
// is removed from the shared store, the session is locally blacklisted,
// and every process is told over the bus. Revoking an absent session is
// a no-op.
func (e *Engine) Revoke(ctx context.Context, userID, deviceID string) error {
	rec, err := e.sessions.Remove(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	e.revokeRecord(ctx, rec, auditEventSessionRevoked, MetricSessionRevoked)
	return nil
}

// RevokeAll terminates every active session of userID.
func (e *Engine) RevokeAll(ctx context.Context, userID string) error {
	recs, err := e.sessions.RemoveAll(ctx, userID)
	if err != nil {
		return err
	}
	for i := range recs {
		e.revokeRecord(ctx, &recs[i], auditEventSessionRevoked, MetricSessionRevoked)
	}
	return nil
}

// revokeRecord blacklists one removed session locally and broadcasts the
// revoke event. The local add happens first, so this process rejects the
// token even if the publish fails.
func (e *Engine) revokeRecord(ctx context.Context, rec *session.Record, auditType string, metric MetricID) {
	expiry := time.Unix(rec.ExpiresAt, 0)
	e.revoked.Add(rec.SessionID, expiry)

	e.metricInc(metric)
	e.emitAudit(ctx, auditType, true, rec.UserID, rec.SessionID, rec.DeviceID, nil, nil)

	e.publishRevoke(ctx, RevokeEvent{
		Kind:           RevokeTokenExpired,
		UserID:         rec.UserID,
		SessionID:      rec.SessionID,
		DeviceID:       rec.DeviceID,
		TokenExpiresAt: rec.ExpiresAt,
	})
}

// NotifyPermissionChanged drops the user's shared permission cache entry
// and broadcasts the change so other concerns (live connections, local
// caches) can react. The next guard check recomputes from the credential
// store.
func (e *Engine) NotifyPermissionChanged(ctx context.Context, userID string) error {
	if err := e.perms.Invalidate(ctx, userID); err != nil {
		return err
	}
	e.metricInc(MetricPermCacheInvalidated)
	e.emitAudit(ctx, auditEventPermissionChanged, true, userID, "", "", nil, nil)

	e.publishRevoke(ctx, RevokeEvent{
		Kind:   RevokePermissionChanged,
		UserID: userID,
	})
	return nil
}

// publishRevoke broadcasts ev on the topic matching its kind. A publish
// failure is logged and counted but not returned: local state is already
// updated and in-flight tokens still expire by TTL.
func (e *Engine) publishRevoke(ctx context.Context, ev RevokeEvent) {
	topic := TopicTokenExpired
	if ev.Kind == RevokePermissionChanged {
		topic = TopicPermissionChanged
	}

	if err := e.bus.Publish(ctx, topic, ev); err != nil {
		e.metricInc(MetricBusPublishFailed)
		e.emitAudit(ctx, auditEventBusPublishFailed, false, ev.UserID, ev.SessionID, ev.DeviceID, err, nil)
		e.log.Warn("revoke publish failed",
			zap.String("topic", topic),
			zap.String("uid", ev.UserID),
			zap.String("sid", ev.SessionID),
			zap.Error(err))
		return
	}
	e.metricInc(MetricBusPublished)
}

func (e *Engine) onTokenExpired(payload []byte) {
	var ev RevokeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		e.log.Warn("malformed revoke event", zap.Error(err))
		return
	}
	if ev.SessionID == "" {
		return
	}

	e.metricInc(MetricBusEventReceived)
	expiry := time.Unix(ev.TokenExpiresAt, 0)
	if ev.TokenExpiresAt <= 0 {
		// Events from publishers that omit the expiry still have to land
		// on the list; no outstanding token outlives its own TTL.
		expiry = time.Now().Add(e.cfg.JWT.AccessTTL)
	}
	e.revoked.Add(ev.SessionID, expiry)
	e.log.Debug("session revoked by bus",
		zap.String("uid", ev.UserID),
		zap.String("sid", ev.SessionID))
}

func (e *Engine) onPermissionChanged(payload []byte) {
	var ev RevokeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		e.log.Warn("malformed revoke event", zap.Error(err))
		return
	}
	if ev.UserID == "" {
		return
	}

	e.metricInc(MetricBusEventReceived)
	// The shared cache entry is already gone; dropping it again is
	// harmless and covers publishers outside this module.
	if err := e.perms.Invalidate(context.Background(), ev.UserID); err != nil {
		e.log.Warn("permission cache invalidate failed",
			zap.String("uid", ev.UserID),
			zap.Error(err))
	}
}

// Sessions lists the user's active device sessions.
func (e *Engine) Sessions(ctx context.Context, userID string) ([]session.Record, error) {
	return e.sessions.List(ctx, userID)
}

// TouchSession refreshes the last-seen timestamp of one device session.
func (e *Engine) TouchSession(ctx context.Context, userID, deviceID string) error {
	return e.sessions.Touch(ctx, userID, deviceID, time.Now())
}

// Registry returns the frozen permission catalog.
func (e *Engine) Registry() *permission.Registry {
	return e.registry
}

// Bus returns the engine's event bus for components that subscribe to
// revoke events themselves, such as the websocket gateway.
func (e *Engine) Bus() *bus.SubPub {
	return e.bus
}

// Logger returns the engine's structured logger.
func (e *Engine) Logger() *zap.Logger {
	return e.log
}

// Ping verifies Redis connectivity and reports the round-trip time.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := e.redis.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", session.ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
