package authrelay

import "errors"

var (
	// ErrInvalidCredential is returned on a failed login. It never reveals
	// whether the identifier exists.
	ErrInvalidCredential = errors.New("invalid credentials")
	// ErrInvalidToken is returned when a token fails signature, expiry, or
	// revocation checks, or is malformed.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNotAuthenticated is returned by the guard when a protected route is
	// requested without a valid token.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNoPermission is returned by the guard when the subject is
	// authenticated but lacks a required permission. It never names the
	// missing permission.
	ErrNoPermission = errors.New("no permission")
	// ErrSessionEvicted is returned when a device session was removed to
	// satisfy the concurrent-device limit.
	ErrSessionEvicted = errors.New("session evicted by device limit")
	// ErrBusUnavailable is returned when the event bus cannot publish or
	// subscribe.
	ErrBusUnavailable = errors.New("event bus unavailable")
	// ErrUserNotFound is returned when the credential store has no record
	// for the requested user ID.
	ErrUserNotFound = errors.New("user not found")
	// ErrAccountDisabled is returned on login against a disabled account.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrAccountLocked is returned on login against a locked account.
	ErrAccountLocked = errors.New("account locked")
	// ErrEngineNotReady is returned when a required dependency was not
	// configured before use.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrEngineStarted is returned when Start is called twice.
	ErrEngineStarted = errors.New("engine already started")
)
