package authrelay

import (
	"errors"
	"time"
)

// Config defines the full engine configuration. Instances are set up during
// initialization and treated as immutable once the engine is built.
type Config struct {
	JWT      JWTConfig
	Session  SessionConfig
	Cache    CacheConfig
	Bus      BusConfig
	Guard    GuardConfig
	Password PasswordConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls session-token signing and verification.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the shared active-session store.
//
// DeviceLimit is the maximum number of concurrent sessions per user.
// It must be >= 1; a value of 1 means single active session, so every
// new login revokes the previous one.
type SessionConfig struct {
	RedisPrefix string
	Lifetime    time.Duration
	DeviceLimit int
}

/*
====================================
PERMISSION CACHE CONFIG
====================================
*/

// CacheConfig controls the shared permission cache.
//
// LookupTimeout bounds the credential-store recompute on a cache miss so
// a store outage degrades to a denial instead of a hung request.
type CacheConfig struct {
	RedisPrefix   string
	TTL           time.Duration
	LookupTimeout time.Duration
}

/*
====================================
EVENT BUS CONFIG
====================================
*/

// BusConfig controls the cross-process event channel.
type BusConfig struct {
	ChannelPrefix string
}

/*
====================================
GUARD CONFIG
====================================
*/

// GuardConfig controls the access-control guard.
//
// Routes that declare no required permission are allowed by default once
// authenticated (routes opt in to permission checks). Set
// RequireDeclaredPermission to make such routes fail closed instead.
type GuardConfig struct {
	AdminRole                 string
	RequireDeclaredPermission bool
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds the argon2id parameters used to verify login
// credentials.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls the in-process metrics counters.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns the configuration the builder starts from.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     2 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "authrelay",
		},
		Session: SessionConfig{
			RedisPrefix: "ar",
			Lifetime:    2 * time.Hour,
			DeviceLimit: 1,
		},
		Cache: CacheConfig{
			RedisPrefix:   "ar",
			TTL:           10 * time.Minute,
			LookupTimeout: 3 * time.Second,
		},
		Bus: BusConfig{
			ChannelPrefix: "authrelay-channel#",
		},
		Guard: GuardConfig{
			AdminRole: "admin",
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = append([]byte(nil), cfg.JWT.PrivateKey...)
	out.JWT.PublicKey = append([]byte(nil), cfg.JWT.PublicKey...)
	return out
}

// Validate checks the configuration for values the engine cannot operate
// with. It is called by the builder before constructing the engine.
func (c Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("jwt access ttl must be positive")
	}
	if c.Session.Lifetime <= 0 {
		return errors.New("session lifetime must be positive")
	}
	if c.Session.Lifetime < c.JWT.AccessTTL {
		return errors.New("session lifetime must cover the token ttl")
	}
	if c.Session.DeviceLimit < 1 {
		return errors.New("device limit must be >= 1")
	}
	if c.Session.RedisPrefix == "" || c.Cache.RedisPrefix == "" {
		return errors.New("redis prefixes must not be empty")
	}
	if c.Cache.TTL <= 0 {
		return errors.New("permission cache ttl must be positive")
	}
	if c.Cache.LookupTimeout <= 0 {
		return errors.New("permission lookup timeout must be positive")
	}
	if c.Bus.ChannelPrefix == "" {
		return errors.New("bus channel prefix must not be empty")
	}
	if c.Guard.AdminRole == "" {
		return errors.New("admin role must not be empty")
	}
	return nil
}
