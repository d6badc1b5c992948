package authrelay

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mshop/authrelay/bus"
	"github.com/mshop/authrelay/jwt"
	"github.com/mshop/authrelay/password"
	"github.com/mshop/authrelay/permcache"
	"github.com/mshop/authrelay/permission"
	"github.com/mshop/authrelay/session"
)

// Builder assembles an [Engine]. Configure it during initialization,
// call Build once, then discard it.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	log    *zap.Logger

	registry  *permission.Registry
	store     CredentialStore
	auditSink AuditSink

	built bool
}

// New returns a [Builder] preloaded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client shared by the session store, the
// permission cache, and the event bus. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.log = log
	return b
}

// WithCredentialStore connects the engine to the caller's user database.
// Required.
func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.store = store
	return b
}

// WithRegistry sets the permission catalog. The builder freezes it
// during Build. Optional; without one, declared-permission filtering is
// skipped.
func (b *Builder) WithRegistry(registry *permission.Registry) *Builder {
	b.registry = registry
	return b
}

// WithAuditSink sets the destination for audit events and enables the
// audit dispatcher.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = true
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration, wires all subsystems, and returns
// the engine. Call [Engine.Start] afterwards to join the revoke
// channels.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.store == nil {
		return nil, errors.New("credential store required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := b.log
	if log == nil {
		log = zap.NewNop()
	}

	// -------- TOKEN MANAGER --------
	tokens, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cfg.JWT.PrivateKey,
		PublicKey:     cfg.JWT.PublicKey,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	// -------- PASSWORD HASHER --------
	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	// -------- PERMISSION REGISTRY --------
	if b.registry != nil {
		b.registry.Freeze()
	}

	engine := &Engine{
		cfg:      cfg,
		log:      log,
		redis:    b.redis,
		tokens:   tokens,
		hasher:   hasher,
		registry: b.registry,
		store:    b.store,
		sessions: session.NewStore(b.redis, cfg.Session.RedisPrefix),
		perms:    permcache.New(b.redis, cfg.Cache.RedisPrefix, cfg.Cache.TTL),
		bus:      bus.New(b.redis, cfg.Bus.ChannelPrefix, log.Named("bus")),
		revoked:  newRevocationList(),
		audit:    newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:  NewMetrics(cfg.Metrics),
	}

	b.built = true
	return engine, nil
}
