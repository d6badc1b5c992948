package authrelay

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/mshop/authrelay/permission"
)

func newGuardEngine(t *testing.T, cfg Config, store *mockCredentialStore, reg *permission.Registry) (*Engine, func()) {
	t.Helper()

	mr := startMiniredis(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(store)
	if reg != nil {
		b = b.WithRegistry(reg)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}

	return engine, func() {
		engine.Close()
		rdb.Close()
	}
}

func mustLogin(t *testing.T, engine *Engine, identifier string) *Issued {
	t.Helper()

	issued, err := engine.Login(context.Background(), identifier, testPassword, "dev-a")
	if err != nil {
		t.Fatalf("login %s: %v", identifier, err)
	}
	return issued
}

func TestAuthorizePublicRouteSkipsAuthentication(t *testing.T) {
	engine, done := newGuardEngine(t, testConfig(), testCredentialStore(t), nil)
	defer done()

	subject, err := engine.Authorize(context.Background(), "garbage-token", RouteMeta{Public: true})
	if err != nil {
		t.Fatalf("public route must not fail: %v", err)
	}
	if subject != nil {
		t.Fatalf("public route must not produce a subject, got %+v", subject)
	}
}

func TestAuthorizeProtectedRouteNeedsValidToken(t *testing.T) {
	engine, done := newGuardEngine(t, testConfig(), testCredentialStore(t), nil)
	defer done()
	ctx := context.Background()

	for _, token := range []string{"", "garbage"} {
		if _, err := engine.Authorize(ctx, token, RouteMeta{}); !errors.Is(err, ErrNotAuthenticated) {
			t.Fatalf("expected ErrNotAuthenticated for %q, got %v", token, err)
		}
	}
}

func TestAuthorizeAllowAnonPassesOnAuthenticationAlone(t *testing.T) {
	store := testCredentialStore(t)
	engine, done := newGuardEngine(t, testConfig(), store, nil)
	defer done()
	ctx := context.Background()

	issued := mustLogin(t, engine, "alice")

	subject, err := engine.Authorize(ctx, issued.Token, RouteMeta{
		AllowAnon:   true,
		Permissions: []string{"catalog:write"},
	})
	if err != nil {
		t.Fatalf("allow-anon route must pass: %v", err)
	}
	if subject.UserID != "u1" {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	// AllowAnon never touches the permission resolver.
	if store.resolveCount() != 0 {
		t.Fatalf("expected no permission resolution, got %d", store.resolveCount())
	}
}

func TestAuthorizeRouteWithoutPermissionsPasses(t *testing.T) {
	engine, done := newGuardEngine(t, testConfig(), testCredentialStore(t), nil)
	defer done()

	issued := mustLogin(t, engine, "alice")

	subject, err := engine.Authorize(context.Background(), issued.Token, RouteMeta{})
	if err != nil {
		t.Fatalf("permissionless route must pass: %v", err)
	}
	if subject.UserID != "u1" {
		t.Fatalf("unexpected subject: %+v", subject)
	}
}

func TestAuthorizeStrictModeDeniesPermissionlessRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.Guard.RequireDeclaredPermission = true
	engine, done := newGuardEngine(t, cfg, testCredentialStore(t), nil)
	defer done()
	ctx := context.Background()

	member := mustLogin(t, engine, "alice")
	if _, err := engine.Authorize(ctx, member.Token, RouteMeta{}); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission, got %v", err)
	}

	// Admins keep access even in strict mode.
	admin := mustLogin(t, engine, "root")
	if _, err := engine.Authorize(ctx, admin.Token, RouteMeta{}); err != nil {
		t.Fatalf("admin must pass: %v", err)
	}
}

func TestAuthorizePermissionsAreConjunctive(t *testing.T) {
	engine, done := newGuardEngine(t, testConfig(), testCredentialStore(t), nil)
	defer done()
	ctx := context.Background()

	issued := mustLogin(t, engine, "alice")

	if _, err := engine.Authorize(ctx, issued.Token, RouteMeta{
		Permissions: []string{"catalog:read"},
	}); err != nil {
		t.Fatalf("held permission must pass: %v", err)
	}

	// Holding one of two required permissions is not enough.
	if _, err := engine.Authorize(ctx, issued.Token, RouteMeta{
		Permissions: []string{"catalog:read", "catalog:write"},
	}); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission, got %v", err)
	}
}

func TestAuthorizeAdminBypassesPermissionChecks(t *testing.T) {
	engine, done := newGuardEngine(t, testConfig(), testCredentialStore(t), nil)
	defer done()

	admin := mustLogin(t, engine, "root")

	subject, err := engine.Authorize(context.Background(), admin.Token, RouteMeta{
		Permissions: []string{"catalog:read", "catalog:write", "orders:cancel"},
	})
	if err != nil {
		t.Fatalf("admin must bypass permission checks: %v", err)
	}
	if !subject.HasRole("admin") {
		t.Fatalf("unexpected subject: %+v", subject)
	}
}

func TestAuthorizeCachesResolvedPermissions(t *testing.T) {
	store := testCredentialStore(t)
	engine, done := newGuardEngine(t, testConfig(), store, nil)
	defer done()
	ctx := context.Background()

	issued := mustLogin(t, engine, "alice")
	route := RouteMeta{Permissions: []string{"catalog:read"}}

	for i := 0; i < 3; i++ {
		if _, err := engine.Authorize(ctx, issued.Token, route); err != nil {
			t.Fatalf("authorize %d: %v", i, err)
		}
	}

	if store.resolveCount() != 1 {
		t.Fatalf("expected a single resolve, got %d", store.resolveCount())
	}
}

func TestNotifyPermissionChangedTakesEffectImmediately(t *testing.T) {
	store := testCredentialStore(t)
	engine, done := newGuardEngine(t, testConfig(), store, nil)
	defer done()
	ctx := context.Background()

	issued := mustLogin(t, engine, "alice")
	writeRoute := RouteMeta{Permissions: []string{"catalog:write"}}

	if _, err := engine.Authorize(ctx, issued.Token, writeRoute); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected initial denial, got %v", err)
	}

	store.setPermissions("u1", []string{"catalog:read", "catalog:write"})
	if err := engine.NotifyPermissionChanged(ctx, "u1"); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if _, err := engine.Authorize(ctx, issued.Token, writeRoute); err != nil {
		t.Fatalf("granted permission must pass after invalidation: %v", err)
	}
}

func TestAuthorizeDeniesWhenResolverFails(t *testing.T) {
	store := testCredentialStore(t)
	store.resolveErr = errors.New("backend down")
	engine, done := newGuardEngine(t, testConfig(), store, nil)
	defer done()

	issued := mustLogin(t, engine, "alice")

	_, err := engine.Authorize(context.Background(), issued.Token, RouteMeta{
		Permissions: []string{"catalog:read"},
	})
	if !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission on resolver failure, got %v", err)
	}
}

func TestAuthorizeDeniesUndeclaredRequirement(t *testing.T) {
	reg := permission.NewRegistry()
	if _, err := reg.Define("catalog", map[string]string{"read": ""}); err != nil {
		t.Fatalf("define: %v", err)
	}

	engine, done := newGuardEngine(t, testConfig(), testCredentialStore(t), reg)
	defer done()

	issued := mustLogin(t, engine, "alice")

	// "orders:cancel" was never declared and alice does not hold it. The
	// requirement is enforced as written, so the route denies.
	if _, err := engine.Authorize(context.Background(), issued.Token, RouteMeta{
		Permissions: []string{"catalog:read", "orders:cancel"},
	}); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission for unmet requirement, got %v", err)
	}
}

func TestAuthorizeUndeclaredRequirementStillSatisfiable(t *testing.T) {
	reg := permission.NewRegistry()
	if _, err := reg.Define("catalog", map[string]string{"read": ""}); err != nil {
		t.Fatalf("define: %v", err)
	}

	store := testCredentialStore(t)
	store.setPermissions("u1", []string{"catalog:read", "orders:cancel"})
	engine, done := newGuardEngine(t, testConfig(), store, reg)
	defer done()

	issued := mustLogin(t, engine, "alice")

	if _, err := engine.Authorize(context.Background(), issued.Token, RouteMeta{
		Permissions: []string{"catalog:read", "orders:cancel"},
	}); err != nil {
		t.Fatalf("held permissions must satisfy the route: %v", err)
	}
}

func TestBuilderFreezesRegistry(t *testing.T) {
	reg := permission.NewRegistry()
	if _, err := reg.Define("catalog", map[string]string{"read": ""}); err != nil {
		t.Fatalf("define: %v", err)
	}

	engine, done := newGuardEngine(t, testConfig(), testCredentialStore(t), reg)
	defer done()

	if !engine.Registry().Frozen() {
		t.Fatal("registry must be frozen by Build")
	}
}
