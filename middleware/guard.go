package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mshop/authrelay"
)

type subjectContextKey struct{}

// SubjectFromContext returns the authenticated subject the guard stored
// on the request context. ok is false on public routes and outside
// guarded handlers.
func SubjectFromContext(ctx context.Context) (*authrelay.Subject, bool) {
	subject, ok := ctx.Value(subjectContextKey{}).(*authrelay.Subject)
	return subject, ok
}

// Guard wraps a handler with the engine's authorization decision for the
// given route metadata. A missing or invalid token on a protected route
// answers 401; an authenticated subject lacking a required permission
// answers 403. On success the subject is attached to the request context.
func Guard(engine *authrelay.Engine, route authrelay.RouteMeta) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			subject, err := engine.Authorize(r.Context(), bearerToken(r), route)
			if err != nil {
				if errors.Is(err, authrelay.ErrNoPermission) {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if subject != nil {
				ctx := context.WithValue(r.Context(), subjectContextKey{}, subject)
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermissions is shorthand for a guard over a route that demands
// every listed permission.
func RequirePermissions(engine *authrelay.Engine, permissions ...string) func(http.Handler) http.Handler {
	return Guard(engine, authrelay.RouteMeta{Permissions: permissions})
}

// RequireAuthenticated is shorthand for a guard that only demands a valid
// token.
func RequireAuthenticated(engine *authrelay.Engine) func(http.Handler) http.Handler {
	return Guard(engine, authrelay.RouteMeta{AllowAnon: true})
}

func bearerToken(r *http.Request) string {
	const bearer = "Bearer "
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(value, bearer) {
		return ""
	}
	return value[len(bearer):]
}
