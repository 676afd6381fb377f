package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/pkg/tenant"
	"github.com/patrolwire/patrolwire/pkg/user"
)

// Middleware parses the Authorization: Bearer <token> header and, when
// present and valid, attaches the resulting Identity to the request
// context. It never rejects a request by itself — RequireAuth does that —
// so public routes mounted on the same router are unaffected.
func Middleware(svc *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(h, "Bearer ")
			if !ok || token == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := svc.ParseAccessToken(token)
			if err != nil {
				logger.Debug("access token rejected", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			ctx := NewContext(r.Context(), id)
			ctx = tenant.NewContext(ctx, id.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests that reached this point without an
// Identity attached by Middleware.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid access token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects requests whose identity's role is below min.
func RequireRole(min user.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil || !id.Role.AtLeast(min) {
				httpserver.RespondError(w, http.StatusForbidden, "forbidden", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
