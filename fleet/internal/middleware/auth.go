package middleware

import (
	"net/http"
	"strings"

	"golfcart-fleet/shared/authx"
	"golfcart-fleet/shared/httpx"
)

// AuthMiddleware verifies bearer tokens. With Required unset, requests without a token
// pass through anonymously; a token that is present must still verify.
type AuthMiddleware struct {
	Verifier authx.Verifier
	Required bool
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if authHeader == "" && !m.Required {
			next.ServeHTTP(w, r)
			return
		}
		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusPreconditionFailed, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		token := strings.TrimSpace(authHeader[len("bearer "):])
		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}

		ctx := authx.WithAuth(r.Context(), auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RoleMiddleware lets reads through and requires one of Roles for anything that writes.
// It is a no-op when Enabled is false.
type RoleMiddleware struct {
	Enabled bool
	Roles   []string
}

func (m RoleMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required", nil)
			return
		}
		if !auth.HasAnyRole(m.Roles...) {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "missing fleet operator role", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
