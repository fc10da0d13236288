package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"golfcart-fleet/shared/authx"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

type staticVerifier map[string]authx.AuthContext

func (v staticVerifier) Verify(_ context.Context, token string) (authx.AuthContext, error) {
	auth, found := v[token]
	if !found {
		return authx.AuthContext{}, errors.New("unknown token")
	}
	return auth, nil
}

func serve(h http.Handler, method string, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/v1/carts", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	verifier := staticVerifier{"good": {Subject: "op-1", Roles: []string{authx.RoleFleetOperator}}}

	optional := AuthMiddleware{Verifier: verifier}.Wrap(ok)
	assert.Equal(t, http.StatusNoContent, serve(optional, http.MethodGet, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(optional, http.MethodGet, "Bearer bad").Code)

	required := AuthMiddleware{Verifier: verifier, Required: true}.Wrap(ok)
	assert.Equal(t, http.StatusUnauthorized, serve(required, http.MethodGet, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(required, http.MethodGet, "Basic abc").Code)
	assert.Equal(t, http.StatusNoContent, serve(required, http.MethodGet, "Bearer good").Code)

	unconfigured := AuthMiddleware{Required: true}.Wrap(ok)
	assert.Equal(t, http.StatusPreconditionFailed, serve(unconfigured, http.MethodGet, "Bearer good").Code)
}

func TestRoleMiddleware(t *testing.T) {
	verifier := staticVerifier{
		"operator": {Subject: "op-1", Roles: []string{authx.RoleFleetOperator}},
		"viewer":   {Subject: "v-1"},
	}
	h := AuthMiddleware{Verifier: verifier}.Wrap(RoleMiddleware{Enabled: true, Roles: []string{authx.RoleFleetOperator}}.Wrap(ok))

	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodPost, "").Code)
	assert.Equal(t, http.StatusForbidden, serve(h, http.MethodPost, "Bearer viewer").Code)
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "Bearer operator").Code)

	disabled := RoleMiddleware{}.Wrap(ok)
	assert.Equal(t, http.StatusNoContent, serve(disabled, http.MethodDelete, "").Code)
}

func TestDBRequiredMiddleware(t *testing.T) {
	up := true
	h := DBRequiredMiddleware{
		Available: func() bool { return up },
		Skip:      func(r *http.Request) bool { return r.URL.Path == "/healthz" },
	}.Wrap(ok)

	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "").Code)
	up = false
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodGet, "").Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestIPRateLimiter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewIPRateLimiter(1, 2, time.Minute)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))

	now = now.Add(2 * time.Minute)
	l.Allow("10.0.0.3")
	assert.Len(t, l.clients, 1)
}

func TestRateLimitMiddlewareUsesForwardedFor(t *testing.T) {
	h := RateLimitMiddleware{Limiter: NewIPRateLimiter(1, 1, time.Minute)}.Wrap(ok)
	call := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/carts", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.9.9.9")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusNoContent, call("1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("1.1.1.1"))
	assert.Equal(t, http.StatusNoContent, call("2.2.2.2"))
}
