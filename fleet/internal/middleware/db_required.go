package middleware

import (
	"net/http"

	"golfcart-fleet/shared/httpx"
)

// DBRequiredMiddleware answers 503 while Available reports the database as missing.
type DBRequiredMiddleware struct {
	Available func() bool
	Skip      func(*http.Request) bool
}

func (m DBRequiredMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Available == nil || !m.Available() {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database not configured", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
