package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/shared/httpx"
	"golfcart-fleet/shared/logx"
)

// writeError maps domain failures onto status codes. Anything else is logged and
// reported as an internal error without its message.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidValue):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, domain.ErrBusinessRule):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", err.Error(), nil)
	default:
		a.log.Error(r.Context(), "request_failed", "request failed",
			slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logx.Code("INTERNAL_ERROR"),
			logx.Err(err),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", msg, nil)
}
