package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/perculacms/pagecontext/internal/model"
)

// classify maps a service error onto an HTTP status and envelope code. The
// checks run in a fixed order so a joined error from a dual retrieval failure
// reports its most specific cause first.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, model.ErrCodeInvalidInput
	case errors.Is(err, model.ErrServiceDisabled):
		return http.StatusServiceUnavailable, model.ErrCodeServiceDisabled
	case errors.Is(err, model.ErrServiceNotConfigured):
		return http.StatusServiceUnavailable, model.ErrCodeNotConfigured
	case errors.Is(err, model.ErrBackendUnavailable):
		return http.StatusBadGateway, model.ErrCodeBackendUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, model.ErrCodeTimeout
	default:
		return http.StatusInternalServerError, model.ErrCodeInternalError
	}
}

// writeServiceError logs and writes err. Internal errors are not echoed to
// the client.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	if status >= 500 {
		h.logger.Error("request failed",
			"path", r.URL.Path, "code", code, "error", err, "request_id", requestID(r))
	}
	writeError(w, r, status, code, msg)
}
