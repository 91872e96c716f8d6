package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/perculacms/pagecontext/internal/model"
)

// KeyFunc identifies the client a request is charged to. An empty key skips
// limiting.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID for the error envelope.
type RequestIDFunc func(r *http.Request) string

// Metering charges requests against a Limiter.
type Metering struct {
	Limiter   Limiter
	Key       KeyFunc
	RequestID RequestIDFunc
	Logger    *slog.Logger
}

// Charge returns middleware spending cost units per request. Over budget the
// request is rejected with 429, a Retry-After header and the standard error
// envelope. Limiter failures are logged and the request proceeds.
func (m Metering) Charge(cost int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.Limiter == nil || m.Key == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := m.Key(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			d, err := m.Limiter.Allow(r.Context(), key, cost)
			if err != nil {
				m.Logger.Warn("ratelimit: limiter failed, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				var requestID string
				if m.RequestID != nil {
					requestID = m.RequestID(r)
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
				writeRateLimitError(w, requestID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "request budget exhausted, retry later",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc charges requests to the host part of RemoteAddr. X-Forwarded-For
// is not trusted.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
