// Package ratelimit meters API clients by cost: a generation request spends
// more of a client's budget than a search. Budgets live in process or, when
// several replicas serve one deployment, in Redis.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool

	// RetryAfter is when the client can expect enough budget for the same
	// request again. Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter spends cost units of key's budget. Implementations must be safe for
// concurrent use. An error signals a limiter malfunction; callers fail open.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int) (Decision, error)
	Close() error
}

// NoopLimiter admits everything. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string, int) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (NoopLimiter) Close() error { return nil }

// retryAfterSeconds renders d for the Retry-After header, never below one
// second.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
