package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retryPolicy bounds how ledger writes are retried.
type retryPolicy struct {
	retries  int
	base     time.Duration
	maxDelay time.Duration
}

// ledgerRetry is used for job rows. Ledger writes sit on the AI call path,
// so the whole budget stays well under a second.
var ledgerRetry = retryPolicy{retries: 3, base: 10 * time.Millisecond, maxDelay: 200 * time.Millisecond}

// transient reports whether err is worth another attempt: lock conflicts,
// a server going away, or a connection that failed before the query was sent.
func transient(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available
		"57P01": // admin_shutdown
		return true
	}
	// Class 08: connection exceptions.
	return strings.HasPrefix(pgErr.Code, "08")
}

// do runs fn until it succeeds, fails with a non-transient error, or the
// retries are used up. Delays double from base with full jitter, capped at
// maxDelay.
func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	delay := p.base
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !transient(err) || attempt == p.retries {
			return err
		}
		wait := delay/2 + time.Duration(rand.Int64N(int64(delay)/2+1)) //nolint:gosec // jitter only
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(wait):
		}
		delay = min(delay*2, p.maxDelay)
	}
}
