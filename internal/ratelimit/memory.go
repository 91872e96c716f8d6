package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// idleTTL is how long an untouched bucket is kept. A bucket idle that long
// has refilled anyway, so dropping it loses nothing.
const idleTTL = 10 * time.Minute

// MemoryLimiter keeps a token bucket per key in process memory.
type MemoryLimiter struct {
	rate  rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter refills rps units per second per key up to burst. A request
// costing more than burst is charged burst. Close stops the sweeper.
func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	return newMemoryLimiter(rps, burst, time.Now)
}

func newMemoryLimiter(rps float64, burst int, now func() time.Time) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate.Limit(rps),
		burst:   max(1, burst),
		now:     now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, cost int) (Decision, error) {
	now := m.now()
	n := min(max(1, cost), m.burst)

	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(m.rate, m.burst)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	m.mu.Unlock()

	if b.limiter.AllowN(now, n) {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: m.refillTime(b.limiter, now, n)}, nil
}

// refillTime estimates when n units will be available again.
func (m *MemoryLimiter) refillTime(l *rate.Limiter, now time.Time, n int) time.Duration {
	if m.rate <= 0 {
		return idleTTL
	}
	missing := float64(n) - l.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(m.rate) * float64(time.Second))
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.dropIdle(m.now())
		}
	}
}

func (m *MemoryLimiter) dropIdle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.buckets {
		if now.Sub(b.lastSeen) > idleTTL {
			delete(m.buckets, key)
		}
	}
}

func (m *MemoryLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
