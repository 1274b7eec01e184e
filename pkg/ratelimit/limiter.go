// Package ratelimit implements the shared token-bucket limiter that gates
// every outbound E-utilities request. NCBI allows 3 requests/second without
// an API key and 10 requests/second with one; exceeding the limit risks a
// multi-hour IP block, so all request paths must pass through Acquire.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for rate limit gating.
var (
	entrezRateLimitTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "entrez_rate_limit_tokens",
		Help: "Approximate number of tokens currently available in the bucket",
	})

	entrezRateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entrez_rate_limit_waits_total",
		Help: "Total number of acquisitions that had to wait for a token",
	})

	entrezRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "entrez_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
)

// Request-per-second budgets documented by NCBI.
const (
	// CapacityWithKey is the bucket capacity when an API key is configured.
	CapacityWithKey = 10

	// CapacityWithoutKey is the bucket capacity for anonymous clients.
	CapacityWithoutKey = 3
)

// Limiter is a token bucket shared by all concurrent callers. Tokens refill
// continuously at refillPerSec, capped at capacity; the refill is computed
// lazily inside each Acquire rather than by a background timer.
//
// Callers that find the bucket empty receive a reservation ordered by
// arrival: the refill clock is advanced past the present, so later arrivals
// compute strictly later ready times. No caller can observe a negative
// balance or a balance above capacity.
type Limiter struct {
	mu           sync.Mutex
	tokens       float64
	capacity     int
	refillPerSec float64
	last         time.Time

	now    func() time.Time
	logger zerolog.Logger
}

// New creates a Limiter with an explicit capacity and refill rate.
// The bucket starts full.
func New(capacity int, refillPerSec float64) *Limiter {
	if capacity <= 0 {
		capacity = CapacityWithoutKey
	}
	if refillPerSec <= 0 {
		refillPerSec = float64(capacity)
	}
	return &Limiter{
		tokens:       float64(capacity),
		capacity:     capacity,
		refillPerSec: refillPerSec,
		last:         time.Now(),
		now:          time.Now,
		logger:       log.With().Str("component", "ratelimit").Logger(),
	}
}

// NewForCredential creates a Limiter sized for the NCBI budget: capacity 10
// refilling at 10/s when an API key is present, capacity 3 at 3/s otherwise.
func NewForCredential(hasKey bool) *Limiter {
	if hasKey {
		return New(CapacityWithKey, CapacityWithKey)
	}
	return New(CapacityWithoutKey, CapacityWithoutKey)
}

// Capacity returns the bucket capacity. Immutable after construction.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// Tokens returns the current token balance after applying lazy refill.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked(l.now())
	return l.tokens
}

// Acquire blocks until a token is available, debits exactly one token, and
// returns nil. It returns the context error if ctx is cancelled while
// waiting; the reserved slot is then returned to the bucket.
func (l *Limiter) Acquire(ctx context.Context) error {
	wait := l.reserve(l.now())

	if wait <= 0 {
		entrezRateLimitTokens.Set(l.Tokens())
		return nil
	}

	entrezRateLimitWaitsTotal.Inc()
	entrezRateLimitWaitSeconds.Observe(wait.Seconds())
	l.logger.Debug().
		Dur("wait", wait).
		Msg("Rate limit reached, waiting for token")

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.refund()
		return ctx.Err()
	case <-timer.C:
		entrezRateLimitTokens.Set(l.Tokens())
		return nil
	}
}

// reserve debits one token and returns how long the caller must wait before
// its slot is live. Holding the mutex only for the bookkeeping keeps the
// critical section short and bounded.
func (l *Limiter) reserve(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked(now)

	if l.tokens >= 1 {
		l.tokens--
		return 0
	}

	// Bucket is empty: debit the token from future refill. The refill
	// clock carries the debt of every committed reservation, so each new
	// reservation schedules one deficit past the latest ready time, never
	// past now alone. That keeps queued callers strictly FIFO and the
	// dispatch rate at refillPerSec under contention.
	deficit := 1 - l.tokens
	wait := time.Duration(deficit / l.refillPerSec * float64(time.Second))
	base := now
	if l.last.After(now) {
		base = l.last
	}
	ready := base.Add(wait)
	l.tokens = 0
	l.last = ready
	return ready.Sub(now)
}

// refund returns a reserved-but-unused slot after a cancelled wait by
// rolling the refill clock back one token's worth.
func (l *Limiter) refund() {
	l.mu.Lock()
	defer l.mu.Unlock()

	step := time.Duration(float64(time.Second) / l.refillPerSec)
	now := l.now()
	l.last = l.last.Add(-step)
	if l.last.Before(now) {
		l.refillLocked(now)
	}
}

// refillLocked applies continuous proportional refill. Caller holds l.mu.
func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.refillPerSec
	if l.tokens > float64(l.capacity) {
		l.tokens = float64(l.capacity)
	}
	l.last = now
}
