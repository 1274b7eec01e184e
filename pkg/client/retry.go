package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	entrezRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entrez_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	entrezRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "entrez_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	entrezRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entrez_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryPolicy holds the configuration for the retry loop. Batch chunks and
// pipeline steps run their dispatches through Retry so the attempt count
// and delay schedule are explicit rather than hidden inside the transport.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Multiplier is the backoff growth factor per attempt.
	Multiplier float64
}

// DefaultRetryPolicy returns the policy matching NCBI guidance: three
// attempts with 1s base delay doubling up to 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
	}
}

// normalized returns the policy with zero values replaced by defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// Delay returns the backoff before attempt n (0-indexed), without jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Retry executes fn with exponential backoff, retrying only transient
// failures. Permanent failures return after exactly one attempt. The error
// after exhaustion wraps ErrRetryExhausted and carries the attempt count.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	policy = policy.normalized()

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return lastErr
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		class := errorClass(err)
		entrezRetriesTotal.WithLabelValues(string(class)).Inc()

		// ±20% jitter to avoid synchronized retries across chunks.
		backoff := policy.Delay(attempt)
		jittered := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		entrezRetryBackoffSeconds.WithLabelValues(string(class)).Observe(jittered.Seconds())

		log.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt+1).
			Dur("backoff", jittered).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	class := errorClass(lastErr)
	entrezRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
	log.Warn().
		Str("error_class", string(class)).
		Int("max_attempts", policy.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, policy.MaxAttempts, lastErr)
}

// errorClass extracts the classification from err, defaulting to network.
func errorClass(err error) ErrorClass {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Class
	}
	return ErrorClassNetwork
}
