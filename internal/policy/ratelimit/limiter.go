// Package ratelimit paces client fetches with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/harvester/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// PerMinute is the sustained fetch rate. Zero or less disables pacing.
	PerMinute float64
	Burst     int
}

// Limiter delays fetches so the target site sees at most PerMinute of them.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Inf
	if cfg.PerMinute > 0 {
		r = rate.Limit(cfg.PerMinute / 60)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until the next fetch may start, respecting ctx. Delays longer than a
// millisecond are recorded.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObservePacingDelay(d)
	}
	return nil
}

// Unlimited reports whether pacing is disabled.
func (l *Limiter) Unlimited() bool {
	return l.limiter.Limit() == rate.Inf
}
