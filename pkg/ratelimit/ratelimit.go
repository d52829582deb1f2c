// Package ratelimit throttles outbound backend calls with per-key token
// buckets. Keys combine tier and backend so one saturated provider cannot
// starve the others.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrRateLimitExceeded is returned when a caller's wait would exceed the
// configured ceiling.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// BucketConfig sets the shape of one token bucket
type BucketConfig struct {
	// Capacity is the burst size, in tokens.
	Capacity float64
	// RefillPerSecond is the sustained rate, in tokens per second.
	RefillPerSecond float64
}

// Config configures the limiter
type Config struct {
	// Default applies to every key without an override.
	Default BucketConfig
	// PerTier overrides the default for specific tiers.
	PerTier map[string]BucketConfig
	// MaxWait is the longest a caller will block waiting for a token.
	MaxWait time.Duration
}

// bucket is one token bucket. Each bucket carries its own lock so a waiter
// on one key never blocks traffic on another.
type bucket struct {
	mu         sync.Mutex
	cfg        BucketConfig
	tokens     float64
	lastRefill time.Time
}

// refillLocked advances the bucket to now. Callers hold b.mu.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.cfg.RefillPerSecond
	if b.tokens > b.cfg.Capacity {
		b.tokens = b.cfg.Capacity
	}
	b.lastRefill = now
}

// Limiter is a set of token buckets keyed by (tier, backend)
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a limiter
func New(cfg Config) (*Limiter, error) {
	if cfg.Default.Capacity < 1 {
		return nil, fmt.Errorf("bucket capacity must be at least 1, got %v", cfg.Default.Capacity)
	}
	if cfg.Default.RefillPerSecond <= 0 {
		return nil, fmt.Errorf("refill rate must be positive, got %v", cfg.Default.RefillPerSecond)
	}
	for tier, bc := range cfg.PerTier {
		if bc.Capacity < 1 || bc.RefillPerSecond <= 0 {
			return nil, fmt.Errorf("invalid bucket config for tier %s", tier)
		}
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}

	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
	}, nil
}

// Key builds the bucket key for a tier and backend pair
func Key(tier, backendName string) string {
	return tier + "/" + backendName
}

// bucketFor returns the bucket for a key, creating it full on first use.
// The limiter lock covers only the map, never a wait.
func (l *Limiter) bucketFor(tier, backendName string) *bucket {
	key := Key(tier, backendName)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		cfg := l.cfg.Default
		if override, ok := l.cfg.PerTier[tier]; ok {
			cfg = override
		}
		b = &bucket{
			cfg:        cfg,
			tokens:     cfg.Capacity,
			lastRefill: time.Now(),
		}
		l.buckets[key] = b
	}
	return b
}

// TryAcquire consumes cost tokens if available, without blocking. A
// non-positive cost counts as one token.
func (l *Limiter) TryAcquire(tier, backendName string, cost float64) bool {
	if cost <= 0 {
		cost = 1
	}
	b := l.bucketFor(tier, backendName)

	b.mu.Lock()
	defer b.mu.Unlock()

	if cost > b.cfg.Capacity {
		return false
	}
	b.refillLocked(time.Now())
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Acquire blocks until cost tokens are available, the context is cancelled,
// or the projected wait exceeds the ceiling. The projection is checked up
// front so hopeless waits fail fast with ErrRateLimitExceeded. A cost above
// the bucket's capacity can never be served and fails immediately.
func (l *Limiter) Acquire(ctx context.Context, tier, backendName string, cost float64) error {
	if cost <= 0 {
		cost = 1
	}
	b := l.bucketFor(tier, backendName)

	b.mu.Lock()
	capacity := b.cfg.Capacity
	b.mu.Unlock()
	if cost > capacity {
		return fmt.Errorf("%w: cost %v exceeds bucket capacity %v for tier %s backend %s",
			ErrRateLimitExceeded, cost, capacity, tier, backendName)
	}

	deadline := time.Now().Add(l.cfg.MaxWait)

	for {
		b.mu.Lock()
		now := time.Now()
		b.refillLocked(now)

		if b.tokens >= cost {
			b.tokens -= cost
			b.mu.Unlock()
			return nil
		}

		// Time until the full cost accrues.
		deficit := cost - b.tokens
		wait := time.Duration(deficit / b.cfg.RefillPerSecond * float64(time.Second))
		b.mu.Unlock()

		if now.Add(wait).After(deadline) {
			log.Debug().
				Str("tier", tier).
				Str("backend", backendName).
				Dur("projected_wait", wait).
				Msg("Rate limit wait ceiling exceeded")
			return fmt.Errorf("%w: tier %s backend %s", ErrRateLimitExceeded, tier, backendName)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// Re-check under the lock; another waiter may have taken the token.
		}
	}
}

// Tokens reports the current token count for a key, refilled to now.
func (l *Limiter) Tokens(tier, backendName string) float64 {
	b := l.bucketFor(tier, backendName)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	return b.tokens
}
