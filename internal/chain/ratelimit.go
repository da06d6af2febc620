// ratelimit.go implements token-bucket rate limiting for node RPC.
//
// Public nodes throttle per-category request rates. This file provides
// a smooth token-bucket implementation that refills continuously. An
// idle bucket refills to its capacity, so up to that many requests may
// go out at once before the refill rate paces them.
//
// Three buckets are maintained:
//   - Order:  broadcasts (the scarcest allowance)
//   - Cancel: cancel-only batches
//   - Read:   open orders, balances, history, fee schedule
package chain

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous
// refill. Callers block in Wait() until a token is available or the
// context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by RPC category.
type RateLimiter struct {
	Order  *TokenBucket // POST /broadcast
	Cancel *TokenBucket // cancel-only batches
	Read   *TokenBucket // queries
}

// NewRateLimiter creates rate limiters tuned to typical public-node
// allowances: reads are cheap, broadcasts are not.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(20, 2),
		Cancel: NewTokenBucket(30, 3),
		Read:   NewTokenBucket(60, 10),
	}
}
