// ratelimit.go implements token-bucket rate limiting for the brokerage API.
//
// Brokerage APIs enforce per-category request limits. The buckets refill
// continuously rather than in window-sized bursts so sustained traffic
// never slams into a hard limit.
//
// Three buckets are maintained:
//   - Order:  order placement
//   - Cancel: cancellations (kept looser than orders so unwinding a
//     position is never throttled behind new entries)
//   - Query:  order, position, and fill reads
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
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

		// Calculate wait time for next token
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

// RateLimiter groups token buckets by endpoint category. Each operation
// must call the appropriate bucket's Wait() before making the HTTP request.
type RateLimiter struct {
	Order  *TokenBucket
	Cancel *TokenBucket
	Query  *TokenBucket
}

// NewRateLimiter creates buckets around the configured requests-per-second
// budget. Cancels get double the order budget, queries quadruple.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &RateLimiter{
		Order:  NewTokenBucket(float64(burst), rps),
		Cancel: NewTokenBucket(float64(burst)*2, rps*2),
		Query:  NewTokenBucket(float64(burst)*4, rps*4),
	}
}
