// ratelimit.go implements token-bucket rate limiting for the Kalshi API.
//
// Kalshi enforces per-second limits split between reads and transactional
// writes. The buckets refill continuously rather than in one-second bursts
// so sustained traffic never trips the hard limit.
//
// Three buckets are maintained:
//   - Read:   20 burst / 10 per sec (market data, order status, portfolio)
//   - Order:  10 burst /  5 per sec (POST /portfolio/orders)
//   - Cancel: 10 burst /  5 per sec (DELETE /portfolio/orders/{id})
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
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

// RateLimiter groups token buckets by Kalshi API endpoint category.
// Each operation must call the appropriate bucket's Wait() before making
// the HTTP request.
type RateLimiter struct {
	Read   *TokenBucket // GET endpoints: markets, events, orders, portfolio
	Order  *TokenBucket // POST /portfolio/orders
	Cancel *TokenBucket // DELETE /portfolio/orders/{id}
}

// NewRateLimiter creates rate limiters tuned to the basic access tier.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Read:   NewTokenBucket(20, 10),
		Order:  NewTokenBucket(10, 5),
		Cancel: NewTokenBucket(10, 5),
	}
}
