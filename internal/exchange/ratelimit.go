// ratelimit.go implements token-bucket rate limiting for the venue REST API.
//
// The venue enforces a request-weight budget per minute plus a hard order
// cap per 10-second window. This file provides a smooth token-bucket
// implementation that refills continuously (rather than in window-sized
// bursts) to stay clear of the hard limits.
//
// Three buckets are maintained:
//   - Order:  30 burst / 5 per sec  (well under the 300/10s order cap)
//   - Cancel: 30 burst / 5 per sec  (cancels share the order cap)
//   - Query:  60 burst / 15 per sec (weight-limited reads: positions, books, filters)
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

// RateLimiter groups token buckets by venue endpoint category. Each call
// must go through the appropriate bucket's Wait() before the HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // POST /fapi/v1/order, /fapi/v1/algoOrder
	Cancel *TokenBucket // DELETE /fapi/v1/order, /fapi/v1/algoOrder
	Query  *TokenBucket // signed and public reads
}

// NewRateLimiter creates rate limiters tuned well under the venue's
// published limits; this agent places a handful of orders per trade, so
// the buckets only matter during reconnect storms and reconciliation.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(30, 5),
		Cancel: NewTokenBucket(30, 5),
		Query:  NewTokenBucket(60, 15),
	}
}
