// Package ratelimit provides a small deterministic token bucket used to
// bound inbound signalling message rates per connection.
package ratelimit

import (
	"sync"
	"time"
)

// One token is represented as 1e9 nano-tokens so refill math stays in
// integers; float accumulation drifts over long-lived connections.
const nanoTokensPerToken = int64(time.Second)

// TokenBucket refills at an integer rate (tokens/sec) using the provided
// Clock. It is safe for concurrent use.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: capacity * nanoTokensPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokens * nanoTokensPerToken

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	capacityNano := b.capacity * nanoTokensPerToken
	if b.available >= capacityNano {
		b.available = capacityNano
		return
	}

	gained := elapsed.Nanoseconds() * b.fillRate
	if gained < 0 || b.available+gained > capacityNano {
		// Overflow or over-capacity: clamp.
		b.available = capacityNano
		return
	}
	b.available += gained
}
