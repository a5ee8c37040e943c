// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resilience

import (
	"sync"

	"github.com/cockroachdb/tokenbucket"
)

// RateLimiter is a token bucket of capacity C refilling at r tokens per
// second, refilled lazily on each Acquire rather than by a background
// ticker (§4.2). It wraps cockroachdb/tokenbucket, the same quota-pool
// primitive CockroachDB uses to pace admission control, rather than
// re-deriving the refill arithmetic by hand.
type RateLimiter struct {
	mu     sync.Mutex
	bucket tokenbucket.TokenBucket
}

// NewRateLimiter builds a RateLimiter with the given capacity (burst
// size) and refill rate in tokens/second.
func NewRateLimiter(capacity, refillRate float64) *RateLimiter {
	r := &RateLimiter{}
	r.bucket.Init(tokenbucket.TokensPerSecond(refillRate), tokenbucket.Tokens(capacity))
	return r
}

// Acquire reports whether n tokens were available (and consumes them)
// after a lazy refill. A false return means the caller must wait or
// fail with ErrRateLimited; it never blocks.
func (r *RateLimiter) Acquire(n float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok, _ := r.bucket.TryToFulfill(tokenbucket.Tokens(n))
	return ok
}
