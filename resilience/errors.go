// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package resilience implements the fault-isolation envelope around peer
// calls and message handling: a circuit breaker, a token-bucket rate
// limiter, a bulkhead bounding concurrent work, and retry-with-backoff.
// None of these depend on consensus semantics; they guard any call that
// crosses the PeerIO boundary.
package resilience

import "errors"

var (
	// ErrCircuitOpen is returned by callers such as Engine.broadcast when
	// Breaker.Allow refuses a call because the circuit is Open (or
	// HalfOpen and the trial slot is already taken); Allow itself
	// reports this as false.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

	// ErrRateLimited is the error for callers to return when
	// RateLimiter.Acquire refuses a request; Acquire itself reports the
	// refusal as false and never returns this error.
	ErrRateLimited = errors.New("resilience: rate limit exceeded")

	// ErrBulkheadFull is returned when the bulkhead is at capacity and
	// either has no wait queue or the wait queue is also full.
	ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")

	// ErrRetriesExhausted wraps the last error once Retry has used its
	// full attempt budget.
	ErrRetriesExhausted = errors.New("resilience: retries exhausted")
)
