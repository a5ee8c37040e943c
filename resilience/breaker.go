// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resilience

import (
	"sync"
	"time"

	"github.com/luxfi/swarmbft/adapters"
)

// CircuitState is one of Closed, Open, or HalfOpen.
type CircuitState int

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig parameterizes the rolling-window failure-ratio breaker.
// FailureThreshold and SuccessThreshold are ratios/counts, not errors;
// WindowSize is divided evenly across Buckets, each bucket rotating out
// once wall-clock elapsed since its start reaches WindowSize/Buckets.
type BreakerConfig struct {
	FailureThreshold float64       // e.g. 0.5
	MinRequests      uint64        // minimum sampled calls before evaluating the ratio
	SuccessThreshold uint64        // consecutive half-open successes required to close
	OpenTimeout      time.Duration // how long Open is held before probing
	WindowSize       time.Duration // total rolling window
	Buckets          int           // number of buckets dividing WindowSize
}

type bucket struct {
	start      time.Time
	successes  uint64
	failures   uint64
}

// Breaker is a rolling-window circuit breaker, grounded on the teacher's
// networking/benchlist.manager (RWMutex-guarded per-peer failure
// counters with a benched-until deadline), generalized here to a
// bucketed ratio rather than a flat threshold count and to the
// Closed/Open/HalfOpen state machine of §4.2.
type Breaker struct {
	cfg   BreakerConfig
	clock adapters.Clock

	mu               sync.Mutex
	state            CircuitState
	openedAt         time.Time
	halfOpenInFlight bool
	halfOpenSuccess  uint64
	buckets          []bucket
}

// NewBreaker constructs a Breaker in the Closed state.
func NewBreaker(cfg BreakerConfig, clock adapters.Clock) *Breaker {
	if cfg.Buckets <= 0 {
		cfg.Buckets = 1
	}
	b := &Breaker{
		cfg:     cfg,
		clock:   clock,
		state:   Closed,
		buckets: make([]bucket, cfg.Buckets),
	}
	now := clock.Now()
	for i := range b.buckets {
		b.buckets[i].start = now
	}
	return b
}

// State returns the breaker's current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether the next call may proceed. A call on an Open
// breaker past OpenTimeout transitions it to HalfOpen and admits
// exactly one trial call; further calls are rejected until that trial
// resolves via Record.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.clock.Now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = HalfOpen
			b.halfOpenInFlight = true
			b.halfOpenSuccess = 0
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight = false
		if !success {
			b.resetWindowLocked()
			b.state = Open
			b.openedAt = b.clock.Now()
			return
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.resetWindowLocked()
		}
		return
	case Open:
		// Outcome for a call that raced past a state change; ignore.
		return
	}

	b.rotateLocked()
	cur := &b.buckets[len(b.buckets)-1]
	if success {
		cur.successes++
	} else {
		cur.failures++
	}

	total, failed := b.totalsLocked()
	if total >= b.cfg.MinRequests && total > 0 {
		ratio := float64(failed) / float64(total)
		if ratio >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = b.clock.Now()
		}
	}
}

func (b *Breaker) totalsLocked() (total, failed uint64) {
	for _, bk := range b.buckets {
		total += bk.successes + bk.failures
		failed += bk.failures
	}
	return
}

// rotateLocked advances the bucket ring: for each full per-bucket
// duration elapsed since the newest bucket started, the oldest bucket is
// dropped and a fresh newest bucket appended (at most len(buckets)
// rotations, which empties the window), keeping memory fixed.
func (b *Breaker) rotateLocked() {
	if len(b.buckets) == 0 {
		return
	}
	bucketDur := b.cfg.WindowSize / time.Duration(len(b.buckets))
	if bucketDur <= 0 {
		return
	}
	now := b.clock.Now()
	last := &b.buckets[len(b.buckets)-1]
	n := int(now.Sub(last.start) / bucketDur)
	if n > len(b.buckets) {
		n = len(b.buckets)
	}
	for i := 0; i < n; i++ {
		b.buckets = append(b.buckets[1:], bucket{start: now})
	}
}

func (b *Breaker) resetWindowLocked() {
	now := b.clock.Now()
	for i := range b.buckets {
		b.buckets[i] = bucket{start: now}
	}
}
