// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resilience

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Bulkhead bounds concurrent work to MaxConcurrent, with an optional
// bounded wait queue (§4.2). It wraps golang.org/x/sync/semaphore's
// weighted semaphore rather than a hand-rolled counting channel.
type Bulkhead struct {
	active *semaphore.Weighted
	queue  *semaphore.Weighted // nil when QueueSize == 0
}

// NewBulkhead builds a Bulkhead admitting at most maxConcurrent
// concurrent permits, with up to queueSize callers allowed to wait for
// one. queueSize == 0 means Acquire never blocks: it either admits
// immediately or returns ErrBulkheadFull.
func NewBulkhead(maxConcurrent, queueSize int) *Bulkhead {
	b := &Bulkhead{active: semaphore.NewWeighted(int64(maxConcurrent))}
	if queueSize > 0 {
		b.queue = semaphore.NewWeighted(int64(queueSize))
	}
	return b
}

// Permit is released to free the occupied slot.
type Permit struct {
	b *Bulkhead
}

// Release returns the permit's slot to the bulkhead.
func (p Permit) Release() {
	p.b.active.Release(1)
}

// Acquire attempts to admit the caller. If the bulkhead is full and has
// no wait queue (or the wait queue is itself full), it returns
// ErrBulkheadFull immediately. Otherwise it blocks on the queue slot
// until ctx is done or a slot frees.
func (b *Bulkhead) Acquire(ctx context.Context) (Permit, error) {
	if b.active.TryAcquire(1) {
		return Permit{b: b}, nil
	}
	if b.queue == nil {
		return Permit{}, ErrBulkheadFull
	}
	if !b.queue.TryAcquire(1) {
		return Permit{}, ErrBulkheadFull
	}
	defer b.queue.Release(1)

	if err := b.active.Acquire(ctx, 1); err != nil {
		return Permit{}, ErrBulkheadFull
	}
	return Permit{b: b}, nil
}
