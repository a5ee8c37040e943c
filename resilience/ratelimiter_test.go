// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resilience

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstThenExhausted(t *testing.T) {
	rl := NewRateLimiter(2, 0) // capacity 2, no refill
	require.True(t, rl.Acquire(1))
	require.True(t, rl.Acquire(1))
	require.False(t, rl.Acquire(1))
}

func TestRateLimiterRejectsOversizedRequest(t *testing.T) {
	rl := NewRateLimiter(1, 0)
	require.False(t, rl.Acquire(2))
}
