// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/swarmbft/adapters"
)

func newTestBreaker() (*Breaker, *adapters.FakeClock) {
	clock := adapters.NewFakeClock(time.Unix(0, 0))
	cfg := BreakerConfig{
		FailureThreshold: 0.5,
		MinRequests:      5,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
		WindowSize:       time.Minute,
		Buckets:          6,
	}
	return NewBreaker(cfg, clock), clock
}

// Mirrors the resilience-saturation scenario from §9: 80% induced
// failures trip the breaker after min_requests, and it recovers after
// two consecutive half-open successes.
func TestBreakerSaturationScenario(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		require.True(t, b.Allow())
		b.Record(i < 1) // 1 success, 4 failures => ratio 0.8
	}
	require.Equal(t, Open, b.State())
	require.False(t, b.Allow())

	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())

	// A second caller while the trial is in flight is rejected.
	require.False(t, b.Allow())

	b.Record(true)
	require.Equal(t, HalfOpen, b.State())
	require.True(t, b.Allow())
	b.Record(true)
	require.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.Allow()
		b.Record(false)
	}
	require.Equal(t, Open, b.State())

	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())
	b.Record(false)
	require.Equal(t, Open, b.State())
}

func TestBreakerBelowMinRequestsStaysClosed(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.Allow()
		b.Record(false)
	}
	require.Equal(t, Closed, b.State())
}
