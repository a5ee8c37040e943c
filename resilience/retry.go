// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryConfig parameterizes exponential backoff with jitter (§4.2).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // randomization factor in [0,1]
}

// Retry runs fn until it succeeds, MaxAttempts is exhausted, or ctx is
// done, sleeping an exponentially growing, jittered delay between
// attempts. It wraps github.com/cenkalti/backoff's ExponentialBackOff
// rather than reimplementing jittered backoff by hand.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0 // bounded by attempt count, not elapsed time

	var lastErr error
	attempts := 0
	operation := func() error {
		attempts++
		err := fn()
		lastErr = err
		return err
	}

	notify := func(err error, d time.Duration) {}

	boCtx := backoff.WithContext(bo, ctx)
	err := backoff.RetryNotify(func() error {
		if attempts >= cfg.MaxAttempts {
			return backoff.Permanent(lastErr)
		}
		return operation()
	}, boCtx, notify)

	if err == nil {
		return nil
	}
	if attempts >= cfg.MaxAttempts {
		return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
	}
	return err
}
