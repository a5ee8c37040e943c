// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resilience

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBulkheadRejectsWithoutQueue(t *testing.T) {
	bh := NewBulkhead(1, 0)
	ctx := context.Background()

	p1, err := bh.Acquire(ctx)
	require.NoError(t, err)

	_, err = bh.Acquire(ctx)
	require.ErrorIs(t, err, ErrBulkheadFull)

	p1.Release()
	p2, err := bh.Acquire(ctx)
	require.NoError(t, err)
	p2.Release()
}

func TestBulkheadQueueAdmitsAfterRelease(t *testing.T) {
	bh := NewBulkhead(1, 1)
	ctx := context.Background()

	p1, err := bh.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p2, err := bh.Acquire(ctx)
		require.NoError(t, err)
		p2.Release()
		close(done)
	}()

	p1.Release()
	<-done
}
