// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package phase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/swarmbft/ids"
)

func mkID(b byte) ids.ValidatorID {
	var id ids.ValidatorID
	id[0] = b
	return id
}

func mkDigest(b byte) ids.Digest {
	var d ids.Digest
	d[0] = b
	return d
}

func fiveValidatorSet() []ids.ValidatorID {
	return []ids.ValidatorID{mkID(1), mkID(2), mkID(3), mkID(4), mkID(5)}
}

// Happy-path finalization scenario (§9 example 1): 5 validators, f=1,
// quorum = 3. All 5 prepare and commit the same digest.
func TestHappyPathQuorum(t *testing.T) {
	active := fiveValidatorSet()
	p := NewPhaseState(1, 0, active, time.Unix(0, 0))
	digest := mkDigest(0xAA)

	accepted, conflict := p.RecordPrePrepare(digest, []byte("batch-1"))
	require.True(t, accepted)
	require.False(t, conflict)

	for _, v := range active {
		res, err := p.AddPrepare(v, digest, nil)
		require.NoError(t, err)
		require.Equal(t, Added, res)
	}
	require.True(t, p.HasQuorum(Prepare))
	require.Equal(t, 5, p.VoteCount(Prepare))

	for _, v := range active {
		res, err := p.AddCommit(v, digest, nil)
		require.NoError(t, err)
		require.Equal(t, Added, res)
	}
	require.True(t, p.HasQuorum(Commit))
}

func TestQuorumAtThreeOfFive(t *testing.T) {
	active := fiveValidatorSet()
	p := NewPhaseState(1, 0, active, time.Unix(0, 0))
	digest := mkDigest(1)

	for i := 0; i < 2; i++ {
		_, err := p.AddPrepare(active[i], digest, nil)
		require.NoError(t, err)
	}
	require.False(t, p.HasQuorum(Prepare))

	_, err := p.AddPrepare(active[2], digest, nil)
	require.NoError(t, err)
	require.True(t, p.HasQuorum(Prepare))
}

func TestDuplicateVoteIsIdempotent(t *testing.T) {
	active := fiveValidatorSet()
	p := NewPhaseState(1, 0, active, time.Unix(0, 0))
	digest := mkDigest(1)

	res, err := p.AddPrepare(active[0], digest, nil)
	require.NoError(t, err)
	require.Equal(t, Added, res)

	res, err = p.AddPrepare(active[0], digest, nil)
	require.NoError(t, err)
	require.Equal(t, Duplicate, res)
	require.Equal(t, 1, p.VoteCount(Prepare))
}

// Byzantine equivocation scenario (§9 example 2): a validator prepares
// two distinct digests at the same (h, r).
func TestConflictingPrepareIsEquivocation(t *testing.T) {
	active := fiveValidatorSet()
	p := NewPhaseState(1, 0, active, time.Unix(0, 0))

	res, err := p.AddPrepare(active[0], mkDigest(1), nil)
	require.NoError(t, err)
	require.Equal(t, Added, res)

	res, err = p.AddPrepare(active[0], mkDigest(2), nil)
	require.NoError(t, err)
	require.Equal(t, Conflict, res)

	// The conflicting vote must not count toward quorum.
	require.Equal(t, 1, p.VoteCount(Prepare))
}

func TestUnknownValidatorRejected(t *testing.T) {
	active := fiveValidatorSet()
	p := NewPhaseState(1, 0, active, time.Unix(0, 0))
	_, err := p.AddPrepare(mkID(99), mkDigest(1), nil)
	require.ErrorIs(t, err, ErrUnknownValidator)
}

func TestRecordPrePrepareConflict(t *testing.T) {
	active := fiveValidatorSet()
	p := NewPhaseState(1, 0, active, time.Unix(0, 0))

	accepted, conflict := p.RecordPrePrepare(mkDigest(1), []byte("a"))
	require.True(t, accepted)
	require.False(t, conflict)

	accepted, conflict = p.RecordPrePrepare(mkDigest(2), []byte("b"))
	require.False(t, accepted)
	require.True(t, conflict)
}

func TestManagerPrune(t *testing.T) {
	m := NewManager()
	active := fiveValidatorSet()
	now := time.Unix(0, 0)
	m.GetOrCreate(1, 0, active, now)
	m.GetOrCreate(250, 0, active, now)
	require.Equal(t, 2, m.Len())

	pruned := m.Prune(300, 200)
	require.Equal(t, 1, pruned)
	require.Equal(t, 1, m.Len())

	_, ok := m.Get(1, 0)
	require.False(t, ok)
	_, ok = m.Get(250, 0)
	require.True(t, ok)
}

func TestManagerGetOrCreateIsIdempotent(t *testing.T) {
	m := NewManager()
	active := fiveValidatorSet()
	now := time.Unix(0, 0)
	a := m.GetOrCreate(1, 0, active, now)
	b := m.GetOrCreate(1, 0, active, now)
	require.Same(t, a, b)
}
