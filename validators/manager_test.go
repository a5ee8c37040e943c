// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/swarmbft/crypto/vrf"
	"github.com/luxfi/swarmbft/ids"
)

func mkID(b byte) ids.ValidatorID {
	var id ids.ValidatorID
	id[0] = b
	return id
}

func TestRegisterRejectsBelowMinStake(t *testing.T) {
	m := NewManager(Config{MinStake: 10, MaxValidators: 5, EpochLength: 1})
	err := m.Register(&Validator{ID: mkID(1), SelfStake: 5})
	require.ErrorIs(t, err, ErrStakeBelowMin)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	m := NewManager(Config{MinStake: 1, MaxValidators: 5, EpochLength: 1})
	require.NoError(t, m.Register(&Validator{ID: mkID(1), SelfStake: 10}))
	err := m.Register(&Validator{ID: mkID(1), SelfStake: 10})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

// Byzantine equivocation scenario (§9 example 2): default config
// slashes 50% of stake for Byzantine, jails until height+jail_duration.
func TestSlashByzantineHalvesStakeAndJails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JailDurationBlocks = 10
	m := NewManager(cfg)
	require.NoError(t, m.Register(&Validator{ID: mkID(1), SelfStake: 100}))

	amount, err := m.Slash(mkID(1), Byzantine, 5, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, uint64(50), amount)

	v, err := m.Get(mkID(1))
	require.NoError(t, err)
	require.True(t, v.Jailed)
	require.Equal(t, uint64(15), v.JailReleaseHeight)
	require.Equal(t, uint64(50), v.SelfStake)
	require.Len(t, v.SlashHistory, 1)
}

func TestUnjailRespectsReleaseHeight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JailDurationBlocks = 10
	m := NewManager(cfg)
	require.NoError(t, m.Register(&Validator{ID: mkID(1), SelfStake: 100}))
	_, err := m.Slash(mkID(1), Byzantine, 5, time.Unix(0, 0))
	require.NoError(t, err)

	require.ErrorIs(t, m.Unjail(mkID(1), 14), ErrStillJailed)
	require.NoError(t, m.Unjail(mkID(1), 15))

	v, err := m.Get(mkID(1))
	require.NoError(t, err)
	require.False(t, v.Jailed)
}

func TestUpdateActiveSetOnlyOnEpochBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EpochLength = 100
	cfg.MaxValidators = 2
	m := NewManager(cfg)
	require.NoError(t, m.Register(&Validator{ID: mkID(1), SelfStake: 100}))
	require.NoError(t, m.Register(&Validator{ID: mkID(2), SelfStake: 50}))
	require.NoError(t, m.Register(&Validator{ID: mkID(3), SelfStake: 25}))

	m.UpdateActiveSet(50)
	require.Empty(t, m.ActiveSet())

	m.UpdateActiveSet(100)
	active := m.ActiveSet()
	require.Equal(t, []ids.ValidatorID{mkID(1), mkID(2)}, active)
}

func TestUpdateActiveSetExcludesJailedAndUnderfunded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EpochLength = 1
	cfg.MinStake = 10
	cfg.MaxValidators = 10
	m := NewManager(cfg)
	require.NoError(t, m.Register(&Validator{ID: mkID(1), SelfStake: 100}))
	require.NoError(t, m.Register(&Validator{ID: mkID(2), SelfStake: 5}))
	_, err := m.Slash(mkID(1), Byzantine, 1, time.Unix(0, 0))
	require.NoError(t, err)

	m.UpdateActiveSet(1)
	require.Empty(t, m.ActiveSet())
}

func TestRecordBlockParticipationUpdatesReputationEMA(t *testing.T) {
	m := NewManager(DefaultConfig())
	require.NoError(t, m.Register(&Validator{ID: mkID(1), SelfStake: 100}))

	require.NoError(t, m.RecordBlockParticipation(mkID(1), true))
	v, err := m.Get(mkID(1))
	require.NoError(t, err)
	require.InDelta(t, 1.0, v.Reputation, 1e-9)

	require.NoError(t, m.RecordBlockParticipation(mkID(1), false))
	v, err = m.Get(mkID(1))
	require.NoError(t, err)
	// rep = 0.9*1 + 0.1*(1/2) = 0.95
	require.InDelta(t, 0.95, v.Reputation, 1e-9)
}

// Leader-selection distribution scenario (§9 example 5, scaled down):
// over many rounds the per-validator selection frequency converges
// toward stake share.
func TestSelectLeaderConvergesToStakeShare(t *testing.T) {
	sk, _, err := vrf.KeyGen(make([]byte, 32))
	require.NoError(t, err)

	active := []ids.ValidatorID{mkID(1), mkID(2), mkID(3)}
	stakes := map[ids.ValidatorID]uint64{mkID(1): 100, mkID(2): 50, mkID(3): 25}

	const rounds = 5000
	counts := map[ids.ValidatorID]int{}
	for r := uint64(0); r < rounds; r++ {
		leader, _, err := SelectLeader(active, stakes, sk, 1, r)
		require.NoError(t, err)
		counts[leader]++
	}

	total := 175.0
	expectA := rounds * 100 / total
	expectB := rounds * 50 / total
	expectC := rounds * 25 / total

	require.InDelta(t, expectA, float64(counts[mkID(1)]), expectA*0.15)
	require.InDelta(t, expectB, float64(counts[mkID(2)]), expectB*0.2)
	require.InDelta(t, expectC, float64(counts[mkID(3)]), expectC*0.3)
}

func TestSelectLeaderDeterministic(t *testing.T) {
	sk, _, err := vrf.KeyGen(make([]byte, 32))
	require.NoError(t, err)
	active := []ids.ValidatorID{mkID(1), mkID(2)}
	stakes := map[ids.ValidatorID]uint64{mkID(1): 10, mkID(2): 10}

	l1, p1, err := SelectLeader(active, stakes, sk, 7, 3)
	require.NoError(t, err)
	l2, p2, err := SelectLeader(active, stakes, sk, 7, 3)
	require.NoError(t, err)
	require.Equal(t, l1, l2)
	require.Equal(t, p1, p2)
}

func TestVerifyLeaderAcceptsValidProofAndRejectsTamperedOne(t *testing.T) {
	sk, pk, err := vrf.KeyGen(make([]byte, 32))
	require.NoError(t, err)
	active := []ids.ValidatorID{mkID(1), mkID(2)}
	stakes := map[ids.ValidatorID]uint64{mkID(1): 10, mkID(2): 10}

	leader, proof, err := SelectLeader(active, stakes, sk, 7, 3)
	require.NoError(t, err)
	require.True(t, VerifyLeader(active, stakes, pk, proof, 7, 3, leader))

	tampered := append([]byte(nil), proof...)
	tampered[0] ^= 0xff
	require.False(t, VerifyLeader(active, stakes, pk, tampered, 7, 3, leader))
}

func TestDelegateAndUndelegate(t *testing.T) {
	m := NewManager(DefaultConfig())
	require.NoError(t, m.Register(&Validator{ID: mkID(1), SelfStake: 100}))
	require.NoError(t, m.Delegate(mkID(1), mkID(2), 40, time.Unix(0, 0)))

	v, err := m.Get(mkID(1))
	require.NoError(t, err)
	require.Equal(t, uint64(40), v.DelegatedStake)
	require.Equal(t, uint64(140), v.TotalStake())

	require.ErrorIs(t, m.Undelegate(mkID(1), mkID(2), 50), ErrInsufficientStake)
	require.NoError(t, m.Undelegate(mkID(1), mkID(2), 40))

	// Queued, not yet applied: visible stake is unchanged until the next
	// epoch boundary.
	v, err = m.Get(mkID(1))
	require.NoError(t, err)
	require.Equal(t, uint64(40), v.DelegatedStake)

	m.UpdateActiveSet(m.cfg.EpochLength)

	v, err = m.Get(mkID(1))
	require.NoError(t, err)
	require.Equal(t, uint64(0), v.DelegatedStake)
}
