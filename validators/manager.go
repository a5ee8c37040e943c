// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validators

import (
	"encoding/binary"
	"time"

	"github.com/luxfi/swarmbft/crypto/vrf"
	"github.com/luxfi/swarmbft/ids"
	safemath "github.com/luxfi/swarmbft/utils/math"
	"github.com/luxfi/swarmbft/utils/set"
)

// Register adds a new validator. Fails with ErrStakeBelowMin if
// selfStake is below the configured minimum, or ErrAlreadyExists if id
// is already registered (§4.3).
func (m *manager) Register(v *Validator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.SelfStake < m.cfg.MinStake {
		return ErrStakeBelowMin
	}
	if _, exists := m.records[v.ID]; exists {
		return ErrAlreadyExists
	}
	if v.Reputation == 0 {
		v.Reputation = 1 // new validators start with full reputation
	}
	m.records[v.ID] = cloneValidator(v)
	return nil
}

// Get returns a copy of the validator record for id.
func (m *manager) Get(id ids.ValidatorID) (*Validator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneValidator(v), nil
}

// UpdateStake sets a validator's self-stake directly (used for
// top-ups distinct from delegation).
func (m *manager) UpdateStake(id ids.ValidatorID, selfStake uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	v.SelfStake = selfStake
	return nil
}

// Delegate adds amount from delegator to validator id's delegated
// stake, keeping the delegation list (the secondary index) consistent
// with the validator's DelegatedStake field (§4.3 invariant).
func (m *manager) Delegate(id, delegator ids.ValidatorID, amount uint64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	v.DelegatedStake += amount
	m.delegations[id] = append(m.delegations[id], Delegation{
		DelegatorID: delegator,
		ValidatorID: id,
		Amount:      amount,
		Timestamp:   now,
	})
	return nil
}

// Undelegate queues removal of up to amount of delegator's stake from
// validator id. Per §9's Open Question resolution (documented in
// DESIGN.md), undelegation only takes visible effect at the next epoch
// boundary: the amount is tracked in pendingUndelegations and applied
// — removed from the delegation list and subtracted from
// DelegatedStake — by UpdateActiveSet, so a delegator cannot shift
// leader-election weight mid-epoch by undelegating and re-delegating.
// Eligibility for this call is checked against stake not already
// pending removal.
func (m *manager) Undelegate(id, delegator ids.ValidatorID, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}

	var delegatorTotal uint64
	for _, d := range m.delegations[id] {
		if d.DelegatorID == delegator {
			delegatorTotal += d.Amount
		}
	}
	alreadyPending := m.pendingUndelegations[id][delegator]
	if delegatorTotal < alreadyPending+amount {
		return ErrInsufficientStake
	}

	if m.pendingUndelegations[id] == nil {
		m.pendingUndelegations[id] = make(map[ids.ValidatorID]uint64)
	}
	m.pendingUndelegations[id][delegator] += amount
	return nil
}

// applyPendingUndelegationsLocked drains queued undelegations for id,
// removing them from the delegation list oldest-first and subtracting
// from DelegatedStake. Called only from UpdateActiveSet, under m.mu.
func (m *manager) applyPendingUndelegationsLocked(id ids.ValidatorID) {
	pending := m.pendingUndelegations[id]
	if len(pending) == 0 {
		return
	}
	v := m.records[id]
	delegations := m.delegations[id]

	for delegator, amount := range pending {
		remaining := amount
		kept := delegations[:0]
		for _, d := range delegations {
			if d.DelegatorID != delegator || remaining == 0 {
				kept = append(kept, d)
				continue
			}
			if d.Amount <= remaining {
				remaining -= d.Amount
				continue
			}
			d.Amount -= remaining
			remaining = 0
			kept = append(kept, d)
		}
		delegations = kept
		applied := amount - remaining
		if v != nil {
			v.DelegatedStake, _ = safemath.Sub64(v.DelegatedStake, safemath.Min64(applied, v.DelegatedStake))
		}
	}
	m.delegations[id] = delegations
	delete(m.pendingUndelegations, id)
}

// Slash penalizes validator id for reason at height: the amount is a
// reason-parameterized basis-point fraction of total stake (capped by
// total stake), deducted from self-stake first, appended as a
// SlashingRecord, and the validator is jailed until
// at_height+jail_duration. Reputation decays by the configured factor.
// Stake and jail state mutate together under a single lock section
// (§5 atomicity requirement).
func (m *manager) Slash(id ids.ValidatorID, reason SlashReason, atHeight uint64, now time.Time) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.records[id]
	if !ok {
		return 0, ErrNotFound
	}

	total := v.TotalStake()
	bps := m.cfg.SlashBasisPoints[reason]
	amount := safemath.Min64((total*bps)/10000, total)

	fromSelf := safemath.Min64(amount, v.SelfStake)
	v.SelfStake, _ = safemath.Sub64(v.SelfStake, fromSelf)
	fromDelegated := safemath.Min64(amount-fromSelf, v.DelegatedStake)
	v.DelegatedStake, _ = safemath.Sub64(v.DelegatedStake, fromDelegated)

	v.SlashHistory = append(v.SlashHistory, SlashingRecord{
		ValidatorID: id,
		Height:      atHeight,
		Reason:      reason,
		Amount:      amount,
		Timestamp:   now,
	})

	v.Jailed = true
	v.JailReleaseHeight = atHeight + m.cfg.JailDurationBlocks
	v.Reputation *= m.cfg.ReputationDecay

	return amount, nil
}

// Unjail releases id from jail, failing with ErrStillJailed unless
// atHeight has reached the jail-release height (§4.3).
func (m *manager) Unjail(id ids.ValidatorID, atHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if !v.Jailed {
		return nil
	}
	if atHeight < v.JailReleaseHeight {
		return ErrStillJailed
	}
	v.Jailed = false
	return nil
}

// ReleaseExpiredJails unjails every validator whose jail-release height
// has been reached at atHeight, for the engine's background prune
// cadence (§4.5).
func (m *manager) ReleaseExpiredJails(atHeight uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.records {
		if v.Jailed && atHeight >= v.JailReleaseHeight {
			v.Jailed = false
		}
	}
}

// RecordBlockParticipation increments uptime counters and updates the
// reputation EMA: rep ← 0.9·rep + 0.1·uptime_ratio (§4.3).
func (m *manager) RecordBlockParticipation(id ids.ValidatorID, participated bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	v.TotalBlocks++
	if participated {
		v.ParticipatedBlocks++
	}
	ratio := float64(v.ParticipatedBlocks) / float64(v.TotalBlocks)
	v.Reputation = 0.9*v.Reputation + 0.1*ratio
	if v.Reputation > 1 {
		v.Reputation = 1
	}
	if v.Reputation < 0 {
		v.Reputation = 0
	}
	return nil
}

// UpdateActiveSet recomputes the active set if height is an epoch
// boundary (height mod epoch_length == 0), selecting up to
// max_validators eligible validators by (total stake desc, reputation
// desc) (§4.3). It is a no-op off the epoch boundary.
func (m *manager) UpdateActiveSet(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.EpochLength == 0 || height%m.cfg.EpochLength != 0 {
		return
	}

	for id := range m.pendingUndelegations {
		m.applyPendingUndelegationsLocked(id)
	}

	prev := set.Of(m.activeSet...)

	eligible := make([]ids.ValidatorID, 0, len(m.records))
	for id, v := range m.records {
		if v.Eligible(m.cfg.MinStake) {
			eligible = append(eligible, id)
		}
	}
	sortActive(m.records, eligible)
	if len(eligible) > m.cfg.MaxValidators {
		eligible = eligible[:m.cfg.MaxValidators]
	}
	m.activeSet = eligible

	next := set.Of(eligible...)
	for _, id := range eligible {
		if !prev.Contains(id) {
			m.notifyAdded(id)
		}
	}
	for id := range prev {
		if !next.Contains(id) {
			m.notifyRemoved(id)
		}
	}
}

func (m *manager) notifyAdded(id ids.ValidatorID) {
	stake := m.records[id].TotalStake()
	for _, l := range m.listeners {
		l.OnValidatorAdded(id, stake)
	}
}

func (m *manager) notifyRemoved(id ids.ValidatorID) {
	stake := uint64(0)
	if v, ok := m.records[id]; ok {
		stake = v.TotalStake()
	}
	for _, l := range m.listeners {
		l.OnValidatorRemoved(id, stake)
	}
}

// RegisterSetCallbackListener subscribes l to active-set membership
// changes.
func (m *manager) RegisterSetCallbackListener(l SetCallbackListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// ActiveSet returns a copy of the current ordered active set.
func (m *manager) ActiveSet() []ids.ValidatorID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ids.ValidatorID, len(m.activeSet))
	copy(out, m.activeSet)
	return out
}

// TotalActiveStake returns Σ stake over the current active set.
func (m *manager) TotalActiveStake() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, id := range m.activeSet {
		total += m.records[id].TotalStake()
	}
	return total
}

// FaultTolerance returns f = floor((|active set| - 1) / 3).
func (m *manager) FaultTolerance() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.activeSet)
	if n == 0 {
		return 0
	}
	return (n - 1) / 3
}

// SelectLeader computes α = encode(height) ∥ encode(round), runs the
// VRF under sk, and applies Follow-the-Satoshi over the active set
// weighted by total stake: the first 8 bytes of the VRF output are
// mapped to a target in [0, Σstake), and the validator whose
// cumulative-stake interval contains that target is the leader. Ties
// (zero total stake) fall back to active-set order (§4.3).
func SelectLeader(active []ids.ValidatorID, stakes map[ids.ValidatorID]uint64, sk vrf.SecretKey, height, round uint64) (ids.ValidatorID, []byte, error) {
	var zero ids.ValidatorID
	if len(active) == 0 {
		return zero, nil, ErrNotFound
	}

	alpha := make([]byte, 16)
	binary.BigEndian.PutUint64(alpha[:8], height)
	binary.BigEndian.PutUint64(alpha[8:], round)

	proof, output := vrf.Prove(sk, alpha)

	var total uint64
	for _, id := range active {
		total += stakes[id]
	}
	if total == 0 {
		return active[0], proof, nil
	}

	target := binary.BigEndian.Uint64(output[:8]) % total
	var cum uint64
	for _, id := range active {
		cum += stakes[id]
		if target < cum {
			return id, proof, nil
		}
	}
	return active[len(active)-1], proof, nil
}

// VerifyLeader checks that claimedLeader's VRF proof over (height,
// round) is valid under its VRF public key and selects claimedLeader
// via Follow-the-Satoshi, so a receiver can confirm leader identity
// without holding any secret key (§4.3, §4.4).
func VerifyLeader(active []ids.ValidatorID, stakes map[ids.ValidatorID]uint64, pk vrf.PublicKey, proof []byte, height, round uint64, claimedLeader ids.ValidatorID) bool {
	alpha := make([]byte, 16)
	binary.BigEndian.PutUint64(alpha[:8], height)
	binary.BigEndian.PutUint64(alpha[8:], round)

	output, ok := vrf.Verify(pk, alpha, proof)
	if !ok {
		return false
	}

	var total uint64
	for _, id := range active {
		total += stakes[id]
	}
	if total == 0 {
		return len(active) > 0 && active[0] == claimedLeader
	}

	target := binary.BigEndian.Uint64(output[:8]) % total
	var cum uint64
	for _, id := range active {
		cum += stakes[id]
		if target < cum {
			return id == claimedLeader
		}
	}
	return len(active) > 0 && active[len(active)-1] == claimedLeader
}

// Stakes returns a snapshot id→total-stake map for the given ids,
// suitable for passing to SelectLeader/VerifyLeader.
func (m *manager) Stakes(idsList []ids.ValidatorID) map[ids.ValidatorID]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[ids.ValidatorID]uint64, len(idsList))
	for _, id := range idsList {
		if v, ok := m.records[id]; ok {
			out[id] = v.TotalStake()
		}
	}
	return out
}
