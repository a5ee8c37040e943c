// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package validators implements the validator manager (C3): stake and
// delegation accounting, slashing and jailing, reputation maintenance,
// epoch-driven active-set recomputation, and VRF-based stake-weighted
// leader selection. Grounded on the teacher's validators package (a
// manager struct behind a map, a Set abstraction, and callback
// listeners for set-membership changes), generalized from the
// light/weight staking model to the full stake+delegation+jail+
// reputation record of §3.
package validators

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/swarmbft/crypto/vrf"
	"github.com/luxfi/swarmbft/ids"
)

var (
	ErrStakeBelowMin = errors.New("validators: self-stake below minimum")
	ErrAlreadyExists = errors.New("validators: validator already registered")
	ErrNotFound      = errors.New("validators: validator not found")
	ErrStillJailed   = errors.New("validators: validator is still jailed")
	ErrInsufficientStake = errors.New("validators: insufficient stake to undelegate")
)

// SlashReason classifies why a slash was applied; each maps to a
// configured basis-point penalty (§3, §4.3).
type SlashReason int

const (
	DoubleSign SlashReason = iota
	Unavailability
	InvalidProposal
	Byzantine
)

func (r SlashReason) String() string {
	switch r {
	case DoubleSign:
		return "double_sign"
	case Unavailability:
		return "unavailability"
	case InvalidProposal:
		return "invalid_proposal"
	case Byzantine:
		return "byzantine"
	default:
		return "unknown"
	}
}

// SlashingRecord is an append-only entry in a validator's slashing
// history.
type SlashingRecord struct {
	ValidatorID ids.ValidatorID
	Height      uint64
	Reason      SlashReason
	Amount      uint64
	Timestamp   time.Time
}

// Delegation is {delegator-id, validator-id, amount, timestamp}. The
// sum of a validator's delegations always equals its DelegatedStake
// field (§3 invariant).
type Delegation struct {
	DelegatorID ids.ValidatorID
	ValidatorID ids.ValidatorID
	Amount      uint64
	Timestamp   time.Time
}

// Validator is the full validator record of §3: identity, keys, stake,
// jail state, reputation, uptime counters, and slashing history.
type Validator struct {
	ID ids.ValidatorID

	SigningPublicKey []byte // BLS public key, compressed
	VRFPublicKey     vrf.PublicKey

	SelfStake      uint64
	DelegatedStake uint64
	Commission     float64 // in [0, 1]

	Jailed           bool
	JailReleaseHeight uint64

	Reputation float64 // EMA in [0, 1]

	ParticipatedBlocks uint64
	TotalBlocks        uint64

	SlashHistory []SlashingRecord
}

// TotalStake is self-stake plus delegated stake.
func (v *Validator) TotalStake() uint64 {
	return v.SelfStake + v.DelegatedStake
}

// Eligible reports whether v may sit in the active set: not jailed, and
// total stake at least minStake.
func (v *Validator) Eligible(minStake uint64) bool {
	return !v.Jailed && v.TotalStake() >= minStake
}

// Config parameterizes the manager (§6: validator_set_size,
// max_validators, epoch_length, min_stake, jail_duration_blocks,
// slash ratios, reputation decay).
type Config struct {
	MaxValidators      int
	MinStake           uint64
	EpochLength        uint64
	JailDurationBlocks uint64
	ReputationDecay    float64 // applied on slash, default 0.5

	// SlashBasisPoints maps a reason to a basis-point (1/10000) penalty
	// of total stake, capped by total stake.
	SlashBasisPoints map[SlashReason]uint64
}

// DefaultConfig matches the defaults named in §6/§8.
func DefaultConfig() Config {
	return Config{
		MaxValidators:      100,
		MinStake:           1,
		EpochLength:        100,
		JailDurationBlocks: 200,
		ReputationDecay:    0.5,
		SlashBasisPoints: map[SlashReason]uint64{
			DoubleSign:      5000,
			Unavailability:  500,
			InvalidProposal: 1000,
			Byzantine:       5000,
		},
	}
}

// SetCallbackListener observes active-set membership changes, mirroring
// the teacher's validators.SetCallbackListener contract.
type SetCallbackListener interface {
	OnValidatorAdded(id ids.ValidatorID, totalStake uint64)
	OnValidatorRemoved(id ids.ValidatorID, totalStake uint64)
}

// manager is the concrete Manager implementation. All validator
// records, the stake index, and the active set sit behind a single
// RWMutex per §5: reads (leader lookup, quorum math) vastly outnumber
// writes (register/slash/epoch rotation), and slashing must mutate
// stake and jail state atomically in one guarded section.
type manager struct {
	mu sync.RWMutex

	cfg Config

	records     map[ids.ValidatorID]*Validator
	delegations map[ids.ValidatorID][]Delegation

	// pendingUndelegations holds, per validator, the per-delegator
	// amount queued by Undelegate but not yet applied. It is drained by
	// UpdateActiveSet at the next epoch boundary, so a delegator cannot
	// shift leader-election weight mid-epoch by undelegating and
	// re-delegating (§9 Open Question).
	pendingUndelegations map[ids.ValidatorID]map[ids.ValidatorID]uint64

	activeSet []ids.ValidatorID // ordered per §3, refreshed at epoch boundaries

	listeners []SetCallbackListener
}

// NewManager constructs an empty validator manager.
func NewManager(cfg Config) *manager {
	return &manager{
		cfg:                  cfg,
		records:              make(map[ids.ValidatorID]*Validator),
		delegations:          make(map[ids.ValidatorID][]Delegation),
		pendingUndelegations: make(map[ids.ValidatorID]map[ids.ValidatorID]uint64),
	}
}

func cloneValidator(v *Validator) *Validator {
	cp := *v
	cp.SlashHistory = append([]SlashingRecord(nil), v.SlashHistory...)
	return &cp
}

// sortActive orders ids by (total stake desc, reputation desc), the
// active-set tiebreak of §3.
func sortActive(records map[ids.ValidatorID]*Validator, ids_ []ids.ValidatorID) {
	sort.Slice(ids_, func(i, j int) bool {
		vi, vj := records[ids_[i]], records[ids_[j]]
		si, sj := vi.TotalStake(), vj.TotalStake()
		if si != sj {
			return si > sj
		}
		return vi.Reputation > vj.Reputation
	})
}
