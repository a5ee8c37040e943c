// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validators

import (
	"time"

	"github.com/luxfi/swarmbft/ids"
)

// Manager is the C3 validator-manager contract consumed by the engine
// (C5): registration, stake/delegation mutation, slashing/jailing,
// reputation, epoch-driven active-set recomputation, and the data the
// engine needs for leader selection and quorum math. The manager never
// holds a reference back to the engine (§9): height is always passed
// in explicitly, breaking the cyclic dependency the teacher's
// validators/engine split otherwise implies.
type Manager interface {
	Register(v *Validator) error
	Get(id ids.ValidatorID) (*Validator, error)
	UpdateStake(id ids.ValidatorID, selfStake uint64) error
	Delegate(id, delegator ids.ValidatorID, amount uint64, now time.Time) error
	Undelegate(id, delegator ids.ValidatorID, amount uint64) error
	Slash(id ids.ValidatorID, reason SlashReason, atHeight uint64, now time.Time) (uint64, error)
	Unjail(id ids.ValidatorID, atHeight uint64) error
	ReleaseExpiredJails(atHeight uint64)
	RecordBlockParticipation(id ids.ValidatorID, participated bool) error
	UpdateActiveSet(height uint64)
	RegisterSetCallbackListener(l SetCallbackListener)

	ActiveSet() []ids.ValidatorID
	TotalActiveStake() uint64
	FaultTolerance() int
	Stakes(ids []ids.ValidatorID) map[ids.ValidatorID]uint64
}

var _ Manager = (*manager)(nil)
