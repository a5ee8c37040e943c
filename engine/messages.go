// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package engine implements the consensus engine (C5): the PBFT-style
// three-phase state machine wired to the validator manager (C3), the
// phase vote aggregator (C4), the recovery log (C6), and the external
// adapters (C7). Grounded on the teacher's (removed) engine.Chain — a
// mutex-guarded map-of-blocks engine with Add/RecordVote/IsAccepted/
// Start/Stop — generalized from single-vote sampling-consensus
// acceptance to the PrePrepare→Prepare→Commit phase progression, view
// change, checkpointing, and fast path of §4.5.
package engine

import (
	"github.com/luxfi/swarmbft/ids"
)

// Kind distinguishes the four wire message kinds of §6.
type Kind int

const (
	KindPrePrepare Kind = iota
	KindPrepare
	KindCommit
	KindViewChange
)

func (k Kind) String() string {
	switch k {
	case KindPrePrepare:
		return "pre_prepare"
	case KindPrepare:
		return "prepare"
	case KindCommit:
		return "commit"
	case KindViewChange:
		return "view_change"
	default:
		return "unknown"
	}
}

// Message is the tagged envelope every wire message round-trips
// through: {view, height, round, digest} plus role-specific fields
// (§6). A single tagged struct — rather than four distinct wire types
// — sidesteps the Open Question about reconciling "conflicting"
// ViewChange messages: every message, including ViewChange, carries
// the same (view, height, round) header the engine already
// deduplicates and orders on.
type Message struct {
	Kind   Kind
	View   uint64
	Height uint64
	Round  uint64
	Digest ids.Digest

	// PrePrepare-only.
	Payload         []byte
	LeaderSignature []byte
	LeaderVRFProof  []byte

	// Prepare/Commit/ViewChange.
	ValidatorID ids.ValidatorID
	Signature   []byte

	// ViewChange-only.
	NewView uint64

	// HealthClaim, when present on a PrePrepare, is the leader's own
	// signed assessment of network health (§4.5 fast path). A receiver
	// without HealthClaim always falls back to three phases.
	HealthClaim          *HealthClaim
	HealthClaimSignature []byte
}

// HealthClaim is the leader-signed health snapshot piggybacked on a
// PrePrepare so receivers can verify fast-path eligibility rather than
// trusting their own possibly-stale local estimate (§9 Open Question,
// resolved in favor of a signed claim over receiver-only estimates).
type HealthClaim struct {
	AverageRTTMillis int64
	PacketLoss       float64
	RecentByzantine  int
	LeaderReputation float64
}
