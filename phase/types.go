// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package phase implements the vote aggregator (C4): per-(height,round)
// prepare/commit vote sets with duplicate and equivocation detection,
// and quorum evaluation. Grounded on the teacher's (removed) poll
// package — a map[requestID]Poll holding per-node vote maps with
// early-termination threshold checks — generalized here from a single
// round of early-terminating sampling votes to the two-phase
// prepare/commit bookkeeping of §3/§4.4, with a bitset membership
// sketch (bits-and-blooms/bitset) as a fast pre-check before the
// authoritative map lookup.
package phase

import (
	"errors"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/luxfi/swarmbft/ids"
)

// VoteKind distinguishes the prepare and commit vote sets.
type VoteKind int

const (
	Prepare VoteKind = iota
	Commit
)

// VoteResult is the outcome of adding a vote to a PhaseState.
type VoteResult int

const (
	// Added means the vote was recorded for the first time.
	Added VoteResult = iota
	// Duplicate means this validator already voted this digest in this
	// phase.
	Duplicate
	// Conflict means this validator previously voted a *different*
	// digest in this phase — Byzantine evidence (§3, §4.4).
	Conflict
)

var (
	ErrUnknownValidator = errors.New("phase: validator not in active-set index")
	ErrAlreadyFinalized = errors.New("phase: phase state already finalized")
)

// vote is one recorded (digest, signature) pair for a validator.
type vote struct {
	digest ids.Digest
	sig    []byte
}

// PhaseState is the full per-(height,round) record of §3: the
// pre-prepare flag and digest, the leader-only payload, prepare and
// commit vote sets (each validator appears at most once per set), the
// aggregated signatures once quorum is reached, and the finalized
// flag. Every PhaseState carries its own mutex — per-(height,round)
// locking rather than one global lock over the whole phase map (§5).
type PhaseState struct {
	mu sync.Mutex

	Height uint64
	Round  uint64

	indexOf map[ids.ValidatorID]uint

	preprepareSeen bool
	proposalDigest ids.Digest
	payload        []byte // set only on the leader that originated it

	prepareVotes map[ids.ValidatorID]vote
	commitVotes  map[ids.ValidatorID]vote

	prepareSeen *bitset.BitSet
	commitSeen  *bitset.BitSet

	aggPrepareSig []byte
	aggCommitSig  []byte

	StartedAt time.Time
	Finalized bool
}

// NewPhaseState allocates a PhaseState for (height, round) scoped to
// activeSet — the bitset size and validator→index mapping are fixed
// for the state's lifetime, matching the active set in force when the
// round began.
func NewPhaseState(height, round uint64, activeSet []ids.ValidatorID, startedAt time.Time) *PhaseState {
	idx := make(map[ids.ValidatorID]uint, len(activeSet))
	for i, id := range activeSet {
		idx[id] = uint(i)
	}
	return &PhaseState{
		Height:       height,
		Round:        round,
		indexOf:      idx,
		prepareVotes: make(map[ids.ValidatorID]vote),
		commitVotes:  make(map[ids.ValidatorID]vote),
		prepareSeen:  bitset.New(uint(len(activeSet))),
		commitSeen:   bitset.New(uint(len(activeSet))),
		StartedAt:    startedAt,
	}
}

// RecordPrePrepare records the leader's proposal. Only the first call
// takes effect; a differing digest on a later call is reported so the
// caller can treat it as leader equivocation.
func (p *PhaseState) RecordPrePrepare(digest ids.Digest, payload []byte) (accepted bool, conflict bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.preprepareSeen {
		p.preprepareSeen = true
		p.proposalDigest = digest
		p.payload = payload
		return true, false
	}
	if p.proposalDigest != digest {
		return false, true
	}
	return false, false
}

// PrePrepareSeen reports whether a PrePrepare has been recorded, and
// its digest.
func (p *PhaseState) PrePrepareSeen() (ids.Digest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proposalDigest, p.preprepareSeen
}

// Payload returns the leader-originated payload, if this node is the
// one that produced the PrePrepare (or has since stored it).
func (p *PhaseState) Payload() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payload
}

// AddPrepare adds validator's prepare vote for digest. See AddCommit
// for the shared semantics.
func (p *PhaseState) AddPrepare(validator ids.ValidatorID, digest ids.Digest, sig []byte) (VoteResult, error) {
	return p.add(Prepare, validator, digest, sig)
}

// AddCommit adds validator's commit vote for digest.
func (p *PhaseState) AddCommit(validator ids.ValidatorID, digest ids.Digest, sig []byte) (VoteResult, error) {
	return p.add(Commit, validator, digest, sig)
}

func (p *PhaseState) add(kind VoteKind, validator ids.ValidatorID, digest ids.Digest, sig []byte) (VoteResult, error) {
	idx, ok := p.indexOf[validator]
	if !ok {
		return Duplicate, ErrUnknownValidator
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen, votes := p.setsFor(kind)

	// Bitset membership pre-check: a clear bit proves "never voted this
	// kind" in O(1) without touching the map; a set bit still requires
	// the map lookup below to distinguish Duplicate from Conflict. A
	// validator's vote must also agree with whatever it already voted
	// for the *other* kind at this (height, round): Preparing D1 then
	// Committing D2 is equivocation just as much as two Prepares over
	// different digests (§3, §4.4).
	if !seen.Test(idx) {
		if other, ok := p.otherVote(kind, validator); ok && other.digest != digest {
			return Conflict, nil
		}
		seen.Set(idx)
		votes[validator] = vote{digest: digest, sig: sig}
		return Added, nil
	}

	existing, ok := votes[validator]
	if !ok {
		// Defensive: bitset said seen but map disagrees — should not
		// happen given both are mutated together under the same lock.
		votes[validator] = vote{digest: digest, sig: sig}
		return Added, nil
	}
	if existing.digest == digest {
		return Duplicate, nil
	}
	return Conflict, nil
}

func (p *PhaseState) setsFor(kind VoteKind) (*bitset.BitSet, map[ids.ValidatorID]vote) {
	if kind == Prepare {
		return p.prepareSeen, p.prepareVotes
	}
	return p.commitSeen, p.commitVotes
}

// otherVote returns validator's already-recorded vote in the vote set
// opposite kind, if any.
func (p *PhaseState) otherVote(kind VoteKind, validator ids.ValidatorID) (vote, bool) {
	_, votes := p.setsFor(otherKind(kind))
	v, ok := votes[validator]
	return v, ok
}

func otherKind(kind VoteKind) VoteKind {
	if kind == Prepare {
		return Commit
	}
	return Prepare
}

// HasQuorum reports whether the vote set of kind has reached 2f+1,
// where f = floor((|active set| - 1) / 3) over the state's active-set
// size. Conflicting votes are never counted (add() rejects them before
// they reach the map).
func (p *PhaseState) HasQuorum(kind VoteKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.indexOf)
	f := 0
	if n > 0 {
		f = (n - 1) / 3
	}
	quorum := 2*f + 1

	_, votes := p.setsFor(kind)
	// Quorum requires agreement on a single digest, not merely a count
	// of votes — tally per digest.
	tally := make(map[ids.Digest]int)
	for _, v := range votes {
		tally[v.digest]++
	}
	for _, count := range tally {
		if count >= quorum {
			return true
		}
	}
	return false
}

// QuorumDigest returns the digest that reached quorum for kind, if
// any.
func (p *PhaseState) QuorumDigest(kind VoteKind) (ids.Digest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.indexOf)
	f := 0
	if n > 0 {
		f = (n - 1) / 3
	}
	quorum := 2*f + 1

	_, votes := p.setsFor(kind)
	tally := make(map[ids.Digest]int)
	for _, v := range votes {
		tally[v.digest]++
	}
	for digest, count := range tally {
		if count >= quorum {
			return digest, true
		}
	}
	return ids.Empty, false
}

// VoteCount returns the number of distinct validators who voted kind,
// regardless of which digest.
func (p *PhaseState) VoteCount(kind VoteKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, votes := p.setsFor(kind)
	return len(votes)
}

// SetAggregatedSignature stores the BLS aggregate for kind once quorum
// is reached, for inclusion in the finalize record / checkpoint.
func (p *PhaseState) SetAggregatedSignature(kind VoteKind, sig []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == Prepare {
		p.aggPrepareSig = sig
	} else {
		p.aggCommitSig = sig
	}
}

// AggregatedSignature returns the stored aggregate for kind, if any.
func (p *PhaseState) AggregatedSignature(kind VoteKind) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == Prepare {
		return p.aggPrepareSig
	}
	return p.aggCommitSig
}

// Finalize marks the phase state finalized; idempotent.
func (p *PhaseState) Finalize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Finalized = true
}

// IsFinalized reports the finalized flag.
func (p *PhaseState) IsFinalized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Finalized
}

// Signatures returns the raw per-validator signatures recorded for
// kind, keyed by validator, for aggregation by the engine.
func (p *PhaseState) Signatures(kind VoteKind) map[ids.ValidatorID][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, votes := p.setsFor(kind)
	out := make(map[ids.ValidatorID][]byte, len(votes))
	for id, v := range votes {
		out[id] = v.sig
	}
	return out
}
