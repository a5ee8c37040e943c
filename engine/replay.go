// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"github.com/luxfi/swarmbft/ids"
	"github.com/luxfi/swarmbft/phase"
	"github.com/luxfi/swarmbft/recovery"
)

// replay reconstructs phase-aggregator and checkpoint state from the
// recovery log on startup (§4.6). It does not re-verify signatures —
// everything it replays was already verified once before being
// persisted — and it re-derives current_height advancement from the
// loaded commit quorums rather than trusting a separately stored value.
func (e *Engine) replay() error {
	active := e.validators.ActiveSet()

	return e.recovery.Replay(func(rec recovery.Record) error {
		switch rec.Kind {
		case recovery.KindPrepare:
			ps := e.phases.GetOrCreate(rec.Height, rec.Round, active, e.clock.Now())
			_, _ = ps.AddPrepare(rec.ValidatorID, replayDigest(ps), rec.Signature)

		case recovery.KindCommit:
			ps := e.phases.GetOrCreate(rec.Height, rec.Round, active, e.clock.Now())
			result, err := ps.AddCommit(rec.ValidatorID, replayDigest(ps), rec.Signature)
			if err == nil && result == phase.Added && ps.HasQuorum(phase.Commit) && !ps.IsFinalized() {
				e.finalizeFromReplay(rec.Height, ps)
			}

		case recovery.KindCheckpoint:
			e.checkpointsMu.Lock()
			e.checkpoints[rec.Height] = &Checkpoint{
				Height:             rec.Height,
				StateRoot:          rec.StateRoot,
				AggregateCommitSig: rec.AggregateCommitSig,
				SignerBitmap:       rec.SignerBitmap,
				Timestamp:          rec.Timestamp,
			}
			e.checkpointsMu.Unlock()

		case recovery.KindSlash:
			// Slashing state lives in the validator manager, which is
			// expected to persist and restore itself independently;
			// replaying it here would double-apply the penalty.
		}
		return nil
	})
}

// finalizeFromReplay mirrors finalize's bookkeeping without re-running
// signature aggregation: the stored commit signatures were already
// aggregated and verified once, at original commit time.
func (e *Engine) finalizeFromReplay(height uint64, ps *phase.PhaseState) {
	ps.Finalize()
	e.stateMu.Lock()
	if digest, ok := ps.PrePrepareSeen(); ok {
		e.finalizedHeights[height] = digest
	}
	if height == e.currentHeight+1 {
		e.currentHeight = height
		e.currentRound = 0
	}
	e.stateMu.Unlock()
}

// replayDigest returns the digest ps's pre-prepare recorded, or the
// zero digest if none is recorded. Pre-prepares are not stored in the
// recovery log, so during replay every prepare/commit record is keyed
// on the zero digest; those votes share the placeholder, count toward
// quorum together, and a replayed commit quorum finalizes the height.
func replayDigest(ps *phase.PhaseState) ids.Digest {
	d, ok := ps.PrePrepareSeen()
	if !ok {
		return ids.Empty
	}
	return d
}
