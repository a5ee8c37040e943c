// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/luxfi/swarmbft/ids"
	"github.com/luxfi/swarmbft/phase"

	"github.com/montanaflynn/stats"
)

// FastPathRecord audits one fast-path decision for height/round: used
// or not, why, and how long quorum took (§4.5: "every fast-path
// attempt is recorded... for auditing").
type FastPathRecord struct {
	Height     uint64
	Round      uint64
	Used       bool
	Reason     string
	QuorumTime time.Duration
}

const rttSampleWindow = 256

// RecordRTT feeds one observed peer round-trip sample into the rolling
// window assessOwnHealth reads from. Callers (the PeerIO integration,
// out of this module's scope) are expected to call this per response.
func (e *Engine) RecordRTT(d time.Duration) {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	e.rttSamples = append(e.rttSamples, float64(d.Milliseconds()))
	if len(e.rttSamples) > rttSampleWindow {
		e.rttSamples = e.rttSamples[len(e.rttSamples)-rttSampleWindow:]
	}
}

func (e *Engine) recordSendOutcome(ok bool) {
	e.sendAttempts.Inc()
	if !ok {
		e.sendFailures.Inc()
	}
}

func (e *Engine) packetLoss() float64 {
	attempts := e.sendAttempts.Get()
	if attempts == 0 {
		return 0
	}
	return float64(e.sendFailures.Get()) / float64(attempts)
}

func (e *Engine) averageRTTMillis() (int64, bool) {
	e.healthMu.Lock()
	samples := append([]float64(nil), e.rttSamples...)
	e.healthMu.Unlock()
	if len(samples) == 0 {
		return 0, false
	}
	mean, err := stats.Mean(stats.Float64Data(samples))
	if err != nil {
		return 0, false
	}
	return int64(mean), true
}

// assessOwnHealth builds this node's own HealthClaim and reports
// whether it clears every configured threshold (§4.5: average RTT,
// packet loss, recent Byzantine faults, leader reputation).
func (e *Engine) assessOwnHealth(leader ids.ValidatorID) (*HealthClaim, bool) {
	avgRTT, haveRTT := e.averageRTTMillis()
	if !haveRTT {
		return nil, false
	}

	rep := 0.0
	if v, err := e.validators.Get(leader); err == nil {
		rep = v.Reputation
	}

	claim := &HealthClaim{
		AverageRTTMillis: avgRTT,
		PacketLoss:       e.packetLoss(),
		RecentByzantine:  e.recentByzantineCount(),
		LeaderReputation: rep,
	}
	return claim, e.healthClaimMeetsThresholds(claim)
}

// healthClaimMeetsThresholds applies the receiver side of the same
// thresholds a claim's own signer already checked, so a receiver never
// trusts a claim that fails its own configured bar even if the leader
// (honestly or not) thought it passed.
func (e *Engine) healthClaimMeetsThresholds(claim *HealthClaim) bool {
	if claim == nil {
		return false
	}
	if time.Duration(claim.AverageRTTMillis)*time.Millisecond > e.cfg.FastPathMaxAvgRTT {
		return false
	}
	if claim.PacketLoss > e.cfg.FastPathMaxPacketLoss {
		return false
	}
	if claim.RecentByzantine > e.cfg.FastPathMaxRecentByzantine {
		return false
	}
	if claim.LeaderReputation < e.cfg.FastPathMinLeaderRep {
		return false
	}
	return true
}

// fastPathAck collapses PrePrepare→Commit: the receiver's own signed
// ack counts as both its Prepare and its Commit vote (§4.5), so commit
// quorum can form from acks alone rather than waiting on a separate
// Prepare round first. Safety is unchanged — finalization still
// requires a 2f+1 commit quorum; only the local three-phase wait is
// skipped.
func (e *Engine) fastPathAck(ctx context.Context, height, round uint64, digest ids.Digest, ps *phase.PhaseState) error {
	if err := e.emitPrepare(ctx, height, round, digest, ps); err != nil {
		return err
	}
	if err := e.emitCommit(ctx, height, round, digest, ps); err != nil {
		return err
	}
	e.recordFastPathAttempt(height, round, true, "health claim verified", e.clock.Now().Sub(ps.StartedAt))
	return nil
}

func (e *Engine) recordFastPathAttempt(height, round uint64, used bool, reason string, quorumTime ...time.Duration) {
	var qt time.Duration
	if len(quorumTime) > 0 {
		qt = quorumTime[0]
	}
	e.fastPathMu.Lock()
	defer e.fastPathMu.Unlock()
	e.fastPathLog = append(e.fastPathLog, FastPathRecord{
		Height:     height,
		Round:      round,
		Used:       used,
		Reason:     reason,
		QuorumTime: qt,
	})
}

// FastPathHistory returns a copy of every recorded fast-path decision,
// for audit tooling.
func (e *Engine) FastPathHistory() []FastPathRecord {
	e.fastPathMu.Lock()
	defer e.fastPathMu.Unlock()
	out := make([]FastPathRecord, len(e.fastPathLog))
	copy(out, e.fastPathLog)
	return out
}

// encodeHealthClaim is the deterministic byte encoding a HealthClaim's
// signature is computed and verified over.
func encodeHealthClaim(c *HealthClaim) []byte {
	b := make([]byte, 0, 32)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(c.AverageRTTMillis))
	b = append(b, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], math.Float64bits(c.PacketLoss))
	b = append(b, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(c.RecentByzantine))
	b = append(b, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], math.Float64bits(c.LeaderReputation))
	b = append(b, u64[:]...)
	return b
}
