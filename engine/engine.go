// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/swarmbft/adapters"
	"github.com/luxfi/swarmbft/crypto/bls"
	"github.com/luxfi/swarmbft/crypto/hash"
	"github.com/luxfi/swarmbft/crypto/vrf"
	"github.com/luxfi/swarmbft/ids"
	"github.com/luxfi/swarmbft/log"
	"github.com/luxfi/swarmbft/phase"
	"github.com/luxfi/swarmbft/recovery"
	"github.com/luxfi/swarmbft/resilience"
	"github.com/luxfi/swarmbft/utils"
	"github.com/luxfi/swarmbft/utils/bag"
	"github.com/luxfi/swarmbft/utils/wrappers"
	"github.com/luxfi/swarmbft/validators"

	"go.uber.org/zap"
)

// Identity bundles the node's own signing material, mirroring how the
// teacher's node construction separates "who am I" from "what do I
// track".
type Identity struct {
	ID         ids.ValidatorID
	SigningKey bls.SecretKey
	VRFKey     vrf.SecretKey
}

// Engine is the consensus engine (C5): it exclusively owns the phase
// and checkpoint maps, drives view-change and checkpoint cadences, and
// consults the validator manager (C3) for leader/quorum decisions.
// Grounded on the teacher's engine.Chain (mutex-guarded maps with
// Start/Stop lifecycle methods), rebuilt around the three-phase
// PBFT progression instead of single-vote sampling acceptance.
type Engine struct {
	cfg Config
	id  Identity

	validators validators.Manager
	phases     *phase.Manager
	peers      adapters.PeerIO
	clock      adapters.Clock
	telemetry  adapters.Telemetry
	recovery   recovery.Log
	logger     log.Logger

	sendBreaker *resilience.Breaker

	// stateMu guards current_height/current_round/current_view and the
	// Byzantine-fault ring buffer — small, frequently-read scalars that
	// don't warrant the phase map's per-(h,r) granularity.
	stateMu          sync.RWMutex
	currentHeight    uint64
	currentRound     uint64
	currentView      uint64
	finalizedHeights map[uint64]ids.Digest

	byzRing  [100]bool
	byzRingI int
	byzCount int
	byzTally bag.Bag[validators.SlashReason]

	checkpointsMu sync.RWMutex
	checkpoints   map[uint64]*Checkpoint

	batch *batchAggregator

	viewChangeTotal utils.AtomicInt
	fastPathLog     []FastPathRecord
	fastPathMu      sync.Mutex

	healthMu     sync.Mutex
	rttSamples   []float64
	sendAttempts utils.AtomicInt
	sendFailures utils.AtomicInt

	outboxMu sync.Mutex
	outbox   Message // last message passed to broadcast, pre-encoding

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Engine. Callers must call Start to begin the
// view-change, checkpoint, and pruning background cadences.
func New(cfg Config, id Identity, vmgr validators.Manager, peers adapters.PeerIO, clock adapters.Clock, telemetry adapters.Telemetry, rec recovery.Log, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	e := &Engine{
		cfg:              cfg,
		id:               id,
		validators:       vmgr,
		phases:           phase.NewManager(),
		peers:            peers,
		clock:            clock,
		telemetry:        telemetry,
		recovery:         rec,
		logger:           logger,
		finalizedHeights: make(map[uint64]ids.Digest),
		checkpoints:      make(map[uint64]*Checkpoint),
		byzTally:         bag.New[validators.SlashReason](),
		stopCh:           make(chan struct{}),
	}
	e.batch = newBatchAggregator(cfg.BatchMaxSize, cfg.BatchMaxAge, clock)
	return e
}

// SetSendBreaker installs the circuit breaker broadcast() consults
// before every peer send. Left unset by New (nil) by default, since
// not every deployment wants outbound sends gated — callers that do
// wire the resilience kit's resilience.Breaker themselves and attach it
// here rather than through New's constructor signature, matching the
// teacher's habit of composing optional resilience pieces onto a
// handler after construction instead of widening its constructor.
func (e *Engine) SetSendBreaker(b *resilience.Breaker) {
	e.sendBreaker = b
}

// Start replays the recovery log, then launches the view-change,
// checkpoint, and prune cadence goroutines.
func (e *Engine) Start(ctx context.Context) error {
	if e.recovery != nil {
		if err := e.replay(); err != nil {
			return fmt.Errorf("engine: replay failed: %w", err)
		}
	}
	e.wg.Add(3)
	go e.viewChangeLoop()
	go e.checkpointLoop()
	go e.pruneLoop()
	return nil
}

// Stop drains background cadence tasks. Per §4.5's shutdown contract,
// it does not flush in-flight peer I/O — the resilience kit's own
// callers are responsible for bounding that.
func (e *Engine) Stop() error {
	close(e.stopCh)
	e.wg.Wait()
	var errs wrappers.Errs
	if e.recovery != nil {
		errs.Add(e.recovery.Close())
	}
	return errs.Err()
}

func (e *Engine) CurrentHeight() uint64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.currentHeight
}

func (e *Engine) CurrentRound() uint64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.currentRound
}

func (e *Engine) CurrentView() uint64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.currentView
}

func (e *Engine) IsFinalized(height uint64) bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	_, ok := e.finalizedHeights[height]
	return ok
}

func (e *Engine) recordByzantine(reason validators.SlashReason) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.byzRing[e.byzRingI] {
		e.byzCount--
	}
	e.byzRing[e.byzRingI] = true
	e.byzCount++
	e.byzRingI = (e.byzRingI + 1) % len(e.byzRing)
	e.byzTally.Add(reason)
}

// ByzantineTally reports how many times each slash reason has fired
// since startup, for the same fast-path/operator-facing audit surface
// FastPathHistory serves.
func (e *Engine) ByzantineTally() map[validators.SlashReason]int {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	out := make(map[validators.SlashReason]int)
	for _, reason := range e.byzTally.List() {
		out[reason] = e.byzTally.Count(reason)
	}
	return out
}

func (e *Engine) advanceRoundWindow() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.byzRing[e.byzRingI] {
		e.byzCount--
	}
	e.byzRing[e.byzRingI] = false
	e.byzRingI = (e.byzRingI + 1) % len(e.byzRing)
}

func (e *Engine) recentByzantineCount() int {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.byzCount
}

// activeSetAndF returns a snapshot of the active set, the per-id stake
// map, and f = floor((|active set|-1)/3).
func (e *Engine) activeSetAndF() ([]ids.ValidatorID, map[ids.ValidatorID]uint64, int) {
	active := e.validators.ActiveSet()
	stakes := e.validators.Stakes(active)
	f := e.validators.FaultTolerance()
	return active, stakes, f
}

// Propose is called by the application layer to submit a new payload
// for inclusion. It is buffered by the batch aggregator and, once a
// batch closes, emitted as a PrePrepare if this node is the elected
// leader for the next (height, round).
func (e *Engine) Propose(ctx context.Context, payload []byte) error {
	batch, ready := e.batch.Add(payload)
	if !ready {
		return nil
	}
	return e.proposeBatch(ctx, batch)
}

func (e *Engine) proposeBatch(ctx context.Context, items [][]byte) error {
	height := e.CurrentHeight() + 1
	round := e.CurrentRound()

	active, stakes, _ := e.activeSetAndF()
	leader, proof, err := validators.SelectLeader(active, stakes, e.id.VRFKey, height, round)
	if err != nil {
		return err
	}
	if leader != e.id.ID {
		return ErrNotLeader
	}

	digest := hash.BatchDigest(height, round, items)
	payload := encodeBatch(items)
	sig := bls.Sign(e.id.SigningKey, digest.Bytes())

	msg := Message{
		Kind:            KindPrePrepare,
		View:            e.CurrentView(),
		Height:          height,
		Round:           round,
		Digest:          digest,
		Payload:         payload,
		LeaderSignature: []byte(sig),
		LeaderVRFProof:  proof,
		ValidatorID:     e.id.ID,
	}

	if e.cfg.FastPathEnabled {
		if claim, healthy := e.assessOwnHealth(leader); healthy {
			claimBytes := encodeHealthClaim(claim)
			msg.HealthClaim = claim
			msg.HealthClaimSignature = []byte(bls.Sign(e.id.SigningKey, claimBytes))
		}
	}
	return e.broadcast(ctx, msg)
}

// HandlePrePrepare processes an inbound PrePrepare. It verifies leader
// identity via C3, records it via C4, and — on success — broadcasts
// its own Prepare.
func (e *Engine) HandlePrePrepare(ctx context.Context, msg Message, senderPK bls.PublicKey, leaderVRFPK vrf.PublicKey) error {
	if err := e.checkViewAndHeight(msg); err != nil {
		return err
	}

	active, stakes, _ := e.activeSetAndF()
	if !validators.VerifyLeader(active, stakes, leaderVRFPK, msg.LeaderVRFProof, msg.Height, msg.Round, msg.ValidatorID) {
		return ErrNotLeader
	}
	if !bls.Verify(senderPK, msg.Digest.Bytes(), bls.Signature(msg.LeaderSignature)) {
		return ErrBadSignature
	}

	ps := e.phases.GetOrCreate(msg.Height, msg.Round, active, e.clock.Now())
	accepted, conflict := ps.RecordPrePrepare(msg.Digest, msg.Payload)
	if conflict {
		e.recordByzantine(validators.InvalidProposal)
		return ErrBadDigest
	}
	if !accepted {
		return nil // already recorded; not an error
	}

	if e.cfg.FastPathEnabled && msg.HealthClaim != nil {
		if bls.Verify(senderPK, encodeHealthClaim(msg.HealthClaim), bls.Signature(msg.HealthClaimSignature)) &&
			e.healthClaimMeetsThresholds(msg.HealthClaim) {
			return e.fastPathAck(ctx, msg.Height, msg.Round, msg.Digest, ps)
		}
	}
	e.recordFastPathAttempt(msg.Height, msg.Round, false, "no verified health claim")
	return e.emitPrepare(ctx, msg.Height, msg.Round, msg.Digest, ps)
}

// emitPrepare records this node's own Prepare vote directly against ps
// (no signature to verify — the signature is produced right here); if
// that completes a prepare quorum it pipelines into a Commit (§4.5: the
// engine does not wait for its own Prepare to be echoed back), and it
// then broadcasts the Prepare.
func (e *Engine) emitPrepare(ctx context.Context, height, round uint64, digest ids.Digest, ps *phase.PhaseState) error {
	sig := bls.Sign(e.id.SigningKey, digest.Bytes())
	msg := Message{
		Kind:        KindPrepare,
		View:        e.CurrentView(),
		Height:      height,
		Round:       round,
		Digest:      digest,
		ValidatorID: e.id.ID,
		Signature:   []byte(sig),
	}

	result, err := ps.AddPrepare(e.id.ID, digest, []byte(sig))
	if err != nil {
		return err
	}
	if result == phase.Added && ps.HasQuorum(phase.Prepare) {
		e.aggregateAndStore(ps, phase.Prepare)
		if err := e.emitCommit(ctx, height, round, digest, ps); err != nil {
			return err
		}
	}
	return e.broadcast(ctx, msg)
}

func (e *Engine) emitCommit(ctx context.Context, height, round uint64, digest ids.Digest, ps *phase.PhaseState) error {
	sig := bls.Sign(e.id.SigningKey, digest.Bytes())
	msg := Message{
		Kind:        KindCommit,
		View:        e.CurrentView(),
		Height:      height,
		Round:       round,
		Digest:      digest,
		ValidatorID: e.id.ID,
		Signature:   []byte(sig),
	}

	result, err := ps.AddCommit(e.id.ID, digest, []byte(sig))
	if err != nil {
		return err
	}
	if result == phase.Added {
		if e.recovery != nil {
			_ = e.recovery.PutCommit(height, round, e.id.ID, []byte(sig))
		}
		if ps.HasQuorum(phase.Commit) && !ps.IsFinalized() {
			e.aggregateAndStore(ps, phase.Commit)
			e.finalize(ctx, height, round, digest, ps)
		}
	}
	return e.broadcast(ctx, msg)
}

// HandlePrepare processes an inbound Prepare from a remote validator.
func (e *Engine) HandlePrepare(ctx context.Context, msg Message, senderPK bls.PublicKey) error {
	if err := e.checkViewAndHeight(msg); err != nil {
		return err
	}
	if !bls.Verify(senderPK, msg.Digest.Bytes(), bls.Signature(msg.Signature)) {
		return ErrBadSignature
	}

	active, _, _ := e.activeSetAndF()
	ps := e.phases.GetOrCreate(msg.Height, msg.Round, active, e.clock.Now())
	result, err := ps.AddPrepare(msg.ValidatorID, msg.Digest, msg.Signature)
	if err != nil {
		return err
	}
	if result == phase.Conflict {
		e.recordByzantine(validators.Byzantine)
		amount, _ := e.validators.Slash(msg.ValidatorID, validators.Byzantine, msg.Height, e.clock.Now())
		if e.recovery != nil {
			_ = e.recovery.PutSlash(msg.Height, msg.ValidatorID, validators.Byzantine, amount, e.clock.Now())
		}
		return ErrConflictingVote
	}
	if result != phase.Added {
		return nil
	}

	if ps.HasQuorum(phase.Prepare) {
		e.aggregateAndStore(ps, phase.Prepare)
		// Pipelined: broadcast our own Commit without waiting for our
		// Prepare to be echoed back (§4.5).
		return e.emitCommit(ctx, msg.Height, msg.Round, msg.Digest, ps)
	}
	return nil
}

// HandleCommit processes an inbound Commit. On reaching quorum, it
// finalizes the phase, advances current_height if this is the next
// expected height, appends to the recovery log, and — on a checkpoint
// boundary — writes a Checkpoint.
func (e *Engine) HandleCommit(ctx context.Context, msg Message, senderPK bls.PublicKey) error {
	if err := e.checkViewAndHeight(msg); err != nil {
		return err
	}
	if senderPK != nil && !bls.Verify(senderPK, msg.Digest.Bytes(), bls.Signature(msg.Signature)) {
		return ErrBadSignature
	}

	active, _, _ := e.activeSetAndF()
	ps := e.phases.GetOrCreate(msg.Height, msg.Round, active, e.clock.Now())
	result, err := ps.AddCommit(msg.ValidatorID, msg.Digest, msg.Signature)
	if err != nil {
		return err
	}
	if result == phase.Conflict {
		e.recordByzantine(validators.Byzantine)
		amount, _ := e.validators.Slash(msg.ValidatorID, validators.Byzantine, msg.Height, e.clock.Now())
		if e.recovery != nil {
			_ = e.recovery.PutSlash(msg.Height, msg.ValidatorID, validators.Byzantine, amount, e.clock.Now())
		}
		return ErrConflictingVote
	}
	if result != phase.Added {
		return nil
	}

	if e.recovery != nil {
		_ = e.recovery.PutCommit(msg.Height, msg.Round, msg.ValidatorID, msg.Signature)
	}

	if !ps.HasQuorum(phase.Commit) || ps.IsFinalized() {
		return nil
	}
	e.aggregateAndStore(ps, phase.Commit)
	e.finalize(ctx, msg.Height, msg.Round, msg.Digest, ps)
	return nil
}

func (e *Engine) aggregateAndStore(ps *phase.PhaseState, kind phase.VoteKind) {
	sigs := ps.Signatures(kind)
	if len(sigs) == 0 {
		return
	}
	raw := make([]bls.Signature, 0, len(sigs))
	for _, s := range sigs {
		if len(s) > 0 {
			raw = append(raw, bls.Signature(s))
		}
	}
	if len(raw) == 0 {
		return
	}
	agg, err := bls.AggregateSigs(raw)
	if err != nil {
		return
	}
	ps.SetAggregatedSignature(kind, []byte(agg))
}

func (e *Engine) finalize(ctx context.Context, height, round uint64, digest ids.Digest, ps *phase.PhaseState) {
	ps.Finalize()

	e.stateMu.Lock()
	e.finalizedHeights[height] = digest
	expected := e.currentHeight + 1
	advanced := height == expected
	if advanced {
		e.currentHeight = height
		e.currentRound = 0
	}
	e.stateMu.Unlock()

	e.advanceRoundWindow()
	if e.telemetry != nil {
		e.telemetry.Counter("swarmbft_finalized_heights_total").Inc()
	}
	e.logger.Info("finalized height", zap.Uint64("height", height), zap.Uint64("round", round))

	if advanced && e.cfg.CheckpointInterval > 0 && height%e.cfg.CheckpointInterval == 0 {
		e.createCheckpoint(ctx, height, ps)
	}
}

// checkViewAndHeight applies the edge policies of §4.5: reject
// out-of-view messages, reject stale (already finalized) heights.
func (e *Engine) checkViewAndHeight(msg Message) error {
	e.stateMu.RLock()
	view := e.currentView
	cur := e.currentHeight
	_, finalized := e.finalizedHeights[msg.Height]
	e.stateMu.RUnlock()

	if msg.View != view {
		return ErrWrongView
	}
	if msg.Height <= cur && msg.Kind != KindViewChange && finalized {
		return ErrStaleHeight
	}
	if msg.Height > cur+1+e.cfg.HeightLookahead {
		return ErrHeightTooFarAhead
	}
	return nil
}

func (e *Engine) broadcast(ctx context.Context, msg Message) error {
	e.outboxMu.Lock()
	e.outbox = msg
	e.outboxMu.Unlock()

	if e.peers == nil {
		return nil
	}
	encoded := encodeMessage(msg)

	if e.sendBreaker != nil && !e.sendBreaker.Allow() {
		return resilience.ErrCircuitOpen
	}
	err := e.peers.Broadcast(ctx, encoded)
	if e.sendBreaker != nil {
		e.sendBreaker.Record(err == nil)
	}
	e.recordSendOutcome(err == nil)
	return err
}

// lastOutbound returns the most recent message passed to broadcast,
// before wire encoding. encodeMessage below is lossy (§6 leaves wire
// format to the implementer), so this is what in-process tests wire
// a real Propose call's output back into a peer's Handle* method with.
func (e *Engine) lastOutbound() Message {
	e.outboxMu.Lock()
	defer e.outboxMu.Unlock()
	return e.outbox
}

// encodeMessage and encodeBatch are minimal delimited encodings
// (colon-separated header fields; NUL-terminated batch items); a
// production wire format is left to the implementer per §6.
func encodeMessage(msg Message) []byte {
	return []byte(fmt.Sprintf("%d:%d:%d:%d:%x", msg.Kind, msg.View, msg.Height, msg.Round, msg.Digest.Bytes()))
}

func encodeBatch(items [][]byte) []byte {
	out := make([]byte, 0)
	for _, item := range items {
		out = append(out, item...)
		out = append(out, 0)
	}
	return out
}
