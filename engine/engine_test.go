// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/swarmbft/adapters"
	swarmcrypto "github.com/luxfi/swarmbft/crypto"
	"github.com/luxfi/swarmbft/crypto/bls"
	"github.com/luxfi/swarmbft/crypto/vrf"
	"github.com/luxfi/swarmbft/ids"
	"github.com/luxfi/swarmbft/log"
	"github.com/luxfi/swarmbft/phase"
	"github.com/luxfi/swarmbft/validators"
)

// fakePeerIO records every broadcast and never actually delivers
// anything — each test wires validators together by calling each
// other's Handle* methods directly, matching the teacher's habit of
// driving its *test packages through direct method calls rather than a
// simulated transport.
type fakePeerIO struct {
	broadcasts [][]byte
}

func (f *fakePeerIO) Broadcast(ctx context.Context, message []byte) error {
	f.broadcasts = append(f.broadcasts, message)
	return nil
}
func (f *fakePeerIO) Send(ctx context.Context, peer ids.ValidatorID, message []byte) error { return nil }
func (f *fakePeerIO) Inbox() <-chan adapters.InboundMessage                                { return nil }

type testNode struct {
	id       ids.ValidatorID
	signSK   bls.SecretKey
	signPK   bls.PublicKey
	vrfSK    vrf.SecretKey
	vrfPK    vrf.PublicKey
	engine   *Engine
	peerIO   *fakePeerIO
}

func mkValidatorID(b byte) ids.ValidatorID {
	var id ids.ValidatorID
	id[0] = b
	return id
}

// setupCluster builds n nodes sharing one validators.Manager, each with
// its own Engine, equal stake, and an active set recomputed immediately
// (epoch_length=1 so height 0 already activates everyone).
func setupCluster(t *testing.T, n int, cfgFn func(*Config)) ([]*testNode, *adapters.FakeClock, validators.Manager) {
	t.Helper()
	clock := adapters.NewFakeClock(time.Unix(0, 0))
	vcfg := validators.DefaultConfig()
	vcfg.EpochLength = 1
	vmgr := validators.NewManager(vcfg)

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		master := make([]byte, 32)
		master[0] = byte(i + 1)
		blsSeed, vrfSeed, err := swarmcrypto.DeriveIdentitySeeds(master)
		require.NoError(t, err)
		signSK, signPK, err := bls.KeyGen(blsSeed[:])
		require.NoError(t, err)
		vrfSK, vrfPK, err := vrf.KeyGen(vrfSeed[:])
		require.NoError(t, err)
		id := mkValidatorID(byte(i + 1))

		require.NoError(t, vmgr.Register(&validators.Validator{
			ID:               id,
			SigningPublicKey: signPK,
			VRFPublicKey:     vrfPK,
			SelfStake:        100,
		}))
		nodes[i] = &testNode{id: id, signSK: signSK, signPK: signPK, vrfSK: vrfSK, vrfPK: vrfPK}
	}
	vmgr.UpdateActiveSet(0)

	cfg := DefaultConfig()
	cfg.ViewChangeEnabled = false
	cfg.CheckpointInterval = 0
	if cfgFn != nil {
		cfgFn(&cfg)
	}

	for i, node := range nodes {
		node.peerIO = &fakePeerIO{}
		node.engine = New(cfg, Identity{ID: node.id, SigningKey: node.signSK, VRFKey: node.vrfSK}, vmgr, node.peerIO, clock, adapters.NoopTelemetry{}, nil, log.NewNoOpLogger())
		_ = i
	}
	return nodes, clock, vmgr
}

// findProposableHeight scans heights starting at 1 for one at which some
// node in nodes self-selects as leader for round 0 under SelectLeader's
// self-referential VRF sortition (the same check proposeBatch performs).
// Equal stakes give no single height a guaranteed leader among a fixed
// node set, so callers that want to drive a real Engine.Propose search
// for a height rather than assuming height 1 works.
func findProposableHeight(t *testing.T, nodes []*testNode, active []ids.ValidatorID, stakes map[ids.ValidatorID]uint64) uint64 {
	t.Helper()
	for h := uint64(1); h < 256; h++ {
		for _, n := range nodes {
			leader, _, err := validators.SelectLeader(active, stakes, n.vrfSK, h, 0)
			if err == nil && leader == n.id {
				return h
			}
		}
	}
	t.Fatal("no proposable height found in range [1, 256)")
	return 0
}

// advanceToHeight fast-forwards every node's current_height/current_round
// so that the next Propose call targets height, without going through
// finalize for the skipped heights.
func advanceToHeight(nodes []*testNode, height uint64) {
	for _, n := range nodes {
		n.engine.stateMu.Lock()
		n.engine.currentHeight = height - 1
		n.engine.currentRound = 0
		n.engine.stateMu.Unlock()
	}
}

// TestHappyPathFinalization mirrors the concrete scenario: active set
// size 5, equal stakes, leader proposes, all nodes prepare then commit.
func TestHappyPathFinalization(t *testing.T) {
	nodes, clock, vmgr := setupCluster(t, 5, nil)
	active := vmgr.ActiveSet()
	stakes := vmgr.Stakes(active)

	height := findProposableHeight(t, nodes, active, stakes)
	advanceToHeight(nodes, height)

	// The proof must come from the leader's own VRF key: receivers check
	// it against the claimed leader's VRF public key.
	var leader *testNode
	var leaderID ids.ValidatorID
	var proof []byte
	for _, n := range nodes {
		id, p, err := validators.SelectLeader(active, stakes, n.vrfSK, height, 0)
		require.NoError(t, err)
		if id == n.id {
			leader, leaderID, proof = n, id, p
			break
		}
	}
	require.NotNil(t, leader)

	digest := ids.Digest{1, 2, 3}
	sig := bls.Sign(leader.signSK, digest.Bytes())
	preprepare := Message{
		Kind:            KindPrePrepare,
		Height:          height,
		Round:           0,
		Digest:          digest,
		Payload:         []byte("batch-1"),
		LeaderSignature: []byte(sig),
		LeaderVRFProof:  proof,
		ValidatorID:     leaderID,
	}

	ctx := context.Background()
	for _, n := range nodes {
		err := n.engine.HandlePrePrepare(ctx, preprepare, leader.signPK, leader.vrfPK)
		require.NoError(t, err)
	}

	// Deliver every node's own Prepare to every other node.
	for _, sender := range nodes {
		for _, n := range nodes {
			if n == sender {
				continue
			}
			prep := Message{Kind: KindPrepare, Height: height, Round: 0, Digest: digest, ValidatorID: sender.id,
				Signature: []byte(bls.Sign(sender.signSK, digest.Bytes()))}
			_ = n.engine.HandlePrepare(ctx, prep, sender.signPK)
		}
	}
	for _, sender := range nodes {
		for _, n := range nodes {
			if n == sender {
				continue
			}
			commit := Message{Kind: KindCommit, Height: height, Round: 0, Digest: digest, ValidatorID: sender.id,
				Signature: []byte(bls.Sign(sender.signSK, digest.Bytes()))}
			_ = n.engine.HandleCommit(ctx, commit, sender.signPK)
		}
	}

	for _, n := range nodes {
		require.True(t, n.engine.IsFinalized(height), "node %s should have finalized height %d", n.id, height)
		require.Equal(t, height, n.engine.CurrentHeight())
	}
	_ = clock
}

// TestEquivocationSlashesAndJails mirrors the Byzantine equivocation
// scenario: a validator's two Prepares over distinct digests at the
// same (h, r) trigger a slash and a Conflict result.
func TestEquivocationSlashesAndJails(t *testing.T) {
	nodes, _, vmgr := setupCluster(t, 5, nil)
	victim := nodes[0]
	observer := nodes[1]

	d1 := ids.Digest{1}
	d2 := ids.Digest{2}

	observer.engine.phases.GetOrCreate(1, 0, vmgr.ActiveSet(), time.Unix(0, 0))

	m1 := Message{Kind: KindPrepare, Height: 1, Round: 0, Digest: d1, ValidatorID: victim.id,
		Signature: []byte(bls.Sign(victim.signSK, d1.Bytes()))}
	m2 := Message{Kind: KindPrepare, Height: 1, Round: 0, Digest: d2, ValidatorID: victim.id,
		Signature: []byte(bls.Sign(victim.signSK, d2.Bytes()))}

	ctx := context.Background()
	require.NoError(t, observer.engine.HandlePrepare(ctx, m1, victim.signPK))
	err := observer.engine.HandlePrepare(ctx, m2, victim.signPK)
	require.ErrorIs(t, err, ErrConflictingVote)

	v, getErr := vmgr.Get(victim.id)
	require.NoError(t, getErr)
	require.True(t, v.Jailed)
	require.Less(t, v.SelfStake, uint64(100))
}

// TestProposeEndToEndFinalizes exercises Engine.Propose directly rather
// than hand-building the PrePrepare Message (as TestHappyPathFinalization
// does), so a regression that drops ValidatorID from proposeBatch's
// outbound message — which makes every receiver's VerifyLeader call
// reject it — is caught here rather than masked.
func TestProposeEndToEndFinalizes(t *testing.T) {
	nodes, _, vmgr := setupCluster(t, 5, func(cfg *Config) {
		cfg.BatchMaxSize = 1
	})
	active := vmgr.ActiveSet()
	stakes := vmgr.Stakes(active)

	height := findProposableHeight(t, nodes, active, stakes)
	advanceToHeight(nodes, height)

	ctx := context.Background()
	payload := []byte("payload-1")

	var leader *testNode
	for _, n := range nodes {
		err := n.engine.Propose(ctx, payload)
		if err == nil {
			leader = n
			continue
		}
		require.ErrorIs(t, err, ErrNotLeader)
	}
	require.NotNil(t, leader, "exactly one node must self-select as leader at the chosen height, round 0")

	preprepare := leader.engine.lastOutbound()
	require.Equal(t, KindPrePrepare, preprepare.Kind)
	require.Equal(t, leader.id, preprepare.ValidatorID, "proposeBatch must stamp its own ValidatorID on the PrePrepare")

	for _, n := range nodes {
		require.NoError(t, n.engine.HandlePrePrepare(ctx, preprepare, leader.signPK, leader.vrfPK))
	}

	digest := preprepare.Digest
	for _, sender := range nodes {
		for _, n := range nodes {
			if n == sender {
				continue
			}
			prep := Message{Kind: KindPrepare, Height: height, Round: 0, Digest: digest, ValidatorID: sender.id,
				Signature: []byte(bls.Sign(sender.signSK, digest.Bytes()))}
			_ = n.engine.HandlePrepare(ctx, prep, sender.signPK)
		}
	}
	for _, sender := range nodes {
		for _, n := range nodes {
			if n == sender {
				continue
			}
			commit := Message{Kind: KindCommit, Height: height, Round: 0, Digest: digest, ValidatorID: sender.id,
				Signature: []byte(bls.Sign(sender.signSK, digest.Bytes()))}
			_ = n.engine.HandleCommit(ctx, commit, sender.signPK)
		}
	}

	for _, n := range nodes {
		require.True(t, n.engine.IsFinalized(height), "node %s should have finalized height %d", n.id, height)
	}
}

// TestCrossKindEquivocationSlashes mirrors the Byzantine scenario where a
// validator Prepares one digest and then Commits a different one at the
// same (height, round) — equivocation just as much as two conflicting
// votes of the same kind, and must be detected even though each vote is
// the validator's *first* vote of its own kind.
func TestCrossKindEquivocationSlashes(t *testing.T) {
	nodes, _, vmgr := setupCluster(t, 5, nil)
	victim := nodes[0]
	observer := nodes[1]

	d1 := ids.Digest{1}
	d2 := ids.Digest{2}

	observer.engine.phases.GetOrCreate(1, 0, vmgr.ActiveSet(), time.Unix(0, 0))

	prepare := Message{Kind: KindPrepare, Height: 1, Round: 0, Digest: d1, ValidatorID: victim.id,
		Signature: []byte(bls.Sign(victim.signSK, d1.Bytes()))}
	commit := Message{Kind: KindCommit, Height: 1, Round: 0, Digest: d2, ValidatorID: victim.id,
		Signature: []byte(bls.Sign(victim.signSK, d2.Bytes()))}

	ctx := context.Background()
	require.NoError(t, observer.engine.HandlePrepare(ctx, prepare, victim.signPK))
	err := observer.engine.HandleCommit(ctx, commit, victim.signPK)
	require.ErrorIs(t, err, ErrConflictingVote)

	v, getErr := vmgr.Get(victim.id)
	require.NoError(t, getErr)
	require.True(t, v.Jailed)
	require.Less(t, v.SelfStake, uint64(100))
}

// TestVerifyCheckpointAcceptsLegitimateCheckpoint drives a cluster to
// finalize height 1 with checkpointing on every height, then confirms
// VerifyCheckpoint accepts the checkpoint the engine actually wrote —
// i.e. that it verifies the aggregate commit signature against the
// same message (the finalized proposal digest) the commit votes
// actually signed, not a separately domain-hashed checkpoint digest.
func TestVerifyCheckpointAcceptsLegitimateCheckpoint(t *testing.T) {
	nodes, _, vmgr := setupCluster(t, 5, func(cfg *Config) {
		cfg.CheckpointInterval = 1
		cfg.BatchMaxSize = 1
	})
	active := vmgr.ActiveSet()
	stakes := vmgr.Stakes(active)

	height := findProposableHeight(t, nodes, active, stakes)
	advanceToHeight(nodes, height)

	ctx := context.Background()
	var leader *testNode
	for _, n := range nodes {
		err := n.engine.Propose(ctx, []byte("checkpoint-payload"))
		if err == nil {
			leader = n
			continue
		}
		require.ErrorIs(t, err, ErrNotLeader)
	}
	require.NotNil(t, leader)

	preprepare := leader.engine.lastOutbound()
	digest := preprepare.Digest

	for _, n := range nodes {
		require.NoError(t, n.engine.HandlePrePrepare(ctx, preprepare, leader.signPK, leader.vrfPK))
	}
	for _, sender := range nodes {
		for _, n := range nodes {
			if n == sender {
				continue
			}
			prep := Message{Kind: KindPrepare, Height: height, Round: 0, Digest: digest, ValidatorID: sender.id,
				Signature: []byte(bls.Sign(sender.signSK, digest.Bytes()))}
			_ = n.engine.HandlePrepare(ctx, prep, sender.signPK)
		}
	}
	for _, sender := range nodes {
		for _, n := range nodes {
			if n == sender {
				continue
			}
			commit := Message{Kind: KindCommit, Height: height, Round: 0, Digest: digest, ValidatorID: sender.id,
				Signature: []byte(bls.Sign(sender.signSK, digest.Bytes()))}
			_ = n.engine.HandleCommit(ctx, commit, sender.signPK)
		}
	}

	for _, n := range nodes {
		require.True(t, n.engine.IsFinalized(height))
		cp, ok := n.engine.Checkpoint(height)
		require.True(t, ok, "node %s should have written a checkpoint at height %d", n.id, height)
		require.True(t, VerifyCheckpoint(cp, active, vmgr),
			"VerifyCheckpoint must accept a checkpoint whose aggregate signature was produced by real commit votes")
	}
}

// TestFastPathAckRecordsSelfCommit exercises §4.5's fast path: a
// verified health claim piggybacked on PrePrepare should let a receiver
// record both a self-Prepare and a self-Commit immediately, rather than
// behaving identically to the slow path (which only records a
// self-Prepare and waits for a separate Prepare quorum).
func TestFastPathAckRecordsSelfCommit(t *testing.T) {
	nodes, _, vmgr := setupCluster(t, 5, func(cfg *Config) {
		cfg.FastPathEnabled = true
		cfg.BatchMaxSize = 1
	})
	active := vmgr.ActiveSet()
	stakes := vmgr.Stakes(active)

	height := findProposableHeight(t, nodes, active, stakes)
	advanceToHeight(nodes, height)

	for _, n := range nodes {
		n.engine.RecordRTT(5 * time.Millisecond)
	}

	ctx := context.Background()
	var leader *testNode
	for _, n := range nodes {
		err := n.engine.Propose(ctx, []byte("fast-path-payload"))
		if err == nil {
			leader = n
			continue
		}
		require.ErrorIs(t, err, ErrNotLeader)
	}
	require.NotNil(t, leader)

	preprepare := leader.engine.lastOutbound()
	require.NotNil(t, preprepare.HealthClaim, "a healthy leader with FastPathEnabled should attach a HealthClaim")

	for _, n := range nodes {
		require.NoError(t, n.engine.HandlePrePrepare(ctx, preprepare, leader.signPK, leader.vrfPK))

		ps, ok := n.engine.phases.Get(height, 0)
		require.True(t, ok)
		require.Equal(t, 1, ps.VoteCount(phase.Prepare), "fast path must record a self-Prepare")
		require.Equal(t, 1, ps.VoteCount(phase.Commit), "fast path must record a self-Commit from the ack alone")

		history := n.engine.FastPathHistory()
		require.NotEmpty(t, history)
		require.True(t, history[len(history)-1].Used)
	}
}

func TestBatchAggregatorClosesOnSize(t *testing.T) {
	clock := adapters.NewFakeClock(time.Unix(0, 0))
	b := newBatchAggregator(2, time.Hour, clock)

	batch, ready := b.Add([]byte("a"))
	require.False(t, ready)
	require.Nil(t, batch)

	batch, ready = b.Add([]byte("b"))
	require.True(t, ready)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, batch)
}

func TestBatchAggregatorClosesOnAge(t *testing.T) {
	clock := adapters.NewFakeClock(time.Unix(0, 0))
	b := newBatchAggregator(100, 10*time.Millisecond, clock)

	_, ready := b.Add([]byte("a"))
	require.False(t, ready)

	clock.Advance(20 * time.Millisecond)
	batch, ready := b.Add([]byte("b"))
	require.True(t, ready)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, batch)
}
