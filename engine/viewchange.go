// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"context"

	"github.com/luxfi/swarmbft/crypto/bls"
	"github.com/luxfi/swarmbft/crypto/hash"
	"github.com/luxfi/swarmbft/validators"

	"go.uber.org/zap"
)

// viewChangeLoop is the background timer of §4.5: it wakes on a
// fraction of round_timeout, and when the phase at (current_height+1,
// current_round) has gone round_timeout without finalizing, advances
// current_round, re-elects the leader via C3, and broadcasts a
// ViewChange. It never rewrites a finalized height — it only ever
// looks at current_height+1 and beyond.
func (e *Engine) viewChangeLoop() {
	defer e.wg.Done()
	if !e.cfg.ViewChangeEnabled || e.cfg.RoundTimeout <= 0 {
		<-e.stopCh
		return
	}

	tick := e.cfg.RoundTimeout / 4
	if tick <= 0 {
		tick = e.cfg.RoundTimeout
	}

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.clock.After(tick):
			e.checkViewChangeTimeout()
		}
	}
}

// checkViewChangeTimeout advances the round if the in-flight phase at
// (current_height+1, current_round) has run past round_timeout without
// finalizing.
func (e *Engine) checkViewChangeTimeout() {
	height := e.CurrentHeight() + 1
	round := e.CurrentRound()

	ps, ok := e.phases.Get(height, round)
	if !ok {
		return
	}
	if ps.IsFinalized() {
		return
	}
	if e.clock.Now().Sub(ps.StartedAt) < e.cfg.RoundTimeout {
		return
	}

	e.stateMu.Lock()
	if e.currentRound != round {
		// Already moved on by a concurrent finalize or view change.
		e.stateMu.Unlock()
		return
	}
	e.currentRound = round + 1
	e.currentView++
	newView := e.currentView
	e.stateMu.Unlock()

	e.viewChangeTotal.Inc()
	if e.telemetry != nil {
		e.telemetry.Counter("swarmbft_view_change_total").Inc()
	}
	e.logger.Warn("view change",
		zap.Uint64("height", height),
		zap.Uint64("round", round),
		zap.Uint64("new_view", newView),
	)

	active, stakes, _ := e.activeSetAndF()
	if _, _, err := validators.SelectLeader(active, stakes, e.id.VRFKey, height, round+1); err != nil {
		return
	}

	digest := hash.Sum(hash.DomainViewChange, encodeU64(height), encodeU64(round+1), encodeU64(newView))
	msg := Message{
		Kind:        KindViewChange,
		View:        newView,
		Height:      height,
		Round:       round + 1,
		Digest:      digest,
		ValidatorID: e.id.ID,
		Signature:   []byte(bls.Sign(e.id.SigningKey, digest.Bytes())),
		NewView:     newView,
	}

	_ = e.broadcast(context.Background(), msg)
}

// HandleViewChange processes an inbound ViewChange. It never rewrites
// a finalized height; it only adopts new_view if it exceeds the
// current view, mirroring the §6 validation rule ("new_view > current
// view").
func (e *Engine) HandleViewChange(msg Message) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if msg.NewView <= e.currentView {
		return ErrWrongView
	}
	if _, finalized := e.finalizedHeights[msg.Height]; finalized {
		return ErrStaleHeight
	}
	e.currentView = msg.NewView
	if msg.Round > e.currentRound {
		e.currentRound = msg.Round
	}
	return nil
}

// ViewChangeTotal reports how many view changes this node has driven
// since startup.
func (e *Engine) ViewChangeTotal() int64 {
	return e.viewChangeTotal.Get()
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}
