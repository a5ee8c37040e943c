// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package engine

// pruneLoop periodically evicts phase state older than retention_window
// and releases validators whose jail term has expired, both keyed off
// current_height (§4.5: "prunes phases[h,·] where h+retention_window <
// current_height and releases validators whose jail_release_height <=
// current_height").
func (e *Engine) pruneLoop() {
	defer e.wg.Done()

	tick := e.cfg.RoundTimeout
	if tick <= 0 {
		<-e.stopCh
		return
	}

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.clock.After(tick):
			e.runPruneSweep()
		}
	}
}

func (e *Engine) runPruneSweep() {
	height := e.CurrentHeight()
	e.phases.Prune(height, e.cfg.RetentionWindow)
	e.validators.ReleaseExpiredJails(height)
}
