// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package phase

import (
	"sync"
	"time"

	"github.com/luxfi/swarmbft/ids"
)

type key struct {
	height uint64
	round  uint64
}

// Manager owns the map of in-flight PhaseStates. Only the map
// structure (insert/delete/prune) is guarded by Manager's lock;
// reading and mutating an individual PhaseState uses that state's own
// mutex, so two different (height, round) pairs never contend (§5).
type Manager struct {
	mu     sync.RWMutex
	states map[key]*PhaseState
}

// NewManager constructs an empty phase manager.
func NewManager() *Manager {
	return &Manager{states: make(map[key]*PhaseState)}
}

// GetOrCreate returns the PhaseState for (height, round), creating one
// scoped to activeSet if it doesn't exist yet.
func (m *Manager) GetOrCreate(height, round uint64, activeSet []ids.ValidatorID, now time.Time) *PhaseState {
	k := key{height, round}

	m.mu.RLock()
	if s, ok := m.states[k]; ok {
		m.mu.RUnlock()
		return s
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[k]; ok {
		return s
	}
	s := NewPhaseState(height, round, activeSet, now)
	m.states[k] = s
	return s
}

// Get returns the PhaseState for (height, round) if it exists.
func (m *Manager) Get(height, round uint64) (*PhaseState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[key{height, round}]
	return s, ok
}

// Prune deletes every PhaseState whose height satisfies
// height + retentionWindow < currentHeight (§3: default 200 rounds).
func (m *Manager) Prune(currentHeight, retentionWindow uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for k := range m.states {
		if k.height+retentionWindow < currentHeight {
			delete(m.states, k)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked phase states.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
