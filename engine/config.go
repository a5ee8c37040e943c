// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import "time"

// Config holds every engine-level tunable named in §6: checkpoint
// cadence, view-change timing, fast-path thresholds, and batching.
// Resilience and validator-manager config live in their own packages
// (resilience.BreakerConfig etc., validators.Config); this struct
// covers only C5's own knobs.
type Config struct {
	CheckpointInterval uint64
	RetentionWindow    uint64 // default 200, §3

	ViewChangeEnabled bool
	RoundTimeout      time.Duration

	FastPathEnabled            bool
	FastPathMaxAvgRTT          time.Duration
	FastPathMaxPacketLoss      float64
	FastPathMaxRecentByzantine int // out of the last 100 rounds
	FastPathMinLeaderRep       float64

	BatchMaxSize   int
	BatchMaxAge    time.Duration

	// HeightLookahead bounds how far above current_height+1 an engine
	// will buffer valid, unfinalized PrePrepares (§4.5 edge policy).
	HeightLookahead uint64
}

// DefaultConfig matches the defaults named across §3/§6/§9.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval:         100,
		RetentionWindow:            200,
		ViewChangeEnabled:          true,
		RoundTimeout:               4 * time.Second,
		FastPathEnabled:            false,
		FastPathMaxAvgRTT:          200 * time.Millisecond,
		FastPathMaxPacketLoss:      0.01,
		FastPathMaxRecentByzantine: 0,
		FastPathMinLeaderRep:       0.9,
		BatchMaxSize:               64,
		BatchMaxAge:                50 * time.Millisecond,
		HeightLookahead:            8,
	}
}
