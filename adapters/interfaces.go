// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package adapters defines the external-collaborator interfaces (C7):
// peer I/O, clock, telemetry, and configuration. The engine and its
// resilience envelope consume only these interfaces; concrete transport,
// metrics exporters, and config loaders are out of scope (§1) and live
// outside this module.
package adapters

import (
	"context"
	"time"

	"github.com/luxfi/swarmbft/ids"
)

// PeerIO is the abstract network boundary. No ordering guarantees
// across peers are required; per-peer FIFO is preferred but not
// required (§4.7).
type PeerIO interface {
	Broadcast(ctx context.Context, message []byte) error
	Send(ctx context.Context, peer ids.ValidatorID, message []byte) error
	// Inbox delivers inbound wire messages. Implementations close the
	// channel on shutdown.
	Inbox() <-chan InboundMessage
}

// InboundMessage pairs a received payload with the peer it arrived from.
type InboundMessage struct {
	From    ids.ValidatorID
	Payload []byte
}

// Clock abstracts wall-clock reads and sleeps so tests can substitute a
// fake clock (§4.7, §9).
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// Telemetry records counters, histograms, and gauges by string name. A
// no-op implementation must be accepted (§4.7).
type Telemetry interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

type Counter interface {
	Inc()
	Add(delta float64)
}

type Histogram interface {
	Observe(value float64)
}

type Gauge interface {
	Set(value float64)
}

// Config is a read-mostly map with an update-notification channel. The
// engine does not subscribe to it: engine thresholds come from
// engine.Config, fixed when the Engine is constructed.
type Config interface {
	Get(key string) (any, bool)
	GetString(key, fallback string) string
	GetInt(key string, fallback int) int
	GetUint64(key string, fallback uint64) uint64
	GetBool(key string, fallback bool) bool
	GetDuration(key string, fallback time.Duration) time.Duration
	// Updates fires (empty struct) whenever the underlying map changes.
	Updates() <-chan struct{}
}
