// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package recovery implements the append-only recovery log (C6):
// prepare/commit/checkpoint/slash records keyed exactly as §4.6
// specifies, replayed on startup to rebuild phase-aggregator state and
// the checkpoint index. Persistence is best-effort — losing records
// never violates safety (validators resend), only liveness after a
// crash. Grounded on the teacher's crypto/database.Database interface
// (kept, unmodified) and the tosdb/leveldb wrapper pattern
// (leveldb.Open over a database/storage.Storage, Reader/Writer/Batch
// shape) found elsewhere in the pack.
package recovery

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/luxfi/swarmbft/ids"
	"github.com/luxfi/swarmbft/validators"
)

// Kind distinguishes the four record kinds of §4.6.
type Kind int

const (
	KindPrepare Kind = iota
	KindCommit
	KindCheckpoint
	KindSlash
)

// Record is one decoded entry from the log, delivered to Replay's
// callback in key order.
type Record struct {
	Kind   Kind
	Height uint64
	Round  uint64 // zero for Checkpoint/Slash

	ValidatorID ids.ValidatorID // zero for Checkpoint
	Signature   []byte          // Prepare/Commit

	StateRoot          ids.Digest // Checkpoint
	AggregateCommitSig []byte     // Checkpoint
	SignerBitmap       []byte     // Checkpoint
	Timestamp          time.Time  // Checkpoint/Slash

	SlashReason validators.SlashReason // Slash
	SlashAmount uint64                 // Slash
}

// Log is the C6 contract the engine consumes: one Put method per
// record kind, a Replay that delivers every record once in key order
// on startup, and Close.
type Log interface {
	PutPrepare(height, round uint64, id ids.ValidatorID, sig []byte) error
	PutCommit(height, round uint64, id ids.ValidatorID, sig []byte) error
	PutCheckpoint(height uint64, stateRoot ids.Digest, aggregateCommitSig, signerBitmap []byte, ts time.Time) error
	PutSlash(height uint64, id ids.ValidatorID, reason validators.SlashReason, amount uint64, ts time.Time) error

	Replay(fn func(Record) error) error
	Close() error
}

// Key formats, exactly as named in §4.6/§6.
func prepareKey(height, round uint64, id ids.ValidatorID) []byte {
	return []byte(fmt.Sprintf("prepare:%020d:%020d:%s", height, round, id))
}

func commitKey(height, round uint64, id ids.ValidatorID) []byte {
	return []byte(fmt.Sprintf("commit:%020d:%020d:%s", height, round, id))
}

func checkpointKey(height uint64) []byte {
	return []byte(fmt.Sprintf("checkpoint:%020d", height))
}

func slashKey(height uint64, id ids.ValidatorID) []byte {
	return []byte(fmt.Sprintf("slash:%020d:%s", height, id))
}

// encodeU64/decodeU64 are little-endian, matching §6's Checkpoint wire
// format ("height (u64 LE)").
func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func decodeU64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func encodeI64(v int64) []byte {
	return encodeU64(uint64(v))
}

func decodeI64(b []byte) int64 {
	return int64(decodeU64(b))
}
