// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package recovery

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/luxfi/swarmbft/crypto/database"
	"github.com/luxfi/swarmbft/ids"
	"github.com/luxfi/swarmbft/validators"
)

// iterator is the minimal range-scan contract a backing database must
// offer for Replay; database.Database itself (kept verbatim from the
// teacher) exposes only point Get/Put/Has/Delete, so this is an
// additional, backend-specific capability rather than a change to that
// interface.
type iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
}

type rangeScanner interface {
	NewRangeIterator(prefix []byte) iterator
}

// store implements Log over any database.Database that also satisfies
// rangeScanner (levelDatabase does).
type store struct {
	db database.Database
}

func newStore(db database.Database) *store {
	return &store{db: db}
}

func (s *store) PutPrepare(height, round uint64, id ids.ValidatorID, sig []byte) error {
	return s.db.Put(prepareKey(height, round, id), sig)
}

func (s *store) PutCommit(height, round uint64, id ids.ValidatorID, sig []byte) error {
	return s.db.Put(commitKey(height, round, id), sig)
}

func (s *store) PutCheckpoint(height uint64, stateRoot ids.Digest, aggregateCommitSig, signerBitmap []byte, ts time.Time) error {
	return s.db.Put(checkpointKey(height), encodeCheckpointValue(stateRoot, aggregateCommitSig, signerBitmap, ts))
}

func (s *store) PutSlash(height uint64, id ids.ValidatorID, reason validators.SlashReason, amount uint64, ts time.Time) error {
	return s.db.Put(slashKey(height, id), encodeSlashValue(reason, amount, ts))
}

func (s *store) Close() error { return s.db.Close() }

// Replay scans every record in key order, prefix by prefix
// (prepare:, commit:, checkpoint:, slash:), exactly as §4.6 specifies.
func (s *store) Replay(fn func(Record) error) error {
	scanner, ok := s.db.(rangeScanner)
	if !ok {
		return fmt.Errorf("recovery: backing database does not support replay scanning")
	}

	for _, p := range []struct {
		prefix string
		decode func(key, value []byte) (Record, error)
	}{
		{"prepare:", decodePrepareRecord},
		{"commit:", decodeCommitRecord},
		{"checkpoint:", decodeCheckpointRecord},
		{"slash:", decodeSlashRecord},
	} {
		it := scanner.NewRangeIterator([]byte(p.prefix))
		for it.Next() {
			rec, err := p.decode(it.Key(), it.Value())
			if err != nil {
				it.Release()
				return err
			}
			if err := fn(rec); err != nil {
				it.Release()
				return err
			}
		}
		it.Release()
	}
	return nil
}

// --- value encoding ---

func encodeCheckpointValue(stateRoot ids.Digest, aggSig, bitmap []byte, ts time.Time) []byte {
	out := make([]byte, 0, ids.DigestLen+4+len(aggSig)+4+len(bitmap)+8)
	out = append(out, stateRoot[:]...)
	out = appendLenPrefixed(out, aggSig)
	out = appendLenPrefixed(out, bitmap)
	out = append(out, encodeI64(ts.UnixNano())...)
	return out
}

func encodeSlashValue(reason validators.SlashReason, amount uint64, ts time.Time) []byte {
	out := make([]byte, 0, 1+8+8)
	out = append(out, byte(reason))
	out = append(out, encodeU64(amount)...)
	out = append(out, encodeI64(ts.UnixNano())...)
	return out
}

func appendLenPrefixed(dst, data []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, data...)
}

func readLenPrefixed(b []byte) (data []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("recovery: truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("recovery: truncated value")
	}
	return b[:n], b[n:], nil
}

// --- key/value decoding for Replay ---

func decodePrepareRecord(key, value []byte) (Record, error) {
	height, round, id, err := parseVoteKey("prepare:", key)
	if err != nil {
		return Record{}, err
	}
	return Record{Kind: KindPrepare, Height: height, Round: round, ValidatorID: id, Signature: value}, nil
}

func decodeCommitRecord(key, value []byte) (Record, error) {
	height, round, id, err := parseVoteKey("commit:", key)
	if err != nil {
		return Record{}, err
	}
	return Record{Kind: KindCommit, Height: height, Round: round, ValidatorID: id, Signature: value}, nil
}

func decodeCheckpointRecord(key, value []byte) (Record, error) {
	var height uint64
	if _, err := fmt.Sscanf(string(key), "checkpoint:%020d", &height); err != nil {
		return Record{}, err
	}
	if len(value) < ids.DigestLen {
		return Record{}, fmt.Errorf("recovery: truncated checkpoint record")
	}
	var root ids.Digest
	copy(root[:], value[:ids.DigestLen])
	rest := value[ids.DigestLen:]

	aggSig, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Record{}, err
	}
	bitmap, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Record{}, err
	}
	if len(rest) < 8 {
		return Record{}, fmt.Errorf("recovery: truncated checkpoint timestamp")
	}
	ts := time.Unix(0, decodeI64(rest[:8]))

	return Record{
		Kind:               KindCheckpoint,
		Height:             height,
		StateRoot:          root,
		AggregateCommitSig: aggSig,
		SignerBitmap:       bitmap,
		Timestamp:          ts,
	}, nil
}

func decodeSlashRecord(key, value []byte) (Record, error) {
	var height uint64
	var idStr string
	if _, err := fmt.Sscanf(string(key), "slash:%020d:%s", &height, &idStr); err != nil {
		return Record{}, err
	}
	if len(value) < 1+8+8 {
		return Record{}, fmt.Errorf("recovery: truncated slash record")
	}
	id, err := ids.ValidatorIDFromString(idStr)
	if err != nil {
		return Record{}, err
	}
	reason := validators.SlashReason(value[0])
	amount := decodeU64(value[1:9])
	ts := time.Unix(0, decodeI64(value[9:17]))
	return Record{
		Kind:        KindSlash,
		Height:      height,
		ValidatorID: id,
		SlashReason: reason,
		SlashAmount: amount,
		Timestamp:   ts,
	}, nil
}

func parseVoteKey(prefix string, key []byte) (height, round uint64, id ids.ValidatorID, err error) {
	var idStr string
	if _, err = fmt.Sscanf(string(key), prefix+"%020d:%020d:%s", &height, &round, &idStr); err != nil {
		return 0, 0, id, err
	}
	id, err = ids.ValidatorIDFromString(idStr)
	return height, round, id, err
}
