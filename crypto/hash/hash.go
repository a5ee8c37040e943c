// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package hash provides the collision-resistant, domain-separated
// hashing primitive every other component uses to derive digests.
package hash

import (
	"encoding/binary"

	"github.com/luxfi/swarmbft/ids"
	"github.com/zeebo/blake3"
)

// Domain is a fixed tag mixed into every hash so that a digest computed
// for one purpose can never collide with a digest computed for another,
// even over identical input bytes.
type Domain string

const (
	DomainProposal   Domain = "swarmbft/proposal"
	DomainCheckpoint Domain = "swarmbft/checkpoint"
	DomainChallenge  Domain = "swarmbft/challenge"
	DomainVRFOutput  Domain = "swarmbft/vrf-output"
	DomainViewChange Domain = "swarmbft/view-change"
	DomainBatch      Domain = "swarmbft/batch"
)

// Sum hashes parts under domain, returning a fixed-width digest.
func Sum(domain Domain, parts ...[]byte) ids.Digest {
	h := blake3.New()
	_, _ = h.Write([]byte(domain))
	for _, p := range parts {
		var lenPrefix [8]byte
		binary.LittleEndian.PutUint64(lenPrefix[:], uint64(len(p)))
		_, _ = h.Write(lenPrefix[:])
		_, _ = h.Write(p)
	}
	var out ids.Digest
	copy(out[:], h.Sum(nil))
	return out
}

// ProposalDigest hashes (height, round, payload) under the proposal domain.
func ProposalDigest(height, round uint64, payload []byte) ids.Digest {
	return Sum(DomainProposal, encodeU64(height), encodeU64(round), payload)
}

// BatchDigest hashes an ordered batch of items under the batch domain.
func BatchDigest(height, round uint64, items [][]byte) ids.Digest {
	parts := make([][]byte, 0, len(items)+2)
	parts = append(parts, encodeU64(height), encodeU64(round))
	parts = append(parts, items...)
	return Sum(DomainBatch, parts...)
}

// CheckpointDigest hashes the finalized-prefix state root material.
func CheckpointDigest(height uint64, stateRoot []byte) ids.Digest {
	return Sum(DomainCheckpoint, encodeU64(height), stateRoot)
}

func encodeU64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}
