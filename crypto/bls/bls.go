// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bls implements the aggregate-signature capability set required
// by the consensus engine: per-validator signing, pairwise and aggregate
// verification, and a parallel batch-verify path. It is a thin wrapper
// around BLS12-381 bindings, in the same spirit as the teacher's own
// crypto/bls stub, grounded in the blst usage pattern found in
// tos-network-gtos/accountsigner/crypto.go.
package bls

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	blst "github.com/supranational/blst/bindings/go"
)

// domainSeparationTag pins the hash-to-curve suite and a project tag so
// signatures from this module never verify against another BLS
// deployment that happens to reuse the same curve.
var domainSeparationTag = []byte("SWARMBFT_BLS12381G2_XMD:SHA-256_SSWU_RO_")

// BatchVerifyParallelThreshold is the minimum number of items before
// BatchVerify runs across multiple goroutines, per §4.1.
const BatchVerifyParallelThreshold = 16

var (
	ErrInvalidSecretKey  = errors.New("bls: invalid secret key bytes")
	ErrInvalidPublicKey  = errors.New("bls: invalid public key bytes")
	ErrInvalidSignature  = errors.New("bls: invalid signature bytes")
	ErrNoSignatures      = errors.New("bls: no signatures to aggregate")
	ErrNoPublicKeys      = errors.New("bls: no public keys to aggregate")
	ErrAggregationFailed = errors.New("bls: aggregation failed")
)

// SecretKey is a BLS12-381 signing key.
type SecretKey struct{ sk *blst.SecretKey }

// PublicKey is a compressed G1 public key.
type PublicKey []byte

// Signature is a compressed G2 signature.
type Signature []byte

// KeyGen derives a deterministic key pair from a seed (ikm), matching
// the contract that callers supply their own entropy source.
func KeyGen(seed []byte) (SecretKey, PublicKey, error) {
	if len(seed) < 32 {
		padded := make([]byte, 32)
		copy(padded, seed)
		seed = padded
	}
	sk := blst.KeyGen(seed)
	if sk == nil {
		return SecretKey{}, nil, ErrInvalidSecretKey
	}
	pk := new(blst.P1Affine).From(sk).Compress()
	return SecretKey{sk: sk}, PublicKey(pk), nil
}

// Sign signs msg with sk.
func Sign(sk SecretKey, msg []byte) Signature {
	sig := new(blst.P2Affine).Sign(sk.sk, msg, domainSeparationTag)
	return Signature(sig.Compress())
}

// Verify checks a single signature against a single public key and message.
func Verify(pk PublicKey, msg []byte, sig Signature) bool {
	_, s, ok := decode(pk, sig)
	if !ok {
		return false
	}
	return s.VerifyCompressed(sig, true, pk, true, msg, domainSeparationTag)
}

// AggregateSigs aggregates signatures. Associative and commutative per §4.1.
func AggregateSigs(sigs []Signature) (Signature, error) {
	if len(sigs) == 0 {
		return nil, ErrNoSignatures
	}
	raw := make([][]byte, len(sigs))
	for i, s := range sigs {
		raw[i] = s
	}
	agg := new(blst.P2Aggregate)
	if !agg.AggregateCompressed(raw, true) {
		return nil, ErrAggregationFailed
	}
	out := agg.ToAffine()
	if out == nil {
		return nil, ErrAggregationFailed
	}
	return Signature(out.Compress()), nil
}

// AggregatePks aggregates public keys.
func AggregatePks(pks []PublicKey) (PublicKey, error) {
	if len(pks) == 0 {
		return nil, ErrNoPublicKeys
	}
	raw := make([][]byte, len(pks))
	for i, p := range pks {
		raw[i] = p
	}
	agg := new(blst.P1Aggregate)
	if !agg.AggregateCompressed(raw, true) {
		return nil, ErrAggregationFailed
	}
	out := agg.ToAffine()
	if out == nil {
		return nil, ErrAggregationFailed
	}
	return PublicKey(out.Compress()), nil
}

// VerifyAggregate checks that Σ is a valid aggregate of signatures, each
// made by a constituent of Π, all over the same msg: verify(Π, msg, Σ)
// succeeds iff every constituent signature was valid over msg (§4.1).
func VerifyAggregate(aggPk PublicKey, msg []byte, aggSig Signature) bool {
	return Verify(aggPk, msg, aggSig)
}

// BatchItem is one (pk, msg, sig) tuple for batch verification.
type BatchItem struct {
	PK  PublicKey
	Msg []byte
	Sig Signature
}

// BatchVerify verifies many (pk, msg, sig) tuples, running in parallel
// above BatchVerifyParallelThreshold items, and stops verifying once any
// item fails, reporting a failing index (in the parallel path, the
// lowest failing index among the items checked before the workers
// stopped).
func BatchVerify(items []BatchItem) (ok bool, failingIndex int) {
	if len(items) < BatchVerifyParallelThreshold {
		for i, it := range items {
			if !Verify(it.PK, it.Msg, it.Sig) {
				return false, i
			}
		}
		return true, -1
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(items) {
		workers = len(items)
	}
	if workers < 1 {
		workers = 1
	}

	results := make([]int8, len(items)) // 0 unchecked, 1 valid, -1 invalid
	var failed atomic.Bool
	var wg sync.WaitGroup
	chunk := (len(items) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if start >= len(items) {
			break
		}
		if end > len(items) {
			end = len(items)
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end && !failed.Load(); i++ {
				if Verify(items[i].PK, items[i].Msg, items[i].Sig) {
					results[i] = 1
				} else {
					results[i] = -1
					failed.Store(true)
				}
			}
		}(start, end)
	}
	wg.Wait()

	for i, r := range results {
		if r < 0 {
			return false, i
		}
	}
	return true, -1
}

func decode(pk PublicKey, sig Signature) (*blst.P1Affine, *blst.P2Affine, bool) {
	p := new(blst.P1Affine).Uncompress(pk)
	if p == nil || !p.KeyValidate() {
		return nil, nil, false
	}
	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil || !s.SigValidate(false) {
		return nil, nil, false
	}
	return p, s, true
}
