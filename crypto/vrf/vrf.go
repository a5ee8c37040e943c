// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vrf implements a verifiable random function over edwards25519,
// an ECVRF-style construction modeled on RFC 9381's
// EDWARDS25519-SHA512-TAI suite (try-and-increment hash-to-curve,
// 16-byte challenge) but using this module's own hash tags, so its
// proofs and outputs do not match that suite's test vectors:
// deterministic, unique, and unpredictable without the secret key. This
// is the "VRF" capability set of §4.1, grounded on the VRF shape seen in
// other_examples' vechain-thor committee-selection code (a proof/output
// pair, verified independently of the caller's signing key) and
// expressed with filippo.io/edwards25519, the curve-arithmetic package
// already pulled in by the teacher's dependency graph.
package vrf

import (
	"crypto/sha512"
	"errors"

	"filippo.io/edwards25519"
)

const (
	SecretKeySize = 32
	PublicKeySize = 32
	ProofSize     = 80 // gamma(32) || c(16) || s(32)
	OutputSize    = 64
)

var (
	ErrInvalidSeed      = errors.New("vrf: seed must be 32 bytes")
	ErrInvalidPublicKey = errors.New("vrf: invalid public key")
	ErrInvalidProof     = errors.New("vrf: invalid proof encoding")
)

type SecretKey struct {
	scalar *edwards25519.Scalar
	pub    *edwards25519.Point
	raw    [SecretKeySize]byte
}

type PublicKey struct {
	point *edwards25519.Point
	raw   [PublicKeySize]byte
}

// KeyGen derives a deterministic key pair from a 32-byte seed. Equal
// seeds always produce equal key pairs (no system randomness is drawn),
// matching the deterministic-signing contract the engine relies on when
// tests fix the seed.
func KeyGen(seed []byte) (SecretKey, PublicKey, error) {
	if len(seed) != SecretKeySize {
		return SecretKey{}, PublicKey{}, ErrInvalidSeed
	}
	h := sha512.Sum512(seed)
	clampScalarBytes(h[:32])

	s, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return SecretKey{}, PublicKey{}, err
	}
	pubPoint := new(edwards25519.Point).ScalarBaseMult(s)

	var skRaw [SecretKeySize]byte
	copy(skRaw[:], seed)
	var pkRaw [PublicKeySize]byte
	copy(pkRaw[:], pubPoint.Bytes())

	return SecretKey{scalar: s, pub: pubPoint, raw: skRaw},
		PublicKey{point: pubPoint, raw: pkRaw}, nil
}

func (pk PublicKey) Bytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, pk.raw[:])
	return out
}

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return PublicKey{}, ErrInvalidPublicKey
	}
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return PublicKey{}, ErrInvalidPublicKey
	}
	var raw [PublicKeySize]byte
	copy(raw[:], b)
	return PublicKey{point: p, raw: raw}, nil
}

// Prove computes (π, β) for α under sk. Deterministic: equal (sk, α)
// always yields equal (π, β), satisfying the determinism law in §8.
func Prove(sk SecretKey, alpha []byte) (proof []byte, output [OutputSize]byte) {
	h := hashToCurve(sk.pub, alpha)
	gamma := new(edwards25519.Point).ScalarMult(sk.scalar, h)

	kScalar := nonceScalar(sk.raw[:], alpha)
	kB := new(edwards25519.Point).ScalarBaseMult(kScalar)
	kH := new(edwards25519.Point).ScalarMult(kScalar, h)

	c := challengeScalar(sk.pub, h, gamma, kB, kH)
	// s = k + c*sk (mod L)
	s := new(edwards25519.Scalar).MultiplyAdd(c, sk.scalar, kScalar)

	out := make([]byte, 0, ProofSize)
	out = append(out, gamma.Bytes()...)
	out = append(out, scalarTo16(c)...)
	out = append(out, s.Bytes()...)

	return out, proofToOutput(gamma)
}

// Verify checks π against (pk, α) and returns (β, true) iff valid; any
// tampering with π, α, or pk yields (zero, false), matching §4.1/§8.
func Verify(pk PublicKey, alpha, proof []byte) (output [OutputSize]byte, ok bool) {
	if len(proof) != ProofSize {
		return output, false
	}
	gammaBytes := proof[:32]
	cBytes := proof[32:48]
	sBytes := proof[48:80]

	gamma, err := new(edwards25519.Point).SetBytes(gammaBytes)
	if err != nil {
		return output, false
	}
	c, err := scalarFrom16(cBytes)
	if err != nil {
		return output, false
	}
	var sFull [32]byte
	copy(sFull[:], sBytes)
	s, err := edwards25519.NewScalar().SetCanonicalBytes(sFull[:])
	if err != nil {
		return output, false
	}

	h := hashToCurve(pk.point, alpha)

	// U = s*B - c*PK
	sB := new(edwards25519.Point).ScalarBaseMult(s)
	cPK := new(edwards25519.Point).ScalarMult(c, pk.point)
	u := new(edwards25519.Point).Subtract(sB, cPK)

	// V = s*H - c*Gamma
	sH := new(edwards25519.Point).ScalarMult(s, h)
	cGamma := new(edwards25519.Point).ScalarMult(c, gamma)
	v := new(edwards25519.Point).Subtract(sH, cGamma)

	cPrime := challengeScalar(pk.point, h, gamma, u, v)
	if cPrime.Equal(c) != 1 {
		return output, false
	}

	return proofToOutput(gamma), true
}

func proofToOutput(gamma *edwards25519.Point) [OutputSize]byte {
	h := sha512.Sum512(append([]byte("swarmbft-vrf-output-"), gamma.Bytes()...))
	return h
}

func hashToCurve(pk *edwards25519.Point, alpha []byte) *edwards25519.Point {
	// try-and-increment onto the curve, bounded by a fixed counter so the
	// function stays total.
	for ctr := byte(0); ctr < 255; ctr++ {
		h := sha512.New()
		h.Write([]byte("swarmbft-vrf-h2c-"))
		h.Write(pk.Bytes())
		h.Write(alpha)
		h.Write([]byte{ctr})
		sum := h.Sum(nil)
		candidate := sum[:32]
		candidate[31] &= 0x7f
		if p, err := new(edwards25519.Point).SetBytes(candidate); err == nil {
			return p
		}
	}
	// Unreachable in practice; SetBytes succeeds for roughly half of all
	// 32-byte strings.
	panic("vrf: hash-to-curve failed to find a point")
}

func nonceScalar(sk, alpha []byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write([]byte("swarmbft-vrf-nonce-"))
	h.Write(sk)
	h.Write(alpha)
	sum := h.Sum(nil)
	s, err := edwards25519.NewScalar().SetUniformBytes(sum)
	if err != nil {
		panic(err)
	}
	return s
}

func challengeScalar(pk, h, gamma, a, b *edwards25519.Point) *edwards25519.Scalar {
	hh := sha512.New()
	hh.Write([]byte("swarmbft-vrf-challenge-"))
	hh.Write(pk.Bytes())
	hh.Write(h.Bytes())
	hh.Write(gamma.Bytes())
	hh.Write(a.Bytes())
	hh.Write(b.Bytes())
	sum := hh.Sum(nil)
	// Keep 128 bits only, so the challenge survives the 16-byte proof
	// encoding (scalarTo16/scalarFrom16) unchanged.
	var c [32]byte
	copy(c[:16], sum[:16])
	s, err := edwards25519.NewScalar().SetCanonicalBytes(c[:])
	if err != nil {
		panic(err)
	}
	return s
}

// scalarTo16 truncates a scalar's canonical encoding to its low 16
// bytes, matching the "128-bit challenge" convention ECVRF uses to keep
// proofs compact.
func scalarTo16(s *edwards25519.Scalar) []byte {
	full := s.Bytes()
	return full[:16]
}

func scalarFrom16(b []byte) (*edwards25519.Scalar, error) {
	var full [32]byte
	copy(full[:16], b)
	return edwards25519.NewScalar().SetCanonicalBytes(full[:])
}

func clampScalarBytes(b []byte) {
	b[0] &= 248
	b[31] &= 127
	b[31] |= 64
}
