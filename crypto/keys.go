// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypto derives a node's BLS signing seed and VRF seed from a
// single master secret, so an operator only needs to provision and
// back up one value per validator rather than two independent ones.
package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveIdentitySeeds expands masterSeed into two domain-separated
// 32-byte subkeys, one for crypto/bls.KeyGen and one for
// crypto/vrf.KeyGen, via HKDF-SHA256 (RFC 5869). The distinct
// "swarmbft-bls-signing-key"/"swarmbft-vrf-key" info labels ensure the two outputs are independent even though they share
// the same master secret.
func DeriveIdentitySeeds(masterSeed []byte) (blsSeed, vrfSeed [32]byte, err error) {
	if err = deriveInto(masterSeed, "swarmbft-bls-signing-key", blsSeed[:]); err != nil {
		return blsSeed, vrfSeed, err
	}
	if err = deriveInto(masterSeed, "swarmbft-vrf-key", vrfSeed[:]); err != nil {
		return blsSeed, vrfSeed, err
	}
	return blsSeed, vrfSeed, nil
}

func deriveInto(masterSeed []byte, info string, out []byte) error {
	reader := hkdf.New(sha256.New, masterSeed, nil, []byte(info))
	_, err := io.ReadFull(reader, out)
	return err
}
