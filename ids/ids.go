// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ids defines the opaque identifier types shared by every
// consensus component: validator identities and proposal/checkpoint
// digests.
package ids

import (
	"encoding/json"
	"errors"

	"github.com/mr-tron/base58"
)

// ValidatorIDLen is the width of a validator identifier in bytes.
const ValidatorIDLen = 20

// DigestLen is the width of a domain-separated hash output.
const DigestLen = 32

var errWrongLength = errors.New("ids: wrong byte length")

// ValidatorID is an opaque stable identifier for a validator.
type ValidatorID [ValidatorIDLen]byte

// ValidatorIDFromBytes copies b into a ValidatorID.
func ValidatorIDFromBytes(b []byte) (ValidatorID, error) {
	var id ValidatorID
	if len(b) != ValidatorIDLen {
		return id, errWrongLength
	}
	copy(id[:], b)
	return id, nil
}

func (id ValidatorID) String() string {
	return base58.Encode(id[:])
}

// ValidatorIDFromString decodes the base58 form produced by String.
func ValidatorIDFromString(s string) (ValidatorID, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		var zero ValidatorID
		return zero, err
	}
	return ValidatorIDFromBytes(raw)
}

func (id ValidatorID) Bytes() []byte {
	out := make([]byte, ValidatorIDLen)
	copy(out, id[:])
	return out
}

func (id ValidatorID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ValidatorID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return err
	}
	parsed, err := ValidatorIDFromBytes(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Digest is a collision-resistant, domain-separated hash identifying a
// proposal, a checkpoint, or a VRF challenge.
type Digest [DigestLen]byte

func (d Digest) String() string {
	return base58.Encode(d[:])
}

func (d Digest) Bytes() []byte {
	out := make([]byte, DigestLen)
	copy(out, d[:])
	return out
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Empty is the zero digest, used to mean "no proposal seen yet".
var Empty Digest
