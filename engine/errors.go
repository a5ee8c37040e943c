// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import "errors"

// Protocol-kind errors (§7): the message is rejected and, where noted,
// Byzantine evidence triggers slashing.
var (
	ErrWrongView        = errors.New("engine: message view does not match current view")
	ErrStaleHeight      = errors.New("engine: message height already finalized")
	ErrUnknownValidator = errors.New("engine: validator not in active set")
	ErrBadDigest        = errors.New("engine: digest does not match recorded pre-prepare")
	ErrConflictingVote  = errors.New("engine: conflicting vote is Byzantine evidence")
	ErrNotLeader        = errors.New("engine: sender is not the elected leader for this (height, round)")

	// Cryptographic-kind errors: hard reject, never retried.
	ErrBadSignature = errors.New("engine: signature verification failed")
	ErrBadVRFProof  = errors.New("engine: VRF proof verification failed")

	ErrHeightTooFarAhead = errors.New("engine: height exceeds lookahead window")
	ErrAlreadyFinalized  = errors.New("engine: height already finalized")
)
