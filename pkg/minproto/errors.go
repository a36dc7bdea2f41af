// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import "errors"

// Decoder errors. The frame in progress is dropped and the decoder goes back
// to searching for a header; none of these are fatal.
var (
	ErrCRCMismatch  = errors.New("CRC mismatch")
	ErrMissingEOF   = errors.New("missing EOF")
	ErrBadStuffing  = errors.New("unexpected byte after header pair")
	ErrInvalidState = errors.New("invalid decoder state")
)

// Caller errors returned by QueueFrame and SendUnreliable.
var (
	ErrInvalidID       = errors.New("MIN ID out of range")
	ErrPayloadTooLarge = errors.New("MIN payload too large")
	ErrFIFOFull        = errors.New("no space in transport FIFO queue")
	ErrNoLink          = errors.New("no link attached")
)
