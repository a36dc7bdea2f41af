// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"encoding/binary"
	"fmt"
)

// Encoder encodes MIN frames for transmission.
// Handles checksum calculation and byte stuffing.
type Encoder struct{}

// NewEncoder creates a new MIN frame encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode encodes a Frame to wire format.
func (e *Encoder) Encode(f *Frame) ([]byte, error) {
	return EncodeFrame(f)
}

// EncodeFrame creates a complete wire-formatted MIN frame: header, stuffed
// body (id/control, optional seq, length, payload, CRC32) and EOF.
func EncodeFrame(f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(f.Payload), MaxPayloadSize)
	}

	idControl := f.IDControl()

	// The prolog is what gets CRC'd and byte-stuffed
	prolog := make([]byte, 0, 3+len(f.Payload)+ChecksumSize)
	prolog = append(prolog, idControl)
	if idControl&TransportFlag != 0 {
		prolog = append(prolog, f.Seq)
	}
	prolog = append(prolog, uint8(len(f.Payload)))
	prolog = append(prolog, f.Payload...)

	prolog = binary.BigEndian.AppendUint32(prolog, CalculateCRC(prolog))

	frame := make([]byte, 0, len(prolog)+len(prolog)/2+4)
	frame = append(frame, HeaderByte, HeaderByte, HeaderByte)
	frame = stuffBytes(frame, prolog)
	frame = append(frame, EOFByte)

	return frame, nil
}

// MustEncodeFrame encodes a Frame and panics on error.
// Use EncodeFrame when the payload size is not already known to be valid.
func MustEncodeFrame(f *Frame) []byte {
	data, err := EncodeFrame(f)
	if err != nil {
		panic(fmt.Sprintf("minproto: encode error: %v", err))
	}
	return data
}

// stuffBytes appends data to dst, inserting a stuff byte after every pair of
// consecutive header bytes so only a real header shows three in a row.
func stuffBytes(dst, data []byte) []byte {
	count := 0
	for _, b := range data {
		dst = append(dst, b)
		if b != HeaderByte {
			count = 0
			continue
		}
		count++
		if count == 2 {
			dst = append(dst, StuffByte)
			count = 0
		}
	}
	return dst
}

// UnstuffBytes removes stuff bytes from a frame body.
// This is the inverse of stuffBytes.
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	count := 0

	for i, b := range data {
		if count == 2 {
			count = 0
			if b != StuffByte {
				return nil, fmt.Errorf("%w: 0x%02X at offset %d", ErrBadStuffing, b, i)
			}
			continue
		}
		if b == HeaderByte {
			count++
		} else {
			count = 0
		}
		result = append(result, b)
	}

	if count == 2 {
		return nil, fmt.Errorf("%w: data ends inside a header pair", ErrBadStuffing)
	}

	return result, nil
}
