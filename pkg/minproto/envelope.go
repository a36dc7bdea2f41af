// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the CBOR form of a frame exchanged with bridge clients.
// Integer keys keep it compact and stable across implementations.
type Envelope struct {
	ID       uint8  `cbor:"1,keyasint"`
	Seq      uint8  `cbor:"2,keyasint,omitempty"`
	Payload  []byte `cbor:"3,keyasint"`
	Origin   string `cbor:"4,keyasint,omitempty"`
	Reliable bool   `cbor:"5,keyasint,omitempty"`

	// Error is only set on envelopes a bridge sends back for a request it
	// could not queue, e.g. when the transport FIFO is full
	Error string `cbor:"6,keyasint,omitempty"`
}

// EnvelopeFromFrame copies the application fields of a frame
func EnvelopeFromFrame(f *Frame) Envelope {
	return Envelope{
		ID:       f.ID,
		Seq:      f.Seq,
		Payload:  f.Payload,
		Origin:   f.Origin,
		Reliable: f.Reliable,
	}
}

// MarshalEnvelope encodes an envelope to CBOR
func MarshalEnvelope(e Envelope) ([]byte, error) {
	data, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes and range-checks a CBOR envelope
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.ID > MaxID {
		return Envelope{}, fmt.Errorf("%w: %d", ErrInvalidID, e.ID)
	}
	if len(e.Payload) > MaxPayloadSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(e.Payload))
	}
	return e, nil
}
