// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_IntegerKeys(t *testing.T) {
	f := NewDataFrame(5, []byte{0xAA, 0x01}, true)
	f.Seq = 7
	f.Origin = "ws:1"

	data, err := MarshalEnvelope(EnvelopeFromFrame(f))
	require.NoError(t, err)

	var raw map[int]interface{}
	require.NoError(t, cbor.Unmarshal(data, &raw))
	assert.EqualValues(t, 5, raw[1])
	assert.EqualValues(t, 7, raw[2])
	assert.Equal(t, []byte{0xAA, 0x01}, raw[3])
	assert.Equal(t, "ws:1", raw[4])
	assert.Equal(t, true, raw[5])

	e, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), e.ID)
	assert.Equal(t, "ws:1", e.Origin)
}

func TestUnmarshalEnvelope_Minimal(t *testing.T) {
	// Clients only need to send id and payload
	data, err := cbor.Marshal(map[int]interface{}{1: 3, 3: []byte("cmd")})
	require.NoError(t, err)

	e, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), e.ID)
	assert.Equal(t, []byte("cmd"), e.Payload)
	assert.False(t, e.Reliable)
}

func TestUnmarshalEnvelope_Invalid(t *testing.T) {
	data, err := cbor.Marshal(map[int]interface{}{1: 64, 3: []byte{}})
	require.NoError(t, err)
	_, err = UnmarshalEnvelope(data)
	require.ErrorIs(t, err, ErrInvalidID)

	data, err = cbor.Marshal(map[int]interface{}{1: 1, 3: make([]byte, 300)})
	require.NoError(t, err)
	_, err = UnmarshalEnvelope(data)
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = UnmarshalEnvelope([]byte{0xFF, 0x00})
	require.Error(t, err)
}

func TestEnvelope_ErrorKey(t *testing.T) {
	data, err := MarshalEnvelope(Envelope{ID: 2, Error: ErrFIFOFull.Error()})
	require.NoError(t, err)

	var raw map[int]interface{}
	require.NoError(t, cbor.Unmarshal(data, &raw))
	assert.Equal(t, ErrFIFOFull.Error(), raw[6])

	e, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, ErrFIFOFull.Error(), e.Error)

	// Delivered frames never carry key 6
	data, err = MarshalEnvelope(EnvelopeFromFrame(NewDataFrame(2, []byte("x"), true)))
	require.NoError(t, err)
	raw = nil
	require.NoError(t, cbor.Unmarshal(data, &raw))
	assert.NotContains(t, raw, 6)
}
