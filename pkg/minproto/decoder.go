// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"fmt"
	"time"
)

// Decoder implements the MIN frame decoder state machine
type Decoder struct {
	state           int
	headerBytesSeen int

	idControl byte
	seq       byte
	length    int
	checksum  uint32
	buffer    []byte // id/control, seq, length and payload, for the CRC
	payload   []byte

	rawBuffer []byte // Accumulate raw bytes including framing
}

// NewDecoder creates a new protocol decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:     stateSearchingForSOF,
		buffer:    make([]byte, 0, 3+MaxPayloadSize),
		rawBuffer: make([]byte, 0, MaxFrameSize*2),
	}
}

// Reset resets the decoder state to searching for a header
func (d *Decoder) Reset() {
	d.state = stateSearchingForSOF
	d.headerBytesSeen = 0
	d.length = 0
	d.checksum = 0
	d.buffer = d.buffer[:0]
	d.payload = nil
	d.rawBuffer = d.rawBuffer[:0]
}

// GetRawBytes returns the accumulated raw bytes since the last header
func (d *Decoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// Decode feeds a chunk of bytes through the decoder and returns every frame
// completed by it. Decode errors are passed to onError (which may be nil);
// they never stop decoding of the remaining bytes.
func (d *Decoder) Decode(data []byte, onError func(error)) []*Frame {
	var frames []*Frame
	for _, b := range data {
		f, err := d.DecodeByte(b)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			continue
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
	return frames
}

// DecodeByte processes a single byte through the decoder state machine
// Returns a completed frame, or nil if the frame is incomplete
// Returns an error if a frame in progress had to be dropped
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	if len(d.rawBuffer) < cap(d.rawBuffer) {
		d.rawBuffer = append(d.rawBuffer, b)
	}

	// Two header bytes in a row: this byte is either the third header byte
	// or a stuff byte. Anything else means the stream is corrupt.
	if d.headerBytesSeen == 2 {
		d.headerBytesSeen = 0
		switch b {
		case HeaderByte:
			inFrame := d.state != stateSearchingForSOF
			d.Reset()
			d.rawBuffer = append(d.rawBuffer, HeaderByte, HeaderByte, HeaderByte)
			d.state = stateReceivingIDControl
			if inFrame {
				return nil, fmt.Errorf("%w: header inside frame", ErrBadStuffing)
			}
			return nil, nil
		case StuffByte:
			return nil, nil
		default:
			inFrame := d.state != stateSearchingForSOF
			d.state = stateSearchingForSOF
			if inFrame {
				return nil, fmt.Errorf("%w: 0x%02X", ErrBadStuffing, b)
			}
			return nil, nil
		}
	}

	if b == HeaderByte {
		d.headerBytesSeen++
	} else {
		d.headerBytesSeen = 0
	}

	// State machine
	switch d.state {
	case stateSearchingForSOF:
		// Waiting for header
		return nil, nil

	case stateReceivingIDControl:
		d.idControl = b
		d.buffer = append(d.buffer[:0], b)
		if b&TransportFlag != 0 {
			d.state = stateReceivingSeq
		} else {
			d.seq = 0
			d.state = stateReceivingLength
		}
		return nil, nil

	case stateReceivingSeq:
		d.seq = b
		d.buffer = append(d.buffer, b)
		d.state = stateReceivingLength
		return nil, nil

	case stateReceivingLength:
		d.length = int(b)
		d.buffer = append(d.buffer, b)
		d.payload = make([]byte, 0, d.length)
		if d.length > 0 {
			d.state = stateReceivingPayload
		} else {
			d.state = stateReceivingChecksum3
		}
		return nil, nil

	case stateReceivingPayload:
		d.payload = append(d.payload, b)
		d.buffer = append(d.buffer, b)
		if len(d.payload) >= d.length {
			d.state = stateReceivingChecksum3
		}
		return nil, nil

	case stateReceivingChecksum3:
		d.checksum = uint32(b) << 24
		d.state = stateReceivingChecksum2
		return nil, nil

	case stateReceivingChecksum2:
		d.checksum |= uint32(b) << 16
		d.state = stateReceivingChecksum1
		return nil, nil

	case stateReceivingChecksum1:
		d.checksum |= uint32(b) << 8
		d.state = stateReceivingChecksum0
		return nil, nil

	case stateReceivingChecksum0:
		d.checksum |= uint32(b)
		calculated := CalculateCRC(d.buffer)
		if d.checksum != calculated {
			d.state = stateSearchingForSOF
			return nil, fmt.Errorf("%w: expected 0x%08X, got 0x%08X", ErrCRCMismatch, calculated, d.checksum)
		}
		// Checksum passes, wait for EOF
		d.state = stateReceivingEOF
		return nil, nil

	case stateReceivingEOF:
		d.state = stateSearchingForSOF
		if b != EOFByte {
			return nil, fmt.Errorf("%w: got 0x%02X", ErrMissingEOF, b)
		}
		f := frameFromWire(d.idControl, d.seq, d.payload)
		f.timestamp = time.Now()
		d.payload = nil
		return f, nil

	default:
		state := d.state
		d.state = stateSearchingForSOF
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, state)
	}
}
