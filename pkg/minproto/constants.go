// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package minproto provides a host-side Go implementation of the MIN
// (Microcontroller Interconnect Network) serial protocol.
//
// MIN frames are byte-stuffed and CRC32 protected. Frames with the high bit
// of the ID/control byte set belong to the transport layer, which adds
// sequence numbers, a sliding send window, cumulative ACKs, NACK driven
// selective retransmission and in-order reassembly of out-of-order frames.
//
// The package is split into the Framer (Encoder/Decoder), the Transport
// (reliability layer) and a Session that owns the link lifecycle and drives
// Transport.Poll on a fixed period.
package minproto

// Protocol framing bytes
const (
	HeaderByte = 0xAA
	StuffByte  = 0x55
	EOFByte    = 0x55
)

// ID/control byte layout
const (
	TransportFlag = 0x80
	ReservedFlag  = 0x40 // must be clear on data frames
	IDMask        = 0x3F

	// Control opcodes, only meaningful with TransportFlag set
	IDAck   = 0xFF
	IDReset = 0xFE
)

// Frame size limits
const (
	MaxID          = 63
	MaxPayloadSize = 255
	ChecksumSize   = 4

	// 3 header + id/control + seq + length + payload + checksum + EOF,
	// before stuff bytes are inserted
	MaxFrameSize = 3 + 1 + 1 + 1 + MaxPayloadSize + ChecksumSize + 1
)

// Decoder states (internal)
const (
	stateSearchingForSOF = iota
	stateReceivingIDControl
	stateReceivingSeq
	stateReceivingLength
	stateReceivingPayload
	stateReceivingChecksum3
	stateReceivingChecksum2
	stateReceivingChecksum1
	stateReceivingChecksum0
	stateReceivingEOF
)

// Transport defaults
const (
	DefaultMaxWindowSize            = 8
	DefaultRxWindowSize             = 16
	DefaultTransportFIFOSize        = 100
	DefaultAckRetransmitTimeoutMs   = 25
	DefaultFrameRetransmitTimeoutMs = 50
)
