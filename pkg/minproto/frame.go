// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"bytes"
	"strconv"
	"time"
)

// Kind distinguishes application frames from transport control frames
type Kind int

// Frame kinds
const (
	KindData Kind = iota
	KindAck
	KindReset
)

// String returns the kind name used in logs and formatted output
func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// Frame is one unit of the MIN wire protocol
type Frame struct {
	Kind     Kind
	ID       uint8 // application ID (0-63), unused for control frames
	Seq      uint8 // only meaningful when Reliable is set
	Reliable bool
	Payload  []byte

	// Origin identifies the requester a frame belongs to. Set by QueueFrame on
	// outbound frames and by origin correlation on delivered inbound frames.
	Origin string

	idControl  byte
	lastSentAt time.Time
	timestamp  time.Time
}

// NewDataFrame creates an application frame
func NewDataFrame(id uint8, payload []byte, reliable bool) *Frame {
	return &Frame{
		Kind:      KindData,
		ID:        id & IDMask,
		Reliable:  reliable,
		Payload:   payload,
		timestamp: time.Now(),
	}
}

// newAckFrame creates an ACK for rn. A NACK is an ACK whose payload byte
// names the first sequence number the receiver already holds past the gap.
func newAckFrame(rn, to uint8) *Frame {
	return &Frame{Kind: KindAck, Seq: rn, Reliable: true, Payload: []byte{to}, timestamp: time.Now()}
}

func newResetFrame() *Frame {
	return &Frame{Kind: KindReset, Reliable: true, Payload: []byte{}, timestamp: time.Now()}
}

// frameFromWire builds a Frame from the decoded id/control byte
func frameFromWire(idControl, seq byte, payload []byte) *Frame {
	f := &Frame{
		idControl: idControl,
		Payload:   payload,
		timestamp: time.Now(),
	}
	if idControl&TransportFlag == 0 {
		f.Kind = KindData
		f.ID = idControl & IDMask
		return f
	}
	f.Reliable = true
	f.Seq = seq
	switch idControl {
	case IDAck:
		f.Kind = KindAck
	case IDReset:
		f.Kind = KindReset
	default:
		f.Kind = KindData
		f.ID = idControl & IDMask
	}
	return f
}

// IDControl returns the on-wire id/control byte
func (f *Frame) IDControl() byte {
	switch f.Kind {
	case KindAck:
		return IDAck
	case KindReset:
		return IDReset
	}
	if f.idControl != 0 {
		return f.idControl
	}
	if f.Reliable {
		return f.ID&IDMask | TransportFlag
	}
	return f.ID & IDMask
}

// Timestamp returns when the frame was created or decoded
func (f *Frame) Timestamp() time.Time {
	return f.timestamp
}

// LastSentAt returns the time of the most recent (re)transmission
func (f *Frame) LastSentAt() time.Time {
	return f.lastSentAt
}

// IsNack reports whether an ACK frame requests retransmissions
func (f *Frame) IsNack() bool {
	return f.Kind == KindAck && len(f.Payload) > 0 && f.Payload[0] != f.Seq
}

// RequestSeq parses the "N:" prefix a device puts in front of a reply to
// echo the sequence number of the request it answers
func RequestSeq(payload []byte) (uint8, bool) {
	i := bytes.IndexByte(payload, ':')
	if i <= 0 || i > 3 {
		return 0, false
	}
	n, err := strconv.ParseUint(string(payload[:i]), 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(n), true
}
