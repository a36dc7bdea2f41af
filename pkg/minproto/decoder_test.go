// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"bytes"
	"errors"
	"testing"
)

// decodeAll runs data through a fresh decoder, collecting frames and errors
func decodeAll(data []byte) ([]*Frame, []error) {
	var errs []error
	frames := NewDecoder().Decode(data, func(err error) {
		errs = append(errs, err)
	})
	return frames, errs
}

func TestDecoder_Hello(t *testing.T) {
	data := MustEncodeFrame(NewDataFrame(1, []byte("hello"), true))

	frames, errs := decodeAll(data)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}

	f := frames[0]
	if f.IDControl() != 0x81 {
		t.Errorf("IDControl() = 0x%02X, want 0x81", f.IDControl())
	}
	if f.Kind != KindData || !f.Reliable || f.ID != 1 || f.Seq != 0 {
		t.Errorf("frame = %+v", f)
	}
	if string(f.Payload) != "hello" {
		t.Errorf("Payload = %q, want %q", f.Payload, "hello")
	}
}

func TestDecoder_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		id       uint8
		seq      uint8
		reliable bool
		payload  []byte
	}{
		{"empty unreliable", 0, 0, false, nil},
		{"empty reliable", 5, 7, true, nil},
		{"max id", MaxID, 255, true, []byte{1, 2, 3}},
		{"header bytes in payload", 10, 0xAA, true, []byte{0xAA, 0xAA, 0xAA, 0xAA}},
		{"stuff bytes in payload", 11, 0x55, false, []byte{0x55, 0xAA, 0xAA, 0x55}},
		{"max payload of header bytes", 12, 1, true, bytes.Repeat([]byte{0xAA}, MaxPayloadSize)},
		{"id/control is a header byte", 42, 0xAA, true, []byte{0xAA, 0xAA, 0x01}},
		{"id/control is a header byte, empty", 42, 0, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := NewDataFrame(tt.id, tt.payload, tt.reliable)
			in.Seq = tt.seq

			frames, errs := decodeAll(MustEncodeFrame(in))
			if len(errs) != 0 {
				t.Fatalf("unexpected errors: %v", errs)
			}
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want 1", len(frames))
			}

			out := frames[0]
			if out.ID != tt.id || out.Reliable != tt.reliable {
				t.Errorf("got id=%d reliable=%v, want id=%d reliable=%v", out.ID, out.Reliable, tt.id, tt.reliable)
			}
			if tt.reliable && out.Seq != tt.seq {
				t.Errorf("Seq = %d, want %d", out.Seq, tt.seq)
			}
			if !bytes.Equal(out.Payload, tt.payload) {
				t.Errorf("Payload = % X, want % X", out.Payload, tt.payload)
			}
		})
	}
}

func TestDecoder_ControlFrames(t *testing.T) {
	data := append(MustEncodeFrame(newAckFrame(3, 5)), MustEncodeFrame(newResetFrame())...)

	frames, errs := decodeAll(data)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}

	ack := frames[0]
	if ack.Kind != KindAck || ack.Seq != 3 || !ack.IsNack() {
		t.Errorf("ack = %+v, want NACK rn=3", ack)
	}
	if frames[1].Kind != KindReset {
		t.Errorf("second frame kind = %v, want RESET", frames[1].Kind)
	}
}

func TestDecoder_MultipleFramesOneChunk(t *testing.T) {
	var stream []byte
	for i := 0; i < 5; i++ {
		f := NewDataFrame(uint8(i), []byte{byte(i)}, true)
		f.Seq = uint8(i)
		stream = append(stream, MustEncodeFrame(f)...)
	}

	frames, errs := decodeAll(stream)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(frames) != 5 {
		t.Fatalf("got %d frames, want 5", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint8(i) {
			t.Errorf("frame %d seq = %d", i, f.Seq)
		}
	}
}

func TestDecoder_SplitAcrossChunks(t *testing.T) {
	data := MustEncodeFrame(NewDataFrame(9, []byte("split me"), true))
	d := NewDecoder()

	var frames []*Frame
	for _, b := range data {
		frames = append(frames, d.Decode([]byte{b}, nil)...)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "split me" {
		t.Fatalf("frames = %v", frames)
	}
}

func TestDecoder_CRCMismatch(t *testing.T) {
	data := MustEncodeFrame(NewDataFrame(1, []byte("hello"), true))
	data[len(data)-2] ^= 0x01

	frames, errs := decodeAll(data)
	if len(frames) != 0 {
		t.Errorf("got %d frames from corrupt data", len(frames))
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrCRCMismatch) {
		t.Errorf("errors = %v, want one ErrCRCMismatch", errs)
	}
}

func TestDecoder_MissingEOF(t *testing.T) {
	data := MustEncodeFrame(NewDataFrame(1, []byte("hello"), true))
	data[len(data)-1] = 0x00

	frames, errs := decodeAll(data)
	if len(frames) != 0 {
		t.Errorf("got %d frames without EOF", len(frames))
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrMissingEOF) {
		t.Errorf("errors = %v, want one ErrMissingEOF", errs)
	}
}

func TestDecoder_BadStuffing(t *testing.T) {
	// Header pair inside the payload followed by neither stuff nor header
	data := []byte{0xAA, 0xAA, 0xAA, 0x01, 0x03, 0xAA, 0xAA, 0x01}

	frames, errs := decodeAll(data)
	if len(frames) != 0 {
		t.Errorf("got %d frames", len(frames))
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrBadStuffing) {
		t.Errorf("errors = %v, want one ErrBadStuffing", errs)
	}
}

func TestDecoder_NoiseWhileSearching(t *testing.T) {
	noise := []byte{0x00, 0x55, 0xAA, 0x01, 0xAA, 0xAA, 0x12, 0xFF}
	valid := MustEncodeFrame(NewDataFrame(2, []byte("ok"), false))

	frames, errs := decodeAll(append(noise, valid...))
	if len(errs) != 0 {
		t.Errorf("noise outside a frame produced errors: %v", errs)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "ok" {
		t.Errorf("frames = %v", frames)
	}
}

func TestDecoder_HeaderRestartsFrame(t *testing.T) {
	valid := MustEncodeFrame(NewDataFrame(4, []byte("second"), true))
	// A truncated frame followed directly by a new header
	data := append([]byte{0xAA, 0xAA, 0xAA, 0x84, 0x00, 0x10, 'x', 'y'}, valid...)

	frames, errs := decodeAll(data)
	if len(frames) != 1 || string(frames[0].Payload) != "second" {
		t.Fatalf("frames = %v", frames)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrBadStuffing) {
		t.Errorf("errors = %v, want one header-inside-frame error", errs)
	}
}

func TestDecoder_BitFlipResync(t *testing.T) {
	frame := MustEncodeFrame(NewDataFrame(7, []byte{0x10, 0xAA, 0xAA, 0x20, 0x55}, true))
	next := MustEncodeFrame(NewDataFrame(8, []byte("next"), true))

	// Every bit between the header and EOF
	for i := 3; i < len(frame)-1; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte(nil), frame...)
			corrupt[i] ^= 1 << bit

			frames, _ := decodeAll(append(corrupt, next...))
			if len(frames) != 1 {
				t.Fatalf("byte %d bit %d: got %d frames, want 1", i, bit, len(frames))
			}
			if string(frames[0].Payload) != "next" {
				t.Fatalf("byte %d bit %d: delivered % X", i, bit, frames[0].Payload)
			}
		}
	}
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	d.Decode([]byte{0xAA, 0xAA, 0xAA, 0x81, 0x00}, nil)
	if d.state == stateSearchingForSOF {
		t.Fatal("decoder should be inside a frame")
	}

	d.Reset()
	if d.state != stateSearchingForSOF || d.headerBytesSeen != 0 {
		t.Errorf("after Reset state=%d headerBytesSeen=%d", d.state, d.headerBytesSeen)
	}
	if len(d.GetRawBytes()) != 0 {
		t.Errorf("raw buffer not cleared")
	}
}

func TestDecoder_GetRawBytes(t *testing.T) {
	data := MustEncodeFrame(NewDataFrame(1, []byte{1}, false))
	d := NewDecoder()
	d.Decode(data, nil)

	if !bytes.Equal(d.GetRawBytes(), data) {
		t.Errorf("GetRawBytes() = % X, want % X", d.GetRawBytes(), data)
	}
}

func TestDecoder_InvalidState(t *testing.T) {
	d := NewDecoder()
	d.state = 99

	_, err := d.DecodeByte(0x01)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("DecodeByte() error = %v, want ErrInvalidState", err)
	}
	if d.state != stateSearchingForSOF {
		t.Errorf("state = %d after invalid state", d.state)
	}
}
