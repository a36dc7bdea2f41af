// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"fmt"
	"strings"
)

// FormatFrame formats a frame into a human-readable string
func FormatFrame(f *Frame) string {
	timestamp := f.timestamp.Format("15:04:05.000")

	var result string
	switch f.Kind {
	case KindAck:
		if f.IsNack() {
			result = fmt.Sprintf("[%s] NACK (0x%02X) rn=%d to=%d\n", timestamp, f.IDControl(), f.Seq, f.Payload[0])
		} else {
			result = fmt.Sprintf("[%s] ACK (0x%02X) rn=%d\n", timestamp, f.IDControl(), f.Seq)
		}
		return result
	case KindReset:
		return fmt.Sprintf("[%s] RESET (0x%02X)\n", timestamp, f.IDControl())
	}

	if f.Reliable {
		result = fmt.Sprintf("[%s] DATA (0x%02X) id=%d seq=%d len=%d\n", timestamp, f.IDControl(), f.ID, f.Seq, len(f.Payload))
	} else {
		result = fmt.Sprintf("[%s] DATA (0x%02X) id=%d unsequenced len=%d\n", timestamp, f.IDControl(), f.ID, len(f.Payload))
	}
	if f.Origin != "" {
		result += fmt.Sprintf("  Origin: %s\n", f.Origin)
	}
	if len(f.Payload) > 0 {
		result += FormatPayload(f.Payload)
	}
	return result
}

// FormatPayload renders a payload as a hex dump with a printable column
func FormatPayload(payload []byte) string {
	var s strings.Builder
	for offset := 0; offset < len(payload); offset += 16 {
		end := offset + 16
		if end > len(payload) {
			end = len(payload)
		}
		line := payload[offset:end]

		if offset == 0 {
			s.WriteString("  Payload: ")
		} else {
			s.WriteString("           ")
		}
		for _, b := range line {
			fmt.Fprintf(&s, "%02X ", b)
		}
		s.WriteString(strings.Repeat("   ", 16-len(line)))
		s.WriteString(" |")
		for _, b := range line {
			if b >= 0x20 && b < 0x7F {
				s.WriteByte(b)
			} else {
				s.WriteByte('.')
			}
		}
		s.WriteString("|\n")
	}
	return s.String()
}
