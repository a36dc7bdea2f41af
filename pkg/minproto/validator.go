// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import "fmt"

// AnomalyType represents different types of frame anomalies
type AnomalyType int

const (
	AnomalyLengthMismatch AnomalyType = iota
	AnomalyReservedID
	AnomalyUnexpectedPayload
)

// ValidationError represents a frame validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateFrame checks a decoded frame against the control frame layouts
// Returns a slice of validation errors (empty if frame is valid)
func ValidateFrame(f *Frame) []ValidationError {
	errors := []ValidationError{}

	switch f.Kind {
	case KindAck:
		if len(f.Payload) != 1 {
			errors = append(errors, ValidationError{
				Type:    AnomalyLengthMismatch,
				Message: fmt.Sprintf("ACK payload length %d (expected 1)", len(f.Payload)),
				Details: map[string]interface{}{"length": len(f.Payload), "expected": 1},
			})
		}
	case KindReset:
		if len(f.Payload) != 0 {
			errors = append(errors, ValidationError{
				Type:    AnomalyUnexpectedPayload,
				Message: fmt.Sprintf("RESET carries %d payload bytes", len(f.Payload)),
				Details: map[string]interface{}{"length": len(f.Payload)},
			})
		}
	case KindData:
		// Bit 6 is reserved for the control opcodes
		if idc := f.IDControl(); idc&ReservedFlag != 0 {
			errors = append(errors, ValidationError{
				Type:    AnomalyReservedID,
				Message: fmt.Sprintf("Reserved bits set in id/control 0x%02X", idc),
				Details: map[string]interface{}{"id_control": idc},
			})
		}
	}

	return errors
}
