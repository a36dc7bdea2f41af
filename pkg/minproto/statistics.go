// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks frame statistics and error rates, both for passive
// decoding (Update) and for a live Transport
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Framer counters
	TotalFrames    uint64
	ValidFrames    uint64
	CRCErrors      uint64
	EOFErrors      uint64
	StuffingErrors uint64
	DecodeErrors   uint64
	InvalidFrames  uint64 // frames that decoded but failed validation

	// Transport counters
	FramesSent      uint64
	Retransmits     uint64
	AcksSent        uint64
	NacksSent       uint64
	AcksReceived    uint64
	NacksReceived   uint64
	SpuriousAcks    uint64
	ResetsSent      uint64
	ResetsReceived  uint64
	Delivered       uint64
	Stashed         uint64
	StashRecovered  uint64
	StaleDiscarded  uint64
	StashDropped    uint64 // stashed frames lost to the stale-stash guard
	QueueRejections uint64
	ReservedIDs     uint64 // data frames received with the reserved id bit set

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update updates statistics based on a decoded frame and its errors
func (s *Statistics) Update(frame *Frame, decodeErr error, validationErrors []ValidationError) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		s.recordDecodeError(decodeErr)
		return
	}

	if len(validationErrors) > 0 {
		s.InvalidFrames++
		return
	}
	s.ValidFrames++
}

func (s *Statistics) recordDecodeError(err error) {
	switch {
	case errors.Is(err, ErrCRCMismatch):
		s.CRCErrors++
	case errors.Is(err, ErrMissingEOF):
		s.EOFErrors++
	case errors.Is(err, ErrBadStuffing):
		s.StuffingErrors++
	default:
		s.DecodeErrors++
	}
}

// Errors returns the number of frames lost to decode or validation errors
func (s *Statistics) Errors() uint64 {
	return s.CRCErrors + s.EOFErrors + s.StuffingErrors + s.DecodeErrors + s.InvalidFrames
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var validPercent, errorPercent float64
	if s.TotalFrames > 0 {
		validPercent = float64(s.ValidFrames) * 100.0 / float64(s.TotalFrames)
		errorPercent = float64(s.Errors()) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, validPercent)

	if s.Errors() > 0 {
		result += fmt.Sprintf("Errors:          %8d (%.1f%%)\n", s.Errors(), errorPercent)
		if s.CRCErrors > 0 {
			result += fmt.Sprintf("  CRC Errors:       %5d\n", s.CRCErrors)
		}
		if s.EOFErrors > 0 {
			result += fmt.Sprintf("  Missing EOF:      %5d\n", s.EOFErrors)
		}
		if s.StuffingErrors > 0 {
			result += fmt.Sprintf("  Bad Stuffing:     %5d\n", s.StuffingErrors)
		}
		if s.DecodeErrors > 0 {
			result += fmt.Sprintf("  Decode Errors:    %5d\n", s.DecodeErrors)
		}
		if s.InvalidFrames > 0 {
			result += fmt.Sprintf("  Invalid Frames:   %5d\n", s.InvalidFrames)
		}
	}

	if s.FramesSent > 0 || s.AcksReceived > 0 || s.Delivered > 0 {
		result += fmt.Sprintf("Frames Sent:     %8d (retransmits %d)\n", s.FramesSent, s.Retransmits)
		result += fmt.Sprintf("ACK/NACK Sent:   %8d / %d\n", s.AcksSent, s.NacksSent)
		result += fmt.Sprintf("ACK/NACK Recv:   %8d / %d (spurious %d)\n", s.AcksReceived, s.NacksReceived, s.SpuriousAcks)
		result += fmt.Sprintf("Delivered:       %8d (stashed %d, recovered %d)\n", s.Delivered, s.Stashed, s.StashRecovered)
		if s.StaleDiscarded > 0 || s.StashDropped > 0 {
			result += fmt.Sprintf("Stale Discarded: %8d (stash dropped %d)\n", s.StaleDiscarded, s.StashDropped)
		}
		if s.ReservedIDs > 0 {
			result += fmt.Sprintf("Reserved IDs:    %8d\n", s.ReservedIDs)
		}
		if s.ResetsSent > 0 || s.ResetsReceived > 0 {
			result += fmt.Sprintf("Resets:          %8d sent, %d received\n", s.ResetsSent, s.ResetsReceived)
		}
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
