// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"fmt"
	"time"
)

// Config holds the transport tunables
type Config struct {
	MaxWindowSize            int `yaml:"max_window_size" json:"maxWindowSize"`
	RxWindowSize             int `yaml:"rx_window_size" json:"rxWindowSize"`
	TransportFIFOSize        int `yaml:"transport_fifo_size" json:"transportFifoSize"`
	AckRetransmitTimeoutMs   int `yaml:"ack_retransmit_timeout_ms" json:"ackRetransmitTimeoutMs"`
	FrameRetransmitTimeoutMs int `yaml:"frame_retransmit_timeout_ms" json:"frameRetransmitTimeoutMs"`
}

// DefaultConfig returns the tunables used by the MIN reference host
func DefaultConfig() Config {
	return Config{
		MaxWindowSize:            DefaultMaxWindowSize,
		RxWindowSize:             DefaultRxWindowSize,
		TransportFIFOSize:        DefaultTransportFIFOSize,
		AckRetransmitTimeoutMs:   DefaultAckRetransmitTimeoutMs,
		FrameRetransmitTimeoutMs: DefaultFrameRetransmitTimeoutMs,
	}
}

// Validate checks that the window sizes fit 8-bit sequence arithmetic
func (c Config) Validate() error {
	if c.MaxWindowSize < 1 || c.MaxWindowSize > 127 {
		return fmt.Errorf("max_window_size %d out of range (1-127)", c.MaxWindowSize)
	}
	if c.RxWindowSize < 1 || c.RxWindowSize > 127 {
		return fmt.Errorf("rx_window_size %d out of range (1-127)", c.RxWindowSize)
	}
	if c.TransportFIFOSize < c.MaxWindowSize {
		return fmt.Errorf("transport_fifo_size %d smaller than max_window_size %d", c.TransportFIFOSize, c.MaxWindowSize)
	}
	if c.AckRetransmitTimeoutMs <= 0 || c.FrameRetransmitTimeoutMs <= 0 {
		return fmt.Errorf("retransmit timeouts must be positive")
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWindowSize == 0 {
		c.MaxWindowSize = d.MaxWindowSize
	}
	if c.RxWindowSize == 0 {
		c.RxWindowSize = d.RxWindowSize
	}
	if c.TransportFIFOSize == 0 {
		c.TransportFIFOSize = d.TransportFIFOSize
	}
	if c.AckRetransmitTimeoutMs == 0 {
		c.AckRetransmitTimeoutMs = d.AckRetransmitTimeoutMs
	}
	if c.FrameRetransmitTimeoutMs == 0 {
		c.FrameRetransmitTimeoutMs = d.FrameRetransmitTimeoutMs
	}
	return c
}

func (c Config) ackRetransmitTimeout() time.Duration {
	return time.Duration(c.AckRetransmitTimeoutMs) * time.Millisecond
}

func (c Config) frameRetransmitTimeout() time.Duration {
	return time.Duration(c.FrameRetransmitTimeoutMs) * time.Millisecond
}
