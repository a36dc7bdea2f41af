// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/Thermoquad/minlink/pkg/minproto"
)

// parseID parses a MIN application ID (0-63)
func parseID(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil || n > minproto.MaxID {
		return 0, fmt.Errorf("invalid MIN ID %q (0-%d)", s, minproto.MaxID)
	}
	return uint8(n), nil
}

// parsePayload turns a command line payload into bytes. Text is sent as is
// unless it starts with "x:", in which case the rest is hex ("x:01 02 ff").
func parsePayload(s string, hexMode bool) ([]byte, error) {
	if rest, ok := strings.CutPrefix(s, "x:"); ok {
		s = rest
		hexMode = true
	}
	if !hexMode {
		return []byte(s), nil
	}

	clean := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", s, err)
	}
	return data, nil
}

// parseCommandLine splits console input "<id> <payload>" into its parts
func parseCommandLine(line string) (uint8, []byte, error) {
	line = strings.TrimSpace(line)
	idPart, payloadPart, _ := strings.Cut(line, " ")
	if idPart == "" {
		return 0, nil, fmt.Errorf("expected <id> <payload>")
	}
	id, err := parseID(idPart)
	if err != nil {
		return 0, nil, err
	}
	payload, err := parsePayload(strings.TrimSpace(payloadPart), false)
	if err != nil {
		return 0, nil, err
	}
	if len(payload) > minproto.MaxPayloadSize {
		return 0, nil, fmt.Errorf("payload is %d bytes (max %d)", len(payload), minproto.MaxPayloadSize)
	}
	return id, payload, nil
}
