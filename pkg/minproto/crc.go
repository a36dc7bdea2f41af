// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import "hash/crc32"

// CalculateCRC computes the CRC32 (IEEE) checksum MIN uses over the
// id/control, seq, length and payload bytes of a frame
func CalculateCRC(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
