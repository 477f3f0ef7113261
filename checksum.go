// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

// chunkChecksum computes the SQSH header checksum: a wrapping 32-bit sum of
// the payload bytes as stored in the archive.
func chunkChecksum(data []byte) uint32 {
	var sum uint32
	for _, v := range data {
		sum += uint32(v)
	}
	return sum
}
