// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

// Key is the working key of the body cipher, derived from the header seed.
type Key byte

// DeriveKey turns the header's key seed into the working cipher key.
// A zero seed marks an unencrypted archive and yields the zero key; such
// bodies are never passed through Transform.
func DeriveKey(seed byte) Key {
	if seed == 0 {
		return 0
	}
	return Key(((seed >> 6) | (seed << 2)) ^ 0xFF)
}

// Transform encrypts or decrypts buf in place. offset is the absolute file
// offset of buf[0]; the keystream depends only on the absolute position of
// each byte, so the transform is its own inverse and any sub-range of the
// body can be processed independently. Every key applies the cipher,
// including the zero key derived from seed 0xFF.
func Transform(buf []byte, offset int64, key Key) {
	k := byte(key)
	for i := range buf {
		buf[i] = byte(offset+int64(i)) ^ k ^ ^buf[i]
	}
}

// transformBody applies the body cipher for an archive with the given header
// seed. Seed 0 marks a plaintext body.
func transformBody(buf []byte, offset int64, seed byte) {
	if seed == 0 {
		return
	}
	Transform(buf, offset, DeriveKey(seed))
}

// encryptChunkPayload applies the per-chunk cipher used when a chunk header
// has its encrypted flag set. Positions are chunk-relative.
func encryptChunkPayload(data []byte) {
	for i := range data {
		data[i] = (data[i] ^ byte(i)) + byte(i)
	}
}

// decryptChunkPayload reverses encryptChunkPayload
func decryptChunkPayload(data []byte) {
	for i := range data {
		data[i] = (data[i] - byte(i)) ^ byte(i)
	}
}
