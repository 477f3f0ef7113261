// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"encoding/binary"
	"fmt"
)

// HPI format constants
const (
	// Magic signature "HAPI" in little-endian
	hpiMagic = 0x49504148

	// Chunk signature "SQSH" in little-endian
	chunkMagic = 0x48535153

	// Header size; the encrypted body starts right after it
	headerSize = 0x14

	// Version written into new archives
	defaultVersion = 0x00010000

	// Directory block header: entry count + entry table offset
	dirBlockHeaderSize = 8

	// Directory entry: name offset, data offset, flags
	dirEntrySize = 9

	// File body descriptor: data offset + uncompressed size
	fileBodySize = 8

	// Chunk header size
	chunkHeaderSize = 19

	// Version marker written into chunk headers
	chunkVersion = 0x02

	// Maximum uncompressed bytes per chunk
	chunkSize = 1 << 16

	// Directory entry flags
	entryFlagDirectory  = 0x01
	entryFlagCompressed = 0x02
)

// archiveHeader is the unencrypted archive header (20 bytes)
type archiveHeader struct {
	Magic      uint32  // "HAPI"
	Version    uint32  // Informational, 0x00010000 in shipped archives
	SizeHint   uint32  // Not relied upon
	KeySeed    byte    // Seed for the body cipher, 0 = unencrypted
	Reserved   [3]byte // Preserved as-is
	RootOffset uint32  // Absolute offset of the root directory block
}

// dirBlockHeader starts every directory block
type dirBlockHeader struct {
	EntryCount uint32
	DataOffset uint32 // Entry table offset; entries are read right after the header
}

// dirEntry is one 9-byte record of a directory block
type dirEntry struct {
	NameOffset uint32
	DataOffset uint32
	Flags      byte
}

// fileBody is what a file entry's DataOffset points at
type fileBody struct {
	DataOffset uint32 // Chunk table when compressed, raw bytes otherwise
	Size       uint32 // Uncompressed size
}

// chunkHeader precedes every SQSH chunk payload
type chunkHeader struct {
	Magic            uint32 // "SQSH"
	Version          byte
	Mode             byte // Compression
	Encrypted        byte
	CompressedSize   uint32
	UncompressedSize uint32
	Checksum         uint32
}

// Header is the decoded archive header.
type Header struct {
	Version    uint32
	SizeHint   uint32
	KeySeed    byte
	Key        Key
	RootOffset uint32
}

// parseArchiveHeader decodes and validates the 20-byte header
func parseArchiveHeader(b []byte) (*archiveHeader, error) {
	h := &archiveHeader{}
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedHeader, len(b), headerSize)
	}
	if _, err := binary.Decode(b[:headerSize], binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if h.Magic != hpiMagic {
		return nil, fmt.Errorf("%w: invalid magic 0x%08X", ErrMalformedHeader, h.Magic)
	}
	if h.RootOffset < headerSize {
		return nil, fmt.Errorf("%w: root directory offset 0x%X inside header", ErrMalformedHeader, h.RootOffset)
	}
	return h, nil
}

// putArchiveHeader encodes the header into the first 20 bytes of b
func putArchiveHeader(b []byte, h *archiveHeader) error {
	_, err := binary.Encode(b[:headerSize], binary.LittleEndian, h)
	return err
}

func decodeDirBlockHeader(b []byte) dirBlockHeader {
	return dirBlockHeader{
		EntryCount: binary.LittleEndian.Uint32(b[0:4]),
		DataOffset: binary.LittleEndian.Uint32(b[4:8]),
	}
}

func (h dirBlockHeader) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.EntryCount)
	binary.LittleEndian.PutUint32(b[4:8], h.DataOffset)
}

func decodeDirEntry(b []byte) dirEntry {
	return dirEntry{
		NameOffset: binary.LittleEndian.Uint32(b[0:4]),
		DataOffset: binary.LittleEndian.Uint32(b[4:8]),
		Flags:      b[8],
	}
}

func (e dirEntry) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], e.NameOffset)
	binary.LittleEndian.PutUint32(b[4:8], e.DataOffset)
	b[8] = e.Flags
}

func decodeFileBody(b []byte) fileBody {
	return fileBody{
		DataOffset: binary.LittleEndian.Uint32(b[0:4]),
		Size:       binary.LittleEndian.Uint32(b[4:8]),
	}
}

func (f fileBody) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], f.DataOffset)
	binary.LittleEndian.PutUint32(b[4:8], f.Size)
}

func decodeChunkHeader(b []byte) chunkHeader {
	return chunkHeader{
		Magic:            binary.LittleEndian.Uint32(b[0:4]),
		Version:          b[4],
		Mode:             b[5],
		Encrypted:        b[6],
		CompressedSize:   binary.LittleEndian.Uint32(b[7:11]),
		UncompressedSize: binary.LittleEndian.Uint32(b[11:15]),
		Checksum:         binary.LittleEndian.Uint32(b[15:19]),
	}
}

func (h chunkHeader) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	b[4] = h.Version
	b[5] = h.Mode
	b[6] = h.Encrypted
	binary.LittleEndian.PutUint32(b[7:11], h.CompressedSize)
	binary.LittleEndian.PutUint32(b[11:15], h.UncompressedSize)
	binary.LittleEndian.PutUint32(b[15:19], h.Checksum)
}

// chunkCount returns the number of chunk table entries for a file of size bytes
func chunkCount(size uint32) int {
	return int((uint64(size) + chunkSize - 1) / chunkSize)
}

// expectedChunkSize returns how many bytes chunk i of a size-byte file decodes to
func expectedChunkSize(size uint32, i int) int {
	rem := int64(size) - int64(i)*chunkSize
	if rem > chunkSize {
		return chunkSize
	}
	return int(rem)
}
