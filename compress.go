// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/sirupsen/logrus"
)

// Compression identifies the payload encoding of a SQSH chunk.
type Compression byte

// Chunk payload modes
const (
	CompressionNone Compression = 0 // Stored verbatim
	CompressionLZ77 Compression = 1 // 4 KiB window LZ77
	CompressionZlib Compression = 2 // zlib stream
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ77:
		return "lz77"
	case CompressionZlib:
		return "zlib"
	}
	return fmt.Sprintf("mode(%d)", byte(c))
}

// EncodeChunk wraps data in a SQSH chunk using the given mode. data must not
// exceed 65536 bytes. WithChunkEncryption sets the chunk's encrypted flag.
func EncodeChunk(data []byte, mode Compression, opts ...Option) ([]byte, error) {
	cfg := newConfig(opts)
	return encodeChunk(data, mode, cfg.encryptChunks)
}

// DecodeChunk decodes one SQSH chunk. In the default tolerant mode a payload
// that decodes to more bytes than the header declares is truncated; with
// WithStrict any mismatch returns ErrSizeMismatch.
func DecodeChunk(raw []byte, opts ...Option) ([]byte, error) {
	cfg := newConfig(opts)
	out, _, err := decodeChunk(raw, cfg, cfg.logger)
	return out, err
}

// encodeChunk compresses data and prepends the chunk header
func encodeChunk(data []byte, mode Compression, encrypt bool) ([]byte, error) {
	if len(data) > chunkSize {
		return nil, fmt.Errorf("chunk of %d bytes exceeds %d", len(data), chunkSize)
	}

	payload, err := compressPayload(data, mode)
	if err != nil {
		return nil, err
	}

	hdr := chunkHeader{
		Magic:            chunkMagic,
		Version:          chunkVersion,
		Mode:             byte(mode),
		CompressedSize:   uint32(len(payload)),
		UncompressedSize: uint32(len(data)),
	}
	if encrypt {
		hdr.Encrypted = 1
		encryptChunkPayload(payload)
	}
	hdr.Checksum = chunkChecksum(payload)

	buf := make([]byte, chunkHeaderSize, chunkHeaderSize+len(payload))
	hdr.put(buf)
	return append(buf, payload...), nil
}

// compressPayload encodes data in the given mode. The result is always a
// fresh slice the caller may modify.
func compressPayload(data []byte, mode Compression) ([]byte, error) {
	switch mode {
	case CompressionNone:
		return bytes.Clone(data), nil
	case CompressionLZ77:
		return compressLZ77(data), nil
	case CompressionZlib:
		return compressZlib(data)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedCompression, byte(mode))
}

// compressZlib compresses data using zlib
func compressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create zlib writer: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("zlib write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}

	return buf.Bytes(), nil
}

// decodeChunk validates and decodes one chunk. raw may extend past the chunk
// payload; trailing bytes are ignored. The returned header is valid whenever
// the magic check passed.
func decodeChunk(raw []byte, cfg *config, log logrus.FieldLogger) ([]byte, chunkHeader, error) {
	if len(raw) < chunkHeaderSize {
		return nil, chunkHeader{}, fmt.Errorf("%w: %d bytes, need %d for header", ErrMalformedChunk, len(raw), chunkHeaderSize)
	}

	hdr := decodeChunkHeader(raw)
	if hdr.Magic != chunkMagic {
		return nil, hdr, fmt.Errorf("%w: invalid magic 0x%08X", ErrMalformedChunk, hdr.Magic)
	}
	if hdr.UncompressedSize > chunkSize {
		return nil, hdr, fmt.Errorf("%w: declares %d uncompressed bytes", ErrMalformedChunk, hdr.UncompressedSize)
	}

	payload := raw[chunkHeaderSize:]
	if uint64(hdr.CompressedSize) > uint64(len(payload)) {
		return nil, hdr, fmt.Errorf("%w: declares %d payload bytes, %d available", ErrMalformedChunk, hdr.CompressedSize, len(payload))
	}
	payload = payload[:hdr.CompressedSize]

	if sum := chunkChecksum(payload); sum != hdr.Checksum {
		if cfg.verifyChecksums {
			return nil, hdr, fmt.Errorf("%w: header 0x%08X, payload 0x%08X", ErrChecksumMismatch, hdr.Checksum, sum)
		}
		log.WithFields(logrus.Fields{"declared": hdr.Checksum, "actual": sum}).Warn("chunk checksum mismatch")
	}

	if hdr.Encrypted != 0 {
		payload = bytes.Clone(payload)
		decryptChunkPayload(payload)
	}

	limit := int(hdr.UncompressedSize)
	var (
		out []byte
		err error
	)
	switch Compression(hdr.Mode) {
	case CompressionNone:
		out = bytes.Clone(payload)
	case CompressionLZ77:
		out, err = decompressLZ77(payload, limit)
	case CompressionZlib:
		out, err = decompressZlib(payload, limit)
	default:
		return nil, hdr, fmt.Errorf("%w: %d", ErrUnsupportedCompression, hdr.Mode)
	}
	if err != nil {
		return nil, hdr, err
	}

	switch {
	case len(out) == limit:
	case cfg.strict:
		return nil, hdr, fmt.Errorf("%w: chunk decoded to %d bytes, header declares %d", ErrSizeMismatch, len(out), limit)
	case len(out) > limit:
		log.WithFields(logrus.Fields{"declared": limit, "actual": len(out)}).Warn("chunk decoded long, truncating")
		out = out[:limit]
	default:
		log.WithFields(logrus.Fields{"declared": limit, "actual": len(out)}).Warn("chunk decoded short")
	}

	return out, hdr, nil
}

// decompressZlib inflates data, reading at most one byte past limit so that
// oversized streams can be detected without inflating them fully.
func decompressZlib(data []byte, limit int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: create zlib reader: %v", ErrMalformedChunk, err)
	}
	defer r.Close()

	result, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: zlib decompress: %v", ErrMalformedChunk, err)
	}

	return result, nil
}
