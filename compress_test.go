// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkRoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(11, 12))
	inputs := map[string][]byte{
		"empty":  {},
		"text":   bytes.Repeat([]byte("[UNITINFO] Name=Commander; "), 1500),
		"random": randomBytes(r, 40000),
		"full":   bytes.Repeat([]byte{0xAA, 0x55}, chunkSize/2),
	}

	for _, mode := range []Compression{CompressionNone, CompressionLZ77, CompressionZlib} {
		for _, encrypt := range []bool{false, true} {
			for name, data := range inputs {
				raw, err := EncodeChunk(data, mode, WithChunkEncryption(encrypt))
				require.NoError(t, err, "%s/%s", mode, name)

				hdr := decodeChunkHeader(raw)
				assert.Equal(t, uint32(chunkMagic), hdr.Magic)
				assert.Equal(t, byte(chunkVersion), hdr.Version)
				assert.Equal(t, byte(mode), hdr.Mode)
				assert.Equal(t, encrypt, hdr.Encrypted == 1)
				assert.Equal(t, uint32(len(data)), hdr.UncompressedSize)
				assert.Equal(t, uint32(len(raw)-chunkHeaderSize), hdr.CompressedSize)
				assert.Equal(t, chunkChecksum(raw[chunkHeaderSize:]), hdr.Checksum)

				out, err := DecodeChunk(raw, WithStrict(true), WithChecksumVerification(true))
				require.NoError(t, err, "%s/%s encrypt=%v", mode, name, encrypt)
				assert.True(t, bytes.Equal(data, out), "%s/%s encrypt=%v", mode, name, encrypt)
			}
		}
	}
}

func TestChunkMagicOnDisk(t *testing.T) {
	raw, err := EncodeChunk([]byte("x"), CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, []byte("SQSH"), raw[:4])
}

func TestEncodeChunkTooLarge(t *testing.T) {
	_, err := EncodeChunk(make([]byte, chunkSize+1), CompressionZlib)
	assert.Error(t, err)
}

// storedChunk builds a mode 0 chunk by hand with an arbitrary checksum
func storedChunk(payload []byte, declared uint32, checksum uint32) []byte {
	buf := make([]byte, chunkHeaderSize+len(payload))
	chunkHeader{
		Magic:            chunkMagic,
		Version:          chunkVersion,
		Mode:             byte(CompressionNone),
		CompressedSize:   uint32(len(payload)),
		UncompressedSize: declared,
		Checksum:         checksum,
	}.put(buf)
	copy(buf[chunkHeaderSize:], payload)
	return buf
}

func TestDecodeChunkIgnoresChecksum(t *testing.T) {
	logger, hook := test.NewNullLogger()
	raw := storedChunk(make([]byte, 10), 10, 0xDEADBEEF)

	out, err := DecodeChunk(raw, WithLogger(logger))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 10), out)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "chunk checksum mismatch", hook.LastEntry().Message)

	_, err = DecodeChunk(raw, WithChecksumVerification(true))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecodeChunkSizeMismatch(t *testing.T) {
	payload := []byte("0123456789")

	t.Run("longer than declared", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		raw := storedChunk(payload, 8, chunkChecksum(payload))

		out, err := DecodeChunk(raw, WithLogger(logger))
		require.NoError(t, err)
		assert.Equal(t, []byte("01234567"), out)
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

		_, err = DecodeChunk(raw, WithStrict(true))
		assert.ErrorIs(t, err, ErrSizeMismatch)
	})

	t.Run("shorter than declared", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		raw := storedChunk(payload, 12, chunkChecksum(payload))

		out, err := DecodeChunk(raw, WithLogger(logger))
		require.NoError(t, err)
		assert.Equal(t, payload, out)
		assert.Len(t, hook.Entries, 1)

		_, err = DecodeChunk(raw, WithStrict(true))
		assert.ErrorIs(t, err, ErrSizeMismatch)
	})
}

func TestDecodeChunkErrors(t *testing.T) {
	valid, err := EncodeChunk([]byte("some payload bytes"), CompressionZlib)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{
			name:   "short header",
			mutate: func(b []byte) []byte { return b[:10] },
			want:   ErrMalformedChunk,
		},
		{
			name: "bad magic",
			mutate: func(b []byte) []byte {
				b[0] = 'X'
				return b
			},
			want: ErrMalformedChunk,
		},
		{
			name: "unsupported mode",
			mutate: func(b []byte) []byte {
				b[5] = 7
				return b
			},
			want: ErrUnsupportedCompression,
		},
		{
			name: "payload past end",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[7:11], uint32(len(b)))
				return b
			},
			want: ErrMalformedChunk,
		},
		{
			name: "oversized chunk",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[11:15], chunkSize+1)
				return b
			},
			want: ErrMalformedChunk,
		},
		{
			name: "corrupt zlib stream",
			mutate: func(b []byte) []byte {
				b[chunkHeaderSize] ^= 0xFF
				return b
			},
			want: ErrMalformedChunk,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.mutate(bytes.Clone(valid))
			_, err := DecodeChunk(raw)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCompressionString(t *testing.T) {
	assert.Equal(t, "none", CompressionNone.String())
	assert.Equal(t, "lz77", CompressionLZ77.String())
	assert.Equal(t, "zlib", CompressionZlib.String())
	assert.Equal(t, "mode(9)", Compression(9).String())
}
