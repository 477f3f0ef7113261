// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/fs"
	"math/rand/v2"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openSingle assembles one file at "f.bin" and opens the result
func openSingle(t *testing.T, data []byte, opts ...Option) (*Archive, []byte) {
	t.Helper()
	tree := NewTree()
	require.NoError(t, tree.AddFile("f.bin", data))
	raw, err := Assemble(tree, opts...)
	require.NoError(t, err)
	a, err := OpenBytes(raw)
	require.NoError(t, err)
	return a, raw
}

func TestChunkTableBoundaries(t *testing.T) {
	r := rand.New(rand.NewPCG(13, 14))

	tests := []struct {
		size      int
		chunks    int
		lastChunk int
	}{
		{size: 0, chunks: 0},
		{size: 1, chunks: 1, lastChunk: 1},
		{size: chunkSize, chunks: 1, lastChunk: chunkSize},
		{size: chunkSize + 1, chunks: 2, lastChunk: 1},
		{size: 3*chunkSize - 5, chunks: 3, lastChunk: chunkSize - 5},
	}

	for _, tt := range tests {
		data := randomBytes(r, tt.size)
		a, _ := openSingle(t, data, WithCompression(CompressionLZ77))

		e, err := a.Stat("f.bin")
		require.NoError(t, err)
		assert.True(t, e.Compressed)
		assert.Equal(t, int64(tt.size), e.Size)

		dec := newFileDecoder(a.ar, a.cfg, e)
		spans, err := dec.chunkSpans()
		require.NoError(t, err)
		require.Len(t, spans, tt.chunks, "size %d", tt.size)

		if tt.chunks > 0 {
			last, err := dec.decodeChunkAt(tt.chunks-1, spans[tt.chunks-1])
			require.NoError(t, err)
			assert.Len(t, last, tt.lastChunk)
		}

		got, err := a.ReadFile("f.bin")
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got), "size %d", tt.size)
	}
}

func TestIncompressibleChunksAreStored(t *testing.T) {
	r := rand.New(rand.NewPCG(15, 16))
	data := randomBytes(r, 5000)
	a, _ := openSingle(t, data, WithCompression(CompressionZlib))

	e, err := a.Stat("f.bin")
	require.NoError(t, err)
	mode, _, err := a.chunkStyle(e)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, mode)
}

func TestUncompressedBody(t *testing.T) {
	data := []byte("raw body, no chunks")
	a, _ := openSingle(t, data, WithSkipCompression(func(path string, size int64) bool {
		return path == "f.bin" && size == int64(len(data))
	}))

	e, err := a.Stat("f.bin")
	require.NoError(t, err)
	assert.False(t, e.Compressed)
	assert.Equal(t, byte(0), e.Flags)

	got, err := a.ReadFile("f.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	r, err := a.OpenFile("f.bin")
	require.NoError(t, err)
	streamed, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, streamed)
}

func TestFileReaderStreams(t *testing.T) {
	r := rand.New(rand.NewPCG(17, 18))
	data := append(randomBytes(r, chunkSize), bytes.Repeat([]byte("TA"), chunkSize)...)
	a, _ := openSingle(t, data, WithKeySeed(0x33), WithChunkEncryption(true))

	fr, err := a.OpenFile("f.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), fr.Size())

	var out bytes.Buffer
	buf := make([]byte, 1000)
	for {
		n, err := fr.Read(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.True(t, bytes.Equal(data, out.Bytes()))

	require.NoError(t, fr.Close())
	_, err = fr.Read(buf)
	assert.ErrorIs(t, err, fs.ErrClosed)
}

func TestFileSizeMismatch(t *testing.T) {
	data := []byte("0123456789")

	patch := func(t *testing.T, size uint32) []byte {
		a, raw := openSingle(t, data, WithCompression(CompressionNone))
		e, err := a.Stat("f.bin")
		require.NoError(t, err)
		raw = bytes.Clone(raw)
		binary.LittleEndian.PutUint32(raw[e.Offset+4:], size)
		return raw
	}

	t.Run("declared larger", func(t *testing.T) {
		raw := patch(t, 12)
		logger, hook := test.NewNullLogger()

		a, err := OpenBytes(raw, WithLogger(logger))
		require.NoError(t, err)
		got, err := a.ReadFile("f.bin")
		require.NoError(t, err)
		assert.Equal(t, data, got)
		assert.NotEmpty(t, hook.Entries)

		a, err = OpenBytes(raw, WithStrict(true))
		require.NoError(t, err)
		_, err = a.ReadFile("f.bin")
		assert.ErrorIs(t, err, ErrSizeMismatch)
	})

	t.Run("declared smaller", func(t *testing.T) {
		raw := patch(t, 8)
		logger, hook := test.NewNullLogger()

		a, err := OpenBytes(raw, WithLogger(logger))
		require.NoError(t, err)
		got, err := a.ReadFile("f.bin")
		require.NoError(t, err)
		assert.Equal(t, data[:8], got)
		assert.NotEmpty(t, hook.Entries)

		streamed, err := a.OpenFile("f.bin")
		require.NoError(t, err)
		got, err = io.ReadAll(streamed)
		require.NoError(t, err)
		assert.Equal(t, data[:8], got)

		a, err = OpenBytes(raw, WithStrict(true))
		require.NoError(t, err)
		_, err = a.ReadFile("f.bin")
		assert.ErrorIs(t, err, ErrSizeMismatch)
	})
}

func TestCorruptChunkTable(t *testing.T) {
	a, raw := openSingle(t, []byte("table points nowhere"))
	e, err := a.Stat("f.bin")
	require.NoError(t, err)

	raw = bytes.Clone(raw)
	binary.LittleEndian.PutUint32(raw[e.body.DataOffset:], 0xFFFF)

	a, err = OpenBytes(raw)
	require.NoError(t, err)
	_, err = a.ReadFile("f.bin")
	assert.ErrorIs(t, err, ErrMalformedChunk)

	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "f.bin", herr.Path)
	assert.Equal(t, int64(e.body.DataOffset), herr.Offset)
}
