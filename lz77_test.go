// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLZ77RoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 8))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"single byte", []byte{0x42}},
		{"two bytes", []byte("ab")},
		{"zeros", make([]byte, chunkSize)},
		{"text", bytes.Repeat([]byte("ARMCOM CORCOM ARMPW CORAK "), 2000)[:50000]},
		{"random", randomBytes(r, chunkSize)},
		{"short period", bytes.Repeat([]byte{1, 2, 3}, 10000)},
		{"long period", bytes.Repeat(randomBytes(r, 5000), 14)[:chunkSize]},
		{"mixed", append(randomBytes(r, 3000), bytes.Repeat([]byte("x"), 9000)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := compressLZ77(tt.data)
			dec, err := decompressLZ77(enc, len(tt.data))
			require.NoError(t, err)
			assert.Equal(t, len(tt.data), len(dec))
			assert.True(t, bytes.Equal(tt.data, dec), "decoded bytes differ")
		})
	}
}

func TestLZ77RandomLengths(t *testing.T) {
	r := rand.New(rand.NewPCG(9, 10))
	alphabet := []byte("abcd")
	for i := 0; i < 50; i++ {
		data := make([]byte, r.IntN(20000))
		for j := range data {
			data[j] = alphabet[r.IntN(len(alphabet))]
		}
		dec, err := decompressLZ77(compressLZ77(data), len(data))
		require.NoError(t, err)
		require.True(t, bytes.Equal(data, dec), "length %d", len(data))
	}
}

func TestLZ77Compresses(t *testing.T) {
	enc := compressLZ77(make([]byte, chunkSize))
	assert.Less(t, len(enc), chunkSize/4)
}

func TestLZ77BackReference(t *testing.T) {
	// literal 'a', literal 'b', reference to slot 1 for 4 bytes, end marker
	stream := []byte{0x0C, 'a', 'b', 0x12, 0x00, 0x00, 0x00}

	out, err := decompressLZ77(stream, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("ababab"), out)

	out, err = decompressLZ77(stream, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("aba"), out)
}

func TestLZ77SentinelMidControlByte(t *testing.T) {
	// The end marker is the third decision of the control byte. The
	// remaining set bits and trailing bytes must never be read.
	stream := []byte{0xFC, 'h', 'i', 0x00, 0x00, 0xFF, 0xFF, 0xFF}

	out, err := decompressLZ77(stream, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), out)
}

func TestLZ77Truncated(t *testing.T) {
	tests := []struct {
		name   string
		stream []byte
	}{
		{"no control byte", nil},
		{"missing literal", []byte{0x00, 'a'}},
		{"short reference", []byte{0x02, 'a', 0x12}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decompressLZ77(tt.stream, 10)
			assert.ErrorIs(t, err, ErrMalformedChunk)
		})
	}
}

// BenchmarkCompressLZ77 benchmarks encoding one full chunk of text-like data
func BenchmarkCompressLZ77(b *testing.B) {
	data := bytes.Repeat([]byte("[UNITINFO]{UnitName=ARMCOM;Side=ARM;BuildTime=60000;}\n"), 1300)[:chunkSize]
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		compressLZ77(data)
	}
}

// BenchmarkDecompressLZ77 benchmarks decoding one full chunk
func BenchmarkDecompressLZ77(b *testing.B) {
	data := bytes.Repeat([]byte("[UNITINFO]{UnitName=ARMCOM;Side=ARM;BuildTime=60000;}\n"), 1300)[:chunkSize]
	enc := compressLZ77(data)
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := decompressLZ77(enc, len(data)); err != nil {
			b.Fatal(err)
		}
	}
}
