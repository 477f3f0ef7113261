// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"encoding/binary"
	"fmt"
)

// LZ77 parameters for chunk mode 1
const (
	windowSize  = 4096
	windowMask  = windowSize - 1
	minMatch    = 2
	maxMatch    = 17 // 4-bit length field + minMatch
	maxDistance = windowSize - 1

	// Hash chain search depth per position
	maxChain = 256
)

// lzDecoder holds the state of the mode 1 decoder. Control bits are consumed
// low bit first; ctrl and bits track the current control byte so decoding
// can stop anywhere inside it.
type lzDecoder struct {
	src    []byte
	pos    int
	window [windowSize]byte
	cursor int
	ctrl   byte
	bits   int
}

// nextBit returns the next control decision
func (d *lzDecoder) nextBit() (byte, error) {
	if d.bits == 0 {
		if d.pos >= len(d.src) {
			return 0, fmt.Errorf("%w: lz77 stream truncated at control byte %d", ErrMalformedChunk, d.pos)
		}
		d.ctrl = d.src[d.pos]
		d.pos++
		d.bits = 8
	}
	bit := d.ctrl & 1
	d.ctrl >>= 1
	d.bits--
	return bit, nil
}

// decompressLZ77 decodes src until the end-of-stream back-reference is seen
// or limit bytes have been produced, whichever comes first.
func decompressLZ77(src []byte, limit int) ([]byte, error) {
	d := &lzDecoder{src: src, cursor: 1}
	out := make([]byte, 0, limit)

	for len(out) < limit {
		bit, err := d.nextBit()
		if err != nil {
			return out, err
		}

		if bit == 0 {
			if d.pos >= len(d.src) {
				return out, fmt.Errorf("%w: lz77 literal truncated at %d", ErrMalformedChunk, d.pos)
			}
			b := d.src[d.pos]
			d.pos++
			out = append(out, b)
			d.window[d.cursor] = b
			d.cursor = (d.cursor + 1) & windowMask
			continue
		}

		if d.pos+2 > len(d.src) {
			return out, fmt.Errorf("%w: lz77 back-reference truncated at %d", ErrMalformedChunk, d.pos)
		}
		v := binary.LittleEndian.Uint16(d.src[d.pos:])
		d.pos += 2

		ref := int(v >> 4)
		if ref == 0 {
			return out, nil
		}
		for n := int(v&0x0F) + minMatch; n > 0 && len(out) < limit; n-- {
			b := d.window[ref]
			out = append(out, b)
			d.window[d.cursor] = b
			ref = (ref + 1) & windowMask
			d.cursor = (d.cursor + 1) & windowMask
		}
	}

	return out, nil
}

// lzEncoder accumulates mode 1 output, opening a new control byte every
// eight decisions.
type lzEncoder struct {
	dst     []byte
	ctrlPos int
	bits    int
}

func (e *lzEncoder) flag(ref bool) {
	if e.bits == 8 {
		e.ctrlPos = len(e.dst)
		e.dst = append(e.dst, 0)
		e.bits = 0
	}
	if ref {
		e.dst[e.ctrlPos] |= 1 << e.bits
	}
	e.bits++
}

func (e *lzEncoder) literal(b byte) {
	e.flag(false)
	e.dst = append(e.dst, b)
}

func (e *lzEncoder) reference(ref, length int) {
	e.flag(true)
	e.dst = binary.LittleEndian.AppendUint16(e.dst, uint16(ref<<4|(length-minMatch)))
}

// compressLZ77 greedily encodes src for mode 1 and closes the stream with the
// end-of-stream back-reference.
//
// Output byte i lands in window slot (1+i) mod 4096, so a match against input
// position j is emitted as a reference to slot (1+j) mod 4096. Matches are
// found with 2-byte hash chains over input positions at most maxDistance back,
// and slot 0 is never referenced because it encodes end-of-stream.
func compressLZ77(src []byte) []byte {
	e := &lzEncoder{dst: make([]byte, 0, len(src)+len(src)/8+4), bits: 8}

	head := make([]int32, 1<<16)
	for i := range head {
		head[i] = -1
	}
	prev := make([]int32, len(src))

	insert := func(i int) {
		if i+1 >= len(src) {
			return
		}
		h := int(src[i])<<8 | int(src[i+1])
		prev[i] = head[h]
		head[h] = int32(i)
	}

	pos := 0
	for pos < len(src) {
		bestLen, bestRef := 0, 0
		if pos+1 < len(src) {
			limit := min(maxMatch, len(src)-pos)
			h := int(src[pos])<<8 | int(src[pos+1])
			for cand, depth := int(head[h]), 0; cand >= 0 && depth < maxChain; cand, depth = int(prev[cand]), depth+1 {
				if pos-cand > maxDistance {
					break
				}
				ref := (1 + cand) & windowMask
				if ref == 0 {
					continue
				}
				n := 0
				for n < limit && src[cand+n] == src[pos+n] {
					n++
				}
				if n > bestLen {
					bestLen, bestRef = n, ref
					if n == limit {
						break
					}
				}
			}
		}

		if bestLen >= minMatch {
			e.reference(bestRef, bestLen)
			for i := 0; i < bestLen; i++ {
				insert(pos + i)
			}
			pos += bestLen
			continue
		}

		e.literal(src[pos])
		insert(pos)
		pos++
	}

	e.reference(0, minMatch)
	return e.dst
}
