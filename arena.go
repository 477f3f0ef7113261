// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// maxNameLength bounds how far a name string is scanned for its terminator
const maxNameLength = 1024

var errOutOfBounds = errors.New("offset out of bounds")

// arena resolves absolute archive offsets into decrypted body bytes. All
// structure in the body refers to other structure by absolute offset, so
// readers hold plain integers and go through the arena for every access.
type arena interface {
	// bytes returns n decrypted bytes starting at absolute offset off.
	// The result must not be modified.
	bytes(off int64, n int) ([]byte, error)

	// cstring reads a NUL-terminated string at absolute offset off.
	cstring(off int64) (string, error)

	// end returns the absolute offset one past the last byte.
	end() int64
}

// memArena is the whole body decrypted once into memory. Body index i holds
// the byte at absolute offset i + headerSize.
type memArena struct {
	body []byte
}

func newMemArena(raw []byte, seed byte) *memArena {
	body := bytes.Clone(raw[headerSize:])
	transformBody(body, headerSize, seed)
	return &memArena{body: body}
}

func (m *memArena) index(off int64, n int) (int, error) {
	idx := off - headerSize
	if idx < 0 || n < 0 || idx+int64(n) > int64(len(m.body)) {
		return 0, fmt.Errorf("%w: 0x%X+%d", errOutOfBounds, off, n)
	}
	return int(idx), nil
}

func (m *memArena) bytes(off int64, n int) ([]byte, error) {
	idx, err := m.index(off, n)
	if err != nil {
		return nil, err
	}
	return m.body[idx : idx+n : idx+n], nil
}

func (m *memArena) cstring(off int64) (string, error) {
	idx, err := m.index(off, 0)
	if err != nil {
		return "", err
	}
	rest := m.body[idx:]
	if len(rest) > maxNameLength {
		rest = rest[:maxNameLength]
	}
	n := bytes.IndexByte(rest, 0)
	if n < 0 {
		return "", fmt.Errorf("unterminated name at 0x%X", off)
	}
	return string(rest[:n]), nil
}

func (m *memArena) end() int64 {
	return headerSize + int64(len(m.body))
}

// fileArena reads and decrypts on demand from an io.ReaderAt, keeping only
// the requested ranges in memory.
type fileArena struct {
	r    io.ReaderAt
	size int64
	seed byte
}

func (f *fileArena) bytes(off int64, n int) ([]byte, error) {
	if off < headerSize || n < 0 || off+int64(n) > f.size {
		return nil, fmt.Errorf("%w: 0x%X+%d", errOutOfBounds, off, n)
	}
	buf := make([]byte, n)
	if read, err := f.r.ReadAt(buf, off); read < n {
		return nil, fmt.Errorf("read at 0x%X: %w", off, err)
	}
	transformBody(buf, off, f.seed)
	return buf, nil
}

func (f *fileArena) cstring(off int64) (string, error) {
	var name []byte
	for len(name) < maxNameLength {
		n := min(64, int(f.size-off))
		if n <= 0 {
			break
		}
		buf, err := f.bytes(off, n)
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(name, buf[:i]...)), nil
		}
		name = append(name, buf...)
		off += int64(n)
	}
	return "", fmt.Errorf("unterminated name at 0x%X", off)
}

func (f *fileArena) end() int64 {
	return f.size
}
