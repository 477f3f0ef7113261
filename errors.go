// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for archive operations.
var (
	// ErrMalformedHeader is returned when the header is short or has a bad magic.
	ErrMalformedHeader = errors.New("hpi: malformed header")

	// ErrMalformedDirectory is returned when a directory block or entry points
	// outside the archive or carries an unreadable name.
	ErrMalformedDirectory = errors.New("hpi: malformed directory")

	// ErrCyclicDirectory is returned when a directory entry points back at one
	// of its ancestors, or nesting exceeds the configured depth.
	ErrCyclicDirectory = errors.New("hpi: cyclic directory")

	// ErrUnsupportedCompression is returned for chunk modes other than 0, 1 and 2.
	ErrUnsupportedCompression = errors.New("hpi: unsupported compression mode")

	// ErrMalformedChunk is returned when a chunk header or payload is corrupt.
	ErrMalformedChunk = errors.New("hpi: malformed chunk")

	// ErrSizeMismatch is returned in strict mode when decoded data does not
	// match its declared size.
	ErrSizeMismatch = errors.New("hpi: size mismatch")

	// ErrChecksumMismatch is returned when checksum verification is enabled
	// and a chunk checksum does not match its payload.
	ErrChecksumMismatch = errors.New("hpi: checksum mismatch")

	// ErrNotFound is returned when a path does not exist in the archive.
	ErrNotFound = errors.New("hpi: file not found")

	// ErrIsDirectory is returned when file data is requested for a directory.
	ErrIsDirectory = errors.New("hpi: is a directory")

	// ErrInvalidName is returned for entry names that cannot be stored or
	// safely extracted.
	ErrInvalidName = errors.New("hpi: invalid name")

	// ErrSizeOverflow is returned when an archive would exceed 32-bit offsets.
	ErrSizeOverflow = errors.New("hpi: size overflow")

	// ErrDigestMismatch is returned when two archives differ byte-wise.
	ErrDigestMismatch = errors.New("hpi: digest mismatch")
)

// Error records a failed operation together with the archive path and the
// absolute file offset involved. Offset is -1 when no offset applies.
type Error struct {
	Op     string
	Path   string
	Offset int64
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("hpi: ")
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " at 0x%X", e.Offset)
	}
	b.WriteString(": ")
	b.WriteString(strings.TrimPrefix(e.Err.Error(), "hpi: "))
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wrapErr attaches path and offset to err unless it already carries them.
func wrapErr(op, path string, offset int64, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Path == "" {
			e.Path = path
		}
		return e
	}
	return &Error{Op: op, Path: path, Offset: offset, Err: err}
}

// FailureList collects per-file failures of a whole-archive operation.
// Operations that return one have still processed every other file.
type FailureList []*Error

func (f FailureList) Error() string {
	switch len(f) {
	case 0:
		return "hpi: no failures"
	case 1:
		return f[0].Error()
	}
	return fmt.Sprintf("%s (and %d more failures)", f[0].Error(), len(f)-1)
}

func (f FailureList) Unwrap() []error {
	errs := make([]error, len(f))
	for i, e := range f {
		errs[i] = e
	}
	return errs
}

// asError converts err into an *Error for a FailureList.
func asError(op, path string, offset int64, err error) *Error {
	var e *Error
	if errors.As(wrapErr(op, path, offset, err), &e) {
		return e
	}
	return &Error{Op: op, Path: path, Offset: offset, Err: err}
}
