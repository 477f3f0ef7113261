// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Archive is an HPI archive opened for reading. It holds no mutable state
// after opening, so its methods may be called from several goroutines.
type Archive struct {
	file   *os.File
	path   string
	raw    io.ReaderAt
	size   int64
	header *archiveHeader
	key    Key
	ar     arena
	cfg    *config
}

// Open opens an archive on disk. File bodies are read and decrypted on
// demand, so memory use does not grow with the archive size.
func Open(path string, opts ...Option) (*Archive, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	a, err := NewReader(file, info.Size(), opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	a.file = file
	a.path = path
	return a, nil
}

// OpenBytes opens an archive held in memory. The body is decrypted once into
// a private buffer; data itself is never modified.
func OpenBytes(data []byte, opts ...Option) (*Archive, error) {
	a, err := newArchive(bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return nil, err
	}
	a.ar = newMemArena(data, a.header.KeySeed)
	return a, nil
}

// NewReader opens an archive from r, which must hold size bytes. Like Open,
// it decrypts on demand.
func NewReader(r io.ReaderAt, size int64, opts ...Option) (*Archive, error) {
	a, err := newArchive(r, size, opts)
	if err != nil {
		return nil, err
	}
	a.ar = &fileArena{r: r, size: size, seed: a.header.KeySeed}
	return a, nil
}

func newArchive(r io.ReaderAt, size int64, opts []Option) (*Archive, error) {
	cfg := newConfig(opts)

	buf := make([]byte, headerSize)
	if size < headerSize {
		return nil, &Error{Op: "read header", Offset: 0, Err: fmt.Errorf("%w: archive is %d bytes", ErrMalformedHeader, size)}
	}
	if n, err := r.ReadAt(buf, 0); n < headerSize {
		return nil, &Error{Op: "read header", Offset: 0, Err: fmt.Errorf("%w: %v", ErrMalformedHeader, err)}
	}

	header, err := parseArchiveHeader(buf)
	if err != nil {
		return nil, &Error{Op: "read header", Offset: 0, Err: err}
	}
	if int64(header.RootOffset)+dirBlockHeaderSize > size {
		return nil, &Error{Op: "read header", Offset: 0x10,
			Err: fmt.Errorf("%w: root directory offset 0x%X beyond end of archive", ErrMalformedHeader, header.RootOffset)}
	}

	return &Archive{
		raw:    r,
		size:   size,
		header: header,
		key:    DeriveKey(header.KeySeed),
		cfg:    cfg,
	}, nil
}

// Header returns the decoded archive header.
func (a *Archive) Header() Header {
	return Header{
		Version:    a.header.Version,
		SizeHint:   a.header.SizeHint,
		KeySeed:    a.header.KeySeed,
		Key:        a.key,
		RootOffset: a.header.RootOffset,
	}
}

// Size returns the archive size in bytes.
func (a *Archive) Size() int64 {
	return a.size
}

// Root parses the root directory block.
func (a *Archive) Root() (*DirectoryBlock, error) {
	block, err := parseDirectory(a.ar, a.header.RootOffset)
	if err != nil {
		return nil, &Error{Op: "read directory", Offset: int64(a.header.RootOffset), Err: err}
	}
	return block, nil
}

// Walk returns a lazy pre-order traversal of every entry in the archive.
// Directory blocks are parsed only as the iteration reaches them, and the
// iteration can be restarted by calling Walk again. A non-nil error concerns
// a single entry or subtree; iteration continues with the next sibling.
func (a *Archive) Walk() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		w := newWalker(a.ar, a.cfg.maxDepth)
		w.walk(a.header.RootOffset, "", 0, yield)
	}
}

// List returns every entry in pre-order. Entries that could not be resolved
// are reported in a FailureList alongside the entries that could.
func (a *Archive) List() ([]Entry, error) {
	var (
		entries  []Entry
		failures FailureList
	)
	for e, err := range a.Walk() {
		if err != nil {
			a.cfg.logger.WithFields(logrus.Fields{"path": e.Path, "offset": e.Offset}).WithError(err).Warn("skipping entry")
			failures = append(failures, asError("list", e.Path, int64(e.Offset), err))
			continue
		}
		entries = append(entries, e)
	}
	if len(failures) > 0 {
		return entries, failures
	}
	return entries, nil
}

// Stat returns the entry at path.
func (a *Archive) Stat(path string) (Entry, error) {
	return lookup(a.ar, a.header.RootOffset, path, a.cfg.maxDepth)
}

// HasFile returns true if the archive contains a file at path.
func (a *Archive) HasFile(path string) bool {
	e, err := a.Stat(path)
	return err == nil && !e.IsDir
}

// ReadFile returns the contents of the file at path.
func (a *Archive) ReadFile(path string) ([]byte, error) {
	e, err := a.fileEntry(path)
	if err != nil {
		return nil, err
	}
	return a.readEntry(e)
}

// OpenFile returns a streaming reader for the file at path.
func (a *Archive) OpenFile(path string) (*FileReader, error) {
	e, err := a.fileEntry(path)
	if err != nil {
		return nil, err
	}
	return newFileReader(newFileDecoder(a.ar, a.cfg, e))
}

func (a *Archive) fileEntry(path string) (Entry, error) {
	e, err := a.Stat(path)
	if err != nil {
		return e, err
	}
	if e.IsDir {
		return e, &Error{Op: "read", Path: e.Path, Offset: int64(e.Offset), Err: ErrIsDirectory}
	}
	return e, nil
}

func (a *Archive) readEntry(e Entry) ([]byte, error) {
	return newFileDecoder(a.ar, a.cfg, e).readAll()
}

// ExtractFile extracts a file from the archive to the specified destination.
func (a *Archive) ExtractFile(path, destPath string) error {
	e, err := a.fileEntry(path)
	if err != nil {
		return err
	}
	return a.extractEntry(e, destPath)
}

// extractEntry streams one file to destPath, removing the partial file on
// failure.
func (a *Archive) extractEntry(e Entry, destPath string) error {
	r, err := newFileReader(newFileDecoder(a.ar, a.cfg, e))
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(destPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// ExtractAll extracts every file below dest. A file that fails to decode
// does not stop the others; all such failures are returned together as a
// FailureList once the remaining files are written. Errors creating files
// under dest abort the extraction.
func (a *Archive) ExtractAll(ctx context.Context, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	var (
		mu       sync.Mutex
		failures FailureList
	)
	fail := func(e Entry, err error) {
		a.cfg.logger.WithFields(logrus.Fields{"path": e.Path, "offset": e.Offset}).WithError(err).Error("extract failed")
		mu.Lock()
		failures = append(failures, asError("extract", e.Path, int64(e.Offset), err))
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.workers)

	for e, err := range a.Walk() {
		if err != nil {
			fail(e, err)
			continue
		}
		target, err := safeJoin(dest, e.Path)
		if err != nil {
			fail(e, err)
			continue
		}
		if e.IsDir {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := a.extractEntry(e, target)
			var pathErr *os.PathError
			if errors.As(err, &pathErr) {
				return err
			}
			if err != nil {
				fail(e, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(failures) > 0 {
		return failures
	}
	return nil
}

// safeJoin joins an archive path onto dest, rejecting names that would
// escape it.
func safeJoin(dest, p string) (string, error) {
	for _, part := range strings.Split(p, "/") {
		if part == ".." || strings.ContainsAny(part, `\:`) {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, p)
		}
	}
	return filepath.Join(dest, filepath.FromSlash(p)), nil
}

// Digest returns the canonical digest of the raw archive bytes.
func (a *Archive) Digest() (digest.Digest, error) {
	return digest.Canonical.FromReader(io.NewSectionReader(a.raw, 0, a.size))
}

// rawBytes reads the whole archive as stored on disk.
func (a *Archive) rawBytes() ([]byte, error) {
	buf := make([]byte, a.size)
	if n, err := a.raw.ReadAt(buf, 0); int64(n) < a.size {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return buf, nil
}

// Close closes the archive.
func (a *Archive) Close() error {
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}
