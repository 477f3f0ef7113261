// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Assemble encodes tree into a complete archive. Blocks are laid out in
// pre-order starting with the root block at 0x14: each directory block is
// followed by the names, descriptors and chunk data of its entries, with
// subdirectories written in place as they are reached. The output is fully
// determined by tree and the options.
//
// With WithReference the reference archive's seed, ordering and chunk bytes
// are reused so that an unchanged tree reproduces the reference exactly.
func Assemble(tree *Node, opts ...Option) ([]byte, error) {
	cfg := newConfig(opts)
	if tree == nil || !tree.IsDir {
		return nil, fmt.Errorf("%w: root must be a directory", ErrInvalidName)
	}
	if cfg.reference != nil {
		return assembleWithReference(tree, cfg)
	}
	return newAssembler(cfg).assemble(tree, &archiveHeader{
		Version: cfg.version,
		KeySeed: cfg.keySeed,
	})
}

// assembler accumulates the plaintext archive. buf holds the header too, so
// len(buf) is always the absolute offset of the next allocation.
type assembler struct {
	cfg  *config
	log  logrus.FieldLogger
	buf  []byte
	mode func(path string) Compression
}

func newAssembler(cfg *config) *assembler {
	return &assembler{
		cfg: cfg,
		log: cfg.logger,
		buf: make([]byte, headerSize, 1<<16),
		mode: func(string) Compression {
			return cfg.compression
		},
	}
}

// alloc reserves n zero bytes and returns their absolute offset
func (a *assembler) alloc(n int) (uint32, error) {
	off := len(a.buf)
	if uint64(off)+uint64(n) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: archive would exceed 4 GiB", ErrSizeOverflow)
	}
	a.buf = append(a.buf, make([]byte, n)...)
	return uint32(off), nil
}

// write appends b and returns its absolute offset
func (a *assembler) write(b []byte) (uint32, error) {
	off, err := a.alloc(len(b))
	if err != nil {
		return 0, err
	}
	copy(a.buf[off:], b)
	return off, nil
}

// cstring appends a NUL-terminated name
func (a *assembler) cstring(s string) (uint32, error) {
	off, err := a.alloc(len(s) + 1)
	if err != nil {
		return 0, err
	}
	copy(a.buf[off:], s)
	return off, nil
}

// assemble lays out tree, fills in hdr and encrypts the body
func (a *assembler) assemble(tree *Node, hdr *archiveHeader) ([]byte, error) {
	root, err := a.writeDirectory(tree, "")
	if err != nil {
		return nil, err
	}

	hdr.Magic = hpiMagic
	hdr.SizeHint = uint32(len(a.buf))
	hdr.RootOffset = root.Block
	if err := putArchiveHeader(a.buf, hdr); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	transformBody(a.buf[headerSize:], headerSize, hdr.KeySeed)

	a.log.WithFields(logrus.Fields{"size": len(a.buf), "seed": hdr.KeySeed}).Debug("assembled archive")
	return a.buf, nil
}

// dirLayout is where writeDirectory placed one block and the names of its
// entries, as absolute offsets. Names are in entry order.
type dirLayout struct {
	Block uint32
	Names []uint32
}

// writeDirectory writes the block for dir and everything below it.
// Entry records are reserved first and filled in once each child's offset
// is known.
func (a *assembler) writeDirectory(dir *Node, dirPath string) (dirLayout, error) {
	n := len(dir.Children)
	blockOff, err := a.alloc(dirBlockHeaderSize + n*dirEntrySize)
	if err != nil {
		return dirLayout{}, err
	}
	layout := dirLayout{Block: blockOff, Names: make([]uint32, 0, n)}
	tableOff := blockOff + dirBlockHeaderSize
	dirBlockHeader{EntryCount: uint32(n), DataOffset: tableOff}.put(a.buf[blockOff:])

	seen := make(map[string]bool, n)
	for i, child := range dir.Children {
		if err := validateName(child.Name); err != nil {
			return dirLayout{}, err
		}
		p := path.Join(dirPath, child.Name)
		key := foldName(child.Name)
		if seen[key] {
			return dirLayout{}, fmt.Errorf("%w: duplicate entry %q", ErrInvalidName, p)
		}
		seen[key] = true

		nameOff, err := a.cstring(child.Name)
		if err != nil {
			return dirLayout{}, err
		}
		layout.Names = append(layout.Names, nameOff)

		rec := dirEntry{NameOffset: nameOff}
		if child.IsDir {
			rec.Flags = entryFlagDirectory
			var sub dirLayout
			sub, err = a.writeDirectory(child, p)
			rec.DataOffset = sub.Block
		} else {
			rec.DataOffset, rec.Flags, err = a.writeFile(child, p)
		}
		if err != nil {
			return dirLayout{}, err
		}
		rec.put(a.buf[int(tableOff)+i*dirEntrySize:])
	}
	return layout, nil
}

// writeFile writes a descriptor followed by the file body and returns the
// descriptor offset with the entry flags.
func (a *assembler) writeFile(n *Node, p string) (uint32, byte, error) {
	data, err := n.ReadData()
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", p, err)
	}
	if uint64(len(data)) > math.MaxUint32 {
		return 0, 0, fmt.Errorf("%w: %s is %d bytes", ErrSizeOverflow, p, len(data))
	}

	descOff, err := a.alloc(fileBodySize)
	if err != nil {
		return 0, 0, err
	}

	if a.cfg.skipCompression != nil && a.cfg.skipCompression(p, int64(len(data))) {
		dataOff, err := a.write(data)
		if err != nil {
			return 0, 0, err
		}
		fileBody{DataOffset: dataOff, Size: uint32(len(data))}.put(a.buf[descOff:])
		return descOff, 0, nil
	}

	bodyOff, err := a.writeChunks(data, a.mode(p), a.cfg)
	if err != nil {
		return 0, 0, fmt.Errorf("encode %s: %w", p, err)
	}
	fileBody{DataOffset: bodyOff, Size: uint32(len(data))}.put(a.buf[descOff:])
	return descOff, entryFlagCompressed, nil
}

// writeChunks writes the chunk table and chunks for data and returns the
// table offset.
func (a *assembler) writeChunks(data []byte, mode Compression, cfg *config) (uint32, error) {
	chunks, err := encodeFileBody(data, mode, cfg)
	if err != nil {
		return 0, err
	}
	tableOff, err := a.alloc(len(chunks) * 4)
	if err != nil {
		return 0, err
	}
	for i, c := range chunks {
		binary.LittleEndian.PutUint32(a.buf[int(tableOff)+i*4:], uint32(len(c)))
		if _, err := a.write(c); err != nil {
			return 0, err
		}
	}
	return tableOff, nil
}

// Writer builds an archive on disk. Files are collected in memory as a tree
// and the archive is assembled and written atomically by Close.
type Writer struct {
	path     string
	tempPath string
	tree     *Node
	opts     []Option
	closed   bool
}

// Create starts a new archive at path. Options are applied when the archive
// is assembled.
func Create(path string, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	// Temp file in the same directory so the final rename stays atomic
	tempFile, err := os.CreateTemp(filepath.Dir(path), "hpi_*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	tempFile.Close()

	return &Writer{
		path:     path,
		tempPath: tempPath,
		tree:     NewTree(),
		opts:     opts,
	}, nil
}

// Tree returns the tree being built.
func (w *Writer) Tree() *Node {
	return w.tree
}

// AddFile adds the file at srcPath on disk under archivePath. Its contents
// are read when the archive is written.
func (w *Writer) AddFile(srcPath, archivePath string) error {
	if w.closed {
		return fs.ErrClosed
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("stat file %s: %w", srcPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("add file %s: %w", srcPath, ErrIsDirectory)
	}
	return w.tree.AddLazyFile(archivePath, info.Size(), func() ([]byte, error) {
		return os.ReadFile(srcPath)
	})
}

// AddData adds data under archivePath.
func (w *Writer) AddData(archivePath string, data []byte) error {
	if w.closed {
		return fs.ErrClosed
	}
	return w.tree.AddFile(archivePath, data)
}

// AddDir adds an empty directory, or does nothing if it exists.
func (w *Writer) AddDir(archivePath string) error {
	if w.closed {
		return fs.ErrClosed
	}
	_, err := w.tree.AddDir(archivePath)
	return err
}

// AddFS adds every directory and regular file of fsys at the archive root,
// in the order described by TreeFromFS.
func (w *Writer) AddFS(fsys fs.FS) error {
	if w.closed {
		return fs.ErrClosed
	}
	return addFS(w.tree, fsys, ".")
}

// Close assembles the archive and renames it over the destination. When the
// rename fails the archive is copied over the destination instead. If
// assembly or the temp file write fails the destination is left untouched.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	data, err := Assemble(w.tree, w.opts...)
	if err != nil {
		os.Remove(w.tempPath)
		return err
	}
	if err := os.WriteFile(w.tempPath, data, 0644); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(w.tempPath, w.path); err != nil {
		if err := copyFile(w.tempPath, w.path); err != nil {
			os.Remove(w.tempPath)
			return fmt.Errorf("save archive: %w", err)
		}
		os.Remove(w.tempPath)
	}
	return nil
}

// Abort discards the archive without writing it.
func (w *Writer) Abort() error {
	w.closed = true
	return os.Remove(w.tempPath)
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
