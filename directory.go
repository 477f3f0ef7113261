// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"fmt"
	"path"
	"strings"
)

// DirectoryBlock is a parsed directory block.
type DirectoryBlock struct {
	Offset     uint32 // Absolute offset of the block
	EntryCount uint32
	DataOffset uint32 // Preserved as stored
	Entries    []DirectoryEntry
}

// DirectoryEntry is one parsed entry record with its name resolved.
type DirectoryEntry struct {
	Name       string
	NameOffset uint32
	DataOffset uint32
	Flags      byte
}

// IsDir reports whether the entry points at another directory block.
func (e DirectoryEntry) IsDir() bool {
	return e.Flags&entryFlagDirectory != 0
}

// Compressed reports whether the entry's file body is chunked.
func (e DirectoryEntry) Compressed() bool {
	return e.Flags&entryFlagCompressed != 0
}

// Entry is a file or directory yielded while walking an archive.
type Entry struct {
	Path       string // Slash-separated path from the root
	Name       string
	IsDir      bool
	Compressed bool
	Size       int64  // Uncompressed size; 0 for directories
	Offset     uint32 // Directory block offset for directories, file body descriptor offset for files
	Flags      byte

	body fileBody
}

// parseDirectory reads the directory block at absolute offset off. Entry
// records follow the 8-byte block header directly.
func parseDirectory(ar arena, off uint32) (*DirectoryBlock, error) {
	hb, err := ar.bytes(int64(off), dirBlockHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("%w: block header: %v", ErrMalformedDirectory, err)
	}
	h := decodeDirBlockHeader(hb)

	tableOff := int64(off) + dirBlockHeaderSize
	if int64(h.EntryCount) > (ar.end()-tableOff)/dirEntrySize {
		return nil, fmt.Errorf("%w: %d entries do not fit in the archive", ErrMalformedDirectory, h.EntryCount)
	}
	table, err := ar.bytes(tableOff, int(h.EntryCount)*dirEntrySize)
	if err != nil {
		return nil, fmt.Errorf("%w: entry table: %v", ErrMalformedDirectory, err)
	}

	block := &DirectoryBlock{
		Offset:     off,
		EntryCount: h.EntryCount,
		DataOffset: h.DataOffset,
		Entries:    make([]DirectoryEntry, h.EntryCount),
	}
	for i := range block.Entries {
		rec := decodeDirEntry(table[i*dirEntrySize:])
		name, err := ar.cstring(int64(rec.NameOffset))
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d name: %v", ErrMalformedDirectory, i, err)
		}
		block.Entries[i] = DirectoryEntry{
			Name:       name,
			NameOffset: rec.NameOffset,
			DataOffset: rec.DataOffset,
			Flags:      rec.Flags,
		}
	}
	return block, nil
}

// readFileBody reads the 8-byte descriptor a file entry points at
func readFileBody(ar arena, off uint32) (fileBody, error) {
	b, err := ar.bytes(int64(off), fileBodySize)
	if err != nil {
		return fileBody{}, fmt.Errorf("%w: file body descriptor: %v", ErrMalformedDirectory, err)
	}
	return decodeFileBody(b), nil
}

// resolveEntry turns a raw directory entry into an Entry, reading the file
// body descriptor for files.
func resolveEntry(ar arena, parent string, de DirectoryEntry) (Entry, error) {
	e := Entry{
		Path:       path.Join(parent, de.Name),
		Name:       de.Name,
		IsDir:      de.IsDir(),
		Compressed: de.Compressed(),
		Offset:     de.DataOffset,
		Flags:      de.Flags,
	}
	if e.IsDir {
		return e, nil
	}
	body, err := readFileBody(ar, de.DataOffset)
	if err != nil {
		return e, err
	}
	e.body = body
	e.Size = int64(body.Size)
	return e, nil
}

// walker performs the lazy pre-order traversal. ancestors holds the block
// offsets on the current path so a back-edge is reported instead of followed;
// shared subtrees that are not ancestors are walked normally.
type walker struct {
	ar        arena
	maxDepth  int
	ancestors map[uint32]bool
}

func newWalker(ar arena, maxDepth int) *walker {
	return &walker{ar: ar, maxDepth: maxDepth, ancestors: make(map[uint32]bool)}
}

// walk yields the entries below the block at off. It returns false once
// yield asks to stop. Errors confined to one subtree or file are yielded and
// the walk moves on to the next sibling.
func (w *walker) walk(off uint32, parent string, depth int, yield func(Entry, error) bool) bool {
	if depth >= w.maxDepth {
		return yield(Entry{Path: parent, IsDir: true, Offset: off}, &Error{
			Op: "walk", Path: parent, Offset: int64(off),
			Err: fmt.Errorf("%w: nesting exceeds %d levels", ErrCyclicDirectory, w.maxDepth),
		})
	}

	block, err := parseDirectory(w.ar, off)
	if err != nil {
		return yield(Entry{Path: parent, IsDir: true, Offset: off}, &Error{Op: "walk", Path: parent, Offset: int64(off), Err: err})
	}

	w.ancestors[off] = true
	defer delete(w.ancestors, off)

	for _, de := range block.Entries {
		e, err := resolveEntry(w.ar, parent, de)
		if err != nil {
			if !yield(e, &Error{Op: "walk", Path: e.Path, Offset: int64(de.DataOffset), Err: err}) {
				return false
			}
			continue
		}
		if e.IsDir && w.ancestors[de.DataOffset] {
			cyc := &Error{Op: "walk", Path: e.Path, Offset: int64(de.DataOffset), Err: ErrCyclicDirectory}
			if !yield(e, cyc) {
				return false
			}
			continue
		}
		if !yield(e, nil) {
			return false
		}
		if e.IsDir && !w.walk(de.DataOffset, e.Path, depth+1, yield) {
			return false
		}
	}
	return true
}

// splitPath normalizes an archive path into its components.
func splitPath(p string) []string {
	p = strings.ReplaceAll(p, "\\", "/")
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." {
			continue
		}
		parts = append(parts, part)
	}
	return parts
}

// foldName is the case-insensitive key used to compare entry names. Only
// ASCII letters fold; other bytes, including Latin-1 ones, compare exactly.
func foldName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

// sameName reports whether two entry names match case-insensitively
func sameName(a, b string) bool {
	return len(a) == len(b) && foldName(a) == foldName(b)
}

// lookup descends from the root block to the entry named by p, matching
// each component case-insensitively. Only the blocks on the path are parsed.
func lookup(ar arena, root uint32, p string, maxDepth int) (Entry, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return Entry{Path: "", IsDir: true, Offset: root}, nil
	}
	if len(parts) > maxDepth {
		return Entry{}, &Error{Op: "lookup", Path: p, Offset: -1, Err: ErrNotFound}
	}

	off := root
	parent := ""
	seen := map[uint32]bool{}
	for i, part := range parts {
		if seen[off] {
			return Entry{}, &Error{Op: "lookup", Path: parent, Offset: int64(off), Err: ErrCyclicDirectory}
		}
		seen[off] = true

		block, err := parseDirectory(ar, off)
		if err != nil {
			return Entry{}, &Error{Op: "lookup", Path: parent, Offset: int64(off), Err: err}
		}

		found := false
		for _, de := range block.Entries {
			if !sameName(de.Name, part) {
				continue
			}
			e, err := resolveEntry(ar, parent, de)
			if err != nil {
				return e, &Error{Op: "lookup", Path: e.Path, Offset: int64(de.DataOffset), Err: err}
			}
			if i == len(parts)-1 {
				return e, nil
			}
			if !e.IsDir {
				break
			}
			off, parent, found = de.DataOffset, e.Path, true
			break
		}
		if !found {
			break
		}
	}
	return Entry{}, &Error{Op: "lookup", Path: p, Offset: -1, Err: ErrNotFound}
}
