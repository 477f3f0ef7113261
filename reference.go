// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path"
	"slices"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

var errNoChunks = errors.New("file has no chunks")

// assembleWithReference reproduces the reference archive as closely as the
// tree allows. When the tree has exactly the reference's paths, the
// reference layout is replayed and only changed files are re-encoded.
// Otherwise a fresh layout is built using the reference's header fields,
// entry order and chunk modes.
func assembleWithReference(tree *Node, cfg *config) ([]byte, error) {
	ref := cfg.reference
	log := cfg.logger.WithField("reference", ref.path)

	entries, err := ref.List()
	if err != nil {
		log.WithError(err).Warn("reference has unreadable entries, building fresh layout")
		return freshLike(tree, ref, entries, cfg, log)
	}

	if samePaths(tree, entries) {
		out, err := replay(tree, ref, entries, cfg, log)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrSizeOverflow) {
			return nil, err
		}
		log.WithError(err).Warn("cannot replay reference layout, building fresh layout")
	}
	return freshLike(tree, ref, entries, cfg, log)
}

// samePaths reports whether tree and entries name the same set of files and
// directories, compared case-insensitively.
func samePaths(tree *Node, entries []Entry) bool {
	want := make(map[string]bool, len(entries))
	for _, e := range entries {
		want[foldName(e.Path)] = e.IsDir
	}

	count := 0
	mismatch := errors.New("mismatch")
	err := tree.Walk(func(p string, n *Node) error {
		isDir, ok := want[foldName(p)]
		if !ok || isDir != n.IsDir {
			return mismatch
		}
		count++
		return nil
	})
	return err == nil && count == len(want)
}

// replay copies the reference body and re-encodes only the files whose
// contents differ. New bodies are appended at the end of the archive and the
// file's descriptor is pointed at them, so everything else keeps its offset.
func replay(tree *Node, ref *Archive, entries []Entry, cfg *config, log logrus.FieldLogger) ([]byte, error) {
	raw, err := ref.rawBytes()
	if err != nil {
		return nil, err
	}
	buf := bytes.Clone(raw)
	transformBody(buf[headerSize:], headerSize, ref.header.KeySeed)
	a := &assembler{cfg: cfg, log: log, buf: buf}

	changed := 0
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		n := tree.Lookup(e.Path)
		if n == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, e.Path)
		}
		data, err := n.ReadData()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Path, err)
		}
		if old, err := ref.readEntry(e); err == nil && bytes.Equal(old, data) {
			continue
		}
		if uint64(len(data)) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrSizeOverflow, e.Path, len(data))
		}

		changed++
		body := fileBody{Size: uint32(len(data))}
		if e.Compressed {
			fc := *cfg
			if mode, encrypted, err := ref.chunkStyle(e); err == nil {
				fc.compression, fc.encryptChunks = mode, encrypted
			}
			body.DataOffset, err = a.writeChunks(data, fc.compression, &fc)
		} else {
			body.DataOffset, err = a.write(data)
		}
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", e.Path, err)
		}
		body.put(a.buf[e.Offset:])
		log.WithFields(logrus.Fields{"path": e.Path, "offset": body.DataOffset}).Debug("re-encoded changed file")
	}

	// The size hint is only rewritten when it held the archive size before
	if changed > 0 && ref.header.SizeHint == uint32(len(raw)) {
		binary.LittleEndian.PutUint32(a.buf[8:12], uint32(len(a.buf)))
	}
	transformBody(a.buf[headerSize:], headerSize, ref.header.KeySeed)

	log.WithFields(logrus.Fields{"changed": changed, "size": len(a.buf)}).Debug("replayed reference layout")
	return a.buf, nil
}

// freshLike lays tree out from scratch using the reference's key seed,
// version, entry order and per-file chunk modes. Files the reference does not
// have use its most common chunk mode.
func freshLike(tree *Node, ref *Archive, entries []Entry, cfg *config, log logrus.FieldLogger) ([]byte, error) {
	byPath := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byPath[foldName(e.Path)] = e
	}

	fc := *cfg
	dominant := dominantMode(ref, entries, cfg.compression)
	userSkip := cfg.skipCompression
	fc.skipCompression = func(p string, size int64) bool {
		if e, ok := byPath[foldName(p)]; ok && !e.IsDir {
			return !e.Compressed
		}
		return userSkip != nil && userSkip(p, size)
	}

	a := newAssembler(&fc)
	a.log = log
	a.mode = func(p string) Compression {
		if e, ok := byPath[foldName(p)]; ok {
			if mode, _, err := ref.chunkStyle(e); err == nil {
				return mode
			}
		}
		return dominant
	}

	log.WithField("mode", dominant).Debug("building fresh layout from reference")
	return a.assemble(orderLike(tree, entries), &archiveHeader{
		Version:  ref.header.Version,
		KeySeed:  ref.header.KeySeed,
		Reserved: ref.header.Reserved,
	})
}

// orderLike returns a copy of tree whose directories list their children in
// the reference order. Children the reference lacks follow in their existing
// order. File contents are shared with tree.
func orderLike(tree *Node, entries []Entry) *Node {
	rank := make(map[string]int, len(entries))
	for i, e := range entries {
		rank[foldName(e.Path)] = i
	}
	return reorder(tree, "", rank)
}

func reorder(n *Node, p string, rank map[string]int) *Node {
	out := *n
	if !n.IsDir {
		return &out
	}
	out.Children = make([]*Node, len(n.Children))
	for i, c := range n.Children {
		out.Children[i] = reorder(c, path.Join(p, c.Name), rank)
	}
	slices.SortStableFunc(out.Children, func(x, y *Node) int {
		rx, okx := rank[foldName(path.Join(p, x.Name))]
		ry, oky := rank[foldName(path.Join(p, y.Name))]
		switch {
		case okx && oky:
			return rx - ry
		case okx:
			return -1
		case oky:
			return 1
		}
		return 0
	})
	return &out
}

// dominantMode returns the chunk mode used by most compressed files, or def
// when the reference has none. Stored chunks only count when nothing is
// compressed, since encoders store chunks that would grow.
func dominantMode(ref *Archive, entries []Entry, def Compression) Compression {
	counts := map[Compression]int{}
	for _, e := range entries {
		if e.IsDir || !e.Compressed {
			continue
		}
		if mode, _, err := ref.chunkStyle(e); err == nil {
			counts[mode]++
		}
	}
	best, bestCount := def, 0
	for _, mode := range []Compression{CompressionLZ77, CompressionZlib} {
		if counts[mode] > bestCount {
			best, bestCount = mode, counts[mode]
		}
	}
	if bestCount == 0 && counts[CompressionNone] > 0 {
		return CompressionNone
	}
	return best
}

// chunkStyle reads the mode and encryption flag of a file's first chunk.
func (a *Archive) chunkStyle(e Entry) (Compression, bool, error) {
	if e.IsDir || !e.Compressed {
		return CompressionNone, false, errNoChunks
	}
	spans, err := newFileDecoder(a.ar, a.cfg, e).chunkSpans()
	if err != nil {
		return CompressionNone, false, err
	}
	if len(spans) == 0 {
		return CompressionNone, false, errNoChunks
	}
	b, err := a.ar.bytes(spans[0].offset, chunkHeaderSize)
	if err != nil {
		return CompressionNone, false, err
	}
	h := decodeChunkHeader(b)
	if h.Mode > byte(CompressionZlib) {
		return CompressionNone, false, fmt.Errorf("%w: %d", ErrUnsupportedCompression, h.Mode)
	}
	return Compression(h.Mode), h.Encrypted != 0, nil
}

// VerifyFidelity compares two archives by canonical digest. On mismatch the
// error reports both digests and the first differing offset.
func VerifyFidelity(got, want []byte) error {
	g, w := digest.FromBytes(got), digest.FromBytes(want)
	if g == w {
		return nil
	}
	off := 0
	for off < len(got) && off < len(want) && got[off] == want[off] {
		off++
	}
	return &Error{Op: "verify", Offset: int64(off),
		Err: fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, g, w)}
}
