// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"bytes"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// referenceArchive assembles the sample files with settings the test will
// not pass again, so only the reference can reproduce them.
func referenceArchive(t *testing.T) (*Archive, []byte, map[string][]byte) {
	t.Helper()
	files := sampleFiles()
	raw, err := Assemble(sampleTree(t, files),
		WithKeySeed(0xBF), WithVersion(0x00020000), WithCompression(CompressionLZ77), WithChunkEncryption(true))
	require.NoError(t, err)
	ref, err := OpenBytes(raw)
	require.NoError(t, err)
	return ref, raw, files
}

func TestReferenceFidelity(t *testing.T) {
	ref, want, files := referenceArchive(t)

	// Same files added in reverse order with default options
	tree := NewTree()
	keys := slices.Sorted(maps.Keys(files))
	slices.Reverse(keys)
	for _, p := range keys {
		require.NoError(t, tree.AddFile(p, bytes.Clone(files[p])))
	}

	got, err := Assemble(tree, WithReference(ref))
	require.NoError(t, err)
	assert.NoError(t, VerifyFidelity(got, want))
	assert.True(t, bytes.Equal(want, got))
}

func TestReferenceFidelityFromExtractedTree(t *testing.T) {
	ref, want, _ := referenceArchive(t)

	dir := t.TempDir()
	require.NoError(t, ref.ExtractAll(t.Context(), dir))

	tree, err := TreeFromFS(os.DirFS(dir))
	require.NoError(t, err)
	got, err := Assemble(tree, WithReference(ref))
	require.NoError(t, err)
	assert.NoError(t, VerifyFidelity(got, want))
}

func TestReferenceFidelityOnDisk(t *testing.T) {
	_, want, files := referenceArchive(t)
	path := filepath.Join(t.TempDir(), "ref.hpi")
	require.NoError(t, os.WriteFile(path, want, 0644))

	ref, err := Open(path)
	require.NoError(t, err)
	defer ref.Close()

	out := filepath.Join(t.TempDir(), "out.hpi")
	w, err := Create(out, WithReference(ref))
	require.NoError(t, err)
	for p, data := range files {
		require.NoError(t, w.AddData(p, data))
	}
	require.NoError(t, w.Close())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NoError(t, VerifyFidelity(got, want))
}

func TestReferenceChangedFile(t *testing.T) {
	ref, want, files := referenceArchive(t)

	files["units/armcom.fbi"] = bytes.Repeat([]byte("[UNITINFO]{UnitName=ARMCOM2;}"), 400)
	got, err := Assemble(sampleTree(t, files), WithReference(ref))
	require.NoError(t, err)

	err = VerifyFidelity(got, want)
	assert.ErrorIs(t, err, ErrDigestMismatch)
	assert.Greater(t, len(got), len(want), "changed body is appended")

	a, err := OpenBytes(got, WithStrict(true))
	require.NoError(t, err)
	assertContents(t, a, files)
	assert.Equal(t, ref.Header().KeySeed, a.Header().KeySeed)
	assert.Equal(t, uint32(len(got)), a.Header().SizeHint)

	e, err := a.Stat("units/armcom.fbi")
	require.NoError(t, err)
	mode, encrypted, err := a.chunkStyle(e)
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ77, mode)
	assert.True(t, encrypted)

	// Everything before the appended body is untouched apart from the
	// size hint and the changed descriptor.
	for i := headerSize; i < len(want); i++ {
		if uint32(i) >= e.Offset && uint32(i) < e.Offset+fileBodySize {
			continue
		}
		if want[i] != got[i] {
			t.Fatalf("byte 0x%X changed", i)
		}
	}
}

func TestReferenceDifferentPaths(t *testing.T) {
	ref, _, files := referenceArchive(t)

	files["units/new.fbi"] = bytes.Repeat([]byte("new unit "), 100)
	delete(files, "readme.txt")

	tree := NewTree()
	keys := slices.Sorted(maps.Keys(files))
	slices.Reverse(keys)
	for _, p := range keys {
		require.NoError(t, tree.AddFile(p, files[p]))
	}

	got, err := Assemble(tree, WithReference(ref))
	require.NoError(t, err)
	a, err := OpenBytes(got)
	require.NoError(t, err)
	assertContents(t, a, files)

	h := a.Header()
	assert.Equal(t, byte(0xBF), h.KeySeed)
	assert.Equal(t, uint32(0x00020000), h.Version)

	// Entries shared with the reference keep its order
	refEntries, err := ref.List()
	require.NoError(t, err)
	gotEntries, err := a.List()
	require.NoError(t, err)
	var refOrder, gotOrder []string
	for _, e := range refEntries {
		if _, ok := files[e.Path]; ok {
			refOrder = append(refOrder, e.Path)
		}
	}
	for _, e := range gotEntries {
		if _, ok := files[e.Path]; ok && e.Path != "units/new.fbi" {
			gotOrder = append(gotOrder, e.Path)
		}
	}
	assert.Equal(t, refOrder, gotOrder)

	// New files take the reference's dominant mode
	e, err := a.Stat("units/new.fbi")
	require.NoError(t, err)
	mode, _, err := a.chunkStyle(e)
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ77, mode)
}

func TestReferenceKeepsUncompressedBodies(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.AddFile("raw.pcx", []byte("stored raw")))
	require.NoError(t, tree.AddFile("packed.txt", bytes.Repeat([]byte("packed "), 50)))
	raw, err := Assemble(tree, WithSkipCompression(func(p string, _ int64) bool {
		return filepath.Ext(p) == ".pcx"
	}))
	require.NoError(t, err)
	ref, err := OpenBytes(raw)
	require.NoError(t, err)

	// Different path set forces a fresh layout
	require.NoError(t, tree.AddFile("extra.txt", []byte("extra")))
	got, err := Assemble(tree, WithReference(ref))
	require.NoError(t, err)
	a, err := OpenBytes(got)
	require.NoError(t, err)

	e, err := a.Stat("raw.pcx")
	require.NoError(t, err)
	assert.False(t, e.Compressed)
	e, err = a.Stat("packed.txt")
	require.NoError(t, err)
	assert.True(t, e.Compressed)
}

func TestVerifyFidelity(t *testing.T) {
	assert.NoError(t, VerifyFidelity([]byte("same"), []byte("same")))

	err := VerifyFidelity([]byte("abcX"), []byte("abcY"))
	assert.ErrorIs(t, err, ErrDigestMismatch)
	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, int64(3), herr.Offset)

	err = VerifyFidelity([]byte("abc"), []byte("abcd"))
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, int64(3), herr.Offset)
}

func TestOrderLike(t *testing.T) {
	tree := NewTree()
	for _, p := range []string{"c.txt", "new.txt", "a.txt", "b.txt"} {
		require.NoError(t, tree.AddFile(p, []byte(p)))
	}
	entries := []Entry{{Path: "a.txt"}, {Path: "b.txt"}, {Path: "C.TXT"}}

	ordered := orderLike(tree, entries)
	var names []string
	for _, c := range ordered.Children {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt", "new.txt"}, names)
	assert.Equal(t, "c.txt", tree.Children[0].Name, "input tree is not reordered")
}
