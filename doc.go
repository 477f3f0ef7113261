// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

/*
Package hpi provides pure Go support for reading and writing HPI archives.

HPI is the container format Total Annihilation uses for its .hpi, .ufo, .ccx
and .gp3 asset archives. An archive is a 20-byte header followed by a body
encrypted with a position-dependent XOR cipher. The body holds a tree of
directory blocks whose entries point at file bodies, and each file body is a
table of SQSH chunks compressed with one of three payload modes.

# Features

  - Read archives from memory or stream them from disk with bounded memory
  - Stored, LZ77 and zlib chunk modes, including per-chunk encryption
  - Assemble new archives from any fs.FS or an in-memory tree
  - Reference-guided assembly that reproduces an existing archive byte for byte
  - Search paths that layer several archives the way the game does

# Basic Usage

Reading an archive:

	archive, err := hpi.Open("totala1.hpi")
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	for entry, err := range archive.Walk() {
		if err != nil {
			log.Print(err)
			continue
		}
		fmt.Println(entry.Path, entry.Size)
	}

	data, err := archive.ReadFile("units/ARMCOM.FBI")

Creating an archive:

	w, err := hpi.Create("mymod.ufo", hpi.WithCompression(hpi.CompressionLZ77))
	if err != nil {
		log.Fatal(err)
	}
	if err := w.AddFS(os.DirFS("mymod")); err != nil {
		log.Fatal(err)
	}
	if err := w.Close(); err != nil {
		log.Fatal(err)
	}

# Path Conventions

Archive paths use forward slashes. Backslashes are accepted and converted, and
lookups are case-insensitive like the game's own file system. Names are raw
bytes; only ASCII letters fold, so Latin-1 names are kept exactly.

# Compatibility

Decoding is tolerant by default: a chunk that inflates to more bytes than its
header declares is truncated and logged. [WithStrict] turns every size
mismatch into an [ErrSizeMismatch] error for validation tooling.
*/
package hpi
