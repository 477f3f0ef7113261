// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"runtime"

	"github.com/sirupsen/logrus"
)

const defaultMaxDepth = 64

// config holds the settings shared by reading and assembling.
type config struct {
	logger          logrus.FieldLogger
	strict          bool
	verifyChecksums bool
	workers         int
	compression     Compression
	encryptChunks   bool
	keySeed         byte
	version         uint32
	maxDepth        int
	skipCompression SkipCompressionFunc
	reference       *Archive
}

// Option configures archive reading and assembly.
type Option func(*config)

// SkipCompressionFunc reports whether a file should be stored as a raw,
// chunk-less body instead of SQSH chunks. It is called once per file.
type SkipCompressionFunc func(path string, size int64) bool

func newConfig(opts []Option) *config {
	c := &config{
		workers:     runtime.GOMAXPROCS(0),
		compression: CompressionZlib,
		version:     defaultVersion,
		maxDepth:    defaultMaxDepth,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		c.logger = l
	}
	if c.workers < 1 {
		c.workers = 1
	}
	if c.maxDepth < 1 {
		c.maxDepth = defaultMaxDepth
	}
	return c
}

// WithLogger sets the logger used for warnings about tolerated corruption.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithStrict makes size mismatches between decoded and declared lengths
// fail with ErrSizeMismatch instead of being truncated and logged.
func WithStrict(strict bool) Option {
	return func(c *config) {
		c.strict = strict
	}
}

// WithChecksumVerification enables validation of SQSH chunk checksums.
// The game itself never checks them, so this is off by default.
func WithChecksumVerification(verify bool) Option {
	return func(c *config) {
		c.verifyChecksums = verify
	}
}

// WithWorkers sets how many chunks or files are processed concurrently.
// Values below 1 force serial processing.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// WithCompression sets the chunk mode used for new file bodies.
func WithCompression(mode Compression) Option {
	return func(c *config) {
		c.compression = mode
	}
}

// WithChunkEncryption sets the per-chunk encrypted flag on new chunks.
func WithChunkEncryption(encrypt bool) Option {
	return func(c *config) {
		c.encryptChunks = encrypt
	}
}

// WithKeySeed sets the header key seed of new archives. Zero disables
// body encryption.
func WithKeySeed(seed byte) Option {
	return func(c *config) {
		c.keySeed = seed
	}
}

// WithVersion sets the informational header version of new archives.
func WithVersion(v uint32) Option {
	return func(c *config) {
		c.version = v
	}
}

// WithMaxDepth bounds directory nesting during traversal.
func WithMaxDepth(depth int) Option {
	return func(c *config) {
		c.maxDepth = depth
	}
}

// WithSkipCompression stores files matching fn as raw bodies.
func WithSkipCompression(fn SkipCompressionFunc) Option {
	return func(c *config) {
		c.skipCompression = fn
	}
}

// WithReference makes Assemble reproduce ref's key seed, ordering, chunk
// encoding and layout wherever the new content allows it.
func WithReference(ref *Archive) Option {
	return func(c *config) {
		c.reference = ref
	}
}
