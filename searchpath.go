// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// normalizePath turns an archive path into the key used for lookups:
// slash separated, without empty components and lower case.
func normalizePath(p string) string {
	parts := splitPath(p)
	for i, part := range parts {
		parts[i] = foldName(part)
	}
	return strings.Join(parts, "/")
}

// SearchPath layers several archives the way the game layers its .hpi,
// .ufo, .ccx and .gp3 files. Later archives have higher priority, so a file
// present in several archives is read from the last one.
type SearchPath struct {
	archives   []*Archive
	owned      bool
	log        logrus.FieldLogger
	mu         sync.Mutex
	fileMap    map[string]int // normalized path -> archive index
	cacheBuilt bool
}

// OpenSearchPath opens archives in order of increasing priority. The last
// path has the highest priority. opts apply to every archive.
func OpenSearchPath(paths []string, opts ...Option) (*SearchPath, error) {
	archives := make([]*Archive, 0, len(paths))
	for _, path := range paths {
		archive, err := Open(path, opts...)
		if err != nil {
			for _, opened := range archives {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("open archive %s: %w", path, err)
		}
		archives = append(archives, archive)
	}

	sp := NewSearchPath(archives...)
	sp.owned = true
	sp.log = newConfig(opts).logger
	return sp, nil
}

// NewSearchPath layers already opened archives, lowest priority first.
// Closing the search path does not close them.
func NewSearchPath(archives ...*Archive) *SearchPath {
	log := logrus.FieldLogger(logrus.StandardLogger())
	if len(archives) > 0 {
		log = archives[0].cfg.logger
	}
	return &SearchPath{
		archives: archives,
		log:      log,
		fileMap:  make(map[string]int),
	}
}

// Close closes the archives opened by OpenSearchPath.
func (s *SearchPath) Close() error {
	if !s.owned {
		return nil
	}
	var firstErr error
	for _, archive := range s.archives {
		if err := archive.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Owner returns the index of the archive that provides path.
func (s *SearchPath) Owner(path string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cacheBuilt {
		s.rebuildFileMap()
	}
	idx, ok := s.fileMap[normalizePath(path)]
	return idx, ok
}

// HasFile returns true if any archive contains a file at path.
func (s *SearchPath) HasFile(path string) bool {
	_, ok := s.Owner(path)
	return ok
}

// ReadFile reads the highest-priority version of a file.
func (s *SearchPath) ReadFile(path string) ([]byte, error) {
	idx, ok := s.Owner(path)
	if !ok {
		return nil, &Error{Op: "search", Path: path, Offset: -1, Err: ErrNotFound}
	}
	return s.archives[idx].ReadFile(path)
}

// ExtractFile extracts the highest-priority version of a file.
func (s *SearchPath) ExtractFile(path, destPath string) error {
	idx, ok := s.Owner(path)
	if !ok {
		return &Error{Op: "search", Path: path, Offset: -1, Err: ErrNotFound}
	}
	return s.archives[idx].ExtractFile(path, destPath)
}

// ListFiles returns the union of file paths across all archives. A path
// appears once, spelled as in the first archive that has it. Unreadable
// entries are reported in a FailureList alongside the paths that could be
// listed.
func (s *SearchPath) ListFiles() ([]string, error) {
	seen := make(map[string]struct{})
	var (
		result   []string
		failures FailureList
	)
	for _, archive := range s.archives {
		entries, err := archive.List()
		var fl FailureList
		switch {
		case errors.As(err, &fl):
			failures = append(failures, fl...)
		case err != nil:
			return result, err
		}
		for _, e := range entries {
			if e.IsDir {
				continue
			}
			key := normalizePath(e.Path)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			result = append(result, e.Path)
		}
	}
	if len(failures) > 0 {
		return result, failures
	}
	return result, nil
}

// ArchiveCount returns the number of archives in the search path.
func (s *SearchPath) ArchiveCount() int {
	return len(s.archives)
}

// rebuildFileMap rebuilds the lookup cache. Archives are processed from the
// highest priority down so the first owner recorded wins. Entries that fail
// to resolve are skipped; the rest of the archive is still indexed.
func (s *SearchPath) rebuildFileMap() {
	s.fileMap = make(map[string]int)

	for i := len(s.archives) - 1; i >= 0; i-- {
		for e, err := range s.archives[i].Walk() {
			if err != nil {
				s.log.WithFields(logrus.Fields{"archive": i, "path": e.Path}).WithError(err).Warn("skipping unreadable entry")
				continue
			}
			if e.IsDir {
				continue
			}
			key := normalizePath(e.Path)
			if _, exists := s.fileMap[key]; !exists {
				s.fileMap[key] = i
			}
		}
	}

	s.cacheBuilt = true
}
