// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

// Node is a file or directory of a logical archive tree, the input of
// Assemble. Children keep the order they were added in, which becomes the
// entry order of the directory block.
type Node struct {
	Name     string
	IsDir    bool
	Children []*Node

	size int64
	data []byte
	open func() ([]byte, error)
}

// NewTree returns an empty root directory.
func NewTree() *Node {
	return &Node{IsDir: true}
}

// Size returns the file size if known, or 0 for directories.
func (n *Node) Size() int64 {
	if n.data != nil {
		return int64(len(n.data))
	}
	return n.size
}

// ReadData returns the file contents, loading them if the node is lazy.
func (n *Node) ReadData() ([]byte, error) {
	if n.IsDir {
		return nil, ErrIsDirectory
	}
	if n.data != nil || n.open == nil {
		return n.data, nil
	}
	return n.open()
}

// Child returns the direct child with the given name, compared
// case-insensitively.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if sameName(c.Name, name) {
			return c
		}
	}
	return nil
}

// Lookup returns the node at p, or nil.
func (n *Node) Lookup(p string) *Node {
	cur := n
	for _, part := range splitPath(p) {
		if !cur.IsDir {
			return nil
		}
		if cur = cur.Child(part); cur == nil {
			return nil
		}
	}
	return cur
}

// AddDir creates the directory at p along with any missing parents and
// returns it.
func (n *Node) AddDir(p string) (*Node, error) {
	cur := n
	for _, part := range splitPath(p) {
		if err := validateName(part); err != nil {
			return nil, err
		}
		next := cur.Child(part)
		if next == nil {
			next = &Node{Name: part, IsDir: true}
			cur.Children = append(cur.Children, next)
		}
		if !next.IsDir {
			return nil, fmt.Errorf("%w: %q is a file", ErrInvalidName, part)
		}
		cur = next
	}
	return cur, nil
}

// AddFile stores data at p, creating parent directories. An existing file
// at p is replaced.
func (n *Node) AddFile(p string, data []byte) error {
	return n.addFile(p, &Node{data: data, size: int64(len(data))})
}

// AddLazyFile adds a file whose contents are loaded by open when the
// archive is assembled.
func (n *Node) AddLazyFile(p string, size int64, open func() ([]byte, error)) error {
	return n.addFile(p, &Node{size: size, open: open})
}

func (n *Node) addFile(p string, file *Node) error {
	parts := splitPath(p)
	if len(parts) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidName)
	}
	dir, err := n.AddDir(path.Join(parts[:len(parts)-1]...))
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	if err := validateName(name); err != nil {
		return err
	}
	file.Name = name

	for i, c := range dir.Children {
		if sameName(c.Name, name) {
			if c.IsDir {
				return fmt.Errorf("%w: %q is a directory", ErrInvalidName, p)
			}
			dir.Children[i] = file
			return nil
		}
	}
	dir.Children = append(dir.Children, file)
	return nil
}

// Walk calls fn for every node below n in pre-order with its slash path.
func (n *Node) Walk(fn func(p string, node *Node) error) error {
	return n.walk("", fn)
}

func (n *Node) walk(parent string, fn func(string, *Node) error) error {
	for _, c := range n.Children {
		p := path.Join(parent, c.Name)
		if err := fn(p, c); err != nil {
			return err
		}
		if c.IsDir {
			if err := c.walk(p, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateName rejects names that cannot be stored as a NUL-terminated
// archive name or would be unsafe to extract. Names are raw bytes, so
// Latin-1 names read from an archive are stored back unchanged.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for i := 0; i < len(name); i++ {
		if c := name[i]; c == 0 || c == '/' || c == '\\' {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// TreeFromFS builds a tree from fsys. Each directory lists its
// subdirectories first, then its files, both sorted by name. File contents
// are read lazily during assembly.
func TreeFromFS(fsys fs.FS) (*Node, error) {
	root := NewTree()
	if err := addFS(root, fsys, "."); err != nil {
		return nil, err
	}
	return root, nil
}

func addFS(dir *Node, fsys fs.FS, name string) error {
	entries, err := fs.ReadDir(fsys, name)
	if err != nil {
		return fmt.Errorf("read directory %s: %w", name, err)
	}
	slices.SortStableFunc(entries, func(a, b fs.DirEntry) int {
		switch {
		case a.IsDir() && !b.IsDir():
			return -1
		case !a.IsDir() && b.IsDir():
			return 1
		}
		return strings.Compare(a.Name(), b.Name())
	})

	for _, de := range entries {
		p := path.Join(name, de.Name())
		if err := validateName(de.Name()); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		switch {
		case de.IsDir():
			child := dir.Child(de.Name())
			if child == nil {
				child = &Node{Name: de.Name(), IsDir: true}
				dir.Children = append(dir.Children, child)
			}
			if err := addFS(child, fsys, p); err != nil {
				return err
			}
		case de.Type().IsRegular():
			info, err := de.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", p, err)
			}
			if err := dir.AddLazyFile(de.Name(), info.Size(), func() ([]byte, error) {
				return fs.ReadFile(fsys, p)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tree returns the archive's logical tree in its stored entry order. File
// contents are decoded lazily when the tree is assembled or read.
func (a *Archive) Tree() (*Node, error) {
	root := NewTree()
	var failures FailureList
	for e, err := range a.Walk() {
		if err != nil {
			failures = append(failures, asError("tree", e.Path, int64(e.Offset), err))
			continue
		}
		if e.IsDir {
			if _, err := root.AddDir(e.Path); err != nil {
				failures = append(failures, asError("tree", e.Path, int64(e.Offset), err))
			}
			continue
		}
		if err := root.AddLazyFile(e.Path, e.Size, func() ([]byte, error) {
			return a.readEntry(e)
		}); err != nil {
			failures = append(failures, asError("tree", e.Path, int64(e.Offset), err))
		}
	}
	if len(failures) > 0 {
		return root, failures
	}
	return root, nil
}
