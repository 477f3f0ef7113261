// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package hpi

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// chunkSpan locates one stored chunk (header included) in the archive
type chunkSpan struct {
	offset int64
	size   int
}

// fileDecoder decodes the body of one file entry
type fileDecoder struct {
	ar    arena
	cfg   *config
	entry Entry
	log   logrus.FieldLogger
}

func newFileDecoder(ar arena, cfg *config, e Entry) *fileDecoder {
	return &fileDecoder{
		ar:    ar,
		cfg:   cfg,
		entry: e,
		log:   cfg.logger.WithFields(logrus.Fields{"path": e.Path, "offset": e.Offset}),
	}
}

// chunkSpans reads the chunk table of a compressed body. The table has one
// u32 stored size per chunk, and the chunks follow it back to back.
func (d *fileDecoder) chunkSpans() ([]chunkSpan, error) {
	body := d.entry.body
	n := chunkCount(body.Size)
	tableOff := int64(body.DataOffset)

	table, err := d.ar.bytes(tableOff, n*4)
	if err != nil {
		return nil, &Error{Op: "read chunk table", Path: d.entry.Path, Offset: tableOff, Err: fmt.Errorf("%w: %v", ErrMalformedChunk, err)}
	}

	spans := make([]chunkSpan, n)
	off := tableOff + int64(n)*4
	for i := range spans {
		size := int64(binary.LittleEndian.Uint32(table[i*4:]))
		if size < chunkHeaderSize || off+size > d.ar.end() {
			return nil, &Error{Op: "read chunk table", Path: d.entry.Path, Offset: tableOff + int64(i)*4,
				Err: fmt.Errorf("%w: chunk %d has stored size %d", ErrMalformedChunk, i, size)}
		}
		spans[i] = chunkSpan{offset: off, size: int(size)}
		off += size
	}
	return spans, nil
}

// decodeChunkAt decodes chunk i and checks it against the size it must have
// within the file.
func (d *fileDecoder) decodeChunkAt(i int, span chunkSpan) ([]byte, error) {
	raw, err := d.ar.bytes(span.offset, span.size)
	if err != nil {
		return nil, &Error{Op: "read chunk", Path: d.entry.Path, Offset: span.offset, Err: fmt.Errorf("%w: %v", ErrMalformedChunk, err)}
	}

	log := d.log.WithField("chunk", i)
	out, _, err := decodeChunk(raw, d.cfg, log)
	if err != nil {
		return nil, &Error{Op: "decode chunk", Path: d.entry.Path, Offset: span.offset, Err: err}
	}

	want := expectedChunkSize(d.entry.body.Size, i)
	switch {
	case len(out) == want:
	case d.cfg.strict:
		return nil, &Error{Op: "decode chunk", Path: d.entry.Path, Offset: span.offset,
			Err: fmt.Errorf("%w: chunk %d decoded to %d bytes, file layout needs %d", ErrSizeMismatch, i, len(out), want)}
	case len(out) > want:
		log.WithFields(logrus.Fields{"declared": want, "actual": len(out)}).Warn("chunk longer than file layout allows, truncating")
		out = out[:want]
	default:
		log.WithFields(logrus.Fields{"declared": want, "actual": len(out)}).Warn("chunk shorter than file layout needs")
	}
	return out, nil
}

// readAll decodes the whole file. Chunks are independent, so they are
// decoded concurrently and concatenated in table order.
func (d *fileDecoder) readAll() ([]byte, error) {
	if !d.entry.Compressed {
		return d.readRaw(int64(d.entry.body.DataOffset), int(d.entry.body.Size))
	}

	spans, err := d.chunkSpans()
	if err != nil {
		return nil, err
	}

	parts := make([][]byte, len(spans))
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(d.cfg.workers)
	for i, span := range spans {
		g.Go(func() error {
			out, err := d.decodeChunkAt(i, span)
			parts[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data := make([]byte, 0, d.entry.body.Size)
	for _, p := range parts {
		data = append(data, p...)
	}
	return d.finish(data)
}

// readRaw returns an uncompressed body as a private copy
func (d *fileDecoder) readRaw(off int64, n int) ([]byte, error) {
	b, err := d.ar.bytes(off, n)
	if err != nil {
		return nil, &Error{Op: "read", Path: d.entry.Path, Offset: off, Err: fmt.Errorf("%w: raw body: %v", ErrMalformedDirectory, err)}
	}
	return append([]byte(nil), b...), nil
}

// finish checks the total decoded length against the declared size
func (d *fileDecoder) finish(data []byte) ([]byte, error) {
	want := int(d.entry.body.Size)
	if len(data) == want {
		return data, nil
	}
	if d.cfg.strict {
		return nil, &Error{Op: "decode", Path: d.entry.Path, Offset: int64(d.entry.body.DataOffset),
			Err: fmt.Errorf("%w: decoded %d bytes, declared %d", ErrSizeMismatch, len(data), want)}
	}
	d.log.WithFields(logrus.Fields{"declared": want, "actual": len(data)}).Warn("file size mismatch")
	if len(data) > want {
		data = data[:want]
	}
	return data, nil
}

// FileReader streams a file's contents, decoding one chunk at a time so
// memory use stays bounded regardless of file size.
type FileReader struct {
	dec   *fileDecoder
	spans []chunkSpan
	next  int
	buf   []byte
	read  int64
	err   error
}

func newFileReader(dec *fileDecoder) (*FileReader, error) {
	r := &FileReader{dec: dec}
	if dec.entry.Compressed {
		spans, err := dec.chunkSpans()
		if err != nil {
			return nil, err
		}
		r.spans = spans
	}
	return r, nil
}

// Size returns the declared uncompressed size of the file.
func (r *FileReader) Size() int64 {
	return int64(r.dec.entry.body.Size)
}

// Read implements io.Reader.
func (r *FileReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.buf, r.err = r.fill()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.read += int64(n)
	return n, nil
}

// fill produces the next piece of output, or io.EOF after the last one
func (r *FileReader) fill() ([]byte, error) {
	d := r.dec
	size := int64(d.entry.body.Size)

	if !d.entry.Compressed {
		if r.read >= size {
			return nil, io.EOF
		}
		n := int(min(chunkSize, size-r.read))
		return d.readRaw(int64(d.entry.body.DataOffset)+r.read, n)
	}

	if r.next >= len(r.spans) {
		if r.read != size {
			if d.cfg.strict {
				return nil, &Error{Op: "decode", Path: d.entry.Path, Offset: int64(d.entry.body.DataOffset),
					Err: fmt.Errorf("%w: decoded %d bytes, declared %d", ErrSizeMismatch, r.read, size)}
			}
			d.log.WithFields(logrus.Fields{"declared": size, "actual": r.read}).Warn("file size mismatch")
		}
		return nil, io.EOF
	}

	i := r.next
	r.next++
	out, err := d.decodeChunkAt(i, r.spans[i])
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return r.fill()
	}
	return out, nil
}

// Close releases the reader. The archive stays open.
func (r *FileReader) Close() error {
	r.buf = nil
	r.err = fs.ErrClosed
	return nil
}

// encodeFileBody splits data into 64 KiB pieces and encodes each as a SQSH
// chunk. Chunks are compressed concurrently; the result is in file order.
// A chunk that would grow under compression is stored instead.
func encodeFileBody(data []byte, mode Compression, cfg *config) ([][]byte, error) {
	n := chunkCount(uint32(len(data)))
	chunks := make([][]byte, n)

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(cfg.workers)
	for i := range chunks {
		g.Go(func() error {
			start := i * chunkSize
			end := min(start+chunkSize, len(data))
			c, err := encodeChunk(data[start:end], mode, cfg.encryptChunks)
			if err == nil && mode != CompressionNone && len(c) > chunkHeaderSize+end-start {
				c, err = encodeChunk(data[start:end], CompressionNone, cfg.encryptChunks)
			}
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			chunks[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunks, nil
}
