// Package reader streams an input file line by line, assigning each line a
// monotonic zero-based work_id.
package reader

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// Line is one (work_id, content) pair produced by the reader.
type Line struct {
	WorkID  int
	Content string
}

// Reader is the sole line-number authority for a dispatcher run. It is not
// safe for concurrent use; callers must serialize access (the queue core
// does this by calling into the reader only while holding its own lock).
type Reader struct {
	file    *os.File
	scanner *bufio.Scanner
	cursor  int
	eof     bool
}

// Open opens path for reading and prepares a Reader positioned at line 0.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reader: open %s: %w", path, err)
	}
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Reader{file: f, scanner: s}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Skip discards the first k lines without materializing their content. It
// must be called exactly once at startup, before any NextBatch call, using
// the resume position reported by the output writer.
func (r *Reader) Skip(k int) error {
	for i := 0; i < k; i++ {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return fmt.Errorf("reader: skip: %w", err)
			}
			r.eof = true
			r.cursor += i
			return fmt.Errorf("reader: skip(%d): input file has fewer than %d lines", k, k)
		}
	}
	r.cursor = k
	return nil
}

// NextBatch reads up to n further lines, pairing each with its work_id and
// advancing the cursor. The returned bool is true once a read has hit the
// end of the input, so the batch is short or empty in that case; a batch
// that ends exactly on the last line reports false, and the next call
// returns an empty batch with true. A non-nil error indicates a fatal read
// failure on the input file.
func (r *Reader) NextBatch(n int) ([]Line, bool, error) {
	if r.eof {
		return nil, true, nil
	}
	lines := make([]Line, 0, n)
	for i := 0; i < n; i++ {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return lines, false, fmt.Errorf("reader: read: %w", err)
			}
			r.eof = true
			break
		}
		lines = append(lines, Line{WorkID: r.cursor, Content: r.scanner.Text()})
		r.cursor++
	}
	return lines, r.eof, nil
}

var _ io.Closer = (*Reader)(nil)
