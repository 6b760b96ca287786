// Package segment provides a zero-copy reader over on-disk segment files,
// grounded on the teacher's pkg/disk/handler.go ReadMessages, which mmaps
// a log segment instead of buffering it through a bufio.Reader.
package segment

import (
	"fmt"

	"golang.org/x/exp/mmap"
)

// Reader mmaps a segment file for the duration of one replay pass. It is
// meant to be opened, read via Bytes or ReadAt, and closed within a single
// Sweep — segments are mutated (renamed/deleted) between sweeps, so a
// Reader is never held across sweeps.
type Reader struct {
	ra *mmap.ReaderAt
}

// Open mmaps the segment file at path.
func Open(path string) (*Reader, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: mmap open %s: %w", path, err)
	}
	return &Reader{ra: ra}, nil
}

// Len returns the mapped file's length in bytes.
func (r *Reader) Len() int {
	return r.ra.Len()
}

// ReadAt reads len(p) bytes starting at off, as io.ReaderAt.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	return r.ra.ReadAt(p, off)
}

// Bytes copies the entire mapped region into a fresh slice. The copy lets
// callers hold the result after Close, at the cost of one full-segment
// copy per sweep; segments are capped in size (spec.md segment rotation),
// so this is bounded.
func (r *Reader) Bytes() ([]byte, error) {
	buf := make([]byte, r.ra.Len())
	if _, err := r.ra.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("segment: read: %w", err)
	}
	return buf, nil
}

// Close unmaps the file.
func (r *Reader) Close() error {
	return r.ra.Close()
}
