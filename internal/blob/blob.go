// Package blob provides the "byte slice of known length, random-access
// readable, zero-copy preferred" abstraction the Design Notes call for: an
// ArrayImage's three files are served as a memory-mapped region above a
// size threshold and as a heap buffer below it, and the rest of the system
// never has to know which.
package blob

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Blob is a read-only, random-access byte range.
type Blob interface {
	// Len returns the number of bytes in the blob.
	Len() int
	// Slice returns the bytes in [lo, hi). It aliases the backing storage;
	// callers must not retain it past the blob's Close.
	Slice(lo, hi int) []byte
	// Close releases the backing mapping or buffer.
	Close() error
}

// heapBlob is a plain in-memory buffer, used for files below the mmap
// threshold where the overhead of a mapping isn't worth paying.
type heapBlob struct {
	buf []byte
}

func (h *heapBlob) Len() int                  { return len(h.buf) }
func (h *heapBlob) Slice(lo, hi int) []byte    { return h.buf[lo:hi] }
func (h *heapBlob) Close() error              { return nil }

// mmapBlob is backed by an edsrzf/mmap-go read-only mapping.
type mmapBlob struct {
	m mmap.MMap
}

func (m *mmapBlob) Len() int               { return len(m.m) }
func (m *mmapBlob) Slice(lo, hi int) []byte { return m.m[lo:hi] }
func (m *mmapBlob) Close() error           { return m.m.Unmap() }

// Open serves path as a Blob, mmap'ing it when its size is at or above
// threshold and loading it into a heap buffer otherwise (spec.md §4.6: "if
// below a size threshold, e.g. 1 MiB"). threshold <= 0 disables mmap
// entirely, which is also the fallback on platforms where mmap is
// unsupported (Design Notes, "mmap vs in-memory blobs").
func Open(path string, threshold int64) (Blob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("blob: stat %s: %w", path, err)
	}

	if threshold > 0 && info.Size() >= threshold {
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err == nil {
			return &mmapBlob{m: m}, nil
		}
		// Fall back to a heap buffer on platforms/filesystems where mmap
		// fails (Design Notes: "implementations on platforms without mmap
		// must fall back to the heap buffer").
	}

	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && info.Size() > 0 {
		return nil, fmt.Errorf("blob: read %s: %w", path, err)
	}
	return &heapBlob{buf: buf}, nil
}

// FromBytes wraps an already-resident buffer as a Blob, e.g. for tests or
// for an ArrayImage assembled in memory before its first flush.
func FromBytes(b []byte) Blob {
	return &heapBlob{buf: b}
}
