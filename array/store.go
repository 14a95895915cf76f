package array

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/bits-and-blooms/bloom/v3"
)

// ErrReadOnly is returned by any write attempt against a Store (spec.md §4.3).
var ErrReadOnly = errors.New("array: store is read-only")

// Entry is a single (key, value) pair (spec.md §3).
type Entry struct {
	Key   []byte
	Value []byte
}

// Store is a read-only ordered KV view over one Image (spec.md §4.3). It is
// safe for concurrent use by multiple goroutines, each of which should hold
// its own Finder (Design Notes, "finder thread-locality") obtained via
// NewFinder — Store creates one per call so callers never have to manage
// that lifecycle themselves.
type Store struct {
	img    *Image
	filter *bloom.BloomFilter // optional; nil disables the fast-miss path
}

// NewStore wraps img as a read-only KV store. filter may be nil.
func NewStore(img *Image, filter *bloom.BloomFilter) *Store {
	return &Store{img: img, filter: filter}
}

// Image returns the backing ArrayImage.
func (s *Store) Image() *Image { return s.img }

// Put always fails: a Store is read-only (spec.md §4.3).
func (s *Store) Put([]byte, []byte) error { return ErrReadOnly }

// RemoveRange always fails: a Store is read-only (spec.md §4.3).
func (s *Store) RemoveRange([]byte, []byte) error { return ErrReadOnly }

// AdjustCounter always fails: a Store is read-only (spec.md §4.3).
func (s *Store) AdjustCounter([]byte, int64) error { return ErrReadOnly }

// Len returns the number of entries in the store.
func (s *Store) Len() int { return s.img.N() }

// Get returns the value for key, or (nil, false) if absent.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.filter != nil && !s.filter.Test(key) {
		return nil, false, nil
	}

	f := NewFinder(s.img)
	idx, found, err := f.Find(key)
	if err != nil || !found {
		return nil, false, err
	}
	v, err := f.ReadValue(idx)
	return v, err == nil, err
}

// GetAtLeast returns the first entry with key >= min, or (Entry{}, false) if
// none exists (spec.md §4.3).
func (s *Store) GetAtLeast(min []byte) (Entry, bool, error) {
	f := NewFinder(s.img)
	idx, found, err := f.Find(min)
	if err != nil {
		return Entry{}, false, err
	}
	if !found {
		idx = ^idx
	}
	if idx >= s.img.N() {
		return Entry{}, false, nil
	}
	return s.entryAt(f, idx)
}

// GetAtMost returns the last entry with key < max, or (Entry{}, false) if
// none exists (spec.md §4.3: "result key is strictly less than max").
func (s *Store) GetAtMost(max []byte) (Entry, bool, error) {
	f := NewFinder(s.img)
	idx, found, err := f.Find(max)
	if err != nil {
		return Entry{}, false, err
	}
	if found {
		idx--
	} else {
		idx = ^idx - 1
	}
	if idx < 0 {
		return Entry{}, false, nil
	}
	return s.entryAt(f, idx)
}

func (s *Store) entryAt(f *Finder, idx int) (Entry, bool, error) {
	k, err := f.ReadKey(idx)
	if err != nil {
		return Entry{}, false, err
	}
	v, err := f.ReadValue(idx)
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: k, Value: v}, true, nil
}

// indexOfAtLeast returns the lowest index with key >= at, or N if none.
func indexOfAtLeast(f *Finder, at []byte) (int, error) {
	idx, found, err := f.Find(at)
	if err != nil {
		return 0, err
	}
	if !found {
		idx = ^idx
	}
	return idx, nil
}

// indexOfAtMost returns the highest index with key < at, or -1 if none.
func indexOfAtMost(f *Finder, at []byte) (int, error) {
	idx, found, err := f.Find(at)
	if err != nil {
		return 0, err
	}
	if found {
		return idx - 1, nil
	}
	return ^idx - 1, nil
}

// Range iterates entries with min <= key < max (either bound nil meaning
// unbounded) in ascending or descending order (spec.md §4.3). The returned
// iterator is not restartable and is safe to interleave with other readers
// since it never blocks on or holds any lock across calls; it reads
// directly from the immutable Image.
func (s *Store) Range(min, max []byte, reverse bool) (*RangeIter, error) {
	f := NewFinder(s.img)

	lo := 0
	if min != nil {
		var err error
		lo, err = indexOfAtLeast(f, min)
		if err != nil {
			return nil, err
		}
	}

	hi := s.img.N()
	if max != nil {
		var err error
		hi, err = indexOfAtLeast(NewFinder(s.img), max)
		if err != nil {
			return nil, err
		}
	}

	if lo > hi {
		lo = hi
	}

	return &RangeIter{f: f, lo: lo, hi: hi, reverse: reverse, cur: -1}, nil
}

// RangeIter is a forward- or reverse-order cursor over a Store's entries.
// It is not safe for concurrent use, and it is invalidated once the
// backing Image is closed (Design Notes, "iterator lifetime").
type RangeIter struct {
	f         *Finder
	lo, hi    int
	reverse   bool
	cur       int
	started   bool
	exhausted bool
}

// Next advances the iterator and reports whether an entry is available.
func (it *RangeIter) Next() bool {
	if it.exhausted {
		return false
	}
	if !it.started {
		it.started = true
		if it.reverse {
			it.cur = it.hi - 1
		} else {
			it.cur = it.lo
		}
	} else if it.reverse {
		it.cur--
	} else {
		it.cur++
	}

	if it.cur < it.lo || it.cur >= it.hi {
		it.exhausted = true
		return false
	}
	return true
}

// Entry returns the current entry. Valid only after a Next call returned
// true.
func (it *RangeIter) Entry() (Entry, error) {
	return it.f.entryAtPublic(it.cur)
}

// entryAtPublic is a small indirection so RangeIter can reuse Finder's
// key/value reconstruction without exporting Store.entryAt's tuple shape.
func (f *Finder) entryAtPublic(idx int) (Entry, error) {
	k, err := f.ReadKey(idx)
	if err != nil {
		return Entry{}, err
	}
	v, err := f.ReadValue(idx)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: k, Value: v}, nil
}

// LoadBloomSidecar reads a Bloom filter written by Writer.WriteBloomSidecar.
// A truncated or corrupt sidecar is not fatal: it is reported via error so
// the caller can choose to open the generation without the fast-miss path
// rather than fail the whole store (spec.md expansion §6: "absence... is
// not an error").
func LoadBloomSidecar(r io.Reader) (*bloom.BloomFilter, error) {
	var k, m uint32
	if err := binary.Read(r, binary.LittleEndian, &k); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m); err != nil {
		return nil, err
	}

	filter := bloom.New(uint(m), uint(k))

	crc := crc32.NewIEEE()
	_ = binary.Write(crc, binary.LittleEndian, k)
	_ = binary.Write(crc, binary.LittleEndian, m)

	tr := io.TeeReader(r, crc)
	if _, err := filter.ReadFrom(tr); err != nil {
		return nil, fmt.Errorf("array: reading bloom sidecar: %w", err)
	}

	var storedCRC uint32
	if err := binary.Read(r, binary.LittleEndian, &storedCRC); err != nil {
		return nil, err
	}
	if storedCRC != crc.Sum32() {
		return nil, fmt.Errorf("array: bloom sidecar checksum mismatch")
	}

	return filter, nil
}
