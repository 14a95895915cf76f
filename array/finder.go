package array

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flashkv/arraykv/internal/blob"
)

// ErrCorrupt reports a structural problem in an ArrayImage: a non-8-multiple
// index size, non-ascending keys, or a 24-bit suffix-offset overflow
// encountered while reading rather than writing (spec.md §7, "Corrupt").
var ErrCorrupt = errors.New("array: corrupt image")

// maxCachedPrefix bounds the finder's search-prefix cache (spec.md §4.2:
// "an array of up to 20 bytes").
const maxCachedPrefix = 20

// suffixOffsetMask isolates the low 24 bits of a non-base locator.
const suffixOffsetMask = 1<<24 - 1

// Image is the immutable triple of blobs an ArrayFinder/ArrayStore reads
// from (spec.md §3, "ArrayImage").
type Image struct {
	Indx blob.Blob
	Keys blob.Blob
	Vals blob.Blob
}

// N returns the number of entries encoded in the image.
func (img *Image) N() int { return img.Indx.Len() / 8 }

// Validate checks the structural invariants spec.md §3 requires of an
// ArrayImage before it is ever searched.
func (img *Image) Validate() error {
	if img.Indx.Len()%8 != 0 {
		return fmt.Errorf("%w: index size %d not a multiple of 8", ErrCorrupt, img.Indx.Len())
	}
	if img.Keys.Len() > MaxBlobSize {
		return fmt.Errorf("%w: keys blob too large: %d", ErrCorrupt, img.Keys.Len())
	}
	if img.Vals.Len() > MaxBlobSize {
		return fmt.Errorf("%w: vals blob too large: %d", ErrCorrupt, img.Vals.Len())
	}
	return nil
}

func (img *Image) locator(i int) (keyLocator, valOffset uint32) {
	rec := img.Indx.Slice(i*8, i*8+8)
	return binary.LittleEndian.Uint32(rec[0:4]), binary.LittleEndian.Uint32(rec[4:8])
}

// Finder decodes keys/values by index and locates keys via binary search,
// caching the shared-prefix range of its last search for locality (spec.md
// §4.2). A Finder is single-threaded: it must not be shared across
// goroutines, though the Image it reads is immutable and may be.
//
// The cache keeps one prefix/bound pair: every key whose first prefixLen
// bytes equal prefix[:prefixLen] is known to live within [lo, hi). A fresh
// search first asks whether its key agrees with the cached prefix up to
// some length m; if m == prefixLen the cached [lo, hi) is reused directly,
// and if the first mismatch falls at byte m the order of that one byte
// comparison still lets the cached bound rule out everything on the wrong
// side (spec.md §4.2's trim step), even though only one prefix length is
// remembered rather than one per byte position.
type Finder struct {
	img *Image

	prefix    [maxCachedPrefix]byte
	prefixLen int
	lo, hi    int
}

// NewFinder returns a Finder over img. Callers should create one Finder per
// reader goroutine (Design Notes, "finder thread-locality").
func NewFinder(img *Image) *Finder {
	return &Finder{img: img}
}

// entryBounds returns, for entry i: the shared-prefix length with its
// group's base key (0 for base entries), whether i is itself a base entry,
// and the absolute [start, start+length) byte range of its own stored
// portion (the full key for a base entry, just the suffix otherwise).
func (f *Finder) entryBounds(i int) (prefixLen int, isBase bool, start, length int, err error) {
	n := f.img.N()
	groupStart := i - i%GroupSize
	baseOffset, _ := f.img.locator(groupStart)
	isBase = i == groupStart

	if isBase {
		start = int(baseOffset)
	} else {
		loc, _ := f.img.locator(i)
		prefixLen = int(loc >> 24)
		start = int(baseOffset) + int(loc&suffixOffsetMask)
	}

	var end int
	switch {
	case i+1 >= n:
		end = f.img.Keys.Len()
	case (i+1)%GroupSize == 0:
		nextBaseOffset, _ := f.img.locator(i + 1)
		end = int(nextBaseOffset)
	default:
		loc, _ := f.img.locator(i + 1)
		end = int(baseOffset) + int(loc&suffixOffsetMask)
	}

	length = end - start
	if length < 0 {
		return 0, false, 0, 0, fmt.Errorf("%w: negative key length at entry %d", ErrCorrupt, i)
	}
	if !isBase && length == 0 {
		return 0, false, 0, 0, fmt.Errorf("%w: zero-length suffix at non-base entry %d", ErrCorrupt, i)
	}

	return prefixLen, isBase, start, length, nil
}

// ReadKey reconstructs and returns entry i's key.
func (f *Finder) ReadKey(i int) ([]byte, error) {
	n := f.img.N()
	if i < 0 || i >= n {
		return nil, fmt.Errorf("array: index %d out of range [0,%d)", i, n)
	}

	prefixLen, isBase, start, length, err := f.entryBounds(i)
	if err != nil {
		return nil, err
	}
	if isBase {
		return f.img.Keys.Slice(start, start+length), nil
	}

	groupStart := i - i%GroupSize
	baseOffset, _ := f.img.locator(groupStart)

	out := make([]byte, prefixLen+length)
	copy(out, f.img.Keys.Slice(int(baseOffset), int(baseOffset)+prefixLen))
	copy(out[prefixLen:], f.img.Keys.Slice(start, start+length))
	return out, nil
}

// ReadValue returns entry i's value.
func (f *Finder) ReadValue(i int) ([]byte, error) {
	n := f.img.N()
	if i < 0 || i >= n {
		return nil, fmt.Errorf("array: index %d out of range [0,%d)", i, n)
	}

	_, valOffset := f.img.locator(i)
	start := int(valOffset)

	var end int
	if i+1 < n {
		_, nextOffset := f.img.locator(i + 1)
		end = int(nextOffset)
	} else {
		end = f.img.Vals.Len()
	}
	if end < start {
		return nil, fmt.Errorf("%w: negative value length at entry %d", ErrCorrupt, i)
	}

	return f.img.Vals.Slice(start, end), nil
}

// trimCache narrows the full [0, N) search window against the cached
// prefix, per spec.md §4.2's trim step, without ever returning a range that
// could exclude key's true location.
func (f *Finder) trimCache(key []byte) (lo, hi int) {
	n := f.img.N()
	if f.prefixLen == 0 {
		return 0, n
	}

	for k := 0; k < f.prefixLen; k++ {
		searchByte := -1
		if k < len(key) {
			searchByte = int(key[k])
		}
		diff := searchByte - int(f.prefix[k])

		switch {
		case diff == 0:
			continue
		case diff < 0:
			// key sorts before every key sharing prefix[:k+1], hence
			// before every key in the cached [lo,hi) block too.
			return 0, f.lo
		default:
			return f.hi, n
		}
	}
	// key agrees with the whole cached prefix: the cached bound applies
	// directly.
	return f.lo, f.hi
}

func (f *Finder) extendCache(key []byte, matched int, lo, hi int) {
	if matched > maxCachedPrefix {
		matched = maxCachedPrefix
	}
	copy(f.prefix[:matched], key[:matched])
	f.prefixLen = matched
	f.lo, f.hi = lo, hi
}

// compareResult classifies a probe against the search key, matching
// spec.md §4.2's six-case breakdown (match-and-advance folded into the
// shared prefix count, the remaining five collapsed into less/greater/equal
// plus the exhausted variants).
type compareResult int

const (
	cmpLess compareResult = iota
	cmpGreater
	cmpEqual
)

func compareKeys(probe, search []byte) (result compareResult, matched int) {
	n := len(probe)
	if len(search) < n {
		n = len(search)
	}
	i := 0
	for i < n && probe[i] == search[i] {
		i++
	}
	switch {
	case i == len(probe) && i == len(search):
		return cmpEqual, i
	case i == len(probe):
		return cmpLess, i // probe exhausted first: probe < search
	case i == len(search):
		return cmpGreater, i // search exhausted first: probe > search
	case probe[i] < search[i]:
		return cmpLess, i
	default:
		return cmpGreater, i
	}
}

// Find locates key. On success it returns (index, true). On failure it
// returns the bitwise complement of the insertion point (spec.md §4.2: "the
// bitwise complement of the insertion point lo") and false.
func (f *Finder) Find(key []byte) (int, bool, error) {
	lo, hi := f.trimCache(key)

	matched, sawProbe := 0, false

	for lo < hi {
		mid := lo + (hi-lo)/2
		probe, err := f.ReadKey(mid)
		if err != nil {
			return 0, false, err
		}

		result, m := compareKeys(probe, key)
		matched, sawProbe = m, true

		switch result {
		case cmpEqual:
			f.extendCache(key, m, lo, hi)
			return mid, true, nil
		case cmpLess:
			lo = mid + 1
		case cmpGreater:
			hi = mid
		}
	}

	if sawProbe {
		f.extendCache(key, matched, lo, hi)
	}
	return ^lo, false, nil
}
