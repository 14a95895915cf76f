// Package array implements the compact, prefix-compressed on-disk array
// layout (spec.md §3-4.1-4.3): a three-blob layout (indx/keys/vals) written
// once by ArrayWriter, searched by ArrayFinder, and served as an ordered
// read-only KV store by ArrayStore.
//
// File Format
//
//	indx: 8 bytes per entry i
//	  [0..4) key locator
//	    i mod 32 == 0 (base entry): absolute offset into keys of the full key
//	    otherwise: byte 3 = shared-prefix length (0..255) with the group's
//	               base key; bytes [0..3) = suffix offset relative to the
//	               base key's offset
//	  [4..8) absolute offset into vals of the value
//	keys: base keys stored verbatim, group successors stored as suffixes only
//	vals: values stored verbatim in entry order
//
// Entries must arrive in strictly ascending key order; ArrayWriter groups
// them into runs of GroupSize, storing every group's first key ("base")
// in full and prefix-compressing the rest against it.
package array

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/bits-and-blooms/bloom/v3"
)

// GroupSize is the number of entries sharing one base key (spec.md §3,
// "i mod 32 == 0").
const GroupSize = 32

// MaxBlobSize is the maximum size, in bytes, of the keys or vals blob
// (spec.md §1: "each bounded to under 2 GiB").
const MaxBlobSize = 1<<31 - 1

// MaxPrefixLen is the largest shared-prefix length a locator's high byte
// can encode.
const MaxPrefixLen = 255

// maxSuffixOffset is the largest value a locator's low 24 bits can encode.
const maxSuffixOffset = 1<<24 - 1

// Writer serializes a strictly-ascending (key, value) stream into the
// indx/keys/vals layout described above. The zero Writer is not usable;
// construct one with NewWriter.
type Writer struct {
	indx io.Writer
	keys io.Writer
	vals io.Writer

	keysLen int64
	valsLen int64

	count       int
	groupBase   []byte
	groupBaseOf int64 // absolute offset of groupBase in keys

	lastKey []byte

	filter *bloom.BloomFilter
}

// Option configures a Writer.
type Option func(*Writer)

// WithBloomFilter attaches a Bloom filter sized for expectedEntries at the
// given false-positive rate. A zero rate (or expectedEntries == 0) disables
// the filter (spec.md expansion §4.1: the sidecar is pure acceleration,
// never required for correctness). Retrieve the built filter afterward with
// Writer.BloomFilter.
func WithBloomFilter(expectedEntries uint, rate float64) Option {
	return func(w *Writer) {
		if expectedEntries == 0 || rate <= 0 {
			return
		}
		w.filter = bloom.NewWithEstimates(expectedEntries, rate)
	}
}

// NewWriter returns a Writer that streams to the three given sinks.
func NewWriter(indx, keys, vals io.Writer, opts ...Option) *Writer {
	w := &Writer{indx: indx, keys: keys, vals: vals}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// BloomFilter returns the filter built so far, or nil if none was
// configured. Safe to call after Flush.
func (w *Writer) BloomFilter() *bloom.BloomFilter { return w.filter }

func commonPrefixLen(a, b []byte, cap int) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n > cap {
		n = cap
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Write appends the next (key, value) pair. Keys must be strictly
// ascending; values may be empty but not nil-vs-empty distinguished (both
// serialize identically).
func (w *Writer) Write(key, value []byte) error {
	if w.lastKey != nil && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("array: keys must be strictly ascending: %q <= %q", key, w.lastKey)
	}

	isBase := w.count%GroupSize == 0

	var locator uint32
	if isBase {
		if w.keysLen+int64(len(key)) > MaxBlobSize {
			return fmt.Errorf("array: keys blob would exceed %d bytes: %w", MaxBlobSize, errOverflow)
		}
		locator = uint32(w.keysLen)
		if _, err := w.keys.Write(key); err != nil {
			return err
		}
		w.groupBase = append([]byte(nil), key...)
		w.groupBaseOf = w.keysLen
		w.keysLen += int64(len(key))
	} else {
		prefixLen := commonPrefixLen(key, w.groupBase, MaxPrefixLen)
		suffix := key[prefixLen:]

		suffixOffset := w.keysLen - w.groupBaseOf
		if suffixOffset > maxSuffixOffset {
			return fmt.Errorf("array: suffix offset overflows 24 bits: %w", errOverflow)
		}
		if w.keysLen+int64(len(suffix)) > MaxBlobSize {
			return fmt.Errorf("array: keys blob would exceed %d bytes: %w", MaxBlobSize, errOverflow)
		}

		if _, err := w.keys.Write(suffix); err != nil {
			return err
		}
		w.keysLen += int64(len(suffix))

		locator = uint32(prefixLen)<<24 | uint32(suffixOffset)
	}

	if w.valsLen+int64(len(value)) > MaxBlobSize {
		return fmt.Errorf("array: vals blob would exceed %d bytes: %w", MaxBlobSize, errOverflow)
	}
	valOffset := uint32(w.valsLen)
	if _, err := w.vals.Write(value); err != nil {
		return err
	}
	w.valsLen += int64(len(value))

	var rec [8]byte
	binary.LittleEndian.PutUint32(rec[0:4], locator)
	binary.LittleEndian.PutUint32(rec[4:8], valOffset)
	if _, err := w.indx.Write(rec[:]); err != nil {
		return err
	}

	if w.filter != nil {
		w.filter.Add(key)
	}

	w.lastKey = append([]byte(nil), key...)
	w.count++
	return nil
}

// errOverflow is wrapped, not returned directly, so callers can match it
// with errors.Is without depending on array's exact wording.
var errOverflow = fmt.Errorf("overflow")

// IsOverflow reports whether err is an overflow condition raised by Write
// (blob size or 24-bit suffix offset).
func IsOverflow(err error) bool {
	return errors.Is(err, errOverflow)
}

// Count returns the number of entries written so far.
func (w *Writer) Count() int { return w.count }

// Flush ensures all buffered bytes reach their sinks. If the sinks are
// bufio.Writers or similar, callers are responsible for flushing those
// separately; Flush here only guarantees Writer itself holds nothing back
// (it never buffers internally), matching spec.md §4.1's "flush guarantees
// all buffers reach their sinks" at the Writer's own level.
func (w *Writer) Flush() error { return nil }

// WriteBloomSidecar serializes the Writer's Bloom filter (if any) as:
//
//	| K (4) | M (4) | bit-array (variable) | CRC32 (4) |
//
// A nil filter writes nothing and returns (false, nil).
func (w *Writer) WriteBloomSidecar(sink io.Writer) (bool, error) {
	if w.filter == nil {
		return false, nil
	}

	crc := crc32.NewIEEE()
	mw := io.MultiWriter(sink, crc)

	if err := binary.Write(mw, binary.LittleEndian, uint32(w.filter.K())); err != nil {
		return false, err
	}
	if err := binary.Write(mw, binary.LittleEndian, uint32(w.filter.Cap())); err != nil {
		return false, err
	}
	if _, err := w.filter.WriteTo(mw); err != nil {
		return false, err
	}
	if err := binary.Write(sink, binary.LittleEndian, crc.Sum32()); err != nil {
		return false, err
	}
	return true, nil
}
