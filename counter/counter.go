// Package counter implements the encode/decode primitives for the 64-bit
// counter values the compaction merge table folds adjusts into. It is a
// concrete stand-in for the "counter encode/decode primitives" spec.md
// treats as an external collaborator: byte-order integer representation,
// nothing more.
package counter

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBadCounter is returned by Decode when the encoded value isn't exactly
// 8 bytes.
var ErrBadCounter = errors.New("counter: encoded value must be 8 bytes")

// Size is the fixed wire size of an encoded counter.
const Size = 8

// Encode returns the little-endian 8-byte representation of v.
func Encode(v int64) []byte {
	b := make([]byte, Size)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// Decode parses an encoded counter value. It fails closed: any length other
// than Size is rejected rather than zero- or truncation-padded, so a
// corrupt base value can never be silently misread as a valid counter.
func Decode(b []byte) (int64, error) {
	if len(b) != Size {
		return 0, fmt.Errorf("%w: got %d bytes", ErrBadCounter, len(b))
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// Adjust decodes encoded, adds delta with 64-bit wraparound arithmetic, and
// re-encodes the result. This is the "encode(decode(base.value) + delta)"
// step of the compaction merge table (spec.md §4.7).
func Adjust(encoded []byte, delta int64) ([]byte, error) {
	v, err := Decode(encoded)
	if err != nil {
		return nil, err
	}
	return Encode(v + delta), nil
}
