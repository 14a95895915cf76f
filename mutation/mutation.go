// Package mutation implements MutationSet/MutableView (spec.md §4.4): the
// in-memory overlay of puts, half-open range removals, and counter adjusts
// that sits between a writer and the immutable ArrayStore beneath it.
//
// puts and adjusts are kept in one ordered skip list keyed by string(key) —
// Go string comparison is byte-wise lexicographic, so this satisfies the
// strict-ascending-key invariant the rest of the system assumes without a
// custom comparator (grounded on the teacher's memtable/skip_list.go, here
// generalized from a generic Memtable[K,V] to the two concrete record kinds
// this overlay needs).
package mutation

import (
	"bytes"
	"sort"

	"github.com/flashkv/arraykv/counter"
)

// entryKind distinguishes the two mutually-exclusive record kinds the skip
// list may hold for a key (spec.md §3: "puts and adjusts for the same key
// are mutually exclusive within one set").
type entryKind int

const (
	kindPut entryKind = iota
	kindAdjust
)

type record struct {
	kind  entryKind
	value []byte // meaningful when kind == kindPut
	delta int64  // meaningful when kind == kindAdjust
}

// Range is a half-open key range [Min, Max).
type Range struct {
	Min, Max []byte
}

func (r Range) contains(key []byte) bool {
	return bytes.Compare(key, r.Min) >= 0 && bytes.Compare(key, r.Max) < 0
}

func (r Range) overlapsOrAdjoins(o Range) bool {
	return bytes.Compare(r.Min, o.Max) <= 0 && bytes.Compare(o.Min, r.Max) <= 0
}

// Set is the overlay described by spec.md §4.4: the triple (puts, removes,
// adjusts). It is not safe for concurrent use; callers serialize access
// under their own write lock (AtomicStore's, in the full system).
type Set struct {
	entries *skipList
	removes []Range // sorted, pairwise disjoint
}

// NewSet returns an empty overlay.
func NewSet() *Set {
	return &Set{entries: newSkipList()}
}

// Put records a put, dropping any conflicting range removal or counter
// adjust for key (spec.md §4.4).
func (s *Set) Put(key, value []byte) {
	s.unremove(key)
	s.entries.put(string(key), record{kind: kindPut, value: append([]byte(nil), value...)})
}

// RemoveRange records [min, max) as removed, coalescing it with any
// adjacent or overlapping removal already present and dropping every put or
// adjust it covers (spec.md §4.4).
func (s *Set) RemoveRange(min, max []byte) {
	if bytes.Compare(min, max) >= 0 {
		return
	}
	nr := Range{Min: append([]byte(nil), min...), Max: append([]byte(nil), max...)}

	merged := make([]Range, 0, len(s.removes)+1)
	for _, r := range s.removes {
		if nr.overlapsOrAdjoins(r) {
			if bytes.Compare(r.Min, nr.Min) < 0 {
				nr.Min = r.Min
			}
			if bytes.Compare(r.Max, nr.Max) > 0 {
				nr.Max = r.Max
			}
			continue
		}
		merged = append(merged, r)
	}
	merged = append(merged, nr)
	sort.Slice(merged, func(i, j int) bool { return bytes.Compare(merged[i].Min, merged[j].Min) < 0 })
	s.removes = merged

	s.entries.deleteRange(nr.Min, nr.Max)
}

// AdjustCounter records an additive delta in wrap-around 64-bit arithmetic.
// If a put already exists for key, the delta is folded directly into the
// put's value via the counter codec instead of being recorded separately
// (spec.md §4.4). Unlike Put, an adjust does NOT clear any remove-range
// covering key: the merge table treats "adjust + base, removed" as a drop,
// so a key that was removed and then only adjusted (never put) stays
// absent (spec.md §8's example 6: remove-range covering "n" then adjust
// +1; compact; get("n") is absent).
func (s *Set) AdjustCounter(key []byte, delta int64) {
	k := string(key)
	if existing, ok := s.entries.get(k); ok && existing.kind == kindPut {
		if adjusted, err := counter.Adjust(existing.value, delta); err == nil {
			s.entries.put(k, record{kind: kindPut, value: adjusted})
		}
		return
	}

	if existing, ok := s.entries.get(k); ok && existing.kind == kindAdjust {
		delta += existing.delta
	}
	s.entries.put(k, record{kind: kindAdjust, delta: delta})
}

// unremove clears any removal coverage of key by splitting the covering
// range around it, so a subsequent Put is visible again.
func (s *Set) unremove(key []byte) {
	s.entries.delete(string(key))
	s.splitRemovesAround(key)
}

func (s *Set) splitRemovesAround(key []byte) {
	if len(s.removes) == 0 {
		return
	}
	out := make([]Range, 0, len(s.removes)+1)
	for _, r := range s.removes {
		if !r.contains(key) {
			out = append(out, r)
			continue
		}
		if bytes.Compare(r.Min, key) < 0 {
			out = append(out, Range{Min: r.Min, Max: key})
		}
		upper := append(append([]byte(nil), key...), 0)
		if bytes.Compare(upper, r.Max) < 0 {
			out = append(out, Range{Min: upper, Max: r.Max})
		}
	}
	s.removes = out
}

func (s *Set) removed(key []byte) bool {
	// s.removes is sorted and disjoint; binary search for the first range
	// whose Max exceeds key, then test containment.
	i := sort.Search(len(s.removes), func(i int) bool {
		return bytes.Compare(s.removes[i].Max, key) > 0
	})
	return i < len(s.removes) && s.removes[i].contains(key)
}

// overlay reports the overlay's record for key, if any, along with whether
// a removal covers it. isRemoved is computed regardless of has: a put
// record and a covering removal never coexist (Put/RemoveRange enforce
// that), but an adjust record can coexist with a covering removal left
// over from before the adjust was recorded, which View.Get must still
// treat as absent. It is the primitive BaseStore.Get and friends compose
// against; see View.
func (s *Set) overlay(key []byte) (rec record, has bool, isRemoved bool) {
	isRemoved = s.removed(key)
	if r, ok := s.entries.get(string(key)); ok {
		return r, true, isRemoved
	}
	return record{}, false, isRemoved
}

// Clone deep-copies the overlay so a Set safely outlives the store it was
// taken from (spec.md's open question (c): "specify cloning for safety so
// snapshot lifetime is fully decoupled from the live store").
func (s *Set) Clone() *Set {
	clone := NewSet()
	clone.removes = append([]Range(nil), s.removes...)
	for k, r := range s.entries.all() {
		v := r
		if r.kind == kindPut {
			v.value = append([]byte(nil), r.value...)
		}
		clone.entries.put(k, v)
	}
	return clone
}

// Len returns the number of live records (puts + adjusts) in the overlay,
// ignoring removes.
func (s *Set) Len() int { return s.entries.size }

// Empty reports whether the overlay has nothing to apply: no puts, no
// adjusts, no removes.
func (s *Set) Empty() bool { return s.entries.size == 0 && len(s.removes) == 0 }

// Removes returns the sorted, disjoint removal ranges.
func (s *Set) Removes() []Range { return s.removes }

// OverlayRecord is one put or adjust record, materialized for a caller
// (the compactor) that needs to stream the overlay alongside a base store
// rather than look up individual keys.
type OverlayRecord struct {
	Key   []byte
	Kind  int // KindPut or KindAdjust
	Value []byte // meaningful when Kind == KindPut
	Delta int64  // meaningful when Kind == KindAdjust
}

// KindPut and KindAdjust mirror the internal entryKind values for callers
// of Entries that live outside this package (the compactor).
const (
	KindPut    = int(kindPut)
	KindAdjust = int(kindAdjust)
)

// Entries returns every put/adjust record in ascending key order. At most
// one record exists per key (spec.md §3's put/adjust mutual exclusion), so
// the compactor's merge never has to reconcile two overlay records for the
// same key.
func (s *Set) Entries() []OverlayRecord {
	out := make([]OverlayRecord, 0, s.entries.size)
	for k, r := range s.entries.all() {
		if r.kind == kindPut {
			out = append(out, OverlayRecord{Key: []byte(k), Kind: KindPut, Value: r.value})
		} else {
			out = append(out, OverlayRecord{Key: []byte(k), Kind: KindAdjust, Delta: r.delta})
		}
	}
	return out
}
