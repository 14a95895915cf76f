// Package compact implements the Compactor (spec.md §4.7): the streaming
// merge of a base ArrayStore with a MutationSet's puts/removes/adjusts into
// a fresh array.Writer, plus the {Scheduled, Running, Finalizing, Complete,
// Canceled} state machine that governs when and how often that merge runs.
package compact

import (
	"bytes"
	"sort"

	"github.com/flashkv/arraykv/array"
	"github.com/flashkv/arraykv/counter"
	"github.com/flashkv/arraykv/mutation"
)

// Merge streams base's entries and overlay's puts/removes/adjusts in
// lockstep into dst, following spec.md §4.7's merge table exactly:
//
//	base only, not removed   -> base entry
//	base only, removed       -> drop
//	put (with or without base, regardless of removal) -> put's value
//	adjust only              -> drop (adjust of nonexistent)
//	adjust + base, removed   -> drop
//	adjust + base, not removed -> encode(decode(base.value) + delta)
//
// A counter decode failure on the adjust+base path produces no output
// rather than an error (spec.md §4.7: "Counter decode failures produce no
// output; the adjust is silently dropped").
func Merge(dst *array.Writer, base *array.Store, overlay *mutation.Set) error {
	baseIter, err := base.Range(nil, nil, false)
	if err != nil {
		return err
	}

	entries := overlay.Entries() // sorted ascending; at most one per key
	removes := overlay.Removes() // sorted, pairwise disjoint

	baseHasNext := baseIter.Next()
	var baseEntry array.Entry
	if baseHasNext {
		if baseEntry, err = baseIter.Entry(); err != nil {
			return err
		}
	}

	j := 0
	for baseHasNext || j < len(entries) {
		minKey := nextKey(baseHasNext, baseEntry.Key, j < len(entries), entries, j)

		baseAtMin := baseHasNext && bytes.Equal(baseEntry.Key, minKey)
		overlayAtMin := j < len(entries) && bytes.Equal(entries[j].Key, minKey)
		removedAtMin := isRemoved(removes, minKey)

		value, emit := resolve(baseAtMin, baseEntry, overlayAtMin, entries, j, removedAtMin)
		if emit {
			if err := dst.Write(minKey, value); err != nil {
				return err
			}
		}

		if baseAtMin {
			if baseHasNext = baseIter.Next(); baseHasNext {
				if baseEntry, err = baseIter.Entry(); err != nil {
					return err
				}
			}
		}
		if overlayAtMin {
			j++
		}
	}

	return dst.Flush()
}

func nextKey(baseHasNext bool, baseKey []byte, overlayHasNext bool, entries []mutation.OverlayRecord, j int) []byte {
	switch {
	case baseHasNext && overlayHasNext:
		if bytes.Compare(baseKey, entries[j].Key) <= 0 {
			return baseKey
		}
		return entries[j].Key
	case baseHasNext:
		return baseKey
	default:
		return entries[j].Key
	}
}

func resolve(baseAtMin bool, baseEntry array.Entry, overlayAtMin bool, entries []mutation.OverlayRecord, j int, removed bool) (value []byte, emit bool) {
	if overlayAtMin {
		rec := entries[j]
		if rec.Kind == mutation.KindPut {
			return rec.Value, true
		}
		// adjust
		if !baseAtMin || removed {
			return nil, false
		}
		adjusted, err := counter.Adjust(baseEntry.Value, rec.Delta)
		if err != nil {
			return nil, false
		}
		return adjusted, true
	}

	if baseAtMin && !removed {
		return baseEntry.Value, true
	}
	return nil, false
}

func isRemoved(removes []mutation.Range, key []byte) bool {
	i := sort.Search(len(removes), func(i int) bool {
		return bytes.Compare(removes[i].Max, key) > 0
	})
	return i < len(removes) && bytes.Compare(key, removes[i].Min) >= 0 && bytes.Compare(key, removes[i].Max) < 0
}
