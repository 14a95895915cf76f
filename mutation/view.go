package mutation

import (
	"bytes"
	"sort"

	"github.com/flashkv/arraykv/counter"
)

// BaseEntry mirrors array.Entry without importing the array package, so
// mutation stays usable against any ordered base store, not just an
// array.Store.
type BaseEntry struct {
	Key   []byte
	Value []byte
}

// BaseRangeIter is the minimal cursor interface View needs from a base
// store's range iterator (store.rangeIterAdapter provides it over an
// array.RangeIter).
type BaseRangeIter interface {
	Next() bool
	Entry() (BaseEntry, error)
}

// BaseStore is the minimal read surface View merges the overlay against
// (array.Store satisfies this through a thin adapter in package store).
type BaseStore interface {
	Get(key []byte) ([]byte, bool, error)
	Range(min, max []byte, reverse bool) (BaseRangeIter, error)
}

// View is the merged ordered projection of a Set over a BaseStore (spec.md
// §4.4's "get, get_at_least, get_at_most, range... evaluate over the
// overlay").
type View struct {
	set  *Set
	base BaseStore
}

// NewView returns the merged view of set over base.
func NewView(set *Set, base BaseStore) *View {
	return &View{set: set, base: base}
}

// Get returns the live value for key, or (nil, false) if key is absent or
// removed.
func (v *View) Get(key []byte) ([]byte, bool, error) {
	rec, has, isRemoved := v.set.overlay(key)
	if has {
		switch rec.kind {
		case kindPut:
			return rec.value, true, nil
		case kindAdjust:
			if isRemoved {
				return nil, false, nil
			}
			baseVal, found, err := v.base.Get(key)
			if err != nil {
				return nil, false, err
			}
			if !found {
				return nil, false, nil // adjust of nonexistent key: not live
			}
			adjusted, err := counter.Adjust(baseVal, rec.delta)
			if err != nil {
				return nil, false, nil // corrupt counter: silently absent
			}
			return adjusted, true, nil
		}
	}
	if isRemoved {
		return nil, false, nil
	}
	return v.base.Get(key)
}

// overlayItem is a materialized, already-resolved overlay contribution in
// [min, max): live entries carry a value, non-live ones (an adjust whose
// base is absent) are dropped before this slice is built.
type overlayItem struct {
	key   []byte
	value []byte
}

// collectOverlay resolves every live overlay entry in [min, max) (nil bound
// meaning unbounded) in ascending key order. Adjust-only entries are
// resolved against base here since View, not Set, knows about base.
func (v *View) collectOverlay(min, max []byte) ([]overlayItem, map[string]bool, error) {
	var items []overlayItem
	overridden := make(map[string]bool)

	for k, rec := range v.set.entries.all() {
		key := []byte(k)
		if min != nil && bytes.Compare(key, min) < 0 {
			continue
		}
		if max != nil && bytes.Compare(key, max) >= 0 {
			continue
		}
		overridden[k] = true

		switch rec.kind {
		case kindPut:
			items = append(items, overlayItem{key: key, value: rec.value})
		case kindAdjust:
			if v.set.removed(key) {
				continue
			}
			baseVal, found, err := v.base.Get(key)
			if err != nil {
				return nil, nil, err
			}
			if !found {
				continue
			}
			adjusted, err := counter.Adjust(baseVal, rec.delta)
			if err != nil {
				continue
			}
			items = append(items, overlayItem{key: key, value: adjusted})
		}
	}

	sort.Slice(items, func(i, j int) bool { return bytes.Compare(items[i].key, items[j].key) < 0 })
	return items, overridden, nil
}

// RangeEntry is one entry produced by a View range scan.
type RangeEntry struct {
	Key   []byte
	Value []byte
}

// Range returns the merged ascending- or descending-order entries with
// min <= key < max (either bound nil meaning unbounded), skipping any key
// removed by the overlay and resolving overrides/adjusts as Get does
// (spec.md §4.4: "range scans merge base and overlay in key order").
func (v *View) Range(min, max []byte, reverse bool) ([]RangeEntry, error) {
	overlay, overridden, err := v.collectOverlay(min, max)
	if err != nil {
		return nil, err
	}

	baseIter, err := v.base.Range(min, max, false)
	if err != nil {
		return nil, err
	}

	var baseItems []overlayItem
	for baseIter.Next() {
		e, err := baseIter.Entry()
		if err != nil {
			return nil, err
		}
		k := string(e.Key)
		if overridden[k] || v.set.removed(e.Key) {
			continue
		}
		baseItems = append(baseItems, overlayItem{key: e.Key, value: e.Value})
	}

	merged := mergeAscending(overlay, baseItems)
	if reverse {
		for i, j := 0, len(merged)-1; i < j; i, j = i+1, j-1 {
			merged[i], merged[j] = merged[j], merged[i]
		}
	}

	out := make([]RangeEntry, len(merged))
	for i, m := range merged {
		out[i] = RangeEntry{Key: m.key, Value: m.value}
	}
	return out, nil
}

// mergeAscending merges two already key-sorted slices; a and b never share
// a key (the caller excludes overridden base keys before calling).
func mergeAscending(a, b []overlayItem) []overlayItem {
	out := make([]overlayItem, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if bytes.Compare(a[i].key, b[j].key) < 0 {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// GetAtLeast returns the first live entry with key >= min, or (nil entry,
// false) if none exists.
func (v *View) GetAtLeast(min []byte) (RangeEntry, bool, error) {
	entries, err := v.Range(min, nil, false)
	if err != nil || len(entries) == 0 {
		return RangeEntry{}, false, err
	}
	return entries[0], true, nil
}

// GetAtMost returns the last live entry with key < max, or (nil entry,
// false) if none exists.
func (v *View) GetAtMost(max []byte) (RangeEntry, bool, error) {
	entries, err := v.Range(nil, max, true)
	if err != nil || len(entries) == 0 {
		return RangeEntry{}, false, err
	}
	return entries[0], true, nil
}
