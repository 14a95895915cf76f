package store

import (
	"github.com/flashkv/arraykv/array"
	"github.com/flashkv/arraykv/mutation"
)

// baseAdapter satisfies mutation.BaseStore over an *array.Store without
// mutation needing to import array directly (mutation/view.go's BaseStore
// interface exists exactly so this adapter can be this thin).
type baseAdapter struct {
	store *array.Store
}

func (b baseAdapter) Get(key []byte) ([]byte, bool, error) {
	return b.store.Get(key)
}

func (b baseAdapter) Range(min, max []byte, reverse bool) (mutation.BaseRangeIter, error) {
	it, err := b.store.Range(min, max, reverse)
	if err != nil {
		return nil, err
	}
	return rangeIterAdapter{it: it}, nil
}

// rangeIterAdapter satisfies mutation.BaseRangeIter over an
// *array.RangeIter.
type rangeIterAdapter struct {
	it *array.RangeIter
}

func (r rangeIterAdapter) Next() bool { return r.it.Next() }

func (r rangeIterAdapter) Entry() (mutation.BaseEntry, error) {
	e, err := r.it.Entry()
	if err != nil {
		return mutation.BaseEntry{}, err
	}
	return mutation.BaseEntry{Key: e.Key, Value: e.Value}, nil
}
