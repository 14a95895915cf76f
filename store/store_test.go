package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashkv/arraykv/writeset"
)

func openTestStore(t *testing.T) *AtomicStore {
	t.Helper()
	cfg := NewConfig(t.TempDir())
	s := Open(cfg)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func putString(t *testing.T, s *AtomicStore, key, value string) {
	t.Helper()
	ws := &writeset.WriteSet{Puts: []writeset.KV{{Key: []byte(key), Value: []byte(value)}}}
	require.NoError(t, s.Mutate(ws, true))
}

func TestStartBootstrapsGenerationZero(t *testing.T) {
	s := openTestStore(t)
	require.Equal(t, 0, s.gen)

	_, found, err := s.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	putString(t, s, "a", "1")
	putString(t, s, "b", "2")

	v, found, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(v))

	v, found, err = s.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(v))
}

func TestDeleteThenGetAbsent(t *testing.T) {
	s := openTestStore(t)
	putString(t, s, "k", "v")

	ws := &writeset.WriteSet{Removes: []writeset.Range{{Min: []byte("k"), Max: []byte("k\x00")}}}
	require.NoError(t, s.Mutate(ws, true))

	_, found, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestAdjustCounterOverPut(t *testing.T) {
	s := openTestStore(t)

	ws := &writeset.WriteSet{Puts: []writeset.KV{{Key: []byte("ctr"), Value: []byte{5, 0, 0, 0, 0, 0, 0, 0}}}}
	require.NoError(t, s.Mutate(ws, true))

	ws = &writeset.WriteSet{Adjusts: []writeset.KVDelta{{Key: []byte("ctr"), Delta: 3}}}
	require.NoError(t, s.Mutate(ws, true))

	v, found, err := s.Get([]byte("ctr"))
	require.NoError(t, err)
	require.True(t, found)

	got := int64(v[0]) | int64(v[1])<<8 | int64(v[2])<<16 | int64(v[3])<<24 |
		int64(v[4])<<32 | int64(v[5])<<40 | int64(v[6])<<48 | int64(v[7])<<56
	require.Equal(t, int64(8), got)
}

func TestRangeScanAscending(t *testing.T) {
	s := openTestStore(t)
	putString(t, s, "k1", "v1")
	putString(t, s, "k2", "v2")
	putString(t, s, "k3", "v3")

	it, err := s.Range(nil, nil, false)
	require.NoError(t, err)

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Entry().Key))
	}
	require.Equal(t, []string{"k1", "k2", "k3"}, keys)
}

func TestManualCompactionMergesOverlayAndBumpsGeneration(t *testing.T) {
	s := openTestStore(t)
	putString(t, s, "a", "1")
	putString(t, s, "b", "2")

	h, err := s.ScheduleCompaction()
	require.NoError(t, err)
	h.Wait()

	require.Equal(t, 1, s.gen)

	v, found, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(v))

	require.EqualValues(t, 2, s.arrayStore.Len())
	require.True(t, s.overlay.Empty())
}

func TestRestartReplaysUncompactedMods(t *testing.T) {
	dir := t.TempDir()

	cfg := NewConfig(dir)
	s := Open(cfg)
	require.NoError(t, s.Start())
	putString(t, s, "x", "y")
	require.NoError(t, s.Stop())

	s2 := Open(NewConfig(dir))
	require.NoError(t, s2.Start())
	defer s2.Stop()

	v, found, err := s2.Get([]byte("x"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "y", string(v))
}

func TestSnapshotOutlivesSubsequentWrites(t *testing.T) {
	s := openTestStore(t)
	putString(t, s, "k", "v1")

	snap, err := s.Snapshot()
	require.NoError(t, err)

	putString(t, s, "k", "v2")

	v, found, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(v))

	v, found, err = s.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", string(v))
}

func TestHotCopyProducesIndependentlyOpenableStore(t *testing.T) {
	s := openTestStore(t)
	putString(t, s, "k", "v")

	target := t.TempDir() + "/copy"
	require.NoError(t, s.HotCopy(target))

	copyStore := Open(NewConfig(target))
	require.NoError(t, copyStore.Start())
	defer copyStore.Stop()

	v, found, err := copyStore.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", string(v))
}

func TestOperationsFailAfterStop(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Stop())

	_, _, err := s.Get([]byte("k"))
	require.Equal(t, ErrClosed, err)

	ws := &writeset.WriteSet{Puts: []writeset.KV{{Key: []byte("k"), Value: []byte("v")}}}
	require.Equal(t, ErrClosed, s.Mutate(ws, false))
}
