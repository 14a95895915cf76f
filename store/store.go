// Package store implements AtomicStore (spec.md §4.6): the front door that
// owns a directory, routes reads through the layered (array.Store +
// mutation.Set) view, durably logs writes, and drives the Compactor's
// generation switches.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	atomicfile "github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/flashkv/arraykv/array"
	"github.com/flashkv/arraykv/compact"
	"github.com/flashkv/arraykv/internal/blob"
	"github.com/flashkv/arraykv/modlog"
	"github.com/flashkv/arraykv/mutation"
	"github.com/flashkv/arraykv/pressure"
	"github.com/flashkv/arraykv/scheduler"
	"github.com/flashkv/arraykv/writeset"
)

// AtomicStore is the embedded ordered KV store described by spec.md: an
// immutable generation of ArrayImage blobs layered under a mutable
// MutationSet, kept durable by a MutationLog and periodically folded
// together by a background Compactor.
//
// All exported methods are safe for concurrent use. Reads take the shared
// read lock; mutate, lifecycle transitions, and compaction finalization
// take the exclusive write lock (spec.md §5: "a single fair read/write
// lock; readers may proceed concurrently; writers and lifecycle
// transitions are exclusive").
type AtomicStore struct {
	cfg *Config

	dlock *dirLock

	mu        sync.RWMutex
	writeCond *sync.Cond // bound to mu's write side; wakes stalled writers

	started  bool
	stopping bool
	closed   bool

	gen        int
	indxBlob   blob.Blob
	keysBlob   blob.Blob
	valsBlob   blob.Blob
	arrayStore *array.Store
	overlay    *mutation.Set
	view       *mutation.View
	compacting *mutation.Set // non-nil while a compaction has detached a set to merge

	log              *modlog.Log
	modsLen          int64
	firstModUnixNano int64

	pressure  *pressure.Controller
	sched     scheduler.Scheduler
	compactor *compact.Compactor

	hotMu    sync.Mutex
	hotCond  *sync.Cond
	hotCount int
}

// Open constructs an AtomicStore from cfg without starting it. Call Start
// before issuing any other operation.
func Open(cfg *Config) *AtomicStore {
	s := &AtomicStore{cfg: cfg}
	s.writeCond = sync.NewCond(&s.mu)
	s.hotCond = sync.NewCond(&s.hotMu)
	return s
}

func (s *AtomicStore) logger() *zap.Logger { return s.cfg.Logger }

// Start executes spec.md §4.6's numbered startup sequence: directory
// bootstrap, advisory lock, generation-0 bootstrap if absent, blob/bloom
// loading, mods replay, and scheduling a compaction if the replayed
// overlay is non-empty.
func (s *AtomicStore) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	dir := s.cfg.Directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create directory: %w", err)
	}

	dlock, err := acquireLock(filepath.Join(dir, "lockfile"))
	if err != nil {
		return err
	}
	fsyncDir(dir, s.logger())

	genPath := filepath.Join(dir, "gen")
	if _, err := os.Stat(genPath); os.IsNotExist(err) {
		if err := bootstrapGenerationZero(dir, genPath); err != nil {
			dlock.release()
			return err
		}
		fsyncDir(dir, s.logger())
	}

	gen, err := readGen(genPath)
	if err != nil {
		dlock.release()
		return err
	}

	indxBlob, keysBlob, valsBlob, arrayStore, err := loadGeneration(dir, gen, s.cfg)
	if err != nil {
		dlock.release()
		return err
	}

	modsPath := filepath.Join(dir, fmt.Sprintf("mods.%d", gen))
	log, records, err := modlog.Open(modsPath, s.logger())
	if err != nil {
		indxBlob.Close()
		keysBlob.Close()
		valsBlob.Close()
		dlock.release()
		return err
	}

	overlay := mutation.NewSet()
	for _, ws := range records {
		applyWriteSet(overlay, ws)
	}

	info, err := os.Stat(modsPath)
	if err != nil {
		log.Close()
		indxBlob.Close()
		keysBlob.Close()
		valsBlob.Close()
		dlock.release()
		return err
	}

	s.dlock = dlock
	s.gen = gen
	s.indxBlob, s.keysBlob, s.valsBlob = indxBlob, keysBlob, valsBlob
	s.arrayStore = arrayStore
	s.overlay = overlay
	s.view = mutation.NewView(overlay, baseAdapter{store: arrayStore})
	s.log = log
	s.modsLen = info.Size()

	s.pressure = pressure.New(s.cfg.CompactLowWaterBytes, s.cfg.CompactHighWaterBytes, s.cfg.CompactMaxDelaySec)
	s.sched = s.cfg.Scheduler
	if s.sched == nil {
		s.sched = scheduler.Real{}
	}
	s.compactor = compact.New(s.sched, s.logger(), s.runCompaction)

	if !overlay.Empty() {
		s.firstModUnixNano = time.Now().UnixNano()
		s.rescheduleLocked()
	}

	s.started = true
	s.logger().Info("store started", zap.String("dir", dir), zap.Int("generation", gen), zap.Int("replayed_records", len(records)))
	return nil
}

// bootstrapGenerationZero creates empty generation-0 blobs and a
// durable gen=0 pointer, refusing to proceed if leftover blob files exist
// without a gen file (spec.md §4.6, §7 "Inconsistent").
func bootstrapGenerationZero(dir, genPath string) error {
	for _, pat := range []string{"indx.*", "keys.*", "vals.*"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pat))
		if len(matches) > 0 {
			return ErrInconsistent
		}
	}

	for _, name := range []string{"indx.0", "keys.0", "vals.0"} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		f.Close()
	}

	return writeGen(genPath, 0)
}

func readGen(genPath string) (int, error) {
	b, err := os.ReadFile(genPath)
	if err != nil {
		return 0, err
	}
	g, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("%w: malformed gen file: %v", ErrCorrupt, err)
	}
	return g, nil
}

func writeGen(genPath string, gen int) error {
	return atomicfile.WriteFile(genPath, strings.NewReader(strconv.Itoa(gen)))
}

// fsyncDir fsyncs dir's directory entry. Best-effort: platforms without
// directory fsync (notably Windows) fail here and the failure is logged,
// not propagated (spec.md §6: "best-effort").
func fsyncDir(dir string, logger *zap.Logger) {
	f, err := os.Open(dir)
	if err != nil {
		logger.Warn("directory fsync: open failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		logger.Warn("directory fsync failed", zap.String("dir", dir), zap.Error(err))
	}
}

func loadGeneration(dir string, gen int, cfg *Config) (indxBlob, keysBlob, valsBlob blob.Blob, arrayStore *array.Store, err error) {
	indxBlob, err = blob.Open(filepath.Join(dir, fmt.Sprintf("indx.%d", gen)), cfg.MmapThresholdBytes)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	keysBlob, err = blob.Open(filepath.Join(dir, fmt.Sprintf("keys.%d", gen)), cfg.MmapThresholdBytes)
	if err != nil {
		indxBlob.Close()
		return nil, nil, nil, nil, err
	}
	valsBlob, err = blob.Open(filepath.Join(dir, fmt.Sprintf("vals.%d", gen)), cfg.MmapThresholdBytes)
	if err != nil {
		indxBlob.Close()
		keysBlob.Close()
		return nil, nil, nil, nil, err
	}

	img := &array.Image{Indx: indxBlob, Keys: keysBlob, Vals: valsBlob}
	if err := img.Validate(); err != nil {
		indxBlob.Close()
		keysBlob.Close()
		valsBlob.Close()
		return nil, nil, nil, nil, err
	}

	filter := loadBloomSidecar(filepath.Join(dir, fmt.Sprintf("bloom.%d", gen)), cfg.Logger)
	arrayStore = array.NewStore(img, filter)
	return indxBlob, keysBlob, valsBlob, arrayStore, nil
}

// loadBloomSidecar loads a generation's optional Bloom filter. Its absence
// or corruption is never fatal (SPEC_FULL.md §6: "its absence is not an
// error; a missing or truncated bloom file just disables the fast-miss
// path for that generation").
func loadBloomSidecar(path string, logger *zap.Logger) *bloom.BloomFilter {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	filter, err := array.LoadBloomSidecar(f)
	if err != nil {
		logger.Warn("bloom sidecar unreadable, disabling fast-miss path for this generation", zap.String("path", path), zap.Error(err))
		return nil
	}
	return filter
}

func applyWriteSet(overlay *mutation.Set, ws *writeset.WriteSet) {
	for _, p := range ws.Puts {
		overlay.Put(p.Key, p.Value)
	}
	for _, r := range ws.Removes {
		overlay.RemoveRange(r.Min, r.Max)
	}
	for _, a := range ws.Adjusts {
		overlay.AdjustCounter(a.Key, a.Delta)
	}
}

func (s *AtomicStore) checkOpenLocked() error {
	if s.closed {
		return ErrClosed
	}
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// maxStallDuration caps pressure.StallDelayMS's math.MaxInt64 sentinel (at
// w >= 1) to a duration time.Duration can hold; a real wait this long is
// always cut short by the compaction it is waiting on, or by Stop.
const maxStallDuration = 24 * time.Hour

func clampStallDelay(ms int64) time.Duration {
	if ms < 0 {
		return 0
	}
	if ms > int64(maxStallDuration/time.Millisecond) {
		return maxStallDuration
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *AtomicStore) compactionBusyLocked() bool {
	st := s.compactor.State()
	return st == compact.StateRunning || st == compact.StateFinalizing
}

// applyBackpressureLocked implements spec.md §4.8's write-stall rule: when
// StallDelayMS reports a stall (any delay other than -1), any compaction still merely
// Scheduled is bumped to run immediately, and the writer waits up to that
// delay for Running/Finalizing to clear before proceeding regardless.
func (s *AtomicStore) applyBackpressureLocked() error {
	delay := s.pressure.StallDelayMS(s.modsLen)
	if delay == -1 {
		return nil
	}
	if s.compactor.State() == compact.StateScheduled {
		s.compactor.Schedule(0)
	}
	return s.waitForCompactionLocked(delay)
}

func (s *AtomicStore) waitForCompactionLocked(delayMS int64) error {
	deadline := time.Now().Add(clampStallDelay(delayMS))
	for s.compactionBusyLocked() {
		if s.stopping {
			return ErrCanceled
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil // delay budget exhausted; proceed with the write anyway.
		}
		timer := time.AfterFunc(remaining, func() {
			s.mu.Lock()
			s.writeCond.Broadcast()
			s.mu.Unlock()
		})
		s.writeCond.Wait()
		timer.Stop()
	}
	if s.stopping {
		return ErrCanceled
	}
	return nil
}

// rescheduleLocked re-evaluates the eager-compaction decision (spec.md
// §4.8, "evaluated whenever mutations change or a compaction completes").
func (s *AtomicStore) rescheduleLocked() {
	dec := s.pressure.Schedule(s.modsLen, s.firstModUnixNano, time.Now().UnixNano())
	switch {
	case dec.Immediate:
		s.compactor.Schedule(0)
	case dec.None:
	default:
		s.compactor.Schedule(time.Duration(dec.DelayMS) * time.Millisecond)
	}
}

// Mutate applies ws durably (spec.md §6's mutate(writes, sync)). If sync is
// true, the call does not return until the mods file has been fsynced.
func (s *AtomicStore) Mutate(ws *writeset.WriteSet, sync bool) error {
	s.mu.Lock()

	if err := s.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if ws.Empty() {
		s.mu.Unlock()
		return nil
	}
	if s.stopping {
		s.mu.Unlock()
		return ErrCanceled
	}

	if err := s.applyBackpressureLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	prevLen := s.modsLen
	if err := s.log.Append(ws); err != nil {
		if tErr := s.log.Truncate(prevLen); tErr != nil {
			s.logger().Warn("mods truncate after append failure also failed", zap.Error(tErr))
		} else {
			s.modsLen = prevLen
		}
		s.mu.Unlock()
		return err
	}

	if size, err := s.log.Size(); err == nil {
		s.modsLen = size
	}

	applyWriteSet(s.overlay, ws)

	if s.firstModUnixNano == 0 {
		s.firstModUnixNano = time.Now().UnixNano()
	}
	s.rescheduleLocked()

	if !sync {
		s.mu.Unlock()
		return nil
	}

	// Downgrade to the read lock before fsyncing so queued writers and
	// readers are not blocked behind disk latency (spec.md §4.6: "advance
	// the sync point, downgrade to read lock, and fsync the mods file;
	// errors during fsync are logged but not propagated").
	s.mu.Unlock()
	s.mu.RLock()
	if err := s.log.Sync(); err != nil {
		s.logger().Warn("mods fsync failed", zap.Error(err))
	}
	s.mu.RUnlock()
	return nil
}

// Entry is a single (key, value) pair returned by a read-path call.
type Entry struct {
	Key   []byte
	Value []byte
}

func toEntry(e mutation.RangeEntry) Entry { return Entry{Key: e.Key, Value: e.Value} }

// Get returns the live value for key, or (nil, false) if absent.
func (s *AtomicStore) Get(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpenLocked(); err != nil {
		return nil, false, err
	}
	return s.view.Get(key)
}

// GetAtLeast returns the first live entry with key >= min.
func (s *AtomicStore) GetAtLeast(min []byte) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpenLocked(); err != nil {
		return Entry{}, false, err
	}
	e, ok, err := s.view.GetAtLeast(min)
	return toEntry(e), ok, err
}

// GetAtMost returns the last live entry with key < max.
func (s *AtomicStore) GetAtMost(max []byte) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpenLocked(); err != nil {
		return Entry{}, false, err
	}
	e, ok, err := s.view.GetAtMost(max)
	return toEntry(e), ok, err
}

// RangeIter is a point-in-time range scan snapshot (spec.md §6:
// "range(min?, max?, reverse) -> iterator<Entry>"). The merged result is
// materialized once, under the read lock, rather than advanced lazily one
// step at a time against live store state; see DESIGN.md for why this is
// an acceptable simplification given mutation.View.Range's own shape.
type RangeIter struct {
	entries []mutation.RangeEntry
	cur     int
}

// Next advances the iterator and reports whether an entry is available.
func (it *RangeIter) Next() bool {
	it.cur++
	return it.cur < len(it.entries)
}

// Entry returns the current entry. Valid only after a Next call returned
// true.
func (it *RangeIter) Entry() Entry { return toEntry(it.entries[it.cur]) }

// Range returns an iterator over [min, max) (either bound nil meaning
// unbounded), ascending or descending.
func (s *AtomicStore) Range(min, max []byte, reverse bool) (*RangeIter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}
	entries, err := s.view.Range(min, max, reverse)
	if err != nil {
		return nil, err
	}
	return &RangeIter{entries: entries, cur: -1}, nil
}

// CompactionHandle lets a caller wait for a manually triggered compaction.
type CompactionHandle struct{ c *compact.Compactor }

// Wait blocks until the compaction this handle refers to settles.
func (h *CompactionHandle) Wait() {
	for h.c.State() == compact.StateScheduled {
		time.Sleep(time.Millisecond)
	}
	h.c.Wait()
}

// State reports the compactor's current state.
func (h *CompactionHandle) State() compact.State { return h.c.State() }

// ScheduleCompaction forces a compaction to run as soon as possible
// (spec.md §6: "schedule_compaction() -> Option<CompactionHandle>").
func (s *AtomicStore) ScheduleCompaction() (*CompactionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}
	s.compactor.Schedule(0)
	return &CompactionHandle{c: s.compactor}, nil
}

// Snapshot clones the overlay (including any in-flight compaction's
// detached set, if one exists) onto the immutable ArrayStore, producing an
// owned, concurrency-safe view whose lifetime is independent of the
// store's subsequent evolution (spec.md §4.6, open question (c)).
type Snapshot struct {
	view *mutation.View
}

// Get mirrors AtomicStore.Get over the frozen view.
func (v *Snapshot) Get(key []byte) ([]byte, bool, error) { return v.view.Get(key) }

// GetAtLeast mirrors AtomicStore.GetAtLeast over the frozen view.
func (v *Snapshot) GetAtLeast(min []byte) (Entry, bool, error) {
	e, ok, err := v.view.GetAtLeast(min)
	return toEntry(e), ok, err
}

// GetAtMost mirrors AtomicStore.GetAtMost over the frozen view.
func (v *Snapshot) GetAtMost(max []byte) (Entry, bool, error) {
	e, ok, err := v.view.GetAtMost(max)
	return toEntry(e), ok, err
}

// Range mirrors AtomicStore.Range over the frozen view.
func (v *Snapshot) Range(min, max []byte, reverse bool) (*RangeIter, error) {
	entries, err := v.view.Range(min, max, reverse)
	if err != nil {
		return nil, err
	}
	return &RangeIter{entries: entries, cur: -1}, nil
}

func (s *AtomicStore) Snapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}
	merged := s.overlay.Clone()
	if s.compacting != nil {
		merged = mergeSets(s.compacting, s.overlay)
	}
	return &Snapshot{view: mutation.NewView(merged, baseAdapter{store: s.arrayStore})}, nil
}

// mergeSets reproduces top's net effect replayed on top of base, used both
// to restore the live overlay after a failed compaction and to assemble a
// Snapshot while a compaction is in flight. base.Removes()/Entries() and
// top.Removes()/Entries() are themselves already a collapsed "final state"
// encoding of everything applied to each Set, so replaying top's removes
// then top's entries onto a clone of base reproduces exactly what replaying
// top's original operations directly on top of base would have (the same
// property Start's write-set replay and Set.Clone already rely on).
func mergeSets(base, top *mutation.Set) *mutation.Set {
	merged := base.Clone()
	for _, r := range top.Removes() {
		merged.RemoveRange(r.Min, r.Max)
	}
	for _, e := range top.Entries() {
		switch e.Kind {
		case mutation.KindPut:
			merged.Put(e.Key, e.Value)
		case mutation.KindAdjust:
			merged.AdjustCounter(e.Key, e.Delta)
		}
	}
	return merged
}

func (s *AtomicStore) waitHotCopiesDrain() {
	s.hotMu.Lock()
	for s.hotCount > 0 {
		s.hotCond.Wait()
	}
	s.hotMu.Unlock()
}

// lockForFinalize acquires s.mu for compaction's generation-swap section and
// guarantees hotCount == 0 at the moment it returns with the lock held.
// HotCopy registers (increments hotCount) atomically under s.mu.RLock (see
// HotCopy), so once this holds the write lock no new hot copy can start;
// re-checking hotCount under that exclusion — not just once, before the
// lock, the way a single waitHotCopiesDrain call would — closes the window
// where a hot copy could register after the drain check but before the
// write lock was acquired, and still race the old generation's files being
// unlinked underneath it.
func (s *AtomicStore) lockForFinalize() {
	for {
		s.waitHotCopiesDrain()
		s.mu.Lock()
		s.hotMu.Lock()
		clear := s.hotCount == 0
		s.hotMu.Unlock()
		if clear {
			return
		}
		s.mu.Unlock()
	}
}

// runCompaction is the Compactor's run closure (spec.md §4.7's
// Running/Merge/Finalization/Failure-handling sequence).
func (s *AtomicStore) runCompaction() {
	s.mu.Lock()
	if s.overlay.Empty() {
		s.mu.Unlock()
		s.lockForFinalize()

		if err := s.log.Truncate(0); err != nil {
			s.logger().Warn("compaction: truncate empty mods failed", zap.Error(err))
		} else if err := s.log.Sync(); err != nil {
			s.logger().Warn("compaction: fsync empty mods failed", zap.Error(err))
		} else {
			s.modsLen = 0
			s.firstModUnixNano = 0
		}
		s.compactor.BeginFinalizing()
		s.compactor.Complete()
		s.writeCond.Broadcast()
		s.mu.Unlock()
		return
	}

	writesToCompact := s.overlay
	s.compacting = writesToCompact
	s.overlay = mutation.NewSet()
	s.view = mutation.NewView(s.overlay, baseAdapter{store: s.arrayStore})
	prevModsLen := s.modsLen
	baseArrayStore := s.arrayStore
	gen := s.gen
	dir := s.cfg.Directory
	s.mu.Unlock()

	newGen := gen + 1
	indxPath := filepath.Join(dir, fmt.Sprintf("indx.%d", newGen))
	keysPath := filepath.Join(dir, fmt.Sprintf("keys.%d", newGen))
	valsPath := filepath.Join(dir, fmt.Sprintf("vals.%d", newGen))
	bloomPath := filepath.Join(dir, fmt.Sprintf("bloom.%d", newGen))

	indxF, keysF, valsF, err := createGenerationFiles(indxPath, keysPath, valsPath)
	if err != nil {
		s.abortCompaction(indxPath, keysPath, valsPath, "", writesToCompact, err)
		return
	}

	var opts []array.Option
	if s.cfg.BloomFalsePositiveRate > 0 {
		opts = append(opts, array.WithBloomFilter(estimateEntries(baseArrayStore, writesToCompact), s.cfg.BloomFalsePositiveRate))
	}
	writer := array.NewWriter(indxF, keysF, valsF, opts...)

	if err := compact.Merge(writer, baseArrayStore, writesToCompact); err != nil {
		indxF.Close()
		keysF.Close()
		valsF.Close()
		s.abortCompaction(indxPath, keysPath, valsPath, "", writesToCompact, err)
		return
	}

	var syncErr error
	for _, f := range []*os.File{indxF, keysF, valsF} {
		if err := f.Sync(); err != nil && syncErr == nil {
			syncErr = err
		}
	}
	s.writeBloomSidecar(writer, bloomPath)
	indxF.Close()
	keysF.Close()
	valsF.Close()
	if syncErr != nil {
		s.abortCompaction(indxPath, keysPath, valsPath, bloomPath, writesToCompact, syncErr)
		return
	}
	fsyncDir(dir, s.logger())

	s.compactor.BeginFinalizing()
	s.lockForFinalize()

	currentModsLen := s.modsLen
	additional := currentModsLen - prevModsLen

	newModsPath := filepath.Join(dir, fmt.Sprintf("mods.%d", newGen))
	newModsF, ferr := os.OpenFile(newModsPath, os.O_CREATE|os.O_RDWR, 0o644)
	if ferr != nil {
		s.mu.Unlock()
		s.abortCompaction(indxPath, keysPath, valsPath, bloomPath, writesToCompact, ferr)
		return
	}
	if additional > 0 {
		if cerr := s.log.CopyTail(newModsF, prevModsLen, additional); cerr != nil {
			newModsF.Close()
			os.Remove(newModsPath)
			s.mu.Unlock()
			s.abortCompaction(indxPath, keysPath, valsPath, bloomPath, writesToCompact, cerr)
			return
		}
		if serr := newModsF.Sync(); serr != nil {
			s.logger().Warn("compaction: new mods fsync failed", zap.Error(serr))
		}
	}
	newModsF.Close()

	genPath := filepath.Join(dir, "gen")
	if err := writeGen(genPath, newGen); err != nil {
		s.mu.Unlock()
		s.abortCompaction(indxPath, keysPath, valsPath, bloomPath, writesToCompact, err)
		return
	}
	fsyncDir(dir, s.logger())

	// Errors past this point are non-fatal per spec.md §4.7: "stale files
	// just linger until the next compaction or startup scan."
	newLog, _, err := modlog.Open(newModsPath, s.logger())
	if err != nil {
		s.logger().Error("compaction: reopening new mods file failed", zap.Error(err))
	}
	newIndxBlob, newKeysBlob, newValsBlob, newArrayStore, err := loadGeneration(dir, newGen, s.cfg)
	if err != nil {
		s.logger().Error("compaction: loading new generation failed", zap.Error(err))
	} else {
		oldLog, oldIndx, oldKeys, oldVals := s.log, s.indxBlob, s.keysBlob, s.valsBlob
		oldGen := s.gen

		s.gen = newGen
		s.indxBlob, s.keysBlob, s.valsBlob = newIndxBlob, newKeysBlob, newValsBlob
		s.arrayStore = newArrayStore
		s.log = newLog
		s.modsLen = additional
		s.view = mutation.NewView(s.overlay, baseAdapter{store: s.arrayStore})
		if additional == 0 {
			s.firstModUnixNano = 0
		} else {
			s.firstModUnixNano = time.Now().UnixNano()
		}

		if err := oldLog.Close(); err != nil {
			s.logger().Warn("compaction: old mods close failed", zap.Error(err))
		}
		oldIndx.Close()
		oldKeys.Close()
		oldVals.Close()
		for _, name := range []string{
			fmt.Sprintf("indx.%d", oldGen), fmt.Sprintf("keys.%d", oldGen),
			fmt.Sprintf("vals.%d", oldGen), fmt.Sprintf("mods.%d", oldGen),
			fmt.Sprintf("bloom.%d", oldGen),
		} {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				s.logger().Warn("compaction: unlink old generation file failed", zap.String("file", name), zap.Error(err))
			}
		}
	}

	s.compacting = nil
	s.compactor.Complete()
	s.rescheduleLocked()
	s.writeCond.Broadcast()
	s.mu.Unlock()
}

// abortCompaction implements spec.md §4.7's failure handling: delete the
// new generation's partial files and restore the pre-compaction mutation
// set by merging whatever arrived during the compaction window on top of
// writesToCompact.
func (s *AtomicStore) abortCompaction(indxPath, keysPath, valsPath, bloomPath string, writesToCompact *mutation.Set, cause error) {
	s.logger().Error("compaction failed, reverting", zap.Error(cause))
	for _, p := range []string{indxPath, keysPath, valsPath, bloomPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger().Warn("compaction: cleanup of partial generation file failed", zap.String("path", p), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.overlay = mergeSets(writesToCompact, s.overlay)
	s.view = mutation.NewView(s.overlay, baseAdapter{store: s.arrayStore})
	s.compacting = nil
	s.compactor.Fail()
	s.writeCond.Broadcast()
	s.mu.Unlock()
}

func createGenerationFiles(indxPath, keysPath, valsPath string) (indxF, keysF, valsF *os.File, err error) {
	indxF, err = os.Create(indxPath)
	if err != nil {
		return nil, nil, nil, err
	}
	keysF, err = os.Create(keysPath)
	if err != nil {
		indxF.Close()
		return nil, nil, nil, err
	}
	valsF, err = os.Create(valsPath)
	if err != nil {
		indxF.Close()
		keysF.Close()
		return nil, nil, nil, err
	}
	return indxF, keysF, valsF, nil
}

func estimateEntries(base *array.Store, overlay *mutation.Set) uint {
	n := base.Len() + overlay.Len()
	if n < 0 {
		n = 0
	}
	return uint(n)
}

func (s *AtomicStore) writeBloomSidecar(writer *array.Writer, path string) {
	if writer.BloomFilter() == nil {
		return
	}
	f, err := os.Create(path)
	if err != nil {
		s.logger().Warn("bloom sidecar create failed", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := writer.WriteBloomSidecar(f); err != nil {
		s.logger().Warn("bloom sidecar write failed", zap.Error(err))
		return
	}
	if err := f.Sync(); err != nil {
		s.logger().Warn("bloom sidecar fsync failed", zap.Error(err))
	}
}

// ensureEmptyTargetDir implements spec.md §4.6's hot-copy precondition:
// "target directory must be absent or empty; create if missing."
func ensureEmptyTargetDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755)
		}
		return err
	}
	if len(entries) > 0 {
		return ErrHotCopyTargetNotEmpty
	}
	return nil
}

// hardlinkOrCopy links or copies a mandatory blob file; a missing src is a
// real error, not tolerated the way the optional bloom sidecar is.
func hardlinkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst, false)
}

// hardlinkOrCopyOptional is hardlinkOrCopy's counterpart for the bloom
// sidecar, which may legitimately not exist for a generation
// (SPEC_FULL.md §6).
func hardlinkOrCopyOptional(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst, true)
}

// copyFile copies src to dst, fsyncing dst before close. When
// tolerateMissing is true, a missing src is treated as a no-op rather than
// an error; callers must reserve that for genuinely optional files (the
// bloom sidecar), never for mandatory blob files — a missing mandatory file
// means the hot copy is incomplete, not that there was nothing to copy.
func copyFile(src, dst string, tolerateMissing bool) error {
	in, err := os.Open(src)
	if err != nil {
		if tolerateMissing && os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// HotCopy implements spec.md §4.6's hot copy: a consistent point-in-time
// copy of the current generation's files into target, usable as the
// directory of a brand new AtomicStore.
func (s *AtomicStore) HotCopy(target string) error {
	if err := ensureEmptyTargetDir(target); err != nil {
		return err
	}

	// gen must be read and hotCount incremented as a single atomic step: if
	// they were split across separate lock acquisitions, a compaction could
	// observe hotCount == 0 and finalize (swapping the generation and
	// unlinking this gen's files) in the gap between the two, racing ahead
	// of registration entirely (spec.md §4.6: hot copies must block
	// finalization, not merely be noticed by it after the fact).
	s.mu.RLock()
	if err := s.checkOpenLocked(); err != nil {
		s.mu.RUnlock()
		return err
	}
	dir := s.cfg.Directory
	gen := s.gen
	s.hotMu.Lock()
	s.hotCount++
	s.hotMu.Unlock()
	s.mu.RUnlock()

	defer func() {
		s.hotMu.Lock()
		s.hotCount--
		s.hotCond.Broadcast()
		s.hotMu.Unlock()
	}()

	for _, name := range []string{
		fmt.Sprintf("indx.%d", gen), fmt.Sprintf("keys.%d", gen), fmt.Sprintf("vals.%d", gen),
	} {
		if err := hardlinkOrCopy(filepath.Join(dir, name), filepath.Join(target, name)); err != nil {
			return err
		}
	}

	bloomName := fmt.Sprintf("bloom.%d", gen)
	_ = hardlinkOrCopyOptional(filepath.Join(dir, bloomName), filepath.Join(target, bloomName))

	modsName := fmt.Sprintf("mods.%d", gen)
	if err := copyFile(filepath.Join(dir, modsName), filepath.Join(target, modsName), false); err != nil {
		return err
	}

	if err := copyFile(filepath.Join(dir, "gen"), filepath.Join(target, "gen"), false); err != nil {
		return err
	}

	fsyncDir(target, s.logger())
	return nil
}

// Stop cancels or drains a running compaction, waits for in-flight hot
// copies, and releases every handle the store holds (spec.md §4.6,
// "Stop"). Idempotent.
func (s *AtomicStore) Stop() error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.writeCond.Broadcast()
	canceled := s.compactor.Cancel()
	s.mu.Unlock()

	if !canceled {
		s.compactor.Wait()
	}
	s.waitHotCopiesDrain()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Close(); err != nil {
		s.logger().Warn("mods close failed", zap.Error(err))
	}
	if err := s.indxBlob.Close(); err != nil {
		s.logger().Warn("indx blob close failed", zap.Error(err))
	}
	if err := s.keysBlob.Close(); err != nil {
		s.logger().Warn("keys blob close failed", zap.Error(err))
	}
	if err := s.valsBlob.Close(); err != nil {
		s.logger().Warn("vals blob close failed", zap.Error(err))
	}
	if err := s.dlock.release(); err != nil {
		s.logger().Warn("lock release failed", zap.Error(err))
	}
	s.closed = true
	s.started = false
	s.logger().Info("store stopped")
	return nil
}
