// Package modlog implements MutationLog (spec.md §4.5): the append-only,
// per-generation mods file that every write is durably recorded to before
// (or concurrently with) updating the in-memory MutationSet.
//
// Grounded on the teacher's channel-fed WAL writer (wal_writer.go): one
// writer goroutine drains a buffered channel and appends to the file,
// handing each caller back its own error over a per-request channel so
// Append blocks until the record has reached the file, while fsync itself
// is a separate, explicit step callers invoke later under a downgraded
// lock (spec.md §3: "optional fsync is performed under the read lock after
// lock downgrade, so subsequent writers do not queue behind disk latency").
package modlog

import (
	"errors"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/flashkv/arraykv/writeset"
)

// ErrClosed is returned by Append once the log has been closed.
var ErrClosed = errors.New("modlog: closed")

type request struct {
	ws   *writeset.WriteSet
	done chan error
}

// Log is an append-only, async-flushed sequence of writeset.WriteSet
// records backed by one open file.
//
// Close synchronization is grounded on the teacher's first WALWriter
// (wal_writer.go): Append registers itself on inflight before releasing
// mu, so Close can safely wait out every in-flight Append before closing
// the request channel — no send ever races a close.
type Log struct {
	f      *os.File
	logger *zap.Logger

	ch       chan *request
	writerWG sync.WaitGroup // the loop goroutine

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup // Append calls currently between send and reply
}

// Open opens (creating if absent) the mods file at path, replays every
// record already in it, and starts the async writer goroutine positioned
// to append after the last valid record. Records are returned in the order
// they were originally appended.
//
// A decode failure at the tail — a torn write from a crash mid-append — is
// not fatal: replay stops there and the file is truncated to the
// last-known-good offset so future appends do not leave a gap behind a
// half-written record (spec.md §4.5: "a deserialization failure at the
// tail is treated as a partial write and truncates replay; prior records
// remain committed").
func Open(path string, logger *zap.Logger) (*Log, []*writeset.WriteSet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, err
	}

	records, validEnd, err := replay(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	if err := f.Truncate(validEnd); err != nil {
		f.Close()
		return nil, nil, err
	}
	if _, err := f.Seek(validEnd, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}

	l := &Log{
		f:      f,
		logger: logger,
		ch:     make(chan *request, 256),
	}
	l.writerWG.Add(1)
	go l.loop()

	logger.Info("modlog opened", zap.String("path", path), zap.Int("replayed_records", len(records)))
	return l, records, nil
}

func replay(f *os.File) ([]*writeset.WriteSet, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}

	var records []*writeset.WriteSet
	var validEnd int64

	for {
		ws, err := writeset.Decode(f)
		if err != nil {
			if err == io.EOF || errors.Is(err, writeset.ErrTruncated) {
				break
			}
			return nil, 0, err
		}
		records = append(records, ws)

		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, err
		}
		validEnd = pos
	}

	return records, validEnd, nil
}

// Append writes ws to the log and blocks until it has reached the file (but
// not necessarily fsynced — see Sync). Safe to call concurrently; requests
// are serialized through the writer goroutine in submission order.
func (l *Log) Append(ws *writeset.WriteSet) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.inflight.Add(1)
	l.mu.Unlock()
	defer l.inflight.Done()

	req := &request{ws: ws, done: make(chan error, 1)}
	l.ch <- req
	return <-req.done
}

// Size returns the current length of the underlying file. Callers serialize
// this against Append themselves (AtomicStore calls it under its write
// lock, which already excludes concurrent Append).
func (l *Log) Size() (int64, error) {
	info, err := l.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Truncate resets the file to size, used to unwind a partial append after
// an I/O error (spec.md §4.6: "on I/O error truncate back to the previous
// length"). The caller must hold whatever lock excludes concurrent Append;
// Truncate does not take l.mu itself since it runs on the same goroutine
// that just observed Append's error, after the writer loop has already
// replied.
func (l *Log) Truncate(size int64) error {
	if err := l.f.Truncate(size); err != nil {
		return err
	}
	_, err := l.f.Seek(size, io.SeekStart)
	return err
}

// CopyTail copies the length bytes starting at offset to w. Used by the
// compactor to carry the mods written during a merge window forward into
// the next generation's mods file (spec.md §4.7's finalization step).
func (l *Log) CopyTail(w io.Writer, offset, length int64) error {
	_, err := io.Copy(w, io.NewSectionReader(l.f, offset, length))
	return err
}

// Sync fsyncs the underlying file. Callers invoke this after downgrading
// their write lock to a read lock, so a slow disk never blocks other
// writers queued behind the log (spec.md §3's "optional fsync... under the
// read lock after lock downgrade").
func (l *Log) Sync() error {
	return l.f.Sync()
}

func (l *Log) write(req *request) {
	err := req.ws.Encode(l.f)
	if err != nil {
		l.logger.Warn("modlog append failed", zap.Error(err))
	}
	req.done <- err
}

func (l *Log) loop() {
	defer l.writerWG.Done()
	for req := range l.ch {
		l.write(req)
	}
}

// Close waits for every in-flight Append to finish, stops the writer
// goroutine, and closes the file. It does not fsync; callers that need a
// durable tail on shutdown should call Sync first.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.inflight.Wait()
	close(l.ch)
	l.writerWG.Wait()
	return l.f.Close()
}
