package modlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flashkv/arraykv/writeset"
)

func tempLogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "mods.0")
}

func TestAppendThenReopenReplays(t *testing.T) {
	path := tempLogPath(t)

	l, records, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty log, got %d records", len(records))
	}

	ws1 := &writeset.WriteSet{Puts: []writeset.KV{{Key: []byte("a"), Value: []byte("1")}}}
	ws2 := &writeset.WriteSet{Adjusts: []writeset.KVDelta{{Key: []byte("n"), Delta: 5}}}

	if err := l.Append(ws1); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(ws2); err != nil {
		t.Fatal(err)
	}
	if err := l.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l2, records2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	if len(records2) != 2 {
		t.Fatalf("expected 2 replayed records, got %d", len(records2))
	}
	if string(records2[0].Puts[0].Key) != "a" || string(records2[0].Puts[0].Value) != "1" {
		t.Fatalf("unexpected first record: %+v", records2[0])
	}
	if records2[1].Adjusts[0].Delta != 5 {
		t.Fatalf("unexpected second record: %+v", records2[1])
	}
}

func TestReplayTruncatesCorruptTail(t *testing.T) {
	path := tempLogPath(t)

	l, _, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	good := &writeset.WriteSet{Puts: []writeset.KV{{Key: []byte("a"), Value: []byte("1")}}}
	if err := l.Append(good); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append: append a few garbage bytes that look
	// like the start of a record but never complete.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0x01, 0x02, 0x03, 0x04, 0x05}); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	l2, records, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	if len(records) != 1 {
		t.Fatalf("expected replay to recover exactly the 1 good record, got %d", len(records))
	}

	// Appending again should not leave the torn tail behind; the file was
	// truncated to the last good record on Open.
	more := &writeset.WriteSet{Puts: []writeset.KV{{Key: []byte("b"), Value: []byte("2")}}}
	if err := l2.Append(more); err != nil {
		t.Fatal(err)
	}
	if err := l2.Close(); err != nil {
		t.Fatal(err)
	}

	l3, records3, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l3.Close()
	if len(records3) != 2 {
		t.Fatalf("expected 2 records after truncate+append, got %d", len(records3))
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	path := tempLogPath(t)
	l, _, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	err = l.Append(&writeset.WriteSet{})
	if err != ErrClosed {
		t.Fatalf("Append after Close = %v, want ErrClosed", err)
	}
}

func TestConcurrentAppends(t *testing.T) {
	path := tempLogPath(t)
	l, _, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			errs <- l.Append(&writeset.WriteSet{Adjusts: []writeset.KVDelta{{Key: []byte("k"), Delta: int64(i)}}})
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	_, records, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != n {
		t.Fatalf("expected %d records, got %d", n, len(records))
	}
}
