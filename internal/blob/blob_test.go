package blob

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHeapAndMmapAgree(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 1<<16) // 1MiB

	path := writeTemp(t, data)

	heap, err := Open(path, 1<<62) // threshold above file size forces heap
	if err != nil {
		t.Fatal(err)
	}
	defer heap.Close()

	small, err := Open(path, 1) // threshold of 1 forces mmap for any non-empty file
	if err != nil {
		t.Fatal(err)
	}
	defer small.Close()

	if heap.Len() != len(data) || small.Len() != len(data) {
		t.Fatalf("Len mismatch: heap=%d small=%d want=%d", heap.Len(), small.Len(), len(data))
	}

	if !bytes.Equal(heap.Slice(10, 100), small.Slice(10, 100)) {
		t.Fatal("heap and mmap slices differ")
	}
	if !bytes.Equal(heap.Slice(0, heap.Len()), data) {
		t.Fatal("heap blob does not match source data")
	}
}

func TestFromBytes(t *testing.T) {
	b := FromBytes([]byte("hello"))
	if b.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", b.Len())
	}
	if string(b.Slice(1, 4)) != "ell" {
		t.Fatalf("Slice(1,4) = %q, want \"ell\"", b.Slice(1, 4))
	}
}
