package mutation

import (
	"testing"

	"github.com/flashkv/arraykv/counter"
)

func TestPutThenGet(t *testing.T) {
	s := NewSet()
	s.Put([]byte("a"), []byte("1"))

	rec, has, removed := s.overlay([]byte("a"))
	if !has || removed || string(rec.value) != "1" {
		t.Fatalf("overlay(a) = %+v, has=%v, removed=%v", rec, has, removed)
	}
}

func TestRemoveRangeDropsCoveredPut(t *testing.T) {
	s := NewSet()
	s.Put([]byte("b"), []byte("1"))
	s.RemoveRange([]byte("a"), []byte("c"))

	_, has, removed := s.overlay([]byte("b"))
	if has {
		t.Fatal("expected put to be dropped by covering remove")
	}
	if !removed {
		t.Fatal("expected b to be reported removed")
	}
}

func TestPutAfterRemoveUnremoves(t *testing.T) {
	s := NewSet()
	s.RemoveRange([]byte("a"), []byte("z"))
	s.Put([]byte("m"), []byte("1"))

	rec, has, _ := s.overlay([]byte("m"))
	if !has || string(rec.value) != "1" {
		t.Fatalf("expected m live with value 1, got has=%v rec=%+v", has, rec)
	}

	// neighbors still removed
	_, has, removed := s.overlay([]byte("n"))
	if has || !removed {
		t.Fatalf("expected n to remain removed, has=%v removed=%v", has, removed)
	}
}

func TestAdjustCounterFoldsIntoExistingPut(t *testing.T) {
	s := NewSet()
	s.Put([]byte("n"), counter.Encode(10))
	s.AdjustCounter([]byte("n"), 5)

	rec, has, _ := s.overlay([]byte("n"))
	if !has || rec.kind != kindPut {
		t.Fatalf("expected put record after adjust, got %+v", rec)
	}
	v, err := counter.Decode(rec.value)
	if err != nil || v != 15 {
		t.Fatalf("decode = %d, %v, want 15", v, err)
	}
}

func TestAdjustCounterRecordedSeparatelyWithoutPut(t *testing.T) {
	s := NewSet()
	s.AdjustCounter([]byte("n"), 5)

	rec, has, _ := s.overlay([]byte("n"))
	if !has || rec.kind != kindAdjust || rec.delta != 5 {
		t.Fatalf("expected standalone adjust record, got %+v has=%v", rec, has)
	}

	s.AdjustCounter([]byte("n"), 3)
	rec, has, _ = s.overlay([]byte("n"))
	if !has || rec.kind != kindAdjust || rec.delta != 8 {
		t.Fatalf("expected accumulated adjust delta=8, got %+v", rec)
	}
}

func TestRemoveRangeCoalescesAdjacent(t *testing.T) {
	s := NewSet()
	s.RemoveRange([]byte("a"), []byte("c"))
	s.RemoveRange([]byte("c"), []byte("e"))

	if len(s.removes) != 1 {
		t.Fatalf("expected coalesced single range, got %v", s.removes)
	}
	if string(s.removes[0].Min) != "a" || string(s.removes[0].Max) != "e" {
		t.Fatalf("unexpected coalesced range: %+v", s.removes[0])
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewSet()
	s.Put([]byte("a"), []byte("1"))
	clone := s.Clone()

	s.Put([]byte("a"), []byte("2"))

	rec, _, _ := clone.overlay([]byte("a"))
	if string(rec.value) != "1" {
		t.Fatalf("clone mutated by later write on original: got %q", rec.value)
	}
}

func TestEmptyAndLen(t *testing.T) {
	s := NewSet()
	if !s.Empty() {
		t.Fatal("new set should be empty")
	}
	s.Put([]byte("a"), []byte("1"))
	if s.Empty() || s.Len() != 1 {
		t.Fatalf("Empty()=%v Len()=%d, want false,1", s.Empty(), s.Len())
	}
}
