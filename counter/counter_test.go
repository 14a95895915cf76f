package counter

import (
	"errors"
	"math"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []int64{0, 1, -1, 42, math.MaxInt64, math.MinInt64}

	for _, v := range tests {
		got, err := Decode(Encode(v))
		if err != nil {
			t.Fatalf("Decode(Encode(%d)): %v", v, err)
		}
		if got != v {
			t.Fatalf("Decode(Encode(%d)) = %d", v, got)
		}
	}
}

func TestDecodeBadLength(t *testing.T) {
	for _, b := range [][]byte{nil, {}, {1, 2, 3}, make([]byte, 9)} {
		if _, err := Decode(b); !errors.Is(err, ErrBadCounter) {
			t.Fatalf("Decode(%v) error = %v, want ErrBadCounter", b, err)
		}
	}
}

func TestAdjustWrapsLikeNativeInt64(t *testing.T) {
	base := Encode(math.MaxInt64)
	got, err := Adjust(base, 1)
	if err != nil {
		t.Fatal(err)
	}
	v, _ := Decode(got)
	if v != math.MinInt64 {
		t.Fatalf("Adjust(MaxInt64, +1) = %d, want MinInt64 (wraparound)", v)
	}
}

func TestAdjustPropagatesDecodeError(t *testing.T) {
	if _, err := Adjust([]byte{1, 2}, 5); !errors.Is(err, ErrBadCounter) {
		t.Fatalf("Adjust error = %v, want ErrBadCounter", err)
	}
}
