package pressure

import (
	"math"
	"testing"
)

func TestHighBelowLowIsRaised(t *testing.T) {
	c := New(1000, 500, 30)
	if c.HighWater() != 1000 {
		t.Fatalf("HighWater() = %d, want 1000 (raised to low)", c.HighWater())
	}
}

func TestStallDelayBelowHalfIsNoStall(t *testing.T) {
	c := New(1000, 2000, 30)
	for _, l := range []int64{0, 1000, 1499} {
		if got := c.StallDelayMS(l); got != -1 {
			t.Fatalf("StallDelayMS(%d) = %d, want -1", l, got)
		}
	}
}

func TestStallDelayAtHalf(t *testing.T) {
	c := New(1000, 2000, 30)
	if got := c.StallDelayMS(1500); got != 0 {
		t.Fatalf("StallDelayMS(1500) [w=0.5] = %d, want 0", got)
	}
}

func TestStallDelayAtThreeQuarters(t *testing.T) {
	c := New(1000, 2000, 30)
	if got := c.StallDelayMS(1750); got != 100 {
		t.Fatalf("StallDelayMS(1750) [w=0.75] = %d, want 100", got)
	}
}

func TestStallDelayMonotonicInBand(t *testing.T) {
	c := New(1000, 2000, 30)
	prev := int64(-1)
	for l := int64(1000); l <= 2000; l += 50 {
		d := c.StallDelayMS(l)
		if d < prev {
			t.Fatalf("stall delay not monotonic: L=%d delay=%d < prev=%d", l, d, prev)
		}
		prev = d
	}
}

func TestStallDelayAtHighWaterIsUnbounded(t *testing.T) {
	c := New(1000, 2000, 30)
	if got := c.StallDelayMS(2000); got != math.MaxInt64 {
		t.Fatalf("StallDelayMS(2000) = %d, want MaxInt64", got)
	}
	if got := c.StallDelayMS(5000); got != math.MaxInt64 {
		t.Fatalf("StallDelayMS(5000) = %d, want MaxInt64 (clamped above high)", got)
	}
}

func TestScheduleImmediateAtHighWater(t *testing.T) {
	c := New(1000, 2000, 30)
	d := c.Schedule(2000, 0, 0)
	if !d.Immediate {
		t.Fatalf("Schedule at L=high = %+v, want Immediate", d)
	}
}

// spec.md §4.8's eager-compaction rule fires as soon as L exceeds low_water
// — a separate, earlier threshold than the write-stall curve's high-water
// band (StallDelayMS). This must trigger well before L reaches high_water.
func TestScheduleImmediateAboveLowWaterBelowHighWater(t *testing.T) {
	c := New(1000, 2000, 30)
	d := c.Schedule(1001, 0, 0)
	if !d.Immediate {
		t.Fatalf("Schedule(1001) with low=1000 high=2000 = %+v, want Immediate", d)
	}
}

func TestScheduleNotImmediateAtOrBelowLowWater(t *testing.T) {
	c := New(1000, 2000, 30)
	d := c.Schedule(1000, 1, 1)
	if d.Immediate {
		t.Fatalf("Schedule(1000) with low=1000 = %+v, want not Immediate", d)
	}
}

func TestScheduleNoneWithoutFirstMod(t *testing.T) {
	c := New(1000, 2000, 30)
	d := c.Schedule(500, 0, int64(123e9))
	if !d.None {
		t.Fatalf("Schedule with T=0 = %+v, want None", d)
	}
}

func TestScheduleRemainingBudget(t *testing.T) {
	c := New(1000, 2000, 30) // max_delay 30s
	firstMod := int64(1)
	now := int64(10 * 1e9) // 10s elapsed
	d := c.Schedule(500, firstMod, now)
	if d.Immediate || d.None {
		t.Fatalf("Schedule = %+v, want a delayed schedule", d)
	}
	if d.DelayMS != 20000 {
		t.Fatalf("DelayMS = %d, want 20000 (30s max - 10s elapsed)", d.DelayMS)
	}
}

func TestScheduleBudgetExhaustedIsZero(t *testing.T) {
	c := New(1000, 2000, 30)
	d := c.Schedule(500, 1, int64(60*1e9))
	if d.None {
		t.Fatalf("Schedule = %+v, want a delayed (not None) schedule", d)
	}
	if d.DelayMS != 0 {
		t.Fatalf("DelayMS = %d, want 0 (budget already exhausted)", d.DelayMS)
	}
}
