package game

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCurrentMultiplier(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	highCrash := decimal.RequireFromString("50.00")

	tests := []struct {
		name    string
		elapsed time.Duration
		crash   decimal.Decimal
		want    string
	}{
		{name: "before start", elapsed: -time.Second, crash: highCrash, want: "1.00"},
		{name: "at start", elapsed: 0, crash: highCrash, want: "1.00"},
		{name: "one second", elapsed: time.Second, crash: highCrash, want: "1.10"},
		{name: "four seconds", elapsed: 4 * time.Second, crash: highCrash, want: "1.80"},
		{name: "nine seconds", elapsed: 9 * time.Second, crash: highCrash, want: "3.70"},
		{name: "pinned at crash", elapsed: 9 * time.Second, crash: decimal.RequireFromString("1.50"), want: "1.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CurrentMultiplier(start, tt.crash, start.Add(tt.elapsed))
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("CurrentMultiplier(%v) = %v, want %v", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestCurrentMultiplier_Monotonic(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	crash := decimal.RequireFromString("10.00")

	previous := MinMultiplier
	for elapsed := time.Duration(0); elapsed <= 30*time.Second; elapsed += 50 * time.Millisecond {
		current := CurrentMultiplier(start, crash, start.Add(elapsed))
		if current.LessThan(previous) {
			t.Fatalf("multiplier decreased at %v: %v < %v", elapsed, current, previous)
		}
		if current.GreaterThan(crash) {
			t.Fatalf("multiplier %v exceeds crash %v at %v", current, crash, elapsed)
		}
		previous = current
	}
	if !previous.Equal(crash) {
		t.Errorf("multiplier after 30s = %v, want pinned at %v", previous, crash)
	}
}

func TestTimeToReach(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if got := TimeToReach(MinMultiplier); got != 0 {
		t.Errorf("TimeToReach(1.00) = %v, want 0", got)
	}

	for _, target := range []string{"1.50", "2.00", "3.70", "10.00", "100.00"} {
		t.Run(target, func(t *testing.T) {
			m := decimal.RequireFromString(target)
			d := TimeToReach(m)

			reached := CurrentMultiplier(start, MaxMultiplier, start.Add(d+time.Millisecond))
			if reached.LessThan(m) {
				t.Errorf("at TimeToReach(%s)+1ms multiplier = %v, want >= %s", target, reached, target)
			}
			before := CurrentMultiplier(start, MaxMultiplier, start.Add(d-50*time.Millisecond))
			if !before.LessThan(m) {
				t.Errorf("50ms before TimeToReach(%s) multiplier = %v, want < %s", target, before, target)
			}
		})
	}
}

func BenchmarkCurrentMultiplier(b *testing.B) {
	start := time.Now()
	now := start.Add(5 * time.Second)
	crash := decimal.RequireFromString("10.00")
	for i := 0; i < b.N; i++ {
		CurrentMultiplier(start, crash, now)
	}
}
