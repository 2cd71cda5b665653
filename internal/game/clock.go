package game

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// GROWTH_RATE scales the flight curve: m(t) = 1 + t^1.5 * GROWTH_RATE.
const GROWTH_RATE = 0.1

// CurrentMultiplier is the displayed multiplier at now for a round that took
// off at start. It never exceeds crash and never decreases as now advances.
func CurrentMultiplier(start time.Time, crash decimal.Decimal, now time.Time) decimal.Decimal {
	elapsed := now.Sub(start).Seconds()
	if elapsed <= 0 {
		return MinMultiplier
	}

	raw := 1.0 + math.Pow(elapsed, 1.5)*GROWTH_RATE
	current := decimal.NewFromFloat(raw).Round(2)
	if current.GreaterThan(crash) {
		return crash
	}
	return current
}

// TimeToReach inverts the curve: the flight time after which the displayed
// multiplier is at least m.
func TimeToReach(m decimal.Decimal) time.Duration {
	target := m.Sub(decimal.RequireFromString("0.005")).InexactFloat64()
	if target <= 1 {
		return 0
	}
	seconds := math.Pow((target-1)/GROWTH_RATE, 2.0/3.0)
	return time.Duration(seconds * float64(time.Second))
}
