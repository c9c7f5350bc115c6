// Package calendar implements trading-day accounting: counting
// weekday-only calendar days since a strategy's live start date, and
// annualizing a cumulative return over that count.
package calendar

import (
	"math"
	"time"
)

// TradingDaysBetween returns the count of calendar days strictly after
// start up to and including end, excluding Saturdays and Sundays and any
// date present in holidays. holidays may be nil — callers that have a
// real exchange calendar pass it here; the weekend-only rule still
// applies when it is nil.
func TradingDaysBetween(start, end time.Time, holidays map[string]bool) int {
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)
	if !end.After(start) {
		return 0
	}
	count := 0
	for d := start.AddDate(0, 0, 1); !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		if holidays != nil && holidays[d.Format("2006-01-02")] {
			continue
		}
		count++
	}
	return count
}

// AnnualizedReturnPercent computes ((1+totalReturn)^(252/n) - 1) * 100,
// with n clamped to at least 1 to avoid division by zero on the first
// trading day.
func AnnualizedReturnPercent(totalReturnDecimal float64, n int) float64 {
	if n < 1 {
		n = 1
	}
	base := 1 + totalReturnDecimal
	if base <= 0 {
		// A total loss or worse cannot be raised to a fractional power
		// without going complex; report -100% rather than NaN.
		return -100
	}
	return (math.Pow(base, 252.0/float64(n)) - 1) * 100
}
