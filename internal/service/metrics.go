package service

import (
	"github.com/shopspring/decimal"
)

const (
	secondsPerDay = 86400
	// metricPrecision is the decimal scale of ROI and APR
	metricPrecision = 18
)

var (
	hundred    = decimal.NewFromInt(100)
	daysInYear = decimal.NewFromInt(365)
)

// ComputeROI returns (final - initial) / initial * 100, or zero when nothing was contributed
func ComputeROI(final, initial decimal.Decimal) decimal.Decimal {
	if !initial.IsPositive() {
		return decimal.Zero
	}
	return final.Sub(initial).Mul(hundred).DivRound(initial, metricPrecision)
}

// ComputeAPR annualizes roi over the fractional days since the first trade
func ComputeAPR(roi decimal.Decimal, firstTradingTimestamp, at int64) decimal.Decimal {
	if firstTradingTimestamp <= 0 || at <= firstTradingTimestamp {
		return decimal.Zero
	}
	days := decimal.NewFromInt(at - firstTradingTimestamp).DivRound(decimal.NewFromInt(secondsPerDay), metricPrecision)
	if !days.IsPositive() {
		return decimal.Zero
	}
	return roi.Mul(daysInYear).DivRound(days, metricPrecision)
}

// SnapshotDue reports whether now falls on a later UTC day than last
func SnapshotDue(last, now int64) bool {
	return floorDiv(now, secondsPerDay) > floorDiv(last, secondsPerDay)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
