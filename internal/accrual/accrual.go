// Package accrual implements the yield calculation for farming and boost
// positions.
//
// Yield is linear per elapsed period — never compounding within a tick:
//
//	yield = principal * dailyRate * periods / periodsPerDay
//
// The calculator is a pure function: the mode, the elapsed period count,
// and the rate are all passed in by the caller, so a given payout is
// reproducible from its transaction metadata alone.
//
// All monetary values use shopspring/decimal — never float64 for money.
package accrual

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects how elapsed periods translate into a payout.
type Mode string

const (
	// ModeInterval clamps every payout to exactly one period regardless of
	// how much wall-clock time elapsed. This bounds catch-up payouts after
	// downtime: a scheduler that was offline for hours still credits one
	// period's worth on its next tick.
	ModeInterval Mode = "interval"

	// ModeCumulative credits every whole period since the last accrual,
	// capped at one full day's worth of periods per payout.
	ModeCumulative Mode = "cumulative"
)

// ErrInvalidMode is returned by ParseMode for an unknown mode string.
var ErrInvalidMode = errors.New("accrual: invalid mode")

// ParseMode validates an operator-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInterval, ModeCumulative:
		return Mode(s), nil
	}
	return "", ErrInvalidMode
}

// AmountScale is the number of decimal places yield amounts are rounded to.
var AmountScale int32 = 8

// Yield returns the amount owed for elapsedPeriods periods on a position.
//
// In ModeInterval, elapsedPeriods is clamped to 1. In ModeCumulative it is
// capped at periodsPerDay, so no single payout ever exceeds one day's
// yield. Non-positive inputs yield zero.
func Yield(principal, dailyRate decimal.Decimal, elapsedPeriods, periodsPerDay int64, mode Mode) decimal.Decimal {
	if elapsedPeriods <= 0 || periodsPerDay <= 0 {
		return decimal.Zero
	}
	if principal.LessThanOrEqual(decimal.Zero) || dailyRate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	periods := elapsedPeriods
	switch mode {
	case ModeInterval:
		periods = 1
	default:
		if periods > periodsPerDay {
			periods = periodsPerDay
		}
	}

	return principal.
		Mul(dailyRate).
		Mul(decimal.NewFromInt(periods)).
		Div(decimal.NewFromInt(periodsPerDay)).
		Round(AmountScale)
}

// PeriodIndex returns the index of the period containing t, for a day
// divided into periodsPerDay equal periods. Indices are monotone in t, so
// (user, position type, index) is a collision-free dedup key per period.
func PeriodIndex(t time.Time, periodsPerDay int64) int64 {
	if periodsPerDay <= 0 {
		return 0
	}
	periodSeconds := int64(24*time.Hour/time.Second) / periodsPerDay
	return t.Unix() / periodSeconds
}
