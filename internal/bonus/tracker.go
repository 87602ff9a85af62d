// Package bonus arms and drains the daily-activity bonus mode.
package bonus

import (
	"time"

	"github.com/atmx/spin-economy/internal/calendar"
	"github.com/atmx/spin-economy/internal/model"
)

const (
	DefaultThreshold = 100
	DefaultSpins     = 50
)

// Tracker holds the arming rule. Threshold is the daily spin count whose
// crossing arms bonus mode; Spins is the number of bonus spins granted.
type Tracker struct {
	Threshold int64
	Spins     int64
	Location  *time.Location
}

// NewTracker returns a tracker with the given rule, falling back to defaults
// for non-positive values.
func NewTracker(threshold, spins int64, loc *time.Location) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if spins <= 0 {
		spins = DefaultSpins
	}
	return &Tracker{Threshold: threshold, Spins: spins, Location: loc}
}

// Settle applies one settlement of count spins to acc's bonus state.
// SpinsToday must not yet include count. It advances SpinsToday, drains
// bonus spins that were already armed and arms when the aggregate count
// crosses the threshold. It reports whether this settlement armed.
func (t *Tracker) Settle(acc *model.PlayerAccount, count int64, now time.Time) bool {
	before := acc.SpinsToday
	after := before + count
	acc.SpinsToday = after

	if acc.BonusSpinsRemaining > 0 {
		acc.BonusSpinsRemaining -= count
		if acc.BonusSpinsRemaining < 0 {
			acc.BonusSpinsRemaining = 0
		}
	}

	if before < t.Threshold && after >= t.Threshold {
		acc.BonusSpinsRemaining = t.Spins
		expiry := calendar.NextMidnight(now, t.Location)
		acc.BonusModeExpiry = &expiry
		return true
	}

	if acc.BonusSpinsRemaining == 0 {
		acc.BonusModeExpiry = nil
	}
	return false
}
