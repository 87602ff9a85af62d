// Package model defines the core domain types shared across the spin economy.
// Cash-equivalent values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlayerAccount is the full balance and progression state of one identity.
// It is mirrored to the remote ledger store for registered players and to the
// local guest store for guests.
type PlayerAccount struct {
	PlayerID  string `json:"player_id" db:"player_id"`
	Username  string `json:"username" db:"username"`
	AvatarURL string `json:"avatar_url" db:"avatar_url"`

	SpinBalance   int64           `json:"spin_balance" db:"spin_balance"`
	SoftCurrency  int64           `json:"soft_currency" db:"soft_currency"`   // coins
	BonusCurrency int64           `json:"bonus_currency" db:"bonus_currency"` // e-tokens
	PrizeTokenA   int64           `json:"prize_token_a" db:"prize_token_a"`
	PrizeTokenB   int64           `json:"prize_token_b" db:"prize_token_b"`
	FiatCredit    decimal.Decimal `json:"fiat_credit" db:"fiat_credit"`

	TotalSpinsLifetime  int64      `json:"total_spins_lifetime" db:"total_spins_lifetime"`
	SpinsToday          int64      `json:"spins_today" db:"spins_today"`
	BonusSpinsRemaining int64      `json:"bonus_spins_remaining" db:"bonus_spins_remaining"`
	BonusModeExpiry     *time.Time `json:"bonus_mode_expiry,omitempty" db:"bonus_mode_expiry"`
	Level               int        `json:"level" db:"level"`

	LastSettledDay  string `json:"last_settled_day" db:"last_settled_day"`   // 2006-01-02
	LastSettledWeek string `json:"last_settled_week" db:"last_settled_week"` // 2006-W01

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BonusModeActive reports whether bonus weights apply to the next spin.
func (a *PlayerAccount) BonusModeActive() bool {
	return a.BonusSpinsRemaining > 0
}

// Clone returns a deep copy; the expiry pointer is not shared.
func (a PlayerAccount) Clone() PlayerAccount {
	if a.BonusModeExpiry != nil {
		t := *a.BonusModeExpiry
		a.BonusModeExpiry = &t
	}
	return a
}

// RewardClass groups reward kinds for presentation.
type RewardClass string

const (
	ClassCurrency   RewardClass = "currency"
	ClassPrizeToken RewardClass = "prize_token"
)

// RewardKind names the balance an outcome credits.
type RewardKind string

const (
	KindSoft   RewardKind = "soft"   // coins
	KindBonus  RewardKind = "bonus"  // e-tokens
	KindPrizeA RewardKind = "prize_a"
	KindPrizeB RewardKind = "prize_b"
)

// Class returns the reward class the kind belongs to.
func (k RewardKind) Class() RewardClass {
	switch k {
	case KindPrizeA, KindPrizeB:
		return ClassPrizeToken
	default:
		return ClassCurrency
	}
}

// SpinOutcome is the immutable result of one spin.
type SpinOutcome struct {
	ItemID string      `json:"item_id"`
	Class  RewardClass `json:"class"`
	Kind   RewardKind  `json:"kind"`
	Amount int64       `json:"amount"`
}

// LeaderboardEntry is one player's standing for one calendar week.
type LeaderboardEntry struct {
	PlayerID    string    `json:"player_id" db:"player_id"`
	WeekID      string    `json:"week_id" db:"week_id"`
	Username    string    `json:"username" db:"username"`
	Coins       int64     `json:"coins" db:"coins"`
	TotalSpins  int64     `json:"total_spins" db:"total_spins"`
	Level       int       `json:"level" db:"level"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// ReferralEdge records who referred a player. At most one per ReferredID.
type ReferralEdge struct {
	ReferredID               string    `json:"referred_id" db:"referred_id"`
	ReferrerID               string    `json:"referrer_id" db:"referrer_id"`
	LastLevelRewardTriggered int       `json:"last_level_reward_triggered" db:"last_level_reward_triggered"`
	CreatedAt                time.Time `json:"created_at" db:"created_at"`
}

// Identity is what the identity provider resolves for a caller.
type Identity struct {
	PlayerID    string `json:"player_id"`
	IsGuest     bool   `json:"is_guest"`
	DisplayName string `json:"display_name"`
	Admin       bool   `json:"admin"` // bypasses spin cost checks
}
