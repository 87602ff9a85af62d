package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fields is a merge document for the remote ledger store. Nil fields are left
// untouched by a write. A non-nil zero BonusModeExpiry clears the expiry.
type Fields struct {
	Username  *string `json:"username,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`

	SpinBalance   *int64           `json:"spin_balance,omitempty"`
	SoftCurrency  *int64           `json:"soft_currency,omitempty"`
	BonusCurrency *int64           `json:"bonus_currency,omitempty"`
	PrizeTokenA   *int64           `json:"prize_token_a,omitempty"`
	PrizeTokenB   *int64           `json:"prize_token_b,omitempty"`
	FiatCredit    *decimal.Decimal `json:"fiat_credit,omitempty"`

	TotalSpinsLifetime  *int64     `json:"total_spins_lifetime,omitempty"`
	SpinsToday          *int64     `json:"spins_today,omitempty"`
	BonusSpinsRemaining *int64     `json:"bonus_spins_remaining,omitempty"`
	BonusModeExpiry     *time.Time `json:"bonus_mode_expiry,omitempty"`
	Level               *int       `json:"level,omitempty"`

	LastSettledDay  *string `json:"last_settled_day,omitempty"`
	LastSettledWeek *string `json:"last_settled_week,omitempty"`
}

// FieldsOf returns the full field set of an account, used for idempotent
// whole-document writes after settlement.
func FieldsOf(a PlayerAccount) Fields {
	a = a.Clone()
	expiry := time.Time{}
	if a.BonusModeExpiry != nil {
		expiry = *a.BonusModeExpiry
	}
	return Fields{
		Username:            &a.Username,
		AvatarURL:           &a.AvatarURL,
		SpinBalance:         &a.SpinBalance,
		SoftCurrency:        &a.SoftCurrency,
		BonusCurrency:       &a.BonusCurrency,
		PrizeTokenA:         &a.PrizeTokenA,
		PrizeTokenB:         &a.PrizeTokenB,
		FiatCredit:          &a.FiatCredit,
		TotalSpinsLifetime:  &a.TotalSpinsLifetime,
		SpinsToday:          &a.SpinsToday,
		BonusSpinsRemaining: &a.BonusSpinsRemaining,
		BonusModeExpiry:     &expiry,
		Level:               &a.Level,
		LastSettledDay:      &a.LastSettledDay,
		LastSettledWeek:     &a.LastSettledWeek,
	}
}

// Empty reports whether the document carries no field at all.
func (f Fields) Empty() bool {
	return f == Fields{}
}

// ApplyTo merges the set fields into a.
func (f Fields) ApplyTo(a *PlayerAccount) {
	if f.Username != nil {
		a.Username = *f.Username
	}
	if f.AvatarURL != nil {
		a.AvatarURL = *f.AvatarURL
	}
	if f.SpinBalance != nil {
		a.SpinBalance = *f.SpinBalance
	}
	if f.SoftCurrency != nil {
		a.SoftCurrency = *f.SoftCurrency
	}
	if f.BonusCurrency != nil {
		a.BonusCurrency = *f.BonusCurrency
	}
	if f.PrizeTokenA != nil {
		a.PrizeTokenA = *f.PrizeTokenA
	}
	if f.PrizeTokenB != nil {
		a.PrizeTokenB = *f.PrizeTokenB
	}
	if f.FiatCredit != nil {
		a.FiatCredit = *f.FiatCredit
	}
	if f.TotalSpinsLifetime != nil {
		a.TotalSpinsLifetime = *f.TotalSpinsLifetime
	}
	if f.SpinsToday != nil {
		a.SpinsToday = *f.SpinsToday
	}
	if f.BonusSpinsRemaining != nil {
		a.BonusSpinsRemaining = *f.BonusSpinsRemaining
	}
	if f.BonusModeExpiry != nil {
		if f.BonusModeExpiry.IsZero() {
			a.BonusModeExpiry = nil
		} else {
			t := *f.BonusModeExpiry
			a.BonusModeExpiry = &t
		}
	}
	if f.Level != nil {
		a.Level = *f.Level
	}
	if f.LastSettledDay != nil {
		a.LastSettledDay = *f.LastSettledDay
	}
	if f.LastSettledWeek != nil {
		a.LastSettledWeek = *f.LastSettledWeek
	}
}
