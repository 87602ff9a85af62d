// Package reconcile merges remote ledger snapshots into the local account.
//
// The local session is authoritative for balances it is mutating; the
// remote store is authoritative for resets, administrative changes and
// profile fields. Snapshots carry no sequence numbers, so each field is
// judged by the direction of the change alone:
//
//	SpinsToday           accept if higher, or 0 (remote reset)
//	TotalSpinsLifetime   accept if higher
//	BonusSpinsRemaining  accept if lower, the armed value, or 0, except a 0
//	                     racing a local arming that is not yet confirmed
//	BonusModeExpiry      accept if it differs by more than a second
//	Username, AvatarURL  accept on change
//
// Balances are never taken from the feed. Accepted values are applied
// without writing back to the store.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/spin-economy/internal/account"
	"github.com/atmx/spin-economy/internal/bonus"
	"github.com/atmx/spin-economy/internal/metrics"
	"github.com/atmx/spin-economy/internal/model"
	"github.com/atmx/spin-economy/internal/progression"
)

const expiryTolerance = time.Second

// Field names used in decisions and metrics.
const (
	FieldSpinsToday          = "spins_today"
	FieldTotalSpinsLifetime  = "total_spins_lifetime"
	FieldBonusSpinsRemaining = "bonus_spins_remaining"
	FieldBonusModeExpiry     = "bonus_mode_expiry"
	FieldUsername            = "username"
	FieldAvatarURL           = "avatar_url"
)

// Decision lists the fields of one snapshot that differed from local state.
type Decision struct {
	Accepted []string
	Rejected []string
}

// Changed reports whether any field was taken from the snapshot.
func (d Decision) Changed() bool {
	return len(d.Accepted) > 0
}

// Reconciler applies remote snapshots to one account book.
type Reconciler struct {
	book       *account.Book
	armedSpins int64
	onChange   func(model.PlayerAccount)
}

// New creates a reconciler for book. armedSpins is the value bonus mode is
// armed to; non-positive selects the default.
func New(book *account.Book, armedSpins int64) *Reconciler {
	if armedSpins <= 0 {
		armedSpins = bonus.DefaultSpins
	}
	return &Reconciler{book: book, armedSpins: armedSpins}
}

// OnChange registers fn to be called with the new account whenever a
// snapshot changes local state.
func (r *Reconciler) OnChange(fn func(model.PlayerAccount)) {
	r.onChange = fn
}

// Apply judges every field of remote against the local account and
// applies the accepted ones in a single step.
func (r *Reconciler) Apply(remote model.PlayerAccount) Decision {
	var d Decision
	accept := func(field string) { d.Accepted = append(d.Accepted, field) }
	reject := func(field string) { d.Rejected = append(d.Rejected, field) }

	acc := r.book.Observe(func(acc *model.PlayerAccount, justArmed *bool) bool {
		d = Decision{}

		switch rs, ls := remote.SpinsToday, acc.SpinsToday; {
		case rs == ls:
		case rs > ls || rs == 0:
			acc.SpinsToday = rs
			accept(FieldSpinsToday)
		default:
			reject(FieldSpinsToday)
		}

		switch rt, lt := remote.TotalSpinsLifetime, acc.TotalSpinsLifetime; {
		case rt == lt:
		case rt > lt:
			acc.TotalSpinsLifetime = rt
			if lvl := progression.LevelFor(rt); lvl > acc.Level {
				acc.Level = lvl
			}
			accept(FieldTotalSpinsLifetime)
		default:
			reject(FieldTotalSpinsLifetime)
		}

		switch rb, lb := remote.BonusSpinsRemaining, acc.BonusSpinsRemaining; {
		case rb == lb:
			if rb == r.armedSpins {
				// The store has caught up with the local arming.
				*justArmed = false
			}
		case rb == 0 && lb == r.armedSpins && *justArmed:
			reject(FieldBonusSpinsRemaining)
		case rb < lb || rb == r.armedSpins || rb == 0:
			acc.BonusSpinsRemaining = rb
			*justArmed = false
			accept(FieldBonusSpinsRemaining)
		default:
			reject(FieldBonusSpinsRemaining)
		}

		if expiryDiffers(remote.BonusModeExpiry, acc.BonusModeExpiry) {
			if remote.BonusModeExpiry == nil {
				acc.BonusModeExpiry = nil
			} else {
				t := *remote.BonusModeExpiry
				acc.BonusModeExpiry = &t
			}
			accept(FieldBonusModeExpiry)
		}

		if remote.Username != acc.Username {
			acc.Username = remote.Username
			accept(FieldUsername)
		}
		if remote.AvatarURL != acc.AvatarURL {
			acc.AvatarURL = remote.AvatarURL
			accept(FieldAvatarURL)
		}

		return d.Changed()
	})

	for _, f := range d.Accepted {
		metrics.ReconcileDecisions.WithLabelValues(f, "accepted").Inc()
	}
	for _, f := range d.Rejected {
		metrics.ReconcileDecisions.WithLabelValues(f, "rejected").Inc()
	}
	if len(d.Rejected) > 0 {
		slog.Debug("stale remote fields ignored", "player", acc.PlayerID, "fields", d.Rejected)
	}
	if d.Changed() {
		slog.Info("remote changes applied", "player", acc.PlayerID, "fields", d.Accepted)
		if r.onChange != nil {
			r.onChange(acc)
		}
	}
	return d
}

// Run applies snapshots from feed until it is closed or ctx is done.
// Snapshots for other players are ignored.
func (r *Reconciler) Run(ctx context.Context, feed <-chan model.PlayerAccount) {
	playerID := r.book.PlayerID()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-feed:
			if !ok {
				return
			}
			if snap.PlayerID != playerID {
				continue
			}
			r.Apply(snap)
		}
	}
}

func expiryDiffers(remote, local *time.Time) bool {
	switch {
	case remote == nil && local == nil:
		return false
	case remote == nil || local == nil:
		return true
	}
	diff := remote.Sub(*local)
	if diff < 0 {
		diff = -diff
	}
	return diff > expiryTolerance
}
