// Package referral records who referred whom and pays referrers through the
// reward mailbox.
//
// Each referred player has at most one referrer. The referrer is paid a
// join bonus when the edge is created and a per-level bonus whenever the
// referred player reaches a level above the last one rewarded. All checks
// and updates run inside one transaction; mail is enqueued after commit.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atmx/spin-economy/internal/mail"
	"github.com/atmx/spin-economy/internal/metrics"
	"github.com/atmx/spin-economy/internal/model"
)

const (
	DefaultJoinBonus     = 500
	DefaultPerLevelBonus = 50

	// initialLevel is the level every player starts at; reaching it earns
	// nothing.
	initialLevel = 1
)

var (
	ErrInvalidReferralCode = errors.New("referral: invalid referral code")
	ErrSelfReferral        = errors.New("referral: cannot refer yourself")
	ErrAlreadyReferred     = errors.New("referral: player already has a referrer")
)

// Transactor runs fn atomically. The context passed to fn carries the
// transaction.
type Transactor interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repository persists referral codes and edges.
type Repository interface {
	// ResolveCode returns the owner of code, or ErrInvalidReferralCode.
	ResolveCode(ctx context.Context, code string) (string, error)

	// CodeFor returns playerID's code, creating one on first use.
	CodeFor(ctx context.Context, playerID string) (string, error)

	// Edge returns the edge for referredID, or nil. Inside a transaction the
	// row is locked until commit.
	Edge(ctx context.Context, referredID string) (*model.ReferralEdge, error)

	// InsertEdge stores edge unless referredID already has one. It reports
	// whether the edge was inserted.
	InsertEdge(ctx context.Context, edge model.ReferralEdge) (bool, error)

	// AdvanceLevel sets the last rewarded level if level is higher.
	AdvanceLevel(ctx context.Context, referredID string, level int) error
}

// Ledger applies referrals and level-up payouts.
type Ledger struct {
	tx            Transactor
	repo          Repository
	mail          mail.Enqueuer
	joinBonus     int64
	perLevelBonus int64
	now           func() time.Time
}

// NewLedger creates a ledger. Non-positive bonuses select the defaults.
func NewLedger(tx Transactor, repo Repository, m mail.Enqueuer, joinBonus, perLevelBonus int64) *Ledger {
	if joinBonus <= 0 {
		joinBonus = DefaultJoinBonus
	}
	if perLevelBonus <= 0 {
		perLevelBonus = DefaultPerLevelBonus
	}
	return &Ledger{
		tx:            tx,
		repo:          repo,
		mail:          m,
		joinBonus:     joinBonus,
		perLevelBonus: perLevelBonus,
		now:           time.Now,
	}
}

// CodeFor returns the referral code playerID hands out.
func (l *Ledger) CodeFor(ctx context.Context, playerID string) (string, error) {
	return l.repo.CodeFor(ctx, playerID)
}

// Edge returns who referred playerID, or nil.
func (l *Ledger) Edge(ctx context.Context, playerID string) (*model.ReferralEdge, error) {
	return l.repo.Edge(ctx, playerID)
}

// ApplyReferral links newPlayerID to the owner of code and mails the
// referrer the join bonus.
func (l *Ledger) ApplyReferral(ctx context.Context, newPlayerID, code string) (*model.ReferralEdge, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidReferralCode
	}

	var edge model.ReferralEdge
	err := l.tx.Do(ctx, func(ctx context.Context) error {
		referrerID, err := l.repo.ResolveCode(ctx, code)
		if err != nil {
			return err
		}
		if referrerID == newPlayerID {
			return ErrSelfReferral
		}

		existing, err := l.repo.Edge(ctx, newPlayerID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAlreadyReferred
		}

		edge = model.ReferralEdge{
			ReferredID:               newPlayerID,
			ReferrerID:               referrerID,
			LastLevelRewardTriggered: initialLevel,
			CreatedAt:                l.now().UTC(),
		}
		inserted, err := l.repo.InsertEdge(ctx, edge)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrAlreadyReferred
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.enqueue(ctx, edge.ReferrerID, mail.RewardReferralJoin, l.joinBonus)
	slog.Info("referral applied", "referred", newPlayerID, "referrer", edge.ReferrerID)
	return &edge, nil
}

// OnLevelUp pays the referrer of referredID for every level gained since
// the last payout. It returns the amount mailed, 0 when nothing is due.
func (l *Ledger) OnLevelUp(ctx context.Context, referredID string, newLevel int) (int64, error) {
	var referrerID string
	var amount int64

	err := l.tx.Do(ctx, func(ctx context.Context) error {
		amount = 0
		edge, err := l.repo.Edge(ctx, referredID)
		if err != nil {
			return err
		}
		if edge == nil || newLevel <= edge.LastLevelRewardTriggered {
			return nil
		}

		gained := newLevel - edge.LastLevelRewardTriggered
		if err := l.repo.AdvanceLevel(ctx, referredID, newLevel); err != nil {
			return err
		}
		referrerID = edge.ReferrerID
		amount = int64(gained) * l.perLevelBonus
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("level-up payout for %s: %w", referredID, err)
	}

	if amount > 0 {
		l.enqueue(ctx, referrerID, mail.RewardReferralLevel, amount)
		slog.Info("referral level reward", "referred", referredID, "referrer", referrerID, "level", newLevel, "amount", amount)
	}
	return amount, nil
}

func (l *Ledger) enqueue(ctx context.Context, playerID, rewardType string, amount int64) {
	if l.mail == nil {
		return
	}
	if err := l.mail.Enqueue(ctx, playerID, rewardType, amount); err != nil {
		slog.Warn("reward mail not enqueued", "player", playerID, "type", rewardType, "amount", amount, "err", err)
		return
	}
	metrics.ReferralRewards.WithLabelValues(rewardType).Inc()
}
