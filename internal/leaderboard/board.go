package leaderboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/spin-economy/internal/model"
)

// ErrNotRanked is returned by Board.Position for a player with no entry.
var ErrNotRanked = errors.New("leaderboard: player not ranked this week")

// Repository stores one entry per (week, player).
type Repository interface {
	// Upsert creates or replaces the entry. LastUpdated only moves when the
	// coin total changes, so the first player to reach a score keeps the
	// earlier timestamp.
	Upsert(ctx context.Context, e model.LeaderboardEntry) error

	// ListWeek returns every entry recorded for weekID, in no order.
	ListWeek(ctx context.Context, weekID string) ([]model.LeaderboardEntry, error)
}

// Board combines a repository with a ranker.
type Board struct {
	repo   Repository
	ranker *Ranker
}

// NewBoard creates a board.
func NewBoard(repo Repository, ranker *Ranker) *Board {
	return &Board{repo: repo, ranker: ranker}
}

// Record upserts a player's standing.
func (b *Board) Record(ctx context.Context, e model.LeaderboardEntry) error {
	if err := b.repo.Upsert(ctx, e); err != nil {
		return fmt.Errorf("record leaderboard entry: %w", err)
	}
	return nil
}

// Top returns up to limit ranked entries for weekID; limit <= 0 means all.
func (b *Board) Top(ctx context.Context, weekID string, limit int) ([]model.LeaderboardEntry, error) {
	entries, err := b.repo.ListWeek(ctx, weekID)
	if err != nil {
		return nil, fmt.Errorf("list leaderboard %s: %w", weekID, err)
	}
	ranked := b.ranker.Rank(entries, weekID)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// Position returns the count-based rank of playerID in weekID.
func (b *Board) Position(ctx context.Context, weekID, playerID string) (int, error) {
	entries, err := b.repo.ListWeek(ctx, weekID)
	if err != nil {
		return 0, fmt.Errorf("list leaderboard %s: %w", weekID, err)
	}
	rank, ok := b.ranker.RankOf(entries, weekID, playerID)
	if !ok {
		return 0, ErrNotRanked
	}
	return rank, nil
}

// keepFirstReached carries the previous timestamp forward when the score
// did not change.
func keepFirstReached(prev, next model.LeaderboardEntry) model.LeaderboardEntry {
	if prev.Coins == next.Coins && !prev.LastUpdated.IsZero() {
		next.LastUpdated = prev.LastUpdated
	}
	return next
}
