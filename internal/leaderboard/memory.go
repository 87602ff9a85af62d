package leaderboard

import (
	"context"
	"sync"

	"github.com/atmx/spin-economy/internal/model"
)

// MemoryRepository keeps entries in memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	weeks map[string]map[string]model.LeaderboardEntry
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{weeks: make(map[string]map[string]model.LeaderboardEntry)}
}

func (r *MemoryRepository) Upsert(_ context.Context, e model.LeaderboardEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	week, ok := r.weeks[e.WeekID]
	if !ok {
		week = make(map[string]model.LeaderboardEntry)
		r.weeks[e.WeekID] = week
	}
	if prev, ok := week[e.PlayerID]; ok {
		e = keepFirstReached(prev, e)
	}
	week[e.PlayerID] = e
	return nil
}

func (r *MemoryRepository) ListWeek(_ context.Context, weekID string) ([]model.LeaderboardEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.LeaderboardEntry, 0, len(r.weeks[weekID]))
	for _, e := range r.weeks[weekID] {
		out = append(out, e)
	}
	return out, nil
}
