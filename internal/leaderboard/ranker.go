// Package leaderboard ranks players by weekly coins.
//
// Two notions of rank exist. Rank returns a fully ordered list, breaking
// coin ties by who got there first, then spins, level and username.
// RankOf is the coarser count-based position: players tied on coins share
// a rank.
package leaderboard

import (
	"slices"
	"strings"

	"github.com/atmx/spin-economy/internal/model"
)

// DefaultBotPrefix marks non-human accounts.
const DefaultBotPrefix = "bot_"

// Ranker orders leaderboard entries. An empty ExcludePrefix keeps every
// entry.
type Ranker struct {
	ExcludePrefix string
}

// NewRanker creates a ranker that drops player ids starting with
// excludePrefix.
func NewRanker(excludePrefix string) *Ranker {
	return &Ranker{ExcludePrefix: excludePrefix}
}

// Rank returns the entries of weekID in leaderboard order. The input is
// not modified.
func (r *Ranker) Rank(entries []model.LeaderboardEntry, weekID string) []model.LeaderboardEntry {
	out := make([]model.LeaderboardEntry, 0, len(entries))
	for _, e := range entries {
		if r.include(e, weekID) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, compare)
	return out
}

// RankOf returns 1 + the number of entries with strictly more coins than
// playerID. The boolean is false when the player has no entry that week.
func (r *Ranker) RankOf(entries []model.LeaderboardEntry, weekID, playerID string) (int, bool) {
	var player *model.LeaderboardEntry
	for i := range entries {
		if entries[i].PlayerID == playerID && r.include(entries[i], weekID) {
			player = &entries[i]
			break
		}
	}
	if player == nil {
		return 0, false
	}

	ahead := 0
	for _, e := range entries {
		if r.include(e, weekID) && e.Coins > player.Coins {
			ahead++
		}
	}
	return ahead + 1, true
}

func (r *Ranker) include(e model.LeaderboardEntry, weekID string) bool {
	if e.WeekID != weekID {
		return false
	}
	return r.ExcludePrefix == "" || !strings.HasPrefix(e.PlayerID, r.ExcludePrefix)
}

func compare(a, b model.LeaderboardEntry) int {
	switch {
	case a.Coins != b.Coins:
		if a.Coins > b.Coins {
			return -1
		}
		return 1
	case !a.LastUpdated.Equal(b.LastUpdated):
		return a.LastUpdated.Compare(b.LastUpdated)
	case a.TotalSpins != b.TotalSpins:
		if a.TotalSpins > b.TotalSpins {
			return -1
		}
		return 1
	case a.Level != b.Level:
		return b.Level - a.Level
	default:
		return strings.Compare(a.Username, b.Username)
	}
}
