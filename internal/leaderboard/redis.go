package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/spin-economy/internal/model"
)

// RedisRepository keeps one hash per week, field = player id, value = JSON
// entry.
type RedisRepository struct {
	rdb *redis.Client
}

// NewRedisRepository creates a Redis-backed repository.
func NewRedisRepository(rdb *redis.Client) *RedisRepository {
	return &RedisRepository{rdb: rdb}
}

func (r *RedisRepository) Upsert(ctx context.Context, e model.LeaderboardEntry) error {
	key := weekKey(e.WeekID)

	raw, err := r.rdb.HGet(ctx, key, e.PlayerID).Bytes()
	switch {
	case err == nil:
		var prev model.LeaderboardEntry
		if json.Unmarshal(raw, &prev) == nil {
			e = keepFirstReached(prev, e)
		}
	case !errors.Is(err, redis.Nil):
		return fmt.Errorf("read entry %s/%s: %w", e.WeekID, e.PlayerID, err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, key, e.PlayerID, data).Err()
}

func (r *RedisRepository) ListWeek(ctx context.Context, weekID string) ([]model.LeaderboardEntry, error) {
	all, err := r.rdb.HGetAll(ctx, weekKey(weekID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list week %s: %w", weekID, err)
	}
	out := make([]model.LeaderboardEntry, 0, len(all))
	for _, v := range all {
		var e model.LeaderboardEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func weekKey(weekID string) string { return fmt.Sprintf("leaderboard:%s", weekID) }
