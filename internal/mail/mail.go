// Package mail queues deferred rewards for the player mailbox. Rewards are
// granted when the player claims them, never at enqueue time.
package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Reward types.
const (
	RewardReferralJoin  = "referral_join"
	RewardReferralLevel = "referral_level"
)

// Reward is one mailbox item.
type Reward struct {
	ID         string    `json:"id"`
	PlayerID   string    `json:"player_id"`
	RewardType string    `json:"reward_type"`
	Amount     int64     `json:"amount"`
	CreatedAt  time.Time `json:"created_at"`
}

// Enqueuer delivers rewards to a mailbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, playerID, rewardType string, amount int64) error
}

func newReward(playerID, rewardType string, amount int64) Reward {
	return Reward{
		ID:         uuid.NewString(),
		PlayerID:   playerID,
		RewardType: rewardType,
		Amount:     amount,
		CreatedAt:  time.Now().UTC(),
	}
}

// MemoryOutbox keeps rewards in memory.
type MemoryOutbox struct {
	mu    sync.Mutex
	items []Reward
}

// NewMemoryOutbox creates an empty outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

func (o *MemoryOutbox) Enqueue(_ context.Context, playerID, rewardType string, amount int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, newReward(playerID, rewardType, amount))
	return nil
}

// For returns the rewards queued for playerID, oldest first.
func (o *MemoryOutbox) For(playerID string) []Reward {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Reward
	for _, r := range o.items {
		if r.PlayerID == playerID {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the total number of queued rewards.
func (o *MemoryOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// RedisQueue pushes rewards as JSON onto a per-player Redis list.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue creates a Redis-backed mailbox queue.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Enqueue(ctx context.Context, playerID, rewardType string, amount int64) error {
	data, err := json.Marshal(newReward(playerID, rewardType, amount))
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, mailboxKey(playerID), data).Err(); err != nil {
		return fmt.Errorf("enqueue %s reward for %s: %w", rewardType, playerID, err)
	}
	return nil
}

// Pending returns the rewards waiting in playerID's mailbox, oldest first.
func (q *RedisQueue) Pending(ctx context.Context, playerID string) ([]Reward, error) {
	raw, err := q.rdb.LRange(ctx, mailboxKey(playerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Reward, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var r Reward
		if json.Unmarshal([]byte(raw[i]), &r) == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func mailboxKey(playerID string) string { return fmt.Sprintf("mailbox:%s", playerID) }
