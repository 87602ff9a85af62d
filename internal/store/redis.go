package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/spin-economy/internal/model"
)

const changesPrefix = "account_changes:"

// CachedStore wraps a primary LedgerStore (PostgreSQL) with a Redis
// read-through cache. Writes go to the primary store, invalidate the cache
// and publish the player id. One pattern subscription per instance re-reads
// changed documents for its subscribers, so any engine instance sees any
// writer's changes.
type CachedStore struct {
	primary LedgerStore
	rdb     *redis.Client
	ttl     time.Duration
	feed    *fanout

	startListener sync.Once
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary LedgerStore, rdb *redis.Client, ttl time.Duration) *CachedStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		feed:    newFanout(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close stops the shared pattern subscription.
func (s *CachedStore) Close() {
	s.cancel()
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Write(ctx context.Context, playerID string, fields model.Fields) error {
	if err := s.primary.Write(ctx, playerID, fields); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, accountKey(playerID))
	if err := s.rdb.Publish(ctx, changesChannel(playerID), playerID).Err(); err != nil {
		slog.Warn("ledger change publish failed", "player", playerID, "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Get(ctx context.Context, playerID string) (*model.PlayerAccount, error) {
	data, err := s.rdb.Get(ctx, accountKey(playerID)).Bytes()
	if err == nil {
		var a model.PlayerAccount
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.Get(ctx, playerID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(playerID), data, s.ttl)
	}
	return a, nil
}

// --- Change feed ---

// Subscribe registers a feed for playerID. The first call opens the shared
// PSUBSCRIBE; go-redis reconnects it on network errors.
func (s *CachedStore) Subscribe(ctx context.Context, playerID string) (<-chan model.PlayerAccount, error) {
	s.startListener.Do(func() { go s.listen() })
	return s.feed.subscribe(ctx, playerID), nil
}

func (s *CachedStore) listen() {
	sub := s.rdb.PSubscribe(s.ctx, changesPrefix+"*")
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.dispatch(strings.TrimPrefix(msg.Channel, changesPrefix))
		}
	}
}

func (s *CachedStore) dispatch(playerID string) {
	if !s.feed.watched(playerID) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, snapshotTimeout)
	defer cancel()

	a, err := s.Get(ctx, playerID)
	if err != nil {
		slog.Warn("ledger snapshot read failed", "player", playerID, "err", err)
		return
	}
	s.feed.publish(playerID, *a)
}

// --- Cache helpers ---

func accountKey(id string) string     { return fmt.Sprintf("account:%s", id) }
func changesChannel(id string) string { return changesPrefix + id }
