package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/spin-economy/internal/model"
)

// MemoryStore implements LedgerStore with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.PlayerAccount
	feed     *fanout
	failure  error
	writes   int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.PlayerAccount),
		feed:     newFanout(),
	}
}

// SetFailure makes every Get and Write fail with ErrRemoteUnavailable until
// it is called again with nil.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// Writes returns the number of successful writes.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *MemoryStore) Get(_ context.Context, playerID string) (*model.PlayerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failure != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, s.failure)
	}
	acc, ok := s.accounts[playerID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := acc.Clone()
	return &copy, nil
}

func (s *MemoryStore) Write(_ context.Context, playerID string, fields model.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, s.failure)
	}
	acc, ok := s.accounts[playerID]
	if !ok {
		acc = &model.PlayerAccount{PlayerID: playerID, Level: 1}
		s.accounts[playerID] = acc
	}
	fields.ApplyTo(acc)
	acc.UpdatedAt = time.Now().UTC()
	s.writes++

	s.feed.publish(playerID, acc.Clone())
	return nil
}

// Subscribe registers a buffered feed for playerID.
func (s *MemoryStore) Subscribe(ctx context.Context, playerID string) (<-chan model.PlayerAccount, error) {
	return s.feed.subscribe(ctx, playerID), nil
}
