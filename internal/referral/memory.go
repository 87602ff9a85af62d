package referral

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/atmx/spin-economy/internal/model"
)

// txKey marks a context running inside MemoryRepository.Do.
type txKey struct{}

// MemoryRepository keeps codes and edges in memory. It is also a
// Transactor: Do runs transactions one at a time and restores the previous
// state when fn fails. Writes made outside Do wait for the running
// transaction so a rollback never discards them.
type MemoryRepository struct {
	txMu sync.Mutex

	mu      sync.RWMutex
	codes   map[string]string // code -> player
	byOwner map[string]string // player -> code
	edges   map[string]model.ReferralEdge
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		codes:   make(map[string]string),
		byOwner: make(map[string]string),
		edges:   make(map[string]model.ReferralEdge),
	}
}

func (r *MemoryRepository) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	codes, byOwner, edges := maps.Clone(r.codes), maps.Clone(r.byOwner), maps.Clone(r.edges)
	r.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, r)); err != nil {
		r.mu.Lock()
		r.codes, r.byOwner, r.edges = codes, byOwner, edges
		r.mu.Unlock()
		return err
	}
	return nil
}

// serialize takes the transaction lock unless ctx is already inside Do.
func (r *MemoryRepository) serialize(ctx context.Context) func() {
	if ctx.Value(txKey{}) == r {
		return func() {}
	}
	r.txMu.Lock()
	return r.txMu.Unlock
}

func (r *MemoryRepository) ResolveCode(_ context.Context, code string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.codes[code]
	if !ok {
		return "", ErrInvalidReferralCode
	}
	return owner, nil
}

func (r *MemoryRepository) CodeFor(ctx context.Context, playerID string) (string, error) {
	defer r.serialize(ctx)()
	r.mu.Lock()
	defer r.mu.Unlock()

	if code, ok := r.byOwner[playerID]; ok {
		return code, nil
	}
	for i := 0; i < codeAttempts; i++ {
		code, err := GenerateCode()
		if err != nil {
			return "", err
		}
		if _, taken := r.codes[code]; taken {
			continue
		}
		r.codes[code] = playerID
		r.byOwner[playerID] = code
		return code, nil
	}
	return "", fmt.Errorf("referral: no free code after %d attempts", codeAttempts)
}

func (r *MemoryRepository) Edge(_ context.Context, referredID string) (*model.ReferralEdge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.edges[referredID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r *MemoryRepository) InsertEdge(ctx context.Context, edge model.ReferralEdge) (bool, error) {
	defer r.serialize(ctx)()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.edges[edge.ReferredID]; ok {
		return false, nil
	}
	r.edges[edge.ReferredID] = edge
	return true, nil
}

func (r *MemoryRepository) AdvanceLevel(ctx context.Context, referredID string, level int) error {
	defer r.serialize(ctx)()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[referredID]
	if !ok || level <= e.LastLevelRewardTriggered {
		return nil
	}
	e.LastLevelRewardTriggered = level
	r.edges[referredID] = e
	return nil
}

// Edges returns the number of recorded edges.
func (r *MemoryRepository) Edges() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.edges)
}
