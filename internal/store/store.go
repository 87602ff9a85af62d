// Package store defines the remote ledger store the engine mirrors player
// accounts to. Implementations include PostgreSQL (source of truth, LISTEN/
// NOTIFY change feed), Redis (read-through cache and pub/sub change feed) and
// in-memory (for testing and local development).
package store

import (
	"context"
	"errors"

	"github.com/atmx/spin-economy/internal/model"
)

var (
	// ErrNotFound is returned by Get when the player has no remote document.
	ErrNotFound = errors.New("store: account not found")

	// ErrRemoteUnavailable wraps every network or backend failure. It is
	// never fatal to gameplay.
	ErrRemoteUnavailable = errors.New("store: remote unavailable")
)

// LedgerStore is the remote ledger interface.
type LedgerStore interface {
	// Get returns the full remote document, or ErrNotFound.
	Get(ctx context.Context, playerID string) (*model.PlayerAccount, error)

	// Write merges the set fields into the remote document, creating it if
	// absent. Writes are whole-field overwrites, never deltas.
	Write(ctx context.Context, playerID string, fields model.Fields) error

	// Subscribe streams full snapshots of the document whenever it changes.
	// Delivery is at-least-once with no ordering guarantee relative to local
	// writes. The channel is closed when ctx is done.
	Subscribe(ctx context.Context, playerID string) (<-chan model.PlayerAccount, error)
}
