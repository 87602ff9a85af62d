// Package account owns the in-process copy of a player account.
//
// Every mutation (settlement, day reset, remote reconciliation) goes through
// a Book, which serializes them behind one mutex per player. A registered
// book mirrors each committed change to the remote ledger store through an
// ordered background writer; a guest book saves its balances to the local
// device store instead.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/spin-economy/internal/local"
	"github.com/atmx/spin-economy/internal/model"
	"github.com/atmx/spin-economy/internal/store"
)

// ErrClosed is returned by Update after Close.
var ErrClosed = errors.New("account: book closed")

// Book is the single owner of one PlayerAccount.
type Book struct {
	mu        sync.Mutex
	acc       model.PlayerAccount
	justArmed bool
	closed    bool

	guest   bool
	local   *local.Store
	writer  *writer
	version uint64
}

// NewBook creates a book that persists nowhere. Used in tests and for
// ephemeral sessions.
func NewBook(acc model.PlayerAccount) *Book {
	return &Book{acc: acc.Clone()}
}

// NewRemoteBook creates a registered-mode book mirrored to st. Writes are
// issued in commit order, each bounded by timeout. queueSize bounds the
// number of writes waiting for the network.
func NewRemoteBook(acc model.PlayerAccount, st store.LedgerStore, timeout time.Duration, queueSize int) *Book {
	b := &Book{acc: acc.Clone()}
	b.writer = newWriter(st, acc.PlayerID, timeout, queueSize)
	return b
}

// NewGuestBook creates a guest-mode book whose balances are saved to ls on
// every change.
func NewGuestBook(acc model.PlayerAccount, ls *local.Store) *Book {
	return &Book{acc: acc.Clone(), guest: true, local: ls}
}

// PlayerID returns the id of the owned account.
func (b *Book) PlayerID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acc.PlayerID
}

// Guest reports whether the book is in guest mode.
func (b *Book) Guest() bool {
	return b.guest
}

// Registered reports whether changes are mirrored to the remote store.
func (b *Book) Registered() bool {
	return b.writer != nil
}

// Snapshot returns a copy of the current account.
func (b *Book) Snapshot() model.PlayerAccount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acc.Clone()
}

// JustArmed reports whether bonus mode was armed locally and the remote
// store has not yet confirmed it.
func (b *Book) JustArmed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.justArmed
}

// Version is incremented on every committed change.
func (b *Book) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Update applies fn to a copy of the account. If fn returns an error the
// account is left untouched. The returned field set is handed to the
// persistence layer before the new state becomes visible; an empty set
// skips persistence.
func (b *Book) Update(fn func(acc *model.PlayerAccount) (model.Fields, error)) (model.PlayerAccount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.acc.Clone()
	fields, err := fn(&next)
	if err != nil {
		return b.acc.Clone(), err
	}

	if !fields.Empty() {
		if err := b.persist(next, fields); err != nil {
			return b.acc.Clone(), err
		}
	}

	switch {
	case next.BonusSpinsRemaining > b.acc.BonusSpinsRemaining:
		// Bonus spins only grow locally by arming.
		b.justArmed = true
	case next.BonusSpinsRemaining < b.acc.BonusSpinsRemaining:
		b.justArmed = false
	}

	b.acc = next
	b.version++
	return b.acc.Clone(), nil
}

// Observe applies a change that originated remotely. Nothing is written
// back. fn may clear the just-armed marker through the pointer.
func (b *Book) Observe(fn func(acc *model.PlayerAccount, justArmed *bool) bool) model.PlayerAccount {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.acc.Clone()
	armed := b.justArmed
	if fn(&next, &armed) {
		b.acc = next
		b.version++
	}
	b.justArmed = armed
	return b.acc.Clone()
}

// Flush blocks until every write enqueued before the call has been
// attempted, or ctx is done.
func (b *Book) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.writer == nil || b.closed {
		b.mu.Unlock()
		return nil
	}
	done, err := b.writer.mark(ctx)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer after draining queued writes. The book must not
// be updated afterwards.
func (b *Book) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	w := b.writer
	b.mu.Unlock()

	if w != nil {
		w.close()
	}
}

func (b *Book) persist(next model.PlayerAccount, fields model.Fields) error {
	switch {
	case b.closed:
		return fmt.Errorf("%w: %s", ErrClosed, next.PlayerID)
	case b.guest && b.local != nil:
		err := b.local.Save(next.PlayerID, local.Balances{
			SpinBalance:   next.SpinBalance,
			SoftCurrency:  next.SoftCurrency,
			BonusCurrency: next.BonusCurrency,
		})
		if err != nil {
			slog.Warn("guest balances not saved", "player", next.PlayerID, "err", err)
		}
	case b.writer != nil:
		b.writer.enqueue(fields)
	}
	return nil
}
