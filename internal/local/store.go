// Package local persists guest-mode balances on the device with LevelDB.
//
// Only the spend and earned currencies survive a restart in guest mode; the
// rest of a guest account starts fresh every session.
package local

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

const (
	keySpinBalance   = "spin_balance"
	keySoftCurrency  = "soft_currency"
	keyBonusCurrency = "bonus_currency"

	guestPrefix = "guest_"
)

// Balances is the persisted subset of a guest account.
type Balances struct {
	SpinBalance   int64
	SoftCurrency  int64
	BonusCurrency int64
}

// Store is the guest key-value store.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) a LevelDB database at path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("local store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve local store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens a store backed by memory only.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewGuest issues a guest id and saves its starting balances. Only ids
// issued here are ever found by Load.
func (s *Store) NewGuest(starting Balances) (string, error) {
	id := guestPrefix + uuid.NewString()
	if err := s.Save(id, starting); err != nil {
		return "", fmt.Errorf("create guest: %w", err)
	}
	return id, nil
}

// Load reads the balances saved for guestID. The boolean is false when the
// guest has never been saved.
func (s *Store) Load(guestID string) (Balances, bool, error) {
	var b Balances
	found := false
	for _, f := range []struct {
		name string
		dst  *int64
	}{
		{keySpinBalance, &b.SpinBalance},
		{keySoftCurrency, &b.SoftCurrency},
		{keyBonusCurrency, &b.BonusCurrency},
	} {
		raw, err := s.db.Get(key(guestID, f.name), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return Balances{}, false, fmt.Errorf("load %s: %w", f.name, err)
		}
		v, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Balances{}, false, fmt.Errorf("decode %s: %w", f.name, err)
		}
		*f.dst = v
		found = true
	}
	return b, found, nil
}

// Save writes all three balances in one batch.
func (s *Store) Save(guestID string, b Balances) error {
	batch := new(leveldb.Batch)
	batch.Put(key(guestID, keySpinBalance), []byte(strconv.FormatInt(b.SpinBalance, 10)))
	batch.Put(key(guestID, keySoftCurrency), []byte(strconv.FormatInt(b.SoftCurrency, 10)))
	batch.Put(key(guestID, keyBonusCurrency), []byte(strconv.FormatInt(b.BonusCurrency, 10)))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("save guest balances: %w", err)
	}
	return nil
}

func key(guestID, name string) []byte {
	return []byte(guestID + ":" + name)
}
