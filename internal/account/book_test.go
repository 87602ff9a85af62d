package account_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atmx/spin-economy/internal/account"
	"github.com/atmx/spin-economy/internal/local"
	"github.com/atmx/spin-economy/internal/model"
	"github.com/atmx/spin-economy/internal/store"
)

func i64(v int64) *int64 { return &v }

func flush(t *testing.T, b *account.Book) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
}

func TestUpdate_ErrorLeavesAccountUntouched(t *testing.T) {
	b := account.NewBook(model.PlayerAccount{PlayerID: "p1", SpinBalance: 10})

	errBoom := errors.New("boom")
	_, err := b.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		acc.SpinBalance = 0
		return model.Fields{SpinBalance: &acc.SpinBalance}, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if got := b.Snapshot().SpinBalance; got != 10 {
		t.Errorf("expected balance 10, got %d", got)
	}
	if b.Version() != 0 {
		t.Errorf("expected version 0, got %d", b.Version())
	}
}

func TestRemoteBook_WritesInCommitOrder(t *testing.T) {
	ms := store.NewMemoryStore()
	b := account.NewRemoteBook(model.PlayerAccount{PlayerID: "p1"}, ms, time.Second, 16)
	defer b.Close()

	for i := int64(1); i <= 10; i++ {
		v := i
		if _, err := b.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
			acc.SoftCurrency = v
			return model.Fields{SoftCurrency: i64(v)}, nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	flush(t, b)

	remote, err := ms.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("expected remote document: %v", err)
	}
	if remote.SoftCurrency != 10 {
		t.Errorf("expected last write to win with 10, got %d", remote.SoftCurrency)
	}
	if ms.Writes() != 10 {
		t.Errorf("expected 10 writes, got %d", ms.Writes())
	}
}

func TestRemoteBook_EmptyFieldsSkipWrite(t *testing.T) {
	ms := store.NewMemoryStore()
	b := account.NewRemoteBook(model.PlayerAccount{PlayerID: "p1"}, ms, time.Second, 4)
	defer b.Close()

	b.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		acc.Username = "local-only"
		return model.Fields{}, nil
	})
	flush(t, b)

	if ms.Writes() != 0 {
		t.Errorf("expected no writes, got %d", ms.Writes())
	}
	if b.Snapshot().Username != "local-only" {
		t.Error("expected local change to commit")
	}
}

func TestRemoteBook_FailureIsNotFatal(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.SetFailure(errors.New("network down"))
	b := account.NewRemoteBook(model.PlayerAccount{PlayerID: "p1", SpinBalance: 5}, ms, time.Second, 4)
	defer b.Close()

	acc, err := b.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		acc.SpinBalance--
		return model.Fields{SpinBalance: &acc.SpinBalance}, nil
	})
	if err != nil {
		t.Fatalf("remote failure must not surface: %v", err)
	}
	if acc.SpinBalance != 4 {
		t.Errorf("expected local balance 4, got %d", acc.SpinBalance)
	}
	flush(t, b)
}

func TestJustArmed_TracksBonusIncrease(t *testing.T) {
	b := account.NewBook(model.PlayerAccount{PlayerID: "p1"})

	b.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		acc.BonusSpinsRemaining = 50
		return model.Fields{}, nil
	})
	if !b.JustArmed() {
		t.Fatal("expected just-armed after increase")
	}

	// Unrelated change keeps the marker.
	b.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		acc.SoftCurrency += 10
		return model.Fields{}, nil
	})
	if !b.JustArmed() {
		t.Fatal("expected just-armed to survive unrelated change")
	}

	b.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		acc.BonusSpinsRemaining = 45
		return model.Fields{}, nil
	})
	if b.JustArmed() {
		t.Error("expected just-armed cleared once bonus spins drain")
	}
}

func TestObserve_NoWriteBack(t *testing.T) {
	ms := store.NewMemoryStore()
	b := account.NewRemoteBook(model.PlayerAccount{PlayerID: "p1"}, ms, time.Second, 4)
	defer b.Close()

	b.Observe(func(acc *model.PlayerAccount, _ *bool) bool {
		acc.Username = "renamed"
		return true
	})
	flush(t, b)

	if b.Snapshot().Username != "renamed" {
		t.Error("expected observed change applied")
	}
	if ms.Writes() != 0 {
		t.Errorf("expected no echo write, got %d", ms.Writes())
	}
}

func TestGuestBook_SavesBalancesLocally(t *testing.T) {
	ls, err := local.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer ls.Close()

	b := account.NewGuestBook(model.PlayerAccount{PlayerID: "guest_1", SpinBalance: 3}, ls)
	b.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		acc.SpinBalance = 2
		acc.SoftCurrency = 25
		return model.FieldsOf(*acc), nil
	})

	saved, found, err := ls.Load("guest_1")
	if err != nil || !found {
		t.Fatalf("expected saved balances, found=%v err=%v", found, err)
	}
	if saved.SpinBalance != 2 || saved.SoftCurrency != 25 {
		t.Errorf("unexpected saved balances %+v", saved)
	}
	if !b.Guest() || b.Registered() {
		t.Error("expected guest, unregistered book")
	}
}

func TestUpdate_Serialized(t *testing.T) {
	b := account.NewBook(model.PlayerAccount{PlayerID: "p1"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
				acc.TotalSpinsLifetime++
				return model.Fields{}, nil
			})
		}()
	}
	wg.Wait()

	if got := b.Snapshot().TotalSpinsLifetime; got != 50 {
		t.Errorf("expected 50, got %d", got)
	}
}

func TestClose_DrainsQueuedWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	b := account.NewRemoteBook(model.PlayerAccount{PlayerID: "p1"}, ms, time.Second, 8)

	for i := 0; i < 5; i++ {
		b.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
			acc.SpinBalance++
			return model.Fields{SpinBalance: &acc.SpinBalance}, nil
		})
	}
	b.Close()

	if ms.Writes() != 5 {
		t.Errorf("expected 5 drained writes, got %d", ms.Writes())
	}
	if _, err := b.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		return model.Fields{SpinBalance: &acc.SpinBalance}, nil
	}); !errors.Is(err, account.ErrClosed) {
		t.Errorf("expected ErrClosed updating a closed book, got %v", err)
	}
}
