package local_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/atmx/spin-economy/internal/local"
)

func newStore(t *testing.T) *local.Store {
	t.Helper()
	s, err := local.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoad_UnknownGuest(t *testing.T) {
	s := newStore(t)

	b, found, err := s.Load("guest_nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected not found")
	}
	if b != (local.Balances{}) {
		t.Errorf("expected zero balances, got %+v", b)
	}
}

func TestSaveLoad(t *testing.T) {
	s := newStore(t)
	want := local.Balances{SpinBalance: 12, SoftCurrency: 340, BonusCurrency: 5}

	if err := s.Save("guest_a", want); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, found, err := s.Load("guest_a")
	if err != nil || !found {
		t.Fatalf("expected saved balances, found=%v err=%v", found, err)
	}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}

	// Other guests are isolated.
	if _, found, _ := s.Load("guest_b"); found {
		t.Error("guest_b should have no balances")
	}
}

func TestNewGuest(t *testing.T) {
	s := newStore(t)

	first, err := s.NewGuest(local.Balances{SpinBalance: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(first, "guest_") {
		t.Errorf("expected guest_ prefix, got %s", first)
	}
	b, found, err := s.Load(first)
	if err != nil || !found {
		t.Fatalf("expected issued guest found, got found=%v err=%v", found, err)
	}
	if b.SpinBalance != 10 || b.SoftCurrency != 0 {
		t.Errorf("expected starting balances, got %+v", b)
	}

	second, _ := s.NewGuest(local.Balances{})
	if first == second {
		t.Errorf("expected distinct guest ids, got %s twice", first)
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guest.db")

	s, err := local.Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.Save("guest_a", local.Balances{SpinBalance: 3}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = local.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	b, found, err := s.Load("guest_a")
	if err != nil || !found || b.SpinBalance != 3 {
		t.Errorf("expected spin balance 3 after reopen, got %+v found=%v err=%v", b, found, err)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := local.Open("  "); err == nil {
		t.Error("expected error for empty path")
	}
}
