package reset_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atmx/spin-economy/internal/account"
	"github.com/atmx/spin-economy/internal/model"
	"github.com/atmx/spin-economy/internal/reset"
	"github.com/atmx/spin-economy/internal/store"
)

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type boundaries struct {
	mu     sync.Mutex
	events []reset.WeekBoundary
}

func (b *boundaries) WeekBoundary(_ context.Context, ev reset.WeekBoundary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func armedAccount() model.PlayerAccount {
	expiry := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	return model.PlayerAccount{
		PlayerID:            "p1",
		SpinBalance:         40,
		SoftCurrency:        900,
		SpinsToday:          120,
		BonusSpinsRemaining: 30,
		BonusModeExpiry:     &expiry,
		Level:               3,
		LastSettledDay:      "2026-10-17",
		LastSettledWeek:     "2026-W42",
	}
}

func TestCheck_DayRollover(t *testing.T) {
	clk := &clock{now: time.Date(2026, 10, 18, 0, 0, 5, 0, time.UTC)}
	s := reset.NewScheduler(time.UTC, time.Second, clk.Now, nil)
	book := account.NewBook(armedAccount())

	res := s.Check(context.Background(), book)
	if !res.DayRolled || res.WeekRolled {
		t.Fatalf("expected day rollover only, got %+v", res)
	}

	acc := book.Snapshot()
	if acc.SpinsToday != 0 || acc.BonusSpinsRemaining != 0 || acc.BonusModeExpiry != nil {
		t.Errorf("expected daily counters cleared, got %+v", acc)
	}
	if acc.LastSettledDay != "2026-10-18" {
		t.Errorf("expected watermark advanced, got %s", acc.LastSettledDay)
	}
	if acc.SpinBalance != 40 || acc.SoftCurrency != 900 || acc.Level != 3 {
		t.Errorf("rollover touched balances: %+v", acc)
	}
}

func TestCheck_DoubleTickIsIdempotent(t *testing.T) {
	clk := &clock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
	s := reset.NewScheduler(time.UTC, time.Second, clk.Now, nil)
	book := account.NewBook(armedAccount())
	ctx := context.Background()

	s.Check(ctx, book)
	first := book.Snapshot()

	res := s.Check(ctx, book)
	if res.DayRolled || res.WeekRolled {
		t.Errorf("second tick must be a no-op, got %+v", res)
	}
	if second := book.Snapshot(); second != first {
		t.Errorf("state changed on second tick:\n%+v\n%+v", first, second)
	}
}

func TestCheck_SpinsAfterRolloverSurviveNextTick(t *testing.T) {
	clk := &clock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
	s := reset.NewScheduler(time.UTC, time.Second, clk.Now, nil)
	book := account.NewBook(armedAccount())
	ctx := context.Background()

	s.Check(ctx, book)
	book.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		acc.SpinsToday = 7
		return model.Fields{}, nil
	})

	clk.Set(time.Date(2026, 10, 18, 23, 59, 0, 0, time.UTC))
	s.Check(ctx, book)
	if got := book.Snapshot().SpinsToday; got != 7 {
		t.Errorf("same-day tick reset spins: %d", got)
	}
}

func TestCheck_ResumedAfterSeveralDaysRollsOnce(t *testing.T) {
	clk := &clock{now: time.Date(2026, 10, 23, 12, 0, 0, 0, time.UTC)}
	h := &boundaries{}
	s := reset.NewScheduler(time.UTC, time.Second, clk.Now, h)
	book := account.NewBook(armedAccount())

	res := s.Check(context.Background(), book)
	if !res.DayRolled || !res.WeekRolled {
		t.Fatalf("expected day and week rollover, got %+v", res)
	}
	if len(h.events) != 1 {
		t.Fatalf("expected one week boundary, got %d", len(h.events))
	}
	ev := h.events[0]
	if ev.PreviousWeekID != "2026-W42" || ev.WeekID != "2026-W43" || ev.PlayerID != "p1" {
		t.Errorf("unexpected boundary %+v", ev)
	}
}

func TestCheck_FirstInitialisationEmitsNoBoundary(t *testing.T) {
	clk := &clock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	h := &boundaries{}
	s := reset.NewScheduler(time.UTC, time.Second, clk.Now, h)
	book := account.NewBook(model.PlayerAccount{PlayerID: "new", Level: 1})

	res := s.Check(context.Background(), book)
	if !res.WeekRolled {
		t.Error("expected week watermark initialised")
	}
	if len(h.events) != 0 {
		t.Errorf("expected no boundary event, got %v", h.events)
	}
	if book.Snapshot().LastSettledWeek != "2026-W42" {
		t.Errorf("unexpected week watermark %s", book.Snapshot().LastSettledWeek)
	}
}

func TestCheck_BackwardsClockIgnored(t *testing.T) {
	clk := &clock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	s := reset.NewScheduler(time.UTC, time.Second, clk.Now, nil)
	book := account.NewBook(armedAccount())

	if res := s.Check(context.Background(), book); res.DayRolled {
		t.Error("expected no rollover for an earlier day")
	}
	if book.Snapshot().SpinsToday != 120 {
		t.Error("expected counters untouched")
	}
}

func TestCheck_UsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	// 22:30 UTC on the 17th is already the 18th at UTC+3.
	clk := &clock{now: time.Date(2026, 10, 17, 22, 30, 0, 0, time.UTC)}
	s := reset.NewScheduler(loc, time.Second, clk.Now, nil)
	book := account.NewBook(armedAccount())

	if res := s.Check(context.Background(), book); !res.DayRolled {
		t.Error("expected rollover at local midnight")
	}
}

func TestCheck_RegisteredWritesOnlyResetFields(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	stale := int64(5)
	ms.Write(ctx, "p1", model.Fields{SpinBalance: &stale})

	clk := &clock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
	s := reset.NewScheduler(time.UTC, time.Second, clk.Now, nil)
	book := account.NewRemoteBook(armedAccount(), ms, time.Second, 8)
	defer book.Close()

	s.Check(ctx, book)
	if err := book.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	remote, _ := ms.Get(ctx, "p1")
	if remote.SpinBalance != 5 {
		t.Errorf("reset must not write balances, remote balance %d", remote.SpinBalance)
	}
	if remote.SpinsToday != 0 || remote.BonusSpinsRemaining != 0 || remote.LastSettledDay != "2026-10-18" {
		t.Errorf("expected reset fields written, got %+v", remote)
	}
}

func TestTick_ChecksRegisteredBooks(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
	s := reset.NewScheduler(time.UTC, time.Second, clk.Now, nil)

	a := account.NewBook(armedAccount())
	other := armedAccount()
	other.PlayerID = "p2"
	b := account.NewBook(other)
	s.Register(ctx, a)
	s.Register(ctx, b)
	s.Unregister(b)

	clk.Set(time.Date(2026, 10, 18, 0, 0, 1, 0, time.UTC))
	s.Tick(ctx)

	if a.Snapshot().SpinsToday != 0 {
		t.Error("expected registered book reset")
	}
	if b.Snapshot().SpinsToday != 120 {
		t.Error("expected unregistered book untouched")
	}
}

func TestStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := &clock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	s := reset.NewScheduler(time.UTC, time.Second, clk.Now, nil)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	s.Stop()
	s.Stop()
}
