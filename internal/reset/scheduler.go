// Package reset rolls daily and weekly counters over at calendar boundaries.
//
// Boundaries are detected by comparing the current calendar ids against the
// watermarks stored on each account, so a tick is idempotent: running it
// again on an already rolled-over day changes nothing, and a session
// resumed after several days rolls over exactly once.
package reset

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/spin-economy/internal/account"
	"github.com/atmx/spin-economy/internal/calendar"
	"github.com/atmx/spin-economy/internal/metrics"
	"github.com/atmx/spin-economy/internal/model"
)

// DefaultInterval is the poll period between boundary checks.
const DefaultInterval = 30 * time.Second

// WeekBoundary is emitted once per player when the calendar week changes.
type WeekBoundary struct {
	PlayerID       string    `json:"player_id"`
	PreviousWeekID string    `json:"previous_week_id"`
	WeekID         string    `json:"week_id"`
	At             time.Time `json:"at"`
}

// WeekBoundaryHandler consumes week boundary events.
type WeekBoundaryHandler interface {
	WeekBoundary(ctx context.Context, ev WeekBoundary)
}

// WeekBoundaryFunc adapts a function to WeekBoundaryHandler.
type WeekBoundaryFunc func(ctx context.Context, ev WeekBoundary)

func (f WeekBoundaryFunc) WeekBoundary(ctx context.Context, ev WeekBoundary) { f(ctx, ev) }

// Result reports what a check did to one account.
type Result struct {
	DayRolled  bool
	WeekRolled bool
}

// Scheduler checks every registered account book for boundary crossings.
type Scheduler struct {
	mu    sync.Mutex
	books map[string]*account.Book

	loc      *time.Location
	interval time.Duration
	now      func() time.Time
	handler  WeekBoundaryHandler

	cron *cron.Cron
	halt chan struct{}
}

// NewScheduler creates a scheduler in loc. now defaults to time.Now and
// handler may be nil.
func NewScheduler(loc *time.Location, interval time.Duration, now func() time.Time, handler WeekBoundaryHandler) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if interval <= 0 || interval > time.Minute {
		interval = DefaultInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		books:    make(map[string]*account.Book),
		loc:      loc,
		interval: interval,
		now:      now,
		handler:  handler,
	}
}

// Register adds a book to the tick set, replacing any book for the same
// player, and checks it immediately.
func (s *Scheduler) Register(ctx context.Context, book *account.Book) Result {
	s.mu.Lock()
	s.books[book.PlayerID()] = book
	s.mu.Unlock()
	return s.Check(ctx, book)
}

// Unregister removes the book for playerID if it is still the one given.
func (s *Scheduler) Unregister(book *account.Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.books[book.PlayerID()]; ok && cur == book {
		delete(s.books, book.PlayerID())
	}
}

// Tick checks every registered book once.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	books := make([]*account.Book, 0, len(s.books))
	for _, b := range s.books {
		books = append(books, b)
	}
	s.mu.Unlock()

	for _, b := range books {
		s.Check(ctx, b)
	}
}

// Check rolls one account over if its watermarks are behind the current
// calendar day or week. Only the reset fields and watermarks are written.
func (s *Scheduler) Check(ctx context.Context, book *account.Book) Result {
	now := s.now()
	day := calendar.DayID(now, s.loc)
	week := calendar.WeekID(now, s.loc)

	var res Result
	var boundary *WeekBoundary
	_, err := book.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		res, boundary = Result{}, nil
		var f model.Fields

		// Ids sort chronologically; a clock that moved backwards is ignored.
		if acc.LastSettledDay < day {
			zero, noExpiry := int64(0), time.Time{}
			acc.SpinsToday = 0
			acc.BonusSpinsRemaining = 0
			acc.BonusModeExpiry = nil
			acc.LastSettledDay = day
			f.SpinsToday = &zero
			f.BonusSpinsRemaining = &zero
			f.BonusModeExpiry = &noExpiry
			f.LastSettledDay = &day
			res.DayRolled = true
		}

		if acc.LastSettledWeek < week {
			previous := acc.LastSettledWeek
			acc.LastSettledWeek = week
			f.LastSettledWeek = &week
			res.WeekRolled = true
			if previous != "" {
				boundary = &WeekBoundary{
					PlayerID:       acc.PlayerID,
					PreviousWeekID: previous,
					WeekID:         week,
					At:             now,
				}
			}
		}
		return f, nil
	})
	if err != nil {
		slog.Warn("rollover check failed", "player", book.PlayerID(), "err", err)
		return Result{}
	}

	if res.DayRolled {
		metrics.Rollovers.WithLabelValues("day").Inc()
		slog.Info("day rollover", "player", book.PlayerID(), "day", day)
	}
	if res.WeekRolled {
		metrics.Rollovers.WithLabelValues("week").Inc()
	}
	if boundary != nil {
		slog.Info("week boundary", "player", boundary.PlayerID, "previous", boundary.PreviousWeekID, "week", boundary.WeekID)
		if s.handler != nil {
			s.handler.WeekBoundary(ctx, *boundary)
		}
	}
	return res
}

// Start schedules Tick every interval plus once at local midnight. The
// jobs run until Stop is called or ctx is done, whichever comes first.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(s.loc))
	job := func() {
		if ctx.Err() != nil {
			return
		}
		s.Tick(ctx)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), job); err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	if _, err := c.AddFunc("0 0 * * *", job); err != nil {
		return fmt.Errorf("schedule midnight: %w", err)
	}

	halt := make(chan struct{})
	s.mu.Lock()
	s.cron, s.halt = c, halt
	s.mu.Unlock()

	c.Start()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-halt:
		}
	}()
	slog.Info("reset scheduler started", "interval", s.interval, "location", s.loc.String())
	return nil
}

// Stop halts the cron jobs and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, halt := s.cron, s.halt
	s.cron, s.halt = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	close(halt)
	<-c.Stop().Done()
	slog.Info("reset scheduler stopped")
}
