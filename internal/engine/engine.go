// Package engine owns the signed-in sessions. It builds each player's
// account book, spin controller and reconciler on sign-in, registers the
// book with the reset scheduler, and fans settlement events out to the
// leaderboard, the referral ledger and connected clients.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/spin-economy/internal/account"
	"github.com/atmx/spin-economy/internal/bonus"
	"github.com/atmx/spin-economy/internal/calendar"
	"github.com/atmx/spin-economy/internal/leaderboard"
	"github.com/atmx/spin-economy/internal/local"
	"github.com/atmx/spin-economy/internal/metrics"
	"github.com/atmx/spin-economy/internal/model"
	"github.com/atmx/spin-economy/internal/reconcile"
	"github.com/atmx/spin-economy/internal/referral"
	"github.com/atmx/spin-economy/internal/reset"
	"github.com/atmx/spin-economy/internal/reward"
	"github.com/atmx/spin-economy/internal/session"
	"github.com/atmx/spin-economy/internal/store"
)

// DefaultStarterSpins is the spin balance of a newly created account.
const DefaultStarterSpins = 10

var (
	// ErrNotSignedIn is returned for operations on a player without a session.
	ErrNotSignedIn = errors.New("engine: player not signed in")

	// ErrUnknownGuest is returned when a guest id was never issued by the
	// local store.
	ErrUnknownGuest = errors.New("engine: unknown guest")

	// ErrClosed is returned by SignIn after Close.
	ErrClosed = errors.New("engine: closed")
)

// Event types delivered to the notifier.
const (
	EventAccount      = "account"
	EventSpinSettled  = "spin_settled"
	EventLevelUp      = "level_up"
	EventWeekBoundary = "week_boundary"
)

// Event is a change pushed to a player's connected clients.
type Event struct {
	Type     string               `json:"type"`
	PlayerID string               `json:"player_id"`
	Account  *model.PlayerAccount `json:"account,omitempty"`
	Data     any                  `json:"data,omitempty"`
}

// Notifier delivers events to connected clients. Publish must not block.
type Notifier interface {
	Publish(ev Event)
}

// Config tunes the engine. Zero values select defaults.
type Config struct {
	Location       *time.Location
	RemoteTimeout  time.Duration
	WriteQueueSize int
	BonusThreshold int64
	BonusSpins     int64
	CoinsPerToken  int64
	StarterSpins   int64
	SettleAfter    time.Duration
	Now            func() time.Time
}

// Deps are the collaborators the engine wires together. Board, Referrals
// and Notifier are optional. Without Local no guest can sign in.
type Deps struct {
	Store     store.LedgerStore
	Local     *local.Store
	Selector  *reward.Selector
	Scheduler *reset.Scheduler
	Board     *leaderboard.Board
	Referrals *referral.Ledger
	Notifier  Notifier
}

type playerSession struct {
	ctrl   *session.Controller
	cancel context.CancelFunc
	done   chan struct{}
}

// opening is a sign-in in progress. Concurrent sign-ins of the same player
// wait on done and share the result.
type opening struct {
	done chan struct{}
	ctrl *session.Controller
	err  error
}

// Engine tracks the active sessions. mu is never held across a remote call.
type Engine struct {
	cfg     Config
	deps    Deps
	tracker *bonus.Tracker

	mu       sync.Mutex
	sessions map[string]*playerSession
	opening  map[string]*opening
	closed   bool
}

// New creates an engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = account.DefaultWriteTimeout
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = account.DefaultQueueSize
	}
	if cfg.BonusSpins <= 0 {
		cfg.BonusSpins = bonus.DefaultSpins
	}
	if cfg.StarterSpins < 0 {
		cfg.StarterSpins = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		tracker:  bonus.NewTracker(cfg.BonusThreshold, cfg.BonusSpins, cfg.Location),
		sessions: make(map[string]*playerSession),
		opening:  make(map[string]*opening),
	}
}

// SignIn returns the controller for id, creating the session on first use.
// Registered players are loaded from the remote store, or created there if
// absent, within RemoteTimeout. Guests are loaded from the local store.
func (e *Engine) SignIn(ctx context.Context, id model.Identity) (*session.Controller, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if ps, ok := e.sessions[id.PlayerID]; ok {
		e.mu.Unlock()
		return ps.ctrl, nil
	}
	if op, ok := e.opening[id.PlayerID]; ok {
		e.mu.Unlock()
		select {
		case <-op.done:
			return op.ctrl, op.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	op := &opening{done: make(chan struct{})}
	e.opening[id.PlayerID] = op
	e.mu.Unlock()

	defer close(op.done)

	ps, err := e.open(ctx, id)

	e.mu.Lock()
	delete(e.opening, id.PlayerID)
	closed := e.closed
	if err == nil && !closed {
		e.sessions[id.PlayerID] = ps
	}
	e.mu.Unlock()

	if err != nil {
		op.err = err
		return nil, err
	}
	if closed {
		e.stop(context.Background(), ps)
		op.err = ErrClosed
		return nil, ErrClosed
	}

	op.ctrl = ps.ctrl
	slog.Info("player signed in", "player", id.PlayerID, "guest", id.IsGuest, "admin", id.Admin)
	return ps.ctrl, nil
}

// open builds a session without touching the session table.
func (e *Engine) open(ctx context.Context, id model.Identity) (*playerSession, error) {
	var (
		book *account.Book
		err  error
	)
	if id.IsGuest {
		book, err = e.guestBook(id)
	} else {
		loadCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
		book, err = e.remoteBook(loadCtx, id)
		cancel()
	}
	if err != nil {
		return nil, err
	}

	ctrl := session.NewController(book, id, e.deps.Selector, e.tracker, observer{e: e, id: id}, session.Config{
		CoinsPerToken: e.cfg.CoinsPerToken,
		SettleAfter:   e.cfg.SettleAfter,
		Now:           e.cfg.Now,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ps := &playerSession{ctrl: ctrl, cancel: cancel, done: make(chan struct{})}

	if book.Registered() {
		if err := e.startReconciler(runCtx, book, ps.done); err != nil {
			cancel()
			book.Close()
			return nil, err
		}
	} else {
		close(ps.done)
	}

	if e.deps.Scheduler != nil {
		e.deps.Scheduler.Register(runCtx, book)
	}
	metrics.ActiveSessions.Inc()
	return ps, nil
}

// CreateGuest issues a guest id holding the starter spin balance.
func (e *Engine) CreateGuest() (string, error) {
	if e.deps.Local == nil {
		return "", ErrUnknownGuest
	}
	id, err := e.deps.Local.NewGuest(local.Balances{SpinBalance: e.cfg.StarterSpins})
	if err != nil {
		return "", fmt.Errorf("create guest: %w", err)
	}
	slog.Info("guest created", "player", id)
	return id, nil
}

// Session returns the controller of a signed-in player.
func (e *Engine) Session(playerID string) (*session.Controller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.sessions[playerID]
	if !ok {
		return nil, ErrNotSignedIn
	}
	return ps.ctrl, nil
}

// SignOut discards playerID's session after settling a batch left pending
// and draining its remote writes. When guestID is set the guest session is loaded from the local
// store and returned.
func (e *Engine) SignOut(ctx context.Context, playerID, guestID string) (*session.Controller, error) {
	e.mu.Lock()
	ps, ok := e.sessions[playerID]
	if ok {
		delete(e.sessions, playerID)
	}
	e.mu.Unlock()

	if !ok {
		return nil, ErrNotSignedIn
	}
	e.stop(ctx, ps)
	slog.Info("player signed out", "player", playerID)

	if guestID == "" {
		return nil, nil
	}
	return e.SignIn(ctx, model.Identity{PlayerID: guestID, IsGuest: true, DisplayName: "Guest"})
}

// Close ends every session. Sign-ins in progress are discarded when they
// complete.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	sessions := e.sessions
	e.sessions = make(map[string]*playerSession)
	e.mu.Unlock()

	for _, ps := range sessions {
		e.stop(context.Background(), ps)
	}
}

// Active returns the number of signed-in players.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// observer forwards one session's settlement events together with its
// identity.
type observer struct {
	e  *Engine
	id model.Identity
}

func (o observer) SpinSettled(ctx context.Context, s session.Settlement) {
	o.e.spinSettled(ctx, o.id, s)
}

func (o observer) LevelUp(ctx context.Context, _ string, previous, current int) {
	o.e.levelUp(ctx, o.id, previous, current)
}

// spinSettled records the leaderboard standing and notifies clients.
func (e *Engine) spinSettled(ctx context.Context, id model.Identity, s session.Settlement) {
	acc := s.Account
	if e.deps.Board != nil && !id.IsGuest {
		now := e.cfg.Now()
		err := e.deps.Board.Record(ctx, model.LeaderboardEntry{
			PlayerID:    acc.PlayerID,
			WeekID:      calendar.WeekID(now, e.cfg.Location),
			Username:    acc.Username,
			Coins:       acc.SoftCurrency,
			TotalSpins:  acc.TotalSpinsLifetime,
			Level:       acc.Level,
			LastUpdated: now.UTC(),
		})
		if err != nil {
			slog.Warn("leaderboard not updated", "player", acc.PlayerID, "err", err)
		}
	}
	e.publish(Event{Type: EventSpinSettled, PlayerID: acc.PlayerID, Account: &acc, Data: s})
}

// levelUp pays the player's referrer and notifies clients.
func (e *Engine) levelUp(ctx context.Context, id model.Identity, previous, current int) {
	if e.deps.Referrals != nil && !id.IsGuest {
		if _, err := e.deps.Referrals.OnLevelUp(ctx, id.PlayerID, current); err != nil {
			slog.Error("referral level reward failed", "player", id.PlayerID, "level", current, "err", err)
		}
	}
	e.publish(Event{
		Type:     EventLevelUp,
		PlayerID: id.PlayerID,
		Data:     map[string]int{"previous": previous, "level": current},
	})
}

// WeekBoundary is the scheduler's week-boundary handler. Archival of the
// finished week is left to the leaderboard repository.
func (e *Engine) WeekBoundary(_ context.Context, ev reset.WeekBoundary) {
	e.publish(Event{Type: EventWeekBoundary, PlayerID: ev.PlayerID, Data: ev})
}

func (e *Engine) guestBook(id model.Identity) (*account.Book, error) {
	if e.deps.Local == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGuest, id.PlayerID)
	}
	saved, found, err := e.deps.Local.Load(id.PlayerID)
	if err != nil {
		return nil, fmt.Errorf("load guest %s: %w", id.PlayerID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGuest, id.PlayerID)
	}

	acc := e.newAccount(id)
	acc.SpinBalance = saved.SpinBalance
	acc.SoftCurrency = saved.SoftCurrency
	acc.BonusCurrency = saved.BonusCurrency
	return account.NewGuestBook(acc, e.deps.Local), nil
}

func (e *Engine) remoteBook(ctx context.Context, id model.Identity) (*account.Book, error) {
	if e.deps.Store == nil {
		return account.NewBook(e.newAccount(id)), nil
	}

	remote, err := e.deps.Store.Get(ctx, id.PlayerID)
	switch {
	case err == nil:
		return account.NewRemoteBook(*remote, e.deps.Store, e.cfg.RemoteTimeout, e.cfg.WriteQueueSize), nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load account %s: %w", id.PlayerID, err)
	}

	acc := e.newAccount(id)
	fields := model.FieldsOf(acc)
	if err := e.deps.Store.Write(ctx, id.PlayerID, fields); err != nil {
		return nil, fmt.Errorf("create account %s: %w", id.PlayerID, err)
	}
	slog.Info("account created", "player", id.PlayerID)
	return account.NewRemoteBook(acc, e.deps.Store, e.cfg.RemoteTimeout, e.cfg.WriteQueueSize), nil
}

func (e *Engine) newAccount(id model.Identity) model.PlayerAccount {
	return model.PlayerAccount{
		PlayerID:    id.PlayerID,
		Username:    id.DisplayName,
		SpinBalance: e.cfg.StarterSpins,
		Level:       1,
		UpdatedAt:   e.cfg.Now().UTC(),
	}
}

func (e *Engine) startReconciler(ctx context.Context, book *account.Book, done chan struct{}) error {
	feed, err := e.deps.Store.Subscribe(ctx, book.PlayerID())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", book.PlayerID(), err)
	}

	rec := reconcile.New(book, e.cfg.BonusSpins)
	rec.OnChange(func(acc model.PlayerAccount) {
		e.publish(Event{Type: EventAccount, PlayerID: acc.PlayerID, Account: &acc})
	})
	go func() {
		defer close(done)
		rec.Run(ctx, feed)
	}()
	return nil
}

// stop settles a batch the player paid for but never settled, then drains
// the book.
func (e *Engine) stop(ctx context.Context, ps *playerSession) {
	book := ps.ctrl.Book()
	if e.deps.Scheduler != nil {
		e.deps.Scheduler.Unregister(book)
	}
	ps.ctrl.Close(ctx)
	ps.cancel()
	<-ps.done
	book.Close()
	metrics.ActiveSessions.Dec()
}

func (e *Engine) publish(ev Event) {
	if e.deps.Notifier != nil {
		e.deps.Notifier.Publish(ev)
	}
}
