// Package session runs the per-player spin state machine.
//
// A spin moves IDLE -> COST_CHECKED -> DEDUCTED -> OUTCOMES_DECIDED ->
// SETTLING -> IDLE. The cost is deducted and persisted before outcomes are
// returned, and once deducted a spin always settles. The controller is not
// re-entrant: a request made while another is in flight is rejected. A
// batch nobody settles is settled by the controller after SettleAfter, or
// when the session closes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/spin-economy/internal/account"
	"github.com/atmx/spin-economy/internal/bonus"
	"github.com/atmx/spin-economy/internal/metrics"
	"github.com/atmx/spin-economy/internal/model"
	"github.com/atmx/spin-economy/internal/progression"
	"github.com/atmx/spin-economy/internal/reward"
)

const (
	// DefaultCoinsPerToken is the soft-currency price of one bonus-currency unit.
	DefaultCoinsPerToken = 100

	// DefaultSettleAfter bounds how long a paid batch may wait for its caller
	// to settle it.
	DefaultSettleAfter = 30 * time.Second
)

var (
	ErrBusy                = errors.New("session: spin already in progress")
	ErrInsufficientBalance = errors.New("session: insufficient balance")
	ErrNoPendingSpin       = errors.New("session: no pending spin for this batch")
	ErrInvalidCount        = errors.New("session: spin count must be at least 1")
	ErrInvalidAmount       = errors.New("session: amount must be positive")
	ErrClosed              = errors.New("session: closed")
)

// State is a step of the spin state machine.
type State int

const (
	StateIdle State = iota
	StateCostChecked
	StateDeducted
	StateOutcomesDecided
	StateSettling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCostChecked:
		return "COST_CHECKED"
	case StateDeducted:
		return "DEDUCTED"
	case StateOutcomesDecided:
		return "OUTCOMES_DECIDED"
	case StateSettling:
		return "SETTLING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Batch is a paid spin request awaiting settlement. Bonus mode is captured
// at request time and holds for every outcome in the batch.
type Batch struct {
	ID          string              `json:"id"`
	PlayerID    string              `json:"player_id"`
	Count       int                 `json:"count"`
	BonusActive bool                `json:"bonus_active"`
	Outcomes    []model.SpinOutcome `json:"outcomes"`
	RequestedAt time.Time           `json:"requested_at"`
}

// Settlement is the result of applying a batch to the account.
type Settlement struct {
	BatchID       string              `json:"batch_id"`
	Outcomes      []model.SpinOutcome `json:"outcomes"`
	Account       model.PlayerAccount `json:"account"`
	BonusArmed    bool                `json:"bonus_armed"`
	PreviousLevel int                 `json:"previous_level"`
}

// LeveledUp reports whether the settlement raised the player's level.
func (s Settlement) LeveledUp() bool {
	return s.Account.Level > s.PreviousLevel
}

// Observer receives settlement side effects. Calls are made synchronously
// after the account has been committed; implementations must not block.
type Observer interface {
	SpinSettled(ctx context.Context, s Settlement)
	LevelUp(ctx context.Context, playerID string, previous, current int)
}

// Config tunes a controller. Zero values select defaults.
type Config struct {
	CoinsPerToken int64
	SettleAfter   time.Duration
	Now           func() time.Time
}

// Controller is the spin state machine for one signed-in player.
type Controller struct {
	mu      sync.Mutex
	state   State
	pending *Batch
	timer   *time.Timer
	closed  bool
	active  int
	idle    *sync.Cond

	book     *account.Book
	identity model.Identity
	selector *reward.Selector
	tracker  *bonus.Tracker
	observer Observer

	coinsPerToken int64
	settleAfter   time.Duration
	now           func() time.Time
}

// NewController creates a controller over book. observer may be nil.
func NewController(book *account.Book, id model.Identity, sel *reward.Selector, tr *bonus.Tracker, observer Observer, cfg Config) *Controller {
	if cfg.CoinsPerToken <= 0 {
		cfg.CoinsPerToken = DefaultCoinsPerToken
	}
	if cfg.SettleAfter <= 0 {
		cfg.SettleAfter = DefaultSettleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Controller{
		book:          book,
		identity:      id,
		selector:      sel,
		tracker:       tr,
		observer:      observer,
		coinsPerToken: cfg.CoinsPerToken,
		settleAfter:   cfg.SettleAfter,
		now:           cfg.Now,
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Identity returns the identity the controller acts for.
func (c *Controller) Identity() model.Identity {
	return c.identity
}

// Book returns the account book the controller mutates.
func (c *Controller) Book() *account.Book {
	return c.book
}

// Account returns a snapshot of the player's account.
func (c *Controller) Account() model.PlayerAccount {
	return c.book.Snapshot()
}

// State returns the current state machine step.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the batch awaiting settlement, if any.
func (c *Controller) Pending() *Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// RequestSpin checks and deducts the cost of count spins and draws their
// outcomes. Admin identities skip the cost check and are not charged.
func (c *Controller) RequestSpin(_ context.Context, count int) (*Batch, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		metrics.SpinRejections.WithLabelValues("busy").Inc()
		return nil, ErrBusy
	}
	c.state = StateCostChecked
	c.active++
	c.mu.Unlock()
	defer c.release()

	cost := int64(count)
	var bonusActive bool
	acc, err := c.book.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		bonusActive = acc.BonusModeActive()
		if c.identity.Admin {
			return model.Fields{}, nil
		}
		if acc.SpinBalance < cost {
			return model.Fields{}, ErrInsufficientBalance
		}
		acc.SpinBalance -= cost
		return model.Fields{SpinBalance: &acc.SpinBalance}, nil
	})
	if err != nil {
		c.setState(StateIdle)
		if errors.Is(err, ErrInsufficientBalance) {
			metrics.SpinRejections.WithLabelValues("insufficient_balance").Inc()
		}
		return nil, err
	}
	c.setState(StateDeducted)

	batch := &Batch{
		ID:          uuid.NewString(),
		PlayerID:    acc.PlayerID,
		Count:       count,
		BonusActive: bonusActive,
		Outcomes:    c.selector.SelectN(count, bonusActive),
		RequestedAt: c.now(),
	}

	c.mu.Lock()
	c.pending = batch
	c.state = StateOutcomesDecided
	c.timer = time.AfterFunc(c.settleAfter, func() { c.settleAbandoned(batch) })
	c.mu.Unlock()

	slog.Debug("spin requested", "player", acc.PlayerID, "batch", batch.ID, "count", count, "bonus", bonusActive)
	return batch, nil
}

// Settle applies the pending batch in one atomic account update and issues
// one combined remote write. Cancelling ctx does not abort settlement.
func (c *Controller) Settle(ctx context.Context, batch *Batch) (*Settlement, error) {
	c.mu.Lock()
	if batch == nil || c.pending == nil || c.state != StateOutcomesDecided || c.pending.ID != batch.ID {
		c.mu.Unlock()
		return nil, ErrNoPendingSpin
	}
	batch = c.claim()
	c.mu.Unlock()
	defer c.release()

	return c.apply(ctx, batch)
}

// claim moves the pending batch to SETTLING. c.mu must be held.
func (c *Controller) claim() *Batch {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = StateSettling
	c.active++
	return c.pending
}

// release ends a request or settlement in flight.
func (c *Controller) release() {
	c.mu.Lock()
	c.active--
	if c.active == 0 {
		c.idle.Broadcast()
	}
	c.mu.Unlock()
}

func (c *Controller) apply(ctx context.Context, batch *Batch) (*Settlement, error) {
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.state = StateIdle
		c.mu.Unlock()
	}()

	ctx = context.WithoutCancel(ctx)
	now := c.now()
	count := int64(batch.Count)

	var previousLevel int
	var armed bool
	acc, err := c.book.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		previousLevel = acc.Level
		acc.TotalSpinsLifetime += count
		armed = c.tracker.Settle(acc, count, now)
		for _, o := range batch.Outcomes {
			credit(acc, o)
		}
		if lvl := progression.LevelFor(acc.TotalSpinsLifetime); lvl > acc.Level {
			acc.Level = lvl
		}

		fields := model.FieldsOf(*acc)
		// Profile fields are owned remotely.
		fields.Username, fields.AvatarURL = nil, nil
		return fields, nil
	})
	if err != nil {
		return nil, fmt.Errorf("settle batch %s: %w", batch.ID, err)
	}

	s := Settlement{
		BatchID:       batch.ID,
		Outcomes:      batch.Outcomes,
		Account:       acc,
		BonusArmed:    armed,
		PreviousLevel: previousLevel,
	}
	c.record(batch, s, now)

	if c.observer != nil {
		c.observer.SpinSettled(ctx, s)
		if s.LeveledUp() {
			c.observer.LevelUp(ctx, acc.PlayerID, previousLevel, acc.Level)
		}
	}
	return &s, nil
}

// Spin requests and settles count spins.
func (c *Controller) Spin(ctx context.Context, count int) (*Settlement, error) {
	batch, err := c.RequestSpin(ctx, count)
	if err != nil {
		return nil, err
	}
	return c.Settle(ctx, batch)
}

// Close settles a batch still pending and rejects further requests. A
// request or settlement in flight completes first.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	for c.active > 0 {
		c.idle.Wait()
	}
	var batch *Batch
	if c.pending != nil && c.state == StateOutcomesDecided {
		batch = c.claim()
	}
	c.mu.Unlock()

	if batch == nil {
		return
	}
	defer c.release()
	if _, err := c.apply(ctx, batch); err != nil {
		slog.Error("pending batch not settled on close", "player", batch.PlayerID, "batch", batch.ID, "err", err)
		return
	}
	slog.Info("pending batch settled on close", "player", batch.PlayerID, "batch", batch.ID)
}

func (c *Controller) settleAbandoned(batch *Batch) {
	_, err := c.Settle(context.Background(), batch)
	switch {
	case err == nil:
		slog.Info("abandoned batch settled", "player", batch.PlayerID, "batch", batch.ID, "after", c.settleAfter)
	case !errors.Is(err, ErrNoPendingSpin):
		slog.Error("abandoned batch not settled", "player", batch.PlayerID, "batch", batch.ID, "err", err)
	}
}

// ConvertCoins exchanges soft currency for bonus currency. Only whole
// tokens are bought; the remainder of coins stays in the balance.
func (c *Controller) ConvertCoins(_ context.Context, coins int64) (model.PlayerAccount, error) {
	if coins <= 0 {
		return model.PlayerAccount{}, ErrInvalidAmount
	}
	tokens := coins / c.coinsPerToken
	if tokens == 0 {
		return model.PlayerAccount{}, fmt.Errorf("%w: at least %d coins buy one token", ErrInvalidAmount, c.coinsPerToken)
	}
	price := tokens * c.coinsPerToken

	return c.book.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		if acc.SoftCurrency < price {
			return model.Fields{}, ErrInsufficientBalance
		}
		acc.SoftCurrency -= price
		acc.BonusCurrency += tokens
		return model.Fields{SoftCurrency: &acc.SoftCurrency, BonusCurrency: &acc.BonusCurrency}, nil
	})
}

// GrantSpins credits n spins to the spin balance.
func (c *Controller) GrantSpins(_ context.Context, n int64) (model.PlayerAccount, error) {
	if n <= 0 {
		return model.PlayerAccount{}, ErrInvalidAmount
	}
	return c.book.Update(func(acc *model.PlayerAccount) (model.Fields, error) {
		acc.SpinBalance += n
		return model.Fields{SpinBalance: &acc.SpinBalance}, nil
	})
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) record(batch *Batch, s Settlement, now time.Time) {
	mode := "normal"
	if batch.BonusActive {
		mode = "bonus"
	}
	metrics.SpinsTotal.WithLabelValues(mode).Add(float64(batch.Count))
	metrics.SettleLatency.Observe(now.Sub(batch.RequestedAt).Seconds())
	for _, o := range batch.Outcomes {
		metrics.RewardsGranted.WithLabelValues(string(o.Kind)).Add(float64(o.Amount))
	}
	if s.BonusArmed {
		metrics.BonusArmed.Inc()
	}

	slog.Info("spin settled",
		"player", s.Account.PlayerID,
		"batch", batch.ID,
		"count", batch.Count,
		"spins_today", s.Account.SpinsToday,
		"bonus_spins", s.Account.BonusSpinsRemaining,
		"level", s.Account.Level,
	)
}

func credit(acc *model.PlayerAccount, o model.SpinOutcome) {
	switch o.Kind {
	case model.KindSoft:
		acc.SoftCurrency += o.Amount
	case model.KindBonus:
		acc.BonusCurrency += o.Amount
	case model.KindPrizeA:
		acc.PrizeTokenA += o.Amount
	case model.KindPrizeB:
		acc.PrizeTokenB += o.Amount
	}
}
