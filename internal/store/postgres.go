package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/spin-economy/internal/model"
)

// ledgerChannel is the NOTIFY channel carrying changed player ids.
const ledgerChannel = "ledger_changes"

const (
	listenRetry     = 2 * time.Second
	snapshotTimeout = 5 * time.Second
)

// Schema creates the player_accounts table. Fiat credit is NUMERIC for exact
// decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS player_accounts (
    player_id              TEXT PRIMARY KEY,
    username               TEXT NOT NULL DEFAULT '',
    avatar_url             TEXT NOT NULL DEFAULT '',
    spin_balance           BIGINT NOT NULL DEFAULT 0,
    soft_currency          BIGINT NOT NULL DEFAULT 0,
    bonus_currency         BIGINT NOT NULL DEFAULT 0,
    prize_token_a          BIGINT NOT NULL DEFAULT 0,
    prize_token_b          BIGINT NOT NULL DEFAULT 0,
    fiat_credit            NUMERIC NOT NULL DEFAULT 0,
    total_spins_lifetime   BIGINT NOT NULL DEFAULT 0,
    spins_today            BIGINT NOT NULL DEFAULT 0,
    bonus_spins_remaining  BIGINT NOT NULL DEFAULT 0,
    bonus_mode_expiry      TIMESTAMPTZ,
    level                  INTEGER NOT NULL DEFAULT 1,
    last_settled_day       TEXT NOT NULL DEFAULT '',
    last_settled_week      TEXT NOT NULL DEFAULT '',
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresStore implements LedgerStore using PostgreSQL as the source of
// truth. Every write commits a pg_notify so subscribers observe changes made
// by any writer, including operator tools issuing the same NOTIFY.
//
// All subscriptions share one pooled connection in LISTEN mode.
type PostgresStore struct {
	pool *pgxpool.Pool
	feed *fanout

	startListener sync.Once
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresStore{
		pool:   pool,
		feed:   newFanout(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close stops the shared listener.
func (s *PostgresStore) Close() {
	s.cancel()
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, playerID string) (*model.PlayerAccount, error) {
	var a model.PlayerAccount
	var fiat string

	err := s.pool.QueryRow(ctx,
		`SELECT player_id, username, avatar_url,
		        spin_balance, soft_currency, bonus_currency,
		        prize_token_a, prize_token_b, fiat_credit::TEXT,
		        total_spins_lifetime, spins_today, bonus_spins_remaining,
		        bonus_mode_expiry, level, last_settled_day, last_settled_week,
		        updated_at
		 FROM player_accounts WHERE player_id = $1`, playerID).
		Scan(&a.PlayerID, &a.Username, &a.AvatarURL,
			&a.SpinBalance, &a.SoftCurrency, &a.BonusCurrency,
			&a.PrizeTokenA, &a.PrizeTokenB, &fiat,
			&a.TotalSpinsLifetime, &a.SpinsToday, &a.BonusSpinsRemaining,
			&a.BonusModeExpiry, &a.Level, &a.LastSettledDay, &a.LastSettledWeek,
			&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get account %s: %w", ErrRemoteUnavailable, playerID, err)
	}

	a.FiatCredit, _ = decimal.NewFromString(fiat)
	return &a, nil
}

func (s *PostgresStore) Write(ctx context.Context, playerID string, fields model.Fields) error {
	cols, vals := fieldColumns(fields)

	sets := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	sets = append(sets, "updated_at = NOW()")

	query, args, err := sq.Insert("player_accounts").
		Columns(append([]string{"player_id"}, cols...)...).
		Values(append([]any{playerID}, vals...)...).
		Suffix("ON CONFLICT (player_id) DO UPDATE SET " + strings.Join(sets, ", ")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build account write: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrRemoteUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: write account %s: %w", ErrRemoteUnavailable, playerID, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ledgerChannel, playerID); err != nil {
		return fmt.Errorf("%w: notify %s: %w", ErrRemoteUnavailable, playerID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrRemoteUnavailable, err)
	}
	return nil
}

// Subscribe registers a feed for playerID. The first call starts the
// shared listener; later calls never touch the pool.
func (s *PostgresStore) Subscribe(ctx context.Context, playerID string) (<-chan model.PlayerAccount, error) {
	s.startListener.Do(func() { go s.listen() })
	return s.feed.subscribe(ctx, playerID), nil
}

// listen keeps one LISTEN connection open until Close, reconnecting after
// failures.
func (s *PostgresStore) listen() {
	for s.ctx.Err() == nil {
		err := s.consume(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		slog.Warn("ledger listener lost, retrying", "err", err, "retry_in", listenRetry)
		select {
		case <-time.After(listenRetry):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PostgresStore) consume(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener: %w", err)
	}
	defer func() {
		// The connection goes back to the pool; stop listening first.
		unlistenCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = conn.Exec(unlistenCtx, "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+ledgerChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	slog.Info("ledger listener started", "channel", ledgerChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, n.Payload)
	}
}

// dispatch re-reads a notified document and fans it out, skipping players
// nobody on this instance is watching.
func (s *PostgresStore) dispatch(ctx context.Context, playerID string) {
	if !s.feed.watched(playerID) {
		return
	}
	readCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	acc, err := s.Get(readCtx, playerID)
	if err != nil {
		slog.Warn("ledger snapshot read failed", "player", playerID, "err", err)
		return
	}
	s.feed.publish(playerID, *acc)
}

// fieldColumns flattens the set fields of a merge document into column
// names and values, in a stable order.
func fieldColumns(f model.Fields) ([]string, []any) {
	var cols []string
	var vals []any
	add := func(col string, v any) {
		cols = append(cols, col)
		vals = append(vals, v)
	}

	if f.Username != nil {
		add("username", *f.Username)
	}
	if f.AvatarURL != nil {
		add("avatar_url", *f.AvatarURL)
	}
	if f.SpinBalance != nil {
		add("spin_balance", *f.SpinBalance)
	}
	if f.SoftCurrency != nil {
		add("soft_currency", *f.SoftCurrency)
	}
	if f.BonusCurrency != nil {
		add("bonus_currency", *f.BonusCurrency)
	}
	if f.PrizeTokenA != nil {
		add("prize_token_a", *f.PrizeTokenA)
	}
	if f.PrizeTokenB != nil {
		add("prize_token_b", *f.PrizeTokenB)
	}
	if f.FiatCredit != nil {
		add("fiat_credit", sq.Expr("?::NUMERIC", f.FiatCredit.String()))
	}
	if f.TotalSpinsLifetime != nil {
		add("total_spins_lifetime", *f.TotalSpinsLifetime)
	}
	if f.SpinsToday != nil {
		add("spins_today", *f.SpinsToday)
	}
	if f.BonusSpinsRemaining != nil {
		add("bonus_spins_remaining", *f.BonusSpinsRemaining)
	}
	if f.BonusModeExpiry != nil {
		if f.BonusModeExpiry.IsZero() {
			add("bonus_mode_expiry", nil)
		} else {
			add("bonus_mode_expiry", *f.BonusModeExpiry)
		}
	}
	if f.Level != nil {
		add("level", *f.Level)
	}
	if f.LastSettledDay != nil {
		add("last_settled_day", *f.LastSettledDay)
	}
	if f.LastSettledWeek != nil {
		add("last_settled_week", *f.LastSettledWeek)
	}
	return cols, vals
}
