package leaderboard

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/spin-economy/internal/model"
)

const (
	table          = "leaderboard_entries"
	colWeekID      = "week_id"
	colPlayerID    = "player_id"
	colUsername    = "username"
	colCoins       = "coins"
	colTotalSpins  = "total_spins"
	colLevel       = "level"
	colLastUpdated = "last_updated"
)

// Schema creates the leaderboard table. Old weeks are kept, never deleted.
const Schema = `
CREATE TABLE IF NOT EXISTS leaderboard_entries (
    week_id       TEXT NOT NULL,
    player_id     TEXT NOT NULL,
    username      TEXT NOT NULL DEFAULT '',
    coins         BIGINT NOT NULL DEFAULT 0,
    total_spins   BIGINT NOT NULL DEFAULT 0,
    level         INTEGER NOT NULL DEFAULT 1,
    last_updated  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (week_id, player_id)
);

CREATE INDEX IF NOT EXISTS idx_leaderboard_week_coins ON leaderboard_entries(week_id, coins DESC);
`

// PostgresRepository stores entries in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a PostgreSQL-backed repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Migrate applies Schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, Schema)
	return err
}

func (r *PostgresRepository) Upsert(ctx context.Context, e model.LeaderboardEntry) error {
	query := sq.Insert(table).
		Columns(colWeekID, colPlayerID, colUsername, colCoins, colTotalSpins, colLevel, colLastUpdated).
		Values(e.WeekID, e.PlayerID, e.Username, e.Coins, e.TotalSpins, e.Level, e.LastUpdated).
		Suffix(`ON CONFLICT (week_id, player_id) DO UPDATE SET
			username = EXCLUDED.username,
			coins = EXCLUDED.coins,
			total_spins = EXCLUDED.total_spins,
			level = EXCLUDED.level,
			last_updated = CASE
				WHEN leaderboard_entries.coins = EXCLUDED.coins THEN leaderboard_entries.last_updated
				ELSE EXCLUDED.last_updated
			END`).
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert entry %s/%s: %w", e.WeekID, e.PlayerID, err)
	}
	return nil
}

func (r *PostgresRepository) ListWeek(ctx context.Context, weekID string) ([]model.LeaderboardEntry, error) {
	query := sq.Select(colPlayerID, colWeekID, colUsername, colCoins, colTotalSpins, colLevel, colLastUpdated).
		From(table).
		Where(sq.Eq{colWeekID: weekID}).
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list week %s: %w", weekID, err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.LeaderboardEntry])
}
