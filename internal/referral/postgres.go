package referral

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/spin-economy/internal/model"
)

const (
	codesTable = "referral_codes"
	edgesTable = "referral_edges"

	colPlayerID   = "player_id"
	colCode       = "code"
	colReferredID = "referred_id"
	colReferrerID = "referrer_id"
	colLastLevel  = "last_level_reward_triggered"
	colCreatedAt  = "created_at"

	pgUniqueViolation = "23505"
)

// Schema creates the referral tables. referred_id is the primary key of
// referral_edges, which enforces one referrer per player.
const Schema = `
CREATE TABLE IF NOT EXISTS referral_codes (
    player_id   TEXT PRIMARY KEY,
    code        TEXT NOT NULL UNIQUE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS referral_edges (
    referred_id                  TEXT PRIMARY KEY,
    referrer_id                  TEXT NOT NULL,
    last_level_reward_triggered  INTEGER NOT NULL DEFAULT 1,
    created_at                   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_referral_edges_referrer ON referral_edges(referrer_id);
`

// PostgresRepository stores referrals in PostgreSQL. Queries join the
// transaction carried by ctx when there is one.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	getter *trmpgx.CtxGetter
}

// NewPostgresRepository creates a PostgreSQL-backed repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, getter: trmpgx.DefaultCtxGetter}
}

// Migrate applies Schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, Schema)
	return err
}

func (r *PostgresRepository) db(ctx context.Context) trmpgx.Tr {
	return r.getter.DefaultTrOrDB(ctx, r.pool)
}

func (r *PostgresRepository) ResolveCode(ctx context.Context, code string) (string, error) {
	sqlStr, args, err := sq.Select(colPlayerID).
		From(codesTable).
		Where(sq.Eq{colCode: code}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return "", err
	}

	var owner string
	err = r.db(ctx).QueryRow(ctx, sqlStr, args...).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidReferralCode
	}
	if err != nil {
		return "", fmt.Errorf("resolve code: %w", err)
	}
	return owner, nil
}

func (r *PostgresRepository) CodeFor(ctx context.Context, playerID string) (string, error) {
	sqlStr, args, err := sq.Select(colCode).
		From(codesTable).
		Where(sq.Eq{colPlayerID: playerID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return "", err
	}

	var code string
	err = r.db(ctx).QueryRow(ctx, sqlStr, args...).Scan(&code)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("load code: %w", err)
	}

	for i := 0; i < codeAttempts; i++ {
		if code, err = GenerateCode(); err != nil {
			return "", err
		}
		sqlStr, args, err := sq.Insert(codesTable).
			Columns(colPlayerID, colCode).
			Values(playerID, code).
			Suffix("ON CONFLICT (" + colPlayerID + ") DO UPDATE SET " + colPlayerID + " = EXCLUDED." + colPlayerID + " RETURNING " + colCode).
			PlaceholderFormat(sq.Dollar).
			ToSql()
		if err != nil {
			return "", err
		}
		// A concurrent first call for the same player returns its code.
		err = r.db(ctx).QueryRow(ctx, sqlStr, args...).Scan(&code)
		if err == nil {
			return code, nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
			return "", fmt.Errorf("create code: %w", err)
		}
	}
	return "", fmt.Errorf("referral: no free code after %d attempts", codeAttempts)
}

func (r *PostgresRepository) Edge(ctx context.Context, referredID string) (*model.ReferralEdge, error) {
	sqlStr, args, err := sq.Select(colReferredID, colReferrerID, colLastLevel, colCreatedAt).
		From(edgesTable).
		Where(sq.Eq{colReferredID: referredID}).
		Suffix("FOR UPDATE").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	var e model.ReferralEdge
	err = r.db(ctx).QueryRow(ctx, sqlStr, args...).
		Scan(&e.ReferredID, &e.ReferrerID, &e.LastLevelRewardTriggered, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load edge: %w", err)
	}
	return &e, nil
}

func (r *PostgresRepository) InsertEdge(ctx context.Context, edge model.ReferralEdge) (bool, error) {
	sqlStr, args, err := sq.Insert(edgesTable).
		Columns(colReferredID, colReferrerID, colLastLevel, colCreatedAt).
		Values(edge.ReferredID, edge.ReferrerID, edge.LastLevelRewardTriggered, edge.CreatedAt).
		Suffix("ON CONFLICT (" + colReferredID + ") DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, err
	}

	tag, err := r.db(ctx).Exec(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("insert edge: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) AdvanceLevel(ctx context.Context, referredID string, level int) error {
	sqlStr, args, err := sq.Update(edgesTable).
		Set(colLastLevel, level).
		Where(sq.Eq{colReferredID: referredID}).
		Where(sq.Lt{colLastLevel: level}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.db(ctx).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("advance level: %w", err)
	}
	return nil
}
