package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/spin-economy/internal/api"
	"github.com/atmx/spin-economy/internal/calendar"
	"github.com/atmx/spin-economy/internal/config"
	"github.com/atmx/spin-economy/internal/engine"
	"github.com/atmx/spin-economy/internal/identity"
	"github.com/atmx/spin-economy/internal/leaderboard"
	"github.com/atmx/spin-economy/internal/local"
	"github.com/atmx/spin-economy/internal/mail"
	"github.com/atmx/spin-economy/internal/referral"
	"github.com/atmx/spin-economy/internal/reset"
	"github.com/atmx/spin-economy/internal/reward"
	"github.com/atmx/spin-economy/internal/store"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Reward table ---
	table := reward.DefaultTable()
	if cfg.RewardTablePath != "" {
		if table, err = reward.LoadTable(cfg.RewardTablePath); err != nil {
			slog.Error("reward table failed", "path", cfg.RewardTablePath, "err", err)
			os.Exit(1)
		}
	}
	selector, err := reward.NewSelector(table)
	if err != nil {
		slog.Error("reward selector failed", "err", err)
		os.Exit(1)
	}

	// --- Stores ---
	var (
		ledger    store.LedgerStore
		boardRepo leaderboard.Repository
		refTx     referral.Transactor
		refRepo   referral.Repository
		outbox    mail.Enqueuer
	)

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pgLedger := store.NewPostgresStore(pool)
		cleanup = append(cleanup, pgLedger.Close)
		pgBoard := leaderboard.NewPostgresRepository(pool)
		pgRefs := referral.NewPostgresRepository(pool)
		for name, migrate := range map[string]func(context.Context) error{
			"ledger":      pgLedger.Migrate,
			"leaderboard": pgBoard.Migrate,
			"referral":    pgRefs.Migrate,
		} {
			if err := migrate(ctx); err != nil {
				slog.Error("migration failed", "schema", name, "err", err)
				os.Exit(1)
			}
		}

		txManager, err := manager.New(trmpgx.NewDefaultFactory(pool))
		if err != nil {
			slog.Error("transaction manager failed", "err", err)
			os.Exit(1)
		}

		ledger, boardRepo, refTx, refRepo = pgLedger, pgBoard, txManager, pgRefs
		outbox = mail.NewMemoryOutbox()
		slog.Info("connected to PostgreSQL")

		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })

			cached := store.NewCachedStore(pgLedger, rdb, cfg.CacheTTL)
			cleanup = append(cleanup, cached.Close)
			ledger = cached
			boardRepo = leaderboard.NewRedisRepository(rdb)
			outbox = mail.NewRedisQueue(rdb)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory stores (data will not persist)")
		memRefs := referral.NewMemoryRepository()
		ledger = store.NewMemoryStore()
		boardRepo = leaderboard.NewMemoryRepository()
		refTx, refRepo = memRefs, memRefs
		outbox = mail.NewMemoryOutbox()
	}

	guests, err := local.Open(cfg.LocalPath)
	if err != nil {
		slog.Error("guest store failed", "path", cfg.LocalPath, "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, func() { guests.Close() })

	// --- Engine ---
	loc := calendar.LoadLocation(cfg.Timezone)
	hub := api.NewHub()
	go hub.Run(ctx)

	board := leaderboard.NewBoard(boardRepo, leaderboard.NewRanker(cfg.BotPrefix))
	referrals := referral.NewLedger(refTx, refRepo, outbox, cfg.ReferralJoinBonus, cfg.ReferralLevelBonus)

	var eng *engine.Engine
	scheduler := reset.NewScheduler(loc, cfg.ResetInterval, nil, reset.WeekBoundaryFunc(func(ctx context.Context, ev reset.WeekBoundary) {
		eng.WeekBoundary(ctx, ev)
	}))
	eng = engine.New(engine.Config{
		Location:       loc,
		RemoteTimeout:  cfg.RemoteTimeout,
		WriteQueueSize: cfg.WriteQueueSize,
		SettleAfter:    cfg.SettleAfter,
		BonusThreshold: cfg.BonusThreshold,
		BonusSpins:     cfg.BonusSpins,
		CoinsPerToken:  cfg.CoinsPerToken,
		StarterSpins:   cfg.StarterSpins,
	}, engine.Deps{
		Store:     ledger,
		Local:     guests,
		Selector:  selector,
		Scheduler: scheduler,
		Board:     board,
		Referrals: referrals,
		Notifier:  hub,
	})
	cleanup = append(cleanup, eng.Close)

	if err := scheduler.Start(ctx); err != nil {
		slog.Error("reset scheduler failed", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, scheduler.Stop)

	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET not set, only guest requests will authenticate")
	}

	// --- HTTP ---
	handler := api.NewHandler(api.Deps{
		Engine:    eng,
		Identity:  identity.NewProvider(cfg.JWTSecret),
		Board:     board,
		Referrals: referrals,
		Hub:       hub,
		Limiter:   api.NewRateLimiter(api.RateLimit{RequestsPerMinute: cfg.RateLimitPerMinute, Burst: cfg.RateLimitBurst}),
		Location:  loc,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("spin-economy listening", "port", cfg.Port, "timezone", loc.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down spin-economy...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("spin-economy stopped")
}
