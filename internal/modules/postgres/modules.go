package postgres

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"position_bot/internal/modules/config"
	"position_bot/internal/store"
	"position_bot/pkg/db"
	"position_bot/pkg/logger"
)

// NewStore opens Postgres and migrates it, or falls back to the in-memory
// store when no DSN is configured.
func NewStore(ctx context.Context, lc fx.Lifecycle, cfg *config.Config) (store.Store, error) {
	if cfg.DB.DSN == "" {
		logger.Warn("postgres: no dsn configured, state is kept in memory only")
		return store.NewMemory(), nil
	}

	poolMaster, err := db.NewPool(ctx, db.PoolConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create poolMaster: %w", err)
	}

	tm := db.NewPgTxManager(poolMaster)
	if err := tm.Ping(ctx); err != nil {
		tm.Close()
		return nil, err
	}

	pg := store.NewPostgres(tm)
	if err := pg.Migrate(ctx); err != nil {
		tm.Close()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			tm.Close()
			return nil
		},
	})
	return pg, nil
}

func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			NewStore,
		),
	)
}
