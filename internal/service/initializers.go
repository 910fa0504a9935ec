package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/internal/config"
	"github.com/xkilldash9x/hypeauto/internal/store"
	"github.com/xkilldash9x/hypeauto/internal/tasks"
)

// InitializeTaskStore returns the task store selected by cfg. For postgres it also returns the
// connection pool, which the caller must close.
func InitializeTaskStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (tasks.Store, *pgxpool.Pool, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Info("Using in-memory task store. Task history is lost on restart.")
		return tasks.NewMemoryStore(), nil, nil

	case "postgres":
		logger.Info("Initializing PostgreSQL task store.")
		poolConfig, err := pgxpool.ParseConfig(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
		}
		poolConfig.MaxConns = 10
		poolConfig.MinConns = 1
		poolConfig.MaxConnLifetime = 1 * time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
		}

		pgStore, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pgStore, pool, nil
	}

	return nil, nil, fmt.Errorf("unsupported task store driver: %s", cfg.Driver)
}
