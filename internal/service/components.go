package service

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/internal/api"
	"github.com/xkilldash9x/hypeauto/internal/tasks"
)

// Engine is the redemption engine lifecycle as seen by the service layer.
type Engine interface {
	tasks.Redeemer
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context)
}

// TaskManager is the task layer lifecycle plus the operations the API serves.
type TaskManager interface {
	api.TaskService
	Start()
	Shutdown(ctx context.Context) error
}

// Components holds every initialized service the server needs and owns their lifecycle.
type Components struct {
	Engine  Engine
	Tasks   TaskManager
	Handler http.Handler
	DBPool  *pgxpool.Pool

	logger *zap.Logger
}

// Start warms the session pool and launches the task janitor.
func (c *Components) Start(ctx context.Context) error {
	if err := c.Engine.Initialize(ctx); err != nil {
		return err
	}
	c.Tasks.Start()
	return nil
}

// Shutdown releases resources in dependency order: tasks drain before the engine closes
// its browsers, and the database goes last. If the drain misses ctx, the engine and database
// stay open so running redemptions can finish and record their results.
func (c *Components) Shutdown(ctx context.Context) {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop accepting tasks and wait for in-flight redemptions.
	if c.Tasks != nil {
		if err := c.Tasks.Shutdown(ctx); err != nil {
			logger.Error("Redemptions still running after the shutdown deadline, leaving engine and database open.", zap.Error(err))
			return
		}
		logger.Debug("Task manager shut down.")
	}

	// 2. Close sessions and browser hosts.
	if c.Engine != nil {
		c.Engine.Shutdown(ctx)
		logger.Debug("Redemption engine shut down.")
	}

	// 3. Close the database connection pool.
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
}
