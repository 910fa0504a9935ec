package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/internal/api"
	"github.com/xkilldash9x/hypeauto/internal/browser"
	"github.com/xkilldash9x/hypeauto/internal/config"
	"github.com/xkilldash9x/hypeauto/internal/pool"
	"github.com/xkilldash9x/hypeauto/internal/redeem"
	"github.com/xkilldash9x/hypeauto/internal/tasks"
	"github.com/xkilldash9x/hypeauto/internal/webhook"
)

// ComponentFactory creates the set of components the server runs.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	launcher func(config.Interface, *zap.Logger) browser.Launcher
}

// NewComponentFactory creates a factory that launches real Chrome hosts.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{
		launcher: func(cfg config.Interface, logger *zap.Logger) browser.Launcher {
			return browser.NewChromeLauncher(cfg, logger)
		},
	}
}

// NewEngine builds a redemption engine over a Chrome-backed session pool.
func NewEngine(cfg config.Interface, logger *zap.Logger) *redeem.Engine {
	p := pool.New(browser.NewChromeLauncher(cfg, logger), cfg, logger)
	return redeem.NewEngine(p, cfg, logger)
}

// Create wires the store, engine, webhook sender, task manager and HTTP handler.
// Nothing is started; call Components.Start.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	// 1. Task store
	taskStore, dbPool, err := InitializeTaskStore(ctx, cfg.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize task store: %w", err)
	}
	components.DBPool = dbPool
	logger.Debug("Task store initialized.", zap.String("driver", cfg.Store().Driver))

	// 2. Session pool and engine
	p := pool.New(f.launcher(cfg, logger), cfg, logger)
	engine := redeem.NewEngine(p, cfg, logger)
	components.Engine = engine
	logger.Debug("Redemption engine created.", zap.Int("capacity", p.Capacity()))

	// 3. Webhook sender and task manager
	sender := webhook.NewSender(cfg.Webhook(), logger)
	manager := tasks.NewManager(engine, taskStore, sender, cfg, logger)
	components.Tasks = manager

	// 4. HTTP routes
	components.Handler = api.NewHandler(manager, logger).SetupRoutes(cfg.Server())
	logger.Debug("HTTP routes configured.")

	return components, nil
}
