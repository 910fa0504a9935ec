// Package redeem runs PIN redemptions against the merchant site on pooled browser sessions.
package redeem

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/hypeauto/api/schemas"
	"github.com/xkilldash9x/hypeauto/internal/browser"
	"github.com/xkilldash9x/hypeauto/internal/config"
	"github.com/xkilldash9x/hypeauto/internal/observability"
)

// SessionPool is the part of pool.Pool the engine depends on.
type SessionPool interface {
	Initialize(ctx context.Context) error
	Acquire(ctx context.Context) (browser.Session, error)
	Release(ctx context.Context, sess browser.Session)
	Shutdown(ctx context.Context)
	Stats() schemas.PoolStats
	Capacity() int
}

// Engine admits redemption attempts through a gate sized to the pool capacity and runs
// each one on its own leased session.
type Engine struct {
	pool   SessionPool
	gate   *semaphore.Weighted
	cfg    config.RedeemConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine builds an engine over the given pool.
func NewEngine(p SessionPool, cfg config.Interface, logger *zap.Logger) *Engine {
	return &Engine{
		pool:   p,
		gate:   semaphore.NewWeighted(int64(p.Capacity())),
		cfg:    cfg.Redeem(),
		logger: logger.Named("redeem"),
		now:    time.Now,
	}
}

// Initialize starts the browser hosts and pre-warms the pool.
func (e *Engine) Initialize(ctx context.Context) error {
	return e.pool.Initialize(ctx)
}

// Shutdown tears down the pool.
func (e *Engine) Shutdown(ctx context.Context) {
	e.pool.Shutdown(ctx)
}

// Stats reports pool occupancy.
func (e *Engine) Stats() schemas.PoolStats {
	return e.pool.Stats()
}

// RedeemPIN redeems pin for the given game account and always returns a classified outcome.
//
// ctx only bounds the wait for a free slot. Once admitted, the attempt runs to completion
// even if ctx is cancelled, since abandoning it mid-protocol could leave the PIN consumed
// without anyone learning the result.
func (e *Engine) RedeemPIN(ctx context.Context, pin, accountID string) schemas.Outcome {
	start := e.now()
	logger := e.logger.With(observability.PIN(pin))

	if err := e.gate.Acquire(ctx, 1); err != nil {
		logger.Warn("Redemption not admitted.", zap.Error(err))
		out := schemas.Failed(pin, schemas.ErrorTimeout, "no redemption slot available: "+err.Error(), true)
		return e.finish(out, start)
	}
	defer e.gate.Release(1)

	attemptCtx := context.WithoutCancel(ctx)
	sess, err := e.pool.Acquire(attemptCtx)
	if err != nil {
		kind, returnPIN := ClassifyError(err)
		logger.Error("Failed to lease a browser session.", zap.Error(err))
		return e.finish(schemas.Failed(pin, kind, err.Error(), returnPIN), start)
	}
	defer e.pool.Release(attemptCtx, sess)

	out := newMachine(sess, e.cfg, logger, e.now, pin, accountID).run(attemptCtx)
	out = e.finish(out, start)
	logger.Info("Redemption finished.",
		zap.Bool("success", out.Success),
		zap.String("error", out.ErrorKind.String()),
		zap.Bool("return_pin", out.ReturnPIN),
		zap.Int64("duration_ms", out.DurationMs),
	)
	return out
}

func (e *Engine) finish(out schemas.Outcome, start time.Time) schemas.Outcome {
	out.DurationMs = e.now().Sub(start).Milliseconds()
	return out
}
