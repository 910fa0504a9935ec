// Package tasks turns redemption requests into tracked tasks, runs them in the background or
// inline, and reports their results by polling and webhook.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/api/schemas"
	"github.com/xkilldash9x/hypeauto/internal/config"
	"github.com/xkilldash9x/hypeauto/internal/observability"
)

var (
	ErrShutdown      = errors.New("task manager is shutting down")
	ErrBatchTooLarge = errors.New("batch exceeds the maximum size")
	ErrEmptyBatch    = errors.New("batch is empty")
)

// ValidationError reports a request field that is missing or malformed.
type ValidationError struct {
	Index int // position in a batch, -1 for single requests
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("request %d: %s: %s", e.Index, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// Redeemer runs one redemption and always returns a classified outcome.
type Redeemer interface {
	RedeemPIN(ctx context.Context, pin, accountID string) schemas.Outcome
	Stats() schemas.PoolStats
}

// Notifier delivers a finished task to a webhook.
type Notifier interface {
	Notify(ctx context.Context, url string, task schemas.Task) error
}

// Manager owns the task lifecycle.
type Manager struct {
	redeemer   Redeemer
	store      Store
	notifier   Notifier
	logger     *zap.Logger
	webhookURL string
	maxBatch   int
	ttl        time.Duration

	// lifetime is the parent of background work; it outlives any single request.
	lifetime context.Context
	stop     context.CancelFunc
	work     sync.WaitGroup
	janitor  sync.WaitGroup
	mu       sync.RWMutex // orders work.Add against Shutdown
	closed   atomic.Bool

	queued atomic.Int64
	active atomic.Int64

	newID func() string
	now   func() time.Time
}

// NewManager wires a manager. notifier may be nil to disable webhooks.
func NewManager(r Redeemer, store Store, notifier Notifier, cfg config.Interface, logger *zap.Logger) *Manager {
	lifetime, stop := context.WithCancel(context.Background())
	return &Manager{
		redeemer:   r,
		store:      store,
		notifier:   notifier,
		logger:     logger.Named("tasks"),
		webhookURL: cfg.Webhook().URL,
		maxBatch:   cfg.Server().MaxBatch,
		ttl:        cfg.Store().TaskTTL,
		lifetime:   lifetime,
		stop:       stop,
		newID:      func() string { return uuid.NewString()[:8] },
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the janitor that purges expired tasks. It is a no-op when no TTL is set.
func (m *Manager) Start() {
	if m.ttl <= 0 {
		return
	}
	interval := m.ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	m.janitor.Add(1)
	go func() {
		defer m.janitor.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.lifetime.Done():
				return
			case <-ticker.C:
				m.purge(m.lifetime)
			}
		}
	}()
}

func (m *Manager) purge(ctx context.Context) {
	n, err := m.store.Purge(ctx, m.now().Add(-m.ttl))
	if err != nil {
		m.logger.Warn("Failed to purge expired tasks.", zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Debug("Purged expired tasks.", zap.Int64("count", n))
	}
}

// Validate checks a request before any work is queued for it.
func Validate(req schemas.RedeemRequest) error {
	return validate(req, -1)
}

func validate(req schemas.RedeemRequest, index int) error {
	if strings.TrimSpace(req.PIN) == "" {
		return &ValidationError{Index: index, Field: "pin", Msg: "field required"}
	}
	if strings.TrimSpace(req.GameAccountID) == "" {
		return &ValidationError{Index: index, Field: "game_account_id", Msg: "field required"}
	}
	return nil
}

// Submit queues a redemption and returns the queued task immediately.
func (m *Manager) Submit(ctx context.Context, req schemas.RedeemRequest) (schemas.Task, error) {
	if err := Validate(req); err != nil {
		return schemas.Task{}, err
	}
	return m.enqueue(ctx, req)
}

// SubmitBatch queues every request of a batch. Nothing is queued if any request is invalid.
func (m *Manager) SubmitBatch(ctx context.Context, reqs []schemas.RedeemRequest) ([]schemas.Task, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	if m.maxBatch > 0 && len(reqs) > m.maxBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(reqs), m.maxBatch)
	}
	for i, req := range reqs {
		if err := validate(req, i); err != nil {
			return nil, err
		}
	}

	out := make([]schemas.Task, 0, len(reqs))
	for _, req := range reqs {
		task, err := m.enqueue(ctx, req)
		if err != nil {
			return out, err
		}
		out = append(out, task)
	}
	m.logger.Info("Batch queued.", zap.Int("count", len(out)))
	return out, nil
}

func (m *Manager) enqueue(ctx context.Context, req schemas.RedeemRequest) (schemas.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed.Load() {
		return schemas.Task{}, ErrShutdown
	}

	task := schemas.NewTask(m.newID(), req, m.now())
	if err := m.store.Save(ctx, *task); err != nil {
		return schemas.Task{}, fmt.Errorf("failed to store task: %w", err)
	}

	m.queued.Add(1)
	m.work.Add(1)
	go m.process(*task)

	m.logger.Info("Redemption queued.",
		zap.String("task_id", task.TaskID),
		observability.PIN(req.PIN),
		zap.String("game_account_id", req.GameAccountID),
	)
	return *task, nil
}

// process runs a queued task to completion on the manager's lifetime context.
func (m *Manager) process(task schemas.Task) {
	defer m.work.Done()
	ctx := m.lifetime
	// Results are recorded even after Shutdown cancels lifetime: the PIN may be consumed.
	record := context.WithoutCancel(m.lifetime)
	logger := m.logger.With(zap.String("task_id", task.TaskID))

	dequeued := false
	defer func() {
		if r := recover(); r != nil {
			if !dequeued {
				m.queued.Add(-1)
			}
			logger.Error("Task processing panicked.", zap.Any("panic", r))
			m.markInternalFailure(record, task, fmt.Errorf("panic: %v", r))
		}
	}()

	task.Status = schemas.TaskProcessing
	task.UpdatedAt = m.now()
	m.queued.Add(-1)
	dequeued = true
	if err := m.store.Save(ctx, task); err != nil {
		logger.Error("Failed to mark task processing.", zap.Error(err))
		m.markInternalFailure(record, task, err)
		return
	}

	task = m.run(ctx, task)
	if err := m.store.Save(record, task); err != nil {
		logger.Error("Failed to store task result.", zap.Error(err))
	}
	m.notify(record, task)
}

// run redeems the task's PIN and applies the outcome.
func (m *Manager) run(ctx context.Context, task schemas.Task) schemas.Task {
	m.active.Add(1)
	defer m.active.Add(-1)

	out := m.redeemer.RedeemPIN(ctx, task.PIN, task.GameAccountID)
	task.Apply(out, m.now())
	return task
}

// markInternalFailure records a failure of the task machinery itself. The redemption may
// not have started, so the PIN is returned.
func (m *Manager) markInternalFailure(ctx context.Context, task schemas.Task, cause error) {
	task.Status = schemas.TaskFailed
	task.ErrorKind = schemas.ErrorUnknown
	task.ErrorMessage = "internal error: " + cause.Error()
	task.ReturnPIN = true
	task.UpdatedAt = m.now()
	if err := m.store.Save(ctx, task); err != nil {
		m.logger.Error("Failed to store task failure.", zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

// RedeemSync runs a redemption inline and returns the finished task. The webhook, if any,
// is delivered before returning.
func (m *Manager) RedeemSync(ctx context.Context, req schemas.RedeemRequest) (schemas.Task, error) {
	if err := Validate(req); err != nil {
		return schemas.Task{}, err
	}
	m.mu.RLock()
	if m.closed.Load() {
		m.mu.RUnlock()
		return schemas.Task{}, ErrShutdown
	}
	m.work.Add(1)
	m.mu.RUnlock()
	defer m.work.Done()

	task := *schemas.NewTask(m.newID(), req, m.now())
	task.Status = schemas.TaskProcessing
	m.logger.Info("Synchronous redemption.", zap.String("task_id", task.TaskID), observability.PIN(req.PIN))

	task = m.run(ctx, task)

	// The PIN may be consumed already; the result is recorded even if the caller left.
	detached := context.WithoutCancel(ctx)
	if err := m.store.Save(detached, task); err != nil {
		m.logger.Error("Failed to store task result.", zap.String("task_id", task.TaskID), zap.Error(err))
	}
	m.notify(detached, task)
	return task, nil
}

func (m *Manager) notify(ctx context.Context, task schemas.Task) {
	url := task.WebhookURL
	if url == "" {
		url = m.webhookURL
	}
	if url == "" || m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, url, task); err != nil {
		m.logger.Error("Webhook delivery failed.", zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

// Get returns a task by id.
func (m *Manager) Get(ctx context.Context, id string) (schemas.Task, error) {
	return m.store.Get(ctx, id)
}

// Health reports queue and pool occupancy.
func (m *Manager) Health() schemas.Health {
	stats := m.redeemer.Stats()
	status := "ok"
	if m.closed.Load() {
		status = "shutting_down"
	}
	return schemas.Health{
		Status:        status,
		QueueSize:     int(max(m.queued.Load(), 0)),
		ActiveTasks:   int(m.active.Load()),
		MaxConcurrent: stats.Capacity,
		IdleSessions:  stats.Idle,
		TotalCapacity: stats.Capacity,
	}
}

// Shutdown stops accepting work and waits for background and synchronous redemptions to
// finish or ctx to end. When ctx ends first, the error is returned and the remaining
// redemptions keep running; their results are still stored. Calling Shutdown again waits
// for them once more.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	first := !m.closed.Swap(true)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.work.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		if first {
			m.logger.Info("Task manager drained.")
		}
	case <-ctx.Done():
		err = fmt.Errorf("task manager shutdown: %w", ctx.Err())
	}
	if first {
		m.stop()
		m.janitor.Wait()
	}
	return err
}
