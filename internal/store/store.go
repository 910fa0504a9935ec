package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/api/schemas"
	"github.com/xkilldash9x/hypeauto/internal/tasks"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
        CREATE TABLE IF NOT EXISTS redeem_tasks (
            task_id         TEXT PRIMARY KEY,
            status          TEXT NOT NULL,
            pin             TEXT NOT NULL,
            game_account_id TEXT NOT NULL,
            order_id        TEXT NOT NULL DEFAULT '',
            nickname        TEXT NOT NULL DEFAULT '',
            product_name    TEXT NOT NULL DEFAULT '',
            diamonds        INTEGER NOT NULL DEFAULT 0,
            redeemed_at     TIMESTAMPTZ,
            error_kind      TEXT NOT NULL DEFAULT '',
            error_message   TEXT NOT NULL DEFAULT '',
            return_pin      BOOLEAN NOT NULL DEFAULT FALSE,
            duration_ms     BIGINT NOT NULL DEFAULT 0,
            webhook_url     TEXT NOT NULL DEFAULT '',
            created_at      TIMESTAMPTZ NOT NULL,
            updated_at      TIMESTAMPTZ NOT NULL
        );
        CREATE INDEX IF NOT EXISTS redeem_tasks_updated_at_idx ON redeem_tasks (updated_at);
    `

const upsertSQL = `
        INSERT INTO redeem_tasks (task_id, status, pin, game_account_id, order_id, nickname, product_name,
            diamonds, redeemed_at, error_kind, error_message, return_pin, duration_ms, webhook_url, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        ON CONFLICT (task_id) DO UPDATE SET
            status = EXCLUDED.status,
            nickname = EXCLUDED.nickname,
            product_name = EXCLUDED.product_name,
            diamonds = EXCLUDED.diamonds,
            redeemed_at = EXCLUDED.redeemed_at,
            error_kind = EXCLUDED.error_kind,
            error_message = EXCLUDED.error_message,
            return_pin = EXCLUDED.return_pin,
            duration_ms = EXCLUDED.duration_ms,
            updated_at = EXCLUDED.updated_at;
    `

const selectSQL = `
        SELECT task_id, status, pin, game_account_id, order_id, nickname, product_name,
            diamonds, redeemed_at, error_kind, error_message, return_pin, duration_ms, webhook_url, created_at, updated_at
        FROM redeem_tasks
        WHERE task_id = $1;
    `

const purgeSQL = `
        DELETE FROM redeem_tasks
        WHERE updated_at < $1 AND status IN ('success', 'failed');
    `

// Store persists redemption tasks in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ tasks.Store = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the task table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save inserts or updates a task.
func (s *Store) Save(ctx context.Context, t schemas.Task) error {
	var redeemedAt *time.Time
	if t.RedeemedAt != nil {
		utc := t.RedeemedAt.UTC()
		redeemedAt = &utc
	}

	_, err := s.pool.Exec(ctx, upsertSQL,
		t.TaskID, string(t.Status), t.PIN, t.GameAccountID, t.OrderID, t.Nickname, t.ProductName,
		t.Diamonds, redeemedAt, string(t.ErrorKind), t.ErrorMessage, t.ReturnPIN, t.DurationMs, t.WebhookURL,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.TaskID, err)
	}
	return nil
}

// Get loads a task by id. A missing task yields tasks.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (schemas.Task, error) {
	rows, err := s.pool.Query(ctx, selectSQL, id)
	if err != nil {
		return schemas.Task{}, fmt.Errorf("failed to query task: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return schemas.Task{}, fmt.Errorf("error during row iteration: %w", err)
		}
		return schemas.Task{}, tasks.ErrNotFound
	}

	var t schemas.Task
	var status, errorKind string
	err = rows.Scan(
		&t.TaskID, &status, &t.PIN, &t.GameAccountID, &t.OrderID, &t.Nickname, &t.ProductName,
		&t.Diamonds, &t.RedeemedAt, &errorKind, &t.ErrorMessage, &t.ReturnPIN, &t.DurationMs, &t.WebhookURL,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return schemas.Task{}, fmt.Errorf("failed to scan task row: %w", err)
	}
	t.Status = schemas.TaskStatus(status)
	t.ErrorKind = schemas.ErrorKind(errorKind)
	return t, nil
}

// Purge deletes finished tasks last updated before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, purgeSQL, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge tasks: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Debug("Purged finished tasks.", zap.Int64("count", n))
	}
	return tag.RowsAffected(), nil
}
