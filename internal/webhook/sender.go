// Package webhook delivers finished redemption tasks to the store's callback URL.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/api/schemas"
	"github.com/xkilldash9x/hypeauto/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sender POSTs task results as JSON, retrying transient failures.
type Sender struct {
	httpClient     *http.Client
	logger         *zap.Logger
	maxAttempts    uint
	backoffFactory func() backoff.BackOff
}

// NewSender builds a sender from the webhook configuration.
func NewSender(cfg config.WebhookConfig, logger *zap.Logger) *Sender {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Sender{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		logger:      logger.Named("webhook"),
		maxAttempts: uint(attempts),
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

// Notify delivers task to url. 4xx responses are not retried.
func (s *Sender) Notify(ctx context.Context, url string, task schemas.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	logger := s.logger.With(zap.String("url", url), zap.String("task_id", task.TaskID))

	operation := func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, backoff.Permanent(fmt.Errorf("failed to create webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return 0, fmt.Errorf("failed to send webhook: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("webhook rejected with status %d", resp.StatusCode))
		}
		return resp.StatusCode, nil
	}

	status, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.backoffFactory()),
		backoff.WithMaxTries(s.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Webhook delivery failed, retrying...", zap.Error(err), zap.Duration("next", next))
		}),
	)
	if err != nil {
		return err
	}
	logger.Info("Webhook delivered.", zap.Int("status", status))
	return nil
}
