package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/hypeauto/api/schemas"
	"github.com/xkilldash9x/hypeauto/internal/config"
)

func newTestSender(t *testing.T, attempts int) *Sender {
	t.Helper()
	s := NewSender(config.WebhookConfig{Timeout: 2 * time.Second, MaxAttempts: attempts}, zaptest.NewLogger(t))
	s.backoffFactory = func() backoff.BackOff {
		return backoff.NewConstantBackOff(5 * time.Millisecond)
	}
	return s
}

func testTask() schemas.Task {
	return schemas.Task{
		TaskID:        "a1b2c3d4",
		Status:        schemas.TaskSuccess,
		PIN:           "PIN-1",
		GameAccountID: "123",
		Nickname:      "ProGamer",
		Diamonds:      5000,
		WebhookURL:    "https://secret.example/hook",
	}
}

func TestNotify_DeliversJSON(t *testing.T) {
	var got map[string]any
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := newTestSender(t, 3).Notify(context.Background(), server.URL, testTask())
	require.NoError(t, err)

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "a1b2c3d4", got["task_id"])
	assert.Equal(t, "success", got["status"])
	assert.Equal(t, float64(5000), got["diamonds"])
	assert.Equal(t, false, got["return_pin"])
	assert.NotContains(t, got, "webhook_url", "the callback URL is never echoed")
}

func TestNotify_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := newTestSender(t, 3).Notify(context.Background(), server.URL, testTask())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotify_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := newTestSender(t, 2).Notify(context.Background(), server.URL, testTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotify_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	err := newTestSender(t, 5).Notify(context.Background(), server.URL, testTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNotify_TransportErrorAndBadURL(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := newTestSender(t, 2).Notify(context.Background(), url, testTask())
	assert.Error(t, err)

	err = newTestSender(t, 3).Notify(context.Background(), "://bad", testTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create webhook request")
}

func TestNotify_StopsOnContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := newTestSender(t, 100)
	s.backoffFactory = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Notify(ctx, server.URL, testTask())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
