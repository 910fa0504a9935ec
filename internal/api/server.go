// Package api exposes the task manager over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/api/schemas"
	"github.com/xkilldash9x/hypeauto/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes caps request bodies; a full batch is well under this.
const maxBodyBytes = 1 << 20

// TaskService is the subset of tasks.Manager the handlers need.
type TaskService interface {
	Submit(ctx context.Context, req schemas.RedeemRequest) (schemas.Task, error)
	SubmitBatch(ctx context.Context, reqs []schemas.RedeemRequest) ([]schemas.Task, error)
	RedeemSync(ctx context.Context, req schemas.RedeemRequest) (schemas.Task, error)
	Get(ctx context.Context, id string) (schemas.Task, error)
	Health() schemas.Health
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	tasks  TaskService
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler.
func NewHandler(tasks TaskService, logger *zap.Logger) *Handler {
	return &Handler{
		tasks:  tasks,
		logger: logger.Named("api"),
	}
}

// SetupRoutes configures all HTTP routes. /health is the only unauthenticated route.
func (h *Handler) SetupRoutes(cfg config.ServerConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.recoverMiddleware, h.loggingMiddleware)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	if err := cfg.CheckAuth(); err != nil {
		h.logger.Error("No API key configured, redemption endpoints reject every request.", zap.Error(err))
	} else if cfg.APIKey == "" {
		h.logger.Warn("Unauthenticated access enabled, redemption endpoints are open.")
	}

	protected := r.NewRoute().Subrouter()
	protected.Use(apiKeyMiddleware(cfg.APIKey, cfg.AllowUnauthenticated))
	if cfg.RateLimit > 0 {
		protected.Use(rateLimitMiddleware(NewLimiter(cfg.RateLimit, cfg.RateBurst), cfg.APIKey != ""))
	}

	protected.HandleFunc("/redeem", h.Redeem).Methods(http.MethodPost)
	protected.HandleFunc("/redeem/sync", h.RedeemSync).Methods(http.MethodPost)
	protected.HandleFunc("/redeem/batch", h.RedeemBatch).Methods(http.MethodPost)
	protected.HandleFunc("/task/{task_id}", h.GetTask).Methods(http.MethodGet)

	return r
}

// NewServer wraps handler in an http.Server using the configured address and timeouts.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
