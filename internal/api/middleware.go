package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const apiKeyHeader = "X-Api-Key"

// apiKeyMiddleware rejects requests whose X-Api-Key does not match key.
// An empty key rejects everything unless allowUnauthenticated is set.
func apiKeyMiddleware(key string, allowUnauthenticated bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" || !allowUnauthenticated {
				got := r.Header.Get(apiKeyHeader)
				if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
					writeJSON(w, http.StatusUnauthorized, errorBody{Detail: "invalid API key"})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware enforces limits per API key, or per remote host. Keys are only trusted
// as an identity when byKey is set, that is when the auth check in front validated them.
func rateLimitMiddleware(limiter *Limiter, byKey bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r, byKey)) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorBody{Detail: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request, byKey bool) string {
	if key := r.Header.Get(apiKeyHeader); byKey && key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		}
		if rec.status >= http.StatusInternalServerError {
			h.logger.Warn("Request served.", fields...)
			return
		}
		h.logger.Debug("Request served.", fields...)
	})
}

func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.Error("Handler panicked.",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
