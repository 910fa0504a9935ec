package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/api/schemas"
	"github.com/xkilldash9x/hypeauto/internal/tasks"
)

type errorBody struct {
	Detail string `json:"detail"`
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tasks.Health())
}

// Redeem handles POST /redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req schemas.RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	task, err := h.tasks.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// RedeemSync handles POST /redeem/sync
func (h *Handler) RedeemSync(w http.ResponseWriter, r *http.Request) {
	var req schemas.RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	task, err := h.tasks.RedeemSync(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// RedeemBatch handles POST /redeem/batch
func (h *Handler) RedeemBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []schemas.RedeemRequest
	if !h.decode(w, r, &reqs) {
		return
	}
	out, err := h.tasks.SubmitBatch(r.Context(), reqs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetTask handles GET /task/{task_id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), mux.Vars(r)["task_id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps task layer errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *tasks.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: verr.Error()})
	case errors.Is(err, tasks.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "task not found"})
	case errors.Is(err, tasks.ErrEmptyBatch), errors.Is(err, tasks.ErrBatchTooLarge):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: err.Error()})
	case errors.Is(err, tasks.ErrShutdown):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: err.Error()})
	default:
		h.logger.Error("Request failed.", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
