package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"pkt.systems/pslog"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/breaker"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
)

type BreakerHandler struct {
	breakers *breaker.StateStore
	observer *breaker.Observer
	logger   pslog.Logger
}

func NewBreakerHandler(breakers *breaker.StateStore, observer *breaker.Observer, logger pslog.Logger) *BreakerHandler {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &BreakerHandler{breakers: breakers, observer: observer, logger: logger}
}

type breakerList struct {
	Success     bool                    `json:"success"`
	Data        []models.CircuitBreaker `json:"data"`
	Observation *breaker.Evaluation     `json:"observation,omitempty"`
}

// HandleList lists breakers, optionally filtered by ?tenant_id=. A tenant
// filter also reports the observer's current evaluation when enabled.
func (h *BreakerHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var tenantID *int64
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 1 {
			writeError(w, http.StatusBadRequest, "tenant_id must be a positive integer")
			return
		}
		tenantID = &id
	}

	list, err := h.breakers.List(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("circuit_breakers.list_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Error listing circuit breakers")
		return
	}
	resp := breakerList{Success: true, Data: list}
	if tenantID != nil {
		resp.Observation = h.observer.Evaluate(r.Context(), *tenantID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleReset force-closes a breaker.
func (h *BreakerHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "circuit breaker id must be an integer")
		return
	}

	cb, err := h.breakers.Reset(r.Context(), id)
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "Circuit breaker not found")
		return
	case errors.Is(err, breaker.ErrConflict):
		writeError(w, http.StatusConflict, "Circuit breaker is being updated, try again")
		return
	case err != nil:
		h.logger.Error("circuit_breakers.reset_failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Error resetting circuit breaker")
		return
	}

	h.logger.Info("circuit_breakers.reset", "id", id, "service", cb.ServiceName, "tenant_id", cb.TenantID)
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Circuit breaker reset", Data: cb})
}
