package handlers

import (
	"context"
	"net/http"
	"strconv"

	"pkt.systems/pslog"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/services"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Pinger is a dependency checked by the liveness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	engine *services.Engine
	events services.EventLog
	deps   map[string]Pinger
	logger pslog.Logger
}

func NewHealthHandler(engine *services.Engine, events services.EventLog, deps map[string]Pinger, logger pslog.Logger) *HealthHandler {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &HealthHandler{engine: engine, events: events, deps: deps, logger: logger}
}

// HandleHealth reports process liveness and the reachability of its stores.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.deps))
	status, code := "healthy", http.StatusOK
	for name, dep := range h.deps {
		if err := dep.Ping(r.Context()); err != nil {
			h.logger.Warn("health.dependency_down", "dependency", name, "error", err)
			checks[name] = "down"
			status, code = "unhealthy", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "up"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// HandleForwardingHealth returns the current forwarding queue snapshot.
func (h *HealthHandler) HandleForwardingHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("forwarding.health_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Error computing forwarding health")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: report})
}

// HandleEvents lists recent forwarding events, newest first.
func (h *HealthHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	events, err := h.events.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("forwarding.events_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Error reading forwarding events")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: events})
}
