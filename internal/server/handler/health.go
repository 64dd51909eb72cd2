package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// pingTimeout bounds each dependency check.
const pingTimeout = 2 * time.Second

// Pinger is a dependency the health check probes (Redis, Postgres).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks map[string]Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks maps a dependency name to
// its probe; nil entries are ignored.
func NewHealthHandler(checks map[string]Pinger, logger *slog.Logger) *HealthHandler {
	live := make(map[string]Pinger, len(checks))
	for name, p := range checks {
		if p != nil {
			live[name] = p
		}
	}
	return &HealthHandler{checks: live, logger: logHandler(logger, "health")}
}

// HealthCheck reports "ok" when every dependency answers, otherwise
// "degraded" with a 503 and the failing dependency errors.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	deps := make(map[string]string, len(names))
	status, code := "ok", http.StatusOK
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := h.checks[name].Ping(ctx)
		cancel()
		if err != nil {
			h.logger.WarnContext(r.Context(), "dependency unhealthy",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
