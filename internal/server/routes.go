package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/handlers"
	"github.com/n3tuk/action-branch-deploy-lock/internal/health"
	"github.com/n3tuk/action-branch-deploy-lock/internal/metrics"
	"github.com/n3tuk/action-branch-deploy-lock/internal/middleware"
)

func setupAPIRoutes(r chi.Router, logger *zap.Logger, locks handlers.LockService) {
	r.Get("/ping", handlePing(logger))

	if locks != nil {
		handlers.NewLockHandlers(locks, logger).Routes(r)
	}
}

func setupProbeRoutes(r chi.Router, logger *zap.Logger, hm *health.Manager, m *metrics.Metrics) {
	r.With(middleware.ProbeMetrics(m, "probe_startup")).Get("/healthz/startup", func(w http.ResponseWriter, r *http.Request) {
		res := hm.GetStartupStatus(r.Context())
		writeProbe(w, logger, res.Status == health.StatusOK, res)
	})
	r.With(middleware.ProbeMetrics(m, "probe_live")).Get("/healthz/live", func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, logger, true, hm.GetLivenessStatus())
	})
	r.With(middleware.ProbeMetrics(m, "probe_ready")).Get("/healthz/ready", func(w http.ResponseWriter, r *http.Request) {
		res := hm.GetReadinessStatus(r.Context())
		writeProbe(w, logger, res.Ready, res)
	})
}

func handlePing(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "pong"})
	}
}

func writeProbe(w http.ResponseWriter, logger *zap.Logger, ok bool, body any) {
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, logger, status, body)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
