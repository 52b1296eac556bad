// Package server exposes the HTTP surface of the bridging engine: event
// ingest, health, and metrics.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/householdiq-systems/householdiq/internal/logging"
	"github.com/householdiq-systems/householdiq/internal/router"
)

// Handler serves the ingest API.
type Handler struct {
	router *router.Router
	logger *logging.Logger
}

// NewHandler creates the HTTP handler layer.
func NewHandler(r *router.Router, logger *logging.Logger) *Handler {
	return &Handler{router: r, logger: logger}
}

// Mux returns the full route table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/events", h.IngestEvent)
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// IngestEvent accepts one tracking event and returns the routing outcome.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req router.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := h.router.Ingest(r.Context(), req)
	if err != nil {
		if errors.Is(err, router.ErrInvalidEvent) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusOK
	if resp.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
