// Package httpapi is the gateway's HTTP control surface: Prometheus scrape
// endpoint, a liveness probe, and a manual gate-open override for ops.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timour/edge-gateway/internal/domain"
	"github.com/timour/edge-gateway/internal/gate"
	"github.com/timour/edge-gateway/internal/metrics"
)

// TrackerView is the subset of *tracker.Tracker the HTTP surface needs.
type TrackerView interface {
	ActiveTracks() int
	AuthorizedTracks() int
	TickJourneys() []*domain.Journey
}

// Handler serves /health, /metrics, and POST /gate/open.
type Handler struct {
	tracker    TrackerView
	metrics    *metrics.Metrics
	gateWorker *gate.Worker
	log        *slog.Logger
}

// New builds a Handler.
func New(tracker TrackerView, m *metrics.Metrics, gateWorker *gate.Worker, log *slog.Logger) *Handler {
	return &Handler{tracker: tracker, metrics: m, gateWorker: gateWorker, log: log}
}

// RegisterRoutes attaches the handler's routes to router.
func (h *Handler) RegisterRoutes(router *http.ServeMux) {
	router.HandleFunc("/health", h.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/gate/open", h.handleGateOpen)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := h.metrics.Report(h.tracker.ActiveTracks(), h.tracker.AuthorizedTracks())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":            "ok",
		"active_tracks":     summary.ActiveTracks,
		"authorized_tracks": summary.AuthorizedTracks,
	})
}

// handleGateOpen accepts POST /gate/open?track_id=123 and enqueues a
// gate-open command for that track outside the normal authorized-journey
// flow, for manual ops overrides (stuck door, sensor outage).
func (h *Handler) handleGateOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	trackID, err := strconv.ParseInt(r.URL.Query().Get("track_id"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid or missing track_id"})
		return
	}

	ok := h.gateWorker.Enqueue(trackID)
	h.log.Info("http_force_gate_open", slog.Int64("track_id", trackID), slog.Bool("enqueued", ok))
	if ok {
		h.metrics.RecordGateCommand()
	} else {
		h.metrics.RecordGateCmdDropped()
	}

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "gate command queue full"})
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"enqueued": true})
}
