package adminpb

import (
	"context"
	"log/slog"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/timour/edge-gateway/internal/domain"
	"github.com/timour/edge-gateway/internal/gate"
	"github.com/timour/edge-gateway/internal/metrics"
)

// TrackerView is the subset of *tracker.Tracker the admin plane needs,
// declared narrowly here so adminpb doesn't import tracker (which would
// import gate, which adminpb also imports directly for ForceGateOpen).
type TrackerView interface {
	ActiveTracks() int
	AuthorizedTracks() int
	TickJourneys() []*domain.Journey
}

// Handler implements AdminServiceServer against a live tracker, its
// metrics, and the gate worker.
type Handler struct {
	tracker    TrackerView
	metrics    *metrics.Metrics
	gateWorker *gate.Worker
	siteID     string
	log        *slog.Logger
}

// New builds a Handler.
func New(tracker TrackerView, m *metrics.Metrics, gateWorker *gate.Worker, siteID string, log *slog.Logger) *Handler {
	return &Handler{tracker: tracker, metrics: m, gateWorker: gateWorker, siteID: siteID, log: log}
}

// GetStatus reports the gateway's live tracking and throughput summary.
func (h *Handler) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	summary := h.metrics.Report(h.tracker.ActiveTracks(), h.tracker.AuthorizedTracks())

	return structpb.NewStruct(map[string]any{
		"site_id":            h.siteID,
		"active_tracks":      float64(summary.ActiveTracks),
		"authorized_tracks":  float64(summary.AuthorizedTracks),
		"events_total":       float64(summary.EventsTotal),
		"events_per_sec":     summary.EventsPerSec,
		"gate_commands_sent": float64(summary.GateCommandsSent),
		"acc_matched_total":  float64(summary.AccMatchedTotal),
		"stitch_matched":     float64(summary.StitchMatchedTotal),
		"stitch_expired":     float64(summary.StitchExpiredTotal),
	})
}

// ForceGateOpen enqueues a gate-open command for trackID outside the normal
// authorized-journey flow, for ops-driven manual overrides.
func (h *Handler) ForceGateOpen(ctx context.Context, trackID *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	ok := h.gateWorker.Enqueue(trackID.GetValue())
	h.log.Info("admin_force_gate_open", slog.Int64("track_id", trackID.GetValue()), slog.Bool("enqueued", ok))
	if ok {
		h.metrics.RecordGateCommand()
	} else {
		h.metrics.RecordGateCmdDropped()
	}
	return &emptypb.Empty{}, nil
}

// FlushJourneys force-ticks the journey manager, releasing any journey
// whose egress delay has already elapsed, and returns how many were sent.
func (h *Handler) FlushJourneys(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int32Value, error) {
	n := len(h.tracker.TickJourneys())
	h.log.Info("admin_flush_journeys", slog.Int("count", n))
	return wrapperspb.Int32(int32(n)), nil
}
