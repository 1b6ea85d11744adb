// Package tracker is the gateway's central event processor. It owns every
// person currently in the store, dispatches each fused sensor/payment/door
// event to the handler that updates that state, and ticks the journey
// manager once a second to release completed journeys to egress.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/timour/edge-gateway/internal/acccollector"
	"github.com/timour/edge-gateway/internal/config"
	"github.com/timour/edge-gateway/internal/domain"
	"github.com/timour/edge-gateway/internal/doorcorrelator"
	"github.com/timour/edge-gateway/internal/egress"
	"github.com/timour/edge-gateway/internal/gate"
	"github.com/timour/edge-gateway/internal/journeymgr"
	"github.com/timour/edge-gateway/internal/metrics"
	"github.com/timour/edge-gateway/internal/posocc"
	"github.com/timour/edge-gateway/internal/reentry"
	"github.com/timour/edge-gateway/internal/stitcher"
)

// tickInterval is how often the journey manager is ticked for egress.
const tickInterval = time.Second

// Tracker fuses track, zone, line, door, and payment events into
// per-customer journeys, opening the gate when a journey is authorized and
// its current track enters the gate zone.
type Tracker struct {
	persons map[int64]domain.Person

	stitcher        *stitcher.Stitcher
	journeys        *journeymgr.Manager
	doorCorrelator  *doorcorrelator.Correlator
	reentryDetector *reentry.Detector
	occupancy       *posocc.Occupancy
	accCollector    *acccollector.Collector

	config     *config.Config
	gateWorker *gate.Worker
	metrics    *metrics.Metrics

	writer  *egress.Writer
	mqttPub *egress.MqttPublisher
	rabbit  *egress.RabbitBroadcaster

	log *slog.Logger
}

// New builds a Tracker. writer, mqttPub, and rabbit may each be nil,
// disabling that egress sink; a production gateway normally runs all three.
func New(
	cfg *config.Config,
	gateWorker *gate.Worker,
	m *metrics.Metrics,
	writer *egress.Writer,
	mqttPub *egress.MqttPublisher,
	rabbit *egress.RabbitBroadcaster,
	log *slog.Logger,
) *Tracker {
	occupancy := posocc.New(cfg.ExitGrace(), cfg.MinDwellMs())

	return &Tracker{
		persons: make(map[int64]domain.Person),

		stitcher:        stitcher.New(m, log),
		journeys:        journeymgr.New(),
		doorCorrelator:  doorcorrelator.New(log),
		reentryDetector: reentry.New(log),
		occupancy:       occupancy,
		accCollector:    acccollector.New(occupancy, cfg.PosIPToZoneID(), log),

		config:     cfg,
		gateWorker: gateWorker,
		metrics:    m,

		writer:  writer,
		mqttPub: mqttPub,
		rabbit:  rabbit,

		log: log,
	}
}

// Run consumes events until ctx is canceled or events closes, ticking the
// journey manager for egress once a second in between.
func (t *Tracker) Run(ctx context.Context, events <-chan domain.ParsedEvent) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	t.log.Info("tracker_started")

	for {
		select {
		case <-ctx.Done():
			t.log.Info("tracker_stopped")
			return
		case e, ok := <-events:
			if !ok {
				t.log.Info("tracker_stopped")
				return
			}
			t.processEvent(e)
		case <-ticker.C:
			t.tickAndEgress(ctx)
		}
	}
}

// processEvent dispatches a single event to its handler, recording
// processing latency on the hot path regardless of event type.
func (t *Tracker) processEvent(e domain.ParsedEvent) {
	start := time.Now()

	switch e.Type {
	case domain.EventTrackCreate:
		t.handleTrackCreate(e)
	case domain.EventTrackDelete:
		t.handleTrackDelete(e)
	case domain.EventZoneEntry:
		t.handleZoneEntry(e)
	case domain.EventZoneExit:
		t.handleZoneExit(e)
	case domain.EventLineCrossForward:
		t.handleLineCross(e, "forward")
	case domain.EventLineCrossBackward:
		t.handleLineCross(e, "backward")
	case domain.EventDoorStateChange:
		t.handleDoorStateChange(e.Door)
	case domain.EventAccEvent:
		t.handleAccEvent(e.AccSourceIP)
	}

	t.metrics.RecordEventProcessed(uint64(time.Since(start).Microseconds()))
}

// tickAndEgress releases journeys whose egress delay has elapsed to every
// configured sink. Each sink is independent: a nil mqttPub or rabbit simply
// skips that fan-out, matching whichever egress sinks main wired up. Returns
// the released journeys.
func (t *Tracker) tickAndEgress(ctx context.Context) []*domain.Journey {
	ready := t.journeys.Tick()
	if len(ready) == 0 {
		return ready
	}

	for _, j := range ready {
		if t.writer != nil {
			t.writer.Enqueue(*j)
		}

		if t.mqttPub == nil && t.rabbit == nil {
			continue
		}

		body, err := j.ToJSONWithSite(t.config.SiteID)
		if err != nil {
			t.log.Error("journey_egress_marshal_failed", slog.String("jid", j.Jid), slog.Any("error", err))
			continue
		}

		if t.mqttPub != nil {
			t.mqttPub.Enqueue(egress.Message{Kind: egress.KindJourney, Journey: body})
		}
		if t.rabbit != nil {
			t.rabbit.Publish(ctx, j.Jid, body)
		}
	}
	return ready
}

// ActiveTracks returns the number of persons currently tracked.
func (t *Tracker) ActiveTracks() int { return len(t.persons) }

// AuthorizedTracks returns the number of currently tracked persons whose
// journey has been authorized.
func (t *Tracker) AuthorizedTracks() int {
	n := 0
	for _, p := range t.persons {
		if p.Authorized {
			n++
		}
	}
	return n
}

// TickJourneys ticks the journey manager and sends every released journey
// to the configured sinks, used by the admin plane to force-flush egress
// outside the normal one-second cadence. Returns the released journeys.
func (t *Tracker) TickJourneys() []*domain.Journey {
	return t.tickAndEgress(context.Background())
}
