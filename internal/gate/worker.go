package gate

import (
	"context"
	"log/slog"
	"time"
)

// QueueDelayRecorder is the metrics sink the worker reports queue delay to.
type QueueDelayRecorder interface {
	RecordGateQueueDelay(delayUs uint64)
}

// Cmd is a gate-open command enqueued by the tracker, carrying its enqueue
// time so the worker can measure how long it waited.
type Cmd struct {
	TrackID    int64
	EnqueuedAt time.Time
}

// queueDelayWarnThreshold is the queue delay above which a backlog warning
// is logged.
const queueDelayWarnThreshold = time.Millisecond

// Worker drains gate-open commands off the tracker hot path and sends them
// through a Controller, recording queue delay (and, when the metrics sink
// supports them, send latency and enqueue-to-send time) so network I/O
// never blocks event processing.
type Worker struct {
	gate    *Controller
	cmdCh   chan Cmd
	metrics QueueDelayRecorder
	log     *slog.Logger
}

// NewWorker creates a Worker with the given command-buffer size.
func NewWorker(gate *Controller, metrics QueueDelayRecorder, bufferSize int, log *slog.Logger) *Worker {
	return &Worker{
		gate:    gate,
		cmdCh:   make(chan Cmd, bufferSize),
		metrics: metrics,
		log:     log,
	}
}

// Enqueue submits a gate-open command for trackID. Returns false if the
// buffer is full; the caller should count this as a dropped command rather
// than block the tracker.
func (w *Worker) Enqueue(trackID int64) bool {
	select {
	case w.cmdCh <- Cmd{TrackID: trackID, EnqueuedAt: time.Now()}:
		return true
	default:
		w.log.Warn("gate_cmd_queue_full", slog.Int64("track_id", trackID))
		return false
	}
}

// Run processes commands until ctx is canceled or the channel is closed.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("gate_cmd_worker_started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info("gate_cmd_worker_stopped")
			return
		case cmd, ok := <-w.cmdCh:
			if !ok {
				w.log.Info("gate_cmd_worker_stopped")
				return
			}
			w.process(ctx, cmd)
		}
	}
}

func (w *Worker) process(ctx context.Context, cmd Cmd) {
	queueDelayUs := uint64(time.Since(cmd.EnqueuedAt).Microseconds())

	sendStart := time.Now()
	sendLatencyUs := w.gate.SendOpenCommand(ctx, cmd.TrackID)
	totalSendUs := uint64(time.Since(sendStart).Microseconds())

	w.log.Info("gate_cmd_processed",
		slog.Int64("track_id", cmd.TrackID),
		slog.Uint64("queue_delay_us", queueDelayUs),
		slog.Uint64("send_latency_us", sendLatencyUs),
		slog.Uint64("total_send_us", totalSendUs))

	w.metrics.RecordGateQueueDelay(queueDelayUs)
	if r, ok := w.metrics.(interface {
		RecordGateSendLatency(latencyUs uint64)
		RecordGateEnqueueToSend(latencyUs uint64)
	}); ok {
		r.RecordGateSendLatency(sendLatencyUs)
		r.RecordGateEnqueueToSend(uint64(time.Since(cmd.EnqueuedAt).Microseconds()))
	}

	if time.Duration(queueDelayUs)*time.Microsecond > queueDelayWarnThreshold {
		w.log.Warn("gate_cmd_queue_delay_high",
			slog.Int64("track_id", cmd.TrackID),
			slog.Uint64("queue_delay_us", queueDelayUs))
	}
}
