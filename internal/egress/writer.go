// Package egress decouples outbound I/O — the JSONL journey log, MQTT
// publication, and RabbitMQ broadcast — from the tracker's hot path. The
// JSONL writer and the MQTT publisher each run as their own task, fed by a
// buffered channel whose Enqueue never blocks and drops on overflow; the
// RabbitMQ broadcast is published directly from the tracker's egress tick.
package egress

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/timour/edge-gateway/internal/domain"
)

const (
	batchSize       = 10
	flushIntervalMs = 1000
)

// Writer appends completed journeys to a JSONL file, batching on count or
// timer and owning a persistent file handle across writes.
type Writer struct {
	journeyCh chan domain.Journey
	filePath  string
	siteID    string
	buffer    []domain.Journey
	file      *os.File
	bw        *bufio.Writer
	log       *slog.Logger
}

// NewWriter creates a Writer. Run must be called to start processing.
func NewWriter(filePath, siteID string, bufferSize int, log *slog.Logger) *Writer {
	log.Info("egress_writer_initialized", slog.String("file_path", filePath))
	return &Writer{
		journeyCh: make(chan domain.Journey, bufferSize),
		filePath:  filePath,
		siteID:    siteID,
		buffer:    make([]domain.Journey, 0, batchSize),
		log:       log,
	}
}

// Enqueue submits a completed journey for writing without blocking. If the
// buffer is saturated the journey is dropped and a warning is logged.
func (w *Writer) Enqueue(j domain.Journey) {
	select {
	case w.journeyCh <- j:
	default:
		w.log.Warn("egress_journey_dropped", slog.String("jid", j.Jid))
	}
}

func (w *Writer) ensureWriter() error {
	if w.bw != nil {
		return nil
	}

	dir := filepath.Dir(w.filePath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = file
	w.bw = bufio.NewWriter(file)
	w.log.Info("egress_file_opened", slog.String("file_path", w.filePath))
	return nil
}

// Run processes journeys until the channel is closed, flushing on batch
// size or a 1-second timer, whichever comes first.
func (w *Writer) Run() {
	w.log.Info("egress_writer_started")

	if err := w.ensureWriter(); err != nil {
		w.log.Error("egress_file_open_failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(flushIntervalMs * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case journey, ok := <-w.journeyCh:
			if !ok {
				w.flush()
				if w.bw != nil {
					_ = w.bw.Flush()
				}
				if w.file != nil {
					_ = w.file.Close()
				}
				w.log.Info("egress_writer_stopped")
				return
			}
			w.buffer = append(w.buffer, journey)
			if len(w.buffer) >= batchSize {
				w.flush()
			}
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Writer) flush() {
	if len(w.buffer) == 0 {
		return
	}

	journeys := w.buffer
	w.buffer = make([]domain.Journey, 0, batchSize)

	if err := w.ensureWriter(); err != nil {
		w.log.Error("egress_open_failed", slog.Any("error", err))
		return
	}

	for _, j := range journeys {
		line, err := j.ToJSONWithSite(w.siteID)
		if err != nil {
			w.log.Error("journey_egress_failed", slog.String("jid", j.Jid), slog.Any("error", err))
			continue
		}
		if _, err := w.bw.Write(append(line, '\n')); err != nil {
			w.log.Error("journey_egress_failed", slog.String("jid", j.Jid), slog.Any("error", err))
			continue
		}
		w.log.Info("journey_egressed",
			slog.String("jid", j.Jid),
			slog.String("pid", j.Pid),
			slog.Int("events", len(j.Events)))
	}

	if err := w.bw.Flush(); err != nil {
		w.log.Warn("egress_flush_failed", slog.Any("error", err))
	}

	w.log.Debug("egress_batch_flushed", slog.Int("count", len(journeys)))
}

// Close signals the writer to flush and exit once Run's channel drains.
func (w *Writer) Close() {
	close(w.journeyCh)
}
