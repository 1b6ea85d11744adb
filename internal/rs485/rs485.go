// Package rs485 polls an electromechanical door controller over a serial
// link, resyncing on 0x7F-framed responses amid RS485 line noise and
// emitting a door-state-change event whenever the reported status changes.
package rs485

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"go.bug.st/serial"

	"github.com/timour/edge-gateway/internal/domain"
)

const (
	startByteCommand  = 0x7E
	startByteResponse = 0x7F
	cmdQuery          = 0x10
	commandFrameLen   = 8
	responseFrameLen  = 18

	doorClosedProperly    = 0x00
	doorLeftOpenProperly  = 0x01
	doorRightOpenProperly = 0x02
	doorInMotion          = 0x03
	doorFireSignalOpening = 0x04
)

// Config configures a Monitor's serial connection and polling cadence.
type Config struct {
	Device        string
	Baud          int
	MachineNumber byte
	PollInterval  time.Duration
}

// DefaultConfig returns the door controller's conventional defaults.
func DefaultConfig(device string) Config {
	return Config{
		Device:        device,
		Baud:          19200,
		MachineNumber: 1,
		PollInterval:  250 * time.Millisecond,
	}
}

// Monitor polls a door controller for its status and reports changes as
// ParsedEvent values on the events channel passed to Run.
type Monitor struct {
	config      Config
	lastStatus  domain.DoorStatus
	lastPoll    time.Time
	hasLastPoll bool
	log         *slog.Logger
}

// New creates a Monitor. Run must be called to begin polling.
func New(config Config, log *slog.Logger) *Monitor {
	return &Monitor{config: config, lastStatus: domain.DoorUnknown, log: log}
}

func buildQueryCommand(machineNumber byte) [commandFrameLen]byte {
	var frame [commandFrameLen]byte
	frame[0] = startByteCommand
	frame[1] = 0x00
	frame[2] = machineNumber
	frame[3] = cmdQuery
	frame[4] = 0x00
	frame[5] = 0x00
	frame[6] = 0x00

	var sum byte
	for _, b := range frame[:7] {
		sum += b
	}
	frame[7] = ^sum
	return frame
}

// findAndParseFrame resyncs on the 0x7F start byte anywhere in data,
// tolerating leading RS485 noise, and returns the first frame that passes
// checksum validation.
func findAndParseFrame(data []byte) (domain.DoorStatus, bool) {
	for i := 0; i < len(data); i++ {
		if data[i] != startByteResponse {
			continue
		}
		if i+responseFrameLen > len(data) {
			continue
		}
		if status, ok := parseResponse(data[i : i+responseFrameLen]); ok {
			return status, true
		}
	}
	return domain.DoorUnknown, false
}

func parseResponse(data []byte) (domain.DoorStatus, bool) {
	if len(data) != responseFrameLen {
		return domain.DoorUnknown, false
	}
	if data[0] != startByteResponse {
		return domain.DoorUnknown, false
	}

	var sum byte
	for _, b := range data {
		sum += b
	}
	if sum+1 != 0 {
		return domain.DoorUnknown, false
	}

	doorStatus := data[4]
	switch doorStatus {
	case doorClosedProperly:
		return domain.DoorClosed, true
	case doorLeftOpenProperly:
		return domain.DoorOpen, true
	case doorRightOpenProperly:
		return domain.DoorClosed, true
	case doorInMotion:
		return domain.DoorMoving, true
	case doorFireSignalOpening:
		return domain.DoorOpen, true
	default:
		return domain.DoorUnknown, true
	}
}

// Run opens the serial port and polls it until ctx is canceled, emitting a
// ParsedEvent on events whenever the reported door status changes. If the
// port cannot be opened, Run logs the failure and reports Unknown status
// forever rather than exiting, matching the controller's fail-open posture.
func (m *Monitor) Run(ctx context.Context, events chan<- domain.ParsedEvent) {
	m.log.Info("rs485_monitor_started",
		slog.String("device", m.config.Device),
		slog.Int("baud", m.config.Baud),
		slog.Int64("poll_interval_ms", m.config.PollInterval.Milliseconds()))

	mode := &serial.Mode{BaudRate: m.config.Baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(m.config.Device, mode)
	if err != nil {
		m.log.Error("rs485_port_open_failed", slog.String("device", m.config.Device), slog.Any("error", err))
		port = nil
	} else {
		m.log.Info("rs485_port_opened", slog.String("device", m.config.Device))
		_ = port.SetReadTimeout(100 * time.Millisecond)
		defer port.Close()
	}

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("rs485_shutdown")
			return
		case <-ticker.C:
		}

		m.poll(port, events)
	}
}

func (m *Monitor) poll(port serial.Port, events chan<- domain.ParsedEvent) {
	pollStart := time.Now()

	status := m.lastStatus
	if port != nil {
		cmd := buildQueryCommand(m.config.MachineNumber)
		if _, err := port.Write(cmd[:]); err != nil {
			m.log.Warn("rs485_write_error", slog.Any("error", err))
		} else if read, ok := m.readResponse(port); ok {
			if parsed, found := findAndParseFrame(read); found {
				status = parsed
			}
		}
	} else {
		status = domain.DoorUnknown
	}

	pollDurationUs := time.Since(pollStart).Microseconds()

	if m.hasLastPoll {
		actualInterval := time.Since(m.lastPoll)
		expectedWithRTT := m.config.PollInterval + 20*time.Millisecond
		driftUs := actualInterval.Microseconds() - expectedWithRTT.Microseconds()
		if driftUs < 0 {
			driftUs = -driftUs
		}
		if driftUs > 50_000 {
			m.log.Warn("rs485_poll_drift",
				slog.Int64("drift_us", driftUs),
				slog.Int64("expected_ms", expectedWithRTT.Milliseconds()),
				slog.Int64("actual_ms", actualInterval.Milliseconds()))
		}
	}
	m.lastPoll = pollStart
	m.hasLastPoll = true

	if status != m.lastStatus {
		m.log.Info("rs485_status", slog.String("door", status.String()), slog.Int64("poll_duration_us", pollDurationUs))

		event := domain.ParsedEvent{
			Type:        domain.EventDoorStateChange,
			Door:        status,
			EventTimeMs: domain.EpochMs(),
			ReceivedAt:  time.Now(),
		}
		select {
		case events <- event:
		default:
			m.log.Warn("rs485_event_channel_full")
		}

		m.lastStatus = status
	}
}

// readResponse reads up to responseFrameLen+extra bytes within a 200ms
// window, returning the accumulated bytes, or false if fewer than
// responseFrameLen arrived.
func (m *Monitor) readResponse(port serial.Port) ([]byte, bool) {
	buf := make([]byte, 64)
	totalRead := 0
	deadline := time.Now().Add(200 * time.Millisecond)

	for totalRead < len(buf) {
		if time.Now().After(deadline) {
			if totalRead < responseFrameLen {
				m.log.Warn("rs485_read_timeout", slog.Int("bytes_read", totalRead))
			}
			break
		}

		n, err := port.Read(buf[totalRead:])
		if err != nil {
			m.log.Warn("rs485_read_error", slog.Any("error", err))
			break
		}
		if n == 0 {
			continue
		}
		totalRead += n
		if totalRead >= responseFrameLen {
			break
		}
	}

	if totalRead < responseFrameLen {
		return nil, false
	}
	return bytes.Clone(buf[:totalRead]), true
}

// LastStatus returns the most recently observed door status.
func (m *Monitor) LastStatus() domain.DoorStatus { return m.lastStatus }
