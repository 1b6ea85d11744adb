// Package doorcorrelator matches gate-open commands the tracker sent
// against the door's subsequent open transition reported by the RS485
// poller, so a journey can record how long its gate took to open and
// whether the door was already open when the command was sent.
package doorcorrelator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/timour/edge-gateway/internal/domain"
)

// MaxCorrelationWindow is how long a sent gate command remains eligible to
// be matched against a door-open transition.
const MaxCorrelationWindow = 5 * time.Second

type pendingCmd struct {
	trackID     int64
	sentAt      time.Time
	doorWasOpen bool
}

// JourneyUpdater is the subset of *journeymgr.Manager the correlator needs.
type JourneyUpdater interface {
	GetMut(trackID int64) (*domain.Journey, bool)
	AddEvent(trackID int64, e domain.JourneyEvent)
}

// Correlator tracks outstanding gate commands and the door's last reported
// status, pairing each open transition with the newest eligible command.
type Correlator struct {
	lastStatus         domain.DoorStatus
	pendingCmds        []pendingCmd
	currentFlowTrackID int64
	hasCurrentFlow     bool
	log                *slog.Logger
}

// New creates a Correlator with door status Unknown and no pending
// commands.
func New(log *slog.Logger) *Correlator {
	return &Correlator{log: log}
}

// RecordGateCmd records that a gate-open command was sent for trackID,
// capturing whether the door was already open at that instant.
func (c *Correlator) RecordGateCmd(trackID int64) {
	doorWasOpen := c.lastStatus == domain.DoorOpen

	c.log.Debug("gate_cmd_recorded",
		slog.Int64("track_id", trackID),
		slog.String("door_status", c.lastStatus.String()),
		slog.Bool("door_was_open", doorWasOpen))

	c.pendingCmds = append(c.pendingCmds, pendingCmd{
		trackID:     trackID,
		sentAt:      time.Now(),
		doorWasOpen: doorWasOpen,
	})
}

// ProcessDoorState handles a newly observed door status, correlating a
// transition into Open with the newest eligible pending command. Returns
// the correlated (or currently flowing) track id, and whether one exists.
func (c *Correlator) ProcessDoorState(status domain.DoorStatus, journeys JourneyUpdater) (int64, bool) {
	prevStatus := c.lastStatus
	c.lastStatus = status

	c.cleanupOldCmds()

	if status == domain.DoorClosed {
		c.hasCurrentFlow = false
	}

	if status != domain.DoorOpen || prevStatus == domain.DoorOpen {
		c.log.Debug("door_state_no_correlation",
			slog.String("status", status.String()),
			slog.String("prev_status", prevStatus.String()))
		return c.currentFlowTrackID, c.hasCurrentFlow
	}

	now := time.Now()
	nowMs := domain.EpochMs()

	idx := -1
	for i := len(c.pendingCmds) - 1; i >= 0; i-- {
		if now.Sub(c.pendingCmds[i].sentAt) <= MaxCorrelationWindow {
			idx = i
			break
		}
	}

	if idx < 0 {
		c.log.Debug("gate_open_no_cmd_found", slog.Int("pending_cmds", len(c.pendingCmds)))
		return 0, false
	}

	cmd := c.pendingCmds[idx]
	c.pendingCmds = append(c.pendingCmds[:idx], c.pendingCmds[idx+1:]...)
	deltaMs := uint64(now.Sub(cmd.sentAt).Milliseconds())

	c.currentFlowTrackID = cmd.trackID
	c.hasCurrentFlow = true

	c.log.Info("gate_open_correlated",
		slog.Int64("track_id", cmd.trackID),
		slog.Uint64("delta_ms", deltaMs),
		slog.Bool("door_was_open", cmd.doorWasOpen))

	if j, ok := journeys.GetMut(cmd.trackID); ok {
		j.GateOpenAtMs = nowMs
		j.HasGateOpen = true
		j.GateWasOpen = cmd.doorWasOpen
	}
	journeys.AddEvent(cmd.trackID, domain.NewJourneyEvent("gate_open", nowMs).
		WithExtra(fmt.Sprintf("delta_ms=%d", deltaMs)))

	return cmd.trackID, true
}

func (c *Correlator) cleanupOldCmds() {
	now := time.Now()
	kept := c.pendingCmds[:0]
	for _, cmd := range c.pendingCmds {
		if now.Sub(cmd.sentAt) <= MaxCorrelationWindow*2 {
			kept = append(kept, cmd)
		}
	}
	c.pendingCmds = kept
}

// CurrentStatus returns the last observed door status.
func (c *Correlator) CurrentStatus() domain.DoorStatus { return c.lastStatus }

// LastGateCmdTrackID returns the current flow's track id, falling back to
// the most recently recorded pending command if no flow is active.
func (c *Correlator) LastGateCmdTrackID() (int64, bool) {
	if c.hasCurrentFlow {
		return c.currentFlowTrackID, true
	}
	if len(c.pendingCmds) == 0 {
		return 0, false
	}
	return c.pendingCmds[len(c.pendingCmds)-1].trackID, true
}

// CurrentFlowTrackID returns the track id only if set by a completed
// correlation (cleared on door close).
func (c *Correlator) CurrentFlowTrackID() (int64, bool) {
	return c.currentFlowTrackID, c.hasCurrentFlow
}
