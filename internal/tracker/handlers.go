package tracker

import (
	"fmt"
	"log/slog"

	"github.com/timour/edge-gateway/internal/domain"
	"github.com/timour/edge-gateway/internal/egress"
)

// handleTrackCreate processes a new track appearing. It first tries to
// stitch the track onto one recently lost (sensor gap, occlusion); failing
// that, onto a recent exit at matching height (re-entry); failing that, it
// starts a fresh journey.
func (t *Tracker) handleTrackCreate(e domain.ParsedEvent) {
	trackID := e.TrackID
	ts := domain.EpochMs()

	if match, ok := t.stitcher.FindMatch(e.Position, e.HasPosition); ok {
		person := match.Person
		oldTrackID := person.TrackID
		person.TrackID = trackID
		person.LastPosition = e.Position
		person.HasLastPosition = e.HasPosition

		t.log.Info("track_stitched",
			slog.Int64("new_track_id", trackID),
			slog.Int64("old_track_id", oldTrackID),
			slog.Bool("authorized", person.Authorized),
			slog.Uint64("dwell_ms", person.AccumulatedDwellMs),
			slog.Uint64("time_ms", match.TimeMs),
			slog.Uint64("distance_cm", uint64(match.DistanceCm)))

		t.publishTrackEvent(trackEventPayload{
			Ts: ts, T: "stitch", Tid: trackID, PrevTid: ptrInt64(oldTrackID),
			Auth: person.Authorized, DwellMs: person.AccumulatedDwellMs,
			StitchDistCm: ptrUint64(uint64(match.DistanceCm)), StitchTimeMs: ptrUint64(match.TimeMs),
		})

		t.persons[trackID] = person
		t.journeys.StitchJourney(oldTrackID, trackID, match.TimeMs, match.DistanceCm)

		if j, ok := t.journeys.GetAny(trackID); ok && j.Authorized {
			p := t.persons[trackID]
			p.Authorized = true
			t.persons[trackID] = p
		}
		return
	}

	var height float64
	var hasHeight bool
	if e.HasPosition {
		height, hasHeight = e.Position.Height, true
	}
	reentryMatch, matched := t.reentryDetector.TryMatch(height, hasHeight)

	t.log.Debug("track_created", slog.Int64("track_id", trackID), slog.Bool("reentry", matched))

	person := domain.NewPerson(trackID)
	person.LastPosition = e.Position
	person.HasLastPosition = e.HasPosition
	t.persons[trackID] = person

	if matched {
		t.journeys.NewJourneyWithParent(trackID, reentryMatch.ParentJid, reentryMatch.ParentPid)
		t.journeys.AddEvent(trackID, domain.NewJourneyEvent("track_create", ts).
			WithExtra("reentry_from="+reentryMatch.ParentJid))

		t.publishTrackEvent(trackEventPayload{
			Ts: ts, T: "reentry", Tid: trackID, Auth: false, DwellMs: 0,
			ParentJid: &reentryMatch.ParentJid,
		})
	} else {
		t.journeys.NewJourney(trackID)
		t.journeys.AddEvent(trackID, domain.NewJourneyEvent("track_create", ts))

		t.publishTrackEvent(trackEventPayload{
			Ts: ts, T: "create", Tid: trackID, Auth: false, DwellMs: 0,
		})
	}
}

// handleTrackDelete moves a track's person state to the stitcher's pending
// pool, ending its journey as abandoned unless a later stitch resurrects it.
func (t *Tracker) handleTrackDelete(e domain.ParsedEvent) {
	trackID := e.TrackID
	ts := domain.EpochMs()

	person, ok := t.persons[trackID]
	if !ok {
		return
	}
	delete(t.persons, trackID)

	if e.HasPosition {
		person.LastPosition = e.Position
		person.HasLastPosition = true
	}

	lastZone := ""
	if person.HasCurrentZone {
		lastZone = t.config.ZoneName(person.CurrentZone)
	}

	t.log.Info("track_pending_stitch",
		slog.Int64("track_id", trackID),
		slog.Bool("authorized", person.Authorized),
		slog.Uint64("dwell_ms", person.AccumulatedDwellMs),
		slog.String("last_zone", lastZone))

	t.publishTrackEvent(trackEventPayload{
		Ts: ts, T: "pending", Tid: trackID, Auth: person.Authorized, DwellMs: person.AccumulatedDwellMs,
	})

	if j, ok := t.journeys.GetMut(trackID); ok {
		j.Authorized = person.Authorized
		j.TotalDwellMs = person.AccumulatedDwellMs
	}
	t.journeys.AddEvent(trackID, domain.NewJourneyEvent("pending", ts).
		WithZone(lastZone).
		WithExtra(fmt.Sprintf("auth=%t,dwell=%d", person.Authorized, person.AccumulatedDwellMs)))
	t.journeys.EndJourney(trackID, domain.OutcomeAbandoned)

	t.stitcher.AddPending(person, person.LastPosition, person.HasLastPosition, lastZone)
}

// handleZoneEntry starts a POS dwell timer on entering a point-of-sale
// zone, or opens the gate immediately if the track is already authorized
// when it enters the gate zone.
func (t *Tracker) handleZoneEntry(e domain.ParsedEvent) {
	trackID := e.TrackID
	geometryID := e.GeometryID
	zone := t.config.ZoneName(geometryID)
	ts := domain.EpochMs()

	t.log.Debug("zone_entry",
		slog.Int64("track_id", trackID), slog.String("zone", zone), slog.Uint64("event_time", e.EventTimeMs))

	person, existed := t.persons[trackID]
	if !existed {
		person = domain.NewPerson(trackID)
	}
	person.CurrentZone = geometryID
	person.HasCurrentZone = true

	journeyAuthorized := false
	gateAlreadyOpened := false
	if j, ok := t.journeys.GetAny(trackID); ok {
		journeyAuthorized = j.Authorized
		gateAlreadyOpened = j.HasGateCmd
	}
	authorized := person.Authorized || journeyAuthorized

	t.journeys.AddEvent(trackID, domain.NewJourneyEvent("zone_entry", ts).WithZone(zone))
	t.publishZoneEvent(zoneEventPayload{
		Tid: trackID, T: "zone_entry", Z: &zone, Ts: ts, Auth: person.Authorized,
		TotalDwellMs: ptrUint64(person.AccumulatedDwellMs),
	})

	t.persons[trackID] = person

	switch {
	case t.config.IsPOSZone(geometryID):
		person.ZoneEnteredAt = e.ReceivedAt
		person.HasZoneEnteredAt = true
		t.persons[trackID] = person
		t.occupancy.RecordEntry(geometryID, trackID, e.ReceivedAt)
	case geometryID == t.config.GateZone() && authorized && !gateAlreadyOpened:
		t.sendGateOpenCommand(trackID, ts, "tracker")
	}
}

// handleZoneExit accumulates POS dwell time on exiting a point-of-sale
// zone; authorization itself still requires a matching payment confirmation.
func (t *Tracker) handleZoneExit(e domain.ParsedEvent) {
	trackID := e.TrackID
	geometryID := e.GeometryID
	zone := t.config.ZoneName(geometryID)
	ts := domain.EpochMs()

	t.log.Debug("zone_exit",
		slog.Int64("track_id", trackID), slog.String("zone", zone), slog.Uint64("event_time", e.EventTimeMs))

	person, ok := t.persons[trackID]
	if !ok {
		return
	}

	var zoneDwellMs uint64
	hasZoneDwell := false

	if t.config.IsPOSZone(geometryID) && person.HasZoneEnteredAt {
		dwellMs := uint64(e.ReceivedAt.Sub(person.ZoneEnteredAt).Milliseconds())
		person.AccumulatedDwellMs += dwellMs
		person.HasZoneEnteredAt = false
		zoneDwellMs, hasZoneDwell = dwellMs, true

		t.occupancy.RecordExit(geometryID, trackID, e.ReceivedAt)

		t.journeys.AddEvent(trackID, domain.NewJourneyEvent("zone_exit", ts).
			WithZone(zone).
			WithExtra(fmt.Sprintf("dwell=%d", dwellMs)))
		if j, ok := t.journeys.GetMut(trackID); ok {
			j.TotalDwellMs = person.AccumulatedDwellMs
		}

		if person.AccumulatedDwellMs >= t.config.MinDwellMs() {
			t.log.Debug("dwell_threshold_met",
				slog.Int64("track_id", trackID), slog.String("zone", zone), slog.Uint64("dwell_ms", person.AccumulatedDwellMs))
		}
	} else {
		t.journeys.AddEvent(trackID, domain.NewJourneyEvent("zone_exit", ts).WithZone(zone))
	}

	payload := zoneEventPayload{
		Tid: trackID, T: "zone_exit", Z: &zone, Ts: ts, Auth: person.Authorized,
		TotalDwellMs: ptrUint64(person.AccumulatedDwellMs),
	}
	if hasZoneDwell {
		payload.DwellMs = ptrUint64(zoneDwellMs)
	}
	t.publishZoneEvent(payload)

	person.HasCurrentZone = false
	t.persons[trackID] = person
}

// handleLineCross records entry/exit/approach line crossings and completes
// the journey when the track crosses the exit line moving forward.
func (t *Tracker) handleLineCross(e domain.ParsedEvent, direction string) {
	trackID := e.TrackID
	geometryID := e.GeometryID
	line := t.config.ZoneName(geometryID)
	ts := domain.EpochMs()

	t.log.Debug("line_cross",
		slog.Int64("track_id", trackID), slog.String("line", line), slog.String("direction", direction),
		slog.Uint64("event_time", e.EventTimeMs))

	eventType := "line_cross"
	entryLine, hasEntryLine := t.config.EntryLine()
	approachLine, hasApproachLine := t.config.ApproachLine()
	switch {
	case hasEntryLine && entryLine == geometryID:
		eventType = "entry_cross"
	case geometryID == t.config.ExitLine():
		eventType = "exit_cross"
	case hasApproachLine && approachLine == geometryID:
		eventType = "approach_cross"
	}

	t.journeys.AddEvent(trackID, domain.NewJourneyEvent(eventType, ts).WithExtra("dir="+direction))

	if hasEntryLine && entryLine == geometryID && direction == "forward" {
		if j, ok := t.journeys.GetMut(trackID); ok {
			j.CrossedEntry = true
		}
	}

	person, ok := t.persons[trackID]
	if !ok {
		return
	}
	delete(t.persons, trackID)

	if geometryID != t.config.ExitLine() || direction != "forward" {
		t.persons[trackID] = person
		return
	}

	hasGateCmd := false
	eventCount := 0
	var startedAt uint64
	if j, ok := t.journeys.Get(trackID); ok {
		hasGateCmd = j.HasGateCmd
		eventCount = len(j.Events)
		startedAt = j.StartedAtMs
	}
	var durationMs uint64
	if now := domain.EpochMs(); startedAt > 0 && now > startedAt {
		durationMs = now - startedAt
	}

	t.log.Info("journey_complete",
		slog.Int64("track_id", trackID),
		slog.Bool("authorized", person.Authorized),
		slog.Bool("gate_opened", hasGateCmd),
		slog.Uint64("duration_ms", durationMs),
		slog.Uint64("dwell_ms", person.AccumulatedDwellMs),
		slog.Int("events", eventCount))

	if j, ok := t.journeys.GetMut(trackID); ok {
		j.Authorized = person.Authorized
		j.TotalDwellMs = person.AccumulatedDwellMs
		t.reentryDetector.RecordExit(j.Jid, j.Pid, person.LastPosition.Height, person.HasLastPosition)
	}
	t.journeys.EndJourney(trackID, domain.OutcomeCompleted)
}

// handleDoorStateChange publishes the door's observed state and correlates
// an open transition with the most recent eligible gate command.
func (t *Tracker) handleDoorStateChange(status domain.DoorStatus) {
	t.log.Info("door_state_change", slog.String("door_status", status.String()))

	var tidPtr *int64
	if tid, ok := t.doorCorrelator.LastGateCmdTrackID(); ok {
		tidPtr = ptrInt64(tid)
	}
	t.publishGateState(gateStatePayload{Ts: domain.EpochMs(), State: status.String(), Tid: tidPtr, Src: "rs485"})

	t.doorCorrelator.ProcessDoorState(status, t.journeys)
}

// handleAccEvent resolves a payment terminal's peer IP to a POS zone and
// authorizes every track the occupancy tracker says is currently (or was
// very recently) dwelling there — a group purchase authorizes the whole
// group in one confirmation.
func (t *Tracker) handleAccEvent(ip string) {
	ts := domain.EpochMs()

	var posName string
	var hasPos bool
	if zoneID, ok := t.accCollector.ZoneForIP(ip); ok {
		posName, hasPos = t.config.ZoneName(zoneID), true
	}

	matchedTracks := t.accCollector.ProcessAcc(ip, t.journeys)

	for _, trackID := range matchedTracks {
		if person, ok := t.persons[trackID]; ok {
			person.Authorized = true
			t.persons[trackID] = person
		}
		if j, ok := t.journeys.GetMutAny(trackID); ok {
			j.Authorized = true
		} else {
			t.log.Warn("acc_matched_no_journey",
				slog.Int64("track_id", trackID), slog.String("ip", ip), slog.String("pos", posName))
			t.publishAccEvent(accEventPayload{
				Ts: ts, T: "matched_no_journey", IP: ip, Pos: optStr(posName, hasPos), Tid: ptrInt64(trackID),
			})
		}
	}

	gateZone := t.config.GateZone()
	gateZoneName := t.config.ZoneName(gateZone)

	for _, trackID := range matchedTracks {
		t.logLateAccIfAny(trackID, ip, posName, hasPos, gateZoneName, ts)

		inGateZone := false
		if p, ok := t.persons[trackID]; ok {
			inGateZone = p.HasCurrentZone && p.CurrentZone == gateZone
		}
		gateAlreadyOpened := false
		if j, ok := t.journeys.GetAny(trackID); ok {
			gateAlreadyOpened = j.HasGateCmd
		}
		if inGateZone && !gateAlreadyOpened {
			t.sendGateOpenCommand(trackID, ts, "acc")
		}
	}

	if len(matchedTracks) > 0 {
		t.log.Info("acc_group_authorized",
			slog.String("ip", ip), slog.String("pos", posName),
			slog.Int("group_size", len(matchedTracks)), slog.Any("tracks", matchedTracks))

		primary := matchedTracks[0]
		var dwellPtr *uint64
		if p, ok := t.persons[primary]; ok {
			dwellPtr = ptrUint64(p.AccumulatedDwellMs)
		}
		t.publishAccEvent(accEventPayload{
			Ts: ts, T: "matched", IP: ip, Pos: optStr(posName, hasPos), Tid: ptrInt64(primary), DwellMs: dwellPtr,
		})
	} else {
		t.publishAccEvent(accEventPayload{Ts: ts, T: "unmatched", IP: ip, Pos: optStr(posName, hasPos)})
		t.log.Debug("acc_unmatched", slog.String("ip", ip), slog.String("pos", posName))
	}
}

// logLateAccIfAny warns when a payment confirmation arrives after its track
// already entered the gate zone, a sign the POS and gate sensors disagree
// about when the customer actually paid.
func (t *Tracker) logLateAccIfAny(trackID int64, ip, posName string, hasPos bool, gateZoneName string, ts uint64) {
	j, ok := t.journeys.GetAny(trackID)
	if !ok {
		return
	}

	var gateEntryTs uint64
	found := false
	for i := len(j.Events) - 1; i >= 0; i-- {
		ev := j.Events[i]
		if ev.T == "zone_entry" && ev.Zone == gateZoneName {
			gateEntryTs = ev.TsMs
			found = true
			break
		}
	}
	if !found || ts <= gateEntryTs {
		return
	}
	deltaMs := ts - gateEntryTs

	var dwellPtr *uint64
	if p, ok := t.persons[trackID]; ok {
		dwellPtr = ptrUint64(p.AccumulatedDwellMs)
	}
	var gateCmdAtPtr *uint64
	if j.HasGateCmd {
		gateCmdAtPtr = ptrUint64(j.GateCmdAtMs)
	}

	t.log.Info("late_acc_after_gate_entry",
		slog.Int64("track_id", trackID), slog.String("ip", ip), slog.String("pos", posName),
		slog.String("gate_zone", gateZoneName), slog.Uint64("gate_entry_ts", gateEntryTs),
		slog.Uint64("acc_ts", ts), slog.Uint64("delta_ms", deltaMs))

	t.publishAccEvent(accEventPayload{
		Ts: ts, T: "late_after_gate", IP: ip, Pos: optStr(posName, hasPos), Tid: ptrInt64(trackID),
		DwellMs: dwellPtr, GateZone: &gateZoneName, GateEntryTs: ptrUint64(gateEntryTs), DeltaMs: ptrUint64(deltaMs),
		GateCmdAt: gateCmdAtPtr,
	})
}

// sendGateOpenCommand enqueues a gate-open command for trackID without
// blocking the event loop on network I/O, records the command against the
// journey, and captures the door's state at the moment of the decision for
// later correlation.
func (t *Tracker) sendGateOpenCommand(trackID int64, ts uint64, src string) {
	if t.gateWorker.Enqueue(trackID) {
		t.metrics.RecordGateCommand()
	} else {
		t.metrics.RecordGateCmdDropped()
	}

	if j, ok := t.journeys.GetMutAny(trackID); ok {
		j.GateCmdAtMs = ts
		j.HasGateCmd = true
	}
	t.journeys.AddEvent(trackID, domain.NewJourneyEvent("gate_cmd", ts).WithExtra("src="+src))

	t.publishGateState(gateStatePayload{Ts: ts, State: "cmd_sent", Tid: ptrInt64(trackID), Src: src})

	t.doorCorrelator.RecordGateCmd(trackID)
}

func (t *Tracker) publishZoneEvent(p zoneEventPayload) {
	if t.mqttPub == nil {
		return
	}
	t.mqttPub.Enqueue(egress.Message{Kind: egress.KindZoneEvent, Payload: p})
}

func (t *Tracker) publishTrackEvent(p trackEventPayload) {
	if t.mqttPub == nil {
		return
	}
	t.mqttPub.Enqueue(egress.Message{Kind: egress.KindTrackEvent, Payload: p})
}

func (t *Tracker) publishGateState(p gateStatePayload) {
	if t.mqttPub == nil {
		return
	}
	t.mqttPub.Enqueue(egress.Message{Kind: egress.KindGateState, Payload: p})
}

func (t *Tracker) publishAccEvent(p accEventPayload) {
	if t.mqttPub == nil {
		return
	}
	t.mqttPub.Enqueue(egress.Message{Kind: egress.KindAccEvent, Payload: p})
}
