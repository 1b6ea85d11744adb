// Package domain holds the shared types that flow between the gateway's
// producer tasks and the tracker: parsed sensor/payment/door events and the
// per-person state the tracker keeps while a customer is in the store.
package domain

import (
	"strings"
	"time"
)

// EventType identifies the kind of a ParsedEvent. Sensor event type strings
// map onto the fixed set below; anything else is carried as Unknown and
// ignored by the tracker.
type EventType int

const (
	EventUnknown EventType = iota
	EventTrackCreate
	EventTrackDelete
	EventZoneEntry
	EventZoneExit
	EventLineCrossForward
	EventLineCrossBackward
	EventDoorStateChange
	EventAccEvent
)

func (t EventType) String() string {
	switch t {
	case EventTrackCreate:
		return "track_create"
	case EventTrackDelete:
		return "track_delete"
	case EventZoneEntry:
		return "zone_entry"
	case EventZoneExit:
		return "zone_exit"
	case EventLineCrossForward:
		return "line_cross_forward"
	case EventLineCrossBackward:
		return "line_cross_backward"
	case EventDoorStateChange:
		return "door_state_change"
	case EventAccEvent:
		return "acc_event"
	default:
		return "unknown"
	}
}

// ParseEventType maps the sensor's wire-format event type string onto an
// EventType. Anything not in the fixed set returns (EventUnknown, raw) so the
// caller can still log the unrecognized string.
func ParseEventType(s string) (EventType, string) {
	switch strings.ToUpper(s) {
	case "TRACK_CREATE":
		return EventTrackCreate, s
	case "TRACK_DELETE":
		return EventTrackDelete, s
	case "ZONE_ENTRY":
		return EventZoneEntry, s
	case "ZONE_EXIT":
		return EventZoneExit, s
	case "LINE_CROSS_FORWARD":
		return EventLineCrossForward, s
	case "LINE_CROSS_BACKWARD":
		return EventLineCrossBackward, s
	default:
		return EventUnknown, s
	}
}

// DoorStatus is the reduced door state that crosses the serial-poller
// boundary into the core. Resting/right-open positions are mapped to Closed
// by the poller before it ever reaches here.
type DoorStatus int

const (
	DoorUnknown DoorStatus = iota
	DoorClosed
	DoorMoving
	DoorOpen
)

func (d DoorStatus) String() string {
	switch d {
	case DoorClosed:
		return "closed"
	case DoorMoving:
		return "moving"
	case DoorOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Position is an [x, y, height] triple in the sensor's coordinate space,
// used by the stitcher and re-entry detector.
type Position struct {
	X, Y, Height float64
}

// ParsedEvent is the normalized form every producer task emits onto the
// fused event queue, regardless of source (MQTT sensor, TCP payment line,
// serial door poller).
type ParsedEvent struct {
	Type        EventType
	TrackID     int64
	GeometryID  int32 // zone or line id, when applicable
	HasGeometry bool
	Direction   string // "forward" | "backward", for line crossings
	EventTimeMs uint64 // sensor-reported timestamp, epoch ms
	ReceivedAt  time.Time

	Position    Position
	HasPosition bool

	Door DoorStatus // valid when Type == EventDoorStateChange

	AccSourceIP string // valid when Type == EventAccEvent; resolved to a POS zone downstream

	RawType string // original wire string, for Unknown events
}

// Person is the tracker's ephemeral per-track_id state. It is created on
// track_create, mutated by zone/line events, and removed on track_delete
// (handed to the stitcher) or exit-line crossing (journey completed).
type Person struct {
	TrackID            int64
	CurrentZone        int32
	HasCurrentZone     bool
	ZoneEnteredAt      time.Time
	HasZoneEnteredAt   bool
	AccumulatedDwellMs uint64
	Authorized         bool
	LastPosition       Position
	HasLastPosition    bool
}

// NewPerson creates a fresh, unauthorized person for a newly seen track id.
func NewPerson(trackID int64) Person {
	return Person{TrackID: trackID}
}
