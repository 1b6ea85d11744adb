package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-sortable UUIDv7 string, used for both journey and
// person ids. Falls back to a random v4 only if the v7 generator errors,
// which the uuid package documents as happening solely on entropy-source
// failure.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// EpochMs returns the current time as epoch milliseconds, matching the
// timestamp resolution used throughout the wire formats.
func EpochMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

// JourneyOutcome is the terminal (or in-progress) state of a Journey.
type JourneyOutcome int

const (
	OutcomeInProgress JourneyOutcome = iota
	OutcomeCompleted                 // crossed the exit line
	OutcomeAbandoned                 // track deleted without crossing exit
)

func (o JourneyOutcome) wireString() string {
	switch o {
	case OutcomeCompleted:
		return "exit"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "in_progress"
	}
}

// JourneyEvent is one entry in a Journey's event log. Zone/Extra are
// optional and omitted from JSON when empty.
type JourneyEvent struct {
	T     string
	Zone  string
	TsMs  uint64
	Extra string
}

// NewJourneyEvent creates an event of the given type at tsMs, with no
// zone/extra set.
func NewJourneyEvent(eventType string, tsMs uint64) JourneyEvent {
	return JourneyEvent{T: eventType, TsMs: tsMs}
}

func (e JourneyEvent) WithZone(zone string) JourneyEvent {
	e.Zone = zone
	return e
}

func (e JourneyEvent) WithExtra(extra string) JourneyEvent {
	e.Extra = extra
	return e
}

func (e JourneyEvent) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	fmt.Fprintf(&buf, "%q:%q", "t", e.T)
	if e.Zone != "" {
		fmt.Fprintf(&buf, ",%q:%q", "z", e.Zone)
	}
	fmt.Fprintf(&buf, ",%q:%d", "ts", e.TsMs)
	if e.Extra != "" {
		fmt.Fprintf(&buf, ",%q:%q", "x", e.Extra)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Journey is the complete record of one customer's path through the store,
// from track creation through exit (or abandonment). Pid is stable across
// re-entry stitches (see internal/reentry); Jid is unique per journey.
type Journey struct {
	Jid          string
	Pid          string
	Tids         []int64
	Parent       string // previous journey's Jid, on re-entry continuation
	HasParent    bool
	Outcome      JourneyOutcome
	Authorized   bool
	TotalDwellMs uint64
	AccMatched   bool
	GateCmdAtMs  uint64
	HasGateCmd   bool
	GateOpenAtMs uint64
	HasGateOpen  bool
	GateWasOpen  bool
	StartedAtMs  uint64
	EndedAtMs    uint64
	HasEndedAt   bool
	CrossedEntry bool
	Events       []JourneyEvent
}

// NewJourney starts a fresh, unauthorized, in-progress journey for trackID.
func NewJourney(trackID int64) *Journey {
	return &Journey{
		Jid:         NewID(),
		Pid:         NewID(),
		Tids:        []int64{trackID},
		StartedAtMs: EpochMs(),
		Events:      make([]JourneyEvent, 0, 16),
	}
}

// NewJourneyWithParent starts a journey that continues parentPid from
// parentJid, used when the re-entry detector matches a new track back to a
// person who exited recently.
func NewJourneyWithParent(trackID int64, parentJid, parentPid string) *Journey {
	j := NewJourney(trackID)
	j.Parent = parentJid
	j.HasParent = true
	j.Pid = parentPid
	return j
}

// AddTrackID records a stitched-in track id.
func (j *Journey) AddTrackID(trackID int64) {
	j.Tids = append(j.Tids, trackID)
}

// AddEvent appends an event to the journey's log.
func (j *Journey) AddEvent(e JourneyEvent) {
	j.Events = append(j.Events, e)
}

// Complete marks the journey terminal with the given outcome.
func (j *Journey) Complete(outcome JourneyOutcome) {
	j.Outcome = outcome
	j.EndedAtMs = EpochMs()
	j.HasEndedAt = true
}

// CurrentTrackID returns the most recently stitched track id, or 0 if none.
func (j *Journey) CurrentTrackID() int64 {
	if len(j.Tids) == 0 {
		return 0
	}
	return j.Tids[len(j.Tids)-1]
}

// ToJSON renders the short-key egress schema without a site field.
func (j *Journey) ToJSON() ([]byte, error) {
	return j.toJSONWithSite("")
}

// ToJSONWithSite renders the short-key egress schema with a site field,
// used when a single egress stream fans in from multiple sites.
func (j *Journey) ToJSONWithSite(siteID string) ([]byte, error) {
	return j.toJSONWithSite(siteID)
}

func (j *Journey) toJSONWithSite(siteID string) ([]byte, error) {
	type wire struct {
		Site        string         `json:"site,omitempty"`
		Jid         string         `json:"jid"`
		Pid         string         `json:"pid"`
		Tids        []int64        `json:"tids"`
		Parent      *string        `json:"parent"`
		Out         string         `json:"out"`
		Auth        bool           `json:"auth"`
		Dwell       uint64         `json:"dwell"`
		Acc         bool           `json:"acc"`
		GateCmd     *uint64        `json:"gate_cmd,omitempty"`
		GateOpen    *uint64        `json:"gate_open,omitempty"`
		GateWasOpen bool           `json:"gate_was_open"`
		T0          uint64         `json:"t0"`
		T1          *uint64        `json:"t1,omitempty"`
		Ev          []JourneyEvent `json:"ev"`
	}

	w := wire{
		Site:        siteID,
		Jid:         j.Jid,
		Pid:         j.Pid,
		Tids:        j.Tids,
		Out:         j.Outcome.wireString(),
		Auth:        j.Authorized,
		Dwell:       j.TotalDwellMs,
		Acc:         j.AccMatched,
		GateWasOpen: j.GateWasOpen,
		T0:          j.StartedAtMs,
		Ev:          j.Events,
	}
	if j.HasParent {
		w.Parent = &j.Parent
	}
	if j.HasGateCmd {
		w.GateCmd = &j.GateCmdAtMs
	}
	if j.HasGateOpen {
		w.GateOpen = &j.GateOpenAtMs
	}
	if j.HasEndedAt {
		w.T1 = &j.EndedAtMs
	}
	if w.Ev == nil {
		w.Ev = []JourneyEvent{}
	}
	return json.Marshal(w)
}
