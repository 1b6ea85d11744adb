// Package posocc implements the per-zone POS occupancy state machine: the
// single source of truth for how long a track has dwelled at a point-of-sale
// zone. internal/acccollector queries this state rather than keeping its own
// parallel bookkeeping.
package posocc

import (
	"sort"
	"time"
)

// State is one track's occupancy record at one zone.
type State struct {
	IsPresent          bool
	EntryTime          time.Time
	ExitTime           time.Time
	HasExitTime        bool
	AccumulatedDwellMs uint64
}

func newState(entryTime time.Time) State {
	return State{IsPresent: true, EntryTime: entryTime}
}

// Candidate is a track id paired with its dwell time at a zone, as returned
// by GetCandidates.
type Candidate struct {
	TrackID int64
	DwellMs uint64
}

// Occupancy tracks presence and dwell per zone, keyed by zone id then track
// id. A track re-entering a zone within ExitGrace reopens its session and
// keeps its accumulated dwell; outside the grace window it starts fresh.
type Occupancy struct {
	zones      map[int32]map[int64]*State
	exitGrace  time.Duration
	minDwellMs uint64
}

// New creates an Occupancy tracker. exitGrace is the re-entry reopen window;
// minDwellMs is the minimum accumulated dwell for ACC qualification (applied
// by the caller, not filtered here).
func New(exitGrace time.Duration, minDwellMs uint64) *Occupancy {
	return &Occupancy{
		zones:      make(map[int32]map[int64]*State),
		exitGrace:  exitGrace,
		minDwellMs: minDwellMs,
	}
}

func (o *Occupancy) ExitGrace() time.Duration { return o.exitGrace }
func (o *Occupancy) MinDwellMs() uint64       { return o.minDwellMs }

// RecordEntry marks trackID present at zone at time now. If the track
// exited that zone within ExitGrace, its prior session is reopened
// (accumulated dwell preserved); otherwise a new session starts.
func (o *Occupancy) RecordEntry(zone int32, trackID int64, now time.Time) {
	tracks, ok := o.zones[zone]
	if !ok {
		tracks = make(map[int64]*State)
		o.zones[zone] = tracks
	}

	state, ok := tracks[trackID]
	if !ok {
		s := newState(now)
		tracks[trackID] = &s
		return
	}

	if state.IsPresent {
		return
	}

	if state.HasExitTime && now.Sub(state.ExitTime) <= o.exitGrace {
		state.IsPresent = true
		state.EntryTime = now
		state.HasExitTime = false
		return
	}

	fresh := newState(now)
	*state = fresh
}

// RecordExit marks trackID absent from zone at time now, accumulating this
// session's dwell. Returns (sessionDwellMs, totalDwellMs, true), or
// (0, 0, false) if the track was not present at that zone.
func (o *Occupancy) RecordExit(zone int32, trackID int64, now time.Time) (uint64, uint64, bool) {
	tracks, ok := o.zones[zone]
	if !ok {
		return 0, 0, false
	}
	state, ok := tracks[trackID]
	if !ok || !state.IsPresent {
		return 0, 0, false
	}

	sessionDwellMs := uint64(now.Sub(state.EntryTime).Milliseconds())
	state.AccumulatedDwellMs += sessionDwellMs
	state.IsPresent = false
	state.ExitTime = now
	state.HasExitTime = true

	return sessionDwellMs, state.AccumulatedDwellMs, true
}

// GetCandidates returns ACC-matching candidates at zone: present tracks
// first (dwell descending), then tracks that exited within the grace window
// (dwell descending). Does not filter by MinDwellMs; callers filter.
func (o *Occupancy) GetCandidates(zone int32, now time.Time) []Candidate {
	tracks, ok := o.zones[zone]
	if !ok {
		return nil
	}

	var present, recentExits []Candidate
	for trackID, state := range tracks {
		if state.IsPresent {
			currentSessionMs := uint64(now.Sub(state.EntryTime).Milliseconds())
			present = append(present, Candidate{TrackID: trackID, DwellMs: state.AccumulatedDwellMs + currentSessionMs})
		} else if state.HasExitTime {
			if now.Sub(state.ExitTime) <= o.exitGrace {
				recentExits = append(recentExits, Candidate{TrackID: trackID, DwellMs: state.AccumulatedDwellMs})
			}
		}
	}

	sort.Slice(present, func(i, j int) bool { return present[i].DwellMs > present[j].DwellMs })
	sort.Slice(recentExits, func(i, j int) bool { return recentExits[i].DwellMs > recentExits[j].DwellMs })

	return append(present, recentExits...)
}

// PruneExpired removes entries at zone that exited more than ExitGrace ago.
func (o *Occupancy) PruneExpired(zone int32, now time.Time) {
	tracks, ok := o.zones[zone]
	if !ok {
		return
	}
	for trackID, state := range tracks {
		if state.IsPresent {
			continue
		}
		if !state.HasExitTime || now.Sub(state.ExitTime) > o.exitGrace {
			delete(tracks, trackID)
		}
	}
}
