// Package journeymgr owns the set of in-progress and recently-ended
// customer journeys, including the stitch-across-track-ids and delayed
// egress bookkeeping.
package journeymgr

import (
	"fmt"
	"time"

	"github.com/timour/edge-gateway/internal/domain"
)

// EgressDelay is how long a completed journey waits before it is eligible
// for egress, to allow a late stitch to still attach to it.
const EgressDelay = 10 * time.Second

type pendingEgress struct {
	journey    *domain.Journey
	eligibleAt time.Time
}

// Manager holds every journey currently active (keyed by its current track
// id) plus those ended but not yet emitted.
type Manager struct {
	active        map[int64]*domain.Journey
	pendingEgress []pendingEgress
	pidByTrack    map[int64]string
}

// New creates an empty journey manager.
func New() *Manager {
	return &Manager{
		active:     make(map[int64]*domain.Journey),
		pidByTrack: make(map[int64]string),
	}
}

// NewJourney starts tracking a fresh journey for trackID.
func (m *Manager) NewJourney(trackID int64) *domain.Journey {
	j := domain.NewJourney(trackID)
	m.pidByTrack[trackID] = j.Pid
	m.active[trackID] = j
	return j
}

// NewJourneyWithParent starts a journey continuing a prior person (re-entry).
func (m *Manager) NewJourneyWithParent(trackID int64, parentJid, parentPid string) *domain.Journey {
	j := domain.NewJourneyWithParent(trackID, parentJid, parentPid)
	m.pidByTrack[trackID] = j.Pid
	m.active[trackID] = j
	return j
}

// StitchJourney moves the journey at oldTrackID (active or pending-egress)
// onto newTrackID, recording a stitch event and re-activating it if it had
// already been ended. Returns false if no journey was found for oldTrackID.
func (m *Manager) StitchJourney(oldTrackID, newTrackID int64, timeMs uint64, distanceCm uint32) bool {
	var journey *domain.Journey

	for i, p := range m.pendingEgress {
		if p.journey.CurrentTrackID() == oldTrackID {
			journey = p.journey
			m.pendingEgress = append(m.pendingEgress[:i], m.pendingEgress[i+1:]...)
			break
		}
	}

	if journey == nil {
		if j, ok := m.active[oldTrackID]; ok {
			journey = j
			delete(m.active, oldTrackID)
		}
	}

	if journey == nil {
		return false
	}

	oldPid := journey.Pid

	journey.AddEvent(domain.NewJourneyEvent("stitch", domain.EpochMs()).
		WithExtra(stitchExtra(oldTrackID, timeMs, distanceCm)))
	journey.AddTrackID(newTrackID)
	journey.Outcome = domain.OutcomeInProgress
	journey.HasEndedAt = false

	delete(m.pidByTrack, oldTrackID)
	m.pidByTrack[newTrackID] = oldPid
	m.active[newTrackID] = journey

	return true
}

func stitchExtra(oldTrackID int64, timeMs uint64, distanceCm uint32) string {
	return fmt.Sprintf("from=%d,time_ms=%d,dist_cm=%d", oldTrackID, timeMs, distanceCm)
}

// AddEvent appends an event to the active journey for trackID, a no-op if
// none is active.
func (m *Manager) AddEvent(trackID int64, e domain.JourneyEvent) {
	if j, ok := m.active[trackID]; ok {
		j.AddEvent(e)
	}
}

// GetMut returns the active journey for trackID, if any.
func (m *Manager) GetMut(trackID int64) (*domain.Journey, bool) {
	j, ok := m.active[trackID]
	return j, ok
}

// GetMutAny returns the journey for trackID whether active or pending
// egress, used by the ACC collector which may match a track that has just
// exited.
func (m *Manager) GetMutAny(trackID int64) (*domain.Journey, bool) {
	if j, ok := m.active[trackID]; ok {
		return j, true
	}
	for _, p := range m.pendingEgress {
		if p.journey.CurrentTrackID() == trackID {
			return p.journey, true
		}
	}
	return nil, false
}

// Get returns the active journey for trackID, read-only.
func (m *Manager) Get(trackID int64) (*domain.Journey, bool) {
	j, ok := m.active[trackID]
	return j, ok
}

// GetAny mirrors GetMutAny but is read-only in intent.
func (m *Manager) GetAny(trackID int64) (*domain.Journey, bool) {
	return m.GetMutAny(trackID)
}

// EndJourney completes the active journey for trackID with outcome and
// moves it to the pending-egress queue.
func (m *Manager) EndJourney(trackID int64, outcome domain.JourneyOutcome) {
	j, ok := m.active[trackID]
	if !ok {
		return
	}
	delete(m.active, trackID)
	j.Complete(outcome)

	m.pendingEgress = append(m.pendingEgress, pendingEgress{
		journey:    j,
		eligibleAt: time.Now().Add(EgressDelay),
	})
}

// Tick returns journeys whose egress delay has elapsed and which crossed
// the entry line; journeys that never crossed entry are silently dropped.
func (m *Manager) Tick() []*domain.Journey {
	now := time.Now()
	var ready []*domain.Journey
	remaining := m.pendingEgress[:0:0]

	for _, p := range m.pendingEgress {
		if now.Before(p.eligibleAt) {
			remaining = append(remaining, p)
			continue
		}
		for _, tid := range p.journey.Tids {
			delete(m.pidByTrack, tid)
		}
		if p.journey.CrossedEntry {
			ready = append(ready, p.journey)
		}
	}

	m.pendingEgress = remaining
	return ready
}

// ActiveCount returns the number of currently active journeys.
func (m *Manager) ActiveCount() int { return len(m.active) }

// PendingCount returns the number of journeys awaiting egress.
func (m *Manager) PendingCount() int { return len(m.pendingEgress) }

// HasJourney reports whether trackID has an active journey.
func (m *Manager) HasJourney(trackID int64) bool {
	_, ok := m.active[trackID]
	return ok
}
