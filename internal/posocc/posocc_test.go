package posocc

import (
	"testing"
	"time"
)

const (
	testExitGrace  = 5000 * time.Millisecond
	testMinDwellMs = uint64(7000)
)

func newTestOccupancy() *Occupancy {
	return New(testExitGrace, testMinDwellMs)
}

func TestEntryCreatesNewState(t *testing.T) {
	o := newTestOccupancy()
	now := time.Now()

	o.RecordEntry(1, 100, now)

	state := o.zones[1][100]
	if state == nil || !state.IsPresent {
		t.Fatalf("expected present state, got %+v", state)
	}
	if state.AccumulatedDwellMs != 0 || state.HasExitTime {
		t.Fatalf("unexpected initial state: %+v", state)
	}
}

func TestExitAccumulatesDwell(t *testing.T) {
	o := newTestOccupancy()
	now := time.Now()
	later := now.Add(3000 * time.Millisecond)

	o.RecordEntry(1, 100, now)
	o.RecordExit(1, 100, later)

	state := o.zones[1][100]
	if state.IsPresent {
		t.Fatal("expected not present after exit")
	}
	if state.AccumulatedDwellMs != 3000 {
		t.Fatalf("expected 3000ms dwell, got %d", state.AccumulatedDwellMs)
	}
}

func TestReentryWithinGraceReopens(t *testing.T) {
	o := newTestOccupancy()
	now := time.Now()
	exitTime := now.Add(3000 * time.Millisecond)
	reentryTime := exitTime.Add(4000 * time.Millisecond)

	o.RecordEntry(1, 100, now)
	o.RecordExit(1, 100, exitTime)
	o.RecordEntry(1, 100, reentryTime)

	state := o.zones[1][100]
	if !state.IsPresent || state.HasExitTime {
		t.Fatalf("expected reopened session, got %+v", state)
	}
	if state.AccumulatedDwellMs != 3000 {
		t.Fatalf("expected preserved 3000ms dwell, got %d", state.AccumulatedDwellMs)
	}
}

func TestReentryAfterGraceCreatesNewSession(t *testing.T) {
	o := newTestOccupancy()
	now := time.Now()
	exitTime := now.Add(3000 * time.Millisecond)
	reentryTime := exitTime.Add(6000 * time.Millisecond)

	o.RecordEntry(1, 100, now)
	o.RecordExit(1, 100, exitTime)
	o.RecordEntry(1, 100, reentryTime)

	state := o.zones[1][100]
	if state.AccumulatedDwellMs != 0 {
		t.Fatalf("expected reset dwell, got %d", state.AccumulatedDwellMs)
	}
}

func TestGetCandidatesPresentSortedByDwellDesc(t *testing.T) {
	o := newTestOccupancy()
	now := time.Now()

	o.RecordEntry(1, 100, now)
	later := now.Add(2000 * time.Millisecond)
	o.RecordEntry(1, 200, later)

	queryTime := now.Add(5000 * time.Millisecond)
	candidates := o.GetCandidates(1, queryTime)

	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].TrackID != 100 || candidates[0].DwellMs != 5000 {
		t.Fatalf("unexpected first candidate: %+v", candidates[0])
	}
	if candidates[1].TrackID != 200 || candidates[1].DwellMs != 3000 {
		t.Fatalf("unexpected second candidate: %+v", candidates[1])
	}
}

func TestGetCandidatesRecentExitsAfterPresent(t *testing.T) {
	o := newTestOccupancy()
	now := time.Now()

	o.RecordEntry(1, 100, now)
	exitTime := now.Add(8000 * time.Millisecond)
	o.RecordExit(1, 100, exitTime)

	entry200 := now.Add(5000 * time.Millisecond)
	o.RecordEntry(1, 200, entry200)

	queryTime := exitTime.Add(1000 * time.Millisecond)
	candidates := o.GetCandidates(1, queryTime)

	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].TrackID != 200 {
		t.Fatalf("expected present track first, got %+v", candidates[0])
	}
	if candidates[1].TrackID != 100 {
		t.Fatalf("expected recent exit second, got %+v", candidates[1])
	}
}

func TestGetCandidatesExcludesExpiredExits(t *testing.T) {
	o := newTestOccupancy()
	now := time.Now()

	o.RecordEntry(1, 100, now)
	exitTime := now.Add(8000 * time.Millisecond)
	o.RecordExit(1, 100, exitTime)

	queryTime := exitTime.Add(6000 * time.Millisecond)
	candidates := o.GetCandidates(1, queryTime)

	if len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(candidates))
	}
}

func TestPruneExpiredRemovesOnlyExpired(t *testing.T) {
	o := newTestOccupancy()
	now := time.Now()

	o.RecordEntry(1, 100, now)
	exit100 := now.Add(3000 * time.Millisecond)
	o.RecordExit(1, 100, exit100)

	o.RecordEntry(1, 200, now)

	o.RecordEntry(1, 300, now)
	exit300 := now.Add(8000 * time.Millisecond)
	o.RecordExit(1, 300, exit300)

	pruneTime := exit300.Add(2000 * time.Millisecond)
	o.PruneExpired(1, pruneTime)

	if _, ok := o.zones[1][100]; ok {
		t.Fatal("expected track 100 removed")
	}
	if _, ok := o.zones[1][200]; !ok {
		t.Fatal("expected track 200 kept")
	}
	if _, ok := o.zones[1][300]; !ok {
		t.Fatal("expected track 300 kept")
	}
}

func TestGraceBoundary4999Pass(t *testing.T) {
	o := newTestOccupancy()
	now := time.Now()

	o.RecordEntry(1, 100, now)
	exitTime := now.Add(3000 * time.Millisecond)
	o.RecordExit(1, 100, exitTime)

	queryTime := exitTime.Add(4999 * time.Millisecond)
	candidates := o.GetCandidates(1, queryTime)

	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
}

func TestGraceBoundary5001Fail(t *testing.T) {
	o := newTestOccupancy()
	now := time.Now()

	o.RecordEntry(1, 100, now)
	exitTime := now.Add(3000 * time.Millisecond)
	o.RecordExit(1, 100, exitTime)

	queryTime := exitTime.Add(5001 * time.Millisecond)
	candidates := o.GetCandidates(1, queryTime)

	if len(candidates) != 0 {
		t.Fatalf("expected 0 candidates, got %d", len(candidates))
	}
}

func TestMultipleZonesIsolated(t *testing.T) {
	o := newTestOccupancy()
	now := time.Now()

	o.RecordEntry(1, 100, now)
	o.RecordEntry(2, 200, now)

	c1 := o.GetCandidates(1, now)
	c2 := o.GetCandidates(2, now)

	if len(c1) != 1 || c1[0].TrackID != 100 {
		t.Fatalf("unexpected zone 1 candidates: %+v", c1)
	}
	if len(c2) != 1 || c2[0].TrackID != 200 {
		t.Fatalf("unexpected zone 2 candidates: %+v", c2)
	}
}

func TestAccumulatedDwellAcrossSessions(t *testing.T) {
	o := newTestOccupancy()
	now := time.Now()

	o.RecordEntry(1, 100, now)
	exit1 := now.Add(3000 * time.Millisecond)
	o.RecordExit(1, 100, exit1)

	reentry := exit1.Add(2000 * time.Millisecond)
	o.RecordEntry(1, 100, reentry)

	exit2 := reentry.Add(4000 * time.Millisecond)
	o.RecordExit(1, 100, exit2)

	state := o.zones[1][100]
	if state.AccumulatedDwellMs != 7000 {
		t.Fatalf("expected 7000ms accumulated dwell, got %d", state.AccumulatedDwellMs)
	}
}
