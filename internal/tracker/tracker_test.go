package tracker

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/timour/edge-gateway/internal/config"
	"github.com/timour/edge-gateway/internal/domain"
	"github.com/timour/edge-gateway/internal/gate"
	"github.com/timour/edge-gateway/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestTracker builds a Tracker against a site file with two POS zones and
// a gate zone at the geometry ids used throughout these tests, and no
// egress sinks wired, matching a unit-level (not end-to-end) exercise of the
// event-fusion logic. minDwellMs of 0 uses the config's built-in default of 7s.
func newTestTracker(t *testing.T, minDwellMs uint64) *Tracker {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "site.json")
	contents := `{
		"zones": [
			{"id": 1001, "name": "POS_1", "role": "pos"},
			{"id": 1002, "name": "POS_2", "role": "pos"},
			{"id": 1007, "name": "gate", "role": "gate"}
		],
		"entry_line": 1005,
		"exit_line": 1006,
		"pos_ip_to_zone": {"10.0.0.5": "POS_1"}`
	if minDwellMs > 0 {
		contents += `, "min_dwell_ms": ` + uintToStr(minDwellMs)
	}
	contents += `}`

	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write site file: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}

	log := testLogger()
	gateController := gate.New(gate.Config{Mode: gate.ModeHTTP, URL: "http://127.0.0.1:1", TimeoutMs: 10}, log)
	gateWorker := gate.NewWorker(gateController, metrics.New(), 16, log)

	return New(cfg, gateWorker, metrics.New(), nil, nil, nil, log)
}

func uintToStr(v uint64) string {
	if v == 0 {
		return "0"
	}
	digits := []byte{}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

func trackCreate(trackID int64) domain.ParsedEvent {
	return domain.ParsedEvent{Type: domain.EventTrackCreate, TrackID: trackID, ReceivedAt: time.Now()}
}

func trackCreateAt(trackID int64, pos domain.Position) domain.ParsedEvent {
	return domain.ParsedEvent{
		Type: domain.EventTrackCreate, TrackID: trackID, ReceivedAt: time.Now(),
		Position: pos, HasPosition: true,
	}
}

func trackDeleteAt(trackID int64, pos domain.Position) domain.ParsedEvent {
	return domain.ParsedEvent{
		Type: domain.EventTrackDelete, TrackID: trackID, ReceivedAt: time.Now(),
		Position: pos, HasPosition: true,
	}
}

func zoneEntry(trackID int64, geometryID int32) domain.ParsedEvent {
	return domain.ParsedEvent{
		Type: domain.EventZoneEntry, TrackID: trackID, GeometryID: geometryID, HasGeometry: true,
		ReceivedAt: time.Now(),
	}
}

func zoneExit(trackID int64, geometryID int32) domain.ParsedEvent {
	return domain.ParsedEvent{
		Type: domain.EventZoneExit, TrackID: trackID, GeometryID: geometryID, HasGeometry: true,
		ReceivedAt: time.Now(),
	}
}

func lineCrossForward(trackID int64, geometryID int32) domain.ParsedEvent {
	return domain.ParsedEvent{
		Type: domain.EventLineCrossForward, TrackID: trackID, GeometryID: geometryID, HasGeometry: true,
		Direction: "forward", ReceivedAt: time.Now(),
	}
}

func TestTrackCreate(t *testing.T) {
	tr := newTestTracker(t, 0)
	tr.processEvent(trackCreate(100))

	if tr.ActiveTracks() != 1 {
		t.Fatalf("expected 1 active track, got %d", tr.ActiveTracks())
	}
	if _, ok := tr.persons[100]; !ok {
		t.Fatal("expected person 100 to be tracked")
	}
}

func TestTrackDelete(t *testing.T) {
	tr := newTestTracker(t, 0)
	tr.processEvent(trackCreate(100))
	if tr.ActiveTracks() != 1 {
		t.Fatalf("expected 1 active track, got %d", tr.ActiveTracks())
	}

	tr.processEvent(domain.ParsedEvent{Type: domain.EventTrackDelete, TrackID: 100, ReceivedAt: time.Now()})
	if tr.ActiveTracks() != 0 {
		t.Fatalf("expected 0 active tracks after delete, got %d", tr.ActiveTracks())
	}
}

func TestDwellAccumulationWithoutAccDoesNotAuthorize(t *testing.T) {
	tr := newTestTracker(t, 0)
	tr.processEvent(trackCreate(100))
	tr.processEvent(zoneEntry(100, 1001))

	time.Sleep(60 * time.Millisecond)

	tr.processEvent(zoneExit(100, 1001))

	person := tr.persons[100]
	if person.AccumulatedDwellMs < 50 {
		t.Fatalf("expected dwell >= 50ms, got %d", person.AccumulatedDwellMs)
	}
	if person.Authorized {
		t.Fatal("dwell alone must not authorize without an acc match")
	}
}

func TestDwellAccumulatesAcrossZonesWithoutAuthorizing(t *testing.T) {
	tr := newTestTracker(t, 100)
	tr.processEvent(trackCreate(100))

	tr.processEvent(zoneEntry(100, 1001))
	time.Sleep(60 * time.Millisecond)
	tr.processEvent(zoneExit(100, 1001))

	person := tr.persons[100]
	if person.Authorized {
		t.Fatal("should not be authorized yet")
	}
	if person.AccumulatedDwellMs < 50 {
		t.Fatalf("expected dwell >= 50ms after first visit, got %d", person.AccumulatedDwellMs)
	}

	tr.processEvent(zoneEntry(100, 1002))
	time.Sleep(60 * time.Millisecond)
	tr.processEvent(zoneExit(100, 1002))

	person = tr.persons[100]
	if person.AccumulatedDwellMs < 100 {
		t.Fatalf("expected accumulated dwell >= 100ms across zones, got %d", person.AccumulatedDwellMs)
	}
	if person.Authorized {
		t.Fatal("dwell across zones alone must not authorize without an acc match")
	}
}

func TestJourneyCompletesOnExitLine(t *testing.T) {
	tr := newTestTracker(t, 10)
	tr.processEvent(trackCreate(100))
	tr.processEvent(zoneEntry(100, 1001))
	time.Sleep(20 * time.Millisecond)
	tr.processEvent(zoneExit(100, 1001))
	tr.processEvent(zoneEntry(100, 1007))

	if tr.ActiveTracks() != 1 {
		t.Fatalf("expected 1 active track before exit, got %d", tr.ActiveTracks())
	}

	tr.processEvent(lineCrossForward(100, 1006))

	if tr.ActiveTracks() != 0 {
		t.Fatalf("expected 0 active tracks after crossing the exit line, got %d", tr.ActiveTracks())
	}
}

func TestStitchTransfersAuthorizationAndDwell(t *testing.T) {
	tr := newTestTracker(t, 0)
	pos := domain.Position{X: 1.0, Y: 1.0, Height: 1.70}
	tr.processEvent(trackCreateAt(100, pos))

	person := tr.persons[100]
	person.Authorized = true
	person.AccumulatedDwellMs = 5000
	tr.persons[100] = person

	tr.processEvent(trackDeleteAt(100, pos))
	if tr.ActiveTracks() != 0 {
		t.Fatalf("expected 0 active tracks after delete, got %d", tr.ActiveTracks())
	}

	nearby := domain.Position{X: 1.05, Y: 1.0, Height: 1.71}
	tr.processEvent(trackCreateAt(200, nearby))

	if tr.ActiveTracks() != 1 {
		t.Fatalf("expected 1 active track after stitch, got %d", tr.ActiveTracks())
	}

	newPerson, ok := tr.persons[200]
	if !ok {
		t.Fatal("expected person 200 to exist")
	}
	if !newPerson.Authorized {
		t.Fatal("expected stitched person to inherit authorization")
	}
	if newPerson.AccumulatedDwellMs < 5000 {
		t.Fatalf("expected stitched person to inherit dwell, got %d", newPerson.AccumulatedDwellMs)
	}

	j, ok := tr.journeys.GetAny(200)
	if !ok {
		t.Fatal("expected an active journey for track 200")
	}
	if !j.Authorized {
		t.Fatal("expected the stitched journey to carry authorized=true")
	}
}

func TestStitchFailsTooFar(t *testing.T) {
	tr := newTestTracker(t, 0)
	pos := domain.Position{X: 1.0, Y: 1.0, Height: 1.70}
	tr.processEvent(trackCreateAt(100, pos))

	person := tr.persons[100]
	person.Authorized = true
	person.AccumulatedDwellMs = 5000
	tr.persons[100] = person

	tr.processEvent(trackDeleteAt(100, pos))

	far := domain.Position{X: 4.0, Y: 1.0, Height: 1.70}
	tr.processEvent(trackCreateAt(200, far))

	newPerson := tr.persons[200]
	if newPerson.Authorized {
		t.Fatal("a track 3m away must not stitch")
	}
	if newPerson.AccumulatedDwellMs != 0 {
		t.Fatalf("expected fresh dwell for unstitched track, got %d", newPerson.AccumulatedDwellMs)
	}
}

func TestAbsolutelyNoStitchWithoutPosition(t *testing.T) {
	tr := newTestTracker(t, 0)
	tr.processEvent(trackCreate(100))

	person := tr.persons[100]
	person.Authorized = true
	person.AccumulatedDwellMs = 99999
	tr.persons[100] = person

	tr.processEvent(domain.ParsedEvent{Type: domain.EventTrackDelete, TrackID: 100, ReceivedAt: time.Now()})

	tr.processEvent(trackCreate(200))

	newPerson := tr.persons[200]
	if newPerson.Authorized {
		t.Fatal("a fresh track with no position evidence must never stitch")
	}
	if newPerson.AccumulatedDwellMs != 0 {
		t.Fatalf("expected fresh dwell, got %d", newPerson.AccumulatedDwellMs)
	}
}

func TestAccAuthorizesDwellingTrackGroup(t *testing.T) {
	tr := newTestTracker(t, 50)
	tr.processEvent(trackCreate(100))
	tr.processEvent(zoneEntry(100, 1001))
	time.Sleep(60 * time.Millisecond)
	tr.processEvent(zoneExit(100, 1001))

	tr.handleAccEvent("10.0.0.5")

	if !tr.persons[100].Authorized {
		t.Fatal("expected the dwelling track to be authorized by the payment confirmation")
	}
	j, ok := tr.journeys.GetAny(100)
	if !ok || !j.Authorized {
		t.Fatal("expected the journey to carry authorized=true after the acc match")
	}
}

func TestAccUnmatchedForUnknownIP(t *testing.T) {
	tr := newTestTracker(t, 50)
	tr.processEvent(trackCreate(100))
	tr.processEvent(zoneEntry(100, 1001))
	time.Sleep(60 * time.Millisecond)
	tr.processEvent(zoneExit(100, 1001))

	tr.handleAccEvent("10.0.0.99")

	if tr.persons[100].Authorized {
		t.Fatal("an unmapped payment terminal ip must not authorize anyone")
	}
}

func TestGateOpensWhenAuthorizedTrackEntersGateZone(t *testing.T) {
	tr := newTestTracker(t, 50)
	tr.processEvent(trackCreate(100))
	tr.processEvent(zoneEntry(100, 1001))
	time.Sleep(60 * time.Millisecond)
	tr.processEvent(zoneExit(100, 1001))

	person := tr.persons[100]
	person.Authorized = true
	tr.persons[100] = person
	if j, ok := tr.journeys.GetMut(100); ok {
		j.Authorized = true
	}

	tr.processEvent(zoneEntry(100, 1007))

	j, ok := tr.journeys.GetAny(100)
	if !ok {
		t.Fatal("expected an active journey for track 100")
	}
	if !j.HasGateCmd {
		t.Fatal("expected entering the gate zone while authorized to enqueue a gate command")
	}
}
