package stitcher

import (
	"io"
	"log/slog"
	"testing"

	"github.com/timour/edge-gateway/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pos(x, y, h float64) domain.Position {
	return domain.Position{X: x, Y: y, Height: h}
}

func TestStitchWithinCriteria(t *testing.T) {
	s := New(nil, testLogger())

	p := domain.NewPerson(100)
	p.Authorized = true
	s.AddPending(p, pos(1.0, 1.0, 1.70), true, "POS_1")

	m, ok := s.FindMatch(pos(1.5, 1.0, 1.72), true)
	if !ok {
		t.Fatal("expected match")
	}
	if m.Person.TrackID != 100 || !m.Person.Authorized {
		t.Fatalf("unexpected match: %+v", m)
	}
	if m.DistanceCm != 50 {
		t.Fatalf("expected 50cm distance, got %d", m.DistanceCm)
	}
}

func TestStitchTooFar(t *testing.T) {
	s := New(nil, testLogger())
	s.AddPending(domain.NewPerson(100), pos(1.0, 1.0, 1.70), true, "")

	_, ok := s.FindMatch(pos(4.0, 1.0, 1.70), true)
	if ok {
		t.Fatal("expected no match")
	}
	if s.PendingCount() != 1 {
		t.Fatalf("expected still pending, got %d", s.PendingCount())
	}
}

func TestStitchHeightMismatch(t *testing.T) {
	s := New(nil, testLogger())
	s.AddPending(domain.NewPerson(100), pos(1.0, 1.0, 1.70), true, "")

	_, ok := s.FindMatch(pos(1.0, 1.0, 1.90), true)
	if ok {
		t.Fatal("expected no match")
	}
}

func TestNoPositionNoMatch(t *testing.T) {
	s := New(nil, testLogger())
	s.AddPending(domain.NewPerson(100), pos(1.0, 1.0, 1.70), true, "")

	_, ok := s.FindMatch(domain.Position{}, false)
	if ok {
		t.Fatal("expected no match without position")
	}
}

func TestPendingWithoutPosition(t *testing.T) {
	s := New(nil, testLogger())
	s.AddPending(domain.NewPerson(100), domain.Position{}, false, "")

	_, ok := s.FindMatch(pos(1.0, 1.0, 1.70), true)
	if ok {
		t.Fatal("expected no match")
	}
	if s.PendingCount() != 1 {
		t.Fatalf("expected still pending, got %d", s.PendingCount())
	}
}

func TestBestMatchSelected(t *testing.T) {
	s := New(nil, testLogger())

	p1 := domain.NewPerson(100)
	s.AddPending(p1, pos(1.0, 1.0, 1.70), true, "")

	p2 := domain.NewPerson(200)
	p2.Authorized = true
	s.AddPending(p2, pos(1.2, 1.0, 1.70), true, "")

	m, ok := s.FindMatch(pos(1.3, 1.0, 1.70), true)
	if !ok {
		t.Fatal("expected match")
	}
	if m.Person.TrackID != 200 || !m.Person.Authorized {
		t.Fatalf("expected closer match (200), got %+v", m)
	}
	if m.DistanceCm != 10 {
		t.Fatalf("expected 10cm, got %d", m.DistanceCm)
	}
	if s.PendingCount() != 1 {
		t.Fatalf("expected person1 still pending, got %d", s.PendingCount())
	}
}

func TestAbsolutelyNoStitch(t *testing.T) {
	s := New(nil, testLogger())
	p := domain.NewPerson(100)
	p.Authorized = true
	s.AddPending(p, pos(0.0, 0.0, 1.50), true, "POS_2")

	_, ok := s.FindMatch(pos(10.0, 10.0, 2.00), true)
	if ok {
		t.Fatal("expected no match")
	}
	if s.PendingCount() != 1 {
		t.Fatalf("expected still pending, got %d", s.PendingCount())
	}
}

func TestGetPendingInfo(t *testing.T) {
	s := New(nil, testLogger())
	p := domain.NewPerson(100)
	p.Authorized = true
	s.AddPending(p, pos(1.0, 1.0, 1.70), true, "POS_1")

	info := s.GetPendingInfo()
	if len(info) != 1 {
		t.Fatalf("expected 1 pending info, got %d", len(info))
	}
	if info[0].TrackID != 100 || info[0].LastZone != "POS_1" || !info[0].Authorized {
		t.Fatalf("unexpected info: %+v", info[0])
	}
}

func TestSpawnHintRelaxedHeightInPosZone(t *testing.T) {
	s := New(nil, testLogger())
	p := domain.NewPerson(100)
	p.Authorized = true
	s.AddPending(p, pos(1.0, 1.0, 1.70), true, "POS_1")

	m, ok := s.FindMatchWithContext(pos(1.0, 1.0, 1.82), true, "POS_1", true)
	if !ok {
		t.Fatal("expected 12cm height diff to match in POS zone")
	}
	if m.Person.TrackID != 100 {
		t.Fatalf("unexpected match: %+v", m)
	}
}

func TestSpawnHintHeightStillRejectedIfTooFar(t *testing.T) {
	s := New(nil, testLogger())
	s.AddPending(domain.NewPerson(100), pos(1.0, 1.0, 1.70), true, "POS_1")

	_, ok := s.FindMatchWithContext(pos(1.0, 1.0, 1.88), true, "POS_1", true)
	if ok {
		t.Fatal("expected 18cm height diff to be rejected")
	}
}

func TestSpawnHintUses190cmDistanceForSameZone(t *testing.T) {
	s := New(nil, testLogger())
	p := domain.NewPerson(100)
	p.Authorized = true
	s.AddPending(p, pos(1.0, 1.0, 1.70), true, "POS_1")

	m, ok := s.FindMatchWithContext(pos(2.85, 1.0, 1.70), true, "POS_1", true)
	if !ok {
		t.Fatal("expected 185cm to match with spawn_hint same zone")
	}
	if m.DistanceCm != 185 {
		t.Fatalf("expected 185cm, got %d", m.DistanceCm)
	}
}

func TestSpawnHintRejectsBeyond190cm(t *testing.T) {
	s := New(nil, testLogger())
	s.AddPending(domain.NewPerson(100), pos(1.0, 1.0, 1.70), true, "POS_1")

	_, ok := s.FindMatchWithContext(pos(2.95, 1.0, 1.70), true, "POS_1", true)
	if ok {
		t.Fatal("expected 195cm to be rejected")
	}
}

func TestSpawnHintWithoutSameZoneUsesBaseDistance(t *testing.T) {
	s := New(nil, testLogger())
	s.AddPending(domain.NewPerson(100), pos(1.0, 1.0, 1.70), true, "POS_1")

	_, ok := s.FindMatchWithContext(pos(2.85, 1.0, 1.70), true, "POS_2", true)
	if ok {
		t.Fatal("expected 185cm to be rejected for different zones")
	}
}

func TestBaseHeightCheckForNonPosZones(t *testing.T) {
	s := New(nil, testLogger())
	s.AddPending(domain.NewPerson(100), pos(1.0, 1.0, 1.70), true, "STORE")

	_, ok := s.FindMatchWithContext(pos(1.0, 1.0, 1.82), true, "STORE", false)
	if ok {
		t.Fatal("expected 12cm height diff to be rejected in STORE zone")
	}
}

func TestSameZoneWithoutSpawnHintUses300cm(t *testing.T) {
	s := New(nil, testLogger())
	p := domain.NewPerson(100)
	p.Authorized = true
	s.AddPending(p, pos(1.0, 1.0, 1.70), true, "POS_1")

	m, ok := s.FindMatchWithContext(pos(3.5, 1.0, 1.70), true, "POS_1", false)
	if !ok {
		t.Fatal("expected 250cm to match for same zone without spawn_hint")
	}
	if m.DistanceCm != 250 {
		t.Fatalf("expected 250cm, got %d", m.DistanceCm)
	}
}
