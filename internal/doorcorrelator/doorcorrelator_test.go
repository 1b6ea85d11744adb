package doorcorrelator

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/timour/edge-gateway/internal/domain"
	"github.com/timour/edge-gateway/internal/journeymgr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGateCmdRecorded(t *testing.T) {
	c := New(testLogger())
	c.RecordGateCmd(100)

	if len(c.pendingCmds) != 1 || c.pendingCmds[0].trackID != 100 {
		t.Fatalf("unexpected pending cmds: %+v", c.pendingCmds)
	}
}

func TestDoorOpenCorrelates(t *testing.T) {
	c := New(testLogger())
	jm := journeymgr.New()
	jm.NewJourney(100)

	c.RecordGateCmd(100)

	tid, ok := c.ProcessDoorState(domain.DoorOpen, jm)
	if !ok || tid != 100 {
		t.Fatalf("expected correlation with 100, got %d, %v", tid, ok)
	}

	j, _ := jm.Get(100)
	if !j.HasGateOpen {
		t.Fatal("expected gate_opened_at set")
	}
	if j.GateWasOpen {
		t.Fatal("expected gate_was_open false")
	}
}

func TestDoorWasAlreadyOpen(t *testing.T) {
	c := New(testLogger())
	jm := journeymgr.New()
	jm.NewJourney(100)

	c.lastStatus = domain.DoorOpen
	c.RecordGateCmd(100)
	if !c.pendingCmds[0].doorWasOpen {
		t.Fatal("expected door_was_open true")
	}

	c.lastStatus = domain.DoorMoving
	tid, ok := c.ProcessDoorState(domain.DoorOpen, jm)
	if !ok || tid != 100 {
		t.Fatalf("expected correlation, got %d %v", tid, ok)
	}

	j, _ := jm.Get(100)
	if !j.GateWasOpen {
		t.Fatal("expected gate_was_open true")
	}
}

func TestNoCorrelationWithoutCmd(t *testing.T) {
	c := New(testLogger())
	jm := journeymgr.New()

	_, ok := c.ProcessDoorState(domain.DoorOpen, jm)
	if ok {
		t.Fatal("expected no correlation")
	}
}

func TestNoCorrelationDoorClosed(t *testing.T) {
	c := New(testLogger())
	jm := journeymgr.New()
	jm.NewJourney(100)
	c.RecordGateCmd(100)

	_, ok := c.ProcessDoorState(domain.DoorClosed, jm)
	if ok {
		t.Fatal("expected no correlation on close")
	}
}

func TestNoCorrelationAlreadyOpen(t *testing.T) {
	c := New(testLogger())
	jm := journeymgr.New()
	jm.NewJourney(100)

	c.lastStatus = domain.DoorOpen
	c.RecordGateCmd(100)

	_, ok := c.ProcessDoorState(domain.DoorOpen, jm)
	if ok {
		t.Fatal("expected no correlation without transition")
	}
}

func TestCleanupOldCmds(t *testing.T) {
	c := New(testLogger())
	jm := journeymgr.New()

	c.pendingCmds = append(c.pendingCmds, pendingCmd{
		trackID: 100,
		sentAt:  time.Now().Add(-15 * time.Second),
	})

	c.ProcessDoorState(domain.DoorClosed, jm)

	if len(c.pendingCmds) != 0 {
		t.Fatalf("expected pending cmds cleaned up, got %d", len(c.pendingCmds))
	}
}

func TestMovingToOpenTransition(t *testing.T) {
	c := New(testLogger())
	jm := journeymgr.New()
	jm.NewJourney(100)

	c.RecordGateCmd(100)

	c.ProcessDoorState(domain.DoorMoving, jm)
	if len(c.pendingCmds) != 1 {
		t.Fatalf("expected still pending, got %d", len(c.pendingCmds))
	}

	tid, ok := c.ProcessDoorState(domain.DoorOpen, jm)
	if !ok || tid != 100 {
		t.Fatalf("expected correlation with 100, got %d %v", tid, ok)
	}
}

func TestNewestCommandSelected(t *testing.T) {
	c := New(testLogger())
	jm := journeymgr.New()
	jm.NewJourney(100)
	jm.NewJourney(200)

	c.RecordGateCmd(100)
	c.RecordGateCmd(200)

	tid, ok := c.ProcessDoorState(domain.DoorOpen, jm)
	if !ok || tid != 200 {
		t.Fatalf("expected newest command (200), got %d %v", tid, ok)
	}
	if len(c.pendingCmds) != 1 || c.pendingCmds[0].trackID != 100 {
		t.Fatalf("expected 100 still pending, got %+v", c.pendingCmds)
	}
}

func TestPerCommandDoorWasOpen(t *testing.T) {
	c := New(testLogger())
	jm := journeymgr.New()
	jm.NewJourney(100)
	jm.NewJourney(200)

	c.lastStatus = domain.DoorClosed
	c.RecordGateCmd(100)
	if c.pendingCmds[0].doorWasOpen {
		t.Fatal("expected door_was_open false for first command")
	}

	c.lastStatus = domain.DoorOpen
	c.RecordGateCmd(200)
	if !c.pendingCmds[1].doorWasOpen {
		t.Fatal("expected door_was_open true for second command")
	}

	c.lastStatus = domain.DoorMoving
	tid, ok := c.ProcessDoorState(domain.DoorOpen, jm)
	if !ok || tid != 200 {
		t.Fatalf("expected match with 200, got %d %v", tid, ok)
	}

	j, _ := jm.Get(200)
	if !j.GateWasOpen {
		t.Fatal("expected gate_was_open true from track 200's command")
	}
}
