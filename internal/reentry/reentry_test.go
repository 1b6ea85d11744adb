package reentry

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordExit(t *testing.T) {
	d := New(testLogger())
	d.RecordExit("jid1", "pid1", 1.75, true)

	if d.PendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", d.PendingCount())
	}
}

func TestRecordExitNoHeight(t *testing.T) {
	d := New(testLogger())
	d.RecordExit("jid1", "pid1", 0, false)

	if d.PendingCount() != 0 {
		t.Fatalf("expected 0 pending, got %d", d.PendingCount())
	}
}

func TestMatchByHeight(t *testing.T) {
	d := New(testLogger())
	d.RecordExit("jid1", "pid1", 1.75, true)

	m, ok := d.TryMatch(1.75, true)
	if !ok {
		t.Fatal("expected match")
	}
	if m.ParentJid != "jid1" || m.ParentPid != "pid1" {
		t.Fatalf("unexpected match: %+v", m)
	}
	if d.PendingCount() != 0 {
		t.Fatalf("expected removed after match, got %d pending", d.PendingCount())
	}
}

func TestMatchWithinHeightTolerance(t *testing.T) {
	d := New(testLogger())
	d.RecordExit("jid1", "pid1", 1.75, true)

	m, ok := d.TryMatch(1.80, true)
	if !ok || m.ParentJid != "jid1" {
		t.Fatalf("expected match within tolerance, got %+v, %v", m, ok)
	}
}

func TestNoMatchHeightTooDifferent(t *testing.T) {
	d := New(testLogger())
	d.RecordExit("jid1", "pid1", 1.75, true)

	_, ok := d.TryMatch(1.90, true)
	if ok {
		t.Fatal("expected no match")
	}
	if d.PendingCount() != 1 {
		t.Fatalf("expected still pending, got %d", d.PendingCount())
	}
}

func TestNoMatchWithoutHeight(t *testing.T) {
	d := New(testLogger())
	d.RecordExit("jid1", "pid1", 1.75, true)

	_, ok := d.TryMatch(0, false)
	if ok {
		t.Fatal("expected no match")
	}
}

func TestBestHeightMatch(t *testing.T) {
	d := New(testLogger())
	d.RecordExit("jid1", "pid1", 1.75, true)
	d.RecordExit("jid2", "pid2", 1.80, true)

	m, ok := d.TryMatch(1.79, true)
	if !ok || m.ParentJid != "jid2" {
		t.Fatalf("expected jid2 closer match, got %+v, %v", m, ok)
	}
}

func TestNoMatchTimeout(t *testing.T) {
	d := New(testLogger())
	d.recentExits = append(d.recentExits, recentExit{
		jid: "jid1", pid: "pid1", height: 1.75,
		exitedAt: time.Now().Add(-60 * time.Second),
	})

	_, ok := d.TryMatch(1.75, true)
	if ok {
		t.Fatal("expected no match due to timeout")
	}
}

func TestCleanupOldExits(t *testing.T) {
	d := New(testLogger())
	d.recentExits = append(d.recentExits, recentExit{
		jid: "jid_old", pid: "pid_old", height: 1.75,
		exitedAt: time.Now().Add(-120 * time.Second),
	})
	d.RecordExit("jid_new", "pid_new", 1.80, true)

	d.TryMatch(2.20, true)

	if d.PendingCount() != 1 {
		t.Fatalf("expected 1 remaining, got %d", d.PendingCount())
	}
	if d.recentExits[0].jid != "jid_new" {
		t.Fatalf("expected jid_new to remain, got %s", d.recentExits[0].jid)
	}
}
