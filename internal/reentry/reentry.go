// Package reentry detects when a person who recently exited the store
// returns through the entry line shortly after, so the new journey can be
// linked back to the same person (pid) rather than starting fresh.
package reentry

import (
	"log/slog"
	"math"
	"time"
)

const (
	maxWindow     = 30 * time.Second
	maxHeightDiff = 0.10 // meters
)

type recentExit struct {
	jid      string
	pid      string
	height   float64
	exitedAt time.Time
}

// Match is a detected re-entry: the journey and person id to continue.
type Match struct {
	ParentJid string
	ParentPid string
}

// Detector matches newly created tracks against recent exits by elapsed
// time and height.
type Detector struct {
	recentExits []recentExit
	log         *slog.Logger
}

// New creates an empty Detector.
func New(log *slog.Logger) *Detector {
	return &Detector{log: log}
}

// RecordExit records jid/pid's exit at the given height for later
// matching. A no-op if height is unknown.
func (d *Detector) RecordExit(jid, pid string, height float64, hasHeight bool) {
	if !hasHeight {
		d.log.Debug("reentry_exit_no_height", slog.String("jid", jid))
		return
	}
	d.recentExits = append(d.recentExits, recentExit{jid: jid, pid: pid, height: height, exitedAt: time.Now()})
}

// TryMatch attempts to match a new entry at the given height against a
// recent exit, removing and returning the closest-height match within the
// time window. Returns false if height is unknown or nothing matches.
func (d *Detector) TryMatch(height float64, hasHeight bool) (Match, bool) {
	d.cleanupOldExits()

	if !hasHeight {
		return Match{}, false
	}
	now := time.Now()

	bestIdx := -1
	bestDiff := math.MaxFloat64
	for i, exit := range d.recentExits {
		if now.Sub(exit.exitedAt) > maxWindow {
			continue
		}
		diff := math.Abs(exit.height - height)
		if diff <= maxHeightDiff && diff < bestDiff {
			bestIdx = i
			bestDiff = diff
		}
	}

	if bestIdx < 0 {
		d.log.Debug("reentry_no_match", slog.Float64("height", height))
		return Match{}, false
	}

	exit := d.recentExits[bestIdx]
	d.recentExits = append(d.recentExits[:bestIdx], d.recentExits[bestIdx+1:]...)

	d.log.Info("reentry_matched",
		slog.String("parent_jid", exit.jid),
		slog.String("parent_pid", exit.pid),
		slog.Int("height_diff_cm", int(bestDiff*100.0)))

	return Match{ParentJid: exit.jid, ParentPid: exit.pid}, true
}

func (d *Detector) cleanupOldExits() {
	now := time.Now()
	kept := d.recentExits[:0]
	for _, exit := range d.recentExits {
		if now.Sub(exit.exitedAt) <= maxWindow*2 {
			kept = append(kept, exit)
		}
	}
	d.recentExits = kept
}

// PendingCount returns the number of exits awaiting a re-entry match.
func (d *Detector) PendingCount() int { return len(d.recentExits) }
