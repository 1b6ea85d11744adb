// Package stitcher re-associates a track that disappears (occlusion, sensor
// gap) with the one that reappears shortly after nearby, so the two are
// treated as the same journey rather than an abandoned one plus a fresh one.
package stitcher

import (
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/timour/edge-gateway/internal/domain"
)

const (
	maxTimeMs           = 4500
	maxTimePosZoneMs    = 8000
	maxTimeSpawnHintMs  = 10000
	maxDistanceCm       = 180.0
	maxDistanceSameZone = 300.0
	maxDistanceSpawn    = 190.0
	maxHeightDiffCm     = 10.0
	maxHeightDiffPosCm  = 15.0
)

// ExpiryRecorder receives a count when a pending track ages out unmatched,
// satisfied by internal/metrics without stitcher needing to import it.
type ExpiryRecorder interface {
	RecordStitchExpired()
}

// Match is a successful stitch: the resurrected person plus the age and
// distance of the match, recorded on the resulting journey's stitch event.
type Match struct {
	Person     domain.Person
	TimeMs     uint64
	DistanceCm uint32
}

type pendingTrack struct {
	person    domain.Person
	deletedAt time.Time
	position  domain.Position
	hasPos    bool
	lastZone  string
}

// PendingInfo is diagnostic information about a track awaiting a stitch
// match, exposed for the ACC debugging surface.
type PendingInfo struct {
	TrackID    int64
	LastZone   string
	Authorized bool
	PendingMs  uint64
}

// Stitcher holds tracks that recently disappeared and matches them against
// newly appearing ones by position, height, and elapsed time.
type Stitcher struct {
	pending []pendingTrack
	metrics ExpiryRecorder
	log     *slog.Logger
}

// New creates a Stitcher. metrics may be nil.
func New(metrics ExpiryRecorder, log *slog.Logger) *Stitcher {
	return &Stitcher{metrics: metrics, log: log}
}

// AddPending records a just-deleted track as a stitch candidate.
func (s *Stitcher) AddPending(person domain.Person, position domain.Position, hasPosition bool, lastZone string) {
	s.log.Debug("pending_stitch_added",
		slog.Int64("track_id", person.TrackID),
		slog.Bool("authorized", person.Authorized),
		slog.String("last_zone", lastZone))

	s.pending = append(s.pending, pendingTrack{
		person:    person,
		deletedAt: time.Now(),
		position:  position,
		hasPos:    hasPosition,
		lastZone:  lastZone,
	})
}

// FindMatch looks for a stitch candidate at newPosition with no zone
// context or spawn hint.
func (s *Stitcher) FindMatch(newPosition domain.Position, hasPosition bool) (Match, bool) {
	return s.FindMatchWithContext(newPosition, hasPosition, "", false)
}

// FindMatchWithZone looks for a stitch candidate, using the extended
// same-zone distance threshold when currentZone matches a pending track's
// last zone.
func (s *Stitcher) FindMatchWithZone(newPosition domain.Position, hasPosition bool, currentZone string) (Match, bool) {
	return s.FindMatchWithContext(newPosition, hasPosition, currentZone, false)
}

// FindMatchWithContext is the full matcher. spawnHint marks a track that
// reappears at a POS zone with no entry-line crossing (a likely
// re-detection of an existing customer rather than a new one): for a
// pending track last seen in that same POS zone it sets the time limit to
// 10s and the distance limit to 190cm. The height tolerance depends only
// on whether the pending track's last zone is a POS zone.
func (s *Stitcher) FindMatchWithContext(newPosition domain.Position, hasPosition bool, currentZone string, spawnHint bool) (Match, bool) {
	s.cleanupExpired()

	if !hasPosition {
		return Match{}, false
	}
	now := time.Now()

	type candidate struct {
		idx        int
		distanceCm float64
		sameZone   bool
	}
	var best *candidate

	for i, p := range s.pending {
		isPosZone := strings.HasPrefix(p.lastZone, "POS_")
		sameZone := currentZone != "" && p.lastZone == currentZone

		ageMs := uint64(now.Sub(p.deletedAt).Milliseconds())
		maxTime := uint64(maxTimeMs)
		switch {
		case spawnHint && isPosZone && sameZone:
			maxTime = maxTimeSpawnHintMs
		case isPosZone:
			maxTime = maxTimePosZoneMs
		}
		if ageMs > maxTime {
			continue
		}

		if !p.hasPos {
			continue
		}

		heightDiffCm := math.Abs(newPosition.Height-p.position.Height) * 100.0
		maxHeight := maxHeightDiffCm
		if isPosZone {
			maxHeight = maxHeightDiffPosCm
		}
		if heightDiffCm > maxHeight {
			continue
		}

		dx := newPosition.X - p.position.X
		dy := newPosition.Y - p.position.Y
		distanceCm := math.Sqrt(dx*dx+dy*dy) * 100.0

		maxDistance := maxDistanceCm
		switch {
		case sameZone && spawnHint:
			maxDistance = maxDistanceSpawn
		case sameZone:
			maxDistance = maxDistanceSameZone
		}
		if distanceCm > maxDistance {
			continue
		}

		dominated := false
		if best != nil {
			switch {
			case best.sameZone && !sameZone:
				dominated = true
			case sameZone == best.sameZone && best.distanceCm <= distanceCm:
				dominated = true
			}
		}
		if !dominated {
			best = &candidate{idx: i, distanceCm: distanceCm, sameZone: sameZone}
		}
	}

	if best == nil {
		return Match{}, false
	}

	p := s.pending[best.idx]
	s.pending[best.idx] = s.pending[len(s.pending)-1]
	s.pending = s.pending[:len(s.pending)-1]

	timeMs := uint64(now.Sub(p.deletedAt).Milliseconds())
	s.log.Info("stitch_match_found",
		slog.Int64("old_track_id", p.person.TrackID),
		slog.Float64("distance_cm", best.distanceCm),
		slog.Uint64("time_ms", timeMs),
		slog.Bool("same_zone", best.sameZone))

	return Match{Person: p.person, TimeMs: timeMs, DistanceCm: uint32(best.distanceCm)}, true
}

func (s *Stitcher) cleanupExpired() {
	now := time.Now()
	kept := s.pending[:0]
	for _, p := range s.pending {
		ageMs := uint64(now.Sub(p.deletedAt).Milliseconds())
		maxTime := uint64(maxTimeMs)
		if strings.HasPrefix(p.lastZone, "POS_") {
			maxTime = maxTimePosZoneMs
		}
		if ageMs > maxTime {
			s.log.Info("stitch_expired_lost",
				slog.Int64("track_id", p.person.TrackID),
				slog.Bool("authorized", p.person.Authorized),
				slog.Uint64("age_ms", ageMs))
			if s.metrics != nil {
				s.metrics.RecordStitchExpired()
			}
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept
}

// PendingCount returns the number of tracks currently awaiting a stitch.
func (s *Stitcher) PendingCount() int { return len(s.pending) }

// GetPendingInfo returns diagnostic info for every pending track, used by
// the ACC debugging surface.
func (s *Stitcher) GetPendingInfo() []PendingInfo {
	now := time.Now()
	info := make([]PendingInfo, 0, len(s.pending))
	for _, p := range s.pending {
		info = append(info, PendingInfo{
			TrackID:    p.person.TrackID,
			LastZone:   p.lastZone,
			Authorized: p.person.Authorized,
			PendingMs:  uint64(now.Sub(p.deletedAt).Milliseconds()),
		})
	}
	return info
}
