// Package acccollector matches payment (ACC) confirmations to the people
// currently dwelling at the point-of-sale zone the payment terminal belongs
// to, authorizing every co-present candidate in one shot (group purchase).
//
// Group membership is derived entirely from internal/posocc's candidate
// list rather than kept as a second, independent map: the set of tracks
// GetCandidates returns for a zone at the moment ACC fires *is* the group.
package acccollector

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/timour/edge-gateway/internal/domain"
	"github.com/timour/edge-gateway/internal/posocc"
)

// MaxTimeSinceExit is a 1.5 s delayed-match window for a payment that
// arrives after a track leaves a POS zone. ProcessAcc does not apply it:
// a track that exited stays a candidate for as long as posocc's exit grace
// window keeps it, and is authorized together with any present tracks.
const MaxTimeSinceExit = 1500 * time.Millisecond

// JourneyUpdater is the subset of *journeymgr.Manager the collector needs;
// declared narrowly so the collector doesn't import journeymgr directly.
type JourneyUpdater interface {
	GetMutAny(trackID int64) (*domain.Journey, bool)
	AddEvent(trackID int64, e domain.JourneyEvent)
}

// Collector resolves payment-terminal IPs to POS zone ids and authorizes
// the dwelling candidates at that zone when a payment confirmation arrives.
type Collector struct {
	occupancy *posocc.Occupancy
	ipToZone  map[string]int32
	log       *slog.Logger
}

// New creates a Collector backed by occupancy, resolving payment terminal
// IPs via ipToZone.
func New(occupancy *posocc.Occupancy, ipToZone map[string]int32, log *slog.Logger) *Collector {
	return &Collector{occupancy: occupancy, ipToZone: ipToZone, log: log}
}

// ZoneForIP resolves a payment terminal's source IP to its POS zone id.
func (c *Collector) ZoneForIP(ip string) (int32, bool) {
	zone, ok := c.ipToZone[ip]
	return zone, ok
}

// ProcessAcc handles a payment confirmation received from ip, authorizing
// every qualifying candidate at the resolved zone. Returns the matched
// track ids, empty if ip is unknown or nobody currently qualifies.
func (c *Collector) ProcessAcc(ip string, journeys JourneyUpdater) []int64 {
	zone, ok := c.ZoneForIP(ip)
	if !ok {
		c.log.Debug("acc_unknown_ip", slog.String("ip", ip))
		return nil
	}
	return c.ProcessAccByZone(zone, ip, journeys)
}

// ProcessAccByZone handles a payment confirmation already resolved to a POS
// zone (used when the terminal id IS the zone). kioskID is recorded on the
// journey event for diagnostics only.
func (c *Collector) ProcessAccByZone(zone int32, kioskID string, journeys JourneyUpdater) []int64 {
	now := time.Now()
	ts := domain.EpochMs()
	minDwell := c.occupancy.MinDwellMs()

	candidates := c.occupancy.GetCandidates(zone, now)
	if len(candidates) == 0 {
		c.log.Debug("acc_no_match", slog.Int("zone", int(zone)))
		return nil
	}

	qualifies := false
	for _, cand := range candidates {
		if cand.DwellMs >= minDwell {
			qualifies = true
			break
		}
	}
	if !qualifies {
		c.log.Debug("acc_candidates_insufficient_dwell",
			slog.Int("zone", int(zone)), slog.Int("candidate_count", len(candidates)))
		return nil
	}

	matched := make([]int64, 0, len(candidates))
	for _, cand := range candidates {
		matched = append(matched, cand.TrackID)
	}

	for _, tid := range matched {
		if j, ok := journeys.GetMutAny(tid); ok {
			j.AccMatched = true
		}
		journeys.AddEvent(tid, domain.NewJourneyEvent("acc", ts).
			WithZone(kioskID).
			WithExtra(groupExtra(kioskID, len(matched))))
	}

	c.log.Info("acc_matched_group",
		slog.Int("zone", int(zone)), slog.Int("group_size", len(matched)))

	return matched
}

func groupExtra(kioskID string, groupSize int) string {
	return "kiosk=" + kioskID + ",group=" + strconv.Itoa(groupSize)
}
