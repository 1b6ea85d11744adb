// Package mqttio subscribes to the ceiling sensor's MQTT feed, decodes its
// Xovis-format live-data JSON into domain.ParsedEvent values. Outbound MQTT
// publication is handled by internal/egress.
package mqttio

import (
	"encoding/json"
	"time"

	"github.com/timour/edge-gateway/internal/domain"
)

type xovisMessage struct {
	LiveData *xovisLiveData `json:"live_data"`
}

type xovisLiveData struct {
	Frames []xovisFrame `json:"frames"`
}

type xovisFrame struct {
	Time           json.RawMessage      `json:"time"`
	TrackedObjects []xovisTrackedObject `json:"tracked_objects"`
	Events         []xovisEvent         `json:"events"`
}

type xovisTrackedObject struct {
	TrackID  int64     `json:"track_id"`
	Type     string    `json:"type"`
	Position []float64 `json:"position"`
}

type xovisEvent struct {
	Type       string           `json:"type"`
	Attributes *xovisEventAttrs `json:"attributes"`
}

type xovisEventAttrs struct {
	TrackID    *int64 `json:"track_id"`
	GeometryID *int32 `json:"geometry_id"`
	Direction  string `json:"direction"`
}

// ParseXovisMessage decodes a single MQTT payload into zero or more
// normalized events, tagging each with receivedAt.
func ParseXovisMessage(payload []byte, receivedAt time.Time) []domain.ParsedEvent {
	events := make([]domain.ParsedEvent, 0, 8)

	var msg xovisMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return events
	}
	if msg.LiveData == nil {
		return events
	}

	for _, frame := range msg.LiveData.Frames {
		events = append(events, parseFrame(frame, receivedAt)...)
	}
	return events
}

func parseFrame(frame xovisFrame, receivedAt time.Time) []domain.ParsedEvent {
	events := make([]domain.ParsedEvent, 0, 8)

	positions := make(map[int64]domain.Position, len(frame.TrackedObjects))
	for _, obj := range frame.TrackedObjects {
		if len(obj.Position) >= 3 {
			positions[obj.TrackID] = domain.Position{X: obj.Position[0], Y: obj.Position[1], Height: obj.Position[2]}
		}
	}

	eventTime := parseTimestampValue(frame.Time)

	for _, xe := range frame.Events {
		eventType, raw := domain.ParseEventType(xe.Type)
		if xe.Attributes == nil || xe.Attributes.TrackID == nil {
			continue
		}
		trackID := *xe.Attributes.TrackID

		event := domain.ParsedEvent{
			Type:        eventType,
			TrackID:     trackID,
			Direction:   xe.Attributes.Direction,
			EventTimeMs: eventTime,
			ReceivedAt:  receivedAt,
			RawType:     raw,
		}
		if xe.Attributes.GeometryID != nil {
			event.GeometryID = *xe.Attributes.GeometryID
			event.HasGeometry = true
		}
		if pos, ok := positions[trackID]; ok {
			event.Position = pos
			event.HasPosition = true
		}

		events = append(events, event)
	}

	return events
}

// parseTimestampValue accepts either a JSON number (epoch milliseconds) or
// an RFC 3339 string timestamp, the two forms the sensor has been observed
// to emit for a frame's "time" field.
func parseTimestampValue(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}

	var asNumber uint64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if ms, ok := parseISOTime(asString); ok {
			return ms
		}
	}

	return 0
}

func parseISOTime(s string) (uint64, bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, false
	}
	return uint64(t.UnixMilli()), true
}
