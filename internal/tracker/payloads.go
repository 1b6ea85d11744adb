package tracker

// zoneEventPayload is published whenever a track enters or exits any zone.
type zoneEventPayload struct {
	Tid          int64   `json:"tid"`
	T            string  `json:"t"`
	Z            *string `json:"z,omitempty"`
	Ts           uint64  `json:"ts"`
	Auth         bool    `json:"auth"`
	DwellMs      *uint64 `json:"dwell_ms,omitempty"`
	TotalDwellMs *uint64 `json:"total_dwell_ms,omitempty"`
}

// trackEventPayload is published on track_create/track_delete and the
// stitch/re-entry variants of a fresh track appearing.
type trackEventPayload struct {
	Ts           uint64  `json:"ts"`
	T            string  `json:"t"`
	Tid          int64   `json:"tid"`
	PrevTid      *int64  `json:"prev_tid,omitempty"`
	Auth         bool    `json:"auth"`
	DwellMs      uint64  `json:"dwell_ms"`
	StitchDistCm *uint64 `json:"stitch_dist_cm,omitempty"`
	StitchTimeMs *uint64 `json:"stitch_time_ms,omitempty"`
	ParentJid    *string `json:"parent_jid,omitempty"`
}

// gateStatePayload mirrors the door's observed state, correlated back to
// whichever track is currently mid-flow through the gate.
type gateStatePayload struct {
	Ts    uint64 `json:"ts"`
	State string `json:"state"`
	Tid   *int64 `json:"tid,omitempty"`
	Src   string `json:"src"`
}

// accEventPayload is published for every payment confirmation, whether it
// matched a group of dwelling tracks, arrived too late, or matched nothing.
type accEventPayload struct {
	Ts          uint64  `json:"ts"`
	T           string  `json:"t"`
	IP          string  `json:"ip"`
	Pos         *string `json:"pos,omitempty"`
	Tid         *int64  `json:"tid,omitempty"`
	DwellMs     *uint64 `json:"dwell_ms,omitempty"`
	GateZone    *string `json:"gate_zone,omitempty"`
	GateEntryTs *uint64 `json:"gate_entry_ts,omitempty"`
	DeltaMs     *uint64 `json:"delta_ms,omitempty"`
	GateCmdAt   *uint64 `json:"gate_cmd_at,omitempty"`
}

func ptrInt64(v int64) *int64    { return &v }
func ptrUint64(v uint64) *uint64 { return &v }

func optStr(s string, has bool) *string {
	if !has {
		return nil
	}
	return &s
}
