package metrics

import "testing"

func TestRecordEventProcessedAccumulates(t *testing.T) {
	m := New()
	m.RecordEventProcessed(50)
	m.RecordEventProcessed(150)
	m.RecordEventProcessed(5000)

	if m.EventsTotal() != 3 {
		t.Fatalf("unexpected events total: %d", m.EventsTotal())
	}

	summary := m.Report(0, 0)
	if summary.EventsTotal != 3 {
		t.Fatalf("unexpected summary events total: %d", summary.EventsTotal)
	}
	if summary.MaxProcessLatencyUs != 5000 {
		t.Fatalf("unexpected max latency: %d", summary.MaxProcessLatencyUs)
	}
	if summary.AvgProcessLatencyUs == 0 {
		t.Fatal("expected non-zero average latency")
	}
}

func TestReportResetsPeriodicCounters(t *testing.T) {
	m := New()
	m.RecordEventProcessed(100)
	first := m.Report(0, 0)
	if first.EventsTotal != 1 {
		t.Fatalf("unexpected first report: %+v", first)
	}

	second := m.Report(0, 0)
	if second.EventsTotal != 1 {
		t.Fatal("events total is monotonic, should not reset")
	}
	if second.AvgProcessLatencyUs != 0 {
		t.Fatalf("expected periodic latency to reset to zero, got %d", second.AvgProcessLatencyUs)
	}
}

func TestPosZoneOccupancyTracksEnterExit(t *testing.T) {
	m := New()
	m.SetPOSZones([]int32{1001, 1002})

	m.PosZoneEnter(1001)
	m.PosZoneEnter(1001)
	m.PosZoneExit(1001)

	occ := m.PosOccupancy()
	if occ[1001] != 1 {
		t.Fatalf("unexpected occupancy: %+v", occ)
	}
	if occ[1002] != 0 {
		t.Fatalf("unexpected occupancy for unused zone: %+v", occ)
	}
}

func TestPosZoneExitDoesNotUnderflow(t *testing.T) {
	m := New()
	m.SetPOSZones([]int32{1001})
	m.PosZoneExit(1001)
	m.PosZoneExit(1001)

	occ := m.PosOccupancy()
	if occ[1001] != 0 {
		t.Fatalf("expected occupancy to saturate at zero, got %d", occ[1001])
	}
}

func TestRecordGateQueueDelaySatisfiesRecorderInterface(t *testing.T) {
	m := New()
	var recorder interface{ RecordGateQueueDelay(uint64) } = m
	recorder.RecordGateQueueDelay(250)

	summary := m.Report(0, 0)
	if summary.GateQueueDelayMaxUs != 250 {
		t.Fatalf("unexpected queue delay max: %d", summary.GateQueueDelayMaxUs)
	}
}

func TestDropRatiosGuardDivideByZero(t *testing.T) {
	m := New()
	summary := m.Report(0, 0)
	if summary.MqttDropRatio != 0 || summary.AccDropRatio != 0 {
		t.Fatalf("expected zero ratios with no traffic, got %+v", summary)
	}
}
