package runtime

import (
	"testing"
	"time"
)

func TestResourceTrackerSnapshot(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	tracker := newResourceTracker()
	tracker.now = func() time.Time { return clock }
	tracker.started = clock

	first := tracker.Snapshot()
	if first.CPUPercent != 0 {
		t.Fatalf("expected no CPU percent without a previous sample, got %f", first.CPUPercent)
	}
	if first.HeapBytes == 0 || first.Goroutines == 0 {
		t.Fatalf("expected heap and goroutine readings, got %+v", first)
	}

	clock = clock.Add(30 * time.Second)
	second := tracker.Snapshot()
	if second.CPUPercent < 0 {
		t.Fatalf("expected non-negative CPU percent, got %f", second.CPUPercent)
	}
	if second.UptimeSeconds != 30 {
		t.Fatalf("expected 30s uptime, got %f", second.UptimeSeconds)
	}
}

func TestResourceTrackerZeroValues(t *testing.T) {
	var nilTracker *resourceTracker
	if usage := nilTracker.Snapshot(); usage != (ResourceUsage{}) {
		t.Fatalf("expected zero usage from nil tracker, got %+v", usage)
	}

	usage := (&resourceTracker{}).Snapshot()
	if usage.HeapBytes == 0 {
		t.Fatal("expected a bare tracker to initialise its samples")
	}
	if usage.UptimeSeconds != 0 {
		t.Fatalf("expected no uptime without a start time, got %f", usage.UptimeSeconds)
	}
}
