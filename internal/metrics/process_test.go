package metrics

import (
	"encoding/json"
	"testing"
	"time"
)

func TestProcessMetricsUpdate(t *testing.T) {
	pm := NewProcessMetrics()
	if err := pm.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	stor := pm.Get()
	if stor.Timestamp == 0 {
		t.Fatal("expected non-zero timestamp")
	}
	if stor.Title == "" {
		t.Fatal("expected process title to be set")
	}
	// First update has no previous sample to diff against.
	if stor.CPUPercent != 0 {
		t.Fatalf("first sample cpu percent: got %v, want 0", stor.CPUPercent)
	}
}

func TestProcessMetricsCPUDelta(t *testing.T) {
	pm := NewProcessMetrics()
	if err := pm.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// Burn a little CPU so the delta is measurable.
	deadline := time.Now().Add(20 * time.Millisecond)
	x := 0
	for time.Now().Before(deadline) {
		x++
	}
	_ = x
	if err := pm.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	stor := pm.Get()
	if stor.CPUPercent < 0 {
		t.Fatalf("cpu percent must not be negative: %v", stor.CPUPercent)
	}
	if stor.CPU != stor.CPUPercent {
		t.Fatalf("cpu (%v) must duplicate cpuPercent (%v)", stor.CPU, stor.CPUPercent)
	}
}

func TestProcessMetricsJSON(t *testing.T) {
	pm := NewProcessMetrics()
	if err := pm.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	s, err := pm.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	for _, key := range []string{"timestamp", "uptime", "rss", "load1m", "cpuPercent"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("missing key %q in %s", key, s)
		}
	}
}
