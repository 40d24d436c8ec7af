package docker

import (
	"encoding/json"
	"math"
	"testing"
)

func TestStatsSampleToStats(t *testing.T) {
	payload := `{
		"cpu_stats": {"cpu_usage": {"total_usage": 300}, "system_cpu_usage": 2000, "online_cpus": 2},
		"precpu_stats": {"cpu_usage": {"total_usage": 100}, "system_cpu_usage": 1000},
		"memory_stats": {"usage": 1000, "limit": 4000, "stats": {"inactive_file": 200}}
	}`
	var sample statsSample
	if err := json.Unmarshal([]byte(payload), &sample); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	stats := sample.toStats()
	if math.Abs(stats.CPUPercent-40) > 0.0001 {
		t.Fatalf("expected 40%% cpu, got %f", stats.CPUPercent)
	}
	if stats.MemoryBytes != 800 {
		t.Fatalf("expected 800 bytes after inactive_file, got %d", stats.MemoryBytes)
	}
	if stats.MemoryLimitBytes != 4000 {
		t.Fatalf("expected limit 4000, got %d", stats.MemoryLimitBytes)
	}
}

func TestStatsSampleWithoutPreviousSample(t *testing.T) {
	var sample statsSample
	sample.MemoryStats.Usage = 512
	stats := sample.toStats()
	if stats.CPUPercent != 0 {
		t.Fatalf("expected zero cpu without deltas, got %f", stats.CPUPercent)
	}
	if stats.MemoryBytes != 512 {
		t.Fatalf("expected raw usage, got %d", stats.MemoryBytes)
	}
}
