package backpressure

import (
	"testing"
	"time"

	"github.com/sarvex/greptimedb/internal/engine/config"
)

func testConfig() config.BackpressureConfig {
	return config.BackpressureConfig{
		Enabled: true,
		Thresholds: config.BackpressureThresholds{
			Warning:   0.50,
			Critical:  0.80,
			Emergency: 0.95,
		},
		Hysteresis:    0.10,
		ThrottleDelay: time.Millisecond,
	}
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelNormal, "normal"},
		{LevelWarning, "warning"},
		{LevelCritical, "critical"},
		{LevelEmergency, "emergency"},
	}

	for _, tt := range tests {
		if tt.level.String() != tt.expected {
			t.Errorf("level %d: expected %s, got %s", tt.level, tt.expected, tt.level.String())
		}
	}
}

func TestCheckLevels(t *testing.T) {
	c := New(testConfig())

	tests := []struct {
		usage    float64
		expected Level
	}{
		{0.10, LevelNormal},
		{0.55, LevelWarning},
		{0.85, LevelCritical},
		{0.97, LevelEmergency},
	}

	for _, tt := range tests {
		got := c.Check(Usage{MemtableRatio: tt.usage})
		if got != tt.expected {
			t.Errorf("usage %.2f: expected %s, got %s", tt.usage, tt.expected, got)
		}
	}
}

func TestWorstSignalWins(t *testing.T) {
	c := New(testConfig())

	// Memtable fine, frozen queue full: emergency.
	got := c.Check(Usage{MemtableRatio: 0.1, FrozenRatio: 1.0, WALRatio: 0.2})
	if got != LevelEmergency {
		t.Errorf("expected emergency from frozen ratio, got %s", got)
	}
}

func TestHysteresisOnDescent(t *testing.T) {
	c := New(testConfig())

	c.Check(Usage{MemtableRatio: 0.55}) // warning

	// Just below the warning threshold: still warning inside the
	// hysteresis band.
	if got := c.Check(Usage{MemtableRatio: 0.45}); got != LevelWarning {
		t.Errorf("expected warning inside hysteresis band, got %s", got)
	}

	// Below threshold minus hysteresis: back to normal.
	if got := c.Check(Usage{MemtableRatio: 0.35}); got != LevelNormal {
		t.Errorf("expected normal after leaving band, got %s", got)
	}
}

func TestDecisions(t *testing.T) {
	c := New(testConfig())

	c.Check(Usage{MemtableRatio: 0.55})
	if c.ShouldReject() || c.ShouldThrottle() {
		t.Error("warning level must not reject or throttle")
	}
	if !c.ShouldPauseCompaction() {
		t.Error("warning level should pause compaction")
	}

	c.Check(Usage{MemtableRatio: 0.85})
	if !c.ShouldThrottle() {
		t.Error("critical level should throttle")
	}
	if c.ShouldReject() {
		t.Error("critical level must not reject")
	}
	if c.ThrottleDelay() != time.Millisecond {
		t.Error("expected configured throttle delay")
	}

	c.Check(Usage{MemtableRatio: 0.99})
	if !c.ShouldReject() {
		t.Error("emergency level should reject")
	}
}

func TestDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c := New(cfg)

	if got := c.Check(Usage{MemtableRatio: 2.0}); got != LevelNormal {
		t.Errorf("expected normal when disabled, got %s", got)
	}
	if c.ShouldReject() || c.ShouldThrottle() || c.ShouldPauseCompaction() {
		t.Error("disabled controller must not shed load")
	}
}

func TestStats(t *testing.T) {
	c := New(testConfig())

	c.Check(Usage{MemtableRatio: 0.99})
	c.RecordRejection()
	c.RecordRejection()

	st := c.Stats()
	if st.CurrentLevel != LevelEmergency {
		t.Errorf("expected emergency level, got %s", st.CurrentLevel)
	}
	if st.WritesRejected != 2 {
		t.Errorf("expected 2 rejections, got %d", st.WritesRejected)
	}
	if st.LevelChanges == 0 {
		t.Error("expected level changes recorded")
	}
}
