// Package backpressure maps a region's write-buffer pressure to load
// shedding decisions. The controller tracks a watermark level over the
// memtable byte budget and frozen flush queue; writers consult it to
// throttle or reject, and the flush path consults it to decide whether
// compaction admission should pause.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarvex/greptimedb/internal/engine/config"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - region operating normally.
	LevelNormal Level = iota

	// LevelWarning - elevated pressure, pause compaction admission.
	LevelWarning

	// LevelCritical - high pressure, throttle incoming writes.
	LevelCritical

	// LevelEmergency - overload, reject writes until flush catches up.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Usage is a point-in-time pressure measurement supplied by the region.
type Usage struct {
	// MemtableRatio is active memtable bytes over the byte budget.
	MemtableRatio float64

	// FrozenRatio is frozen memtable count over the frozen limit.
	FrozenRatio float64

	// WALRatio is the unpruned WAL backlog over the flush threshold.
	WALRatio float64
}

// worst returns the dominant pressure signal.
func (u Usage) worst() float64 {
	worst := u.MemtableRatio
	if u.FrozenRatio > worst {
		worst = u.FrozenRatio
	}
	if u.WALRatio > worst {
		worst = u.WALRatio
	}
	return worst
}

// Controller manages backpressure for one region.
type Controller struct {
	mu sync.Mutex

	cfg config.BackpressureConfig

	level     atomic.Int32
	lastLevel Level

	stats Stats
}

// Stats holds backpressure statistics.
type Stats struct {
	CurrentLevel    Level
	LevelChanges    int64
	WritesRejected  int64
	ThrottleSeconds float64
}

// New creates a controller from the configuration.
func New(cfg config.BackpressureConfig) *Controller {
	return &Controller{cfg: cfg}
}

// Check folds a fresh usage measurement into the level, applying
// hysteresis on the way down to prevent flapping. Returns the level in
// effect.
func (c *Controller) Check(u Usage) Level {
	if !c.cfg.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	newLevel := c.determineLevel(u.worst())
	if newLevel != c.lastLevel {
		c.lastLevel = newLevel
		c.level.Store(int32(newLevel))
		c.stats.LevelChanges++
	}

	return newLevel
}

// determineLevel maps usage to a level with downward hysteresis.
func (c *Controller) determineLevel(usage float64) Level {
	thresholds := c.cfg.Thresholds
	hysteresis := c.cfg.Hysteresis
	current := c.lastLevel

	// Going up (increasing pressure)
	if usage >= thresholds.Emergency {
		return LevelEmergency
	}
	if usage >= thresholds.Critical {
		return LevelCritical
	}
	if usage >= thresholds.Warning {
		return LevelWarning
	}

	// Going down (decreasing pressure) - apply hysteresis
	switch current {
	case LevelEmergency:
		if usage < thresholds.Emergency-hysteresis {
			return LevelCritical
		}
		return LevelEmergency
	case LevelCritical:
		if usage < thresholds.Critical-hysteresis {
			return LevelWarning
		}
		return LevelCritical
	case LevelWarning:
		if usage < thresholds.Warning-hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldReject returns true if writes must be rejected with an overload
// error.
func (c *Controller) ShouldReject() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ShouldThrottle returns true if writes should be delayed.
func (c *Controller) ShouldThrottle() bool {
	return c.CurrentLevel() >= LevelCritical
}

// ShouldPauseCompaction returns true if compaction admission should
// pause to give flush priority.
func (c *Controller) ShouldPauseCompaction() bool {
	return c.CurrentLevel() >= LevelWarning
}

// ThrottleDelay returns the per-write delay to apply while throttling.
func (c *Controller) ThrottleDelay() time.Duration {
	if !c.ShouldThrottle() {
		return 0
	}

	delay := c.cfg.ThrottleDelay
	c.mu.Lock()
	c.stats.ThrottleSeconds += delay.Seconds()
	c.mu.Unlock()
	return delay
}

// RecordRejection records a write rejected for overload.
func (c *Controller) RecordRejection() {
	c.mu.Lock()
	c.stats.WritesRejected++
	c.mu.Unlock()
}

// Stats returns current statistics.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stats
	st.CurrentLevel = Level(c.level.Load())
	return st
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.cfg.Enabled
}
