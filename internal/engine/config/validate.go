package config

import (
	"fmt"

	"github.com/sarvex/greptimedb/internal/errors"
)

// Validate checks the configuration for invalid or inconsistent values.
func Validate(c *Config) error {
	return c.Validate()
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required: %w", errors.ErrInvalidConfig)
	}

	switch c.WAL.SyncMode {
	case "async", "sync", "fsync":
	default:
		return fmt.Errorf("wal.sync_mode %q (want async, sync, or fsync): %w",
			c.WAL.SyncMode, errors.ErrInvalidConfig)
	}
	if c.WAL.MaxSegmentSize <= 0 {
		return fmt.Errorf("wal.max_segment_size must be positive: %w", errors.ErrInvalidConfig)
	}
	if c.WAL.SyncMode == "async" && c.WAL.SyncInterval <= 0 {
		return fmt.Errorf("wal.sync_interval must be positive in async mode: %w", errors.ErrInvalidConfig)
	}

	if c.Memtable.MaxBytes <= 0 {
		return fmt.Errorf("memtable.max_bytes must be positive: %w", errors.ErrInvalidConfig)
	}
	if c.Memtable.MaxFrozen <= 0 {
		return fmt.Errorf("memtable.max_frozen must be positive: %w", errors.ErrInvalidConfig)
	}

	switch c.Compaction.Strategy {
	case "size-tiered", "leveled":
	default:
		return fmt.Errorf("compaction.strategy %q (want size-tiered or leveled): %w",
			c.Compaction.Strategy, errors.ErrInvalidConfig)
	}
	if c.Compaction.TargetFileSize <= 0 {
		return fmt.Errorf("compaction.target_file_size must be positive: %w", errors.ErrInvalidConfig)
	}
	if c.Compaction.SizeTiered.MinFiles < 2 {
		return fmt.Errorf("compaction.size_tiered.min_files must be at least 2: %w", errors.ErrInvalidConfig)
	}
	if c.Compaction.SizeTiered.MaxFiles < c.Compaction.SizeTiered.MinFiles {
		return fmt.Errorf("compaction.size_tiered.max_files below min_files: %w", errors.ErrInvalidConfig)
	}
	if c.Compaction.Leveled.MaxLevels < 2 {
		return fmt.Errorf("compaction.leveled.max_levels must be at least 2: %w", errors.ErrInvalidConfig)
	}
	if c.Compaction.Leveled.LevelZeroFiles <= 0 {
		return fmt.Errorf("compaction.leveled.level_zero_files must be positive: %w", errors.ErrInvalidConfig)
	}
	if c.Compaction.Leveled.LevelSizeMultiplier <= 0 {
		return fmt.Errorf("compaction.leveled.level_size_multiplier must be positive: %w", errors.ErrInvalidConfig)
	}
	if c.Compaction.Leveled.BaseLevelSize <= 0 {
		return fmt.Errorf("compaction.leveled.base_level_size must be positive: %w", errors.ErrInvalidConfig)
	}

	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive: %w", errors.ErrInvalidConfig)
	}
	if c.Scheduler.MaxIOTasks <= 0 {
		return fmt.Errorf("scheduler.max_io_tasks must be positive: %w", errors.ErrInvalidConfig)
	}
	if c.Scheduler.SketchAccuracy <= 0 || c.Scheduler.SketchAccuracy >= 1 {
		return fmt.Errorf("scheduler.sketch_accuracy must be in (0, 1): %w", errors.ErrInvalidConfig)
	}

	if c.Backpressure.Enabled {
		t := c.Backpressure.Thresholds
		if !(t.Warning > 0 && t.Warning < t.Critical && t.Critical < t.Emergency && t.Emergency <= 1) {
			return fmt.Errorf("backpressure.thresholds must satisfy 0 < warning < critical < emergency <= 1: %w",
				errors.ErrInvalidConfig)
		}
	}

	if c.Manifest.CheckpointEvery <= 0 {
		return fmt.Errorf("manifest.checkpoint_every must be positive: %w", errors.ErrInvalidConfig)
	}

	switch c.SST.Compression {
	case "snappy", "zstd", "lz4", "gzip", "none", "":
	default:
		return fmt.Errorf("sst.compression %q not supported: %w", c.SST.Compression, errors.ErrInvalidConfig)
	}

	return nil
}
