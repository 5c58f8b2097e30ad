package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	// DataDir is the root directory for all region data.
	DataDir string `yaml:"data_dir"`

	// WAL configures the write-ahead log.
	WAL WALConfig `yaml:"wal"`

	// Memtable configures the in-memory write buffer.
	Memtable MemtableConfig `yaml:"memtable"`

	// Flush configures flush triggers.
	Flush FlushConfig `yaml:"flush"`

	// Compaction configures the compaction strategy.
	Compaction CompactionConfig `yaml:"compaction"`

	// Scheduler configures the background task scheduler.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Backpressure configures write-path load shedding.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Manifest configures the region metadata log.
	Manifest ManifestConfig `yaml:"manifest"`

	// SST configures columnar file encoding.
	SST SSTConfig `yaml:"sst"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`

	// BufferSize is the write buffer size.
	BufferSize int `yaml:"buffer_size"`
}

// MemtableConfig configures the in-memory write buffer.
type MemtableConfig struct {
	// MaxBytes triggers a flush when the active memtable reaches it.
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxAge triggers a flush when the active memtable is older.
	MaxAge time.Duration `yaml:"max_age"`

	// MaxFrozen bounds the number of frozen memtables awaiting flush
	// before writes are rejected with an overload error.
	MaxFrozen int `yaml:"max_frozen"`
}

// FlushConfig configures flush triggers.
type FlushConfig struct {
	// CheckInterval is how often flush triggers are evaluated.
	CheckInterval time.Duration `yaml:"check_interval"`

	// WALThresholdBytes triggers a flush when the unpruned WAL backlog
	// exceeds it.
	WALThresholdBytes int64 `yaml:"wal_threshold_bytes"`
}

// CompactionConfig configures the compaction strategy.
type CompactionConfig struct {
	// Strategy selects the picker: size-tiered or leveled.
	Strategy string `yaml:"strategy"`

	// TargetFileSize is the output file size target in bytes. A policy
	// knob, not a correctness contract.
	TargetFileSize int64 `yaml:"target_file_size"`

	// SizeTiered configures the size-tiered picker.
	SizeTiered SizeTieredConfig `yaml:"size_tiered"`

	// Leveled configures the leveled picker.
	Leveled LeveledConfig `yaml:"leveled"`
}

// SizeTieredConfig configures the size-tiered picker.
type SizeTieredConfig struct {
	// MinFiles is the minimum number of similarly sized files in a
	// level before a merge is picked.
	MinFiles int `yaml:"min_files"`

	// MaxFiles caps the number of input files per compaction.
	MaxFiles int `yaml:"max_files"`
}

// LeveledConfig configures the leveled picker.
type LeveledConfig struct {
	// MaxLevels is the number of LSM levels.
	MaxLevels int `yaml:"max_levels"`

	// LevelZeroFiles is the level-0 file count that triggers a merge
	// into level 1.
	LevelZeroFiles int `yaml:"level_zero_files"`

	// LevelSizeMultiplier is the per-level size growth factor.
	LevelSizeMultiplier int `yaml:"level_size_multiplier"`

	// BaseLevelSize is the target byte size of level 1.
	BaseLevelSize int64 `yaml:"base_level_size"`
}

// SchedulerConfig configures the background task scheduler.
type SchedulerConfig struct {
	// Workers is the number of task workers.
	Workers int `yaml:"workers"`

	// MaxIOTasks bounds concurrently running I/O-heavy tasks.
	MaxIOTasks int64 `yaml:"max_io_tasks"`

	// QueueDepth is the pending task queue capacity.
	QueueDepth int `yaml:"queue_depth"`

	// RetryBaseDelay is the initial backoff for transient failures.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`

	// MaxRetries is the attempt budget before a task is recorded as a
	// permanent failure against region health.
	MaxRetries int `yaml:"max_retries"`

	// SketchAccuracy is the relative accuracy of the task duration
	// sketch (0.01 = 1% error).
	SketchAccuracy float64 `yaml:"sketch_accuracy"`
}

// BackpressureConfig configures write-path load shedding.
type BackpressureConfig struct {
	// Enabled enables backpressure handling.
	Enabled bool `yaml:"enabled"`

	// Thresholds defines usage thresholds for level changes (0.0-1.0),
	// measured against the memtable byte budget and frozen queue.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Hysteresis prevents level flapping (0.0-1.0).
	Hysteresis float64 `yaml:"hysteresis"`

	// ThrottleDelay is the per-write delay applied at the critical level.
	ThrottleDelay time.Duration `yaml:"throttle_delay"`
}

// BackpressureThresholds defines usage thresholds.
type BackpressureThresholds struct {
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`
}

// ManifestConfig configures the region metadata log.
type ManifestConfig struct {
	// CheckpointEvery writes a checkpoint after this many logged
	// actions.
	CheckpointEvery int `yaml:"checkpoint_every"`
}

// SSTConfig configures columnar file encoding.
type SSTConfig struct {
	// Compression is the Parquet compression algorithm: snappy, zstd,
	// lz4, gzip, none.
	Compression string `yaml:"compression"`

	// ReadBatchSize is the number of rows decoded per read call.
	ReadBatchSize int `yaml:"read_batch_size"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/greptimedb/data",
		WAL: WALConfig{
			SyncMode:       "sync",
			SyncInterval:   time.Second,
			MaxSegmentSize: 128 * 1024 * 1024, // 128MB
			BufferSize:     64 * 1024,         // 64KB
		},
		Memtable: MemtableConfig{
			MaxBytes:  64 * 1024 * 1024, // 64MB
			MaxAge:    10 * time.Minute,
			MaxFrozen: 4,
		},
		Flush: FlushConfig{
			CheckInterval:     10 * time.Second,
			WALThresholdBytes: 512 * 1024 * 1024, // 512MB
		},
		Compaction: CompactionConfig{
			Strategy:       "size-tiered",
			TargetFileSize: 256 * 1024 * 1024, // 256MB
			SizeTiered: SizeTieredConfig{
				MinFiles: 4,
				MaxFiles: 12,
			},
			Leveled: LeveledConfig{
				MaxLevels:           4,
				LevelZeroFiles:      4,
				LevelSizeMultiplier: 10,
				BaseLevelSize:       512 * 1024 * 1024,
			},
		},
		Scheduler: SchedulerConfig{
			Workers:        4,
			MaxIOTasks:     2,
			QueueDepth:     256,
			RetryBaseDelay: 100 * time.Millisecond,
			RetryMaxDelay:  30 * time.Second,
			MaxRetries:     5,
			SketchAccuracy: 0.01,
		},
		Backpressure: BackpressureConfig{
			Enabled: true,
			Thresholds: BackpressureThresholds{
				Warning:   0.50,
				Critical:  0.80,
				Emergency: 0.95,
			},
			Hysteresis:    0.10,
			ThrottleDelay: 5 * time.Millisecond,
		},
		Manifest: ManifestConfig{
			CheckpointEvery: 64,
		},
		SST: SSTConfig{
			Compression:   "zstd",
			ReadBatchSize: 4096,
		},
	}
}

// RegionDir returns the root directory of a region.
func (c *Config) RegionDir(regionID string) string {
	return filepath.Join(c.DataDir, regionID)
}

// WALDir returns the WAL directory of a region.
func (c *Config) WALDir(regionID string) string {
	return filepath.Join(c.RegionDir(regionID), "wal")
}

// ManifestDir returns the manifest directory of a region.
func (c *Config) ManifestDir(regionID string) string {
	return filepath.Join(c.RegionDir(regionID), "manifest")
}

// SSTDir returns the SST data directory of a region.
func (c *Config) SSTDir(regionID string) string {
	return filepath.Join(c.RegionDir(regionID), "data")
}

// EnsureRegionDirectories creates the on-disk layout for a region.
func (c *Config) EnsureRegionDirectories(regionID string) error {
	for _, dir := range []string{
		c.RegionDir(regionID),
		c.WALDir(regionID),
		c.ManifestDir(regionID),
		c.SSTDir(regionID),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
