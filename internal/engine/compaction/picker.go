// Package compaction selects and executes background merges of SST
// files. A pluggable picker decides what to merge, trading write
// amplification against read amplification; the executor merge-sorts the
// inputs, deduplicates by newest sequence, garbage-collects tombstones,
// and emits size-targeted output files.
package compaction

import (
	"fmt"
	"sort"

	"github.com/sarvex/greptimedb/internal/engine/config"
	"github.com/sarvex/greptimedb/internal/engine/types"
)

// Task is one planned compaction: an input file set and an output level.
type Task struct {
	Inputs      []types.FileMeta
	OutputLevel int

	// Reason is a human-readable trigger description for logs.
	Reason string
}

// InputIDs returns the ids of the task's input files.
func (t *Task) InputIDs() []string {
	ids := make([]string, len(t.Inputs))
	for i, f := range t.Inputs {
		ids[i] = f.ID
	}
	return ids
}

// TotalBytes returns the summed input size.
func (t *Task) TotalBytes() int64 {
	var total int64
	for _, f := range t.Inputs {
		total += f.SizeBytes
	}
	return total
}

// Picker selects the next compaction from a region's live file set.
// Returns nil when no compaction is warranted.
type Picker interface {
	Pick(files []types.FileMeta) *Task
}

// NewPicker builds the picker named by the configuration.
func NewPicker(cfg config.CompactionConfig) (Picker, error) {
	switch cfg.Strategy {
	case "size-tiered":
		return &sizeTieredPicker{cfg: cfg.SizeTiered}, nil
	case "leveled":
		return &leveledPicker{cfg: cfg.Leveled}, nil
	default:
		return nil, fmt.Errorf("unknown compaction strategy %q", cfg.Strategy)
	}
}

// oldestFirst orders candidate sets for tie-breaking: oldest minimum
// sequence first, then smaller total size.
func oldestFirst(files []types.FileMeta) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].MinSeq != files[j].MinSeq {
			return files[i].MinSeq < files[j].MinSeq
		}
		return files[i].SizeBytes < files[j].SizeBytes
	})
}

// sizeTieredPicker merges runs of similarly sized files within a level
// into the next level. Cheap on write amplification, pays on read
// amplification until tiers merge.
type sizeTieredPicker struct {
	cfg config.SizeTieredConfig
}

// sizeBucket groups file sizes into powers-of-two tiers.
func sizeBucket(size int64) int {
	bucket := 0
	for size > 1024 {
		size >>= 1
		bucket++
	}
	return bucket
}

func (p *sizeTieredPicker) Pick(files []types.FileMeta) *Task {
	byLevel := make(map[int][]types.FileMeta)
	maxLevel := 0
	for _, f := range files {
		byLevel[f.Level] = append(byLevel[f.Level], f)
		if f.Level > maxLevel {
			maxLevel = f.Level
		}
	}

	for level := 0; level <= maxLevel; level++ {
		tiers := make(map[int][]types.FileMeta)
		for _, f := range byLevel[level] {
			b := sizeBucket(f.SizeBytes)
			tiers[b] = append(tiers[b], f)
		}

		var best []types.FileMeta
		for _, tier := range tiers {
			if len(tier) < p.cfg.MinFiles {
				continue
			}
			oldestFirst(tier)
			if len(tier) > p.cfg.MaxFiles {
				tier = tier[:p.cfg.MaxFiles]
			}
			if best == nil || tier[0].MinSeq < best[0].MinSeq {
				best = tier
			}
		}

		if best != nil {
			return &Task{
				Inputs:      best,
				OutputLevel: level + 1,
				Reason:      fmt.Sprintf("size-tiered: %d files in level %d tier", len(best), level),
			}
		}
	}

	return nil
}

// leveledPicker scores each level against its size target and compacts
// the worst offender into the next level, pulling in overlapping files.
// Bounded read amplification, pays on write amplification.
type leveledPicker struct {
	cfg config.LeveledConfig
}

// levelTarget returns the byte budget of a level. Level 0 is counted in
// files, not bytes.
func (p *leveledPicker) levelTarget(level int) int64 {
	target := p.cfg.BaseLevelSize
	for i := 1; i < level; i++ {
		target *= int64(p.cfg.LevelSizeMultiplier)
	}
	return target
}

func (p *leveledPicker) Pick(files []types.FileMeta) *Task {
	maxLevel := p.cfg.MaxLevels - 1

	byLevel := make(map[int][]types.FileMeta)
	for _, f := range files {
		byLevel[f.Level] = append(byLevel[f.Level], f)
	}

	bestLevel := -1
	var bestScore float64
	for level := 0; level < maxLevel; level++ {
		var score float64
		if level == 0 {
			score = float64(len(byLevel[0])) / float64(p.cfg.LevelZeroFiles)
		} else {
			var bytes int64
			for _, f := range byLevel[level] {
				bytes += f.SizeBytes
			}
			score = float64(bytes) / float64(p.levelTarget(level))
		}
		if score >= 1 && score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}

	if bestLevel < 0 {
		return nil
	}

	inputs := append([]types.FileMeta(nil), byLevel[bestLevel]...)
	oldestFirst(inputs)

	// Pull in next-level files overlapping the input key span.
	minKey, maxKey := keySpan(inputs)
	for _, f := range byLevel[bestLevel+1] {
		if f.MaxKey.Compare(minKey) < 0 || f.MinKey.Compare(maxKey) > 0 {
			continue
		}
		inputs = append(inputs, f)
	}

	return &Task{
		Inputs:      inputs,
		OutputLevel: bestLevel + 1,
		Reason:      fmt.Sprintf("leveled: level %d score %.2f", bestLevel, bestScore),
	}
}

// keySpan returns the inclusive key bounds covering all files.
func keySpan(files []types.FileMeta) (types.Key, types.Key) {
	min, max := files[0].MinKey, files[0].MaxKey
	for _, f := range files[1:] {
		if f.MinKey.Compare(min) < 0 {
			min = f.MinKey
		}
		if f.MaxKey.Compare(max) > 0 {
			max = f.MaxKey
		}
	}
	return min, max
}
