package compaction

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/sarvex/greptimedb/internal/engine/query"
	"github.com/sarvex/greptimedb/internal/engine/sst"
	"github.com/sarvex/greptimedb/internal/engine/types"
	"github.com/sarvex/greptimedb/internal/errors"
	"github.com/sarvex/greptimedb/internal/logging"
)

// Stats holds executor statistics.
type Stats struct {
	Runs           atomic.Int64
	FilesRead      atomic.Int64
	FilesWritten   atomic.Int64
	RowsProcessed  atomic.Int64
	RowsDropped    atomic.Int64
	TombstonesDead atomic.Int64
}

// Executor runs compaction tasks against one region's SST directory.
type Executor struct {
	sstDir         string
	opts           sst.Options
	targetFileSize int64

	stats Stats
	log   *slog.Logger
}

// NewExecutor creates an executor for the region's SST directory.
func NewExecutor(regionID, sstDir string, opts sst.Options, targetFileSize int64) *Executor {
	return &Executor{
		sstDir:         sstDir,
		opts:           opts,
		targetFileSize: targetFileSize,
		log:            logging.Region("compaction", regionID),
	}
}

// Run merge-sorts the task's input files, keeps the newest sequence per
// key, drops tombstones at or below retainSeq, and writes size-targeted
// output files at the task's output level. Inputs are left untouched;
// the caller installs the result and retires the inputs through the
// manifest and version set.
func (e *Executor) Run(task *Task, retainSeq uint64) ([]types.FileMeta, error) {
	if task == nil || len(task.Inputs) == 0 {
		return nil, nil
	}
	e.stats.Runs.Add(1)

	sources := make([]types.Iterator, 0, len(task.Inputs))
	for _, meta := range task.Inputs {
		iter, err := sst.NewIter(e.sstDir, meta, types.RangeAll(), e.opts)
		if err != nil {
			for _, src := range sources {
				src.Close()
			}
			return nil, fmt.Errorf("open input %s: %w: %w", meta.ID, err, errors.ErrCompaction)
		}
		sources = append(sources, iter)
		e.stats.FilesRead.Add(1)
	}

	merged := query.Merge(sources)
	defer merged.Close()

	outputs, err := e.writeOutputs(merged, task.OutputLevel, retainSeq)
	if err != nil {
		// Remove any partial outputs; the visible version is untouched.
		for _, meta := range outputs {
			os.Remove(sst.FilePath(e.sstDir, meta.ID))
		}
		return nil, fmt.Errorf("%w: %w", err, errors.ErrCompaction)
	}

	e.log.Info("compaction complete",
		"inputs", len(task.Inputs),
		"outputs", len(outputs),
		"output_level", task.OutputLevel,
		"reason", task.Reason)

	return outputs, nil
}

// writeOutputs drains the merged stream into one or more files, starting
// a new file whenever the size estimate crosses the target.
func (e *Executor) writeOutputs(merged types.Iterator, level int, retainSeq uint64) ([]types.FileMeta, error) {
	dedup := &dedupIterator{
		src:       merged,
		retainSeq: retainSeq,
		stats:     &e.stats,
	}

	var outputs []types.FileMeta
	for {
		chunk := &chunkIterator{src: dedup, limit: e.targetFileSize}

		meta, err := sst.Write(e.sstDir, level, chunk, e.opts)
		if err != nil {
			return outputs, fmt.Errorf("write output: %w", err)
		}
		if meta == nil {
			break
		}

		outputs = append(outputs, *meta)
		e.stats.FilesWritten.Add(1)

		if chunk.exhausted {
			break
		}
	}

	if err := dedup.Err(); err != nil {
		return outputs, err
	}
	return outputs, nil
}

// dedupIterator keeps the newest entry per key and garbage-collects
// tombstones whose sequence is at or below the minimum retained
// sequence: all shadowed versions are dropped in the same pass, so no
// older live version of the key remains.
type dedupIterator struct {
	src       types.Iterator
	retainSeq uint64
	stats     *Stats

	current types.Entry
	lastKey types.Key
	hasLast bool
}

func (it *dedupIterator) Next() bool {
	for it.src.Next() {
		e := it.src.Entry()
		it.stats.RowsProcessed.Add(1)

		if it.hasLast && e.Key.Compare(it.lastKey) == 0 {
			it.stats.RowsDropped.Add(1)
			continue
		}
		it.lastKey = e.Key
		it.hasLast = true

		if e.Tombstone && e.Sequence <= it.retainSeq {
			it.stats.TombstonesDead.Add(1)
			continue
		}

		it.current = e
		return true
	}
	return false
}

func (it *dedupIterator) Entry() types.Entry { return it.current }
func (it *dedupIterator) Err() error         { return it.src.Err() }
func (it *dedupIterator) Close() error       { return nil }

// chunkIterator passes entries through until the accumulated size
// estimate reaches the limit, letting the executor split output files.
type chunkIterator struct {
	src   types.Iterator
	limit int64

	bytes     int64
	current   types.Entry
	exhausted bool
}

// entrySizeEstimate approximates the encoded footprint of an entry.
func entrySizeEstimate(e types.Entry) int64 {
	return int64(48 + len(e.Key.Series) + len(e.Key.Field))
}

func (it *chunkIterator) Next() bool {
	if it.limit > 0 && it.bytes >= it.limit {
		return false
	}
	if !it.src.Next() {
		it.exhausted = true
		return false
	}
	it.current = it.src.Entry()
	it.bytes += entrySizeEstimate(it.current)
	return true
}

func (it *chunkIterator) Entry() types.Entry { return it.current }
func (it *chunkIterator) Err() error         { return it.src.Err() }
func (it *chunkIterator) Close() error       { return nil }

// StatsSnapshot is a point-in-time copy of executor counters.
type StatsSnapshot struct {
	Runs           int64
	FilesRead      int64
	FilesWritten   int64
	RowsProcessed  int64
	RowsDropped    int64
	TombstonesDead int64
}

// StatsSnapshot returns current executor statistics.
func (e *Executor) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		Runs:           e.stats.Runs.Load(),
		FilesRead:      e.stats.FilesRead.Load(),
		FilesWritten:   e.stats.FilesWritten.Load(),
		RowsProcessed:  e.stats.RowsProcessed.Load(),
		RowsDropped:    e.stats.RowsDropped.Load(),
		TombstonesDead: e.stats.TombstonesDead.Load(),
	}
}
