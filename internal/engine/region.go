package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarvex/greptimedb/internal/engine/backpressure"
	"github.com/sarvex/greptimedb/internal/engine/compaction"
	"github.com/sarvex/greptimedb/internal/engine/config"
	"github.com/sarvex/greptimedb/internal/engine/manifest"
	"github.com/sarvex/greptimedb/internal/engine/memtable"
	"github.com/sarvex/greptimedb/internal/engine/query"
	"github.com/sarvex/greptimedb/internal/engine/sst"
	"github.com/sarvex/greptimedb/internal/engine/types"
	"github.com/sarvex/greptimedb/internal/engine/version"
	"github.com/sarvex/greptimedb/internal/engine/wal"
	"github.com/sarvex/greptimedb/internal/errors"
	"github.com/sarvex/greptimedb/internal/logging"
)

// Region is one partition of the store: a single-writer LSM tree with
// its own WAL, memtables, SST files, and manifest. Writes are serialized
// under the write mutex; reads run lock-free against pinned versions.
type Region struct {
	id  string
	cfg *config.Config

	// writeMu serializes the write path and every version install, so
	// there is exactly one logical writer proposing successor versions.
	writeMu sync.Mutex

	// flushMu and compactMu serialize whole flush and compaction runs.
	// The scheduler deduplicates its own tasks, but Flush and Compact
	// are also callable synchronously; without these a concurrent pair
	// could write the same memtable or merge the same inputs twice.
	flushMu   sync.Mutex
	compactMu sync.Mutex

	// committedSeq is the highest acknowledged write sequence. The next
	// write gets committedSeq+1; a failed append never advances it.
	committedSeq   atomic.Uint64
	nextMemtableID atomic.Uint64

	wal      *wal.WAL
	manifest *manifest.Manifest
	versions *version.Set
	bp       *backpressure.Controller
	picker   compaction.Picker
	executor *compaction.Executor

	sstDir  string
	sstOpts sst.Options

	closed atomic.Bool
	log    *slog.Logger
	stats  regionCounters
}

type regionCounters struct {
	WritesAccepted atomic.Int64
	WritesRejected atomic.Int64
	RowsWritten    atomic.Int64
	Scans          atomic.Int64
	Flushes        atomic.Int64
	FlushFailures  atomic.Int64
	Compactions    atomic.Int64
}

// createRegion initializes a region's on-disk layout and logs its schema
// as the first manifest action.
func createRegion(cfg *config.Config, id string, schema types.Schema) (*Region, error) {
	if err := cfg.EnsureRegionDirectories(id); err != nil {
		return nil, fmt.Errorf("create region %s: %w", id, err)
	}

	m, _, err := manifest.Open(cfg.ManifestDir(id), cfg.Manifest.CheckpointEvery)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	if err := m.Log(manifest.Action{Kind: manifest.KindSchemaChange, Schema: &schema}); err != nil {
		m.Close()
		return nil, fmt.Errorf("log schema: %w", err)
	}

	w, err := wal.Open(id, cfg.WALDir(id), walOptions(cfg))
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("open wal: %w", err)
	}

	r := newRegion(cfg, id, m, w)
	initial := &version.Version{
		Schema:  schema,
		Mutable: memtable.New(r.nextMemtableID.Add(1)),
	}
	r.versions = version.NewSet(initial, r.purgeFile)

	r.log.Info("region created", "fields", len(schema.Fields))
	return r, nil
}

// openRegion recovers a region from disk: manifest state, orphan sweep,
// then WAL replay of every batch above the flushed watermark. After open,
// a scan sees exactly the acknowledged writes that preceded the crash.
func openRegion(cfg *config.Config, id string) (*Region, error) {
	if _, err := os.Stat(cfg.RegionDir(id)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("region %s: %w", id, errors.ErrRegionNotFound)
		}
		return nil, fmt.Errorf("stat region %s: %w", id, err)
	}
	if err := cfg.EnsureRegionDirectories(id); err != nil {
		return nil, fmt.Errorf("open region %s: %w", id, err)
	}

	m, state, err := manifest.Open(cfg.ManifestDir(id), cfg.Manifest.CheckpointEvery)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}

	// SSTs written by a flush or compaction that died before its
	// manifest record are unreferenced; remove them before replay.
	if n, err := sst.SweepOrphans(cfg.SSTDir(id), state.LiveFileIDs()); err != nil {
		m.Close()
		return nil, fmt.Errorf("sweep orphans: %w", err)
	} else if n > 0 {
		logging.Region("region", id).Info("swept orphan files", "count", n)
	}

	mt := memtable.New(1)
	info, err := wal.Replay(cfg.WALDir(id), id, func(b *types.WriteBatch) error {
		if b.Sequence <= state.FlushedSeq {
			return nil
		}
		return mt.Insert(b.Entries())
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("replay wal: %w", err)
	}

	w, err := wal.Open(id, cfg.WALDir(id), walOptions(cfg))
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("open wal: %w", err)
	}

	r := newRegion(cfg, id, m, w)
	r.nextMemtableID.Store(1)

	committed := info.MaxSequence
	if state.FlushedSeq > committed {
		committed = state.FlushedSeq
	}
	r.committedSeq.Store(committed)

	initial := &version.Version{
		Schema:       state.Schema,
		Mutable:      mt,
		Files:        state.Files,
		FlushedSeq:   state.FlushedSeq,
		CommittedSeq: committed,
	}
	r.versions = version.NewSet(initial, r.purgeFile)

	r.log.Info("region opened",
		"files", len(state.Files),
		"flushed_seq", state.FlushedSeq,
		"replayed_batches", info.Batches,
		"committed_seq", committed,
		"torn_tail", info.TornTail)
	return r, nil
}

func newRegion(cfg *config.Config, id string, m *manifest.Manifest, w *wal.WAL) *Region {
	sstOpts := sst.Options{
		Compression:   sst.ParseCompressionType(cfg.SST.Compression),
		ReadBatchSize: cfg.SST.ReadBatchSize,
	}

	picker, err := compaction.NewPicker(cfg.Compaction)
	if err != nil {
		// Validate rejects unknown strategies before a region is built.
		picker, _ = compaction.NewPicker(config.DefaultConfig().Compaction)
	}

	return &Region{
		id:       id,
		cfg:      cfg,
		wal:      w,
		manifest: m,
		bp:       backpressure.New(cfg.Backpressure),
		picker:   picker,
		executor: compaction.NewExecutor(id, cfg.SSTDir(id), sstOpts, cfg.Compaction.TargetFileSize),
		sstDir:   cfg.SSTDir(id),
		sstOpts:  sstOpts,
		log:      logging.Region("region", id),
	}
}

func walOptions(cfg *config.Config) wal.Options {
	return wal.Options{
		MaxSegmentSize: cfg.WAL.MaxSegmentSize,
		SyncMode:       cfg.WAL.SyncMode,
		SyncInterval:   cfg.WAL.SyncInterval,
		BufferSize:     cfg.WAL.BufferSize,
	}
}

// purgeFile deletes an SST file once no pinned version can observe it.
func (r *Region) purgeFile(meta types.FileMeta) {
	if err := os.Remove(sst.FilePath(r.sstDir, meta.ID)); err != nil && !os.IsNotExist(err) {
		r.log.Warn("purge file", "file", meta.ID, "error", err)
	}
}

// ID returns the region id.
func (r *Region) ID() string {
	return r.id
}

// Schema returns the current region schema.
func (r *Region) Schema() types.Schema {
	return r.versions.Current().Schema
}

// CommittedSeq returns the highest acknowledged write sequence.
func (r *Region) CommittedSeq() uint64 {
	return r.committedSeq.Load()
}

// Write validates, persists, and applies one batch. The batch is durable
// in the WAL before it is acknowledged; the returned sequence makes it
// visible to scans. On any error the batch has no effect.
func (r *Region) Write(ctx context.Context, batch *types.WriteBatch) (uint64, error) {
	if r.closed.Load() {
		return 0, errors.ErrRegionClosed
	}
	if batch == nil || batch.Len() == 0 {
		return r.committedSeq.Load(), nil
	}

	if err := r.versions.Current().Schema.ValidateBatch(batch); err != nil {
		r.stats.WritesRejected.Add(1)
		return 0, err
	}

	level := r.bp.Check(r.memoryUsage())
	if r.bp.ShouldReject() {
		r.bp.RecordRejection()
		r.stats.WritesRejected.Add(1)
		return 0, fmt.Errorf("backpressure %s: %w", level, errors.ErrOverload)
	}
	if delay := r.bp.ThrottleDelay(); delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.closed.Load() {
		return 0, errors.ErrRegionClosed
	}

	v := r.versions.Current()
	if r.activeFull(v.Mutable) {
		if err := r.freezeActiveLocked(); err != nil {
			r.stats.WritesRejected.Add(1)
			return 0, err
		}
		v = r.versions.Current()
	}

	seq := r.committedSeq.Load() + 1
	batch.Sequence = seq

	if err := r.wal.Append(batch); err != nil {
		batch.Sequence = 0
		return 0, fmt.Errorf("wal append: %w", err)
	}
	if err := v.Mutable.Insert(batch.Entries()); err != nil {
		return 0, fmt.Errorf("memtable insert: %w", err)
	}

	r.committedSeq.Store(seq)
	r.stats.WritesAccepted.Add(1)
	r.stats.RowsWritten.Add(int64(batch.Len()))

	return seq, nil
}

// activeFull reports whether the active memtable hit a freeze trigger.
func (r *Region) activeFull(mt *memtable.Memtable) bool {
	if mt.Len() == 0 {
		return false
	}
	if mt.SizeBytes() >= r.cfg.Memtable.MaxBytes {
		return true
	}
	return r.cfg.Memtable.MaxAge > 0 && mt.Age() >= r.cfg.Memtable.MaxAge
}

// freezeActiveLocked freezes the active memtable and installs a version
// with a fresh one. Caller holds writeMu.
func (r *Region) freezeActiveLocked() error {
	v := r.versions.Current()
	if len(v.Frozen) >= r.cfg.Memtable.MaxFrozen {
		return fmt.Errorf("flush queue full (%d frozen): %w", len(v.Frozen), errors.ErrOverload)
	}

	v.Mutable.Freeze()

	next := v.Clone()
	next.Frozen = append(next.Frozen, v.Mutable)
	next.Mutable = memtable.New(r.nextMemtableID.Add(1))
	next.CommittedSeq = r.committedSeq.Load()
	r.versions.Install(next)

	r.log.Debug("memtable frozen",
		"memtable", v.Mutable.ID(),
		"bytes", v.Mutable.SizeBytes(),
		"entries", v.Mutable.Len())
	return nil
}

// Scan opens a row iterator over a pinned snapshot of the region. The
// pin is released when the iterator is closed.
func (r *Region) Scan(req query.ScanRequest) (*query.RowIterator, error) {
	if r.closed.Load() {
		return nil, errors.ErrRegionClosed
	}

	v := r.versions.Acquire()
	if req.SeqUpperBound == 0 {
		// The pinned version's committed watermark lags behind writes
		// applied since its install; read at the live watermark.
		req.SeqUpperBound = r.committedSeq.Load()
	}

	it, err := query.Scan(v, r.sstDir, req, r.sstOpts, func() {
		r.versions.Release(v)
	})
	if err != nil {
		r.versions.Release(v)
		return nil, err
	}

	r.stats.Scans.Add(1)
	return it, nil
}

// AddField installs a schema with one more declared field, durably
// through the manifest.
func (r *Region) AddField(f types.FieldSchema) error {
	if r.closed.Load() {
		return errors.ErrRegionClosed
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.versions.Current()
	next, err := cur.Schema.AddField(f)
	if err != nil {
		return err
	}

	if err := r.manifest.Log(manifest.Action{Kind: manifest.KindSchemaChange, Schema: &next}); err != nil {
		return fmt.Errorf("log schema change: %w", err)
	}

	nv := cur.Clone()
	nv.Schema = next
	nv.CommittedSeq = r.committedSeq.Load()
	r.versions.Install(nv)

	r.log.Info("schema changed", "field", f.Name, "version", next.Version)
	return nil
}

// flushDue reports whether any flush trigger fired.
func (r *Region) flushDue() bool {
	v := r.versions.Current()
	if len(v.Frozen) > 0 {
		return true
	}
	if r.activeFull(v.Mutable) {
		return true
	}
	if v.Mutable.Len() > 0 && r.cfg.Flush.WALThresholdBytes > 0 {
		if backlog, err := r.wal.BacklogBytes(); err == nil && backlog >= r.cfg.Flush.WALThresholdBytes {
			return true
		}
	}
	return false
}

// Flush converts frozen memtables into SST files until the queue is
// empty. The frozen queue is drained before the active memtable is
// considered, so a full queue never blocks its own flush. With force
// set, the active memtable is frozen too, putting every acknowledged
// write into an SST.
func (r *Region) Flush(ctx context.Context, force bool) error {
	if r.closed.Load() {
		return errors.ErrRegionClosed
	}

	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	if err := r.drainFrozen(ctx); err != nil {
		return err
	}

	r.writeMu.Lock()
	v := r.versions.Current()
	if v.Mutable.Len() > 0 && (force || r.activeFull(v.Mutable)) {
		if err := r.freezeActiveLocked(); err != nil {
			r.writeMu.Unlock()
			return err
		}
	}
	r.writeMu.Unlock()

	return r.drainFrozen(ctx)
}

// drainFrozen flushes frozen memtables oldest first until none remain.
func (r *Region) drainFrozen(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		v := r.versions.Current()
		if len(v.Frozen) == 0 {
			return nil
		}
		if err := r.flushOldest(v.Frozen[0]); err != nil {
			r.stats.FlushFailures.Add(1)
			return err
		}
	}
}

// flushOldest writes one frozen memtable to an SST, records it in the
// manifest, and installs the successor version. On failure the frozen
// memtable is retained and the visible version is unchanged; a written
// but unrecorded file is removed (and would otherwise be swept as an
// orphan on the next open).
func (r *Region) flushOldest(mt *memtable.Memtable) error {
	start := time.Now()

	iter := mt.Scan(types.RangeAll(), math.MaxUint64)
	meta, err := sst.Write(r.sstDir, 0, iter, r.sstOpts)
	if err != nil {
		return fmt.Errorf("write sst: %w", err)
	}

	flushedSeq := mt.MaxSeq()
	action := manifest.Action{
		Kind:            manifest.KindFlushed,
		FlushedSeq:      flushedSeq,
		RetiredMemtable: mt.ID(),
	}
	if meta != nil {
		action.Kind = manifest.KindAddFiles
		action.AddFiles = []types.FileMeta{*meta}
	}

	if err := r.manifest.Log(action); err != nil {
		if meta != nil {
			os.Remove(sst.FilePath(r.sstDir, meta.ID))
		}
		return fmt.Errorf("log flush: %w", err)
	}

	r.writeMu.Lock()
	cur := r.versions.Current()
	next := cur.Clone()
	next.Frozen = next.Frozen[:0]
	for _, f := range cur.Frozen {
		if f.ID() != mt.ID() {
			next.Frozen = append(next.Frozen, f)
		}
	}
	if meta != nil {
		next.Files = append(next.Files, *meta)
	}
	if flushedSeq > next.FlushedSeq {
		next.FlushedSeq = flushedSeq
	}
	next.CommittedSeq = r.committedSeq.Load()
	r.versions.Install(next)
	r.writeMu.Unlock()

	if pruned, err := r.wal.PruneBefore(next.FlushedSeq); err != nil {
		r.log.Warn("wal prune", "error", err)
	} else if pruned > 0 {
		r.log.Debug("wal pruned", "segments", pruned)
	}

	r.stats.Flushes.Add(1)
	rows := int64(0)
	if meta != nil {
		rows = meta.Rows
	}
	r.log.Info("flush complete",
		"memtable", mt.ID(),
		"rows", rows,
		"flushed_seq", flushedSeq,
		"elapsed", time.Since(start))
	return nil
}

// Compact runs at most one compaction picked from the current file set.
// Inputs stay readable until every scan pinning them completes; the
// files are deleted afterwards by the version purge queue.
func (r *Region) Compact(ctx context.Context) error {
	if r.closed.Load() {
		return errors.ErrRegionClosed
	}

	r.compactMu.Lock()
	defer r.compactMu.Unlock()

	if r.bp.ShouldPauseCompaction() {
		r.log.Debug("compaction paused", "level", r.bp.CurrentLevel())
		return nil
	}

	v := r.versions.Current()
	task := r.picker.Pick(v.Files)
	if task == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	outputs, err := r.executor.Run(task, r.tombstoneRetainSeq(task, v.Files))
	if err != nil {
		return err
	}

	if err := r.manifest.Log(manifest.Action{
		Kind:        manifest.KindCompact,
		AddFiles:    outputs,
		RemoveFiles: task.InputIDs(),
	}); err != nil {
		for _, meta := range outputs {
			os.Remove(sst.FilePath(r.sstDir, meta.ID))
		}
		return fmt.Errorf("log compaction: %w", err)
	}

	inputs := make(map[string]bool, len(task.Inputs))
	for _, id := range task.InputIDs() {
		inputs[id] = true
	}

	r.writeMu.Lock()
	cur := r.versions.Current()
	next := cur.Clone()
	next.Files = next.Files[:0]
	for _, f := range cur.Files {
		if !inputs[f.ID] {
			next.Files = append(next.Files, f)
		}
	}
	next.Files = append(next.Files, outputs...)
	next.CommittedSeq = r.committedSeq.Load()
	r.versions.Install(next)
	r.writeMu.Unlock()

	r.stats.Compactions.Add(1)
	return nil
}

// tombstoneRetainSeq returns the tombstone GC cutoff for a task.
// A tombstone can only be dropped when no live file outside the inputs
// overlaps the inputs' key span; otherwise the drop would resurrect an
// older version of the key it shadows.
func (r *Region) tombstoneRetainSeq(task *compaction.Task, files []types.FileMeta) uint64 {
	inputs := make(map[string]bool, len(task.Inputs))
	minKey, maxKey := task.Inputs[0].MinKey, task.Inputs[0].MaxKey
	for _, f := range task.Inputs {
		inputs[f.ID] = true
		if f.MinKey.Compare(minKey) < 0 {
			minKey = f.MinKey
		}
		if f.MaxKey.Compare(maxKey) > 0 {
			maxKey = f.MaxKey
		}
	}

	for _, f := range files {
		if inputs[f.ID] {
			continue
		}
		if f.MaxKey.Compare(minKey) < 0 || f.MinKey.Compare(maxKey) > 0 {
			continue
		}
		return 0
	}
	return r.committedSeq.Load()
}

// memoryUsage measures write-buffer pressure from in-memory state only;
// the maintenance loop folds in the WAL backlog.
func (r *Region) memoryUsage() backpressure.Usage {
	v := r.versions.Current()
	u := backpressure.Usage{}
	if r.cfg.Memtable.MaxBytes > 0 {
		u.MemtableRatio = float64(v.Mutable.SizeBytes()) / float64(r.cfg.Memtable.MaxBytes)
	}
	if r.cfg.Memtable.MaxFrozen > 0 {
		u.FrozenRatio = float64(len(v.Frozen)) / float64(r.cfg.Memtable.MaxFrozen)
	}
	return u
}

// usage measures full pressure including the on-disk WAL backlog.
func (r *Region) usage() backpressure.Usage {
	u := r.memoryUsage()
	if r.cfg.Flush.WALThresholdBytes > 0 {
		if backlog, err := r.wal.BacklogBytes(); err == nil {
			u.WALRatio = float64(backlog) / float64(r.cfg.Flush.WALThresholdBytes)
		}
	}
	return u
}

// Close stops accepting operations and closes the region's files.
// Buffered writes stay recoverable from the WAL.
func (r *Region) Close() error {
	if r.closed.Swap(true) {
		return nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	walErr := r.wal.Close()
	manErr := r.manifest.Close()
	if walErr != nil {
		return fmt.Errorf("close wal: %w", walErr)
	}
	if manErr != nil {
		return fmt.Errorf("close manifest: %w", manErr)
	}
	r.log.Info("region closed", "committed_seq", r.committedSeq.Load())
	return nil
}

// drop closes the region and deletes its directory tree.
func (r *Region) drop() error {
	if err := r.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(r.cfg.RegionDir(r.id)); err != nil {
		return fmt.Errorf("remove region dir: %w", err)
	}
	r.log.Info("region dropped")
	return nil
}

// RegionStats is a point-in-time snapshot of one region.
type RegionStats struct {
	ID           string
	CommittedSeq uint64
	FlushedSeq   uint64

	MutableBytes   int64
	MutableEntries int
	FrozenCount    int
	FileCount      int
	FileBytes      int64
	PendingPurges  int

	WritesAccepted int64
	WritesRejected int64
	RowsWritten    int64
	Scans          int64
	Flushes        int64
	FlushFailures  int64
	Compactions    int64

	Backpressure backpressure.Stats
	WAL          wal.Stats
	Manifest     manifest.Stats
	Compactor    compaction.StatsSnapshot
}

// Stats returns current region statistics.
func (r *Region) Stats() RegionStats {
	v := r.versions.Current()

	var fileBytes int64
	for _, f := range v.Files {
		fileBytes += f.SizeBytes
	}

	return RegionStats{
		ID:           r.id,
		CommittedSeq: r.committedSeq.Load(),
		FlushedSeq:   v.FlushedSeq,

		MutableBytes:   v.Mutable.SizeBytes(),
		MutableEntries: v.Mutable.Len(),
		FrozenCount:    len(v.Frozen),
		FileCount:      len(v.Files),
		FileBytes:      fileBytes,
		PendingPurges:  r.versions.PendingPurges(),

		WritesAccepted: r.stats.WritesAccepted.Load(),
		WritesRejected: r.stats.WritesRejected.Load(),
		RowsWritten:    r.stats.RowsWritten.Load(),
		Scans:          r.stats.Scans.Load(),
		Flushes:        r.stats.Flushes.Load(),
		FlushFailures:  r.stats.FlushFailures.Load(),
		Compactions:    r.stats.Compactions.Load(),

		Backpressure: r.bp.Stats(),
		WAL:          r.wal.Stats(),
		Manifest:     r.manifest.Stats(),
		Compactor:    r.executor.StatsSnapshot(),
	}
}
