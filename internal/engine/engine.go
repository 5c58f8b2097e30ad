// Package engine assembles the storage engine: a set of independent
// single-writer regions sharing one configuration and one background
// task scheduler. Each region is an LSM tree with its own WAL, memtable
// set, SST files, and manifest; the engine routes operations by region
// id and drives flush, compaction, and WAL pruning in the background.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sarvex/greptimedb/internal/engine/config"
	"github.com/sarvex/greptimedb/internal/engine/query"
	"github.com/sarvex/greptimedb/internal/engine/scheduler"
	"github.com/sarvex/greptimedb/internal/engine/types"
	"github.com/sarvex/greptimedb/internal/errors"
	"github.com/sarvex/greptimedb/internal/logging"
)

// openConcurrency bounds parallel region opens at startup.
const openConcurrency = 8

// Engine is the region service.
type Engine struct {
	cfg   *config.Config
	sched *scheduler.Scheduler

	mu      sync.RWMutex
	regions map[string]*Region

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *slog.Logger
}

// New creates an engine from a validated configuration. Call Start
// before serving traffic.
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	sched, err := scheduler.New(scheduler.Options{
		Workers:        cfg.Scheduler.Workers,
		MaxIOTasks:     cfg.Scheduler.MaxIOTasks,
		QueueDepth:     cfg.Scheduler.QueueDepth,
		RetryBaseDelay: cfg.Scheduler.RetryBaseDelay,
		RetryMaxDelay:  cfg.Scheduler.RetryMaxDelay,
		MaxRetries:     cfg.Scheduler.MaxRetries,
		SketchAccuracy: cfg.Scheduler.SketchAccuracy,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		sched:   sched,
		regions: make(map[string]*Region),
		ctx:     ctx,
		cancel:  cancel,
		log:     logging.Component("engine"),
	}, nil
}

// Start launches the scheduler and the maintenance loop.
func (e *Engine) Start() error {
	if e.running.Swap(true) {
		return fmt.Errorf("engine already running")
	}
	if err := e.sched.Start(); err != nil {
		return err
	}

	e.wg.Add(1)
	go e.maintenanceLoop()

	e.log.Info("started", "data_dir", e.cfg.DataDir)
	return nil
}

// Stop drains background work and closes every region. Buffered writes
// stay recoverable from the WALs.
func (e *Engine) Stop() error {
	if !e.running.Swap(false) {
		return nil
	}

	e.cancel()
	e.wg.Wait()
	e.sched.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for id, r := range e.regions {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close region %s: %w", id, err)
		}
		delete(e.regions, id)
	}

	e.log.Info("stopped")
	return firstErr
}

// IsRunning returns whether the engine is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// validateRegionID rejects ids unusable as directory names.
func validateRegionID(id string) error {
	if id == "" {
		return fmt.Errorf("empty region id: %w", errors.ErrInvalidConfig)
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("region id %q: %w", id, errors.ErrInvalidConfig)
	}
	return nil
}

// CreateRegion creates a new region with the given schema.
func (e *Engine) CreateRegion(id string, schema types.Schema) (*Region, error) {
	if !e.running.Load() {
		return nil, errors.ErrEngineClosed
	}
	if err := validateRegionID(id); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.regions[id]; ok {
		return nil, fmt.Errorf("region %s: %w", id, errors.ErrRegionExists)
	}
	if _, err := os.Stat(e.cfg.RegionDir(id)); err == nil {
		return nil, fmt.Errorf("region %s: %w", id, errors.ErrRegionExists)
	}

	r, err := createRegion(e.cfg, id, schema)
	if err != nil {
		return nil, err
	}
	e.regions[id] = r
	return r, nil
}

// OpenRegion recovers a region from disk and registers it.
func (e *Engine) OpenRegion(id string) (*Region, error) {
	if !e.running.Load() {
		return nil, errors.ErrEngineClosed
	}
	if err := validateRegionID(id); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.regions[id]; ok {
		return r, nil
	}

	r, err := openRegion(e.cfg, id)
	if err != nil {
		return nil, err
	}
	e.regions[id] = r
	return r, nil
}

// OpenAll recovers every region found under the data directory,
// opening up to openConcurrency regions in parallel.
func (e *Engine) OpenAll(ctx context.Context) error {
	if !e.running.Load() {
		return errors.ErrEngineClosed
	}

	entries, err := os.ReadDir(e.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("list data dir: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(openConcurrency)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := e.OpenRegion(id); err != nil {
				return fmt.Errorf("open region %s: %w", id, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// GetRegion returns a registered region.
func (e *Engine) GetRegion(id string) (*Region, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.regions[id]
	if !ok {
		return nil, fmt.Errorf("region %s: %w", id, errors.ErrRegionNotFound)
	}
	return r, nil
}

// DropRegion closes a region and deletes its data.
func (e *Engine) DropRegion(id string) error {
	e.mu.Lock()
	r, ok := e.regions[id]
	if ok {
		delete(e.regions, id)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("region %s: %w", id, errors.ErrRegionNotFound)
	}
	return r.drop()
}

// CloseRegion closes a region without deleting its data; it can be
// reopened later.
func (e *Engine) CloseRegion(id string) error {
	e.mu.Lock()
	r, ok := e.regions[id]
	if ok {
		delete(e.regions, id)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("region %s: %w", id, errors.ErrRegionNotFound)
	}
	return r.Close()
}

// Write routes a batch to its region. Returns the assigned sequence.
func (e *Engine) Write(ctx context.Context, regionID string, batch *types.WriteBatch) (uint64, error) {
	r, err := e.GetRegion(regionID)
	if err != nil {
		return 0, err
	}
	return r.Write(ctx, batch)
}

// Scan opens a row iterator over a region snapshot.
func (e *Engine) Scan(regionID string, req query.ScanRequest) (*query.RowIterator, error) {
	r, err := e.GetRegion(regionID)
	if err != nil {
		return nil, err
	}
	return r.Scan(req)
}

// FlushRegion synchronously freezes and flushes a region's memtables.
func (e *Engine) FlushRegion(ctx context.Context, id string) error {
	r, err := e.GetRegion(id)
	if err != nil {
		return err
	}
	return r.Flush(ctx, true)
}

// CompactRegion synchronously runs at most one compaction on a region.
func (e *Engine) CompactRegion(ctx context.Context, id string) error {
	r, err := e.GetRegion(id)
	if err != nil {
		return err
	}
	return r.Compact(ctx)
}

// RegionHealth returns the last permanent background failure recorded
// for a region, nil if healthy.
func (e *Engine) RegionHealth(id string) error {
	return e.sched.RegionHealth(id)
}

// maintenanceLoop periodically evaluates each region's flush and
// compaction triggers and submits due work to the scheduler. The
// scheduler deduplicates, so a slow task is never submitted twice.
func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Flush.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runMaintenance()
		}
	}
}

// runMaintenance submits one round of due background work.
func (e *Engine) runMaintenance() {
	e.mu.RLock()
	regions := make([]*Region, 0, len(e.regions))
	for _, r := range e.regions {
		regions = append(regions, r)
	}
	e.mu.RUnlock()

	for _, r := range regions {
		r.bp.Check(r.usage())

		if r.flushDue() {
			region := r
			e.sched.Submit(&scheduler.Task{
				RegionID: region.id,
				Kind:     scheduler.KindFlush,
				IO:       true,
				Run: func(ctx context.Context) error {
					return region.Flush(ctx, false)
				},
			})
		}

		if task := r.picker.Pick(r.versions.Current().Files); task != nil {
			region := r
			e.sched.Submit(&scheduler.Task{
				RegionID: region.id,
				Kind:     scheduler.KindCompaction,
				IO:       true,
				Run: func(ctx context.Context) error {
					return region.Compact(ctx)
				},
			})
		}

		// Reclaim covered WAL segments even when no flush ran this round.
		flushedSeq := r.versions.Current().FlushedSeq
		if flushedSeq > 0 {
			region := r
			e.sched.Submit(&scheduler.Task{
				RegionID: region.id,
				Kind:     scheduler.KindWALPrune,
				IO:       true,
				Run: func(ctx context.Context) error {
					_, err := region.wal.PruneBefore(flushedSeq)
					return err
				},
			})
		}
	}
}

// Stats is an engine-wide statistics snapshot.
type Stats struct {
	Regions   []RegionStats
	Scheduler scheduler.Stats
}

// Stats returns current statistics for every region and the scheduler.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Stats{Scheduler: e.sched.Stats()}
	for _, r := range e.regions {
		st.Regions = append(st.Regions, r.Stats())
	}
	return st
}
