// Package version maintains the chain of immutable region snapshots.
// Each Version captures the memtable set, live SST files, schema, and
// sequence watermarks at one point in time. Versions are installed
// atomically and reference-counted by readers; files removed from the
// live set are deleted only after every reader of an older version has
// released it.
package version

import (
	"sync"
	"sync/atomic"

	"github.com/sarvex/greptimedb/internal/engine/memtable"
	"github.com/sarvex/greptimedb/internal/engine/types"
)

// Version is an immutable snapshot of a region's queryable state. Never
// mutate a Version after installing it; derive a successor with Clone.
type Version struct {
	id uint64

	// Schema is the region schema at snapshot time.
	Schema types.Schema

	// Mutable is the active memtable receiving writes.
	Mutable *memtable.Memtable

	// Frozen are read-only memtables awaiting flush, oldest first.
	Frozen []*memtable.Memtable

	// Files is the live SST file set, replaced wholesale on install.
	Files []types.FileMeta

	// FlushedSeq is the highest sequence covered by SST files.
	FlushedSeq uint64

	// CommittedSeq is the highest acknowledged write sequence; the
	// default read-visibility cutoff for scans.
	CommittedSeq uint64
}

// ID returns the version id. Ids increase with each install.
func (v *Version) ID() uint64 {
	return v.id
}

// Clone returns a shallow copy with fresh slice headers, safe to edit
// before installing as a successor version.
func (v *Version) Clone() *Version {
	return &Version{
		Schema:       v.Schema,
		Mutable:      v.Mutable,
		Frozen:       append([]*memtable.Memtable(nil), v.Frozen...),
		Files:        append([]types.FileMeta(nil), v.Files...),
		FlushedSeq:   v.FlushedSeq,
		CommittedSeq: v.CommittedSeq,
	}
}

// Memtables returns the memtables in read order: frozen oldest first,
// then the active memtable.
func (v *Version) Memtables() []*memtable.Memtable {
	tables := make([]*memtable.Memtable, 0, len(v.Frozen)+1)
	tables = append(tables, v.Frozen...)
	if v.Mutable != nil {
		tables = append(tables, v.Mutable)
	}
	return tables
}

// LevelFiles returns the live files of one LSM level.
func (v *Version) LevelFiles(level int) []types.FileMeta {
	var files []types.FileMeta
	for _, f := range v.Files {
		if f.Level == level {
			files = append(files, f)
		}
	}
	return files
}

// pendingFile is a file removed from the live set, deletable once no
// reader pins a version older than deadSince.
type pendingFile struct {
	meta      types.FileMeta
	deadSince uint64
}

// Set is the arena of versions for one region. It owns the current
// pointer, the per-version reader pins, and the deferred file purge
// queue.
type Set struct {
	mu sync.Mutex

	current atomic.Pointer[Version]
	nextID  atomic.Uint64

	// pins counts active readers per version id. The current version
	// is treated as always pinned.
	pins map[uint64]int

	pending []pendingFile

	// purge deletes a file that no reader can observe anymore.
	purge func(types.FileMeta)
}

// NewSet creates a version arena seeded with the initial version. purge
// is invoked for each file once it is both removed from the live set and
// unobservable by any pinned version; it must tolerate repeated calls
// for missing files.
func NewSet(initial *Version, purge func(types.FileMeta)) *Set {
	s := &Set{
		pins:  make(map[uint64]int),
		purge: purge,
	}
	initial.id = s.nextID.Add(1)
	s.current.Store(initial)
	return s
}

// Current returns the latest version without pinning it. The snapshot
// is safe to read but files may be deleted under a long scan; use
// Acquire for scans.
func (s *Set) Current() *Version {
	return s.current.Load()
}

// Acquire pins and returns the current version. The caller must Release
// it when the scan completes.
func (s *Set) Acquire() *Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.current.Load()
	s.pins[v.id]++
	return v
}

// Release drops a reader pin and purges files that became unobservable.
func (s *Set) Release(v *Version) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.pins[v.id]; ok {
		if n <= 1 {
			delete(s.pins, v.id)
		} else {
			s.pins[v.id] = n - 1
		}
	}
	s.purgeLocked()
}

// Install atomically makes next the current version. Files present in
// the replaced version but absent from next enter the purge queue.
// Returns the installed version id.
func (s *Set) Install(next *Version) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	next.id = s.nextID.Add(1)

	nextLive := make(map[string]bool, len(next.Files))
	for _, f := range next.Files {
		nextLive[f.ID] = true
	}
	for _, f := range prev.Files {
		if !nextLive[f.ID] {
			s.pending = append(s.pending, pendingFile{meta: f, deadSince: next.id})
		}
	}

	s.current.Store(next)
	s.purgeLocked()
	return next.id
}

// minPinnedLocked returns the smallest pinned version id, or the
// current id when nothing older is pinned.
func (s *Set) minPinnedLocked() uint64 {
	min := s.current.Load().id
	for id := range s.pins {
		if id < min {
			min = id
		}
	}
	return min
}

// purgeLocked deletes pending files no pinned version can observe.
func (s *Set) purgeLocked() {
	if len(s.pending) == 0 {
		return
	}

	minPinned := s.minPinnedLocked()
	kept := s.pending[:0]
	for _, p := range s.pending {
		if minPinned >= p.deadSince {
			if s.purge != nil {
				s.purge(p.meta)
			}
		} else {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

// PendingPurges returns the number of files awaiting purge.
func (s *Set) PendingPurges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
