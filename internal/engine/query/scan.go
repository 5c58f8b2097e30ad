// Package query implements the read path: given a pinned version and a
// scan request, it merges the overlapping memtables and SST files into
// one ordered stream and resolves each key to its newest visible
// non-tombstone value.
package query

import (
	"fmt"

	"github.com/sarvex/greptimedb/internal/engine/sst"
	"github.com/sarvex/greptimedb/internal/engine/types"
	"github.com/sarvex/greptimedb/internal/engine/version"
)

// ScanRequest describes one scan over a region snapshot.
type ScanRequest struct {
	// Range bounds the keys scanned; the zero value scans everything.
	Range types.KeyRange

	// Projection restricts output to the named fields; empty means all.
	Projection []string

	// SeqUpperBound is the read-visibility cutoff. Zero means the
	// snapshot's committed sequence.
	SeqUpperBound uint64
}

// RowIterator is a lazy, forward-only, single-pass stream of resolved
// rows. It is not restartable; a new scan must re-pin a version.
type RowIterator struct {
	merge *mergeIterator
	bound uint64

	project map[string]bool

	current types.Row
	lastKey types.Key
	hasLast bool

	err     error
	closed  bool
	onClose func()
}

// Scan opens a row iterator over the version. Sources are pruned by key
// range and sequence visibility before any file is opened. onClose, if
// non-nil, runs exactly once when the iterator is closed; callers use it
// to release the version pin.
func Scan(v *version.Version, sstDir string, req ScanRequest, opts sst.Options, onClose func()) (*RowIterator, error) {
	bound := req.SeqUpperBound
	if bound == 0 {
		bound = v.CommittedSeq
	}

	var sources []types.Iterator

	for _, mt := range v.Memtables() {
		if mt.Len() == 0 || mt.MinSeq() > bound {
			continue
		}
		sources = append(sources, mt.Scan(req.Range, bound))
	}

	for _, meta := range v.Files {
		if !meta.Overlaps(req.Range) || !meta.VisibleAt(bound) {
			continue
		}
		iter, err := sst.NewIter(sstDir, meta, req.Range, opts)
		if err != nil {
			for _, src := range sources {
				src.Close()
			}
			return nil, fmt.Errorf("open sst iterator: %w", err)
		}
		sources = append(sources, iter)
	}

	var project map[string]bool
	if len(req.Projection) > 0 {
		project = make(map[string]bool, len(req.Projection))
		for _, f := range req.Projection {
			project[f] = true
		}
	}

	return &RowIterator{
		merge:   newMergeIterator(sources),
		bound:   bound,
		project: project,
		onClose: onClose,
	}, nil
}

// Next advances to the next visible row.
func (it *RowIterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}

	for it.merge.Next() {
		e := it.merge.Entry()

		if e.Sequence > it.bound {
			continue
		}

		// The merge order guarantees the first visible entry per key is
		// the newest; every later version of the same key is shadowed.
		if it.hasLast && e.Key.Compare(it.lastKey) == 0 {
			continue
		}
		it.lastKey = e.Key
		it.hasLast = true

		if e.Tombstone {
			continue
		}
		if it.project != nil && !it.project[e.Key.Field] {
			continue
		}

		it.current = types.Row{
			Series:      e.Key.Series,
			Field:       e.Key.Field,
			TimestampMs: e.Key.TimestampMs,
			Value:       e.Value,
			Sequence:    e.Sequence,
		}
		return true
	}

	it.err = it.merge.Err()
	return false
}

// Row returns the current row. Only valid after Next returned true.
func (it *RowIterator) Row() types.Row {
	return it.current
}

// Err returns the first error encountered during the scan.
func (it *RowIterator) Err() error {
	return it.err
}

// Close releases the scan's sources and version pin. Idempotent.
func (it *RowIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true

	err := it.merge.Close()
	if it.onClose != nil {
		it.onClose()
	}
	return err
}

// Collect drains the iterator into a slice and closes it. Convenience
// for small result sets and tests.
func (it *RowIterator) Collect() ([]types.Row, error) {
	defer it.Close()

	var rows []types.Row
	for it.Next() {
		rows = append(rows, it.Row())
	}
	return rows, it.Err()
}
