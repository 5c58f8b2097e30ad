package query

import (
	"container/heap"

	"github.com/sarvex/greptimedb/internal/engine/types"
)

// mergeSource is one input stream positioned at its current entry.
type mergeSource struct {
	iter  types.Iterator
	entry types.Entry
	// order breaks ties between sources holding an identical
	// (key, sequence); lower order wins for determinism.
	order int
}

// sourceHeap is a min-heap over sources by entry order (key ascending,
// sequence descending).
type sourceHeap []*mergeSource

func (h sourceHeap) Len() int { return len(h) }

func (h sourceHeap) Less(i, j int) bool {
	if c := types.CompareEntry(h[i].entry, h[j].entry); c != 0 {
		return c < 0
	}
	return h[i].order < h[j].order
}

func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sourceHeap) Push(x any) { *h = append(*h, x.(*mergeSource)) }

func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}

// Merge combines any number of sorted entry streams into one ordered
// stream. Shared by the scan path and the compaction executor.
func Merge(sources []types.Iterator) types.Iterator {
	return newMergeIterator(sources)
}

// mergeIterator merges any number of sorted entry streams into one,
// preserving the key-ascending, sequence-descending order.
type mergeIterator struct {
	h       sourceHeap
	sources []types.Iterator
	current types.Entry
	err     error
}

// newMergeIterator builds a merge over the sources. Each source must
// already be ordered; empty sources are dropped up front.
func newMergeIterator(sources []types.Iterator) *mergeIterator {
	m := &mergeIterator{sources: sources}

	for i, src := range sources {
		if src.Next() {
			m.h = append(m.h, &mergeSource{iter: src, entry: src.Entry(), order: i})
		} else if err := src.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.h)

	return m
}

func (m *mergeIterator) Next() bool {
	if m.err != nil || len(m.h) == 0 {
		return false
	}

	top := m.h[0]
	m.current = top.entry

	if top.iter.Next() {
		top.entry = top.iter.Entry()
		heap.Fix(&m.h, 0)
	} else {
		if err := top.iter.Err(); err != nil {
			m.err = err
			return false
		}
		heap.Pop(&m.h)
	}

	return true
}

func (m *mergeIterator) Entry() types.Entry {
	return m.current
}

func (m *mergeIterator) Err() error {
	return m.err
}

func (m *mergeIterator) Close() error {
	var first error
	for _, src := range m.sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
