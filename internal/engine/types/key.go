package types

import (
	"fmt"
	"strings"
)

// Key identifies a single time-series point within a region.
// Keys are totally ordered by series, then field, then timestamp.
type Key struct {
	// Series is the series identity (e.g., "prod/core-router-01").
	Series string `json:"series"`

	// Field is the metric name within the series (e.g., "cpu_usage").
	Field string `json:"field"`

	// TimestampMs is the point timestamp in Unix milliseconds.
	TimestampMs int64 `json:"timestamp_ms"`
}

// Compare returns -1, 0, or 1 depending on the ordering of k and o.
func (k Key) Compare(o Key) int {
	if c := strings.Compare(k.Series, o.Series); c != 0 {
		return c
	}
	if c := strings.Compare(k.Field, o.Field); c != 0 {
		return c
	}
	switch {
	case k.TimestampMs < o.TimestampMs:
		return -1
	case k.TimestampMs > o.TimestampMs:
		return 1
	default:
		return 0
	}
}

// Less reports whether k orders before o.
func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

// String returns a human-readable representation of the key.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%d", k.Series, k.Field, k.TimestampMs)
}

// KeyRange selects a contiguous span of keys.
// Start is inclusive, End is exclusive; a nil bound is unbounded.
type KeyRange struct {
	Start *Key
	End   *Key
}

// RangeAll returns the unbounded key range.
func RangeAll() KeyRange {
	return KeyRange{}
}

// Contains reports whether k falls inside the range.
func (r KeyRange) Contains(k Key) bool {
	if r.Start != nil && k.Compare(*r.Start) < 0 {
		return false
	}
	if r.End != nil && k.Compare(*r.End) >= 0 {
		return false
	}
	return true
}

// Overlaps reports whether the range intersects the closed span
// [min, max]. Used for file-level pruning before a scan is opened.
func (r KeyRange) Overlaps(min, max Key) bool {
	if r.Start != nil && max.Compare(*r.Start) < 0 {
		return false
	}
	if r.End != nil && min.Compare(*r.End) >= 0 {
		return false
	}
	return true
}

// Entry is a single versioned point: a key, the sequence of the batch
// that wrote it, and either a value or a tombstone.
type Entry struct {
	Key       Key
	Sequence  uint64
	Value     float64
	Tombstone bool
}

// CompareEntry orders entries by key ascending, then sequence
// descending, so that the newest version of a key is seen first.
func CompareEntry(a, b Entry) int {
	if c := a.Key.Compare(b.Key); c != 0 {
		return c
	}
	switch {
	case a.Sequence > b.Sequence:
		return -1
	case a.Sequence < b.Sequence:
		return 1
	default:
		return 0
	}
}

// Row is a resolved point returned by the read path: the newest visible
// non-tombstone value for a key at the scan's snapshot sequence.
type Row struct {
	Series      string
	Field       string
	TimestampMs int64
	Value       float64
	Sequence    uint64
}

// Key returns the row's key.
func (r Row) Key() Key {
	return Key{Series: r.Series, Field: r.Field, TimestampMs: r.TimestampMs}
}

// Iterator is a forward-only, single-pass stream of entries ordered by
// key ascending then sequence descending. Iterators are not restartable;
// a new scan must be opened against a freshly pinned version.
type Iterator interface {
	// Next advances the iterator. It returns false when the stream is
	// exhausted or an error occurred; check Err after a false return.
	Next() bool

	// Entry returns the current entry. Only valid after Next returned true.
	Entry() Entry

	// Err returns the first error encountered during iteration.
	Err() error

	// Close releases resources held by the iterator.
	Close() error
}
