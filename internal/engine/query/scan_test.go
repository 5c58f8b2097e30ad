package query

import (
	"math"
	"testing"

	"github.com/sarvex/greptimedb/internal/engine/memtable"
	"github.com/sarvex/greptimedb/internal/engine/sst"
	"github.com/sarvex/greptimedb/internal/engine/types"
	"github.com/sarvex/greptimedb/internal/engine/version"
)

type sliceIter struct {
	entries []types.Entry
	pos     int
}

func (it *sliceIter) Next() bool {
	if it.pos >= len(it.entries) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIter) Entry() types.Entry { return it.entries[it.pos-1] }
func (it *sliceIter) Err() error         { return nil }
func (it *sliceIter) Close() error       { return nil }

func entry(series, field string, ts int64, seq uint64, value float64) types.Entry {
	return types.Entry{
		Key:      types.Key{Series: series, Field: field, TimestampMs: ts},
		Sequence: seq,
		Value:    value,
	}
}

func tombstone(series, field string, ts int64, seq uint64) types.Entry {
	e := entry(series, field, ts, seq, 0)
	e.Tombstone = true
	return e
}

func TestMergeOrder(t *testing.T) {
	s1 := &sliceIter{entries: []types.Entry{
		entry("a", "cpu", 100, 1, 1.0),
		entry("c", "cpu", 100, 3, 3.0),
	}}
	s2 := &sliceIter{entries: []types.Entry{
		entry("a", "cpu", 100, 5, 5.0),
		entry("b", "cpu", 100, 2, 2.0),
	}}

	m := Merge([]types.Iterator{s1, s2})
	defer m.Close()

	var got []types.Entry
	for m.Next() {
		got = append(got, m.Entry())
	}
	if err := m.Err(); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if len(got) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(got))
	}
	// a@5 before a@1 (same key, newer first), then b@2, then c@3.
	wantSeqs := []uint64{5, 1, 2, 3}
	for i, e := range got {
		if e.Sequence != wantSeqs[i] {
			t.Errorf("entry %d: expected sequence %d, got %d", i, wantSeqs[i], e.Sequence)
		}
	}
}

func TestMergeEmptySources(t *testing.T) {
	m := Merge([]types.Iterator{&sliceIter{}, &sliceIter{}})
	defer m.Close()

	if m.Next() {
		t.Error("expected no entries from empty sources")
	}
}

// buildVersion flushes sstEntries into a file and wraps it with a
// memtable holding memEntries, mirroring a region after one flush.
func buildVersion(t *testing.T, dir string, memEntries, sstEntries []types.Entry) *version.Version {
	t.Helper()

	v := &version.Version{Mutable: memtable.New(2)}

	if len(sstEntries) > 0 {
		meta, err := sst.Write(dir, 0, &sliceIter{entries: sstEntries}, sst.DefaultOptions())
		if err != nil {
			t.Fatalf("write sst: %v", err)
		}
		v.Files = []types.FileMeta{*meta}
		v.FlushedSeq = meta.MaxSeq
	}

	if len(memEntries) > 0 {
		if err := v.Mutable.Insert(memEntries); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var committed uint64
	for _, e := range append(append([]types.Entry{}, memEntries...), sstEntries...) {
		if e.Sequence > committed {
			committed = e.Sequence
		}
	}
	v.CommittedSeq = committed
	return v
}

func collect(t *testing.T, it *RowIterator) []types.Row {
	t.Helper()
	rows, err := it.Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	return rows
}

func TestScanNewestWins(t *testing.T) {
	dir := t.TempDir()

	// a=1 flushed at seq 1, a=2 written at seq 2.
	v := buildVersion(t, dir,
		[]types.Entry{entry("a", "cpu", 100, 2, 2.0)},
		[]types.Entry{entry("a", "cpu", 100, 1, 1.0)},
	)

	it, err := Scan(v, dir, ScanRequest{}, sst.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	rows := collect(t, it)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Value != 2.0 || rows[0].Sequence != 2 {
		t.Errorf("expected newest value 2.0@2, got %v@%d", rows[0].Value, rows[0].Sequence)
	}
}

func TestScanSeqUpperBound(t *testing.T) {
	dir := t.TempDir()

	v := buildVersion(t, dir,
		[]types.Entry{entry("a", "cpu", 100, 2, 2.0)},
		[]types.Entry{entry("a", "cpu", 100, 1, 1.0)},
	)

	it, err := Scan(v, dir, ScanRequest{SeqUpperBound: 1}, sst.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	rows := collect(t, it)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row at bound 1, got %d", len(rows))
	}
	if rows[0].Value != 1.0 {
		t.Errorf("expected historical value 1.0, got %v", rows[0].Value)
	}
}

func TestScanTombstoneHides(t *testing.T) {
	dir := t.TempDir()

	v := buildVersion(t, dir,
		[]types.Entry{tombstone("a", "cpu", 100, 2)},
		[]types.Entry{entry("a", "cpu", 100, 1, 1.0)},
	)

	it, err := Scan(v, dir, ScanRequest{}, sst.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	rows := collect(t, it)
	if len(rows) != 0 {
		t.Fatalf("expected tombstone to hide the key, got %d rows", len(rows))
	}

	// Below the tombstone's sequence the old value is visible again.
	it2, err := Scan(v, dir, ScanRequest{SeqUpperBound: 1}, sst.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	rows = collect(t, it2)
	if len(rows) != 1 || rows[0].Value != 1.0 {
		t.Errorf("expected 1.0 visible below tombstone, got %v", rows)
	}
}

func TestScanProjection(t *testing.T) {
	dir := t.TempDir()

	v := buildVersion(t, dir, []types.Entry{
		entry("a", "cpu", 100, 1, 1.0),
		entry("a", "mem", 100, 2, 9.0),
		entry("b", "cpu", 100, 3, 3.0),
	}, nil)

	it, err := Scan(v, dir, ScanRequest{Projection: []string{"mem"}}, sst.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	rows := collect(t, it)
	if len(rows) != 1 {
		t.Fatalf("expected 1 projected row, got %d", len(rows))
	}
	if rows[0].Field != "mem" {
		t.Errorf("expected field mem, got %s", rows[0].Field)
	}
}

func TestScanKeyRange(t *testing.T) {
	dir := t.TempDir()

	v := buildVersion(t, dir, []types.Entry{
		entry("a", "cpu", 100, 1, 1.0),
		entry("b", "cpu", 100, 2, 2.0),
		entry("c", "cpu", 100, 3, 3.0),
	}, nil)

	start := types.Key{Series: "b"}
	end := types.Key{Series: "c"}
	it, err := Scan(v, dir, ScanRequest{Range: types.KeyRange{Start: &start, End: &end}}, sst.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	rows := collect(t, it)
	if len(rows) != 1 || rows[0].Series != "b" {
		t.Errorf("expected only series b, got %v", rows)
	}
}

func TestScanOnCloseRunsOnce(t *testing.T) {
	dir := t.TempDir()

	v := buildVersion(t, dir, []types.Entry{entry("a", "cpu", 100, 1, 1.0)}, nil)

	calls := 0
	it, err := Scan(v, dir, ScanRequest{}, sst.DefaultOptions(), func() { calls++ })
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	it.Close()
	it.Close()

	if calls != 1 {
		t.Errorf("expected onClose to run once, ran %d times", calls)
	}
}

func TestScanPrunesInvisibleFiles(t *testing.T) {
	dir := t.TempDir()

	meta, err := sst.Write(dir, 0, &sliceIter{entries: []types.Entry{
		entry("a", "cpu", 100, 10, 1.0),
	}}, sst.DefaultOptions())
	if err != nil {
		t.Fatalf("write sst: %v", err)
	}

	v := &version.Version{
		Mutable:      memtable.New(1),
		Files:        []types.FileMeta{*meta},
		CommittedSeq: math.MaxUint64,
	}

	// Every sequence in the file is above the bound; the file is pruned
	// and the scan sees nothing.
	it, err := Scan(v, dir, ScanRequest{SeqUpperBound: 5}, sst.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	rows := collect(t, it)
	if len(rows) != 0 {
		t.Errorf("expected no visible rows, got %v", rows)
	}
}
