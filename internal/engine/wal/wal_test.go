package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sarvex/greptimedb/internal/engine/types"
	"github.com/sarvex/greptimedb/internal/errors"
)

func testBatch(seq uint64) *types.WriteBatch {
	b := types.NewWriteBatch(3)
	b.Put("host-01", "cpu", 1234567890123, 42.5)
	b.Put("host-02", "memory", 1234567890456, 75.3)
	b.Delete("host-01", "cpu", 1234567890000)
	b.Sequence = seq
	return b
}

func TestEncodeDecode(t *testing.T) {
	batch := testBatch(7)

	data, err := encodeBatch("region-a", batch)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	regionID, decoded, err := decodeBatch(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if regionID != "region-a" {
		t.Errorf("expected region region-a, got %s", regionID)
	}
	if decoded.Sequence != 7 {
		t.Errorf("expected sequence 7, got %d", decoded.Sequence)
	}
	if decoded.Len() != batch.Len() {
		t.Fatalf("expected %d mutations, got %d", batch.Len(), decoded.Len())
	}

	for i, m := range batch.Mutations {
		d := decoded.Mutations[i]
		if d.Op != m.Op {
			t.Errorf("mutation %d: op mismatch", i)
		}
		if d.Key != m.Key {
			t.Errorf("mutation %d: key mismatch", i)
		}
		if d.Value != m.Value {
			t.Errorf("mutation %d: value mismatch", i)
		}
	}
}

func TestAppendReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := Open("region-a", dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for seq := uint64(1); seq <= 5; seq++ {
		if err := w.Append(testBatch(seq)); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var seqs []uint64
	info, err := Replay(dir, "region-a", func(b *types.WriteBatch) error {
		seqs = append(seqs, b.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if info.Batches != 5 {
		t.Errorf("expected 5 batches, got %d", info.Batches)
	}
	if info.MaxSequence != 5 {
		t.Errorf("expected max sequence 5, got %d", info.MaxSequence)
	}
	if info.TornTail {
		t.Error("unexpected torn tail")
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Errorf("batch %d: expected sequence %d, got %d", i, i+1, seq)
		}
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 256 // force frequent rotation

	w, err := Open("region-a", dir, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for seq := uint64(1); seq <= 20; seq++ {
		if err := w.Append(testBatch(seq)); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}
	w.Close()

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segments) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(segments))
	}

	info, err := Replay(dir, "region-a", func(*types.WriteBatch) error { return nil })
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if info.Batches != 20 {
		t.Errorf("expected 20 batches across segments, got %d", info.Batches)
	}
}

func TestTornTailDiscarded(t *testing.T) {
	dir := t.TempDir()

	w, err := Open("region-a", dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if err := w.Append(testBatch(seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	w.Close()

	// Truncate the last segment mid-record, as a crash during append would.
	segments, err := listSegments(dir)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	last := segments[len(segments)-1]
	if err := os.Truncate(last.path, last.size-5); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	info, err := Replay(dir, "region-a", func(*types.WriteBatch) error { return nil })
	if err != nil {
		t.Fatalf("replay after torn tail: %v", err)
	}
	if !info.TornTail {
		t.Error("expected torn tail")
	}
	if info.Batches != 2 {
		t.Errorf("expected 2 complete batches, got %d", info.Batches)
	}
	if info.MaxSequence != 2 {
		t.Errorf("expected max sequence 2, got %d", info.MaxSequence)
	}
}

func TestTornTailRepairedOnReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := Open("region-a", dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for seq := uint64(1); seq <= 2; seq++ {
		if err := w.Append(testBatch(seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	w.Close()

	// Crash mid-append: the last record is torn.
	segments, err := listSegments(dir)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	last := segments[len(segments)-1]
	if err := os.Truncate(last.path, last.size-5); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	info, err := Replay(dir, "region-a", func(*types.WriteBatch) error { return nil })
	if err != nil {
		t.Fatalf("replay after crash: %v", err)
	}
	if !info.TornTail || info.Batches != 1 {
		t.Fatalf("expected 1 batch with torn tail, got %d (torn=%v)", info.Batches, info.TornTail)
	}

	// Reopening stacks a fresh segment on top of the torn one; the lost
	// sequence is reassigned to a new write.
	w, err = Open("region-a", dir, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := w.Append(testBatch(2)); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	w.Close()

	// The torn record sits before the final segment now; replay must
	// still succeed because the reopen truncated it.
	info, err = Replay(dir, "region-a", func(*types.WriteBatch) error { return nil })
	if err != nil {
		t.Fatalf("replay after reopen cycle: %v", err)
	}
	if info.TornTail {
		t.Error("torn tail should have been repaired on reopen")
	}
	if info.Batches != 2 || info.MaxSequence != 2 {
		t.Errorf("expected 2 batches up to sequence 2, got %d up to %d",
			info.Batches, info.MaxSequence)
	}
}

func TestCorruptRecordFailsReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := Open("region-a", dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if err := w.Append(testBatch(seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	w.Close()

	// Flip a payload byte in the middle of the segment.
	segments, _ := listSegments(dir)
	path := segments[len(segments)-1].path
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	_, err = Replay(dir, "region-a", func(*types.WriteBatch) error { return nil })
	if err == nil {
		t.Fatal("expected corruption error")
	}
	if !errors.IsCorruption(err) {
		t.Errorf("expected corruption error, got %v", err)
	}
}

func TestRegionMismatchFailsReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := Open("region-a", dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.Append(testBatch(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Close()

	if _, err := Replay(dir, "region-b", func(*types.WriteBatch) error { return nil }); err == nil {
		t.Fatal("expected region mismatch error")
	}
}

func TestPruneBefore(t *testing.T) {
	dir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 256

	w, err := Open("region-a", dir, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for seq := uint64(1); seq <= 20; seq++ {
		if err := w.Append(testBatch(seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	before, _ := listSegments(dir)
	if len(before) < 3 {
		t.Fatalf("expected at least 3 segments, got %d", len(before))
	}

	pruned, err := w.PruneBefore(10)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned == 0 {
		t.Fatal("expected at least one segment pruned")
	}

	// Every batch above the watermark must survive.
	w.Close()
	var minSeq uint64
	info, err := Replay(dir, "region-a", func(b *types.WriteBatch) error {
		if minSeq == 0 || b.Sequence < minSeq {
			minSeq = b.Sequence
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replay after prune: %v", err)
	}
	if info.MaxSequence != 20 {
		t.Errorf("expected max sequence 20 after prune, got %d", info.MaxSequence)
	}
	if minSeq > 11 {
		t.Errorf("prune removed uncovered batches: min surviving sequence %d", minSeq)
	}
}

func TestPruneKeepsCurrentSegment(t *testing.T) {
	dir := t.TempDir()

	w, err := Open("region-a", dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if err := w.Append(testBatch(1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := w.PruneBefore(100); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, segmentName(w.segmentSeq-1))); err != nil {
		t.Errorf("current segment removed: %v", err)
	}
}

func TestEmptyBatchIgnored(t *testing.T) {
	dir := t.TempDir()

	w, err := Open("region-a", dir, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if err := w.Append(types.NewWriteBatch(0)); err != nil {
		t.Fatalf("append empty: %v", err)
	}
	if got := w.Stats().RecordsWritten; got != 0 {
		t.Errorf("expected no records written, got %d", got)
	}
}
