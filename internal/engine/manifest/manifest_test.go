package manifest

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/sarvex/greptimedb/internal/engine/types"
	"github.com/sarvex/greptimedb/internal/errors"
)

func fileMeta(id string, level int, minSeq, maxSeq uint64) types.FileMeta {
	return types.FileMeta{
		ID:     id,
		Level:  level,
		MinKey: types.Key{Series: "a"},
		MaxKey: types.Key{Series: "z"},
		MinSeq: minSeq,
		MaxSeq: maxSeq,
		Rows:   10,
	}
}

func TestApplyFold(t *testing.T) {
	schema := types.NewSchema(types.FieldSchema{Name: "cpu"})

	state := State{}
	actions := []Action{
		{Kind: KindSchemaChange, Schema: &schema},
		{Kind: KindAddFiles, AddFiles: []types.FileMeta{fileMeta("f1", 0, 1, 5)}, FlushedSeq: 5},
		{Kind: KindAddFiles, AddFiles: []types.FileMeta{fileMeta("f2", 0, 6, 9)}, FlushedSeq: 9},
		{Kind: KindCompact, AddFiles: []types.FileMeta{fileMeta("f3", 1, 1, 9)}, RemoveFiles: []string{"f1", "f2"}},
	}

	var err error
	for i, a := range actions {
		state, err = Apply(state, a)
		if err != nil {
			t.Fatalf("apply action %d: %v", i, err)
		}
	}

	if len(state.Files) != 1 || state.Files[0].ID != "f3" {
		t.Fatalf("expected only f3 live, got %+v", state.Files)
	}
	if state.FlushedSeq != 9 {
		t.Errorf("expected flushed sequence 9, got %d", state.FlushedSeq)
	}
	if len(state.Schema.Fields) != 1 {
		t.Errorf("expected 1 schema field, got %d", len(state.Schema.Fields))
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	state := State{Files: []types.FileMeta{fileMeta("f1", 0, 1, 5)}}

	next, err := Apply(state, Action{Kind: KindRemoveFiles, RemoveFiles: []string{"f1"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(state.Files) != 1 {
		t.Error("input state mutated")
	}
	if len(next.Files) != 0 {
		t.Error("file not removed from successor")
	}
}

func TestApplyUnknownKind(t *testing.T) {
	if _, err := Apply(State{}, Action{Kind: "bogus"}); err == nil {
		t.Fatal("expected error for unknown action kind")
	}
}

func TestLogReplay(t *testing.T) {
	dir := t.TempDir()

	m, state, err := Open(dir, 64)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(state.Files) != 0 {
		t.Fatalf("expected empty initial state")
	}

	schema := types.NewSchema(types.FieldSchema{Name: "cpu"})
	acts := []Action{
		{Kind: KindSchemaChange, Schema: &schema},
		{Kind: KindAddFiles, AddFiles: []types.FileMeta{fileMeta("f1", 0, 1, 5)}, FlushedSeq: 5, RetiredMemtable: 1},
		{Kind: KindAddFiles, AddFiles: []types.FileMeta{fileMeta("f2", 0, 6, 9)}, FlushedSeq: 9, RetiredMemtable: 2},
	}
	for i, a := range acts {
		if err := m.Log(a); err != nil {
			t.Fatalf("log action %d: %v", i, err)
		}
	}
	want := m.State()
	m.Close()

	got, _, err := Replay(dir)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("replayed state mismatch:\n got %+v\nwant %+v", got, want)
	}

	// Replaying again must fold to the same state.
	again, _, err := Replay(dir)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if !reflect.DeepEqual(again, got) {
		t.Error("replay is not deterministic")
	}
}

func TestTornTailRepairedAcrossReopens(t *testing.T) {
	dir := t.TempDir()

	m, _, err := Open(dir, 64)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Log(Action{Kind: KindAddFiles, AddFiles: []types.FileMeta{fileMeta("f1", 0, 1, 5)}, FlushedSeq: 5}); err != nil {
		t.Fatalf("log f1: %v", err)
	}
	if err := m.Log(Action{Kind: KindAddFiles, AddFiles: []types.FileMeta{fileMeta("f2", 0, 6, 9)}, FlushedSeq: 9}); err != nil {
		t.Fatalf("log f2: %v", err)
	}
	m.Close()

	// Crash mid-Log: the last record is torn.
	logs, err := listLogs(dir)
	if err != nil || len(logs) == 0 {
		t.Fatalf("list logs: %v", err)
	}
	path := logs[len(logs)-1].path
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat log: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	// First reopen repairs the tail and opens a fresh log on top.
	m, state, err := Open(dir, 64)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	if len(state.Files) != 1 || state.Files[0].ID != "f1" {
		t.Fatalf("expected only f1 to survive the torn record, got %+v", state.Files)
	}
	if err := m.Log(Action{Kind: KindAddFiles, AddFiles: []types.FileMeta{fileMeta("f3", 0, 6, 9)}, FlushedSeq: 9}); err != nil {
		t.Fatalf("log f3: %v", err)
	}
	m.Close()

	// The second reopen replays the repaired log plus the new one.
	m, state, err = Open(dir, 64)
	if err != nil {
		t.Fatalf("second reopen: %v", err)
	}
	defer m.Close()

	if len(state.Files) != 2 {
		t.Fatalf("expected f1 and f3 live, got %+v", state.Files)
	}
	if state.Files[0].ID != "f1" || state.Files[1].ID != "f3" {
		t.Errorf("unexpected files: %+v", state.Files)
	}
}

func TestWriteFailureLeavesLogReplayable(t *testing.T) {
	dir := t.TempDir()

	m, _, err := Open(dir, 64)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Log(Action{Kind: KindAddFiles, AddFiles: []types.FileMeta{fileMeta("f1", 0, 1, 5)}, FlushedSeq: 5}); err != nil {
		t.Fatalf("log f1: %v", err)
	}

	// Fail the next append mid-record.
	m.logFile.Close()
	err = m.Log(Action{Kind: KindAddFiles, AddFiles: []types.FileMeta{fileMeta("f2", 0, 6, 9)}, FlushedSeq: 9})
	if err == nil {
		t.Fatal("expected write error")
	}
	if !errors.Is(err, errors.ErrIO) {
		t.Errorf("expected i/o error, got %v", err)
	}

	// The failed file is retired; later actions land in a clean log.
	if err := m.Log(Action{Kind: KindAddFiles, AddFiles: []types.FileMeta{fileMeta("f3", 0, 6, 9)}, FlushedSeq: 9}); err != nil {
		t.Fatalf("log f3 after failure: %v", err)
	}
	m.Close()

	state, _, err := Replay(dir)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(state.Files) != 2 || state.Files[0].ID != "f1" || state.Files[1].ID != "f3" {
		t.Fatalf("expected f1 and f3 live, got %+v", state.Files)
	}
}

func TestCheckpointAndPrune(t *testing.T) {
	dir := t.TempDir()

	m, _, err := Open(dir, 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := 0; i < 10; i++ {
		a := Action{
			Kind:       KindAddFiles,
			AddFiles:   []types.FileMeta{fileMeta(string(rune('a'+i)), 0, uint64(i+1), uint64(i+1))},
			FlushedSeq: uint64(i + 1),
		}
		if err := m.Log(a); err != nil {
			t.Fatalf("log %d: %v", i, err)
		}
	}

	if m.Stats().CheckpointsWritten == 0 {
		t.Fatal("expected automatic checkpoints")
	}
	want := m.State()
	m.Close()

	got, _, err := Replay(dir)
	if err != nil {
		t.Fatalf("replay from checkpoint: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("state after checkpointed replay mismatch:\n got %+v\nwant %+v", got, want)
	}
	if got.FlushedSeq != 10 {
		t.Errorf("expected flushed sequence 10, got %d", got.FlushedSeq)
	}
}

func TestReopenAppends(t *testing.T) {
	dir := t.TempDir()

	m, _, err := Open(dir, 64)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m.Log(Action{Kind: KindAddFiles, AddFiles: []types.FileMeta{fileMeta("f1", 0, 1, 5)}, FlushedSeq: 5})
	m.Close()

	m2, state, err := Open(dir, 64)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()

	if len(state.Files) != 1 || state.FlushedSeq != 5 {
		t.Fatalf("state lost across reopen: %+v", state)
	}

	if err := m2.Log(Action{Kind: KindFlushed, FlushedSeq: 8}); err != nil {
		t.Fatalf("log after reopen: %v", err)
	}
	if m2.State().FlushedSeq != 8 {
		t.Errorf("expected flushed sequence 8, got %d", m2.State().FlushedSeq)
	}
}

func TestTornTailDiscarded(t *testing.T) {
	dir := t.TempDir()

	m, _, err := Open(dir, 64)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m.Log(Action{Kind: KindFlushed, FlushedSeq: 3})
	m.Log(Action{Kind: KindFlushed, FlushedSeq: 7})
	m.Close()

	logs, err := listLogs(dir)
	if err != nil || len(logs) == 0 {
		t.Fatalf("list logs: %v", err)
	}
	last := logs[len(logs)-1].path
	info, err := os.Stat(last)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(last, info.Size()-4); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	state, _, err := Replay(dir)
	if err != nil {
		t.Fatalf("replay with torn tail: %v", err)
	}
	if state.FlushedSeq != 3 {
		t.Errorf("expected torn record discarded, flushed sequence 3, got %d", state.FlushedSeq)
	}
}

func TestCorruptRecordFailsReplay(t *testing.T) {
	dir := t.TempDir()

	m, _, err := Open(dir, 64)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m.Log(Action{Kind: KindFlushed, FlushedSeq: 3})
	m.Log(Action{Kind: KindFlushed, FlushedSeq: 7})
	m.Close()

	logs, _ := listLogs(dir)
	path := logs[len(logs)-1].path
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	// Flip a byte inside the first record's payload.
	data[headerSize+recordHeaderSize+2] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	_, _, err = Replay(dir)
	if !errors.IsCorruption(err) {
		t.Errorf("expected corruption error, got %v", err)
	}
}

func TestLatestCheckpointSelection(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{checkpointName(2), checkpointName(5), checkpointName(3)} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	path, index, err := latestCheckpoint(dir)
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if index != 5 {
		t.Errorf("expected index 5, got %d", index)
	}
	if filepath.Base(path) != checkpointName(5) {
		t.Errorf("unexpected path %s", path)
	}
}
