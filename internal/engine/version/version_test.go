package version

import (
	"testing"

	"github.com/sarvex/greptimedb/internal/engine/memtable"
	"github.com/sarvex/greptimedb/internal/engine/types"
)

func fileMeta(id string) types.FileMeta {
	return types.FileMeta{ID: id, Rows: 1}
}

func newSet(purged *[]string, files ...types.FileMeta) *Set {
	initial := &Version{
		Mutable: memtable.New(1),
		Files:   files,
	}
	return NewSet(initial, func(meta types.FileMeta) {
		*purged = append(*purged, meta.ID)
	})
}

func TestInstallBumpsID(t *testing.T) {
	var purged []string
	s := newSet(&purged)

	v1 := s.Current()
	next := v1.Clone()
	id := s.Install(next)

	if id <= v1.ID() {
		t.Errorf("expected increasing version ids, got %d after %d", id, v1.ID())
	}
	if s.Current() != next {
		t.Error("install did not swap the current version")
	}
}

func TestRemovedFilePurgedImmediatelyWithoutReaders(t *testing.T) {
	var purged []string
	s := newSet(&purged, fileMeta("f1"), fileMeta("f2"))

	next := s.Current().Clone()
	next.Files = []types.FileMeta{fileMeta("f2")}
	s.Install(next)

	if len(purged) != 1 || purged[0] != "f1" {
		t.Errorf("expected f1 purged, got %v", purged)
	}
}

func TestPinDefersPurge(t *testing.T) {
	var purged []string
	s := newSet(&purged, fileMeta("f1"))

	// A reader pins the version that still references f1.
	pinned := s.Acquire()

	next := s.Current().Clone()
	next.Files = nil
	s.Install(next)

	if len(purged) != 0 {
		t.Fatalf("file purged under an active reader: %v", purged)
	}
	if s.PendingPurges() != 1 {
		t.Fatalf("expected 1 pending purge, got %d", s.PendingPurges())
	}

	s.Release(pinned)

	if len(purged) != 1 || purged[0] != "f1" {
		t.Errorf("expected f1 purged after release, got %v", purged)
	}
	if s.PendingPurges() != 0 {
		t.Errorf("expected empty purge queue, got %d", s.PendingPurges())
	}
}

func TestNewerPinDoesNotBlockPurge(t *testing.T) {
	var purged []string
	s := newSet(&purged, fileMeta("f1"))

	next := s.Current().Clone()
	next.Files = nil
	s.Install(next)

	// Pin taken after the install cannot observe f1.
	pinned := s.Acquire()
	defer s.Release(pinned)

	if len(purged) != 1 {
		t.Errorf("expected f1 purged despite newer pin, got %v", purged)
	}
}

func TestMultiplePinsSameVersion(t *testing.T) {
	var purged []string
	s := newSet(&purged, fileMeta("f1"))

	p1 := s.Acquire()
	p2 := s.Acquire()

	next := s.Current().Clone()
	next.Files = nil
	s.Install(next)

	s.Release(p1)
	if len(purged) != 0 {
		t.Fatal("purged while second pin still held")
	}

	s.Release(p2)
	if len(purged) != 1 {
		t.Errorf("expected purge after last release, got %v", purged)
	}
}

func TestCloneIsolation(t *testing.T) {
	var purged []string
	s := newSet(&purged, fileMeta("f1"))

	v := s.Current()
	c := v.Clone()
	c.Files = append(c.Files, fileMeta("f2"))
	c.Frozen = append(c.Frozen, memtable.New(9))

	if len(v.Files) != 1 {
		t.Error("clone mutation leaked into original files")
	}
	if len(v.Frozen) != 0 {
		t.Error("clone mutation leaked into original frozen set")
	}
}

func TestMemtablesReadOrder(t *testing.T) {
	oldest := memtable.New(1)
	newer := memtable.New(2)
	active := memtable.New(3)

	v := &Version{Mutable: active, Frozen: []*memtable.Memtable{oldest, newer}}

	tables := v.Memtables()
	if len(tables) != 3 {
		t.Fatalf("expected 3 memtables, got %d", len(tables))
	}
	if tables[0].ID() != 1 || tables[1].ID() != 2 || tables[2].ID() != 3 {
		t.Errorf("unexpected order: %d %d %d", tables[0].ID(), tables[1].ID(), tables[2].ID())
	}
}
