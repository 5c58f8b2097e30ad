package manifest

import (
	"fmt"

	"github.com/sarvex/greptimedb/internal/engine/types"
)

// Action kinds.
const (
	KindAddFiles     = "add_files"
	KindRemoveFiles  = "remove_files"
	KindCompact      = "compact"
	KindSchemaChange = "schema_change"
	KindFlushed      = "flushed"
)

// Action is a logged region metadata mutation. Actions apply in strict
// log order; replaying the same sequence always folds to the same state.
type Action struct {
	Kind string `json:"kind"`

	// AddFiles lists SST files entering the live set.
	AddFiles []types.FileMeta `json:"add_files,omitempty"`

	// RemoveFiles lists file ids leaving the live set.
	RemoveFiles []string `json:"remove_files,omitempty"`

	// Schema is the new region schema for schema_change actions.
	Schema *types.Schema `json:"schema,omitempty"`

	// FlushedSeq advances the flushed sequence watermark. Carried by
	// flushed actions and by add_files actions produced by a flush.
	FlushedSeq uint64 `json:"flushed_seq,omitempty"`

	// RetiredMemtable is the id of the memtable retired by a flush.
	RetiredMemtable uint64 `json:"retired_memtable,omitempty"`
}

// State is the region metadata reconstructed from the manifest: the
// persistent part of a version. Replay is a pure fold of actions over
// the zero state (or a checkpoint).
type State struct {
	Schema     types.Schema     `json:"schema"`
	Files      []types.FileMeta `json:"files"`
	FlushedSeq uint64           `json:"flushed_seq"`
}

// Apply folds one action into the state, returning the successor state.
// The input state is not mutated.
func Apply(s State, a Action) (State, error) {
	next := State{
		Schema:     s.Schema,
		Files:      append([]types.FileMeta(nil), s.Files...),
		FlushedSeq: s.FlushedSeq,
	}

	switch a.Kind {
	case KindAddFiles:
		next.Files = append(next.Files, a.AddFiles...)
		if a.FlushedSeq > next.FlushedSeq {
			next.FlushedSeq = a.FlushedSeq
		}

	case KindRemoveFiles, KindCompact:
		removed := make(map[string]bool, len(a.RemoveFiles))
		for _, id := range a.RemoveFiles {
			removed[id] = true
		}
		kept := next.Files[:0]
		for _, f := range next.Files {
			if !removed[f.ID] {
				kept = append(kept, f)
			}
		}
		next.Files = kept
		// A compact action retires inputs and installs outputs in one
		// atomic record, so a crash between the two cannot lose files.
		next.Files = append(next.Files, a.AddFiles...)

	case KindSchemaChange:
		if a.Schema == nil {
			return s, fmt.Errorf("schema_change action without schema")
		}
		next.Schema = *a.Schema

	case KindFlushed:
		if a.FlushedSeq > next.FlushedSeq {
			next.FlushedSeq = a.FlushedSeq
		}

	default:
		return s, fmt.Errorf("unknown action kind %q", a.Kind)
	}

	return next, nil
}

// LiveFileIDs returns the set of file ids in the state.
func (s State) LiveFileIDs() map[string]bool {
	live := make(map[string]bool, len(s.Files))
	for _, f := range s.Files {
		live[f.ID] = true
	}
	return live
}
