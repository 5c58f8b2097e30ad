package types

// FileMeta describes an immutable SST file. It is produced once at file
// write time and never mutated afterwards; the key and sequence ranges
// drive file-level pruning on the read path.
type FileMeta struct {
	// ID is the file identifier (a UUID), stable across restarts.
	ID string `json:"id"`

	// Level is the LSM level the file belongs to. Level 0 holds fresh
	// flush output; higher levels hold compaction output.
	Level int `json:"level"`

	// MinKey and MaxKey bound the keys stored in the file (inclusive).
	MinKey Key `json:"min_key"`
	MaxKey Key `json:"max_key"`

	// MinSeq and MaxSeq bound the sequence numbers stored in the file.
	MinSeq uint64 `json:"min_seq"`
	MaxSeq uint64 `json:"max_seq"`

	// Rows is the number of entries in the file.
	Rows int64 `json:"rows"`

	// SizeBytes is the encoded file size.
	SizeBytes int64 `json:"size_bytes"`
}

// Overlaps reports whether the file's key span intersects the range.
func (m FileMeta) Overlaps(r KeyRange) bool {
	return r.Overlaps(m.MinKey, m.MaxKey)
}

// VisibleAt reports whether any entry in the file can be visible at the
// given snapshot sequence.
func (m FileMeta) VisibleAt(seq uint64) bool {
	return m.MinSeq <= seq
}
