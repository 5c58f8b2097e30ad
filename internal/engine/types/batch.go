package types

// MutationOp distinguishes puts from deletes within a batch.
type MutationOp int

const (
	// OpPut writes a value for a key.
	OpPut MutationOp = iota
	// OpDelete writes a tombstone for a key.
	OpDelete
)

// String returns a human-readable representation of the op.
func (op MutationOp) String() string {
	switch op {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation is a single put or delete within a write batch.
type Mutation struct {
	Op    MutationOp
	Key   Key
	Value float64
}

// WriteBatch is an ordered set of puts and deletes sharing one assigned
// sequence number. A batch is the atomic durability unit: either every
// mutation is recovered after a crash, or none is.
type WriteBatch struct {
	Mutations []Mutation

	// Sequence is assigned by the region when the batch is admitted.
	// Zero until assignment.
	Sequence uint64
}

// NewWriteBatch creates a batch with the given mutation capacity.
func NewWriteBatch(capacity int) *WriteBatch {
	return &WriteBatch{
		Mutations: make([]Mutation, 0, capacity),
	}
}

// Put appends a value write to the batch.
func (b *WriteBatch) Put(series, field string, timestampMs int64, value float64) {
	b.Mutations = append(b.Mutations, Mutation{
		Op:    OpPut,
		Key:   Key{Series: series, Field: field, TimestampMs: timestampMs},
		Value: value,
	})
}

// Delete appends a tombstone write to the batch.
func (b *WriteBatch) Delete(series, field string, timestampMs int64) {
	b.Mutations = append(b.Mutations, Mutation{
		Op:  OpDelete,
		Key: Key{Series: series, Field: field, TimestampMs: timestampMs},
	})
}

// Len returns the number of mutations in the batch.
func (b *WriteBatch) Len() int {
	return len(b.Mutations)
}

// Entries materializes the batch as entries carrying the assigned
// sequence number, in batch order.
func (b *WriteBatch) Entries() []Entry {
	entries := make([]Entry, len(b.Mutations))
	for i, m := range b.Mutations {
		entries[i] = Entry{
			Key:       m.Key,
			Sequence:  b.Sequence,
			Value:     m.Value,
			Tombstone: m.Op == OpDelete,
		}
	}
	return entries
}
