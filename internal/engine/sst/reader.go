package sst

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/sarvex/greptimedb/internal/engine/types"
)

// fileIterator streams entries from one SST file, filtered to a key
// range. Entries inside a file are already ordered by key ascending then
// sequence descending, so iteration stops early once past the range end.
type fileIterator struct {
	file   *os.File
	reader *parquet.GenericReader[entryRow]

	keyRange types.KeyRange
	buf      []entryRow
	bufLen   int
	pos      int

	current types.Entry
	done    bool
	err     error
}

// NewIter opens an ordered iterator over the file's entries inside the
// key range. Callers should prune with meta.Overlaps first to avoid
// opening files that cannot match.
func NewIter(dir string, meta types.FileMeta, keyRange types.KeyRange, opts Options) (types.Iterator, error) {
	batch := opts.ReadBatchSize
	if batch <= 0 {
		batch = DefaultOptions().ReadBatchSize
	}

	path := FilePath(dir, meta.ID)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sst %s: %w", meta.ID, err)
	}

	reader := parquet.NewGenericReader[entryRow](f)

	return &fileIterator{
		file:     f,
		reader:   reader,
		keyRange: keyRange,
		buf:      make([]entryRow, batch),
	}, nil
}

func (it *fileIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	for {
		if it.pos >= it.bufLen {
			n, err := it.reader.Read(it.buf)
			if n == 0 {
				if err != nil && err != io.EOF {
					it.err = fmt.Errorf("read rows: %w", err)
				}
				it.done = true
				return false
			}
			it.bufLen = n
			it.pos = 0
		}

		row := &it.buf[it.pos]
		it.pos++

		e := rowToEntry(row)
		if it.keyRange.Start != nil && e.Key.Compare(*it.keyRange.Start) < 0 {
			continue
		}
		if it.keyRange.End != nil && e.Key.Compare(*it.keyRange.End) >= 0 {
			// Rows are key-ordered; nothing later can match.
			it.done = true
			return false
		}

		it.current = e
		return true
	}
}

func (it *fileIterator) Entry() types.Entry {
	return it.current
}

func (it *fileIterator) Err() error {
	return it.err
}

func (it *fileIterator) Close() error {
	if err := it.reader.Close(); err != nil {
		it.file.Close()
		return err
	}
	return it.file.Close()
}

// ReadAll reads every entry of an SST file in order. Intended for tests
// and recovery tooling; scans use NewIter.
func ReadAll(dir string, meta types.FileMeta, opts Options) ([]types.Entry, error) {
	iter, err := NewIter(dir, meta, types.RangeAll(), opts)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []types.Entry
	for iter.Next() {
		entries = append(entries, iter.Entry())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
