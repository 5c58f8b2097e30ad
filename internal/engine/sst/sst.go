// Package sst implements the immutable columnar file layer. SST files
// are Parquet-encoded entry runs written from a sorted iterator; the
// returned file metadata carries key and sequence ranges used for
// file-level pruning before a scan is opened.
package sst

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/sarvex/greptimedb/internal/engine/types"
)

// Options configures SST encoding and decoding.
type Options struct {
	// Compression algorithm for data pages.
	Compression CompressionType

	// ReadBatchSize is the number of rows decoded per read call.
	ReadBatchSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default SST options.
func DefaultOptions() Options {
	return Options{
		Compression:   CompressionZstd,
		ReadBatchSize: 4096,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// entryRow is the physical Parquet row layout. The schema is embedded in
// the file footer, making every SST self-describing.
type entryRow struct {
	Series      string  `parquet:"series,zstd"`
	Field       string  `parquet:"field,zstd"`
	TimestampMs int64   `parquet:"timestamp_ms"`
	Sequence    int64   `parquet:"sequence"`
	Value       float64 `parquet:"value"`
	Tombstone   bool    `parquet:"tombstone"`
}

// entryToRow converts an entry to its Parquet row.
func entryToRow(e *types.Entry) entryRow {
	return entryRow{
		Series:      e.Key.Series,
		Field:       e.Key.Field,
		TimestampMs: e.Key.TimestampMs,
		Sequence:    int64(e.Sequence),
		Value:       e.Value,
		Tombstone:   e.Tombstone,
	}
}

// rowToEntry converts a Parquet row back to an entry.
func rowToEntry(r *entryRow) types.Entry {
	return types.Entry{
		Key: types.Key{
			Series:      r.Series,
			Field:       r.Field,
			TimestampMs: r.TimestampMs,
		},
		Sequence:  uint64(r.Sequence),
		Value:     r.Value,
		Tombstone: r.Tombstone,
	}
}

// FilePath returns the on-disk path of an SST file.
func FilePath(dir, fileID string) string {
	return filepath.Join(dir, fileID+".parquet")
}

// writeBatchSize is the number of rows buffered per Parquet write call.
const writeBatchSize = 4096

// Write drains a sorted iterator into a new SST file in dir and returns
// its metadata. The iterator must be ordered by key ascending then
// sequence descending. Returns nil metadata if the iterator is empty;
// no file is left behind in that case or on error.
func Write(dir string, level int, iter types.Iterator, opts Options) (*types.FileMeta, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create sst dir: %w", err)
	}

	fileID := uuid.NewString()
	path := FilePath(dir, fileID)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[entryRow](f,
		parquet.Compression(getCompression(opts.Compression)))

	meta := &types.FileMeta{ID: fileID, Level: level}
	buf := make([]entryRow, 0, writeBatchSize)

	flushBuf := func() error {
		if len(buf) == 0 {
			return nil
		}
		if _, err := writer.Write(buf); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
		buf = buf[:0]
		return nil
	}

	abort := func(cause error) (*types.FileMeta, error) {
		writer.Close()
		f.Close()
		os.Remove(path)
		return nil, cause
	}

	for iter.Next() {
		e := iter.Entry()

		if meta.Rows == 0 {
			meta.MinKey = e.Key
			meta.MinSeq = e.Sequence
			meta.MaxSeq = e.Sequence
		}
		meta.MaxKey = e.Key
		if e.Sequence < meta.MinSeq {
			meta.MinSeq = e.Sequence
		}
		if e.Sequence > meta.MaxSeq {
			meta.MaxSeq = e.Sequence
		}
		meta.Rows++

		buf = append(buf, entryToRow(&e))
		if len(buf) >= writeBatchSize {
			if err := flushBuf(); err != nil {
				return abort(err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return abort(fmt.Errorf("source iterator: %w", err))
	}

	if meta.Rows == 0 {
		writer.Close()
		f.Close()
		os.Remove(path)
		return nil, nil
	}

	if err := flushBuf(); err != nil {
		return abort(err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close file: %w", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	meta.SizeBytes = stat.Size()

	return meta, nil
}

// SweepOrphans removes SST files in dir that are not part of the live
// set. Orphans appear when a flush or compaction wrote its output but
// failed before the manifest recorded it.
func SweepOrphans(dir string, live map[string]bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".parquet" {
			continue
		}
		id := name[:len(name)-len(".parquet")]
		if live[id] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, fmt.Errorf("remove orphan %s: %w", name, err)
		}
		removed++
	}

	return removed, nil
}
