// Package wal implements the per-region write-ahead log: an append-only
// sequence of CRC-framed write batch records across rotated segment
// files. A batch is durable before Append returns (subject to the
// configured sync mode), and replay yields batches in append order.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sarvex/greptimedb/internal/engine/types"
	"github.com/sarvex/greptimedb/internal/errors"
)

const (
	walMagic         = 0x4754574154470001 // "GTWATG" + version 1
	walVersion       = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc

	// maxRecordSize bounds a single record; larger lengths indicate a
	// corrupt header.
	maxRecordSize = 100 * 1024 * 1024
)

// Options configures the WAL.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	MaxSegmentSize int64

	// SyncMode controls how appends reach disk:
	// "async" - buffered, flushed on Sync calls
	// "sync"  - buffer flushed after each append
	// "fsync" - fsync after each append
	SyncMode string

	// SyncInterval is the interval for async sync mode.
	SyncInterval time.Duration

	// BufferSize is the size of the write buffer.
	BufferSize int
}

// DefaultOptions returns default WAL options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 128 * 1024 * 1024, // 128MB
		SyncMode:       "sync",
		SyncInterval:   time.Second,
		BufferSize:     64 * 1024, // 64KB
	}
}

// Stats holds WAL statistics.
type Stats struct {
	SegmentsCreated int64
	SegmentsPruned  int64
	RecordsWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

// WAL is the durable append-only log of one region's write batches.
//
// File format per segment:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
type WAL struct {
	mu sync.Mutex

	regionID string
	dir      string
	opts     Options

	currentSegment *os.File
	currentPath    string
	currentSize    int64
	currentMaxSeq  uint64
	segmentSeq     int64

	writer *bufio.Writer

	stats Stats
}

// Open opens (or creates) the WAL for a region in dir. Existing segments
// are preserved; new appends go to a fresh segment. A torn record at the
// tail of the newest segment, left by a crash mid-append, is truncated
// first so the log stays replayable across any number of reopens.
func Open(regionID, dir string, opts Options) (*WAL, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultOptions().MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = DefaultOptions().SyncMode
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	w := &WAL{
		regionID: regionID,
		dir:      dir,
		opts:     opts,
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		last := segments[len(segments)-1]
		w.segmentSeq = last.seq + 1
		if err := repairTornTail(last.path); err != nil {
			return nil, fmt.Errorf("repair segment %s: %w", last.path, err)
		}
	}

	if err := w.rotateLocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}

	return w, nil
}

// Append appends a write batch and makes it durable before returning,
// per the configured sync mode. The batch must carry its assigned
// sequence number.
func (w *WAL) Append(batch *types.WriteBatch) error {
	if batch == nil || batch.Len() == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	payload, err := encodeBatch(w.regionID, batch)
	if err != nil {
		w.stats.Errors++
		return fmt.Errorf("encode batch: %w", err)
	}

	recordSize := int64(recordHeaderSize + len(payload))
	if w.currentSize+recordSize > w.opts.MaxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("rotate segment: %w: %w", err, errors.ErrIO)
		}
	}

	if err := w.writeRecord(payload); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w: %w", err, errors.ErrIO)
	}

	w.stats.RecordsWritten++
	w.stats.BytesWritten += recordSize
	if batch.Sequence > w.currentMaxSeq {
		w.currentMaxSeq = batch.Sequence
	}

	if w.opts.SyncMode == "sync" || w.opts.SyncMode == "fsync" {
		if err := w.syncLocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("sync: %w: %w", err, errors.ErrIO)
		}
	}

	return nil
}

// writeRecord frames and writes a single record to the current segment.
func (w *WAL) writeRecord(payload []byte) error {
	crc := crc32.ChecksumIEEE(payload)

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc)

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	w.currentSize += int64(recordHeaderSize + len(payload))
	return nil
}

// Sync flushes buffered data to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if w.writer == nil {
		return nil
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}

	if w.opts.SyncMode == "fsync" {
		if err := w.currentSegment.Sync(); err != nil {
			return err
		}
	}

	w.stats.SyncsPerformed++
	return nil
}

// rotateLocked closes the current segment and starts a new one.
func (w *WAL) rotateLocked() error {
	if w.currentSegment != nil {
		if w.writer != nil {
			w.writer.Flush()
		}
		w.currentSegment.Close()
	}

	segmentPath := filepath.Join(w.dir, segmentName(w.segmentSeq))

	f, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", segmentPath, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(segmentPath)
		return fmt.Errorf("write header: %w", err)
	}

	w.currentSegment = f
	w.currentPath = segmentPath
	w.currentSize = headerSize
	w.currentMaxSeq = 0
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.segmentSeq++
	w.stats.SegmentsCreated++

	return nil
}

// PruneBefore deletes closed segments whose batches are all below the
// flushed sequence watermark. Returns the number of segments deleted.
//
// Sequences are nondecreasing across segments, so scanning stops at the
// first segment that is not fully covered.
func (w *WAL) PruneBefore(flushedSeq uint64) (int, error) {
	w.mu.Lock()
	currentPath := w.currentPath
	w.mu.Unlock()

	segments, err := listSegments(w.dir)
	if err != nil {
		return 0, fmt.Errorf("list segments: %w", err)
	}

	pruned := 0
	for _, s := range segments {
		if s.path == currentPath {
			break
		}

		maxSeq, err := segmentMaxSequence(s.path)
		if err != nil {
			return pruned, fmt.Errorf("inspect segment %s: %w", s.path, err)
		}
		if maxSeq > flushedSeq {
			break
		}

		if err := os.Remove(s.path); err != nil {
			return pruned, fmt.Errorf("remove segment %s: %w", s.path, err)
		}
		pruned++
		w.mu.Lock()
		w.stats.SegmentsPruned++
		w.mu.Unlock()
	}

	return pruned, nil
}

// BacklogBytes returns the total on-disk size of all segments. Used as a
// flush trigger and backpressure signal.
func (w *WAL) BacklogBytes() (int64, error) {
	segments, err := listSegments(w.dir)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, s := range segments {
		total += s.size
	}
	return total, nil
}

// Close flushes and closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		w.writer.Flush()
	}
	if w.currentSegment != nil {
		return w.currentSegment.Close()
	}
	return nil
}

// Stats returns WAL statistics.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Dir returns the WAL directory.
func (w *WAL) Dir() string {
	return w.dir
}

// segmentName formats a segment file name.
func segmentName(seq int64) string {
	return fmt.Sprintf("%016d.wal", seq)
}

// segmentInfo holds information about a segment file.
type segmentInfo struct {
	path string
	seq  int64
	size int64
}

// listSegments returns all segment files in append order.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 20 || name[16:] != ".wal" {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name, "%016d.wal", &seq); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		segments = append(segments, segmentInfo{
			path: filepath.Join(dir, name),
			seq:  seq,
			size: info.Size(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})

	return segments, nil
}
