// Package manifest implements the append-only log of region metadata
// mutations, with periodic checkpoints. The latest valid checkpoint plus
// the log suffix after it reconstructs the region's persistent state
// after any crash point; a trailing incomplete record is discarded.
package manifest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sarvex/greptimedb/internal/errors"
)

const (
	manifestMagic    = 0x47544d414e460001 // "GTMANF" + version 1
	manifestVersion  = 1
	headerSize       = 12
	recordHeaderSize = 8

	maxRecordSize = 16 * 1024 * 1024
)

// Stats holds manifest statistics.
type Stats struct {
	ActionsLogged      int64
	CheckpointsWritten int64
	LogsPruned         int64
}

// Manifest is a region's durable metadata log.
type Manifest struct {
	mu sync.Mutex

	dir             string
	checkpointEvery int

	logIndex   int64 // index of the current log file
	logFile    *os.File
	logSize    int64
	sinceCheck int

	state State

	stats Stats
}

// checkpointDoc is the persisted checkpoint payload.
type checkpointDoc struct {
	// LogIndex is the index of the log file opened after this
	// checkpoint; the checkpoint covers every record before it.
	LogIndex int64 `json:"log_index"`
	State    State `json:"state"`
}

// Open opens a region manifest, replaying the latest checkpoint and log
// suffix. The returned state is the reconstructed region metadata.
// A checksum or format mismatch mid-log fails the open with a
// corruption error.
func Open(dir string, checkpointEvery int) (*Manifest, State, error) {
	if checkpointEvery <= 0 {
		checkpointEvery = 64
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, State{}, fmt.Errorf("create manifest dir: %w", err)
	}

	m := &Manifest{
		dir:             dir,
		checkpointEvery: checkpointEvery,
	}

	// A crash mid-Log leaves a partial trailing record in the newest
	// log. Cut it off before a new log is created on top, or the torn
	// bytes would fail every replay after this one.
	if err := repairLogTail(dir); err != nil {
		return nil, State{}, fmt.Errorf("repair log tail: %w", err)
	}

	state, nextLogIndex, err := Replay(dir)
	if err != nil {
		return nil, State{}, err
	}
	m.state = state
	m.logIndex = nextLogIndex

	if err := m.openLogLocked(); err != nil {
		return nil, State{}, err
	}

	return m, state, nil
}

// Replay reconstructs the state from dir without opening the manifest
// for writing: latest valid checkpoint, then every log record after it,
// in order. Returns the state and the next unused log file index.
// Replaying the same checkpoint and suffix twice yields identical state.
func Replay(dir string) (State, int64, error) {
	state := State{}
	var fromIndex int64

	ckptPath, ckptIndex, err := latestCheckpoint(dir)
	if err != nil {
		return State{}, 0, err
	}
	if ckptPath != "" {
		data, err := os.ReadFile(ckptPath)
		if err != nil {
			return State{}, 0, fmt.Errorf("read checkpoint: %w", err)
		}
		var doc checkpointDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return State{}, 0, errors.NewCorruption(ckptPath, fmt.Sprintf("parse checkpoint: %v", err))
		}
		state = doc.State
		fromIndex = doc.LogIndex
		_ = ckptIndex
	}

	logs, err := listLogs(dir)
	if err != nil {
		return State{}, 0, err
	}

	nextIndex := fromIndex
	for i, lg := range logs {
		if lg.index < fromIndex {
			continue
		}
		last := i == len(logs)-1

		actions, err := readLog(lg.path, last)
		if err != nil {
			return State{}, 0, err
		}
		for _, a := range actions {
			state, err = Apply(state, a)
			if err != nil {
				return State{}, 0, errors.NewCorruption(lg.path, fmt.Sprintf("apply action: %v", err))
			}
		}
		if lg.index >= nextIndex {
			nextIndex = lg.index + 1
		}
	}

	return state, nextIndex, nil
}

// Log appends an action, making it durable before returning, and folds
// it into the in-memory state. A checkpoint is written automatically
// every checkpointEvery actions.
func (m *Manifest) Log(a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := Apply(m.state, a)
	if err != nil {
		return fmt.Errorf("apply action: %w", err)
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}

	if err := m.writeRecord(payload); err != nil {
		return fmt.Errorf("write action: %w: %w", err, errors.ErrIO)
	}
	if err := m.logFile.Sync(); err != nil {
		return fmt.Errorf("sync log: %w: %w", err, errors.ErrIO)
	}

	m.state = next
	m.stats.ActionsLogged++
	m.sinceCheck++

	if m.sinceCheck >= m.checkpointEvery {
		if err := m.checkpointLocked(); err != nil {
			// Checkpointing is an optimization; the log alone still
			// reconstructs the state.
			return nil
		}
	}

	return nil
}

// Checkpoint persists the current state and truncates covered logs.
func (m *Manifest) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointLocked()
}

func (m *Manifest) checkpointLocked() error {
	nextIndex := m.logIndex + 1

	doc := checkpointDoc{LogIndex: nextIndex, State: m.state}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	// Write-then-rename keeps the checkpoint atomic: a crash mid-write
	// leaves only the temp file, and replay falls back to the previous
	// checkpoint plus the full log suffix.
	final := filepath.Join(m.dir, checkpointName(nextIndex))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install checkpoint: %w", err)
	}

	// Rotate to a fresh log covered by the new checkpoint.
	if m.logFile != nil {
		m.logFile.Close()
	}
	m.logIndex = nextIndex
	if err := m.openLogLocked(); err != nil {
		return err
	}

	m.pruneLocked(nextIndex)
	m.sinceCheck = 0
	m.stats.CheckpointsWritten++

	return nil
}

// pruneLocked removes logs and checkpoints superseded by the checkpoint
// at the given index. Best effort.
func (m *Manifest) pruneLocked(index int64) {
	logs, err := listLogs(m.dir)
	if err == nil {
		for _, lg := range logs {
			if lg.index < index {
				if os.Remove(lg.path) == nil {
					m.stats.LogsPruned++
				}
			}
		}
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		var i int64
		if _, err := fmt.Sscanf(entry.Name(), "checkpoint-%016d.json", &i); err == nil && i < index {
			os.Remove(filepath.Join(m.dir, entry.Name()))
		}
	}
}

// State returns the current folded state.
func (m *Manifest) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns manifest statistics.
func (m *Manifest) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close closes the manifest log.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logFile != nil {
		return m.logFile.Close()
	}
	return nil
}

// openLogLocked creates the log file at the current index.
func (m *Manifest) openLogLocked() error {
	path := filepath.Join(m.dir, logName(m.logIndex))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create log %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], manifestMagic)
	binary.LittleEndian.PutUint32(header[8:12], manifestVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write log header: %w", err)
	}

	m.logFile = f
	m.logSize = headerSize
	return nil
}

// writeRecord frames and writes a record to the current log as a single
// write. On a write error the partial bytes are cut back to the last
// good offset and the file is retired; the next append opens a fresh
// log instead of landing after garbage.
func (m *Manifest) writeRecord(payload []byte) error {
	if m.logFile == nil {
		if err := m.openLogLocked(); err != nil {
			return err
		}
	}

	rec := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(rec[4:8], crc32.ChecksumIEEE(payload))
	copy(rec[recordHeaderSize:], payload)

	if _, err := m.logFile.Write(rec); err != nil {
		m.logFile.Truncate(m.logSize)
		m.logFile.Close()
		m.logFile = nil
		m.logIndex++
		return err
	}
	m.logSize += int64(recordHeaderSize + len(payload))
	return nil
}

// repairLogTail truncates a partial trailing record of the newest log
// file. Only a short read counts as torn; a checksum mismatch is left
// for replay to report as corruption.
func repairLogTail(dir string) error {
	logs, err := listLogs(dir)
	if err != nil || len(logs) == 0 {
		return err
	}
	path := logs[len(logs)-1].path

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil
	}

	valid := int64(headerSize)
	torn := false
	for {
		var rh [recordHeaderSize]byte
		if _, err := io.ReadFull(f, rh[:]); err != nil {
			torn = err != io.EOF
			break
		}

		length := binary.LittleEndian.Uint32(rh[0:4])
		expectedCRC := binary.LittleEndian.Uint32(rh[4:8])
		if length > maxRecordSize {
			return nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			torn = true
			break
		}
		if crc32.ChecksumIEEE(payload) != expectedCRC {
			return nil
		}

		valid += int64(recordHeaderSize) + int64(length)
	}

	if !torn {
		return nil
	}
	return os.Truncate(path, valid)
}

// readLog reads every action record of one log file. A partial trailing
// record is tolerated only when tornOK (the final log); a checksum
// mismatch is always corruption.
func readLog(path string, tornOK bool) ([]Action, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, errors.NewCorruption(path, fmt.Sprintf("read header: %v", err))
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != manifestMagic {
		return nil, errors.NewCorruption(path, fmt.Sprintf("bad magic %x", magic))
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != manifestVersion {
		return nil, errors.NewCorruption(path, fmt.Sprintf("unsupported version %d", version))
	}

	var actions []Action
	for {
		var rh [recordHeaderSize]byte
		if _, err := io.ReadFull(f, rh[:]); err != nil {
			if err == io.EOF {
				return actions, nil
			}
			if err == io.ErrUnexpectedEOF && tornOK {
				return actions, nil
			}
			return nil, errors.NewCorruption(path, fmt.Sprintf("read record header: %v", err))
		}

		length := binary.LittleEndian.Uint32(rh[0:4])
		expectedCRC := binary.LittleEndian.Uint32(rh[4:8])
		if length > maxRecordSize {
			return nil, errors.NewCorruption(path, fmt.Sprintf("record length %d exceeds limit", length))
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			if (err == io.EOF || err == io.ErrUnexpectedEOF) && tornOK {
				return actions, nil
			}
			return nil, errors.NewCorruption(path, fmt.Sprintf("read payload: %v", err))
		}

		if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
			return nil, errors.NewCorruption(path,
				fmt.Sprintf("crc mismatch: expected %x, got %x", expectedCRC, actual))
		}

		var a Action
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, errors.NewCorruption(path, fmt.Sprintf("decode action: %v", err))
		}
		actions = append(actions, a)
	}
}

// logName formats a log file name.
func logName(index int64) string {
	return fmt.Sprintf("%016d.manifest", index)
}

// checkpointName formats a checkpoint file name.
func checkpointName(index int64) string {
	return fmt.Sprintf("checkpoint-%016d.json", index)
}

// logInfo holds information about a log file.
type logInfo struct {
	path  string
	index int64
}

// listLogs returns all log files in index order.
func listLogs(dir string) ([]logInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var logs []logInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var index int64
		if _, err := fmt.Sscanf(entry.Name(), "%016d.manifest", &index); err != nil {
			continue
		}
		if len(entry.Name()) != len(logName(index)) {
			continue
		}
		logs = append(logs, logInfo{path: filepath.Join(dir, entry.Name()), index: index})
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].index < logs[j].index })
	return logs, nil
}

// latestCheckpoint finds the newest checkpoint file in dir.
func latestCheckpoint(dir string) (string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, nil
		}
		return "", 0, err
	}

	var (
		best      string
		bestIndex int64 = -1
	)
	for _, entry := range entries {
		var index int64
		if _, err := fmt.Sscanf(entry.Name(), "checkpoint-%016d.json", &index); err != nil {
			continue
		}
		if len(entry.Name()) != len(checkpointName(index)) {
			continue
		}
		if index > bestIndex {
			bestIndex = index
			best = filepath.Join(dir, entry.Name())
		}
	}

	if bestIndex < 0 {
		return "", 0, nil
	}
	return best, bestIndex, nil
}
