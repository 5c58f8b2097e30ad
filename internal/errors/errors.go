// Package errors defines the sentinel errors shared across the storage
// engine, together with category helpers used by retry and recovery logic.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for engine-wide conditions.
var (
	// ErrIO marks a filesystem fault. Transient occurrences are retried;
	// a WAL append that still fails after retry exhaustion is fatal for
	// the write.
	ErrIO = errors.New("i/o error")

	// ErrCorruption marks a checksum or format mismatch found while
	// replaying the WAL or manifest. Region open fails and the error is
	// surfaced to the operator.
	ErrCorruption = errors.New("corruption detected")

	// ErrSchemaMismatch marks a write that does not match the region
	// schema. Never retried.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrOverload is returned when memtable or WAL thresholds are
	// exceeded and flush is lagging. Callers retry with backoff.
	ErrOverload = errors.New("region overloaded")

	// ErrCompaction marks a failed compaction run. The region stays
	// readable and writable; the task is retried.
	ErrCompaction = errors.New("compaction failed")

	// Region lifecycle errors.
	ErrRegionNotFound = errors.New("region not found")
	ErrRegionExists   = errors.New("region already exists")
	ErrRegionClosed   = errors.New("region closed")

	// ErrFrozen is returned on an insert into a frozen memtable.
	ErrFrozen = errors.New("memtable frozen")

	// ErrEngineClosed is returned by operations on a stopped engine.
	ErrEngineClosed = errors.New("engine not running")

	// ErrInvalidConfig marks a configuration validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Is is a convenience wrapper for errors.Is.
var Is = errors.Is

// As is a convenience wrapper for errors.As.
var As = errors.As

// IsRetriable returns true if the caller may retry the operation,
// typically after a backoff.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrOverload) ||
		errors.Is(err, ErrIO) ||
		errors.Is(err, ErrCompaction)
}

// IsCorruption returns true if err indicates on-disk corruption.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// IsFatalWrite returns true if the write must be rejected without retry.
func IsFatalWrite(err error) bool {
	return errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrRegionClosed) ||
		errors.Is(err, ErrRegionNotFound)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewCorruption creates a corruption error with file context.
func NewCorruption(path, reason string) error {
	return fmt.Errorf("%s: %s: %w", path, reason, ErrCorruption)
}

// NewSchemaMismatch creates a schema mismatch error with field context.
func NewSchemaMismatch(field, reason string) error {
	return fmt.Errorf("field %q: %s: %w", field, reason, ErrSchemaMismatch)
}
