// Package types defines the core data model shared by all engine
// components: point keys, entries, write batches, schemas, and SST file
// metadata.
package types
