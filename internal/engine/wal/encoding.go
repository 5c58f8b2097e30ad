package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sarvex/greptimedb/internal/engine/types"
)

// Batch record encoding (binary, little-endian):
// - Region ID length (2 bytes) + region ID string
// - Sequence (8 bytes)
// - Mutation count (4 bytes)
// - Per mutation:
//   - Op (1 byte)
//   - Series length (2 bytes) + series string
//   - Field length (2 bytes) + field string
//   - TimestampMs (8 bytes)
//   - Value (8 bytes, float64; zero for deletes)

// encodeBatch encodes a write batch into the record payload format.
func encodeBatch(regionID string, batch *types.WriteBatch) ([]byte, error) {
	if batch == nil || len(batch.Mutations) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	// Estimate size: ~64 bytes per mutation average
	buf := make([]byte, 0, 32+len(batch.Mutations)*64)

	buf = appendString(buf, regionID)
	buf = binary.LittleEndian.AppendUint64(buf, batch.Sequence)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(batch.Mutations)))

	for _, m := range batch.Mutations {
		buf = append(buf, byte(m.Op))
		buf = appendString(buf, m.Key.Series)
		buf = appendString(buf, m.Key.Field)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Key.TimestampMs))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(m.Value))
	}

	return buf, nil
}

// decodeBatch decodes a record payload back into a write batch.
func decodeBatch(data []byte) (string, *types.WriteBatch, error) {
	regionID, offset, err := readString(data, 0)
	if err != nil {
		return "", nil, fmt.Errorf("region id: %w", err)
	}

	if offset+12 > len(data) {
		return "", nil, fmt.Errorf("data too short for batch header")
	}
	sequence := binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	count := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	batch := &types.WriteBatch{
		Sequence:  sequence,
		Mutations: make([]types.Mutation, count),
	}

	for i := 0; i < count; i++ {
		var m types.Mutation

		if offset+1 > len(data) {
			return "", nil, fmt.Errorf("mutation %d: data too short for op", i)
		}
		m.Op = types.MutationOp(data[offset])
		offset++
		if m.Op != types.OpPut && m.Op != types.OpDelete {
			return "", nil, fmt.Errorf("mutation %d: unknown op %d", i, m.Op)
		}

		m.Key.Series, offset, err = readString(data, offset)
		if err != nil {
			return "", nil, fmt.Errorf("mutation %d series: %w", i, err)
		}

		m.Key.Field, offset, err = readString(data, offset)
		if err != nil {
			return "", nil, fmt.Errorf("mutation %d field: %w", i, err)
		}

		if offset+16 > len(data) {
			return "", nil, fmt.Errorf("mutation %d: data too short for timestamp/value", i)
		}
		m.Key.TimestampMs = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		m.Value = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8

		batch.Mutations[i] = m
	}

	return regionID, batch, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
