package internal

import (
	"encoding/binary"
	"fmt"
)

// Result is the outcome of one command. Code is a status.Code: 0 means the
// command was applied, any other value means it was rejected.
type Result struct {
	Position int64 // Stream position assigned to the command
	Code     uint64
	Message  string
}

// resultHeaderSize is Position + Code + MessageLen.
const resultHeaderSize = 8 + 8 + 4

// SerializeResults serializes results for the sm.Result of a raft entry:
// 4 bytes count followed by (position, code, message length, message) per
// result.
func SerializeResults(results []Result) []byte {
	size := 4
	for i := range results {
		size += resultHeaderSize + len(results[i].Message)
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint32(out, uint32(len(results)))
	for i := range results {
		out = binary.BigEndian.AppendUint64(out, uint64(results[i].Position))
		out = binary.BigEndian.AppendUint64(out, results[i].Code)
		out = binary.BigEndian.AppendUint32(out, uint32(len(results[i].Message)))
		out = append(out, results[i].Message...)
	}
	return out
}

// DeserializeResults is the inverse of SerializeResults.
func DeserializeResults(data []byte) ([]Result, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for result header")
	}
	count := binary.BigEndian.Uint32(data[0:4])
	if count > MaxBatchSize {
		return nil, fmt.Errorf("%d results exceed limit of %d", count, MaxBatchSize)
	}
	results := make([]Result, count)
	offset := 4
	for i := range results {
		if len(data)-offset < resultHeaderSize {
			return nil, fmt.Errorf("data too short for result %d", i)
		}
		results[i].Position = int64(binary.BigEndian.Uint64(data[offset:]))
		results[i].Code = binary.BigEndian.Uint64(data[offset+8:])
		n := int(binary.BigEndian.Uint32(data[offset+16:]))
		offset += resultHeaderSize
		if len(data)-offset < n {
			return nil, fmt.Errorf("data too short for message of result %d", i)
		}
		results[i].Message = string(data[offset : offset+n])
		offset += n
	}
	return results, nil
}
