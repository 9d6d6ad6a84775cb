// Package orchestrator runs the async validation job engine: chunking,
// remote validator fan-out, durable progress, scheduled runs, and
// restart-time recovery.
package orchestrator

import (
	"fmt"

	"github.com/decaynet/cloud/internal/core"
)

// ChunkSuite22 splits a whitened bitstream for the SP 800-22 suite.
// Inputs at or below maxBytes go as a single chunk. Larger inputs are cut
// into maxBytes-sized chunks from the start; when the tail would fall
// below ceil(minBits/8) bytes, the final split is rebalanced so both
// closing chunks clear the minimum.
func ChunkSuite22(data []byte, maxBytes, minBits int64) ([][]byte, error) {
	if maxBytes*8 < minBits {
		return nil, fmt.Errorf("%w: max_bytes_22*8 (%d bits) below min_bits_22 (%d)",
			core.ErrInternalInvariant, maxBytes*8, minBits)
	}

	n := int64(len(data))
	if n*8 < minBits {
		return nil, core.InsufficientData("bits for SP 800-22", minBits, n*8)
	}
	if n <= maxBytes {
		return [][]byte{data}, nil
	}

	minBytes := (minBits + 7) / 8

	sizes := []int64{}
	for remaining := n; remaining > 0; {
		size := maxBytes
		if remaining < size {
			size = remaining
		}
		sizes = append(sizes, size)
		remaining -= size
	}

	// Rebalance the final split when the tail is undersized.
	last := len(sizes) - 1
	if sizes[last] < minBytes {
		combined := sizes[last-1] + sizes[last]
		first := combined / 2
		second := combined - first
		if first < minBytes || second < minBytes {
			return nil, fmt.Errorf("%w: cannot rebalance final split of %d bytes above %d-byte minimum",
				core.ErrInternalInvariant, combined, minBytes)
		}
		sizes[last-1] = first
		sizes[last] = second
	}

	chunks := make([][]byte, 0, len(sizes))
	var offset int64
	for _, size := range sizes {
		chunks = append(chunks, data[offset:offset+size])
		offset += size
	}
	return chunks, nil
}

// TruncateFor90B caps the assessor input; the assessor operates on a
// single chunk.
func TruncateFor90B(data []byte, maxBytes int64) ([]byte, error) {
	if len(data) == 0 {
		return nil, core.InsufficientData("bytes for SP 800-90B", 1, 0)
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], nil
	}
	return data, nil
}
