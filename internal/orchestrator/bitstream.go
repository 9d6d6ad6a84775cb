package orchestrator

import (
	"encoding/binary"
	"sort"

	"github.com/decaynet/cloud/internal/core"
)

// ExtractBitstream builds the validator input for a window's events.
// Per-event whitened bytes are concatenated when any exist; otherwise the
// interval-XOR construction is used as a fallback so older data without
// whitening remains assessable.
func ExtractBitstream(events []core.Event) []byte {
	var whitened []byte
	for _, e := range events {
		whitened = append(whitened, e.Whitened...)
	}
	if len(whitened) > 0 {
		return whitened
	}
	return intervalXORStream(events)
}

// intervalXORStream sorts events by hw_timestamp_ns, serializes the
// positive consecutive deltas as big-endian 64-bit words, and XORs the
// first half of the words against the second half.
func intervalXORStream(events []core.Event) []byte {
	sorted := make([]core.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].HWTimestampNs < sorted[j].HWTimestampNs
	})

	var deltas []uint64
	for i := 1; i < len(sorted); i++ {
		d := sorted[i].HWTimestampNs - sorted[i-1].HWTimestampNs
		if d > 0 {
			deltas = append(deltas, uint64(d))
		}
	}

	half := len(deltas) / 2
	if half == 0 {
		return nil
	}

	out := make([]byte, 0, half*8)
	var a, b [8]byte
	for i := 0; i < half; i++ {
		binary.BigEndian.PutUint64(a[:], deltas[i])
		binary.BigEndian.PutUint64(b[:], deltas[i+half])
		for k := 0; k < 8; k++ {
			out = append(out, a[k]^b[k])
		}
	}
	return out
}
