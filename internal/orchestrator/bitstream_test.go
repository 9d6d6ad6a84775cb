package orchestrator

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decaynet/cloud/internal/core"
)

func TestExtractBitstreamConcatenatesWhitened(t *testing.T) {
	events := []core.Event{
		{HWTimestampNs: 100, Whitened: []byte{1, 2}},
		{HWTimestampNs: 200, Whitened: []byte{3, 4}},
		{HWTimestampNs: 300}, // no whitened bytes for this one
		{HWTimestampNs: 400, Whitened: []byte{5}},
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, ExtractBitstream(events))
}

func TestExtractBitstreamFallsBackToIntervalXOR(t *testing.T) {
	// Four events, deliberately out of order, with deltas 10, 20, 40
	// after sorting. 3 deltas give half=1: word(10) XOR word(20).
	events := []core.Event{
		{HWTimestampNs: 1030},
		{HWTimestampNs: 1000},
		{HWTimestampNs: 1010},
		{HWTimestampNs: 1070},
	}

	out := ExtractBitstream(events)
	require.Len(t, out, 8)

	var a, b [8]byte
	binary.BigEndian.PutUint64(a[:], 10)
	binary.BigEndian.PutUint64(b[:], 20)
	expected := make([]byte, 8)
	for i := range expected {
		expected[i] = a[i] ^ b[i]
	}
	assert.Equal(t, expected, out)
}

func TestExtractBitstreamSkipsNonPositiveDeltas(t *testing.T) {
	// Duplicate timestamps yield zero deltas, which are excluded.
	events := []core.Event{
		{HWTimestampNs: 1000},
		{HWTimestampNs: 1000},
		{HWTimestampNs: 1005},
		{HWTimestampNs: 1005},
		{HWTimestampNs: 1020},
	}
	// Positive deltas: 5, 15. half=1, one 8-byte word.
	out := ExtractBitstream(events)
	assert.Len(t, out, 8)
}

func TestExtractBitstreamEmptyCases(t *testing.T) {
	assert.Nil(t, ExtractBitstream(nil))
	assert.Nil(t, ExtractBitstream([]core.Event{{HWTimestampNs: 1}}))
	// One delta folds to nothing (half = 0).
	assert.Nil(t, ExtractBitstream([]core.Event{{HWTimestampNs: 1}, {HWTimestampNs: 2}}))
}
