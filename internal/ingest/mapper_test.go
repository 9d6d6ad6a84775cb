package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decaynet/cloud/pb"
)

func fixedMapper(now time.Time) *Mapper {
	m := NewMapper()
	m.now = func() time.Time { return now }
	return m
}

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func TestMapEventAcceptsValidEvent(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m := fixedMapper(now)

	wire := &pb.DecayEvent{
		HwTimestampNs:  now.Add(-time.Second).UnixNano(),
		SequenceNumber: 42,
		RpiTimestampUs: i64(1_000_000),
		TdcTimestampPs: i64(5_000_000_000),
	}

	event, reason := m.MapEvent(wire, "batch-1", "10.0.0.1:5000")
	require.Empty(t, string(reason))
	assert.Equal(t, "batch-1", event.BatchID)
	assert.Equal(t, int64(42), event.SequenceNumber)
	assert.Equal(t, now, event.ServerReceived)
	assert.Equal(t, "10.0.0.1:5000", event.SourceAddress)
	assert.Len(t, event.Whitened, 8)
}

func TestMapEventDerivesTimestampFromTDC(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m := fixedMapper(now)

	tdcPs := now.Add(-time.Minute).UnixNano() * 1000
	wire := &pb.DecayEvent{
		SequenceNumber: 1,
		TdcTimestampPs: i64(tdcPs),
	}

	event, reason := m.MapEvent(wire, "b", "")
	require.Empty(t, string(reason))
	assert.Equal(t, tdcPs/1000, event.HWTimestampNs)
}

func TestMapEventDropsInvalid(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m := fixedMapper(now)

	cases := []struct {
		name   string
		event  *pb.DecayEvent
		reason DropReason
	}{
		{"no timestamp", &pb.DecayEvent{SequenceNumber: 1}, DropBadTimestamp},
		{"negative sequence", &pb.DecayEvent{
			HwTimestampNs:  now.UnixNano(),
			SequenceNumber: -1,
		}, DropBadSequence},
		{"too far future", &pb.DecayEvent{
			HwTimestampNs:  now.Add(2 * time.Minute).UnixNano(),
			SequenceNumber: 1,
		}, DropTooFuture},
		{"too far past", &pb.DecayEvent{
			HwTimestampNs:  now.Add(-25 * time.Hour).UnixNano(),
			SequenceNumber: 1,
		}, DropTooPast},
		{"quality out of range", &pb.DecayEvent{
			HwTimestampNs:  now.UnixNano(),
			SequenceNumber: 1,
			QualityScore:   f64(1.5),
		}, DropBadQuality},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, reason := m.MapEvent(tc.event, "b", "")
			assert.Nil(t, event)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestMapEventWhitensOnlyWithBothCounters(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m := fixedMapper(now)

	onlyTDC := &pb.DecayEvent{
		HwTimestampNs:  now.UnixNano(),
		SequenceNumber: 1,
		TdcTimestampPs: i64(123),
	}
	event, reason := m.MapEvent(onlyTDC, "b", "")
	require.Empty(t, string(reason))
	assert.Nil(t, event.Whitened)

	both := &pb.DecayEvent{
		HwTimestampNs:  now.UnixNano(),
		SequenceNumber: 2,
		TdcTimestampPs: i64(123),
		RpiTimestampUs: i64(456),
	}
	event, reason = m.MapEvent(both, "b", "")
	require.Empty(t, string(reason))
	assert.Len(t, event.Whitened, 8)
}

func TestXORFold(t *testing.T) {
	// Identical inputs cancel to zero.
	assert.Equal(t, make([]byte, 8), XORFold(0xDEADBEEF, 0xDEADBEEF))

	// Deterministic and big-endian.
	out := XORFold(0x0102030405060708, 0x0000000000000001)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x09}, out)

	// Zero against x yields x's big-endian bytes.
	out = XORFold(0, 0xFF)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0xFF}, out)
}
