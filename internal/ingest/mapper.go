// Package ingest implements the gateway-facing streaming core: mapping,
// whitening, transactional batch persistence, acknowledgment, backpressure,
// and subscriber fan-out.
package ingest

import (
	"encoding/binary"
	"time"

	"github.com/decaynet/cloud/internal/core"
	"github.com/decaynet/cloud/pb"
)

// Timestamp plausibility window applied at insert time.
const (
	maxTimestampPast   = 24 * time.Hour
	maxTimestampFuture = 60 * time.Second
)

// DropReason labels why an event failed proto-level validation.
type DropReason string

const (
	DropBadTimestamp DropReason = "timestamp"
	DropBadSequence  DropReason = "sequence"
	DropTooFuture    DropReason = "future"
	DropTooPast      DropReason = "past"
	DropBadQuality   DropReason = "quality"
)

// Mapper translates incoming wire events into canonical store records and
// produces the whitened byte stream.
type Mapper struct {
	now func() time.Time
}

func NewMapper() *Mapper {
	return &Mapper{now: time.Now}
}

// MapEvent validates and converts one wire event. Returns the canonical
// record, or a drop reason when the event fails validation. Invalid
// events are dropped individually; the batch is never rejected for them.
func (m *Mapper) MapEvent(in *pb.DecayEvent, batchID, peerAddr string) (*core.Event, DropReason) {
	now := m.now().UTC()

	hwNs := in.HwTimestampNs
	if hwNs <= 0 && in.TdcTimestampPs != nil {
		hwNs = *in.TdcTimestampPs / 1000
	}
	if hwNs <= 0 {
		return nil, DropBadTimestamp
	}
	if in.SequenceNumber < 0 {
		return nil, DropBadSequence
	}

	hwTime := time.Unix(0, hwNs)
	if hwTime.After(now.Add(maxTimestampFuture)) {
		return nil, DropTooFuture
	}
	if hwTime.Before(now.Add(-maxTimestampPast)) {
		return nil, DropTooPast
	}

	if in.QualityScore != nil && (*in.QualityScore < 0 || *in.QualityScore > 1) {
		return nil, DropBadQuality
	}

	e := &core.Event{
		BatchID:        batchID,
		HWTimestampNs:  hwNs,
		SequenceNumber: in.SequenceNumber,
		RPITimestampUs: in.RpiTimestampUs,
		TDCTimestampPs: in.TdcTimestampPs,
		Channel:        in.Channel,
		ServerReceived: now,
		SourceAddress:  in.SourceAddress,
		QualityScore:   in.QualityScore,
	}
	if e.SourceAddress == "" {
		e.SourceAddress = peerAddr
	}
	if in.TdcTimestampPs != nil && in.RpiTimestampUs != nil {
		e.Whitened = XORFold(uint64(*in.TdcTimestampPs), uint64(*in.RpiTimestampUs))
	}
	return e, ""
}

// XORFold folds the 8 big-endian bytes of the picosecond counter against
// the 8 big-endian bytes of the microsecond counter, yielding the 8-byte
// whitened value for the event.
func XORFold(tdcPs, rpiUs uint64) []byte {
	var a, b [8]byte
	binary.BigEndian.PutUint64(a[:], tdcPs)
	binary.BigEndian.PutUint64(b[:], rpiUs)

	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}
