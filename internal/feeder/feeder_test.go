package feeder

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decaynet/cloud/internal/core"
	"github.com/decaynet/cloud/internal/store"
)

// ----------------------------------------------------------------------------
// FAKES
// ----------------------------------------------------------------------------

type stubEvents struct {
	store.EventRepository
	events []core.Event
	err    error
}

func (s *stubEvents) EventsInWindow(ctx context.Context, start, end time.Time) ([]core.Event, error) {
	return s.events, s.err
}

type fakeDevice struct {
	writes   [][]byte
	failures int // fail this many writes before succeeding
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	if d.failures > 0 {
		d.failures--
		return 0, errors.New("device busy")
	}
	d.writes = append(d.writes, append([]byte(nil), p...))
	return len(p), nil
}

func whitenedEvents(n, bytesPer int) []core.Event {
	events := make([]core.Event, n)
	for i := range events {
		events[i] = core.Event{
			HWTimestampNs: int64(i) * 1000,
			Whitened:      bytes.Repeat([]byte{byte(i + 1)}, bytesPer),
		}
	}
	return events
}

func newTestFeeder(repo store.EventRepository, dev DeviceWriter) *Feeder {
	f := New(repo, time.Second, "/dev/null", nil)
	f.writer = dev
	return f
}

// ----------------------------------------------------------------------------
// TESTS
// ----------------------------------------------------------------------------

func TestTickWritesWhitenedBytes(t *testing.T) {
	dev := &fakeDevice{}
	f := newTestFeeder(&stubEvents{events: whitenedEvents(4, 8)}, dev)

	f.Tick(context.Background())

	require.Len(t, dev.writes, 1)
	assert.Len(t, dev.writes[0], 32)
	assert.Equal(t, int64(32), f.TotalBytesWritten())
}

func TestTickCapsPayloadAtLimit(t *testing.T) {
	dev := &fakeDevice{}
	// 80 events of 8 bytes each is 640 bytes, above the 512 cap.
	f := newTestFeeder(&stubEvents{events: whitenedEvents(80, 8)}, dev)

	f.Tick(context.Background())

	require.Len(t, dev.writes, 1)
	assert.Len(t, dev.writes[0], maxBytesPerTick)
	assert.Equal(t, int64(maxBytesPerTick), f.TotalBytesWritten())
}

func TestTickSkipsEmptyWindow(t *testing.T) {
	dev := &fakeDevice{}
	f := newTestFeeder(&stubEvents{}, dev)

	f.Tick(context.Background())

	// No write at all: filler bytes must never reach the pool.
	assert.Empty(t, dev.writes)
	assert.Equal(t, int64(0), f.TotalBytesWritten())
}

func TestTickSkipsEventsWithoutWhitenedBytes(t *testing.T) {
	dev := &fakeDevice{}
	f := newTestFeeder(&stubEvents{events: []core.Event{
		{HWTimestampNs: 1},
		{HWTimestampNs: 2},
	}}, dev)

	f.Tick(context.Background())
	assert.Empty(t, dev.writes)
}

func TestTickRetriesTransientWriteFailures(t *testing.T) {
	dev := &fakeDevice{failures: 2}
	f := newTestFeeder(&stubEvents{events: whitenedEvents(2, 8)}, dev)

	f.Tick(context.Background())

	// Third attempt succeeds.
	require.Len(t, dev.writes, 1)
	assert.Equal(t, int64(16), f.TotalBytesWritten())
}

func TestTickGivesUpAfterMaxRetries(t *testing.T) {
	dev := &fakeDevice{failures: maxRetries}
	f := newTestFeeder(&stubEvents{events: whitenedEvents(2, 8)}, dev)

	f.Tick(context.Background())

	assert.Empty(t, dev.writes)
	assert.Equal(t, int64(0), f.TotalBytesWritten())
}

func TestTickSkipsWhenEventLoadFails(t *testing.T) {
	dev := &fakeDevice{}
	f := newTestFeeder(&stubEvents{err: errors.New("db down")}, dev)

	f.Tick(context.Background())
	assert.Empty(t, dev.writes)
}

func TestOperational(t *testing.T) {
	f := newTestFeeder(&stubEvents{}, &fakeDevice{})

	// Fresh process has not ticked yet and still counts as healthy.
	assert.True(t, f.Operational())

	f.lastSuccess.Store(time.Now().UnixNano())
	assert.True(t, f.Operational())

	f.lastSuccess.Store(time.Now().Add(-time.Hour).UnixNano())
	assert.False(t, f.Operational())
}

func TestStartStop(t *testing.T) {
	f := newTestFeeder(&stubEvents{}, &fakeDevice{})
	f.Start()
	f.Stop()

	// Stop is idempotent.
	f.Stop()
}
