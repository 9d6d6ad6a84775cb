package ingest

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decaynet/cloud/internal/core"
	"github.com/decaynet/cloud/internal/store"
	"github.com/decaynet/cloud/pb"
)

// recordingRepo captures InsertEvents calls; the other repository methods
// are unused by the ingest path.
type recordingRepo struct {
	store.EventRepository

	inserted  []core.Event
	insertErr error
}

func (r *recordingRepo) InsertEvents(_ context.Context, _ *sql.Tx, events []core.Event) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.inserted = append(r.inserted, events...)
	return nil
}

func newTestServer(t *testing.T, repo *recordingRepo, queueCapacity int) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	db := store.NewFromHandle(handle)
	pipeline := NewPipeline(db, repo, 100)
	hub := NewSubscriberHub(1000, nil)
	return NewServer(NewMapper(), pipeline, hub, nil, queueCapacity, nil), mock
}

func validBatch(seq uint64, events int) *pb.EventBatch {
	now := time.Now()
	batch := &pb.EventBatch{BatchId: "batch-a", BatchSequence: seq}
	for i := 0; i < events; i++ {
		batch.Events = append(batch.Events, &pb.DecayEvent{
			HwTimestampNs:  now.Add(-time.Duration(events-i) * time.Millisecond).UnixNano(),
			SequenceNumber: int64(i),
			TdcTimestampPs: i64(int64(1000 + i)),
			RpiTimestampUs: i64(int64(2000 + i)),
		})
	}
	return batch
}

func TestProcessBatchAckAfterCommit(t *testing.T) {
	repo := &recordingRepo{}
	srv, mock := newTestServer(t, repo, 1000)

	mock.ExpectBegin()
	mock.ExpectCommit()

	ack := srv.processBatch(context.Background(), validBatch(9, 5), "peer")
	assert.True(t, ack.Success)
	assert.Equal(t, uint64(9), ack.BatchSequence)
	assert.Equal(t, uint32(5), ack.ReceivedCount)
	assert.Equal(t, uint32(5), ack.PersistedCount)
	assert.Empty(t, ack.Error)
	assert.False(t, ack.Backpressure)
	assert.Len(t, repo.inserted, 5)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBatchEmptyBatch(t *testing.T) {
	repo := &recordingRepo{}
	srv, _ := newTestServer(t, repo, 1000)

	ack := srv.processBatch(context.Background(), &pb.EventBatch{BatchSequence: 3}, "peer")
	assert.False(t, ack.Success)
	assert.Equal(t, "empty batch", ack.Error)
	assert.Equal(t, uint64(3), ack.BatchSequence)
	assert.Empty(t, repo.inserted)
}

func TestProcessBatchDropsInvalidEventsIndividually(t *testing.T) {
	repo := &recordingRepo{}
	srv, mock := newTestServer(t, repo, 1000)

	mock.ExpectBegin()
	mock.ExpectCommit()

	batch := validBatch(1, 3)
	batch.Events = append(batch.Events, &pb.DecayEvent{SequenceNumber: 99}) // no timestamp

	ack := srv.processBatch(context.Background(), batch, "peer")
	assert.True(t, ack.Success)
	assert.Equal(t, uint32(4), ack.ReceivedCount)
	assert.Equal(t, uint32(3), ack.PersistedCount)
	assert.Len(t, repo.inserted, 3)
}

func TestProcessBatchPersistenceFailureRollsBack(t *testing.T) {
	repo := &recordingRepo{insertErr: errors.New("disk full")}
	srv, mock := newTestServer(t, repo, 1000)

	mock.ExpectBegin()
	mock.ExpectRollback()

	ack := srv.processBatch(context.Background(), validBatch(2, 4), "peer")
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Error, "disk full")
	assert.Equal(t, uint32(0), ack.PersistedCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBatchBackpressureAboveThreshold(t *testing.T) {
	repo := &recordingRepo{}
	srv, mock := newTestServer(t, repo, 10) // threshold at 8

	mock.ExpectBegin()
	mock.ExpectCommit()

	// Eight batches already in flight; this one is the ninth.
	srv.queueDepth.Add(8)
	defer srv.queueDepth.Add(-8)

	ack := srv.processBatch(context.Background(), validBatch(5, 1), "peer")
	assert.True(t, ack.Success, "backpressure does not reject the batch")
	assert.True(t, ack.Backpressure)
	assert.Contains(t, ack.BackpressureReason, "ingest queue at 9 of 10")
}

func TestProcessBatchNoBackpressureAtThreshold(t *testing.T) {
	repo := &recordingRepo{}
	srv, mock := newTestServer(t, repo, 10)

	mock.ExpectBegin()
	mock.ExpectCommit()

	srv.queueDepth.Add(7) // depth reaches exactly 8 = 0.8*Q
	defer srv.queueDepth.Add(-7)

	ack := srv.processBatch(context.Background(), validBatch(6, 1), "peer")
	assert.False(t, ack.Backpressure)
}

func TestProcessBatchFansOutOnlyAfterCommit(t *testing.T) {
	repo := &recordingRepo{}
	srv, mock := newTestServer(t, repo, 1000)
	sub := srv.hub.Add("observer")

	// Failed persistence: nothing reaches subscribers.
	repo.insertErr = errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	srv.processBatch(context.Background(), validBatch(1, 1), "peer")
	select {
	case <-sub.Out():
		t.Fatal("subscriber observed an uncommitted batch")
	default:
	}

	// Successful persistence: the batch is broadcast.
	repo.insertErr = nil
	mock.ExpectBegin()
	mock.ExpectCommit()
	srv.processBatch(context.Background(), validBatch(2, 1), "peer")
	got := <-sub.Out()
	assert.Equal(t, uint64(2), got.BatchSequence)
}
