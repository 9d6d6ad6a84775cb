package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decaynet/cloud/pb"
)

func TestHubAddRemoveCount(t *testing.T) {
	hub := NewSubscriberHub(20, nil)

	sub := hub.Add("session-1")
	require.NotNil(t, sub)
	assert.Equal(t, 1, hub.Count())

	hub.Add("session-2")
	assert.Equal(t, 2, hub.Count())

	hub.Remove("session-1")
	assert.Equal(t, 1, hub.Count())

	// Done closes exactly once, even on double remove.
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done should be closed after Remove")
	}
	hub.Remove("session-1")
	assert.Equal(t, 1, hub.Count())
}

func TestBroadcastDeliversToActiveSubscribers(t *testing.T) {
	hub := NewSubscriberHub(20, nil)
	a := hub.Add("a")
	b := hub.Add("b")

	batch := &pb.EventBatch{BatchId: "x", BatchSequence: 7}
	hub.Broadcast(batch)

	assert.Equal(t, batch, <-a.Out())
	assert.Equal(t, batch, <-b.Out())
}

func TestBroadcastNeverBlocksOnSlowSubscriber(t *testing.T) {
	hub := NewSubscriberHub(1000, nil)
	slow := hub.Add("slow")
	fast := hub.Add("fast")

	// Fill slow's depth-1 channel, then broadcast more. The slow session
	// loses batches; the fast one keeps receiving; Broadcast returns.
	first := &pb.EventBatch{BatchSequence: 1}
	hub.Broadcast(first)

	for seq := uint64(2); seq <= 5; seq++ {
		hub.Broadcast(&pb.EventBatch{BatchSequence: seq})
		got := <-fast.Out()
		assert.Equal(t, seq, got.BatchSequence)
	}

	// Slow still holds only the first batch.
	got := <-slow.Out()
	assert.Equal(t, uint64(1), got.BatchSequence)
	select {
	case extra := <-slow.Out():
		// At most one more could have landed after the drain above.
		assert.Greater(t, extra.BatchSequence, uint64(1))
	default:
	}
}

func TestBroadcastRateLimitDropsExcess(t *testing.T) {
	// 1 token per second with burst 1: the second immediate broadcast is
	// rate-limited and dropped for this session.
	hub := NewSubscriberHub(1, nil)
	sub := hub.Add("limited")

	hub.Broadcast(&pb.EventBatch{BatchSequence: 1})
	hub.Broadcast(&pb.EventBatch{BatchSequence: 2})

	got := <-sub.Out()
	assert.Equal(t, uint64(1), got.BatchSequence)
	select {
	case <-sub.Out():
		t.Fatal("second broadcast should have been rate-limited")
	default:
	}
}

func TestBroadcastWithNoSubscribers(t *testing.T) {
	hub := NewSubscriberHub(20, nil)
	// Must not panic or block.
	hub.Broadcast(&pb.EventBatch{BatchSequence: 1})
	assert.Equal(t, 0, hub.Count())
}
