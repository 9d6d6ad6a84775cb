package ingest

import (
	"log"
	"sync"

	"golang.org/x/time/rate"

	"github.com/decaynet/cloud/internal/metrics"
	"github.com/decaynet/cloud/pb"
)

// Subscriber is one live fan-out session (gRPC SubscribeBatches or the
// websocket bridge). All fan-out goes through the depth-1 out channel; a
// full channel means the session is behind and the batch is dropped for
// it alone.
type Subscriber struct {
	id      string
	out     chan *pb.EventBatch
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Out is the session's batch feed; depth 1 by construction.
func (s *Subscriber) Out() <-chan *pb.EventBatch { return s.out }

// Done is closed when the hub removes the session.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// SubscriberHub tracks active subscribers and fans committed batches out
// to them. Fan-out never blocks ingestion: sends are non-blocking and the
// map lock is not held while sending.
type SubscriberHub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	perSecond   float64
	metrics     *metrics.Metrics
	logger      *log.Logger
}

func NewSubscriberHub(ratePerSecond float64, m *metrics.Metrics) *SubscriberHub {
	if ratePerSecond <= 0 {
		ratePerSecond = 20
	}
	return &SubscriberHub{
		subscribers: make(map[string]*Subscriber),
		perSecond:   ratePerSecond,
		metrics:     m,
		logger:      log.New(log.Writer(), "[FANOUT] ", log.LstdFlags),
	}
}

// Add registers a session and returns its subscriber handle.
func (h *SubscriberHub) Add(sessionID string) *Subscriber {
	sub := &Subscriber{
		id:      sessionID,
		out:     make(chan *pb.EventBatch, 1),
		limiter: rate.NewLimiter(rate.Limit(h.perSecond), int(h.perSecond)),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.subscribers[sessionID] = sub
	count := len(h.subscribers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveSubscribers.Set(float64(count))
	}
	h.logger.Printf("Subscriber %s connected (%d active)", sessionID, count)
	return sub
}

// Remove drops a session on disconnect or write error.
func (h *SubscriberHub) Remove(sessionID string) {
	h.mu.Lock()
	sub, ok := h.subscribers[sessionID]
	if ok {
		delete(h.subscribers, sessionID)
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	if h.metrics != nil {
		h.metrics.ActiveSubscribers.Set(float64(count))
	}
	h.logger.Printf("Subscriber %s disconnected (%d active)", sessionID, count)
}

// Count returns the number of active sessions.
func (h *SubscriberHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast fans a committed batch out. Sessions that are rate-limited or
// whose channel is full lose this batch only; nothing blocks.
func (h *SubscriberHub) Broadcast(batch *pb.EventBatch) {
	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if !sub.limiter.Allow() {
			h.drop()
			continue
		}
		select {
		case sub.out <- batch:
		default:
			h.drop()
		}
	}
}

// drop records a per-session loss. Drops are routine under load, so they
// only show up in the metric, not the log.
func (h *SubscriberHub) drop() {
	if h.metrics != nil {
		h.metrics.FanoutDropped.Inc()
	}
}
