package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/decaynet/cloud/internal/core"
	"github.com/decaynet/cloud/internal/metrics"
	"github.com/decaynet/cloud/pb"
)

// Authenticator is the identity collaborator contract consumed by the
// server. Token verification and role augmentation happen outside the
// core; we only see the resulting principal.
type Authenticator interface {
	VerifyInbound(ctx context.Context) (core.Principal, error)
}

// Server is the bidirectional streaming ingest endpoint (C5). Each client
// stream runs on its own goroutine; per-stream state is not shared.
type Server struct {
	pb.UnimplementedEntropyIngestServer

	mapper   *Mapper
	pipeline *Pipeline
	hub      *SubscriberHub
	auth     Authenticator
	metrics  *metrics.Metrics
	logger   *log.Logger

	// Bounded in-process queue: depth counts batches currently being
	// processed across all streams. Above backpressureAt the next ack
	// carries the backpressure flag.
	queueCapacity  int64
	backpressureAt int64
	queueDepth     atomic.Int64
}

func NewServer(mapper *Mapper, pipeline *Pipeline, hub *SubscriberHub, auth Authenticator, queueCapacity int, m *metrics.Metrics) *Server {
	if queueCapacity <= 0 {
		queueCapacity = 1000
	}
	return &Server{
		mapper:         mapper,
		pipeline:       pipeline,
		hub:            hub,
		auth:           auth,
		metrics:        m,
		logger:         log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
		queueCapacity:  int64(queueCapacity),
		backpressureAt: int64(float64(queueCapacity) * 0.8),
	}
}

// StreamEvents is the gateway ingest stream. Every received batch is
// answered with exactly one ack; no error crosses the boundary unmapped.
func (s *Server) StreamEvents(stream pb.EntropyIngest_StreamEventsServer) error {
	principal, err := s.auth.VerifyInbound(stream.Context())
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if !principal.HasRole(core.RoleGateway) {
		return status.Error(codes.PermissionDenied, "StreamEvents requires the GATEWAY capability")
	}

	peerAddr := peerAddress(stream.Context())
	s.logger.Printf("Ingest stream opened: gateway=%s peer=%s", principal.Name, peerAddr)

	for {
		batch, err := stream.Recv()
		if err == io.EOF {
			s.logger.Printf("Ingest stream closed: gateway=%s", principal.Name)
			return nil
		}
		if err != nil {
			return err
		}

		ack := s.processBatch(stream.Context(), batch, peerAddr)
		if err := stream.Send(ack); err != nil {
			return err
		}
	}
}

// processBatch runs the full per-batch contract: validate, map, persist
// in one transaction, build the ack, and fan out post-commit.
func (s *Server) processBatch(ctx context.Context, batch *pb.EventBatch, peerAddr string) *pb.BatchAck {
	started := time.Now()

	depth := s.queueDepth.Add(1)
	defer s.queueDepth.Add(-1)
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(depth))
	}

	ack := &pb.BatchAck{
		BatchSequence: batch.BatchSequence,
		ReceivedCount: uint32(len(batch.Events)),
	}
	if depth > s.backpressureAt {
		ack.Backpressure = true
		ack.BackpressureReason = fmt.Sprintf("ingest queue at %d of %d", depth, s.queueCapacity)
		if s.metrics != nil {
			s.metrics.BackpressureAcks.Inc()
		}
	}

	if len(batch.Events) == 0 {
		ack.Error = "empty batch"
		s.finishAck(ack, started, "failed")
		return ack
	}

	// Edge-side test failures are logged, never grounds for rejection.
	if batch.EdgeMetrics != nil && !batch.EdgeMetrics.TestsPassing {
		s.logger.Printf("Batch %d (%s): edge health tests failing (buffer %.1f%%, dropped %d)",
			batch.BatchSequence, batch.BatchId,
			batch.EdgeMetrics.BufferFillPercent, batch.EdgeMetrics.EventsDropped)
	}

	accepted := make([]core.Event, 0, len(batch.Events))
	for _, wire := range batch.Events {
		event, reason := s.mapper.MapEvent(wire, batch.BatchId, peerAddr)
		if reason != "" {
			if s.metrics != nil {
				s.metrics.EventsDropped.WithLabelValues(string(reason)).Inc()
			}
			continue
		}
		accepted = append(accepted, *event)
	}

	persisted, err := s.pipeline.PersistBatch(ctx, accepted)
	if err != nil {
		s.logger.Printf("Batch %d persistence failed: %v", batch.BatchSequence, err)
		ack.Error = err.Error()
		s.finishAck(ack, started, "failed")
		return ack
	}

	ack.Success = true
	ack.PersistedCount = uint32(persisted)
	s.finishAck(ack, started, "persisted")

	// Fan-out strictly after commit, so subscribers never observe
	// uncommitted data.
	if s.hub != nil {
		s.hub.Broadcast(batch)
	}
	return ack
}

func (s *Server) finishAck(ack *pb.BatchAck, started time.Time, result string) {
	elapsed := time.Since(started)
	ack.ProcessingTimeMs = float64(elapsed.Microseconds()) / 1000.0
	if s.metrics != nil {
		s.metrics.BatchesReceived.WithLabelValues(result).Inc()
		s.metrics.BatchProcessing.Observe(elapsed.Seconds())
		if result == "persisted" {
			s.metrics.EventsPersisted.Add(float64(ack.PersistedCount))
		}
	}
}

// SubscribeBatches streams committed batches to a live observer until it
// disconnects or falls irrecoverably behind.
func (s *Server) SubscribeBatches(_ *pb.SubscribeRequest, stream pb.EntropyIngest_SubscribeBatchesServer) error {
	principal, err := s.auth.VerifyInbound(stream.Context())
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if !principal.HasRole(core.RoleUser) && !principal.HasRole(core.RoleAdmin) {
		return status.Error(codes.PermissionDenied, "SubscribeBatches requires USER or ADMIN")
	}

	sessionID := uuid.NewString()
	sub := s.hub.Add(sessionID)
	defer s.hub.Remove(sessionID)

	for {
		select {
		case batch := <-sub.out:
			if err := stream.Send(batch); err != nil {
				return err
			}
		case <-sub.done:
			return nil
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

// Control is the gateway housekeeping channel.
func (s *Server) Control(stream pb.EntropyIngest_ControlServer) error {
	principal, err := s.auth.VerifyInbound(stream.Context())
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if !principal.HasRole(core.RoleGateway) {
		return status.Error(codes.PermissionDenied, "Control requires the GATEWAY capability")
	}

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var reply *pb.ControlMessage
		switch {
		case msg.Hello != nil:
			s.logger.Printf("Gateway hello: id=%s firmware=%s", msg.Hello.GatewayId, msg.Hello.FirmwareVersion)
			reply = &pb.ControlMessage{ConfigUpdate: &pb.ConfigUpdate{
				MaxBatchSize:   1840,
				SendIntervalMs: 1000,
			}}
		case msg.Ping != nil:
			reply = &pb.ControlMessage{Pong: &pb.Pong{Nonce: msg.Ping.Nonce}}
		case msg.HealthReport != nil:
			if m := msg.HealthReport.Metrics; m != nil && !m.TestsPassing {
				s.logger.Printf("Gateway %s health report: edge tests failing", principal.Name)
			}
			reply = &pb.ControlMessage{Ok: &pb.ControlOk{}}
		default:
			reply = &pb.ControlMessage{Ok: &pb.ControlOk{}}
		}

		if err := stream.Send(reply); err != nil {
			return err
		}
	}
}

// QueueDepth exposes the current queue depth for health checks.
func (s *Server) QueueDepth() int64 {
	return s.queueDepth.Load()
}

func peerAddress(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}
