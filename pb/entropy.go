// Package pb holds the hand-maintained Go mirror of entropy.proto.
// Messages travel framed as application/grpc+json (see codec.go), so the
// tree needs no codegen step. Kept in lockstep with the proto, which
// remains the contract of record.
package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// DecayEvent is a single hardware decay detection as sent by a gateway.
type DecayEvent struct {
	HwTimestampNs  int64
	SequenceNumber int64
	RpiTimestampUs *int64
	TdcTimestampPs *int64
	Channel        *int32
	SourceAddress  string
	QualityScore   *float64
}

// EdgeMetrics is the gateway-side health snapshot piggybacked on batches.
type EdgeMetrics struct {
	BufferFillPercent float64
	EventsDropped     uint64
	CpuPercent        float64
	TestsPassing      bool
}

// EventBatch is one gateway-assembled collection of decay events.
type EventBatch struct {
	BatchId       string
	BatchSequence uint64
	Events        []*DecayEvent
	EdgeMetrics   *EdgeMetrics
	SentAt        *timestamppb.Timestamp
}

// BatchAck is the server's per-batch response on the ingest stream.
type BatchAck struct {
	BatchSequence      uint64
	Success            bool
	ReceivedCount      uint32
	PersistedCount     uint32
	ProcessingTimeMs   float64
	Backpressure       bool
	BackpressureReason string
	Error              string
	EdgeMetrics        *EdgeMetrics
}

type SubscribeRequest struct{}

// Control channel payloads.
type Hello struct {
	GatewayId       string
	FirmwareVersion string
}

type Ping struct{ Nonce uint64 }
type Pong struct{ Nonce uint64 }

type ConfigUpdate struct {
	MaxBatchSize   uint32
	SendIntervalMs uint32
}

type HealthReport struct {
	Metrics *EdgeMetrics
}

type ControlOk struct{}

// ControlMessage carries exactly one of the control payloads.
type ControlMessage struct {
	Hello        *Hello
	Ping         *Ping
	Pong         *Pong
	ConfigUpdate *ConfigUpdate
	HealthReport *HealthReport
	Ok           *ControlOk
}

// ============================================================================
// SERVICE INTERFACES
// ============================================================================

type EntropyIngestServer interface {
	StreamEvents(EntropyIngest_StreamEventsServer) error
	SubscribeBatches(*SubscribeRequest, EntropyIngest_SubscribeBatchesServer) error
	Control(EntropyIngest_ControlServer) error
}

// UnimplementedEntropyIngestServer gives forward-compatible embedding.
type UnimplementedEntropyIngestServer struct{}

func (UnimplementedEntropyIngestServer) StreamEvents(EntropyIngest_StreamEventsServer) error {
	return nil
}

func (UnimplementedEntropyIngestServer) SubscribeBatches(*SubscribeRequest, EntropyIngest_SubscribeBatchesServer) error {
	return nil
}

func (UnimplementedEntropyIngestServer) Control(EntropyIngest_ControlServer) error {
	return nil
}

type EntropyIngest_StreamEventsServer interface {
	Send(*BatchAck) error
	Recv() (*EventBatch, error)
	grpc.ServerStream
}

type EntropyIngest_SubscribeBatchesServer interface {
	Send(*EventBatch) error
	grpc.ServerStream
}

type EntropyIngest_ControlServer interface {
	Send(*ControlMessage) error
	Recv() (*ControlMessage, error)
	grpc.ServerStream
}

// Client-side stream interfaces, used by gateways and the simulator.
type EntropyIngestClient interface {
	StreamEvents(ctx context.Context, opts ...grpc.CallOption) (EntropyIngest_StreamEventsClient, error)
	SubscribeBatches(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (EntropyIngest_SubscribeBatchesClient, error)
	Control(ctx context.Context, opts ...grpc.CallOption) (EntropyIngest_ControlClient, error)
}

type EntropyIngest_StreamEventsClient interface {
	Send(*EventBatch) error
	Recv() (*BatchAck, error)
	grpc.ClientStream
}

type EntropyIngest_SubscribeBatchesClient interface {
	Recv() (*EventBatch, error)
	grpc.ClientStream
}

type EntropyIngest_ControlClient interface {
	Send(*ControlMessage) error
	Recv() (*ControlMessage, error)
	grpc.ClientStream
}

type entropyIngestClient struct {
	cc grpc.ClientConnInterface
}

// NewEntropyIngestClient builds the client half over an established
// connection, matching the shape protoc would generate.
func NewEntropyIngestClient(cc grpc.ClientConnInterface) EntropyIngestClient {
	return &entropyIngestClient{cc}
}

func (c *entropyIngestClient) StreamEvents(ctx context.Context, opts ...grpc.CallOption) (EntropyIngest_StreamEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &EntropyIngest_ServiceDesc.Streams[0],
		"/entropy.v1.EntropyIngest/StreamEvents", opts...)
	if err != nil {
		return nil, err
	}
	return &streamEventsClient{stream}, nil
}

type streamEventsClient struct {
	grpc.ClientStream
}

func (x *streamEventsClient) Send(m *EventBatch) error {
	return x.ClientStream.SendMsg(m)
}

func (x *streamEventsClient) Recv() (*BatchAck, error) {
	m := new(BatchAck)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *entropyIngestClient) SubscribeBatches(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (EntropyIngest_SubscribeBatchesClient, error) {
	stream, err := c.cc.NewStream(ctx, &EntropyIngest_ServiceDesc.Streams[1],
		"/entropy.v1.EntropyIngest/SubscribeBatches", opts...)
	if err != nil {
		return nil, err
	}
	x := &subscribeBatchesClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type subscribeBatchesClient struct {
	grpc.ClientStream
}

func (x *subscribeBatchesClient) Recv() (*EventBatch, error) {
	m := new(EventBatch)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *entropyIngestClient) Control(ctx context.Context, opts ...grpc.CallOption) (EntropyIngest_ControlClient, error) {
	stream, err := c.cc.NewStream(ctx, &EntropyIngest_ServiceDesc.Streams[2],
		"/entropy.v1.EntropyIngest/Control", opts...)
	if err != nil {
		return nil, err
	}
	return &controlClient{stream}, nil
}

type controlClient struct {
	grpc.ClientStream
}

func (x *controlClient) Send(m *ControlMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *controlClient) Recv() (*ControlMessage, error) {
	m := new(ControlMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ============================================================================
// REGISTRATION
// ============================================================================

// RegisterEntropyIngestServer wires srv into s under the canonical service
// name. Mirrors the shape of protoc-generated registration.
func RegisterEntropyIngestServer(s grpc.ServiceRegistrar, srv EntropyIngestServer) {
	s.RegisterService(&EntropyIngest_ServiceDesc, srv)
}

var EntropyIngest_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "entropy.v1.EntropyIngest",
	HandlerType: (*EntropyIngestServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "SubscribeBatches",
			Handler:       subscribeBatchesHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "Control",
			Handler:       controlHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pb/entropy.proto",
}

func streamEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(EntropyIngestServer).StreamEvents(&streamEventsServer{stream})
}

type streamEventsServer struct {
	grpc.ServerStream
}

func (x *streamEventsServer) Send(m *BatchAck) error {
	return x.ServerStream.SendMsg(m)
}

func (x *streamEventsServer) Recv() (*EventBatch, error) {
	m := new(EventBatch)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func subscribeBatchesHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(SubscribeRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(EntropyIngestServer).SubscribeBatches(m, &subscribeBatchesServer{stream})
}

type subscribeBatchesServer struct {
	grpc.ServerStream
}

func (x *subscribeBatchesServer) Send(m *EventBatch) error {
	return x.ServerStream.SendMsg(m)
}

func controlHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(EntropyIngestServer).Control(&controlServer{stream})
}

type controlServer struct {
	grpc.ServerStream
}

func (x *controlServer) Send(m *ControlMessage) error {
	return x.ServerStream.SendMsg(m)
}

func (x *controlServer) Recv() (*ControlMessage, error) {
	m := new(ControlMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
