package pb

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// ackEcho answers every batch with a success ack carrying the batch
// sequence and event count back.
type ackEcho struct {
	UnimplementedEntropyIngestServer
}

func (ackEcho) StreamEvents(stream EntropyIngest_StreamEventsServer) error {
	for {
		batch, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		ack := &BatchAck{
			BatchSequence:  batch.BatchSequence,
			Success:        true,
			ReceivedCount:  uint32(len(batch.Events)),
			PersistedCount: uint32(len(batch.Events)),
			EdgeMetrics:    batch.EdgeMetrics,
		}
		if err := stream.Send(ack); err != nil {
			return err
		}
	}
}

func (ackEcho) Control(stream EntropyIngest_ControlServer) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.Ping != nil {
			if err := stream.Send(&ControlMessage{Pong: &Pong{Nonce: msg.Ping.Nonce}}); err != nil {
				return err
			}
			continue
		}
		if err := stream.Send(&ControlMessage{Ok: &ControlOk{}}); err != nil {
			return err
		}
	}
}

func dialBuf(t *testing.T, srv EntropyIngestServer) EntropyIngestClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterEntropyIngestServer(server, srv)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewEntropyIngestClient(conn)
}

func TestStreamEventsRoundTripOverWire(t *testing.T) {
	client := dialBuf(t, ackEcho{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.StreamEvents(ctx)
	require.NoError(t, err)

	tdc := int64(5_000_000_000)
	rpi := int64(1_000_000)
	channel := int32(2)
	quality := 0.97
	batch := &EventBatch{
		BatchId:       "b1",
		BatchSequence: 7,
		Events: []*DecayEvent{
			{HwTimestampNs: 100, SequenceNumber: 1, TdcTimestampPs: &tdc, RpiTimestampUs: &rpi, Channel: &channel},
			{HwTimestampNs: 200, SequenceNumber: 2, QualityScore: &quality},
		},
		EdgeMetrics: &EdgeMetrics{BufferFillPercent: 12.5, TestsPassing: true},
	}

	require.NoError(t, stream.Send(batch))
	ack, err := stream.Recv()
	require.NoError(t, err)

	assert.True(t, ack.Success)
	assert.Equal(t, uint64(7), ack.BatchSequence)
	assert.Equal(t, uint32(2), ack.ReceivedCount)
	require.NotNil(t, ack.EdgeMetrics)
	assert.Equal(t, 12.5, ack.EdgeMetrics.BufferFillPercent)
	assert.True(t, ack.EdgeMetrics.TestsPassing)

	require.NoError(t, stream.CloseSend())
}

func TestControlRoundTripKeepsOneofShape(t *testing.T) {
	client := dialBuf(t, ackEcho{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Control(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.Send(&ControlMessage{Ping: &Ping{Nonce: 42}}))
	msg, err := stream.Recv()
	require.NoError(t, err)

	// Exactly the pong payload is set; the other arms stay nil.
	require.NotNil(t, msg.Pong)
	assert.Equal(t, uint64(42), msg.Pong.Nonce)
	assert.Nil(t, msg.Hello)
	assert.Nil(t, msg.Ping)
	assert.Nil(t, msg.ConfigUpdate)

	require.NoError(t, stream.CloseSend())
}

func TestCodecPreservesOptionalFields(t *testing.T) {
	rpi := int64(456)
	in := &DecayEvent{HwTimestampNs: 99, SequenceNumber: 3, RpiTimestampUs: &rpi}

	data, err := Codec{}.Marshal(in)
	require.NoError(t, err)

	out := new(DecayEvent)
	require.NoError(t, Codec{}.Unmarshal(data, out))

	assert.Equal(t, in.HwTimestampNs, out.HwTimestampNs)
	require.NotNil(t, out.RpiTimestampUs)
	assert.Equal(t, int64(456), *out.RpiTimestampUs)
	assert.Nil(t, out.TdcTimestampPs)
}
