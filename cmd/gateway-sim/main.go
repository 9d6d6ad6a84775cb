// gateway-sim drives the ingest surface with synthetic decay traffic. It
// opens one StreamEvents session per simulated gateway, sends batches of
// generated events at a configurable rate, and reports ack latency and
// backpressure statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/decaynet/cloud/pb"
)

// SimConfig holds the simulation parameters.
type SimConfig struct {
	Addr           string
	Token          string
	Gateways       int
	Batches        int
	EventsPerBatch int
	SendInterval   time.Duration
	RateHz         float64
}

// SimStats tracks per-run metrics across all simulated gateways.
type SimStats struct {
	BatchesSent      uint64
	BatchesAcked     uint64
	BatchesFailed    uint64
	EventsPersisted  uint64
	BackpressureAcks uint64
	MaxLatency       time.Duration
	MinLatency       time.Duration
	P95Latency       time.Duration
	P99Latency       time.Duration
	AvgLatency       time.Duration
	ThroughputPerSec float64
}

func main() {
	addr := flag.String("addr", "localhost:50051", "ingest server address")
	token := flag.String("token", "gateway-sim", "bearer token for the stream")
	gateways := flag.Int("gateways", 4, "number of concurrent simulated gateways")
	batches := flag.Int("batches", 100, "batches to send per gateway")
	perBatch := flag.Int("events", 200, "events per batch")
	interval := flag.Duration("interval", 250*time.Millisecond, "delay between batches per gateway")
	rateHz := flag.Float64("rate", 25.0, "simulated decay rate in Hz")
	flag.Parse()

	cfg := SimConfig{
		Addr:           *addr,
		Token:          *token,
		Gateways:       *gateways,
		Batches:        *batches,
		EventsPerBatch: *perBatch,
		SendInterval:   *interval,
		RateHz:         *rateHz,
	}

	slog.Info("Starting gateway simulator",
		"addr", cfg.Addr, "gateways", cfg.Gateways,
		"batches", cfg.Batches, "events_per_batch", cfg.EventsPerBatch)

	stats, err := run(cfg)
	if err != nil {
		slog.Error("Simulation failed", "error", err)
		return
	}
	printResults(stats)
}

func run(cfg SimConfig) (*SimStats, error) {
	conn, err := grpc.NewClient(cfg.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(pb.CodecName)))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	defer conn.Close()

	client := pb.NewEntropyIngestClient(conn)

	stats := &SimStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	started := time.Now()
	var wg sync.WaitGroup
	for g := 0; g < cfg.Gateways; g++ {
		wg.Add(1)
		go func(gatewayIdx int) {
			defer wg.Done()
			if err := runGateway(client, cfg, gatewayIdx, stats, &latencies, &latenciesMu); err != nil {
				slog.Error("Gateway stream ended", "gateway", gatewayIdx, "error", err)
			}
		}(g)
	}
	wg.Wait()

	elapsed := time.Since(started)
	acked := atomic.LoadUint64(&stats.BatchesAcked)
	if elapsed > 0 {
		stats.ThroughputPerSec = float64(acked) / elapsed.Seconds()
	}

	latenciesMu.Lock()
	defer latenciesMu.Unlock()
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var total time.Duration
		for _, l := range latencies {
			total += l
		}
		stats.AvgLatency = total / time.Duration(len(latencies))
		stats.P95Latency = latencies[len(latencies)*95/100]
		stats.P99Latency = latencies[len(latencies)*99/100]
	}
	return stats, nil
}

func runGateway(client pb.EntropyIngestClient, cfg SimConfig, gatewayIdx int,
	stats *SimStats, latencies *[]time.Duration, mu *sync.Mutex) error {

	ctx := metadata.AppendToOutgoingContext(context.Background(),
		"authorization", "Bearer "+cfg.Token)

	stream, err := client.StreamEvents(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(gatewayIdx)))
	var sequence int64

	for b := 0; b < cfg.Batches; b++ {
		batch := makeBatch(rng, cfg, gatewayIdx, uint64(b+1), &sequence)

		sent := time.Now()
		if err := stream.Send(batch); err != nil {
			return fmt.Errorf("send batch %d: %w", b+1, err)
		}
		atomic.AddUint64(&stats.BatchesSent, 1)

		ack, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("recv ack %d: %w", b+1, err)
		}
		latency := time.Since(sent)

		mu.Lock()
		*latencies = append(*latencies, latency)
		if latency > stats.MaxLatency {
			stats.MaxLatency = latency
		}
		if latency < stats.MinLatency {
			stats.MinLatency = latency
		}
		mu.Unlock()

		if ack.Success {
			atomic.AddUint64(&stats.BatchesAcked, 1)
			atomic.AddUint64(&stats.EventsPersisted, uint64(ack.PersistedCount))
		} else {
			atomic.AddUint64(&stats.BatchesFailed, 1)
			slog.Warn("Batch rejected", "gateway", gatewayIdx, "seq", ack.BatchSequence, "error", ack.Error)
		}
		if ack.Backpressure {
			atomic.AddUint64(&stats.BackpressureAcks, 1)
			// Honor the signal the way a real gateway would.
			time.Sleep(cfg.SendInterval)
		}

		time.Sleep(cfg.SendInterval)
	}
	return stream.CloseSend()
}

// makeBatch generates one batch of synthetic decay events with
// exponentially distributed inter-arrival times at the configured rate.
func makeBatch(rng *rand.Rand, cfg SimConfig, gatewayIdx int, batchSeq uint64, sequence *int64) *pb.EventBatch {
	meanIntervalNs := 1e9 / cfg.RateHz
	hwNs := time.Now().UnixNano() - int64(float64(cfg.EventsPerBatch)*meanIntervalNs)

	events := make([]*pb.DecayEvent, 0, cfg.EventsPerBatch)
	for i := 0; i < cfg.EventsPerBatch; i++ {
		hwNs += int64(rng.ExpFloat64() * meanIntervalNs)
		*sequence++

		tdcPs := hwNs * 1000
		rpiUs := hwNs/1000 + rng.Int63n(50) // RPi clock jitter
		channel := int32(rng.Intn(4))
		quality := 0.9 + rng.Float64()*0.1

		events = append(events, &pb.DecayEvent{
			HwTimestampNs:  hwNs,
			SequenceNumber: *sequence,
			TdcTimestampPs: &tdcPs,
			RpiTimestampUs: &rpiUs,
			Channel:        &channel,
			QualityScore:   &quality,
		})
	}

	return &pb.EventBatch{
		BatchId:       fmt.Sprintf("sim-%d-%d", gatewayIdx, batchSeq),
		BatchSequence: batchSeq,
		Events:        events,
		EdgeMetrics: &pb.EdgeMetrics{
			BufferFillPercent: rng.Float64() * 30,
			TestsPassing:      true,
		},
	}
}

func printResults(s *SimStats) {
	fmt.Println("\n=== Gateway Simulation Results ===")
	fmt.Printf("Batches sent:       %d\n", s.BatchesSent)
	fmt.Printf("Batches acked:      %d\n", s.BatchesAcked)
	fmt.Printf("Batches failed:     %d\n", s.BatchesFailed)
	fmt.Printf("Events persisted:   %d\n", s.EventsPersisted)
	fmt.Printf("Backpressure acks:  %d\n", s.BackpressureAcks)
	fmt.Printf("Throughput:         %.1f batches/s\n", s.ThroughputPerSec)
	if s.BatchesAcked > 0 {
		fmt.Printf("Latency avg/min/max: %s / %s / %s\n", s.AvgLatency, s.MinLatency, s.MaxLatency)
		fmt.Printf("Latency p95/p99:     %s / %s\n", s.P95Latency, s.P99Latency)
	}
}
