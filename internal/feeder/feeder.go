// Package feeder periodically writes recent whitened bytes into the host
// OS entropy pool.
//
// The write is a plain write(2) on the entropy device; the pool is never
// credited via ioctl, because the target kernel configuration cannot be
// assumed to permit privileged crediting.
package feeder

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decaynet/cloud/internal/metrics"
	"github.com/decaynet/cloud/internal/store"
)

const (
	// lookback is the event window read on each tick.
	lookback = 15 * time.Second
	// maxBytesPerTick caps each write. Short reads are written as-is and
	// never padded with deterministic filler.
	maxBytesPerTick = 512

	maxRetries   = 3
	retryBackoff = 100 * time.Millisecond
)

// DeviceWriter abstracts the entropy device for tests.
type DeviceWriter interface {
	Write(p []byte) (int, error)
}

// Feeder is the single-threaded periodic kernel entropy task (C8).
type Feeder struct {
	events store.EventRepository
	period time.Duration
	device string
	writer DeviceWriter // test hook; nil means open the device per tick
	logger *log.Logger
	m      *metrics.Metrics

	totalBytes  atomic.Int64
	lastSuccess atomic.Int64 // unix nanos of the last successful tick

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	now func() time.Time
}

func New(events store.EventRepository, period time.Duration, device string, m *metrics.Metrics) *Feeder {
	if period <= 0 {
		period = 5 * time.Second
	}
	return &Feeder{
		events: events,
		period: period,
		device: device,
		logger: log.New(log.Writer(), "[FEEDER] ", log.LstdFlags),
		m:      m,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the feed loop.
func (f *Feeder) Start() {
	go f.run()
}

// Stop halts the loop and waits for the current tick to finish.
func (f *Feeder) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	<-f.done
}

func (f *Feeder) run() {
	defer close(f.done)

	ticker := time.NewTicker(f.period)
	defer ticker.Stop()

	f.logger.Printf("Started kernel entropy feeder (period=%s, device=%s)", f.period, f.device)

	for {
		select {
		case <-ticker.C:
			f.Tick(context.Background())
		case <-f.stopCh:
			f.logger.Println("Feeder stopped")
			return
		}
	}
}

// Tick performs one feed cycle. Exported so tests drive it directly.
func (f *Feeder) Tick(ctx context.Context) {
	now := f.now().UTC()
	events, err := f.events.EventsInWindow(ctx, now.Add(-lookback), now)
	if err != nil {
		f.logger.Printf("Tick skipped, event load failed: %v", err)
		return
	}

	var payload []byte
	for _, e := range events {
		payload = append(payload, e.Whitened...)
		if len(payload) >= maxBytesPerTick {
			payload = payload[:maxBytesPerTick]
			break
		}
	}
	if len(payload) == 0 {
		// Nothing fresh; writing filler would poison the pool.
		return
	}

	if err := f.writeWithRetry(payload); err != nil {
		f.logger.Printf("Entropy write failed after %d attempts: %v", maxRetries, err)
		if f.m != nil {
			f.m.FeederFailures.Inc()
		}
		return
	}

	f.totalBytes.Add(int64(len(payload)))
	f.lastSuccess.Store(now.UnixNano())
	if f.m != nil {
		f.m.FeederBytesWritten.Add(float64(len(payload)))
	}
}

func (f *Feeder) writeWithRetry(payload []byte) error {
	var lastErr error
	backoff := retryBackoff
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if lastErr = f.writeOnce(payload); lastErr == nil {
			return nil
		}
		if attempt < maxRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

func (f *Feeder) writeOnce(payload []byte) error {
	if f.writer != nil {
		_, err := f.writer.Write(payload)
		return err
	}

	dev, err := os.OpenFile(f.device, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer dev.Close()
	_, err = dev.Write(payload)
	return err
}

// Operational reports feeder health. A fresh process counts as healthy
// until its first tick; afterwards a successful write within the last
// three periods is required.
func (f *Feeder) Operational() bool {
	last := f.lastSuccess.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) < 3*f.period+lookback
}

// TotalBytesWritten reports the lifetime byte count for health checks.
func (f *Feeder) TotalBytesWritten() int64 {
	return f.totalBytes.Load()
}
