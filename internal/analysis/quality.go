package analysis

import (
	"fmt"
	"math"
	"time"

	"github.com/decaynet/cloud/internal/core"
)

// QualityConfig carries the knobs the report needs from the operator
// config. Immutable after start.
type QualityConfig struct {
	// ExpectedRateHz is the nominal decay rate of the source.
	ExpectedRateHz float64
	// RateToleranceLow/High bound the plausibility band as multiples of
	// the expected mean interval.
	RateToleranceLow  float64
	RateToleranceHigh float64
}

// Quality classification thresholds on the composite score.
const (
	ClassExcellent = "EXCELLENT"
	ClassGood      = "GOOD"
	ClassWarning   = "WARNING"
	ClassCritical  = "CRITICAL"
)

// BuildQualityReport derives the data-quality summary for a window. The
// events must be in chronological order (hw_timestamp_ns ascending), which
// is how the event store returns them.
func BuildQualityReport(events []core.Event, windowStart, windowEnd time.Time, cfg QualityConfig) *core.QualityReport {
	report := &core.QualityReport{
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		TotalEvents: int64(len(events)),
	}

	report.Gaps, report.MissingCount = sequenceGaps(events)
	report.ClockDriftUsPerHour = clockDriftUsPerHour(events)
	report.AvgNetworkDelayMs = avgNetworkDelay(events)
	report.AvgDecayIntervalMs = avgDecayIntervalMs(events)
	report.DecayRateRealistic = rateRealistic(report.AvgDecayIntervalMs, cfg)
	report.QualityScore = compositeScore(report)
	report.Classification = Classify(report.QualityScore)
	report.Recommendations = recommendations(report)

	return report
}

// sequenceGaps sums (gap-1) over every strictly increasing step in
// sequence_number. Resets (decreasing steps) indicate a new gateway
// session and are not counted as loss.
func sequenceGaps(events []core.Event) ([]core.SequenceGap, int64) {
	gaps := []core.SequenceGap{}
	var missing int64

	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1].SequenceNumber, events[i].SequenceNumber
		if cur > prev+1 {
			n := cur - prev - 1
			gaps = append(gaps, core.SequenceGap{
				AfterSequence:  prev,
				BeforeSequence: cur,
				Missing:        n,
			})
			missing += n
		}
	}
	return gaps, missing
}

// clockDriftUsPerHour fits (server_received - hw_timestamp) against wall
// time by least squares; the slope is the drift in microseconds per hour.
func clockDriftUsPerHour(events []core.Event) float64 {
	if len(events) < 2 {
		return 0
	}

	t0 := events[0].ServerReceived
	xs := make([]float64, len(events)) // hours since t0
	ys := make([]float64, len(events)) // offset in microseconds
	for i, e := range events {
		xs[i] = e.ServerReceived.Sub(t0).Hours()
		offsetNs := e.ServerReceived.UnixNano() - e.HWTimestampNs
		ys[i] = float64(offsetNs) / 1e3
	}

	mx, my := mean(xs), mean(ys)
	var num, den float64
	for i := range xs {
		num += (xs[i] - mx) * (ys[i] - my)
		den += (xs[i] - mx) * (xs[i] - mx)
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func avgNetworkDelay(events []core.Event) float64 {
	var sum float64
	var n int
	for _, e := range events {
		if e.NetworkDelayMs != nil {
			sum += *e.NetworkDelayMs
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func avgDecayIntervalMs(events []core.Event) float64 {
	var sum float64
	var n int
	for i := 1; i < len(events); i++ {
		delta := events[i].HWTimestampNs - events[i-1].HWTimestampNs
		if delta > 0 {
			sum += float64(delta)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n) / 1e6
}

func rateRealistic(avgIntervalMs float64, cfg QualityConfig) bool {
	if avgIntervalMs == 0 || cfg.ExpectedRateHz <= 0 {
		return false
	}
	expectedMs := 1000.0 / cfg.ExpectedRateHz
	return avgIntervalMs >= expectedMs*cfg.RateToleranceLow &&
		avgIntervalMs <= expectedMs*cfg.RateToleranceHigh
}

// compositeScore applies the multiplicative penalty chain. The factors
// are unconditional scalars, so the outcome is order-independent.
func compositeScore(r *core.QualityReport) float64 {
	score := 1.0

	if r.TotalEvents > 0 {
		score *= 1.0 - float64(r.MissingCount)/float64(r.TotalEvents)
	}

	drift := math.Abs(r.ClockDriftUsPerHour)
	if drift > 10 {
		score *= 0.95
	}
	if drift > 50 {
		score *= 0.85
	}

	if !r.DecayRateRealistic {
		score *= 0.90
	}

	if r.AvgNetworkDelayMs > 100 {
		score *= 0.95
	}

	return math.Max(0.0, math.Min(1.0, score))
}

// Classify maps a composite score to its quality class.
func Classify(score float64) string {
	switch {
	case score >= 0.95:
		return ClassExcellent
	case score >= 0.85:
		return ClassGood
	case score >= 0.70:
		return ClassWarning
	default:
		return ClassCritical
	}
}

func recommendations(r *core.QualityReport) []string {
	recs := []string{}
	if r.MissingCount > 0 {
		recs = append(recs, fmt.Sprintf("%d events missing across %d sequence gaps; check gateway buffering and link stability",
			r.MissingCount, len(r.Gaps)))
	}
	if math.Abs(r.ClockDriftUsPerHour) > 50 {
		recs = append(recs, "severe clock drift; resynchronize the gateway clock source")
	} else if math.Abs(r.ClockDriftUsPerHour) > 10 {
		recs = append(recs, "clock drift above 10 µs/h; verify NTP/PPS discipline on the gateway")
	}
	if !r.DecayRateRealistic {
		recs = append(recs, "mean decay interval outside the plausibility band; inspect detector bias voltage and source geometry")
	}
	if r.AvgNetworkDelayMs > 100 {
		recs = append(recs, "network delay above 100 ms; events may arrive too late for live analysis")
	}
	return recs
}
