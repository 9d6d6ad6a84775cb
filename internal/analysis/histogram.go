package analysis

import (
	"sort"

	"github.com/decaynet/cloud/internal/core"
)

// HistogramBucket is one bin of the interval distribution. Bounds are in
// nanoseconds; Frequency is the bucket's share of all intervals.
type HistogramBucket struct {
	StartNs   int64   `json:"start_ns"`
	EndNs     int64   `json:"end_ns"`
	CenterNs  float64 `json:"center_ns"`
	Count     int64   `json:"count"`
	Frequency float64 `json:"frequency"`
}

// minHistogramIntervals is the floor below which a histogram is not
// statistically meaningful.
const minHistogramIntervals = 100

// BuildHistogram bins intervals at bucketNs and returns non-empty buckets
// sorted by start.
func BuildHistogram(intervalsNs []int64, bucketNs int64) ([]HistogramBucket, error) {
	if bucketNs <= 0 {
		return nil, core.InvalidInput("bucket size must be positive, got %d", bucketNs)
	}
	if len(intervalsNs) < minHistogramIntervals {
		return nil, core.InsufficientData("intervals for histogram",
			minHistogramIntervals, int64(len(intervalsNs)))
	}

	counts := bucketCounts(intervalsNs, bucketNs)
	total := float64(len(intervalsNs))

	buckets := make([]HistogramBucket, 0, len(counts))
	for idx, count := range counts {
		start := idx * bucketNs
		end := start + bucketNs
		buckets = append(buckets, HistogramBucket{
			StartNs:   start,
			EndNs:     end,
			CenterNs:  float64(start) + float64(bucketNs)/2,
			Count:     int64(count),
			Frequency: float64(count) / total,
		})
	}

	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].StartNs < buckets[j].StartNs
	})
	return buckets, nil
}
