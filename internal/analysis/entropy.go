// Package analysis computes randomness and data-quality metrics over
// inter-event decay intervals.
package analysis

import (
	"math"

	"github.com/decaynet/cloud/internal/core"
)

// maxComplexitySamples bounds the quadratic entropy measures. Inputs above
// this are uniformly downsampled by stride selection to exactly this many
// elements. Linear measures never downsample.
const maxComplexitySamples = 2000

// ShannonEntropy computes the Shannon entropy in bits of the interval
// distribution bucketed at bucketNs.
func ShannonEntropy(intervalsNs []int64, bucketNs int64) (float64, error) {
	if bucketNs <= 0 {
		return 0, core.InvalidInput("bucket size must be positive, got %d", bucketNs)
	}
	if len(intervalsNs) == 0 {
		return 0, core.InsufficientData("intervals", 1, 0)
	}

	counts := bucketCounts(intervalsNs, bucketNs)
	total := float64(len(intervalsNs))

	var entropy float64
	for _, count := range counts {
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy, nil
}

// RenyiEntropy computes the Renyi entropy of order alpha over the same
// bucketed distribution. Orders close to 1 are answered with Shannon,
// which is the analytic limit.
func RenyiEntropy(intervalsNs []int64, bucketNs int64, alpha float64) (float64, error) {
	if alpha <= 0 {
		return 0, core.InvalidInput("renyi alpha must be positive, got %g", alpha)
	}
	if math.Abs(alpha-1.0) < 1e-9 {
		return ShannonEntropy(intervalsNs, bucketNs)
	}
	if bucketNs <= 0 {
		return 0, core.InvalidInput("bucket size must be positive, got %d", bucketNs)
	}
	if len(intervalsNs) == 0 {
		return 0, core.InsufficientData("intervals", 1, 0)
	}

	counts := bucketCounts(intervalsNs, bucketNs)
	total := float64(len(intervalsNs))

	var sum float64
	for _, count := range counts {
		p := float64(count) / total
		sum += math.Pow(p, alpha)
	}
	return math.Log2(sum) / (1.0 - alpha), nil
}

// SampleEntropy computes SampEn with m=2 and r = 0.2*stddev of the input.
// Returns +Inf when no template matches exist at either length; callers
// map that to "undefined".
func SampleEntropy(intervalsNs []int64) (float64, error) {
	const m = 2

	series := toFloats(Downsample(intervalsNs, maxComplexitySamples))
	n := len(series)
	if n < m+2 {
		return 0, core.InsufficientData("intervals for sample entropy", int64(m+2), int64(n))
	}

	r := 0.2 * stddev(series)
	if r == 0 {
		// Constant series: every template matches, SampEn is 0.
		return 0, nil
	}

	b := countTemplateMatches(series, m, r)
	a := countTemplateMatches(series, m+1, r)
	if a == 0 || b == 0 {
		return math.Inf(1), nil
	}
	return -math.Log(float64(a) / float64(b)), nil
}

// ApproximateEntropy computes ApEn with m=2 and r = 0.2*stddev, the
// standard phi(m) - phi(m+1) definition with self-matches included.
func ApproximateEntropy(intervalsNs []int64) (float64, error) {
	const m = 2

	series := toFloats(Downsample(intervalsNs, maxComplexitySamples))
	n := len(series)
	if n < m+2 {
		return 0, core.InsufficientData("intervals for approximate entropy", int64(m+2), int64(n))
	}

	r := 0.2 * stddev(series)
	if r == 0 {
		return 0, nil
	}

	return phi(series, m, r) - phi(series, m+1, r), nil
}

// Downsample uniformly selects exactly target elements by stride when the
// input is longer; shorter inputs are returned as-is.
func Downsample(intervalsNs []int64, target int) []int64 {
	n := len(intervalsNs)
	if target <= 0 || n <= target {
		return intervalsNs
	}
	out := make([]int64, target)
	for i := 0; i < target; i++ {
		out[i] = intervalsNs[i*n/target]
	}
	return out
}

// ----------------------------------------------------------------------------
// internals
// ----------------------------------------------------------------------------

func bucketCounts(intervalsNs []int64, bucketNs int64) map[int64]int {
	counts := make(map[int64]int)
	for _, x := range intervalsNs {
		counts[x/bucketNs]++
	}
	return counts
}

// countTemplateMatches counts ordered pairs (i, j), i != j, of length-m
// templates within Chebyshev distance r. Self-matches are excluded, as
// SampEn requires.
func countTemplateMatches(series []float64, m int, r float64) int64 {
	n := len(series)
	templates := n - m + 1

	var matches int64
	for i := 0; i < templates; i++ {
		for j := i + 1; j < templates; j++ {
			if chebyshevWithin(series[i:i+m], series[j:j+m], r) {
				matches += 2 // ordered pairs, both directions
			}
		}
	}
	return matches
}

// phi computes the ApEn correlation sum: mean over i of ln(C_i^m), where
// C_i^m includes the self-match.
func phi(series []float64, m int, r float64) float64 {
	n := len(series)
	templates := n - m + 1

	var sum float64
	for i := 0; i < templates; i++ {
		count := 0
		for j := 0; j < templates; j++ {
			if chebyshevWithin(series[i:i+m], series[j:j+m], r) {
				count++
			}
		}
		sum += math.Log(float64(count) / float64(templates))
	}
	return sum / float64(templates)
}

func chebyshevWithin(a, b []float64, r float64) bool {
	for k := range a {
		if math.Abs(a[k]-b[k]) > r {
			return false
		}
	}
	return true
}

func toFloats(xs []int64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation.
func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mu := mean(xs)
	var variance float64
	for _, x := range xs {
		d := x - mu
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(xs)))
}
