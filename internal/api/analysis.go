package api

import (
	"math"
	"net/http"
	"strconv"

	"github.com/decaynet/cloud/internal/analysis"
)

const defaultBucketNs = 1_000_000 // 1ms histogram buckets

// entropyResponse carries every measure for the window; SampEn may be
// undefined when no template matches exist.
type entropyResponse struct {
	IntervalCount   int      `json:"interval_count"`
	ShannonBits     float64  `json:"shannon_bits"`
	RenyiBits       float64  `json:"renyi_bits"`
	RenyiAlpha      float64  `json:"renyi_alpha"`
	SampleEntropy   *float64 `json:"sample_entropy"`
	ApproxEntropy   float64  `json:"approximate_entropy"`
	BucketSizeNs    int64    `json:"bucket_size_ns"`
	SampEnUndefined bool     `json:"sample_entropy_undefined,omitempty"`
}

func (s *APIServer) handleEntropy(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseWindow(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	bucketNs := int64Param(r.URL.Query().Get("bucket_ns"), defaultBucketNs)
	alpha := floatParam(r.URL.Query().Get("alpha"), 2.0)

	intervals, err := s.events.IntervalsInWindow(r.Context(), start, end)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	shannon, err := analysis.ShannonEntropy(intervals, bucketNs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	renyi, err := analysis.RenyiEntropy(intervals, bucketNs, alpha)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sampEn, err := analysis.SampleEntropy(intervals)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	apEn, err := analysis.ApproximateEntropy(intervals)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := entropyResponse{
		IntervalCount: len(intervals),
		ShannonBits:   shannon,
		RenyiBits:     renyi,
		RenyiAlpha:    alpha,
		ApproxEntropy: apEn,
		BucketSizeNs:  bucketNs,
	}
	if math.IsInf(sampEn, 1) {
		resp.SampEnUndefined = true
	} else {
		resp.SampleEntropy = &sampEn
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleHistogram(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseWindow(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	bucketNs := int64Param(r.URL.Query().Get("bucket_ns"), defaultBucketNs)

	intervals, err := s.events.IntervalsInWindow(r.Context(), start, end)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	buckets, err := analysis.BuildHistogram(intervals, bucketNs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bucket_size_ns": bucketNs,
		"interval_count": len(intervals),
		"buckets":        buckets,
	})
}

func (s *APIServer) handleIntervalStats(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseWindow(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	stats, err := s.events.IntervalStats(r.Context(), start, end)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *APIServer) handleQuality(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseWindow(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	events, err := s.events.EventsInWindow(r.Context(), start, end)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	report := analysis.BuildQualityReport(events, start, end, s.quality)
	writeJSON(w, http.StatusOK, report)
}

func int64Param(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func floatParam(raw string, fallback float64) float64 {
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}
