package metrics

import (
	"math"
	"sort"
	"sync/atomic"
)

// Histogram tracks the distribution of observations across fixed upper
// bounds. Observe is lock-free; summaries are consistent per field but not
// across fields while observations are in flight.
type Histogram struct {
	bounds  []float64       // Upper bounds, ascending
	counts  []atomic.Uint64 // Per bucket, last entry is +Inf
	count   atomic.Uint64
	sumBits atomic.Uint64 // float64 bits
	minBits atomic.Uint64
	maxBits atomic.Uint64
}

// NewHistogram creates a histogram with the given bucket upper bounds.
func NewHistogram(bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)

	h := &Histogram{
		bounds: b,
		counts: make([]atomic.Uint64, len(b)+1),
	}
	h.resetExtremes()
	return h
}

func (h *Histogram) resetExtremes() {
	h.minBits.Store(math.Float64bits(math.Inf(1)))
	h.maxBits.Store(math.Float64bits(math.Inf(-1)))
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	// Bucket i holds bounds[i-1] < v <= bounds[i]
	idx := sort.SearchFloat64s(h.bounds, v)
	h.counts[idx].Add(1)
	h.count.Add(1)

	casFloat(&h.sumBits, func(old float64) (float64, bool) { return old + v, true })
	casFloat(&h.minBits, func(old float64) (float64, bool) { return v, v < old })
	casFloat(&h.maxBits, func(old float64) (float64, bool) { return v, v > old })
}

func casFloat(bits *atomic.Uint64, update func(old float64) (float64, bool)) {
	for {
		oldBits := bits.Load()
		next, ok := update(math.Float64frombits(oldBits))
		if !ok || bits.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return
		}
	}
}

// HistogramSummary contains summarized histogram data.
type HistogramSummary struct {
	Count       uint64              `json:"count"`
	Sum         float64             `json:"sum"`
	Min         float64             `json:"min"`
	Max         float64             `json:"max"`
	Mean        float64             `json:"mean"`
	Buckets     []BucketCount       `json:"buckets"`
	Percentiles map[float64]float64 `json:"percentiles,omitempty"`
}

// BucketCount is a cumulative bucket count with its upper bound.
type BucketCount struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

// SummaryPercentiles are the quantiles included in a HistogramSummary.
var SummaryPercentiles = []float64{0.5, 0.9, 0.99}

// Summary returns cumulative bucket counts and estimated percentiles.
func (h *Histogram) Summary() HistogramSummary {
	raw := h.snapshotCounts()

	s := HistogramSummary{
		Buckets:     make([]BucketCount, len(raw)),
		Percentiles: make(map[float64]float64, len(SummaryPercentiles)),
	}
	var cumulative uint64
	for i, c := range raw {
		cumulative += c
		bound := math.Inf(1)
		if i < len(h.bounds) {
			bound = h.bounds[i]
		}
		s.Buckets[i] = BucketCount{UpperBound: bound, Count: cumulative}
	}
	if cumulative == 0 {
		return s
	}

	s.Count = cumulative
	s.Sum = math.Float64frombits(h.sumBits.Load())
	s.Min = math.Float64frombits(h.minBits.Load())
	s.Max = math.Float64frombits(h.maxBits.Load())
	s.Mean = s.Sum / float64(cumulative)
	for _, q := range SummaryPercentiles {
		s.Percentiles[q] = h.quantile(raw, cumulative, q, s.Max)
	}
	return s
}

// Quantile estimates the q-th quantile (0 < q <= 1) by linear interpolation
// within the bucket that contains it. It returns 0 for an empty histogram.
func (h *Histogram) Quantile(q float64) float64 {
	raw := h.snapshotCounts()
	var total uint64
	for _, c := range raw {
		total += c
	}
	if total == 0 {
		return 0
	}
	return h.quantile(raw, total, q, math.Float64frombits(h.maxBits.Load()))
}

func (h *Histogram) quantile(raw []uint64, total uint64, q, maxSeen float64) float64 {
	rank := q * float64(total)
	var cumulative uint64
	for i, c := range raw {
		prev := cumulative
		cumulative += c
		if c == 0 || float64(cumulative) < rank {
			continue
		}
		if i >= len(h.bounds) {
			return maxSeen
		}
		lower := 0.0
		if i > 0 {
			lower = h.bounds[i-1]
		}
		fraction := (rank - float64(prev)) / float64(c)
		return lower + fraction*(h.bounds[i]-lower)
	}
	return maxSeen
}

func (h *Histogram) snapshotCounts() []uint64 {
	raw := make([]uint64, len(h.counts))
	for i := range h.counts {
		raw[i] = h.counts[i].Load()
	}
	return raw
}

// Count returns the total number of observations.
func (h *Histogram) Count() uint64 {
	return h.count.Load()
}

// Mean returns the mean of all observations.
func (h *Histogram) Mean() float64 {
	n := h.count.Load()
	if n == 0 {
		return 0
	}
	return math.Float64frombits(h.sumBits.Load()) / float64(n)
}

// Reset clears all observations.
func (h *Histogram) Reset() {
	for i := range h.counts {
		h.counts[i].Store(0)
	}
	h.count.Store(0)
	h.sumBits.Store(0)
	h.resetExtremes()
}
