package stats

import (
	"math"
	"sync"
)

// Histogram counts samples into fixed-width bins. The last bin collects
// everything at or above its lower bound.
type Histogram struct {
	Width float64 `json:"width"`
	Bins  []int64 `json:"bins"`
}

func newHistogram(width float64, bins int) *Histogram {
	if width <= 0 {
		width = 1
	}
	if bins <= 0 {
		bins = 1
	}
	return &Histogram{Width: width, Bins: make([]int64, bins)}
}

func (h *Histogram) add(value float64) {
	idx := 0
	if value > 0 {
		idx = int(value / h.Width)
	}
	if idx >= len(h.Bins) {
		idx = len(h.Bins) - 1
	}
	h.Bins[idx]++
}

func (h *Histogram) merge(other *Histogram) {
	for i := range h.Bins {
		if i < len(other.Bins) {
			h.Bins[i] += other.Bins[i]
		}
	}
}

func (h *Histogram) clone() *Histogram {
	bins := make([]int64, len(h.Bins))
	copy(bins, h.Bins)
	return &Histogram{Width: h.Width, Bins: bins}
}

// Accumulator aggregates a numeric stream into count, mean, and variance
// using Welford's online update, plus a fixed-width histogram. Adds are
// safe from concurrent producers and the final aggregate is independent of
// arrival order.
type Accumulator struct {
	mu    sync.Mutex
	count int64
	mean  float64
	m2    float64
	hist  *Histogram
}

// NewAccumulator returns an accumulator with a histogram of the given
// bin width and bin count.
func NewAccumulator(binWidth float64, binCount int) *Accumulator {
	return &Accumulator{hist: newHistogram(binWidth, binCount)}
}

// Add folds one sample into the aggregate.
func (a *Accumulator) Add(value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	delta := value - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (value - a.mean)
	a.hist.add(value)
}

// Merge folds another accumulator into this one using the parallel
// variance combination, so shards accumulated independently converge to
// the same aggregate as a single sequential stream.
func (a *Accumulator) Merge(other *Accumulator) {
	other.mu.Lock()
	count, mean, m2 := other.count, other.mean, other.m2
	hist := other.hist.clone()
	other.mu.Unlock()

	if count == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 {
		a.count, a.mean, a.m2 = count, mean, m2
		a.hist.merge(hist)
		return
	}

	total := a.count + count
	delta := mean - a.mean
	a.mean += delta * float64(count) / float64(total)
	a.m2 += m2 + delta*delta*float64(a.count)*float64(count)/float64(total)
	a.count = total
	a.hist.merge(hist)
}

// Count returns the number of samples seen.
func (a *Accumulator) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Mean returns the running mean, or 0 before any samples.
func (a *Accumulator) Mean() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mean
}

// Stdev returns the population standard deviation (divide by N).
func (a *Accumulator) Stdev() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return 0
	}
	return math.Sqrt(a.m2 / float64(a.count))
}

// Histogram returns a copy of the current bin counts.
func (a *Accumulator) Histogram() *Histogram {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hist.clone()
}

// MetricSummary is a point-in-time copy of an accumulator's aggregate.
type MetricSummary struct {
	Num       int64      `json:"num"`
	Mean      float64    `json:"mean"`
	Stdev     float64    `json:"stdev"`
	Histogram *Histogram `json:"histogram"`
}

// Summary returns a consistent snapshot of the aggregate.
func (a *Accumulator) Summary() MetricSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	stdev := 0.0
	if a.count > 0 {
		stdev = math.Sqrt(a.m2 / float64(a.count))
	}
	return MetricSummary{
		Num:       a.count,
		Mean:      a.mean,
		Stdev:     stdev,
		Histogram: a.hist.clone(),
	}
}
