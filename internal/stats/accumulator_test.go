package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const tolerance = 1e-7

func TestAccumulatorExactness(t *testing.T) {
	cases := []struct {
		name      string
		scale     float64
		wantMean  float64
		wantStdev float64
	}{
		{"user_cpu", 1, 5.5, 2.8722813},
		{"system_cpu", 2, 11, 5.7445626},
		{"network_bytes", 3, 16.5, 8.6168440},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			acc := NewAccumulator(1, 40)
			for i := 1; i <= 10; i++ {
				acc.Add(tc.scale * float64(i))
			}

			require.Equal(t, int64(10), acc.Count())
			require.InDelta(t, tc.wantMean, acc.Mean(), tolerance)
			require.InDelta(t, tc.wantStdev, acc.Stdev(), tolerance)
		})
	}
}

func TestAccumulatorEmpty(t *testing.T) {
	acc := NewAccumulator(1, 10)
	require.Equal(t, int64(0), acc.Count())
	require.Equal(t, 0.0, acc.Mean())
	require.Equal(t, 0.0, acc.Stdev())
}

func TestAccumulatorOrderIndependence(t *testing.T) {
	forward := NewAccumulator(1, 10)
	reverse := NewAccumulator(1, 10)

	for i := 1; i <= 100; i++ {
		forward.Add(float64(i))
		reverse.Add(float64(101 - i))
	}

	require.InDelta(t, forward.Mean(), reverse.Mean(), tolerance)
	require.InDelta(t, forward.Stdev(), reverse.Stdev(), tolerance)
}

func TestAccumulatorConcurrentAdds(t *testing.T) {
	sequential := NewAccumulator(1, 10)
	for i := 1; i <= 400; i++ {
		sequential.Add(float64(i % 20))
	}

	concurrent := NewAccumulator(1, 10)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			<-start
			for i := 1; i <= 100; i++ {
				concurrent.Add(float64((offset*100 + i) % 20))
			}
		}(w)
	}
	close(start)
	wg.Wait()

	require.Equal(t, sequential.Count(), concurrent.Count())
	require.InDelta(t, sequential.Mean(), concurrent.Mean(), tolerance)
	require.InDelta(t, sequential.Stdev(), concurrent.Stdev(), tolerance)
}

func TestAccumulatorMergeMatchesSequential(t *testing.T) {
	sequential := NewAccumulator(1, 10)
	shards := []*Accumulator{
		NewAccumulator(1, 10),
		NewAccumulator(1, 10),
		NewAccumulator(1, 10),
	}

	for i := 1; i <= 90; i++ {
		v := float64(i) * 0.25
		sequential.Add(v)
		shards[i%3].Add(v)
	}

	merged := NewAccumulator(1, 10)
	for _, shard := range shards {
		merged.Merge(shard)
	}

	require.Equal(t, sequential.Count(), merged.Count())
	require.InDelta(t, sequential.Mean(), merged.Mean(), tolerance)
	require.InDelta(t, sequential.Stdev(), merged.Stdev(), tolerance)

	seqSummary := sequential.Summary()
	mergedSummary := merged.Summary()
	require.Equal(t, seqSummary.Histogram.Bins, mergedSummary.Histogram.Bins)
}

func TestHistogramBinning(t *testing.T) {
	acc := NewAccumulator(2, 5)
	for _, v := range []float64{0, 1.9, 2, 5.5, 100} {
		acc.Add(v)
	}

	hist := acc.Histogram()
	require.Equal(t, []int64{2, 1, 1, 0, 1}, hist.Bins)
	require.Equal(t, hist.Bins, acc.Summary().Histogram.Bins)
}
