package spread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentileInterpolation(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}

	cases := []struct {
		q    float64
		want float64
	}{
		{0.50, 30.0},
		{0.10, 14.0},
		{0.25, 20.0},
		{0.90, 46.0},
		{0, 10.0},
		{1, 50.0},
	}
	for _, tc := range cases {
		got, err := Percentile(sorted, tc.q)
		require.NoError(t, err)
		assert.InDelta(t, tc.want, got, 1e-9, "q=%v", tc.q)
	}
}

func TestPercentileDegenerate(t *testing.T) {
	_, err := Percentile(nil, 0.5)
	assert.Error(t, err)

	got, err := Percentile([]float64{7.5}, 0.9)
	require.NoError(t, err)
	assert.Equal(t, 7.5, got)

	_, err = Percentile([]float64{1, 2}, 1.5)
	assert.Error(t, err)
}

func TestSpreadBps(t *testing.T) {
	got, err := SpreadBps(100.0, 100.10)
	require.NoError(t, err)
	assert.InDelta(t, 9.995, got, 0.001)

	_, err = SpreadBps(100.0, 100.0)
	assert.ErrorIs(t, err, ErrInvalidQuote)
	_, err = SpreadBps(100.1, 100.0)
	assert.ErrorIs(t, err, ErrInvalidQuote)
	_, err = SpreadBps(-2, 1)
	assert.ErrorIs(t, err, ErrInvalidQuote)
}

func TestComputeStats(t *testing.T) {
	samples := []Sample{
		{Symbol: "BTCUSDT", Bid: 100, Ask: 100.1},
		{Symbol: "BTCUSDT", Bid: 100, Ask: 100.2},
		{Symbol: "BTCUSDT", Bid: 100, Ask: 100.3},
		{Symbol: "BTCUSDT", Bid: 100.5, Ask: 100.2}, // crossed
	}
	stats, err := ComputeStats(samples)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", stats.Symbol)
	assert.Equal(t, 4, stats.SampleCount)
	assert.Equal(t, 3, stats.ValidSamples)
	assert.Equal(t, 1, stats.InvalidQuotes)
	assert.InDelta(t, 0.75, stats.Uptime, 1e-9)
	assert.False(t, stats.InsufficientSamples)
	require.NotNil(t, stats.MedianBps)

	// Percentile ordering holds whenever all are defined.
	assert.LessOrEqual(t, *stats.P10Bps, *stats.P25Bps)
	assert.LessOrEqual(t, *stats.P25Bps, *stats.MedianBps)
	assert.LessOrEqual(t, *stats.MedianBps, *stats.P90Bps)
}

func TestComputeStatsAllInvalid(t *testing.T) {
	stats, err := ComputeStats([]Sample{
		{Symbol: "X", Bid: 2, Ask: 1},
		{Symbol: "X", Bid: 3, Ask: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ValidSamples)
	assert.Equal(t, 2, stats.InvalidQuotes)
	assert.Nil(t, stats.MedianBps)
	assert.Nil(t, stats.P90Bps)
	assert.True(t, stats.InsufficientSamples)
	assert.Equal(t, 0.0, stats.Uptime)
}

func TestComputeStatsInsufficientBoundary(t *testing.T) {
	stats, err := ComputeStats([]Sample{
		{Symbol: "X", Bid: 100, Ask: 100.1},
		{Symbol: "X", Bid: 100, Ask: 100.1},
	})
	require.NoError(t, err)
	assert.True(t, stats.InsufficientSamples, "2 < MinSampleCount")

	stats, err = ComputeStats([]Sample{
		{Symbol: "X", Bid: 100, Ask: 100.1},
		{Symbol: "X", Bid: 100, Ask: 100.1},
		{Symbol: "X", Bid: 100, Ask: 100.1},
	})
	require.NoError(t, err)
	assert.False(t, stats.InsufficientSamples)
}

func TestComputeStatsEmpty(t *testing.T) {
	_, err := ComputeStats(nil)
	assert.Error(t, err)
}
