package spread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadscan/spreadscan/internal/config"
)

func fp(v float64) *float64 { return &v }

func scoringConfig() *config.Config {
	cfg := config.Default()
	cfg.Fees.MakerBps = 2
	cfg.Fees.TakerBps = 4
	cfg.Thresholds.BufferBps = 2
	cfg.Thresholds.EdgeMinBps = 1
	cfg.Thresholds.UptimeMin = 0.8
	cfg.Thresholds.Spread.MedianMinBps = 5
	cfg.Thresholds.Spread.MedianMaxBps = 300
	cfg.Thresholds.Spread.P90MinBps = 0
	cfg.Thresholds.Spread.P90MaxBps = 800
	return cfg
}

func passingStats() Stats {
	return Stats{
		Symbol:       "BTCUSDT",
		SampleCount:  10,
		ValidSamples: 10,
		MedianBps:    fp(10),
		P10Bps:       fp(8),
		P25Bps:       fp(7),
		P90Bps:       fp(12),
		Uptime:       1.0,
	}
}

func TestEdgeFormulas(t *testing.T) {
	cfg := scoringConfig()
	result := ScoreSymbol(passingStats(), cfg)

	require.NotNil(t, result.EdgeMMBps)
	assert.InDelta(t, 4.0, *result.EdgeMMBps, 1e-9)
	require.NotNil(t, result.EdgeMMP25Bps)
	assert.InDelta(t, 1.0, *result.EdgeMMP25Bps, 1e-9)
	require.NotNil(t, result.EdgeMTBps)
	assert.InDelta(t, 2.0, *result.EdgeMTBps, 1e-9)
	require.NotNil(t, result.NetEdgeBps)
	assert.Equal(t, *result.EdgeMMBps, *result.NetEdgeBps)
}

func TestScoreFormula(t *testing.T) {
	cfg := scoringConfig()
	result := ScoreSymbol(passingStats(), cfg)
	// max(edge_mm,0) + uptime*100 - max(p90-p10,0) = 4 + 100 - 4
	assert.InDelta(t, 100.0, result.Score, 1e-9)
}

func TestPassSpreadMatchesFailReasons(t *testing.T) {
	cfg := scoringConfig()

	cases := []struct {
		name   string
		mutate func(*Stats)
		reason string
	}{
		{"passing", func(*Stats) {}, ""},
		{"low uptime", func(s *Stats) { s.Uptime = 0.5 }, ReasonLowUptime},
		{"invalid quotes", func(s *Stats) { s.InvalidQuotes = 1 }, ReasonInvalidQuotes},
		{"insufficient", func(s *Stats) { s.InsufficientSamples = true }, ReasonInsufficientSamples},
		{"median low", func(s *Stats) { s.MedianBps = fp(4) }, ReasonMedianLow},
		{"median high", func(s *Stats) { s.MedianBps = fp(400) }, ReasonMedianHigh},
		{"p90 high", func(s *Stats) { s.P90Bps = fp(900) }, ReasonP90High},
		{"edge low", func(s *Stats) { s.MedianBps = fp(6) }, ReasonEdgeMMLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := passingStats()
			tc.mutate(&stats)
			result := ScoreSymbol(stats, cfg)
			if tc.reason == "" {
				assert.True(t, result.PassSpread)
				assert.Empty(t, result.FailReasons)
			} else {
				assert.False(t, result.PassSpread)
				assert.Contains(t, result.FailReasons, tc.reason)
			}
		})
	}
}

func TestMissingPercentilesFailAsInsufficient(t *testing.T) {
	cfg := scoringConfig()
	stats := passingStats()
	stats.MedianBps = nil
	stats.P90Bps = nil

	result := ScoreSymbol(stats, cfg)
	assert.False(t, result.PassSpread)
	assert.Contains(t, result.FailReasons, ReasonInsufficientSamples)
	// Not duplicated when the flag was already set.
	stats.InsufficientSamples = true
	result = ScoreSymbol(stats, cfg)
	count := 0
	for _, reason := range result.FailReasons {
		if reason == ReasonInsufficientSamples {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMissing24hStatsIsNeverFailReason(t *testing.T) {
	cfg := scoringConfig()
	stats := passingStats()
	stats.Missing24hStats = true
	stats.Missing24hReason = "no_row"

	result := ScoreSymbol(stats, cfg)
	assert.True(t, result.PassSpread)
	assert.NotContains(t, result.FailReasons, "missing_24h_stats")
}

func TestSortResults(t *testing.T) {
	results := []ScoreResult{
		{Symbol: "B", Score: 10},
		{Symbol: "A", Score: 10},
		{Symbol: "C", Score: 50},
	}
	SortResults(results)
	assert.Equal(t, []string{"C", "A", "B"}, []string{results[0].Symbol, results[1].Symbol, results[2].Symbol})
}

func TestCollectScoringMetrics(t *testing.T) {
	results := []ScoreResult{
		{PassSpread: true},
		{PassSpread: false, Stats: Stats{InsufficientSamples: true}},
		{PassSpread: false},
	}
	m := CollectScoringMetrics(results)
	assert.Equal(t, 1, m.SymbolsPassSpread)
	assert.Equal(t, 2, m.SymbolsFailSpread)
	assert.Equal(t, 1, m.SymbolsInsufficientSamples)
}
