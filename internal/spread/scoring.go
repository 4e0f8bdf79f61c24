package spread

import (
	"sort"

	"github.com/spreadscan/spreadscan/internal/config"
)

// Spread-stage fail reason codes, in evaluation order.
const (
	ReasonInsufficientSamples = "insufficient_samples"
	ReasonInvalidQuotes       = "invalid_quotes"
	ReasonLowUptime           = "low_uptime"
	ReasonMedianLow           = "spread_median_low"
	ReasonMedianHigh          = "spread_median_high"
	ReasonP90Low              = "spread_p90_low"
	ReasonP90High             = "spread_p90_high"
	ReasonEdgeMMLow           = "edge_mm_low"
)

// ScoreResult is the scored outcome for one symbol.
type ScoreResult struct {
	Symbol       string
	Stats        Stats
	EdgeMMBps    *float64
	EdgeMMP25Bps *float64
	EdgeMTBps    *float64
	NetEdgeBps   *float64
	PassSpread   bool
	Score        float64
	FailReasons  []string
}

func edgeFrom(spreadBps *float64, fees float64, buffer float64) *float64 {
	if spreadBps == nil {
		return nil
	}
	v := *spreadBps - fees - buffer
	return &v
}

// ScoreSymbol evaluates one symbol's statistics against the configured
// thresholds and fee structure. missing_24h_stats never contributes a fail
// reason: null 24h fields are valid API responses, and truly absent data was
// already filtered in the universe stage.
func ScoreSymbol(stats Stats, cfg *config.Config) ScoreResult {
	symbol := stats.Symbol
	if symbol == "" {
		symbol = "UNKNOWN"
	}

	thresholds := cfg.Thresholds
	var failReasons []string
	if stats.InsufficientSamples {
		failReasons = append(failReasons, ReasonInsufficientSamples)
	}
	if stats.InvalidQuotes > 0 {
		failReasons = append(failReasons, ReasonInvalidQuotes)
	}
	if stats.Uptime < thresholds.UptimeMin {
		failReasons = append(failReasons, ReasonLowUptime)
	}

	if stats.MedianBps == nil || stats.P90Bps == nil {
		if !stats.InsufficientSamples {
			failReasons = append(failReasons, ReasonInsufficientSamples)
		}
	} else {
		if *stats.MedianBps < thresholds.Spread.MedianMinBps {
			failReasons = append(failReasons, ReasonMedianLow)
		}
		if *stats.MedianBps > thresholds.Spread.MedianMaxBps {
			failReasons = append(failReasons, ReasonMedianHigh)
		}
		if *stats.P90Bps < thresholds.Spread.P90MinBps {
			failReasons = append(failReasons, ReasonP90Low)
		}
		if *stats.P90Bps > thresholds.Spread.P90MaxBps {
			failReasons = append(failReasons, ReasonP90High)
		}
	}

	// edge_mm is the maker/maker model: maker fee on both legs.
	edgeMM := edgeFrom(stats.MedianBps, 2*cfg.Fees.MakerBps, thresholds.BufferBps)
	if edgeMM != nil && *edgeMM < thresholds.EdgeMinBps {
		failReasons = append(failReasons, ReasonEdgeMMLow)
	}
	edgeMMP25 := edgeFrom(stats.P25Bps, 2*cfg.Fees.MakerBps, thresholds.BufferBps)
	// edge_mt covers the emergency taker exit.
	edgeMT := edgeFrom(stats.MedianBps, cfg.Fees.MakerBps+cfg.Fees.TakerBps, thresholds.BufferBps)
	netEdge := edgeMM

	volatilityPenalty := 0.0
	if stats.P90Bps != nil && stats.P10Bps != nil {
		if penalty := *stats.P90Bps - *stats.P10Bps; penalty > 0 {
			volatilityPenalty = penalty
		}
	}
	baseEdge := 0.0
	if edgeMM != nil && *edgeMM > 0 {
		baseEdge = *edgeMM
	}
	score := baseEdge + stats.Uptime*100 - volatilityPenalty

	passSpread := stats.MedianBps != nil &&
		stats.P90Bps != nil &&
		stats.Uptime >= thresholds.UptimeMin &&
		stats.InvalidQuotes == 0 &&
		!stats.InsufficientSamples &&
		*stats.MedianBps >= thresholds.Spread.MedianMinBps &&
		*stats.MedianBps <= thresholds.Spread.MedianMaxBps &&
		*stats.P90Bps >= thresholds.Spread.P90MinBps &&
		*stats.P90Bps <= thresholds.Spread.P90MaxBps &&
		edgeMM != nil &&
		*edgeMM >= thresholds.EdgeMinBps

	return ScoreResult{
		Symbol:       symbol,
		Stats:        stats,
		EdgeMMBps:    edgeMM,
		EdgeMMP25Bps: edgeMMP25,
		EdgeMTBps:    edgeMT,
		NetEdgeBps:   netEdge,
		PassSpread:   passSpread,
		Score:        score,
		FailReasons:  failReasons,
	}
}

// SortResults orders scored results by descending score, symbol ascending.
func SortResults(results []ScoreResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Symbol < results[j].Symbol
	})
}

// ScoringMetrics summarizes scored results for pipeline state.
type ScoringMetrics struct {
	SymbolsPassSpread          int `json:"symbols_pass_spread"`
	SymbolsFailSpread          int `json:"symbols_fail_spread"`
	SymbolsInsufficientSamples int `json:"symbols_insufficient_samples"`
}

// CollectScoringMetrics counts pass/fail and data-quality outcomes.
func CollectScoringMetrics(results []ScoreResult) ScoringMetrics {
	var m ScoringMetrics
	for _, result := range results {
		if result.PassSpread {
			m.SymbolsPassSpread++
		} else {
			m.SymbolsFailSpread++
		}
		if result.Stats.InsufficientSamples {
			m.SymbolsInsufficientSamples++
		}
	}
	return m
}
