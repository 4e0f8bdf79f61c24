package depth

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spreadscan/spreadscan/internal/artifacts"
	"github.com/spreadscan/spreadscan/internal/spread"
)

// PassTotal is the final verdict for one symbol: the spread and depth
// conjunctions plus the minimum maker/maker edge.
func PassTotal(score spread.ScoreResult, depth *SymbolMetrics, edgeMinBps float64) bool {
	if depth == nil || !score.PassSpread || !depth.PassDepth {
		return false
	}
	return score.EdgeMMBps != nil && *score.EdgeMMBps >= edgeMinBps
}

// ExportDepthMetrics writes depth_metrics.csv sorted by symbol. The band
// columns follow the configured widths.
func ExportDepthMetrics(path string, results []SymbolMetrics, bandBps []float64) error {
	sorted := make([]SymbolMetrics, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Symbol < sorted[j].Symbol })

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create depth_metrics.csv: %w", err)
	}
	writer := csv.NewWriter(file)
	if err := writer.Write(artifacts.DepthMetricsColumns(bandBps)); err != nil {
		file.Close()
		return err
	}
	for _, result := range sorted {
		record := []string{
			result.Symbol,
			strconv.Itoa(result.SampleCount),
			strconv.Itoa(result.ValidSamples),
			strconv.Itoa(result.EmptyBookCount),
			strconv.Itoa(result.InvalidBookCount),
			strconv.Itoa(result.SymbolUnavailableCount),
			fmtOptFloat(result.BestBidNotionalMedian),
			fmtOptFloat(result.BestAskNotionalMedian),
			fmtOptFloat(result.TopNBidNotionalMedian),
			fmtOptFloat(result.TopNAskNotionalMedian),
		}
		record = append(record, bandRecord(result.BandBidNotionalMedian, bandBps)...)
		record = append(record,
			fmtOptFloat(result.UnwindSlippageP90Bps),
			fmtFloat(result.Uptime),
			strconv.FormatBool(result.BestBidNotionalPass),
			strconv.FormatBool(result.BestAskNotionalPass),
			strconv.FormatBool(result.UnwindSlippagePass),
			fmtOptBool(result.Band10NotionalPass),
			fmtOptBool(result.TopNNotionalPass),
			strconv.FormatBool(result.PassDepth),
			joinReasons(result.FailReasons),
		)
		if err := writer.Write(record); err != nil {
			file.Close()
			return fmt.Errorf("write depth row %s: %w", result.Symbol, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("flush depth_metrics.csv: %w", err)
	}
	return file.Close()
}

// EnrichedColumns is the summary_enriched.csv header for the given bands.
func EnrichedColumns(bandBps []float64) []string {
	columns := []string{
		"symbol",
		"score",
		"pass_spread",
		"pass_depth",
		"pass_total",
		"best_bid_notional_median",
		"best_ask_notional_median",
		"topn_bid_notional_median",
		"topn_ask_notional_median",
		"unwind_slippage_p90_bps",
	}
	for _, band := range bandBps {
		columns = append(columns, artifacts.BandColumn(band))
	}
	return append(columns, "depth_fail_reasons")
}

// ExportSummaryEnriched joins the scored spread results with the depth
// outcomes, sorted by descending score. Symbols never sampled for depth get
// the no_depth_data marker and a false verdict.
func ExportSummaryEnriched(path string, scores []spread.ScoreResult, results []SymbolMetrics, bandBps []float64, edgeMinBps float64) error {
	bySymbol := make(map[string]*SymbolMetrics, len(results))
	for i := range results {
		bySymbol[results[i].Symbol] = &results[i]
	}

	sorted := make([]spread.ScoreResult, len(scores))
	copy(sorted, scores)
	spread.SortResults(sorted)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create summary_enriched.csv: %w", err)
	}
	writer := csv.NewWriter(file)
	if err := writer.Write(EnrichedColumns(bandBps)); err != nil {
		file.Close()
		return err
	}
	for _, score := range sorted {
		depth := bySymbol[score.Symbol]
		passDepth := depth != nil && depth.PassDepth
		record := []string{
			score.Symbol,
			fmtFloat(score.Score),
			strconv.FormatBool(score.PassSpread),
			strconv.FormatBool(passDepth),
			strconv.FormatBool(PassTotal(score, depth, edgeMinBps)),
		}
		if depth != nil {
			record = append(record,
				fmtOptFloat(depth.BestBidNotionalMedian),
				fmtOptFloat(depth.BestAskNotionalMedian),
				fmtOptFloat(depth.TopNBidNotionalMedian),
				fmtOptFloat(depth.TopNAskNotionalMedian),
				fmtOptFloat(depth.UnwindSlippageP90Bps),
			)
			record = append(record, bandRecord(depth.BandBidNotionalMedian, bandBps)...)
			record = append(record, joinReasons(depth.FailReasons))
		} else {
			for i := 0; i < 5+len(bandBps); i++ {
				record = append(record, "")
			}
			record = append(record, "no_depth_data")
		}
		if err := writer.Write(record); err != nil {
			file.Close()
			return fmt.Errorf("write enriched row %s: %w", score.Symbol, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("flush summary_enriched.csv: %w", err)
	}
	return file.Close()
}

func bandRecord(medians map[string]float64, bandBps []float64) []string {
	record := make([]string, 0, len(bandBps))
	for _, band := range bandBps {
		if value, ok := medians[artifacts.FormatBand(band)]; ok {
			record = append(record, fmtFloat(value))
		} else {
			record = append(record, "")
		}
	}
	return record
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func fmtOptFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return fmtFloat(*v)
}

func fmtOptBool(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func joinReasons(reasons []string) string {
	out := ""
	for i, reason := range reasons {
		if i > 0 {
			out += ";"
		}
		out += reason
	}
	return out
}
