package spread

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/spreadscan/spreadscan/internal/artifacts"
)

const exportProgressEvery = 200

// SummaryRow is one scored symbol as serialized to summary.json.
type SummaryRow struct {
	Symbol                  string   `json:"symbol"`
	SpreadMedianBps         *float64 `json:"spread_median_bps"`
	SpreadP25Bps            *float64 `json:"spread_p25_bps"`
	SpreadP10Bps            *float64 `json:"spread_p10_bps"`
	SpreadP90Bps            *float64 `json:"spread_p90_bps"`
	Uptime                  float64  `json:"uptime"`
	QuoteVolume24h          *float64 `json:"quoteVolume_24h"`
	QuoteVolume24hRaw       *float64 `json:"quoteVolume_24h_raw"`
	Volume24hRaw            *float64 `json:"volume_24h_raw"`
	MidPrice                *float64 `json:"mid_price"`
	QuoteVolume24hEst       *float64 `json:"quoteVolume_24h_est"`
	QuoteVolume24hEffective *float64 `json:"quoteVolume_24h_effective"`
	UsedQuoteVolumeEstimate bool     `json:"used_quote_volume_estimate"`
	Trades24h               *int64   `json:"trades_24h"`
	TradeCountMissing       bool     `json:"trade_count_missing"`
	Missing24hStats         bool     `json:"missing_24h_stats"`
	Missing24hReason        string   `json:"missing_24h_reason,omitempty"`
	EdgeMMBps               *float64 `json:"edge_mm_bps"`
	EdgeMMP25Bps            *float64 `json:"edge_mm_p25_bps"`
	EdgeMTBps               *float64 `json:"edge_mt_bps"`
	NetEdgeBps              *float64 `json:"net_edge_bps"`
	PassSpread              bool     `json:"pass_spread"`
	Score                   float64  `json:"score"`
	FailReasons             []string `json:"fail_reasons"`
}

// NewSummaryRow flattens one ScoreResult for export.
func NewSummaryRow(result ScoreResult) SummaryRow {
	stats := result.Stats
	failReasons := result.FailReasons
	if failReasons == nil {
		failReasons = []string{}
	}
	return SummaryRow{
		Symbol:                  result.Symbol,
		SpreadMedianBps:         stats.MedianBps,
		SpreadP25Bps:            stats.P25Bps,
		SpreadP10Bps:            stats.P10Bps,
		SpreadP90Bps:            stats.P90Bps,
		Uptime:                  stats.Uptime,
		QuoteVolume24h:          stats.QuoteVolume24h,
		QuoteVolume24hRaw:       stats.QuoteVolume24hRaw,
		Volume24hRaw:            stats.Volume24hRaw,
		MidPrice:                stats.MidPrice,
		QuoteVolume24hEst:       stats.QuoteVolume24hEst,
		QuoteVolume24hEffective: stats.QuoteVolume24hEffective,
		UsedQuoteVolumeEstimate: stats.QuoteVolume24hEst != nil && stats.QuoteVolume24hRaw == nil,
		Trades24h:               stats.Trades24h,
		TradeCountMissing:       stats.Trades24h == nil,
		Missing24hStats:         stats.Missing24hStats,
		Missing24hReason:        stats.Missing24hReason,
		EdgeMMBps:               result.EdgeMMBps,
		EdgeMMP25Bps:            result.EdgeMMP25Bps,
		EdgeMTBps:               result.EdgeMTBps,
		NetEdgeBps:              result.NetEdgeBps,
		PassSpread:              result.PassSpread,
		Score:                   result.Score,
		FailReasons:             failReasons,
	}
}

// ExportSummary writes summary.csv and summary.json sorted by descending
// score, symbol ascending.
func ExportSummary(csvPath, jsonPath string, results []ScoreResult, log zerolog.Logger) error {
	sorted := make([]ScoreResult, len(results))
	copy(sorted, results)
	SortResults(sorted)

	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("create summary.csv: %w", err)
	}
	writer := csv.NewWriter(file)
	if err := writer.Write(artifacts.SummaryColumns); err != nil {
		file.Close()
		return err
	}
	rows := make([]SummaryRow, 0, len(sorted))
	for idx, result := range sorted {
		row := NewSummaryRow(result)
		rows = append(rows, row)
		if err := writer.Write(csvRecord(row)); err != nil {
			file.Close()
			return fmt.Errorf("write summary row %s: %w", row.Symbol, err)
		}
		if (idx+1)%exportProgressEvery == 0 {
			log.Info().
				Str("event", "export_progress").
				Str("file", "summary.csv").
				Int("row_idx", idx+1).
				Str("symbol", row.Symbol).
				Msg("summary export progress")
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("flush summary.csv: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}

	return artifacts.WriteJSONAtomic(jsonPath, rows)
}

func csvRecord(row SummaryRow) []string {
	return []string{
		row.Symbol,
		fmtOptFloat(row.SpreadMedianBps),
		fmtOptFloat(row.SpreadP25Bps),
		fmtOptFloat(row.SpreadP10Bps),
		fmtOptFloat(row.SpreadP90Bps),
		fmtFloat(row.Uptime),
		fmtOptFloat(row.QuoteVolume24h),
		fmtOptFloat(row.QuoteVolume24hRaw),
		fmtOptFloat(row.Volume24hRaw),
		fmtOptFloat(row.MidPrice),
		fmtOptFloat(row.QuoteVolume24hEst),
		fmtOptFloat(row.QuoteVolume24hEffective),
		strconv.FormatBool(row.UsedQuoteVolumeEstimate),
		fmtOptInt(row.Trades24h),
		strconv.FormatBool(row.TradeCountMissing),
		strconv.FormatBool(row.Missing24hStats),
		row.Missing24hReason,
		fmtOptFloat(row.EdgeMMBps),
		fmtOptFloat(row.EdgeMMP25Bps),
		fmtOptFloat(row.EdgeMTBps),
		fmtOptFloat(row.NetEdgeBps),
		strconv.FormatBool(row.PassSpread),
		fmtFloat(row.Score),
		joinReasons(row.FailReasons),
	}
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

func fmtOptInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
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
