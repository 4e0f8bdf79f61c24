package artifacts

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SummaryColumns is the canonical header of summary.csv.
var SummaryColumns = []string{
	"symbol",
	"spread_median_bps",
	"spread_p25_bps",
	"spread_p10_bps",
	"spread_p90_bps",
	"uptime",
	"quoteVolume_24h",
	"quoteVolume_24h_raw",
	"volume_24h_raw",
	"mid_price",
	"quoteVolume_24h_est",
	"quoteVolume_24h_effective",
	"used_quote_volume_estimate",
	"trades_24h",
	"trade_count_missing",
	"missing_24h_stats",
	"missing_24h_reason",
	"edge_mm_bps",
	"edge_mm_p25_bps",
	"edge_mt_bps",
	"net_edge_bps",
	"pass_spread",
	"score",
	"fail_reasons",
}

// FormatBand renders a band width for column names: 10.0 -> "10".
func FormatBand(bandBps float64) string {
	return strconv.FormatFloat(bandBps, 'f', -1, 64)
}

// BandColumn names the per-band median column in depth artifacts.
func BandColumn(bandBps float64) string {
	return fmt.Sprintf("band_bid_notional_median_%sbps", FormatBand(bandBps))
}

// DepthMetricsColumns is the canonical header of depth_metrics.csv; band
// columns sit between the aggregate medians and the per-criterion flags.
func DepthMetricsColumns(bandBps []float64) []string {
	head := []string{
		"symbol",
		"sample_count",
		"valid_samples",
		"empty_book_count",
		"invalid_book_count",
		"symbol_unavailable_count",
		"best_bid_notional_median",
		"best_ask_notional_median",
		"topn_bid_notional_median",
		"topn_ask_notional_median",
	}
	tail := []string{
		"unwind_slippage_p90_bps",
		"uptime",
		"best_bid_notional_pass",
		"best_ask_notional_pass",
		"unwind_slippage_pass",
		"band_10bps_notional_pass",
		"topn_notional_pass",
		"pass_depth",
		"depth_fail_reasons",
	}
	columns := make([]string, 0, len(head)+len(bandBps)+len(tail))
	columns = append(columns, head...)
	for _, band := range bandBps {
		columns = append(columns, BandColumn(band))
	}
	return append(columns, tail...)
}

// ValidateUniverse checks universe.json structure; strict mode also requires
// a non-empty symbol list.
func ValidateUniverse(path string, strict bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("missing file: %s", filepath.Base(path))
	}
	var payload struct {
		Symbols *[]string `json:"symbols"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("invalid JSON in %s: %w", filepath.Base(path), err)
	}
	if payload.Symbols == nil {
		return fmt.Errorf("universe symbols missing: %s", filepath.Base(path))
	}
	if strict && len(*payload.Symbols) == 0 {
		return fmt.Errorf("universe symbols empty: %s", filepath.Base(path))
	}
	return nil
}

// ValidateSummaryCSV checks summary.csv columns; strict requires data rows.
func ValidateSummaryCSV(path string, strict bool) error {
	return csvHasColumns(path, SummaryColumns, strict)
}

// ValidateDepthMetrics checks depth_metrics.csv columns including the band
// columns for the configured widths; strict requires data rows.
func ValidateDepthMetrics(path string, bandBps []float64, strict bool) error {
	return csvHasColumns(path, DepthMetricsColumns(bandBps), strict)
}

// ValidateReport checks report.md exists; strict requires non-blank content.
func ValidateReport(path string, strict bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("missing file: %s", filepath.Base(path))
	}
	if strict && strings.TrimSpace(string(data)) == "" {
		return fmt.Errorf("report is empty: %s", filepath.Base(path))
	}
	return nil
}

// Exists checks plain file presence, for artifacts with no schema contract.
func Exists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("missing file: %s", filepath.Base(path))
	}
	return nil
}

func csvHasColumns(path string, columns []string, requireRows bool) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("missing file: %s", filepath.Base(path))
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("missing CSV header: %s", filepath.Base(path))
	}
	present := make(map[string]bool, len(header))
	for _, col := range header {
		present[col] = true
	}
	var missing []string
	for _, col := range columns {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing columns in %s: %s", filepath.Base(path), strings.Join(missing, ", "))
	}
	if requireRows {
		if _, err := reader.Read(); err == io.EOF {
			return fmt.Errorf("CSV has no rows: %s", filepath.Base(path))
		} else if err != nil {
			return fmt.Errorf("unreadable CSV row in %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}
