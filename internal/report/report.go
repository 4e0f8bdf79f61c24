// Package report renders report.md and shortlist.csv from the run's
// artifacts: summary rows, optional depth results, pipeline state, and
// the API health counters.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/spreadscan/spreadscan/internal/artifacts"
	"github.com/spreadscan/spreadscan/internal/config"
	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/spread"
	"github.com/spreadscan/spreadscan/internal/version"
)

// ShortlistColumns is the shortlist.csv header.
var ShortlistColumns = []string{
	"symbol", "score", "pass_spread", "pass_depth", "pass_total",
	"spread_median_bps", "spread_p90_bps", "edge_mm_bps",
	"best_bid_notional_median", "best_ask_notional_median",
	"unwind_slippage_p90_bps", "fail_reasons",
}

// candidate joins one symbol's spread scoring with its depth outcome.
type candidate struct {
	Symbol          string
	Score           float64
	PassSpread      bool
	PassDepth       *bool
	PassTotal       bool
	SpreadMedianBps *float64
	SpreadP90Bps    *float64
	EdgeMMP25Bps    *float64
	EdgeMMBps       *float64
	BestBidNotional *float64
	BestAskNotional *float64
	SlippageP90Bps  *float64
	FailReasons     []string
}

type depthRow struct {
	Symbol                string
	PassDepth             bool
	Uptime                *float64
	BestBidNotionalMedian *float64
	BestAskNotionalMedian *float64
	UnwindSlippageP90Bps  *float64
	FailReasons           []string
}

type enrichedRow struct {
	Symbol     string
	Score      float64
	PassSpread bool
	PassDepth  *bool
	PassTotal  bool
}

// depthStageInfo is what the report shows about the depth stage's run.
type depthStageInfo struct {
	Status   string
	TimedOut bool
	ElapsedS *float64
}

// Generate renders report.md and shortlist.csv into the run directory.
// summary.json and run_meta.json are required; depth artifacts and
// pipeline state enrich the report when present.
func Generate(layout artifacts.Layout, cfg *config.Config, store *metrics.Store, log zerolog.Logger) error {
	meta, err := artifacts.ReadRunMeta(layout)
	if err != nil {
		return fmt.Errorf("load run_meta.json: %w", err)
	}
	summaryRows, err := spread.LoadSummary(layout.Path(artifacts.FileSummaryJSON))
	if err != nil {
		return fmt.Errorf("load summary.json: %w", err)
	}

	depthRows := readDepthRows(layout.Path(artifacts.FileDepthMetrics))
	enriched := readEnrichedRows(layout.Path(artifacts.FileSummaryEnriched))
	depthStage := readDepthStage(layout.Path(artifacts.FilePipelineState))
	health := store.Health()

	candidates := buildCandidates(summaryRows, depthRows, enriched, cfg)

	body := render(meta, cfg, summaryRows, depthRows, enriched, depthStage, health, candidates)
	reportPath := layout.Path(artifacts.FileReport)
	if err := artifacts.WriteFileAtomic(reportPath, []byte(body)); err != nil {
		return fmt.Errorf("write report.md: %w", err)
	}
	if err := writeShortlist(layout.Path(artifacts.FileShortlist), candidates, cfg.Report.TopN); err != nil {
		return err
	}

	log.Info().Str("event", "report_generated").
		Str("path", reportPath).
		Int("candidates", len(candidates)).
		Msg("report written")
	return nil
}

// buildCandidates prefers summary_enriched.csv (which carries the depth
// verdicts); without it the spread summary alone decides, using the edge
// floor as the total gate.
func buildCandidates(summaryRows []spread.SummaryRow, depthRows []depthRow, enriched []enrichedRow, cfg *config.Config) []candidate {
	summaryBySymbol := make(map[string]spread.SummaryRow, len(summaryRows))
	for _, row := range summaryRows {
		summaryBySymbol[row.Symbol] = row
	}
	depthBySymbol := make(map[string]depthRow, len(depthRows))
	for _, row := range depthRows {
		depthBySymbol[row.Symbol] = row
	}

	var candidates []candidate
	if len(enriched) > 0 {
		for _, row := range enriched {
			summary, ok := summaryBySymbol[row.Symbol]
			if !ok {
				continue
			}
			c := candidate{
				Symbol:          row.Symbol,
				Score:           row.Score,
				PassSpread:      row.PassSpread,
				PassDepth:       row.PassDepth,
				PassTotal:       row.PassTotal,
				SpreadMedianBps: summary.SpreadMedianBps,
				SpreadP90Bps:    summary.SpreadP90Bps,
				EdgeMMP25Bps:    summary.EdgeMMP25Bps,
				EdgeMMBps:       summary.EdgeMMBps,
				FailReasons:     append([]string{}, summary.FailReasons...),
			}
			if depth, ok := depthBySymbol[row.Symbol]; ok {
				c.BestBidNotional = depth.BestBidNotionalMedian
				c.BestAskNotional = depth.BestAskNotionalMedian
				c.SlippageP90Bps = depth.UnwindSlippageP90Bps
				c.FailReasons = append(c.FailReasons, depth.FailReasons...)
			}
			candidates = append(candidates, c)
		}
		return candidates
	}

	for _, summary := range summaryRows {
		passTotal := summary.PassSpread &&
			summary.EdgeMMBps != nil && *summary.EdgeMMBps >= cfg.Thresholds.EdgeMinBps
		candidates = append(candidates, candidate{
			Symbol:          summary.Symbol,
			Score:           summary.Score,
			PassSpread:      summary.PassSpread,
			PassTotal:       passTotal,
			SpreadMedianBps: summary.SpreadMedianBps,
			SpreadP90Bps:    summary.SpreadP90Bps,
			EdgeMMP25Bps:    summary.EdgeMMP25Bps,
			EdgeMMBps:       summary.EdgeMMBps,
			FailReasons:     append([]string{}, summary.FailReasons...),
		})
	}
	return candidates
}

// sortCandidates orders pass_total first, then score descending, then symbol.
func sortCandidates(candidates []candidate) []candidate {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].PassTotal != sorted[j].PassTotal {
			return sorted[i].PassTotal
		}
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})
	return sorted
}

func writeShortlist(path string, candidates []candidate, topN int) error {
	sorted := sortCandidates(candidates)
	if topN > 0 && len(sorted) > topN {
		sorted = sorted[:topN]
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create shortlist.csv: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(ShortlistColumns); err != nil {
		return fmt.Errorf("write shortlist header: %w", err)
	}
	for _, c := range sorted {
		record := []string{
			c.Symbol,
			strconv.FormatFloat(c.Score, 'f', -1, 64),
			strconv.FormatBool(c.PassSpread),
			fmtOptBool(c.PassDepth),
			strconv.FormatBool(c.PassTotal),
			fmtOpt(c.SpreadMedianBps),
			fmtOpt(c.SpreadP90Bps),
			fmtOpt(c.EdgeMMBps),
			fmtOpt(c.BestBidNotional),
			fmtOpt(c.BestAskNotional),
			fmtOpt(c.SlippageP90Bps),
			strings.Join(c.FailReasons, ";"),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write shortlist row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush shortlist.csv: %w", err)
	}
	return file.Sync()
}

func render(
	meta *artifacts.RunMeta,
	cfg *config.Config,
	summaryRows []spread.SummaryRow,
	depthRows []depthRow,
	enriched []enrichedRow,
	depthStage depthStageInfo,
	health metrics.HealthSummary,
	candidates []candidate,
) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("# MEXC Spread Feasibility Scanner Report")
	line("")

	gitCommit := meta.GitCommit
	if gitCommit == "" {
		gitCommit = "unknown"
	}
	line("## 1. Run Meta")
	line("")
	line("- **Run ID**: `%s`", meta.RunID)
	line("- **Started at**: %s", meta.StartedAt)
	line("- **Report generated at**: %s", time.Now().UTC().Format(time.RFC3339))
	line("- **Scanner version**: %s", version.Scanner)
	line("- **Git commit**: `%s`", gitCommit)
	line("")

	line("## 2. Parameters")
	line("")
	line("### Spread Sampling")
	line("- duration_s: %g", cfg.Sampling.Spread.DurationS)
	line("- interval_s: %g", cfg.Sampling.Spread.IntervalS)
	line("- min_uptime: %g", cfg.Sampling.Spread.MinUptime)
	line("")
	line("### Depth Sampling")
	line("- duration_s: %g", cfg.Sampling.Depth.DurationS)
	line("- interval_s: %g", cfg.Sampling.Depth.IntervalS)
	line("- limit: %d", cfg.Sampling.Depth.Limit)
	line("- candidates_limit: %d", cfg.Sampling.Depth.CandidatesLimit)
	line("")
	line("### Spread Thresholds")
	line("- median_min_bps: %g", cfg.Thresholds.Spread.MedianMinBps)
	line("- median_max_bps: %g", cfg.Thresholds.Spread.MedianMaxBps)
	line("- p90_min_bps: %g", cfg.Thresholds.Spread.P90MinBps)
	line("- p90_max_bps: %g", cfg.Thresholds.Spread.P90MaxBps)
	line("")
	line("### Depth Thresholds")
	line("- best_level_min_notional: %g", cfg.Thresholds.Depth.BestLevelMinNotional)
	line("- unwind_slippage_max_bps: %g", cfg.Thresholds.Depth.UnwindSlippageMaxBps)
	line("")
	line("### Fees & Buffer")
	line("- maker_bps: %g", cfg.Fees.MakerBps)
	line("- taker_bps: %g", cfg.Fees.TakerBps)
	line("- buffer_bps: %g", cfg.Thresholds.BufferBps)
	line("- Formula: edge_mm_bps = spread_median_bps - 2×maker_bps - buffer_bps")
	line("")

	passSpread := 0
	for _, row := range summaryRows {
		if row.PassSpread {
			passSpread++
		}
	}
	line("## 3. Universe Stats")
	line("")
	line("- **Symbols scanned**: %d", len(summaryRows))
	line("- **PASS_SPREAD**: %d", passSpread)
	line("- **FAIL_SPREAD**: %d", len(summaryRows)-passSpread)
	line("")

	line("## 4. Spread Stats (PASS_SPREAD symbols only)")
	line("")
	line("Quantiles of spread_median_bps and spread_p90_bps:")
	line("")
	var medians, p90s []float64
	for _, row := range summaryRows {
		if !row.PassSpread {
			continue
		}
		if row.SpreadMedianBps != nil {
			medians = append(medians, *row.SpreadMedianBps)
		}
		if row.SpreadP90Bps != nil {
			p90s = append(p90s, *row.SpreadP90Bps)
		}
	}
	sort.Float64s(medians)
	sort.Float64s(p90s)
	probs := []float64{0.1, 0.25, 0.5, 0.75, 0.9}
	quantileRows := make([][]string, 0, len(probs))
	for _, q := range probs {
		quantileRows = append(quantileRows, []string{
			fmt.Sprintf("p%d", int(q*100)),
			fmtQuantile(medians, q),
			fmtQuantile(p90s, q),
		})
	}
	writeTable(&b, []string{"Quantile", "spread_median_bps", "spread_p90_bps"}, quantileRows)
	line("")

	passDepth := 0
	var depthUptimes []float64
	for _, row := range depthRows {
		if row.PassDepth {
			passDepth++
		}
		if row.Uptime != nil {
			depthUptimes = append(depthUptimes, *row.Uptime)
		}
	}
	passTotal := 0
	for _, row := range enriched {
		if row.PassTotal {
			passTotal++
		}
	}
	line("## 5. Depth Results")
	line("")
	line("- **Depth candidates requested**: %d", cfg.Sampling.Depth.CandidatesLimit)
	line("- **Depth candidates actual**: %d", len(depthRows))
	line("- **Stage status**: %s", depthStage.Status)
	line("- **Timed out**: %s", yesNo(depthStage.TimedOut))
	if depthStage.ElapsedS != nil {
		line("- **Elapsed time**: %.1fs", *depthStage.ElapsedS)
	}
	line("- **PASS_DEPTH**: %d/%d", passDepth, len(depthRows))
	line("- **PASS_TOTAL**: %d", passTotal)
	line("")
	if len(depthUptimes) > 0 {
		sort.Float64s(depthUptimes)
		line("- **Depth uptime P50**: %s", fmtQuantile(depthUptimes, 0.5))
		line("")
	}

	topN := cfg.Report.TopN
	line("## 6. Top %d Candidates", topN)
	line("")
	sorted := sortCandidates(candidates)
	if topN > 0 && len(sorted) > topN {
		sorted = sorted[:topN]
	}
	if len(sorted) > 0 {
		tableRows := make([][]string, 0, len(sorted))
		for _, c := range sorted {
			reasons := "-"
			if len(c.FailReasons) > 0 {
				shown := c.FailReasons
				suffix := ""
				if len(shown) > 3 {
					shown = shown[:3]
					suffix = "..."
				}
				reasons = strings.Join(shown, "; ") + suffix
			}
			pass := "✗"
			if c.PassTotal {
				pass = "✓"
			}
			tableRows = append(tableRows, []string{
				c.Symbol,
				fmt.Sprintf("%.1f", c.Score),
				fmtValue(c.SpreadMedianBps, 2),
				fmtValue(c.SpreadP90Bps, 2),
				fmtValue(c.EdgeMMP25Bps, 2),
				fmtValue(c.EdgeMMBps, 2),
				fmtValue(c.BestBidNotional, 0),
				fmtValue(c.BestAskNotional, 0),
				fmtValue(c.SlippageP90Bps, 2),
				pass,
				reasons,
			})
		}
		writeTable(&b, []string{
			"Symbol", "Score", "Spread Med", "Spread P90", "Edge P25", "Edge MM",
			"Bid Liq", "Ask Liq", "Slip P90", "PASS", "Fail Reasons",
		}, tableRows)
	} else {
		line("*No candidates available.*")
	}
	line("")

	line("## 7. Fail Reason Breakdown")
	line("")
	line("### Spread Stage")
	line("")
	spreadReasons := map[string]int{}
	for _, row := range summaryRows {
		for _, reason := range row.FailReasons {
			// Informational flag, not a gating reason.
			if reason == "missing_24h_stats" {
				continue
			}
			spreadReasons[reason]++
		}
	}
	writeReasonTable(&b, spreadReasons, "*No spread failures recorded.*")
	line("")
	line("### Depth Stage")
	line("")
	depthReasons := map[string]int{}
	for _, row := range depthRows {
		for _, reason := range row.FailReasons {
			depthReasons[reason]++
		}
	}
	writeReasonTable(&b, depthReasons, "*No depth failures recorded (or depth stage not executed).*")
	line("")

	line("## 8. Notes")
	line("")
	if depthStage.TimedOut {
		line("⚠️ **WARNING**: Depth stage timed out before completion. " +
			"Results may be partial. Consider increasing `pipeline.stage_timeouts_s.depth`.")
		line("")
	}
	line("ℹ️ **Depth uptime note**: Depth sampling may operate in effective snapshot mode " +
		"if `candidates_limit / max_rps > interval_s`. Uptime is informational only and " +
		"NOT a pass/fail criterion. Only best_level_notional and unwind_slippage determine PASS_DEPTH.")
	line("")

	// The live counters are authoritative; run_meta still says "running"
	// while the report stage executes.
	line("### API Health Summary")
	line("")
	line("- **Run health**: %s", health.RunHealth)
	line("- **HTTP 429 (rate limit)**: %g", health.HTTP429Total)
	line("- **HTTP 403 (WAF/auth)**: %g", health.HTTP403Total)
	line("- **HTTP 5xx (server errors)**: %g", health.HTTP5xxTotal)
	line("")
	line("---")
	line("*End of report*")

	return b.String()
}

// readDepthRows loads depth_metrics.csv, returning nil when absent or
// unreadable; the report degrades to spread-only content.
func readDepthRows(path string) []depthRow {
	records, header := readCSV(path)
	if records == nil {
		return nil
	}
	rows := make([]depthRow, 0, len(records))
	for _, record := range records {
		get := func(col string) string {
			idx, ok := header[col]
			if !ok || idx >= len(record) {
				return ""
			}
			return record[idx]
		}
		rows = append(rows, depthRow{
			Symbol:                get("symbol"),
			PassDepth:             get("pass_depth") == "true",
			Uptime:                parseOpt(get("uptime")),
			BestBidNotionalMedian: parseOpt(get("best_bid_notional_median")),
			BestAskNotionalMedian: parseOpt(get("best_ask_notional_median")),
			UnwindSlippageP90Bps:  parseOpt(get("unwind_slippage_p90_bps")),
			FailReasons:           splitReasons(get("depth_fail_reasons")),
		})
	}
	return rows
}

func readEnrichedRows(path string) []enrichedRow {
	records, header := readCSV(path)
	if records == nil {
		return nil
	}
	rows := make([]enrichedRow, 0, len(records))
	for _, record := range records {
		get := func(col string) string {
			idx, ok := header[col]
			if !ok || idx >= len(record) {
				return ""
			}
			return record[idx]
		}
		score, _ := strconv.ParseFloat(get("score"), 64)
		var passDepth *bool
		if raw := get("pass_depth"); raw != "" {
			v := raw == "true"
			passDepth = &v
		}
		rows = append(rows, enrichedRow{
			Symbol:     get("symbol"),
			Score:      score,
			PassSpread: get("pass_spread") == "true",
			PassDepth:  passDepth,
			PassTotal:  get("pass_total") == "true",
		})
	}
	return rows
}

// readDepthStage pulls the depth stage's status out of pipeline_state.json.
func readDepthStage(path string) depthStageInfo {
	info := depthStageInfo{Status: "success"}
	var state struct {
		Stages []struct {
			Name    string         `json:"name"`
			Status  string         `json:"status"`
			Metrics map[string]any `json:"metrics"`
		} `json:"stages"`
	}
	if err := artifacts.ReadJSON(path, &state); err != nil {
		return info
	}
	for _, stage := range state.Stages {
		if stage.Name != "depth" {
			continue
		}
		if stage.Status != "" {
			info.Status = stage.Status
		}
		if v, ok := stage.Metrics["timed_out"].(bool); ok {
			info.TimedOut = v
		}
		if info.Status == "timeout" {
			info.TimedOut = true
		}
		if v, ok := stage.Metrics["elapsed_s"].(float64); ok {
			info.ElapsedS = &v
		}
	}
	return info
}

func readCSV(path string) ([][]string, map[string]int) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil
	}
	defer file.Close()
	all, err := csv.NewReader(file).ReadAll()
	if err != nil || len(all) == 0 {
		return nil, nil
	}
	header := make(map[string]int, len(all[0]))
	for idx, col := range all[0] {
		header[col] = idx
	}
	return all[1:], header
}

func writeTable(b *strings.Builder, headers []string, rows [][]string) {
	b.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	separators := make([]string, len(headers))
	for i := range separators {
		separators[i] = "---"
	}
	b.WriteString("| " + strings.Join(separators, " | ") + " |\n")
	for _, row := range rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
}

// writeReasonTable renders reason counts sorted by count descending, then
// reason name for a stable layout.
func writeReasonTable(b *strings.Builder, reasons map[string]int, emptyNote string) {
	if len(reasons) == 0 {
		b.WriteString(emptyNote + "\n")
		return
	}
	type entry struct {
		reason string
		count  int
	}
	entries := make([]entry, 0, len(reasons))
	for reason, count := range reasons {
		entries = append(entries, entry{reason, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].reason < entries[j].reason
	})
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.reason, strconv.Itoa(e.count)})
	}
	writeTable(b, []string{"Reason", "Count"}, rows)
}

func fmtQuantile(sorted []float64, q float64) string {
	if len(sorted) == 0 {
		return "n/a"
	}
	v, err := spread.Percentile(sorted, q)
	if err != nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", v)
}

func fmtValue(v *float64, decimals int) string {
	if v == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*v, 'f', decimals, 64)
}

func fmtOpt(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func fmtOptBool(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func parseOpt(raw string) *float64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

func splitReasons(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
