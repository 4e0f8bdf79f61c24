package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/spreadscan/spreadscan/internal/artifacts"
	"github.com/spreadscan/spreadscan/internal/config"
	"github.com/spreadscan/spreadscan/internal/depth"
	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/mexc"
	"github.com/spreadscan/spreadscan/internal/report"
	"github.com/spreadscan/spreadscan/internal/spread"
	"github.com/spreadscan/spreadscan/internal/universe"
)

// Canonical stage names and execution order.
const (
	StageUniverse = "universe"
	StageSpread   = "spread"
	StageScore    = "score"
	StageDepth    = "depth"
	StageReport   = "report"
)

// Order is the fixed stage sequence.
var Order = []string{StageUniverse, StageSpread, StageScore, StageDepth, StageReport}

// Client is the full API surface the stages need.
type Client interface {
	GetExchangeInfo(ctx context.Context) (*mexc.ExchangeInfo, error)
	GetDefaultSymbols(ctx context.Context) ([]string, error)
	GetTicker24h(ctx context.Context) ([]mexc.Ticker24h, error)
	GetBookTickers(ctx context.Context) ([]mexc.BookTicker, error)
	GetBookTicker(ctx context.Context, symbol string) (*mexc.BookTicker, error)
	GetDepth(ctx context.Context, symbol string, limit int) (*mexc.Depth, error)
}

// StageContext carries the run-scoped collaborators into a stage body.
// Deadline already includes the grace allowance; zero disables it.
type StageContext struct {
	Layout     artifacts.Layout
	Config     *config.Config
	Log        zerolog.Logger
	Client     Client
	Store      *metrics.Store
	Validation string
	Deadline   time.Time
}

func (c *StageContext) strict() bool { return c.Validation == config.ValidationStrict }

func (c *StageContext) rawPath() string {
	return c.Layout.RawBookTickerPath(c.Config.Sampling.Raw.Gzip)
}

// StageDefinition binds a stage's artifact contract to its body.
type StageDefinition struct {
	Name            string
	Inputs          []string
	Outputs         []string
	Run             func(ctx context.Context, sc *StageContext) (map[string]any, error)
	ValidateInputs  func(sc *StageContext) []string
	ValidateOutputs func(sc *StageContext) []string
}

// BuildPlan resolves the stage selection: an explicit list, a from/to
// window, or the full order. Explicit lists must be monotonic in the
// canonical order.
func BuildPlan(selected []string, from, to string) ([]string, error) {
	index := make(map[string]int, len(Order))
	for idx, name := range Order {
		index[name] = idx
	}

	if len(selected) > 0 {
		last := -1
		for _, name := range selected {
			idx, ok := index[name]
			if !ok {
				return nil, fmt.Errorf("unknown stage: %s", name)
			}
			if idx < last {
				return nil, fmt.Errorf("stages must follow fixed order: %s", strings.Join(Order, " -> "))
			}
			last = idx
		}
		return append([]string{}, selected...), nil
	}

	if from != "" || to != "" {
		startIdx, endIdx := 0, len(Order)-1
		if from != "" {
			idx, ok := index[from]
			if !ok {
				return nil, fmt.Errorf("unknown --from stage: %s", from)
			}
			startIdx = idx
		}
		if to != "" {
			idx, ok := index[to]
			if !ok {
				return nil, fmt.Errorf("unknown --to stage: %s", to)
			}
			endIdx = idx
		}
		if startIdx > endIdx {
			return nil, fmt.Errorf("--from stage must be before --to stage")
		}
		return append([]string{}, Order[startIdx:endIdx+1]...), nil
	}

	return append([]string{}, Order...), nil
}

// DefaultStages wires the five stage bodies with their artifact contracts.
func DefaultStages(cfg *config.Config) []StageDefinition {
	rawName := artifacts.FileRawBookTicker
	if cfg.Sampling.Raw.Gzip {
		rawName = artifacts.FileRawBookTickerGz
	}
	return []StageDefinition{
		{
			Name:            StageUniverse,
			Inputs:          []string{},
			Outputs:         []string{artifacts.FileUniverse, artifacts.FileUniverseRejects},
			Run:             runUniverse,
			ValidateInputs:  func(*StageContext) []string { return nil },
			ValidateOutputs: validateUniverseOutputs,
		},
		{
			Name:            StageSpread,
			Inputs:          []string{artifacts.FileUniverse},
			Outputs:         []string{rawName},
			Run:             runSpread,
			ValidateInputs:  validateUniverseOutputs,
			ValidateOutputs: validateSpreadOutputs,
		},
		{
			Name:    StageScore,
			Inputs:  []string{artifacts.FileUniverse, rawName},
			Outputs: []string{artifacts.FileSummaryCSV, artifacts.FileSummaryJSON},
			Run:     runScore,
			ValidateInputs: func(sc *StageContext) []string {
				return append(validateUniverseOutputs(sc), validateSpreadOutputs(sc)...)
			},
			ValidateOutputs: validateScoreOutputs,
		},
		{
			Name:            StageDepth,
			Inputs:          []string{artifacts.FileSummaryCSV},
			Outputs:         []string{artifacts.FileDepthMetrics, artifacts.FileSummaryEnriched},
			Run:             runDepth,
			ValidateInputs:  validateScoreOutputs,
			ValidateOutputs: validateDepthOutputs,
		},
		{
			Name:            StageReport,
			Inputs:          []string{artifacts.FileSummaryCSV, artifacts.FileRunMeta},
			Outputs:         []string{artifacts.FileReport, artifacts.FileShortlist},
			Run:             runReport,
			ValidateInputs:  validateReportInputs,
			ValidateOutputs: validateReportOutputs,
		},
	}
}

func validateUniverseOutputs(sc *StageContext) []string {
	var errs []string
	if err := artifacts.ValidateUniverse(sc.Layout.Path(artifacts.FileUniverse), sc.strict()); err != nil {
		errs = append(errs, err.Error())
	}
	if err := artifacts.Exists(sc.Layout.Path(artifacts.FileUniverseRejects)); err != nil {
		errs = append(errs, err.Error())
	}
	return errs
}

func validateSpreadOutputs(sc *StageContext) []string {
	path := sc.rawPath()
	info, err := os.Stat(path)
	if err != nil {
		return []string{fmt.Sprintf("missing raw capture: %s", path)}
	}
	if sc.strict() && info.Size() == 0 {
		return []string{fmt.Sprintf("raw capture is empty: %s", path)}
	}
	return nil
}

func validateScoreOutputs(sc *StageContext) []string {
	var errs []string
	if err := artifacts.ValidateSummaryCSV(sc.Layout.Path(artifacts.FileSummaryCSV), sc.strict()); err != nil {
		errs = append(errs, err.Error())
	}
	if err := artifacts.Exists(sc.Layout.Path(artifacts.FileSummaryJSON)); err != nil {
		errs = append(errs, err.Error())
	}
	return errs
}

func validateDepthOutputs(sc *StageContext) []string {
	var errs []string
	requireRows := sc.strict() && depthCandidatesExpected(sc)
	if err := artifacts.ValidateDepthMetrics(
		sc.Layout.Path(artifacts.FileDepthMetrics), sc.Config.Depth.BandBps, requireRows,
	); err != nil {
		errs = append(errs, err.Error())
	}
	if err := artifacts.Exists(sc.Layout.Path(artifacts.FileSummaryEnriched)); err != nil {
		errs = append(errs, err.Error())
	}
	return errs
}

// depthCandidatesExpected reports whether the scored summary selects any depth
// candidates. When nothing passed spread the depth stage legitimately writes
// header-only artifacts, so strict validation must not demand rows.
func depthCandidatesExpected(sc *StageContext) bool {
	rows, err := spread.LoadSummary(sc.Layout.Path(artifacts.FileSummaryJSON))
	if err != nil {
		return true
	}
	for _, row := range rows {
		if row.PassSpread {
			return true
		}
	}
	return false
}

func validateReportInputs(sc *StageContext) []string {
	var errs []string
	if err := artifacts.ValidateSummaryCSV(sc.Layout.Path(artifacts.FileSummaryCSV), sc.strict()); err != nil {
		errs = append(errs, err.Error())
	}
	if err := artifacts.Exists(sc.Layout.Path(artifacts.FileRunMeta)); err != nil {
		errs = append(errs, err.Error())
	}
	return errs
}

func validateReportOutputs(sc *StageContext) []string {
	var errs []string
	if err := artifacts.ValidateReport(sc.Layout.Path(artifacts.FileReport), sc.strict()); err != nil {
		errs = append(errs, err.Error())
	}
	if err := artifacts.Exists(sc.Layout.Path(artifacts.FileShortlist)); err != nil {
		errs = append(errs, err.Error())
	}
	return errs
}

func runUniverse(ctx context.Context, sc *StageContext) (map[string]any, error) {
	builder := universe.NewBuilder(sc.Client, sc.Config, sc.Store, sc.Log)
	result, err := builder.Build(ctx)
	if err != nil {
		return nil, err
	}
	if err := universe.Export(
		sc.Layout.Path(artifacts.FileUniverse),
		sc.Layout.Path(artifacts.FileUniverseRejects),
		result,
	); err != nil {
		return nil, err
	}
	return map[string]any{
		"symbols_total":    result.Stats.Total,
		"symbols_kept":     result.Stats.Kept,
		"symbols_rejected": result.Stats.Rejected,
	}, nil
}

func runSpread(ctx context.Context, sc *StageContext) (map[string]any, error) {
	symbols, err := universe.LoadSymbols(sc.Layout.Path(artifacts.FileUniverse))
	if err != nil {
		return nil, err
	}
	sampler := spread.NewSampler(sc.Client, sc.Config.Sampling, sc.Log)
	result, err := sampler.Run(ctx, symbols, sc.rawPath(), sc.Deadline)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ticks_total":    result.TicksSuccess + result.TicksFail,
		"ticks_success":  result.TicksSuccess,
		"ticks_fail":     result.TicksFail,
		"uptime":         result.Uptime,
		"invalid_quotes": result.InvalidQuotes,
		"missing_quotes": result.MissingQuotes,
		"low_quality":    result.LowQuality,
		"timed_out":      result.TimedOut,
		"elapsed_s":      result.ElapsedS,
	}, nil
}

func runScore(ctx context.Context, sc *StageContext) (map[string]any, error) {
	symbols, err := universe.LoadSymbols(sc.Layout.Path(artifacts.FileUniverse))
	if err != nil {
		return nil, err
	}
	samplesBySymbol, err := spread.ReadRawSamples(sc.rawPath())
	if err != nil {
		return nil, err
	}

	tickers, err := sc.Client.GetTicker24h(ctx)
	if err != nil {
		return nil, err
	}
	books, err := sc.Client.GetBookTickers(ctx)
	if err != nil {
		return nil, err
	}
	tickerStats, parseSummary := universe.BuildTickerStats(
		tickers, books, symbols,
		sc.Config.Universe.UseQuoteVolumeEstimate,
		sc.Config.Universe.RequireTradeCount,
		sc.Log,
	)
	sc.Store.AddTickerRows(parseSummary.TotalRows)
	sc.Store.AddTickerParseFails(parseSummary.ParseErrors)
	sc.Store.AddVolumeEstimates(parseSummary.UsedEstimates)
	sc.Store.SetMissing24hSymbols(parseSummary.MissingCount)

	results := make([]spread.ScoreResult, 0, len(symbols))
	for _, symbol := range symbols {
		var stats spread.Stats
		if samples := samplesBySymbol[symbol]; len(samples) > 0 {
			stats, err = spread.ComputeStats(samples)
			if err != nil {
				return nil, fmt.Errorf("compute stats for %s: %w", symbol, err)
			}
		} else {
			stats = spread.Stats{Symbol: symbol, InsufficientSamples: true}
		}
		if ticker, ok := tickerStats[symbol]; ok {
			stats.QuoteVolume24h = ticker.QuoteVolumeEffective
			stats.QuoteVolume24hRaw = ticker.QuoteVolumeRaw
			stats.Volume24hRaw = ticker.VolumeRaw
			stats.MidPrice = ticker.MidPrice
			stats.QuoteVolume24hEst = ticker.QuoteVolumeEst
			stats.QuoteVolume24hEffective = ticker.QuoteVolumeEffective
			stats.Trades24h = ticker.TradeCount
			stats.Missing24hStats = ticker.Missing24hStats
			stats.Missing24hReason = ticker.Missing24hReason
		}
		results = append(results, spread.ScoreSymbol(stats, sc.Config))
	}

	if err := spread.ExportSummary(
		sc.Layout.Path(artifacts.FileSummaryCSV),
		sc.Layout.Path(artifacts.FileSummaryJSON),
		results, sc.Log,
	); err != nil {
		return nil, err
	}

	scoring := spread.CollectScoringMetrics(results)
	return map[string]any{
		"symbols_scored":               len(results),
		"symbols_pass_spread":          scoring.SymbolsPassSpread,
		"symbols_fail_spread":          scoring.SymbolsFailSpread,
		"symbols_insufficient_samples": scoring.SymbolsInsufficientSamples,
	}, nil
}

func runDepth(ctx context.Context, sc *StageContext) (map[string]any, error) {
	rows, err := spread.LoadSummary(sc.Layout.Path(artifacts.FileSummaryJSON))
	if err != nil {
		return nil, err
	}
	candidates := make([]spread.ScoreResult, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, row.ScoreResult())
	}

	checker := depth.NewChecker(sc.Client, sc.Config, sc.Log)
	result, err := checker.Run(ctx, candidates, sc.Deadline)
	if err != nil {
		return nil, err
	}

	bands := sc.Config.Depth.BandBps
	if err := depth.ExportDepthMetrics(sc.Layout.Path(artifacts.FileDepthMetrics), result.Symbols, bands); err != nil {
		return nil, err
	}
	if err := depth.ExportSummaryEnriched(
		sc.Layout.Path(artifacts.FileSummaryEnriched),
		candidates, result.Symbols, bands,
		sc.Config.Thresholds.EdgeMinBps,
	); err != nil {
		return nil, err
	}

	return map[string]any{
		"ticks_total":              result.TicksSuccess + result.TicksFail,
		"ticks_success":            result.TicksSuccess,
		"ticks_fail":               result.TicksFail,
		"depth_requests_total":     result.DepthRequestsTotal,
		"depth_fail_total":         result.DepthFailTotal,
		"depth_symbols_pass_total": result.DepthSymbolsPassTotal,
		"timed_out":                result.TimedOut,
		"elapsed_s":                result.ElapsedS,
	}, nil
}

func runReport(_ context.Context, sc *StageContext) (map[string]any, error) {
	if err := report.Generate(sc.Layout, sc.Config, sc.Store, sc.Log); err != nil {
		return nil, err
	}
	sc.Store.IncReportDone()
	sc.Log.Info().Str("event", "report_done").Msg("report stage finished")
	return map[string]any{}, nil
}
