package depth

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/spreadscan/spreadscan/internal/artifacts"
	"github.com/spreadscan/spreadscan/internal/config"
	"github.com/spreadscan/spreadscan/internal/mexc"
	"github.com/spreadscan/spreadscan/internal/spread"
)

// Depth-stage fail reason codes.
const (
	ReasonEmptyBook         = "empty_book"
	ReasonInvalidBookLevels = "invalid_book_levels"
	ReasonSymbolUnavailable = "symbol_unavailable"
	ReasonNoValidSamples    = "no_valid_samples"

	ReasonBestBidLow         = "best_bid_notional_low"
	ReasonBestAskLow         = "best_ask_notional_low"
	ReasonSlippageHigh       = "unwind_slippage_high"
	ReasonBand10Low          = "band_10bps_notional_low"
	ReasonTopNLow            = "topn_notional_low"
	ReasonMissingBestBid     = "missing_best_bid_notional"
	ReasonMissingBestAsk     = "missing_best_ask_notional"
	ReasonMissingSlippage    = "missing_unwind_slippage"
	ReasonMissingBand10      = "missing_band_10bps_notional"
	ReasonMissingTopN        = "missing_topn_notional"
)

// Transient-failure backoff bounds for the sampling loop.
const (
	backoffInitial = 500 * time.Millisecond
	backoffCeiling = 8 * time.Second
)

// SymbolMetrics is the aggregated depth outcome for one candidate.
type SymbolMetrics struct {
	Symbol                 string             `json:"symbol"`
	SampleCount            int                `json:"sample_count"`
	ValidSamples           int                `json:"valid_samples"`
	EmptyBookCount         int                `json:"empty_book_count"`
	InvalidBookCount       int                `json:"invalid_book_count"`
	SymbolUnavailableCount int                `json:"symbol_unavailable_count"`
	BestBidNotionalMedian  *float64           `json:"best_bid_notional_median"`
	BestAskNotionalMedian  *float64           `json:"best_ask_notional_median"`
	TopNBidNotionalMedian  *float64           `json:"topn_bid_notional_median"`
	TopNAskNotionalMedian  *float64           `json:"topn_ask_notional_median"`
	BandBidNotionalMedian  map[string]float64 `json:"band_bid_notional_median"`
	UnwindSlippageP90Bps   *float64           `json:"unwind_slippage_p90_bps"`
	Uptime                 float64            `json:"uptime"`
	BestBidNotionalPass    bool               `json:"best_bid_notional_pass"`
	BestAskNotionalPass    bool               `json:"best_ask_notional_pass"`
	UnwindSlippagePass     bool               `json:"unwind_slippage_pass"`
	Band10NotionalPass     *bool              `json:"band_10bps_notional_pass"`
	TopNNotionalPass       *bool              `json:"topn_notional_pass"`
	PassDepth              bool               `json:"pass_depth"`
	FailReasons            []string           `json:"fail_reasons"`
}

// CheckResult summarizes one depth stage run.
type CheckResult struct {
	TargetTicks           int             `json:"target_ticks"`
	TicksSuccess          int             `json:"ticks_success"`
	TicksFail             int             `json:"ticks_fail"`
	Symbols               []SymbolMetrics `json:"symbols"`
	DepthRequestsTotal    int             `json:"depth_requests_total"`
	DepthFailTotal        int             `json:"depth_fail_total"`
	DepthSymbolsPassTotal int             `json:"depth_symbols_pass_total"`
	TimedOut              bool            `json:"timed_out"`
	ElapsedS              float64         `json:"elapsed_s"`
}

// SelectCandidates keeps spread-passing symbols ordered by descending score
// (symbol ascending on ties) and truncates to limit. It returns the selected
// symbols plus the pre-truncation pass count. An empty selection is valid:
// the stage then emits empty artifacts.
func SelectCandidates(results []spread.ScoreResult, limit int) ([]string, int) {
	passing := make([]spread.ScoreResult, 0, len(results))
	for _, result := range results {
		if result.PassSpread {
			passing = append(passing, result)
		}
	}
	total := len(passing)
	sort.SliceStable(passing, func(i, j int) bool {
		if passing[i].Score != passing[j].Score {
			return passing[i].Score > passing[j].Score
		}
		return passing[i].Symbol < passing[j].Symbol
	})
	if limit > 0 && len(passing) > limit {
		passing = passing[:limit]
	}
	symbols := make([]string, 0, len(passing))
	for _, result := range passing {
		symbols = append(symbols, result.Symbol)
	}
	return symbols, total
}

// Source is the client slice the checker needs.
type Source interface {
	GetDepth(ctx context.Context, symbol string, limit int) (*mexc.Depth, error)
}

type symbolState struct {
	snapshots              []*SnapshotMetrics
	sampleCount            int
	validSamples           int
	emptyBookCount         int
	invalidBookCount       int
	symbolUnavailableCount int
}

// Checker runs the depth sampling loop over selected candidates.
type Checker struct {
	client Source
	cfg    *config.Config
	log    zerolog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewChecker builds a checker over the given client slice.
func NewChecker(client Source, cfg *config.Config, log zerolog.Logger) *Checker {
	return &Checker{
		client: client,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Run samples order books for the candidates until the tick budget or the
// deadline is exhausted, then aggregates and evaluates per-symbol criteria.
// A zero deadline disables the deadline check.
func (c *Checker) Run(ctx context.Context, candidates []spread.ScoreResult, deadline time.Time) (*CheckResult, error) {
	samplingCfg := c.cfg.Sampling.Depth
	depthCfg := c.cfg.Depth

	symbols, passTotal := SelectCandidates(candidates, samplingCfg.CandidatesLimit)
	c.log.Info().
		Str("event", "depth_candidates_selected").
		Int("candidates_total", len(candidates)).
		Int("pass_spread_total", passTotal).
		Int("selected_for_depth", len(symbols)).
		Int("limit", samplingCfg.CandidatesLimit).
		Str("strategy", "score_desc").
		Msg("depth candidates selected")

	result := &CheckResult{Symbols: []SymbolMetrics{}}
	if len(symbols) == 0 {
		c.log.Warn().
			Str("event", "depth_no_candidates").
			Msg("no symbol passed spread; depth stage emits empty artifacts")
		return result, nil
	}

	result.TargetTicks = c.targetTicks(len(symbols))

	states := make(map[string]*symbolState, len(symbols))
	for _, symbol := range symbols {
		states[symbol] = &symbolState{}
	}

	start := c.now()
	backoff := backoffInitial

	for tickIdx := 0; tickIdx < result.TargetTicks; tickIdx++ {
		if c.pastDeadline(deadline, start, tickIdx) {
			result.TimedOut = true
			break
		}
		if ctx.Err() != nil {
			result.TimedOut = true
			break
		}

		tickSuccessful := false
		for _, symbol := range symbols {
			if c.pastDeadline(deadline, start, tickIdx) {
				result.TimedOut = true
				break
			}
			result.DepthRequestsTotal++
			state := states[symbol]

			book, err := c.client.GetDepth(ctx, symbol, samplingCfg.Limit)
			if err != nil {
				result.DepthFailTotal++
				if mexc.IsFatal(err) {
					state.symbolUnavailableCount++
					c.log.Warn().
						Str("event", "depth_tick_unavailable").
						Str("symbol", symbol).
						Int("tick_idx", tickIdx).
						Err(err).
						Msg("depth snapshot unavailable")
					continue
				}
				c.log.Warn().
					Str("event", "depth_tick_fail").
					Str("symbol", symbol).
					Int("tick_idx", tickIdx).
					Err(err).
					Msg("depth snapshot failed")
				if serr := c.sleep(ctx, backoff); serr != nil {
					result.TimedOut = true
					break
				}
				backoff *= 2
				if backoff > backoffCeiling {
					backoff = backoffCeiling
				}
				continue
			}

			snapshot, err := ComputeSnapshot(book, depthCfg.TopNLevels, depthCfg.BandBps, depthCfg.StressNotionalUSDT)
			if err != nil {
				result.DepthFailTotal++
				state.sampleCount++
				reason := ReasonInvalidBookLevels
				if errors.Is(err, ErrEmptyBook) {
					reason = ReasonEmptyBook
					state.emptyBookCount++
				} else {
					state.invalidBookCount++
				}
				c.log.Warn().
					Str("event", "depth_tick_invalid").
					Str("symbol", symbol).
					Str("reason", reason).
					Int("tick_idx", tickIdx).
					Msg("depth snapshot invalid")
				continue
			}

			state.snapshots = append(state.snapshots, snapshot)
			state.sampleCount++
			state.validSamples++
			tickSuccessful = true
			backoff = backoffInitial
			c.log.Info().
				Str("event", "depth_tick").
				Str("symbol", symbol).
				Int("bids", len(book.Bids)).
				Int("asks", len(book.Asks)).
				Int("tick_idx", tickIdx).
				Msg("depth snapshot collected")
		}

		if result.TimedOut {
			break
		}
		if tickSuccessful {
			result.TicksSuccess++
		} else {
			result.TicksFail++
		}

		next := start.Add(time.Duration(float64(tickIdx+1) * samplingCfg.IntervalS * float64(time.Second)))
		if wait := next.Sub(c.now()); wait > 0 && tickIdx+1 < result.TargetTicks {
			if err := c.sleep(ctx, wait); err != nil {
				result.TimedOut = true
				break
			}
		}
	}

	result.ElapsedS = c.now().Sub(start).Seconds()

	for _, symbol := range symbols {
		state := states[symbol]
		result.Symbols = append(result.Symbols, c.finalizeSymbol(symbol, state, result.TargetTicks))
	}
	for _, metrics := range result.Symbols {
		if metrics.PassDepth {
			result.DepthSymbolsPassTotal++
		}
	}

	c.log.Info().
		Str("event", "depth_done").
		Int("pass_depth_count", result.DepthSymbolsPassTotal).
		Int("ticks_success", result.TicksSuccess).
		Int("ticks_fail", result.TicksFail).
		Bool("timed_out", result.TimedOut).
		Msg("depth check completed")
	return result, nil
}

// targetTicks accounts for the token bucket: when sampling every candidate
// once takes longer than the interval, the loop degrades to back-to-back
// snapshots and the naive duration/interval count is unreachable.
func (c *Checker) targetTicks(symbolCount int) int {
	samplingCfg := c.cfg.Sampling.Depth
	naive := int(math.Ceil(samplingCfg.DurationS / samplingCfg.IntervalS))
	if naive < 1 {
		naive = 1
	}
	maxRPS := c.cfg.Mexc.MaxRPS
	if maxRPS <= 0 || symbolCount == 0 {
		return naive
	}
	tickDuration := float64(symbolCount) / maxRPS
	if tickDuration <= samplingCfg.IntervalS {
		return naive
	}
	effective := int(samplingCfg.DurationS / tickDuration)
	if effective < 1 {
		effective = 1
	}
	c.log.Info().
		Str("event", "depth_snapshot_mode").
		Int("symbols_count", symbolCount).
		Float64("max_rps", maxRPS).
		Float64("tick_duration_s", tickDuration).
		Float64("interval_s", samplingCfg.IntervalS).
		Int("naive_target_ticks", naive).
		Int("effective_target_ticks", effective).
		Msg("rate limit forces snapshot mode")
	return effective
}

func (c *Checker) pastDeadline(deadline, start time.Time, tickIdx int) bool {
	if deadline.IsZero() || c.now().Before(deadline) {
		return false
	}
	c.log.Warn().
		Str("event", "stage_timeout_warning").
		Str("stage", "depth").
		Float64("elapsed_s", c.now().Sub(start).Seconds()).
		Int("tick_idx", tickIdx).
		Msg("deadline reached during depth sampling")
	return true
}

func (c *Checker) finalizeSymbol(symbol string, state *symbolState, targetTicks int) SymbolMetrics {
	depthCfg := c.cfg.Depth
	agg := Aggregate(state.snapshots, depthCfg.BandBps)

	uptime := 0.0
	if targetTicks > 0 {
		uptime = float64(state.validSamples) / float64(targetTicks)
	}

	failReasons := []string{}
	if state.emptyBookCount > 0 {
		failReasons = append(failReasons, ReasonEmptyBook)
	}
	if state.invalidBookCount > 0 {
		failReasons = append(failReasons, ReasonInvalidBookLevels)
	}
	if state.symbolUnavailableCount > 0 {
		failReasons = append(failReasons, ReasonSymbolUnavailable)
	}
	if state.validSamples == 0 {
		failReasons = append(failReasons, ReasonNoValidSamples)
	}

	criteria := evaluateCriteria(agg, c.cfg.Thresholds.Depth, depthCfg)
	failReasons = append(failReasons, criteria.failReasons...)

	return SymbolMetrics{
		Symbol:                 symbol,
		SampleCount:            state.sampleCount,
		ValidSamples:           state.validSamples,
		EmptyBookCount:         state.emptyBookCount,
		InvalidBookCount:       state.invalidBookCount,
		SymbolUnavailableCount: state.symbolUnavailableCount,
		BestBidNotionalMedian:  agg.BestBidNotionalMedian,
		BestAskNotionalMedian:  agg.BestAskNotionalMedian,
		TopNBidNotionalMedian:  agg.TopNBidNotionalMedian,
		TopNAskNotionalMedian:  agg.TopNAskNotionalMedian,
		BandBidNotionalMedian:  agg.BandBidNotionalMedian,
		UnwindSlippageP90Bps:   agg.UnwindSlippageP90Bps,
		Uptime:                 uptime,
		BestBidNotionalPass:    criteria.bestBidPass,
		BestAskNotionalPass:    criteria.bestAskPass,
		UnwindSlippagePass:     criteria.slippagePass,
		Band10NotionalPass:     criteria.band10Pass,
		TopNNotionalPass:       criteria.topNPass,
		PassDepth:              len(failReasons) == 0,
		FailReasons:            failReasons,
	}
}

type criteriaResult struct {
	bestBidPass  bool
	bestAskPass  bool
	slippagePass bool
	band10Pass   *bool
	topNPass     *bool
	failReasons  []string
}

// evaluateCriteria applies the pass_depth conjunction. Undefined aggregates
// fail with the missing_* variant of the reason code. Uptime is
// informational only and never checked here.
func evaluateCriteria(agg Aggregates, thresholds config.DepthThresholdsConfig, depthCfg config.DepthConfig) criteriaResult {
	var out criteriaResult

	if agg.BestBidNotionalMedian == nil {
		out.failReasons = append(out.failReasons, ReasonMissingBestBid)
	} else if out.bestBidPass = *agg.BestBidNotionalMedian >= thresholds.BestLevelMinNotional; !out.bestBidPass {
		out.failReasons = append(out.failReasons, ReasonBestBidLow)
	}

	if agg.BestAskNotionalMedian == nil {
		out.failReasons = append(out.failReasons, ReasonMissingBestAsk)
	} else if out.bestAskPass = *agg.BestAskNotionalMedian >= thresholds.BestLevelMinNotional; !out.bestAskPass {
		out.failReasons = append(out.failReasons, ReasonBestAskLow)
	}

	if agg.UnwindSlippageP90Bps == nil {
		out.failReasons = append(out.failReasons, ReasonMissingSlippage)
	} else if out.slippagePass = *agg.UnwindSlippageP90Bps <= thresholds.UnwindSlippageMaxBps; !out.slippagePass {
		out.failReasons = append(out.failReasons, ReasonSlippageHigh)
	}

	if depthCfg.EnableBandChecks {
		pass := false
		band10, ok := agg.BandBidNotionalMedian[artifacts.FormatBand(10)]
		if !ok {
			out.failReasons = append(out.failReasons, ReasonMissingBand10)
		} else if pass = band10 >= thresholds.Band10bpsMinNotional; !pass {
			out.failReasons = append(out.failReasons, ReasonBand10Low)
		}
		out.band10Pass = &pass
	}

	if depthCfg.EnableTopNChecks {
		pass := false
		if agg.TopNBidNotionalMedian == nil || agg.TopNAskNotionalMedian == nil {
			out.failReasons = append(out.failReasons, ReasonMissingTopN)
		} else {
			low := math.Min(*agg.TopNBidNotionalMedian, *agg.TopNAskNotionalMedian)
			if pass = low >= thresholds.TopNMinNotional; !pass {
				out.failReasons = append(out.failReasons, ReasonTopNLow)
			}
		}
		out.topNPass = &pass
	}

	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
