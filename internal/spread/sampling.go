package spread

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/spreadscan/spreadscan/internal/artifacts"
	"github.com/spreadscan/spreadscan/internal/config"
	"github.com/spreadscan/spreadscan/internal/mexc"
)

// BookTickerSource is the client slice the sampler needs.
type BookTickerSource interface {
	GetBookTickers(ctx context.Context) ([]mexc.BookTicker, error)
	GetBookTicker(ctx context.Context, symbol string) (*mexc.BookTicker, error)
}

// RawRecord is one line of raw_bookticker.jsonl. Prices keep the exchange's
// original string form.
type RawRecord struct {
	TS     string `json:"ts"`
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
}

// SamplingResult summarizes one spread sampling run.
type SamplingResult struct {
	TargetTicks   int     `json:"target_ticks"`
	TicksSuccess  int     `json:"ticks_success"`
	TicksFail     int     `json:"ticks_fail"`
	InvalidQuotes int     `json:"invalid_quotes"`
	MissingQuotes int     `json:"missing_quotes"`
	Uptime        float64 `json:"uptime"`
	LowQuality    bool    `json:"low_quality"`
	TimedOut      bool    `json:"timed_out"`
	ElapsedS      float64 `json:"elapsed_s"`
	RawPath       string  `json:"raw_path,omitempty"`
}

// Sampler polls best bid/ask for the universe at a fixed cadence.
type Sampler struct {
	client BookTickerSource
	cfg    config.SamplingConfig
	log    zerolog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewSampler builds a sampler over the given client slice.
func NewSampler(client BookTickerSource, cfg config.SamplingConfig, log zerolog.Logger) *Sampler {
	return &Sampler{
		client: client,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Run samples until duration_s elapses or deadline passes, appending valid
// quotes to rawPath when raw capture is enabled. A zero deadline disables the
// deadline check. Partial output survives every exit path.
func (s *Sampler) Run(ctx context.Context, symbols []string, rawPath string, deadline time.Time) (*SamplingResult, error) {
	spreadCfg := s.cfg.Spread
	universe := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		universe[symbol] = true
	}

	targetTicks := int(math.Ceil(spreadCfg.DurationS / spreadCfg.IntervalS))
	if targetTicks < 1 {
		targetTicks = 1
	}

	var rawWriter *artifacts.JSONLWriter
	if s.cfg.Raw.Enabled {
		writer, err := artifacts.NewJSONLWriter(rawPath, s.cfg.Raw.Gzip)
		if err != nil {
			return nil, fmt.Errorf("open raw writer: %w", err)
		}
		rawWriter = writer
		defer rawWriter.Close()
	}

	result := &SamplingResult{TargetTicks: targetTicks}
	if rawWriter != nil {
		result.RawPath = rawPath
	}

	start := s.now()
	for tickIdx := 0; tickIdx < targetTicks; tickIdx++ {
		if !deadline.IsZero() && !s.now().Before(deadline) {
			result.TimedOut = true
			s.log.Warn().
				Str("event", "spread_timeout").
				Int("tick_idx", tickIdx).
				Msg("deadline reached during spread sampling")
			break
		}
		if ctx.Err() != nil {
			result.TimedOut = true
			break
		}

		tickTS := s.now().UTC().Format(time.RFC3339)
		payload, obtained := s.fetchTick(ctx, tickIdx, symbols, result)

		seen := 0
		if obtained {
			seenSet := make(map[string]bool)
			for _, entry := range payload {
				if entry.Symbol == "" || !universe[entry.Symbol] {
					continue
				}
				bid, bidOK := entry.BidPrice.Float()
				ask, askOK := entry.AskPrice.Float()
				if !bidOK || !askOK || bid <= 0 || ask <= 0 {
					result.InvalidQuotes++
					continue
				}
				seenSet[entry.Symbol] = true
				if rawWriter != nil {
					record := RawRecord{
						TS:     tickTS,
						Symbol: entry.Symbol,
						Bid:    entry.BidPrice.String(),
						Ask:    entry.AskPrice.String(),
					}
					if err := rawWriter.Write(record); err != nil {
						return nil, fmt.Errorf("append raw record: %w", err)
					}
				}
			}
			seen = len(seenSet)
			result.MissingQuotes += len(universe) - seen
		}

		s.log.Info().
			Str("event", "spread_tick").
			Int("tick_idx", tickIdx).
			Int("symbols_seen", seen).
			Msg("spread tick collected")

		next := start.Add(time.Duration(float64(tickIdx+1) * spreadCfg.IntervalS * float64(time.Second)))
		if wait := next.Sub(s.now()); wait > 0 && tickIdx+1 < targetTicks {
			if err := s.sleep(ctx, wait); err != nil {
				result.TimedOut = true
				break
			}
		}
	}

	result.ElapsedS = s.now().Sub(start).Seconds()
	result.Uptime = float64(result.TicksSuccess) / float64(targetTicks)
	result.LowQuality = result.Uptime < spreadCfg.MinUptime

	s.log.Info().
		Str("event", "spread_sampling_done").
		Float64("uptime", result.Uptime).
		Int("invalid_count", result.InvalidQuotes).
		Int("missing_count", result.MissingQuotes).
		Int("ticks_success", result.TicksSuccess).
		Int("ticks_fail", result.TicksFail).
		Bool("timed_out", result.TimedOut).
		Msg("spread sampling finished")
	return result, nil
}

// fetchTick attempts the bulk bookTicker call with the per-symbol fallback
// for fatal failures. Returns the quotes and whether any payload arrived.
func (s *Sampler) fetchTick(ctx context.Context, tickIdx int, symbols []string, result *SamplingResult) ([]mexc.BookTicker, bool) {
	spreadCfg := s.cfg.Spread

	payload, err := s.client.GetBookTickers(ctx)
	if err == nil {
		result.TicksSuccess++
		return payload, true
	}

	if !mexc.IsFatal(err) {
		result.TicksFail++
		s.log.Warn().
			Str("event", "spread_tick_fail").
			Int("tick_idx", tickIdx).
			Err(err).
			Msg("bulk bookTicker failed")
		return nil, false
	}

	if !spreadCfg.AllowPerSymbol {
		result.TicksFail++
		s.log.Warn().
			Str("event", "spread_tick_fail").
			Int("tick_idx", tickIdx).
			Err(err).
			Msg("bulk bookTicker failed; per-symbol fallback disabled")
		return nil, false
	}
	if len(symbols) > spreadCfg.PerSymbolLimit {
		result.TicksFail++
		result.MissingQuotes += len(symbols)
		s.log.Warn().
			Str("event", "spread_tick_skip").
			Int("tick_idx", tickIdx).
			Int("symbol_count", len(symbols)).
			Int("per_symbol_limit", spreadCfg.PerSymbolLimit).
			Msg("per-symbol fallback skipped due to symbol limit")
		return nil, false
	}

	var quotes []mexc.BookTicker
	failures := 0
	for _, symbol := range symbols {
		quote, qerr := s.client.GetBookTicker(ctx, symbol)
		if qerr != nil {
			failures++
			continue
		}
		quotes = append(quotes, *quote)
	}
	if failures > 0 {
		s.log.Warn().
			Str("event", "spread_tick_partial").
			Int("tick_idx", tickIdx).
			Int("failures", failures).
			Msg("per-symbol fallback had failures")
	}
	if len(quotes) == 0 {
		result.TicksFail++
		return nil, false
	}
	result.TicksSuccess++
	return quotes, true
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
