package universe

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/spreadscan/spreadscan/internal/config"
	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/mexc"
)

// Rejection reason codes. These are a stable contract with downstream
// consumers of universe_rejects.csv and must not be renamed.
const (
	RejectNotInDefaultList     = "not_in_default_list"
	RejectMetadataMissing      = "metadata_missing"
	RejectQuoteAssetNotAllowed = "quote_asset_not_allowed"
	RejectStatusNotAllowed     = "status_not_allowed"
	RejectBlacklisted          = "blacklisted"
	RejectMissing24hStats      = "missing_24h_stats"
	RejectMissingTradeCount    = "missing_trade_count"
	RejectLowVolume            = "low_volume"
	RejectLowTrades            = "low_trades"
)

// BuildError is fatal: the run cannot proceed without a universe.
type BuildError struct {
	Message string
}

func (e *BuildError) Error() string { return e.Message }

// Reject records one filtered-out symbol with its reason code.
type Reject struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// SourceFlags records where a symbol was seen and its catalog attributes.
type SourceFlags struct {
	InCatalog      bool   `json:"in_catalog"`
	InDefaultList  bool   `json:"in_default_list"`
	ExchangeStatus string `json:"exchange_status,omitempty"`
	QuoteAsset     string `json:"quote_asset,omitempty"`
}

// Stats summarizes the filter outcome.
type Stats struct {
	Total    int `json:"total"`
	Kept     int `json:"kept"`
	Rejected int `json:"rejected"`
}

// Result is the universe stage output.
type Result struct {
	Symbols     []string               `json:"symbols"`
	Rejects     []Reject               `json:"-"`
	Stats       Stats                  `json:"stats"`
	SourceFlags map[string]SourceFlags `json:"source_flags"`
	Ticker      map[string]TickerStats `json:"-"`
}

// Client is the API surface the universe builder needs.
type Client interface {
	GetExchangeInfo(ctx context.Context) (*mexc.ExchangeInfo, error)
	GetDefaultSymbols(ctx context.Context) ([]string, error)
	GetTicker24h(ctx context.Context) ([]mexc.Ticker24h, error)
	GetBookTickers(ctx context.Context) ([]mexc.BookTicker, error)
}

// Builder runs the universe filter chain.
type Builder struct {
	client Client
	cfg    *config.Config
	store  *metrics.Store
	log    zerolog.Logger
}

// NewBuilder wires a universe builder.
func NewBuilder(client Client, cfg *config.Config, store *metrics.Store, log zerolog.Logger) *Builder {
	return &Builder{client: client, cfg: cfg, store: store, log: log}
}

// Build fetches the catalog, default list, and 24h stats, then applies the
// filter chain with early exit on the first matching rejection. An empty
// kept set (or empty default list) is fatal.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	ucfg := b.cfg.Universe

	info, err := b.client.GetExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchangeInfo: %w", err)
	}
	defaults, err := b.client.GetDefaultSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch defaultSymbols: %w", err)
	}
	if len(defaults) == 0 {
		return nil, &BuildError{Message: "defaultSymbols empty or unavailable; cannot build universe"}
	}

	catalog := make(map[string]mexc.SymbolInfo, len(info.Symbols))
	var candidates []string
	seen := make(map[string]bool)
	for _, entry := range info.Symbols {
		if entry.Symbol == "" || seen[entry.Symbol] {
			continue
		}
		seen[entry.Symbol] = true
		catalog[entry.Symbol] = entry
		candidates = append(candidates, entry.Symbol)
	}
	defaultSet := make(map[string]bool, len(defaults))
	for _, symbol := range defaults {
		defaultSet[symbol] = true
		if !seen[symbol] {
			seen[symbol] = true
			candidates = append(candidates, symbol)
		}
	}

	tickers, err := b.client.GetTicker24h(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker/24hr: %w", err)
	}
	books, err := b.client.GetBookTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch bookTicker: %w", err)
	}
	tickerStats, summary := BuildTickerStats(
		tickers, books, candidates,
		ucfg.UseQuoteVolumeEstimate, ucfg.RequireTradeCount, b.log,
	)
	if b.store != nil {
		b.store.AddTickerRows(summary.TotalRows)
		b.store.AddTickerParseFails(summary.ParseErrors)
		b.store.AddVolumeEstimates(summary.UsedEstimates)
		b.store.SetMissing24hSymbols(summary.MissingCount)
	}

	allowedStatus := make(map[string]bool, len(ucfg.AllowedExchangeStatus))
	for _, status := range ucfg.AllowedExchangeStatus {
		allowedStatus[status] = true
	}
	whitelist := make(map[string]bool, len(ucfg.Whitelist))
	for _, symbol := range ucfg.Whitelist {
		whitelist[symbol] = true
	}

	result := &Result{
		SourceFlags: make(map[string]SourceFlags, len(candidates)),
		Ticker:      tickerStats,
	}

	for _, symbol := range candidates {
		entry, inCatalog := catalog[symbol]
		flags := SourceFlags{
			InCatalog:     inCatalog,
			InDefaultList: defaultSet[symbol],
		}
		if inCatalog {
			flags.ExchangeStatus = entry.Status
			flags.QuoteAsset = entry.QuoteAsset
		}
		result.SourceFlags[symbol] = flags

		if reason := b.rejectReason(symbol, entry, flags, tickerStats, allowedStatus, whitelist); reason != "" {
			result.Rejects = append(result.Rejects, Reject{Symbol: symbol, Reason: reason})
			continue
		}
		result.Symbols = append(result.Symbols, symbol)
	}

	result.Stats = Stats{
		Total:    len(candidates),
		Kept:     len(result.Symbols),
		Rejected: len(result.Rejects),
	}

	b.log.Info().
		Str("event", "universe_reject_summary").
		Int("total", result.Stats.Total).
		Int("kept", result.Stats.Kept).
		Int("rejected", result.Stats.Rejected).
		Interface("top_reject_reasons", topRejects(result.Rejects, 5)).
		Msg("universe reject summary")

	if len(result.Symbols) == 0 {
		b.log.Error().
			Str("event", "universe_empty").
			Int("total", result.Stats.Total).
			Int("rejected", result.Stats.Rejected).
			Msg("universe filtered to 0 symbols")
		return nil, &BuildError{Message: "universe filtered to 0 symbols; relax thresholds"}
	}

	b.log.Info().
		Str("event", "universe_built").
		Int("total", result.Stats.Total).
		Int("kept", result.Stats.Kept).
		Int("rejected", result.Stats.Rejected).
		Msg("universe built")
	return result, nil
}

// rejectReason applies the filter chain in order, returning the first
// matching rejection code or empty for a kept symbol.
func (b *Builder) rejectReason(
	symbol string,
	entry mexc.SymbolInfo,
	flags SourceFlags,
	tickerStats map[string]TickerStats,
	allowedStatus map[string]bool,
	whitelist map[string]bool,
) string {
	ucfg := b.cfg.Universe

	if !flags.InDefaultList {
		return RejectNotInDefaultList
	}
	if !flags.InCatalog {
		return RejectMetadataMissing
	}
	if entry.QuoteAsset != ucfg.QuoteAsset {
		return RejectQuoteAssetNotAllowed
	}
	if entry.Status != "" && !allowedStatus[entry.Status] {
		return RejectStatusNotAllowed
	}
	for _, re := range b.cfg.Blacklist() {
		if re.MatchString(symbol) {
			return RejectBlacklisted
		}
	}

	ticker, ok := tickerStats[symbol]
	if !ok || ticker.Missing24hStats {
		return RejectMissing24hStats
	}

	if whitelist[symbol] {
		b.log.Info().
			Str("event", "universe_whitelist_bypass").
			Str("symbol", symbol).
			Msg("whitelist symbol bypassed 24h filters")
		return ""
	}

	if ticker.QuoteVolumeEffective == nil {
		return RejectMissing24hStats
	}
	if ticker.TradeCount == nil && ucfg.RequireTradeCount {
		return RejectMissingTradeCount
	}
	if *ticker.QuoteVolumeEffective < ucfg.MinQuoteVolume24h {
		return RejectLowVolume
	}
	if ticker.TradeCount != nil && *ticker.TradeCount < ucfg.MinTrades24h {
		return RejectLowTrades
	}
	return ""
}

type rejectCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

func topRejects(rejects []Reject, limit int) []rejectCount {
	counts := make(map[string]int)
	for _, reject := range rejects {
		counts[reject.Reason]++
	}
	out := make([]rejectCount, 0, len(counts))
	for reason, count := range counts {
		out = append(out, rejectCount{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
