// Package universe filters the exchange's symbol catalog down to the
// tradable candidate set using static rules and 24h activity thresholds.
package universe

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/spreadscan/spreadscan/internal/mexc"
)

// Missing-24h reason codes.
const (
	MissingNoRow            = "no_row"
	MissingParseError       = "parse_error"
	MissingNoAnyFields      = "no_any_fields"
	MissingNoVolumeNoMid    = "no_volume_and_no_mid"
	MissingTradeCountReason = "missing_trade_count"
)

// TickerStats is the per-symbol 24h enrichment derived from ticker/24hr and
// bookTicker payloads. Nil fields were absent or unusable upstream.
type TickerStats struct {
	Symbol               string
	QuoteVolumeRaw       *float64
	VolumeRaw            *float64
	MidPrice             *float64
	QuoteVolumeEst       *float64
	QuoteVolumeEffective *float64
	TradeCount           *int64
	Missing24hStats      bool
	Missing24hReason     string
	UsedEstimate         bool
}

// TickerParseSummary aggregates parse outcomes for metrics.
type TickerParseSummary struct {
	TotalRows     int
	ParseErrors   int
	UsedEstimates int
	MissingCount  int
}

type parsedRow struct {
	quoteVolume *float64
	volume      *float64
	tradeCount  *int64
	parseError  bool
}

// parseOptFloat distinguishes "field absent" (nil value, ok) from "field
// present but unusable" (nil value, not ok).
func parseOptFloat(value mexc.FlexString) (*float64, bool) {
	if value == "" {
		return nil, true
	}
	v, ok := value.Float()
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, false
	}
	return &v, true
}

func parseOptInt(value mexc.FlexString) (*int64, bool) {
	f, ok := parseOptFloat(value)
	if !ok || f == nil {
		return nil, ok
	}
	v := int64(*f)
	return &v, true
}

func midPrice(quote mexc.BookTicker) *float64 {
	bid, bidOK := quote.BidPrice.Float()
	ask, askOK := quote.AskPrice.Float()
	if !bidOK || !askOK || bid <= 0 || ask <= 0 {
		return nil
	}
	mid := (bid + ask) / 2
	if math.IsNaN(mid) || math.IsInf(mid, 0) || mid <= 0 {
		return nil
	}
	return &mid
}

// BuildTickerStats joins ticker/24hr rows with bookTicker mids for the given
// symbols. With useEstimate, a missing raw quote volume falls back to
// volume × mid. With requireTradeCount, an unusable count poisons the row.
func BuildTickerStats(
	tickers []mexc.Ticker24h,
	books []mexc.BookTicker,
	symbols []string,
	useEstimate bool,
	requireTradeCount bool,
	log zerolog.Logger,
) (map[string]TickerStats, TickerParseSummary) {
	summary := TickerParseSummary{TotalRows: len(tickers)}

	rows := make(map[string]parsedRow, len(tickers))
	for _, entry := range tickers {
		if entry.Symbol == "" {
			summary.ParseErrors++
			continue
		}
		quoteVolume, quoteOK := parseOptFloat(entry.QuoteVolume)
		volume, volumeOK := parseOptFloat(entry.Volume)
		tradeCount, countOK := parseOptInt(entry.Count)
		parseError := !quoteOK || !volumeOK
		if requireTradeCount && !countOK {
			parseError = true
		}
		if parseError {
			summary.ParseErrors++
		}
		if !countOK {
			tradeCount = nil
		}
		rows[entry.Symbol] = parsedRow{
			quoteVolume: quoteVolume,
			volume:      volume,
			tradeCount:  tradeCount,
			parseError:  parseError,
		}
	}

	mids := make(map[string]*float64, len(books))
	for _, quote := range books {
		if quote.Symbol == "" {
			continue
		}
		if mid := midPrice(quote); mid != nil {
			mids[quote.Symbol] = mid
		}
	}

	log.Info().
		Str("event", "ticker24h_parsed").
		Int("total_rows", summary.TotalRows).
		Int("parse_errors", summary.ParseErrors).
		Msg("parsed ticker/24hr payload")

	stats := make(map[string]TickerStats, len(symbols))
	for _, symbol := range symbols {
		row, ok := rows[symbol]
		if !ok {
			stats[symbol] = TickerStats{
				Symbol:           symbol,
				MidPrice:         mids[symbol],
				Missing24hStats:  true,
				Missing24hReason: MissingNoRow,
			}
			summary.MissingCount++
			continue
		}
		if row.parseError {
			stats[symbol] = TickerStats{
				Symbol:           symbol,
				QuoteVolumeRaw:   row.quoteVolume,
				VolumeRaw:        row.volume,
				MidPrice:         mids[symbol],
				TradeCount:       row.tradeCount,
				Missing24hStats:  true,
				Missing24hReason: MissingParseError,
			}
			summary.MissingCount++
			continue
		}

		mid := mids[symbol]
		var estimate *float64
		effective := row.quoteVolume
		usedEstimate := false
		if effective == nil && useEstimate && row.volume != nil && mid != nil {
			est := *row.volume * *mid
			estimate = &est
			effective = &est
			usedEstimate = true
		}

		missing := false
		reason := ""
		switch {
		case row.quoteVolume == nil && row.volume == nil:
			missing = true
			reason = MissingNoAnyFields
		case row.quoteVolume == nil && effective == nil:
			missing = true
			reason = MissingNoVolumeNoMid
		}
		if requireTradeCount && row.tradeCount == nil {
			missing = true
			if reason == "" {
				reason = MissingTradeCountReason
			}
		}

		if usedEstimate {
			summary.UsedEstimates++
		}
		if missing {
			summary.MissingCount++
		}
		if effective != nil {
			log.Debug().
				Str("event", "ticker24h_effective_volume_computed").
				Str("symbol", symbol).
				Bool("used_est", usedEstimate).
				Float64("quoteVolume_effective", *effective).
				Msg("computed effective 24h quote volume")
		}

		stats[symbol] = TickerStats{
			Symbol:               symbol,
			QuoteVolumeRaw:       row.quoteVolume,
			VolumeRaw:            row.volume,
			MidPrice:             mid,
			QuoteVolumeEst:       estimate,
			QuoteVolumeEffective: effective,
			TradeCount:           row.tradeCount,
			Missing24hStats:      missing,
			Missing24hReason:     reason,
			UsedEstimate:         usedEstimate,
		}
	}
	return stats, summary
}
