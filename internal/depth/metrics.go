// Package depth samples order books for spread-stage candidates and
// evaluates liquidity and unwind-slippage criteria.
package depth

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spreadscan/spreadscan/internal/artifacts"
	"github.com/spreadscan/spreadscan/internal/mexc"
	"github.com/spreadscan/spreadscan/internal/spread"
)

// Snapshot classification errors. The checker maps these onto the
// empty_book / invalid_book_levels counters.
var (
	ErrEmptyBook     = errors.New("empty book")
	ErrInvalidLevels = errors.New("invalid book levels")
)

// Level is one parsed (price, qty) order-book entry.
type Level struct {
	Price float64
	Qty   float64
}

// SnapshotMetrics holds the liquidity metrics of a single order-book read.
// Band notionals are keyed by the band width formatted per FormatBand.
// UnwindSlippageBps is nil when the book is too thin to fill the simulated
// stress order.
type SnapshotMetrics struct {
	BestBidNotional   float64
	BestAskNotional   float64
	TopNBidNotional   float64
	TopNAskNotional   float64
	BandBidNotional   map[string]float64
	UnwindSlippageBps *float64
}

// ParseLevels validates raw levels into typed entries. A level must have at
// least price and qty, both numeric and positive.
func ParseLevels(raw []mexc.DepthLevel) ([]Level, error) {
	parsed := make([]Level, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("%w: level needs price and quantity", ErrInvalidLevels)
		}
		price, priceOK := entry[0].Float()
		qty, qtyOK := entry[1].Float()
		if !priceOK || !qtyOK {
			return nil, fmt.Errorf("%w: price/qty must be numeric", ErrInvalidLevels)
		}
		if price <= 0 || qty <= 0 {
			return nil, fmt.Errorf("%w: price/qty must be positive", ErrInvalidLevels)
		}
		parsed = append(parsed, Level{Price: price, Qty: qty})
	}
	return parsed, nil
}

// ComputeSnapshot parses a raw order book and computes all per-snapshot
// liquidity metrics. Bids arrive price-descending and asks price-ascending.
func ComputeSnapshot(book *mexc.Depth, topN int, bandBps []float64, stressNotional float64) (*SnapshotMetrics, error) {
	if topN <= 0 {
		return nil, errors.New("top_n must be positive")
	}
	if stressNotional <= 0 {
		return nil, errors.New("stress_notional must be positive")
	}

	bids, err := ParseLevels(book.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := ParseLevels(book.Asks)
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 || len(asks) == 0 {
		return nil, ErrEmptyBook
	}

	mid := (bids[0].Price + asks[0].Price) / 2
	if mid <= 0 {
		return nil, fmt.Errorf("%w: non-positive mid price", ErrInvalidLevels)
	}

	metrics := &SnapshotMetrics{
		BestBidNotional: bids[0].Price * bids[0].Qty,
		BestAskNotional: asks[0].Price * asks[0].Qty,
		BandBidNotional: make(map[string]float64, len(bandBps)),
	}
	for i, level := range bids {
		if i >= topN {
			break
		}
		metrics.TopNBidNotional += level.Price * level.Qty
	}
	for i, level := range asks {
		if i >= topN {
			break
		}
		metrics.TopNAskNotional += level.Price * level.Qty
	}

	for _, band := range bandBps {
		threshold := mid * (1 - band/10_000)
		total := 0.0
		for _, level := range bids {
			if level.Price >= threshold {
				total += level.Price * level.Qty
			}
		}
		metrics.BandBidNotional[artifacts.FormatBand(band)] = total
	}

	metrics.UnwindSlippageBps = UnwindSlippageBps(bids, mid, stressNotional)
	return metrics, nil
}

// UnwindSlippageBps simulates selling stressNotional (quote currency) into
// the bids best-to-worst and returns the VWAP slippage from mid in basis
// points. Nil means the book could not absorb the full order.
func UnwindSlippageBps(bids []Level, mid, stressNotional float64) *float64 {
	if mid <= 0 || stressNotional <= 0 {
		return nil
	}
	totalQuote := 0.0
	totalBase := 0.0
	remaining := stressNotional
	for _, level := range bids {
		levelNotional := level.Price * level.Qty
		if levelNotional >= remaining {
			totalQuote += remaining
			totalBase += remaining / level.Price
			remaining = 0
			break
		}
		totalQuote += levelNotional
		totalBase += level.Qty
		remaining -= levelNotional
	}
	if remaining > 0 || totalBase <= 0 {
		return nil
	}
	vwap := totalQuote / totalBase
	slippage := (mid - vwap) / mid * 10_000
	return &slippage
}

// Aggregates summarizes a symbol's snapshot series. Medians are nil when no
// snapshot was collected; the slippage P90 additionally excludes snapshots
// whose slippage was undefined.
type Aggregates struct {
	BestBidNotionalMedian *float64
	BestAskNotionalMedian *float64
	TopNBidNotionalMedian *float64
	TopNAskNotionalMedian *float64
	BandBidNotionalMedian map[string]float64
	UnwindSlippageP90Bps  *float64
}

// Aggregate reduces the snapshot series to medians plus the slippage P90.
func Aggregate(snapshots []*SnapshotMetrics, bandBps []float64) Aggregates {
	agg := Aggregates{BandBidNotionalMedian: make(map[string]float64, len(bandBps))}
	if len(snapshots) == 0 {
		return agg
	}

	bestBid := make([]float64, 0, len(snapshots))
	bestAsk := make([]float64, 0, len(snapshots))
	topNBid := make([]float64, 0, len(snapshots))
	topNAsk := make([]float64, 0, len(snapshots))
	var slippage []float64
	for _, snap := range snapshots {
		bestBid = append(bestBid, snap.BestBidNotional)
		bestAsk = append(bestAsk, snap.BestAskNotional)
		topNBid = append(topNBid, snap.TopNBidNotional)
		topNAsk = append(topNAsk, snap.TopNAskNotional)
		if snap.UnwindSlippageBps != nil {
			slippage = append(slippage, *snap.UnwindSlippageBps)
		}
	}

	agg.BestBidNotionalMedian = median(bestBid)
	agg.BestAskNotionalMedian = median(bestAsk)
	agg.TopNBidNotionalMedian = median(topNBid)
	agg.TopNAskNotionalMedian = median(topNAsk)

	for _, band := range bandBps {
		key := artifacts.FormatBand(band)
		values := make([]float64, 0, len(snapshots))
		for _, snap := range snapshots {
			values = append(values, snap.BandBidNotional[key])
		}
		if m := median(values); m != nil {
			agg.BandBidNotionalMedian[key] = *m
		}
	}

	if len(slippage) > 0 {
		sort.Float64s(slippage)
		if p90, err := spread.Percentile(slippage, 0.90); err == nil {
			agg.UnwindSlippageP90Bps = &p90
		}
	}
	return agg
}

func median(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	v, err := spread.Percentile(sorted, 0.5)
	if err != nil {
		return nil
	}
	return &v
}
