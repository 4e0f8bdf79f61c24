// Package spread holds the spread sampling loop, per-symbol statistics, and
// the edge/score evaluation that decides which symbols pass.
package spread

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// MinSampleCount is the minimum number of valid samples required for
// meaningful percentile statistics.
const MinSampleCount = 3

// Sample is one bid/ask observation for a symbol.
type Sample struct {
	Symbol string
	Bid    float64
	Ask    float64
}

// ErrInvalidQuote marks a crossed quote or non-positive midprice.
var ErrInvalidQuote = errors.New("invalid quote")

// SpreadBps computes (ask-bid)/mid in basis points. Quotes with bid >= ask
// or mid <= 0 are invalid.
func SpreadBps(bid, ask float64) (float64, error) {
	mid := (bid + ask) / 2
	if bid >= ask || mid <= 0 {
		return 0, ErrInvalidQuote
	}
	return (ask - bid) / mid * 10_000, nil
}

// Stats aggregates spread observations for one symbol. Percentile fields are
// nil when no valid sample exists. The 24h fields are filled by the score
// stage from ticker data.
type Stats struct {
	Symbol              string
	SampleCount         int
	ValidSamples        int
	InvalidQuotes       int
	MedianBps           *float64
	P10Bps              *float64
	P25Bps              *float64
	P90Bps              *float64
	Uptime              float64
	InsufficientSamples bool

	QuoteVolume24h          *float64
	QuoteVolume24hRaw       *float64
	Volume24hRaw            *float64
	MidPrice                *float64
	QuoteVolume24hEst       *float64
	QuoteVolume24hEffective *float64
	Trades24h               *int64
	Missing24hStats         bool
	Missing24hReason        string
}

// Percentile computes q over a sorted ascending vector by linear
// interpolation: position q*(n-1), interpolated between the neighbors.
func Percentile(sorted []float64, q float64) (float64, error) {
	if len(sorted) == 0 {
		return 0, errors.New("percentile requires at least one value")
	}
	if q < 0 || q > 1 {
		return 0, fmt.Errorf("percentile %v out of [0,1]", q)
	}
	if len(sorted) == 1 {
		return sorted[0], nil
	}
	position := q * float64(len(sorted)-1)
	lo := int(math.Floor(position))
	hi := int(math.Ceil(position))
	if lo == hi {
		return sorted[lo], nil
	}
	weight := position - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*weight, nil
}

// ComputeStats reduces a symbol's samples to spread statistics. Invalid
// quotes are counted and excluded from the percentile vector.
func ComputeStats(samples []Sample) (Stats, error) {
	if len(samples) == 0 {
		return Stats{}, errors.New("no samples provided for spread stats")
	}

	stats := Stats{SampleCount: len(samples)}
	for _, sample := range samples {
		if stats.Symbol == "" {
			stats.Symbol = sample.Symbol
		}
	}

	var spreads []float64
	for _, sample := range samples {
		bps, err := SpreadBps(sample.Bid, sample.Ask)
		if err != nil {
			stats.InvalidQuotes++
			continue
		}
		spreads = append(spreads, bps)
	}

	stats.ValidSamples = len(spreads)
	stats.Uptime = float64(stats.ValidSamples) / float64(stats.SampleCount)
	stats.InsufficientSamples = stats.ValidSamples < MinSampleCount

	if len(spreads) > 0 {
		sort.Float64s(spreads)
		for _, pct := range []struct {
			q   float64
			dst **float64
		}{
			{0.50, &stats.MedianBps},
			{0.10, &stats.P10Bps},
			{0.25, &stats.P25Bps},
			{0.90, &stats.P90Bps},
		} {
			value, err := Percentile(spreads, pct.q)
			if err != nil {
				return Stats{}, err
			}
			v := value
			*pct.dst = &v
		}
	}
	return stats, nil
}
