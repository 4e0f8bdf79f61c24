package spread

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spreadscan/spreadscan/internal/artifacts"
)

// ReadRawSamples loads raw_bookticker.jsonl[.gz] and groups samples per
// symbol in append order. Lines that fail to parse are skipped.
func ReadRawSamples(path string) (map[string][]Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raw capture: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("open gzip capture: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	samples := make(map[string][]Sample)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record RawRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		bid, bidErr := strconv.ParseFloat(record.Bid, 64)
		ask, askErr := strconv.ParseFloat(record.Ask, 64)
		if record.Symbol == "" || bidErr != nil || askErr != nil {
			continue
		}
		samples[record.Symbol] = append(samples[record.Symbol], Sample{
			Symbol: record.Symbol,
			Bid:    bid,
			Ask:    ask,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan raw capture: %w", err)
	}
	return samples, nil
}

// LoadSummary reads summary.json back into rows, preserving file order.
func LoadSummary(path string) ([]SummaryRow, error) {
	var rows []SummaryRow
	if err := artifacts.ReadJSON(path, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ScoreResult rebuilds the scored outcome from a persisted row so later
// stages can consume summary.json without re-running the scorer.
func (r SummaryRow) ScoreResult() ScoreResult {
	reasons := make(map[string]bool, len(r.FailReasons))
	for _, reason := range r.FailReasons {
		reasons[reason] = true
	}
	invalidQuotes := 0
	if reasons[ReasonInvalidQuotes] {
		invalidQuotes = 1
	}
	stats := Stats{
		Symbol:                  r.Symbol,
		InvalidQuotes:           invalidQuotes,
		MedianBps:               r.SpreadMedianBps,
		P10Bps:                  r.SpreadP10Bps,
		P25Bps:                  r.SpreadP25Bps,
		P90Bps:                  r.SpreadP90Bps,
		Uptime:                  r.Uptime,
		InsufficientSamples:     reasons[ReasonInsufficientSamples],
		QuoteVolume24h:          r.QuoteVolume24h,
		QuoteVolume24hRaw:       r.QuoteVolume24hRaw,
		Volume24hRaw:            r.Volume24hRaw,
		MidPrice:                r.MidPrice,
		QuoteVolume24hEst:       r.QuoteVolume24hEst,
		QuoteVolume24hEffective: r.QuoteVolume24hEffective,
		Trades24h:               r.Trades24h,
		Missing24hStats:         r.Missing24hStats,
		Missing24hReason:        r.Missing24hReason,
	}
	failReasons := r.FailReasons
	if failReasons == nil {
		failReasons = []string{}
	}
	return ScoreResult{
		Symbol:       r.Symbol,
		Stats:        stats,
		EdgeMMBps:    r.EdgeMMBps,
		EdgeMMP25Bps: r.EdgeMMP25Bps,
		EdgeMTBps:    r.EdgeMTBps,
		NetEdgeBps:   r.NetEdgeBps,
		PassSpread:   r.PassSpread,
		Score:        r.Score,
		FailReasons:  failReasons,
	}
}
