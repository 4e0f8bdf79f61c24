package artifacts

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunIDFormat(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC)
	id := NewRunID(now)
	assert.Regexp(t, regexp.MustCompile(`^20260825_143005Z_[0-9a-f]{6}$`), id)
	assert.NotEqual(t, id, NewRunID(now), "random suffix must differ between calls")
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{OutputDir: "/tmp/out", RunID: "20260825_143005Z_abc123"}
	assert.Equal(t, "/tmp/out/run_20260825_143005Z_abc123", l.Dir())
	assert.Equal(t, filepath.Join(l.Dir(), "summary.csv"), l.Path(FileSummaryCSV))
	assert.True(t, strings.HasSuffix(l.RawBookTickerPath(true), ".jsonl.gz"))
	assert.True(t, strings.HasSuffix(l.RawBookTickerPath(false), ".jsonl"))
}

func TestWriteJSONAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"a": 1}))

	var got map[string]int
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, 1, got["a"])

	// Overwrite replaces content fully.
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"b": 2}))
	got = nil
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, map[string]int{"b": 2}, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestRunMetaRoundTrip(t *testing.T) {
	l := Layout{OutputDir: t.TempDir(), RunID: "r1"}
	require.NoError(t, l.Ensure())

	meta := RunMeta{
		RunID:          "r1",
		StartedAt:      "2026-08-25T14:30:05Z",
		Config:         map[string]any{"k": "v"},
		ConfigHash:     "deadbeef",
		Status:         "running",
		ScannerVersion: "0.1.1",
		SpecVersion:    "0.1",
	}
	require.NoError(t, WriteRunMeta(l, meta))

	got, err := ReadRunMeta(l)
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, "0.1", got.SpecVersion)
	assert.Empty(t, got.Error)
}

func TestJSONLWriterPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.jsonl")
	w, err := NewJSONLWriter(path, false)
	require.NoError(t, err)
	require.NoError(t, w.Write(map[string]string{"symbol": "BTCUSDT", "bid": "100.1"}))
	require.NoError(t, w.Write(map[string]string{"symbol": "ETHUSDT", "bid": "50.2"}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var rec map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "BTCUSDT", rec["symbol"])
}

func TestJSONLWriterGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.jsonl.gz")
	w, err := NewJSONLWriter(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Write(map[string]string{"symbol": "BTCUSDT"}))
	require.NoError(t, w.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	gz, err := gzip.NewReader(file)
	require.NoError(t, err)
	scanner := bufio.NewScanner(gz)
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), "BTCUSDT")
}

func TestValidateUniverse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "universe.json")

	assert.Error(t, ValidateUniverse(path, true), "missing file")

	require.NoError(t, os.WriteFile(path, []byte(`{"symbols":[]}`), 0o644))
	assert.Error(t, ValidateUniverse(path, true), "strict rejects empty")
	assert.NoError(t, ValidateUniverse(path, false), "lenient allows empty")

	require.NoError(t, os.WriteFile(path, []byte(`{"symbols":["BTCUSDT"]}`), 0o644))
	assert.NoError(t, ValidateUniverse(path, true))

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	assert.Error(t, ValidateUniverse(path, false))
}

func TestValidateSummaryCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "summary.csv")

	header := strings.Join(SummaryColumns, ",")
	require.NoError(t, os.WriteFile(path, []byte(header+"\n"), 0o644))
	assert.Error(t, ValidateSummaryCSV(path, true), "strict requires rows")
	assert.NoError(t, ValidateSummaryCSV(path, false))

	row := strings.Repeat(",", len(SummaryColumns)-1)
	require.NoError(t, os.WriteFile(path, []byte(header+"\n"+row+"\n"), 0o644))
	assert.NoError(t, ValidateSummaryCSV(path, true))

	require.NoError(t, os.WriteFile(path, []byte("symbol,score\nBTCUSDT,1\n"), 0o644))
	assert.Error(t, ValidateSummaryCSV(path, false), "missing columns")
}

func TestDepthMetricsColumnsLayout(t *testing.T) {
	columns := DepthMetricsColumns([]float64{10, 25, 50})
	// Band columns slot in after the topn medians.
	idx := func(name string) int {
		for i, col := range columns {
			if col == name {
				return i
			}
		}
		return -1
	}
	assert.Equal(t, idx("topn_ask_notional_median")+1, idx("band_bid_notional_median_10bps"))
	assert.Equal(t, idx("band_bid_notional_median_50bps")+1, idx("unwind_slippage_p90_bps"))
	assert.Contains(t, columns, "depth_fail_reasons")
	assert.Contains(t, columns, "unwind_slippage_pass")
}

func TestFormatBand(t *testing.T) {
	assert.Equal(t, "10", FormatBand(10))
	assert.Equal(t, "2.5", FormatBand(2.5))
	assert.Equal(t, "band_bid_notional_median_25bps", BandColumn(25))
}

func TestValidateReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.md")

	assert.Error(t, ValidateReport(path, false))

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))
	assert.Error(t, ValidateReport(path, true))
	assert.NoError(t, ValidateReport(path, false))

	require.NoError(t, os.WriteFile(path, []byte("# Report\n"), 0o644))
	assert.NoError(t, ValidateReport(path, true))
}
