package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotKeys(t *testing.T) {
	s := NewStore()
	s.RecordRequest("/api/v3/depth", "200", 42)
	s.RecordRequest("/api/v3/depth", "200", 120)
	s.RecordRetry("/api/v3/depth", "rate_limited")
	s.SetStageElapsed("spread", 12.5)
	s.IncStageSuccess()

	flat, err := s.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, 2.0, flat["http_requests_total{endpoint=/api/v3/depth,status=200}"])
	assert.Equal(t, 1.0, flat["http_retries_total{endpoint=/api/v3/depth,reason=rate_limited}"])
	assert.Equal(t, 12.5, flat["stage_elapsed_seconds{stage=spread}"])
	assert.Equal(t, 1.0, flat["pipeline_stage_success_total"])
	assert.Equal(t, 2.0, flat["http_request_duration_ms_count{endpoint=/api/v3/depth}"])
	// 42ms lands in the 50ms bucket, 120ms only in 250 and above.
	assert.Equal(t, 1.0, flat["http_request_duration_ms_bucket{endpoint=/api/v3/depth,le=50}"])
	assert.Equal(t, 2.0, flat["http_request_duration_ms_bucket{endpoint=/api/v3/depth,le=250}"])
}

func TestHealthClassification(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s := NewStore()
		s.RecordRequest("/api/v3/exchangeInfo", "200", 10)
		assert.Equal(t, HealthOK, s.Health().RunHealth)
	})

	t.Run("degraded on 429", func(t *testing.T) {
		s := NewStore()
		s.RecordRequest("/api/v3/exchangeInfo", "429", 10)
		s.RecordRequest("/api/v3/exchangeInfo", "200", 10)
		health := s.Health()
		assert.Equal(t, HealthDegraded, health.RunHealth)
		assert.Equal(t, 1.0, health.HTTP429Total)
	})

	t.Run("degraded on 403", func(t *testing.T) {
		s := NewStore()
		s.RecordRequest("/api/v3/depth", "403", 10)
		assert.Equal(t, HealthDegraded, s.Health().RunHealth)
	})

	t.Run("degraded flag without http errors", func(t *testing.T) {
		s := NewStore()
		s.SetRunDegraded(true)
		assert.Equal(t, HealthDegraded, s.Health().RunHealth)
	})

	t.Run("api_unstable beats degraded", func(t *testing.T) {
		s := NewStore()
		s.RecordRequest("/api/v3/depth", "429", 10)
		s.RecordRequest("/api/v3/depth", "502", 10)
		health := s.Health()
		assert.Equal(t, HealthAPIUnstable, health.RunHealth)
		assert.Equal(t, 1.0, health.HTTP5xxTotal)
	})

	t.Run("timeout labels are not 5xx", func(t *testing.T) {
		s := NewStore()
		s.RecordRequest("/api/v3/depth", "timeout", 10)
		s.RecordRequest("/api/v3/depth", "connection_error", 10)
		assert.Equal(t, HealthOK, s.Health().RunHealth)
	})
}

func TestWriteSnapshotAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.json")

	s := NewStore()
	s.AddTickerRows(100)
	s.SetMissing24hSymbols(7)
	require.NoError(t, s.WriteSnapshot(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var payload struct {
		UpdatedAt string             `json:"updated_at"`
		Metrics   map[string]float64 `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.NotEmpty(t, payload.UpdatedAt)
	assert.Equal(t, 100.0, payload.Metrics["ticker24h_rows_total"])
	assert.Equal(t, 7.0, payload.Metrics["missing_24h_stats_symbols"])

	// No temp droppings after a successful write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
