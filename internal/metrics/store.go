// Package metrics owns the process-wide counters and gauges for a scanner
// run. Metrics live in a private Prometheus registry and are snapshotted to
// the run directory's metrics.json after every stage transition.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Latency histogram bucket upper bounds in milliseconds.
var latencyBucketsMS = []float64{25, 50, 100, 250, 500, 1000, 2000, 5000}

// RunHealth values derived from the HTTP status counters.
const (
	HealthOK          = "ok"
	HealthDegraded    = "degraded"
	HealthAPIUnstable = "api_unstable"
)

// Store aggregates all run metrics. Safe for concurrent use; the underlying
// Prometheus collectors carry their own synchronization.
type Store struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpRetries  *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	stageSuccess prometheus.Counter
	stageFailed  prometheus.Counter
	stageSkipped prometheus.Counter
	stageTimeout prometheus.Counter
	runTimeouts  prometheus.Counter
	stageElapsed *prometheus.GaugeVec

	tickerRows       prometheus.Counter
	tickerParseFails prometheus.Counter
	volumeEstimates  prometheus.Counter
	reportGenerated  prometheus.Counter
	missing24h       prometheus.Gauge
	runDegraded      prometheus.Gauge
}

// NewStore builds an empty metric store with its own registry.
func NewStore() *Store {
	s := &Store{registry: prometheus.NewRegistry()}

	s.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by endpoint and status label.",
	}, []string{"endpoint", "status"})
	s.httpRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_retries_total",
		Help: "HTTP retries by endpoint and reason.",
	}, []string{"endpoint", "reason"})
	s.httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_ms",
		Help:    "HTTP request latency in milliseconds.",
		Buckets: latencyBucketsMS,
	}, []string{"endpoint"})

	s.stageSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_stage_success_total",
		Help: "Stages finished with status success or timeout (partial success).",
	})
	s.stageFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_stage_failed_total",
		Help: "Stages finished with status failed.",
	})
	s.stageSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_stage_skipped_total",
		Help: "Stages skipped on resume.",
	})
	s.stageTimeout = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_stage_timeouts_total",
		Help: "Stages that exceeded their deadline.",
	})
	s.runTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_run_timeouts_total",
		Help: "Runs that hit the total pipeline deadline.",
	})
	s.stageElapsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stage_elapsed_seconds",
		Help: "Wall-clock seconds per stage.",
	}, []string{"stage"})

	s.tickerRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ticker24h_rows_total",
		Help: "Rows received from ticker/24hr.",
	})
	s.tickerParseFails = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ticker24h_parse_fail_total",
		Help: "Ticker rows with unparseable volume or count fields.",
	})
	s.volumeEstimates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quote_volume_est_used_total",
		Help: "Symbols whose 24h quote volume was estimated from base volume.",
	})
	s.reportGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "report_generated_total",
		Help: "Reports rendered.",
	})
	s.missing24h = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "missing_24h_stats_symbols",
		Help: "Symbols with missing 24h market data at universe build time.",
	})
	s.runDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "run_degraded",
		Help: "1 when the run finished in a degraded state.",
	})

	s.registry.MustRegister(
		s.httpRequests, s.httpRetries, s.httpLatency,
		s.stageSuccess, s.stageFailed, s.stageSkipped, s.stageTimeout, s.runTimeouts,
		s.stageElapsed,
		s.tickerRows, s.tickerParseFails, s.volumeEstimates, s.reportGenerated,
		s.missing24h, s.runDegraded,
	)
	return s
}

// RecordRequest records one HTTP attempt. status is the numeric HTTP status
// or one of "timeout", "connection_error", "error".
func (s *Store) RecordRequest(endpoint, status string, latencyMS float64) {
	s.httpRequests.WithLabelValues(endpoint, status).Inc()
	s.httpLatency.WithLabelValues(endpoint).Observe(latencyMS)
}

// RecordRetry records one retry attempt with its classified reason.
func (s *Store) RecordRetry(endpoint, reason string) {
	s.httpRetries.WithLabelValues(endpoint, reason).Inc()
}

func (s *Store) IncStageSuccess() { s.stageSuccess.Inc() }
func (s *Store) IncStageFailed()  { s.stageFailed.Inc() }
func (s *Store) IncStageSkipped() { s.stageSkipped.Inc() }
func (s *Store) IncStageTimeout() { s.stageTimeout.Inc() }
func (s *Store) IncRunTimeout()   { s.runTimeouts.Inc() }
func (s *Store) IncReportDone()   { s.reportGenerated.Inc() }

// SetStageElapsed records the wall-clock duration of a stage.
func (s *Store) SetStageElapsed(stage string, seconds float64) {
	s.stageElapsed.WithLabelValues(stage).Set(seconds)
}

func (s *Store) AddTickerRows(n int)        { s.tickerRows.Add(float64(n)) }
func (s *Store) AddTickerParseFails(n int)  { s.tickerParseFails.Add(float64(n)) }
func (s *Store) AddVolumeEstimates(n int)   { s.volumeEstimates.Add(float64(n)) }
func (s *Store) SetMissing24hSymbols(n int) { s.missing24h.Set(float64(n)) }

// SetRunDegraded records the terminal degraded flag for the run.
func (s *Store) SetRunDegraded(degraded bool) {
	if degraded {
		s.runDegraded.Set(1)
	} else {
		s.runDegraded.Set(0)
	}
}

// Snapshot flattens the registry into deterministic key/value pairs.
// Labelled series render as name{k=v,...} with label keys sorted; histograms
// expand into _bucket/_sum/_count entries.
func (s *Store) Snapshot() (map[string]float64, error) {
	families, err := s.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	flat := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			key := seriesKey(family.GetName(), metric.GetLabel())
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				flat[key] = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				flat[key] = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				hist := metric.GetHistogram()
				for _, bucket := range hist.GetBucket() {
					bucketKey := seriesKey(family.GetName()+"_bucket", append(metric.GetLabel(), &dto.LabelPair{
						Name:  strPtr("le"),
						Value: strPtr(formatBound(bucket.GetUpperBound())),
					}))
					flat[bucketKey] = float64(bucket.GetCumulativeCount())
				}
				flat[seriesKey(family.GetName()+"_sum", metric.GetLabel())] = hist.GetSampleSum()
				flat[seriesKey(family.GetName()+"_count", metric.GetLabel())] = float64(hist.GetSampleCount())
			}
		}
	}
	return flat, nil
}

// WriteSnapshot serializes the current snapshot to path with write-to-temp
// plus rename, so a crash never leaves partial JSON behind.
func (s *Store) WriteSnapshot(path string) error {
	flat, err := s.Snapshot()
	if err != nil {
		return err
	}

	payload := struct {
		UpdatedAt string             `json:"updated_at"`
		Metrics   map[string]float64 `json:"metrics"`
	}{
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Metrics:   flat,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*.json")
	if err != nil {
		return fmt.Errorf("create temp metrics file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close metrics: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// HealthSummary aggregates the HTTP status counters relevant to run health.
type HealthSummary struct {
	RunHealth    string  `json:"run_health"`
	HTTP429Total float64 `json:"http_429_total"`
	HTTP403Total float64 `json:"http_403_total"`
	HTTP5xxTotal float64 `json:"http_5xx_total"`
}

// Health derives run_health from the recorded HTTP statuses: any 5xx means
// api_unstable, any 429/403 (or an explicit degraded flag) means degraded.
func (s *Store) Health() HealthSummary {
	summary := HealthSummary{RunHealth: HealthOK}

	families, err := s.registry.Gather()
	if err != nil {
		summary.RunHealth = HealthDegraded
		return summary
	}
	degradedFlag := false
	for _, family := range families {
		switch family.GetName() {
		case "http_requests_total":
			for _, metric := range family.GetMetric() {
				status := labelValue(metric.GetLabel(), "status")
				value := metric.GetCounter().GetValue()
				switch {
				case status == "429":
					summary.HTTP429Total += value
				case status == "403":
					summary.HTTP403Total += value
				case len(status) == 3 && status[0] == '5':
					summary.HTTP5xxTotal += value
				}
			}
		case "run_degraded":
			for _, metric := range family.GetMetric() {
				if metric.GetGauge().GetValue() > 0 {
					degradedFlag = true
				}
			}
		}
	}

	switch {
	case summary.HTTP5xxTotal > 0:
		summary.RunHealth = HealthAPIUnstable
	case summary.HTTP429Total > 0 || summary.HTTP403Total > 0 || degradedFlag:
		summary.RunHealth = HealthDegraded
	}
	return summary
}

func seriesKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for _, label := range labels {
		pairs = append(pairs, label.GetName()+"="+label.GetValue())
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func labelValue(labels []*dto.LabelPair, name string) string {
	for _, label := range labels {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}

func formatBound(bound float64) string {
	if bound == float64(int64(bound)) {
		return fmt.Sprintf("%d", int64(bound))
	}
	return fmt.Sprintf("%g", bound)
}

func strPtr(s string) *string { return &s }
