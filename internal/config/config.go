// Package config loads and validates the scanner's YAML configuration.
package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigError reports an unreadable, malformed, or invalid configuration.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the full scanner configuration tree.
type Config struct {
	Mexc       MexcConfig       `yaml:"mexc" json:"mexc"`
	Universe   UniverseConfig   `yaml:"universe" json:"universe"`
	Sampling   SamplingConfig   `yaml:"sampling" json:"sampling"`
	Depth      DepthConfig      `yaml:"depth" json:"depth"`
	Fees       FeesConfig       `yaml:"fees" json:"fees"`
	Thresholds ThresholdsConfig `yaml:"thresholds" json:"thresholds"`
	Pipeline   PipelineConfig   `yaml:"pipeline" json:"pipeline"`
	Report     ReportConfig     `yaml:"report" json:"report"`
	Obs        ObsConfig        `yaml:"obs" json:"obs"`
	Runtime    RuntimeConfig    `yaml:"runtime" json:"runtime"`

	blacklist []*regexp.Regexp
}

// MexcConfig controls the REST client and token bucket.
type MexcConfig struct {
	BaseURL      string  `yaml:"base_url" json:"base_url"`
	TimeoutS     float64 `yaml:"timeout_s" json:"timeout_s"`           // per-request timeout
	MaxRPS       float64 `yaml:"max_rps" json:"max_rps"`               // token bucket fill rate
	MaxRetries   int     `yaml:"max_retries" json:"max_retries"`       // retries beyond the first attempt
	BackoffBaseS float64 `yaml:"backoff_base_s" json:"backoff_base_s"` // exponential backoff base
	BackoffMaxS  float64 `yaml:"backoff_max_s" json:"backoff_max_s"`   // backoff ceiling before jitter
}

func (m MexcConfig) Timeout() time.Duration     { return secs(m.TimeoutS) }
func (m MexcConfig) BackoffBase() time.Duration { return secs(m.BackoffBaseS) }
func (m MexcConfig) BackoffMax() time.Duration  { return secs(m.BackoffMaxS) }

// UniverseConfig controls the symbol filter chain.
type UniverseConfig struct {
	QuoteAsset             string   `yaml:"quote_asset" json:"quote_asset"`
	AllowedExchangeStatus  []string `yaml:"allowed_exchange_status" json:"allowed_exchange_status"`
	BlacklistRegex         []string `yaml:"blacklist_regex" json:"blacklist_regex"`
	Whitelist              []string `yaml:"whitelist" json:"whitelist"` // bypasses 24h activity thresholds
	MinQuoteVolume24h      float64  `yaml:"min_quote_volume_24h" json:"min_quote_volume_24h"`
	MinTrades24h           int64    `yaml:"min_trades_24h" json:"min_trades_24h"`
	UseQuoteVolumeEstimate bool     `yaml:"use_quote_volume_estimate" json:"use_quote_volume_estimate"`
	RequireTradeCount      bool     `yaml:"require_trade_count" json:"require_trade_count"`
}

// SamplingConfig groups the spread and depth sampling loops and raw capture.
type SamplingConfig struct {
	Spread SpreadSamplingConfig `yaml:"spread" json:"spread"`
	Depth  DepthSamplingConfig  `yaml:"depth" json:"depth"`
	Raw    RawConfig            `yaml:"raw" json:"raw"`
}

type SpreadSamplingConfig struct {
	IntervalS      float64 `yaml:"interval_s" json:"interval_s"`
	DurationS      float64 `yaml:"duration_s" json:"duration_s"`
	MinUptime      float64 `yaml:"min_uptime" json:"min_uptime"` // gate for low_quality and partial success
	AllowPerSymbol bool    `yaml:"allow_per_symbol" json:"allow_per_symbol"`
	PerSymbolLimit int     `yaml:"per_symbol_limit" json:"per_symbol_limit"` // max universe size for fallback
}

type DepthSamplingConfig struct {
	IntervalS       float64 `yaml:"interval_s" json:"interval_s"`
	DurationS       float64 `yaml:"duration_s" json:"duration_s"`
	Limit           int     `yaml:"limit" json:"limit"` // order-book levels per request
	CandidatesLimit int     `yaml:"candidates_limit" json:"candidates_limit"`
}

type RawConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Gzip    bool `yaml:"gzip" json:"gzip"`
}

// DepthConfig controls order-book metric computation.
type DepthConfig struct {
	TopNLevels         int       `yaml:"top_n_levels" json:"top_n_levels"`
	BandBps            []float64 `yaml:"band_bps" json:"band_bps"`
	StressNotionalUSDT float64   `yaml:"stress_notional_usdt" json:"stress_notional_usdt"`
	EnableBandChecks   bool      `yaml:"enable_band_checks" json:"enable_band_checks"`
	EnableTopNChecks   bool      `yaml:"enable_topn_checks" json:"enable_topn_checks"`
}

type FeesConfig struct {
	MakerBps float64 `yaml:"maker_bps" json:"maker_bps"`
	TakerBps float64 `yaml:"taker_bps" json:"taker_bps"`
}

// ThresholdsConfig holds every pass/fail cutoff.
type ThresholdsConfig struct {
	UptimeMin  float64                `yaml:"uptime_min" json:"uptime_min"`
	BufferBps  float64                `yaml:"buffer_bps" json:"buffer_bps"`
	EdgeMinBps float64                `yaml:"edge_min_bps" json:"edge_min_bps"`
	Spread     SpreadThresholdsConfig `yaml:"spread" json:"spread"`
	Depth      DepthThresholdsConfig  `yaml:"depth" json:"depth"`
}

type SpreadThresholdsConfig struct {
	MedianMinBps float64 `yaml:"median_min_bps" json:"median_min_bps"`
	MedianMaxBps float64 `yaml:"median_max_bps" json:"median_max_bps"`
	P90MinBps    float64 `yaml:"p90_min_bps" json:"p90_min_bps"`
	P90MaxBps    float64 `yaml:"p90_max_bps" json:"p90_max_bps"`
}

type DepthThresholdsConfig struct {
	BestLevelMinNotional  float64 `yaml:"best_level_min_notional" json:"best_level_min_notional"`
	UnwindSlippageMaxBps  float64 `yaml:"unwind_slippage_max_bps" json:"unwind_slippage_max_bps"`
	Band10bpsMinNotional  float64 `yaml:"band_10bps_min_notional" json:"band_10bps_min_notional"`
	TopNMinNotional       float64 `yaml:"topn_min_notional" json:"topn_min_notional"`
}

// Artifact validation modes.
const (
	ValidationStrict  = "strict"
	ValidationLenient = "lenient"
)

// PipelineConfig controls stage deadlines and failure policy defaults.
type PipelineConfig struct {
	StageTimeoutsS     map[string]float64 `yaml:"stage_timeouts_s" json:"stage_timeouts_s"`
	TotalTimeoutS      float64            `yaml:"total_timeout_s" json:"total_timeout_s"`
	TimeoutGraceS      float64            `yaml:"timeout_grace_s" json:"timeout_grace_s"`
	ArtifactValidation string             `yaml:"artifact_validation" json:"artifact_validation"`
}

func (p PipelineConfig) StageTimeout(stage string) time.Duration {
	return secs(p.StageTimeoutsS[stage])
}

func (p PipelineConfig) TotalTimeout() time.Duration { return secs(p.TotalTimeoutS) }
func (p PipelineConfig) TimeoutGrace() time.Duration { return secs(p.TimeoutGraceS) }

type ReportConfig struct {
	TopN int `yaml:"top_n" json:"top_n"`
}

type ObsConfig struct {
	LogJSONL bool   `yaml:"log_jsonl" json:"log_jsonl"`
	LogLevel string `yaml:"log_level" json:"log_level"`
}

type RuntimeConfig struct {
	RunName string `yaml:"run_name" json:"run_name"`
}

// Default returns the configuration used when a field is absent from the file.
func Default() *Config {
	return &Config{
		Mexc: MexcConfig{
			BaseURL:      "https://api.mexc.com",
			TimeoutS:     10,
			MaxRPS:       5,
			MaxRetries:   3,
			BackoffBaseS: 0.5,
			BackoffMaxS:  8,
		},
		Universe: UniverseConfig{
			QuoteAsset:             "USDT",
			AllowedExchangeStatus:  []string{"1", "ENABLED"},
			MinQuoteVolume24h:      100_000,
			MinTrades24h:           2_000,
			UseQuoteVolumeEstimate: true,
			RequireTradeCount:      false,
		},
		Sampling: SamplingConfig{
			Spread: SpreadSamplingConfig{
				IntervalS:      10,
				DurationS:      300,
				MinUptime:      0.6,
				AllowPerSymbol: false,
				PerSymbolLimit: 30,
			},
			Depth: DepthSamplingConfig{
				IntervalS:       10,
				DurationS:       120,
				Limit:           50,
				CandidatesLimit: 15,
			},
			Raw: RawConfig{Enabled: true, Gzip: true},
		},
		Depth: DepthConfig{
			TopNLevels:         5,
			BandBps:            []float64{10, 25, 50},
			StressNotionalUSDT: 200,
			EnableBandChecks:   true,
			EnableTopNChecks:   false,
		},
		Fees: FeesConfig{MakerBps: 0, TakerBps: 5},
		Thresholds: ThresholdsConfig{
			UptimeMin:  0.8,
			BufferBps:  2,
			EdgeMinBps: 1,
			Spread: SpreadThresholdsConfig{
				MedianMinBps: 5,
				MedianMaxBps: 300,
				P90MinBps:    0,
				P90MaxBps:    800,
			},
			Depth: DepthThresholdsConfig{
				BestLevelMinNotional: 50,
				UnwindSlippageMaxBps: 150,
				Band10bpsMinNotional: 200,
				TopNMinNotional:      500,
			},
		},
		Pipeline: PipelineConfig{
			StageTimeoutsS: map[string]float64{
				"universe": 120,
				"spread":   900,
				"score":    120,
				"depth":    600,
				"report":   120,
			},
			TotalTimeoutS:      1800,
			TimeoutGraceS:      5,
			ArtifactValidation: ValidationStrict,
		},
		Report: ReportConfig{TopN: 20},
		Obs:    ObsConfig{LogJSONL: true, LogLevel: "info"},
	}
}

// Load reads path, overlays it on the defaults with strict field checking,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("parse: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// Validate checks value ranges and compiles the blacklist regexes.
func (c *Config) Validate() error {
	if c.Mexc.BaseURL == "" {
		return fmt.Errorf("mexc.base_url must be set")
	}
	if c.Mexc.TimeoutS <= 0 {
		return fmt.Errorf("mexc.timeout_s must be positive")
	}
	if c.Mexc.MaxRPS <= 0 {
		return fmt.Errorf("mexc.max_rps must be positive")
	}
	if c.Mexc.MaxRetries < 0 {
		return fmt.Errorf("mexc.max_retries must be >= 0")
	}
	if c.Mexc.BackoffBaseS <= 0 || c.Mexc.BackoffMaxS < c.Mexc.BackoffBaseS {
		return fmt.Errorf("mexc backoff must satisfy 0 < backoff_base_s <= backoff_max_s")
	}
	if c.Universe.QuoteAsset == "" {
		return fmt.Errorf("universe.quote_asset must be set")
	}
	if c.Sampling.Spread.IntervalS <= 0 || c.Sampling.Spread.DurationS <= 0 {
		return fmt.Errorf("sampling.spread interval_s and duration_s must be positive")
	}
	if c.Sampling.Spread.MinUptime < 0 || c.Sampling.Spread.MinUptime > 1 {
		return fmt.Errorf("sampling.spread.min_uptime must be in [0,1]")
	}
	if c.Sampling.Depth.IntervalS <= 0 || c.Sampling.Depth.DurationS <= 0 {
		return fmt.Errorf("sampling.depth interval_s and duration_s must be positive")
	}
	if c.Sampling.Depth.Limit < 1 || c.Sampling.Depth.Limit > 5000 {
		return fmt.Errorf("sampling.depth.limit must be in [1,5000]")
	}
	if c.Sampling.Depth.CandidatesLimit < 0 {
		return fmt.Errorf("sampling.depth.candidates_limit must be >= 0")
	}
	if c.Depth.TopNLevels < 1 {
		return fmt.Errorf("depth.top_n_levels must be >= 1")
	}
	if c.Depth.StressNotionalUSDT <= 0 {
		return fmt.Errorf("depth.stress_notional_usdt must be positive")
	}
	for _, band := range c.Depth.BandBps {
		if band <= 0 {
			return fmt.Errorf("depth.band_bps entries must be positive")
		}
	}
	if c.Thresholds.UptimeMin < 0 || c.Thresholds.UptimeMin > 1 {
		return fmt.Errorf("thresholds.uptime_min must be in [0,1]")
	}
	if c.Pipeline.TotalTimeoutS <= 0 {
		return fmt.Errorf("pipeline.total_timeout_s must be positive")
	}
	if c.Pipeline.TimeoutGraceS < 0 {
		return fmt.Errorf("pipeline.timeout_grace_s must be >= 0")
	}
	for stage, timeout := range c.Pipeline.StageTimeoutsS {
		if timeout <= 0 {
			return fmt.Errorf("pipeline.stage_timeouts_s[%s] must be positive", stage)
		}
	}
	switch c.Pipeline.ArtifactValidation {
	case ValidationStrict, ValidationLenient:
	default:
		return fmt.Errorf("pipeline.artifact_validation must be %q or %q", ValidationStrict, ValidationLenient)
	}
	if c.Report.TopN < 1 {
		return fmt.Errorf("report.top_n must be >= 1")
	}

	c.blacklist = c.blacklist[:0]
	for _, pattern := range c.Universe.BlacklistRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("universe.blacklist_regex %q: %w", pattern, err)
		}
		c.blacklist = append(c.blacklist, re)
	}
	return nil
}

// Blacklist returns the compiled blacklist regexes. Valid after Validate.
func (c *Config) Blacklist() []*regexp.Regexp { return c.blacklist }

// Hash returns the SHA-256 of the config serialized as compact JSON with
// sorted keys, so byte-identical configs always hash the same.
func (c *Config) Hash() (string, error) {
	direct, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("serialize config: %w", err)
	}
	// Round-trip through a generic map: Go sorts map keys on marshal.
	var generic map[string]any
	if err := json.Unmarshal(direct, &generic); err != nil {
		return "", fmt.Errorf("normalize config: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalize config: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
