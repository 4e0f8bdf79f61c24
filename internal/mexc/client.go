package mexc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/spreadscan/spreadscan/internal/mexc/ratelimit"
)

const (
	endpointExchangeInfo   = "/api/v3/exchangeInfo"
	endpointDefaultSymbols = "/api/v3/defaultSymbols"
	endpointTicker24h      = "/api/v3/ticker/24hr"
	endpointBookTicker     = "/api/v3/ticker/bookTicker"
	endpointDepth          = "/api/v3/depth"

	// Decode failures on a 2xx get their own small retry budget, independent
	// of the transport budget.
	maxDecodeRetries = 2

	responseTextLimit = 512
)

// Recorder receives per-attempt and per-retry metric events from the client.
type Recorder interface {
	RecordRequest(endpoint, status string, latencyMS float64)
	RecordRetry(endpoint, reason string)
}

// Config carries the HTTP client settings.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Client is a typed MEXC spot REST client. Every request passes through the
// shared token bucket, including retries, so the process-wide request rate
// stays below the configured ceiling no matter how many callers exist.
type Client struct {
	http    *http.Client
	baseURL string
	bucket  *ratelimit.Bucket
	rec     Recorder
	log     zerolog.Logger

	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration

	// Test seams: jitter returns a uniform [0,1) sample, sleep waits out a
	// backoff while honoring ctx.
	jitter func() float64
	sleep  func(context.Context, time.Duration) error
}

// NewClient builds a client over the given bucket and metric recorder.
func NewClient(cfg Config, bucket *ratelimit.Bucket, rec Recorder, log zerolog.Logger) *Client {
	return &Client{
		http:        &http.Client{Timeout: cfg.Timeout},
		baseURL:     cfg.BaseURL,
		bucket:      bucket,
		rec:         rec,
		log:         log,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		jitter:      rand.Float64,
		sleep:       sleepCtx,
	}
}

// GetExchangeInfo fetches the full symbol catalog.
func (c *Client) GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	var out ExchangeInfo
	if err := c.get(ctx, endpointExchangeInfo, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDefaultSymbols fetches the curated default-symbol list. The payload
// shape varies by API version; all observed forms coerce to []string.
func (c *Client) GetDefaultSymbols(ctx context.Context) ([]string, error) {
	var raw any
	if err := c.get(ctx, endpointDefaultSymbols, nil, &raw); err != nil {
		return nil, err
	}
	symbols, ok := coerceSymbolList(raw)
	if !ok {
		return nil, newHTTPError(KindFatal, "unexpected defaultSymbols payload shape", 0, "")
	}
	return symbols, nil
}

// GetTicker24h fetches 24-hour rolling stats for all symbols.
func (c *Client) GetTicker24h(ctx context.Context) ([]Ticker24h, error) {
	var out []Ticker24h
	if err := c.get(ctx, endpointTicker24h, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBookTickers fetches best bid/ask for every symbol in one call.
func (c *Client) GetBookTickers(ctx context.Context) ([]BookTicker, error) {
	var out []BookTicker
	if err := c.get(ctx, endpointBookTicker, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBookTicker fetches best bid/ask for a single symbol.
func (c *Client) GetBookTicker(ctx context.Context, symbol string) (*BookTicker, error) {
	var out BookTicker
	query := url.Values{"symbol": []string{symbol}}
	if err := c.get(ctx, endpointBookTicker, query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDepth fetches the order book for symbol with the given level limit.
func (c *Client) GetDepth(ctx context.Context, symbol string, limit int) (*Depth, error) {
	var out Depth
	query := url.Values{
		"symbol": []string{symbol},
		"limit":  []string{strconv.Itoa(limit)},
	}
	if err := c.get(ctx, endpointDepth, query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// get runs the retry loop for one logical request. Each attempt acquires a
// token first; classified retry reasons are recorded per attempt.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	attempts := c.maxRetries + 1
	decodeBudget := maxDecodeRetries
	if c.maxRetries < decodeBudget {
		decodeBudget = c.maxRetries
	}
	decodeRetries := 0

	var lastErr *HTTPError
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.bucket.Acquire(ctx); err != nil {
			return fmt.Errorf("acquire rate token: %w", err)
		}

		outcome := c.attempt(ctx, endpoint, query, out)
		if outcome.err == nil {
			return nil
		}
		lastErr = outcome.err

		retryable := outcome.retryReason != ""
		if outcome.retryReason == reasonInvalidJSON {
			if decodeRetries >= decodeBudget {
				retryable = false
			} else {
				decodeRetries++
			}
		}
		if !retryable || attempt == attempts {
			break
		}

		c.rec.RecordRetry(endpoint, outcome.retryReason)
		delay := c.backoffDelay(attempt)
		c.log.Debug().
			Str("event", "http_retry").
			Str("endpoint", endpoint).
			Str("reason", outcome.retryReason).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("retrying request")
		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("backoff interrupted: %w", err)
		}
	}

	c.log.Warn().
		Str("event", "http_fail").
		Str("endpoint", endpoint).
		Str("kind", string(lastErr.Kind)).
		Int("status", lastErr.StatusCode).
		Msg(lastErr.Message)
	return lastErr
}

// Retry reason labels recorded in http_retries_total.
const (
	reasonRateLimited     = "rate_limited"
	reasonWafLimited      = "waf_limited"
	reasonServerError     = "server_error"
	reasonInvalidJSON     = "invalid_json"
	reasonTimeout         = "timeout"
	reasonConnectionError = "connection_error"
)

type attemptOutcome struct {
	err         *HTTPError
	retryReason string // empty means not retryable
}

func (c *Client) attempt(ctx context.Context, endpoint string, query url.Values, out any) attemptOutcome {
	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.rec.RecordRequest(endpoint, "error", 0)
		return attemptOutcome{err: newHTTPError(KindFatal, fmt.Sprintf("build request: %v", err), 0, "")}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	latencyMS := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		label, reason := classifyTransport(err)
		c.rec.RecordRequest(endpoint, label, latencyMS)
		c.logAttempt(endpoint, label, latencyMS)
		return attemptOutcome{
			err:         newHTTPError(KindTransient, fmt.Sprintf("request failed: %v", err), 0, ""),
			retryReason: reason,
		}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		c.rec.RecordRequest(endpoint, "error", latencyMS)
		c.logAttempt(endpoint, "error", latencyMS)
		return attemptOutcome{
			err:         newHTTPError(KindTransient, fmt.Sprintf("read body: %v", readErr), resp.StatusCode, ""),
			retryReason: reasonConnectionError,
		}
	}

	status := resp.StatusCode
	statusLabel := strconv.Itoa(status)
	c.rec.RecordRequest(endpoint, statusLabel, latencyMS)
	c.logAttempt(endpoint, statusLabel, latencyMS)
	text := truncate(string(body), responseTextLimit)

	switch {
	case status >= 200 && status < 300:
		if err := json.Unmarshal(body, out); err != nil {
			return attemptOutcome{
				err:         newHTTPError(KindTransient, fmt.Sprintf("invalid JSON in %d response: %v", status, err), status, text),
				retryReason: reasonInvalidJSON,
			}
		}
		return attemptOutcome{}
	case status == http.StatusTooManyRequests:
		return attemptOutcome{
			err:         newHTTPError(KindRateLimited, "rate limited", status, text),
			retryReason: reasonRateLimited,
		}
	case status == http.StatusForbidden:
		return attemptOutcome{
			err:         newHTTPError(KindWafLimited, "WAF limited", status, text),
			retryReason: reasonWafLimited,
		}
	case status >= 500:
		return attemptOutcome{
			err:         newHTTPError(KindTransient, "server error", status, text),
			retryReason: reasonServerError,
		}
	default:
		return attemptOutcome{
			err: newHTTPError(KindFatal, "client error", status, text),
		}
	}
}

func (c *Client) logAttempt(endpoint, status string, latencyMS float64) {
	c.log.Debug().
		Str("event", "http_request").
		Str("endpoint", endpoint).
		Str("status", status).
		Float64("latency_ms", latencyMS).
		Msg("request")
}

// backoffDelay returns min(backoff_max, base*2^(attempt-1)) + uniform(0, base).
func (c *Client) backoffDelay(attempt int) time.Duration {
	base := float64(c.backoffBase)
	capped := base * math.Pow(2, float64(attempt-1))
	if max := float64(c.backoffMax); capped > max {
		capped = max
	}
	return time.Duration(capped + c.jitter()*base)
}

func classifyTransport(err error) (statusLabel, reason string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", reasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", reasonTimeout
	}
	return "connection_error", reasonConnectionError
}

// coerceSymbolList handles the payload shapes the defaultSymbols endpoint has
// shipped over time: a bare list of strings, a list of objects carrying a
// "symbol" field, or any of those wrapped under data/symbols/defaultSymbols.
func coerceSymbolList(payload any) ([]string, bool) {
	switch value := payload.(type) {
	case []any:
		symbols := make([]string, 0, len(value))
		for _, item := range value {
			switch entry := item.(type) {
			case string:
				symbols = append(symbols, entry)
			case map[string]any:
				symbol, ok := entry["symbol"].(string)
				if !ok {
					return nil, false
				}
				symbols = append(symbols, symbol)
			default:
				return nil, false
			}
		}
		return symbols, true
	case map[string]any:
		for _, key := range []string{"data", "symbols", "defaultSymbols"} {
			if inner, ok := value[key]; ok {
				return coerceSymbolList(inner)
			}
		}
	}
	return nil, false
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

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
