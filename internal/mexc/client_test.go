package mexc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadscan/spreadscan/internal/mexc/ratelimit"
)

type fakeRecorder struct {
	requests map[[2]string]int
	retries  map[[2]string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		requests: make(map[[2]string]int),
		retries:  make(map[[2]string]int),
	}
}

func (r *fakeRecorder) RecordRequest(endpoint, status string, _ float64) {
	r.requests[[2]string{endpoint, status}]++
}

func (r *fakeRecorder) RecordRetry(endpoint, reason string) {
	r.retries[[2]string{endpoint, reason}]++
}

func newTestClient(t *testing.T, baseURL string, maxRetries int) (*Client, *fakeRecorder) {
	t.Helper()
	rec := newFakeRecorder()
	c := NewClient(Config{
		BaseURL:     baseURL,
		Timeout:     2 * time.Second,
		MaxRetries:  maxRetries,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	}, ratelimit.NewBucket(1000), rec, zerolog.Nop())
	c.jitter = func() float64 { return 0 }
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c, rec
}

func TestRetryRateLimitedThenSuccess(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","quoteAsset":"USDT","status":"1"}]}`))
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, 3)
	info, err := c.GetExchangeInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, info.Symbols, 1)
	assert.Equal(t, "BTCUSDT", info.Symbols[0].Symbol)

	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, rec.retries[[2]string{endpointExchangeInfo, "rate_limited"}])
	assert.Equal(t, 2, rec.requests[[2]string{endpointExchangeInfo, "429"}])
	assert.Equal(t, 1, rec.requests[[2]string{endpointExchangeInfo, "200"}])
}

func TestFatalClientErrorNoRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, 3)
	_, err := c.GetExchangeInfo(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.retries)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 400, httpErr.StatusCode)
	assert.Equal(t, "FatalHttpError", httpErr.TypeName())
}

func TestWafLimitedExhaustsRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, 2)
	_, err := c.GetExchangeInfo(context.Background())
	require.Error(t, err)
	assert.True(t, IsWafLimited(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, rec.retries[[2]string{endpointExchangeInfo, "waf_limited"}])
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 1)
	_, err := c.GetExchangeInfo(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestInvalidJSONBudget(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	// Budget is min(2, max_retries): 2 decode retries, 3 attempts total.
	c, rec := newTestClient(t, srv.URL, 5)
	_, err := c.GetExchangeInfo(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, rec.retries[[2]string{endpointExchangeInfo, "invalid_json"}])
}

func TestDefaultSymbolsShapes(t *testing.T) {
	cases := map[string]string{
		"bare list":     `["AUSDT","BUSDT"]`,
		"object list":   `[{"symbol":"AUSDT"},{"symbol":"BUSDT"}]`,
		"data envelope": `{"data":["AUSDT","BUSDT"]}`,
		"symbols key":   `{"symbols":[{"symbol":"AUSDT"},{"symbol":"BUSDT"}]}`,
		"camel key":     `{"defaultSymbols":["AUSDT","BUSDT"]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(payload))
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv.URL, 0)
			symbols, err := c.GetDefaultSymbols(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []string{"AUSDT", "BUSDT"}, symbols)
		})
	}
}

func TestDefaultSymbolsUnknownShapeIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"whatever":42}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 0)
	_, err := c.GetDefaultSymbols(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestGetDepthQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/depth", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"bids":[["100.0","1.5"]],"asks":[["100.1","2.0"]]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 0)
	depth, err := c.GetDepth(context.Background(), "BTCUSDT", 50)
	require.NoError(t, err)
	require.Len(t, depth.Bids, 1)
	price, ok := depth.Bids[0][0].Float()
	require.True(t, ok)
	assert.Equal(t, 100.0, price)
}

func TestBackoffDelayFormula(t *testing.T) {
	c, _ := newTestClient(t, "http://unused", 3)
	c.backoffBase = time.Second
	c.backoffMax = 5 * time.Second

	assert.Equal(t, time.Second, c.backoffDelay(1))
	assert.Equal(t, 2*time.Second, c.backoffDelay(2))
	assert.Equal(t, 4*time.Second, c.backoffDelay(3))
	assert.Equal(t, 5*time.Second, c.backoffDelay(4)) // capped

	c.jitter = func() float64 { return 0.5 }
	assert.Equal(t, 1500*time.Millisecond, c.backoffDelay(1))
}

func TestFlexStringForms(t *testing.T) {
	var row Ticker24h
	require.NoError(t, json.Unmarshal([]byte(`{"symbol":"BTCUSDT","quoteVolume":"123.5","volume":42,"count":null}`), &row))
	qv, ok := row.QuoteVolume.Float()
	require.True(t, ok)
	assert.Equal(t, 123.5, qv)
	vol, ok := row.Volume.Float()
	require.True(t, ok)
	assert.Equal(t, 42.0, vol)
	_, ok = row.Count.Float()
	assert.False(t, ok)
}
