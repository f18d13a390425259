package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/costsim/internal/domain"
	"github.com/alanyoungcy/costsim/internal/estimator"
	"github.com/alanyoungcy/costsim/internal/latency"
	"github.com/alanyoungcy/costsim/internal/metrics"
	"github.com/alanyoungcy/costsim/internal/model"
	"github.com/alanyoungcy/costsim/internal/server/handler"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type swapBook struct{ v atomic.Pointer[domain.BookView] }

func (b *swapBook) View() *domain.BookView { return b.v.Load() }
func (b *swapBook) Stale() bool            { return b.View().Stale }

type fakeJournal struct{ items []domain.CostEstimateResult }

func (j *fakeJournal) ListRecent(_ context.Context, limit int) ([]domain.CostEstimateResult, error) {
	if len(j.items) > limit {
		return j.items[:limit], nil
	}
	return j.items, nil
}

type denyAfter struct {
	n     atomic.Int32
	limit int32
}

func (d *denyAfter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return d.n.Add(1) <= d.limit, nil
}

type fixture struct {
	book    *swapBook
	handler http.Handler
	apiKey  string
}

func newFixture(t *testing.T, limiter domain.RateLimiter) *fixture {
	t.Helper()
	file, err := model.LoadParamsFile("../model/testdata/params.yaml")
	require.NoError(t, err)
	params, err := file.Params()
	require.NoError(t, err)

	book := &swapBook{}
	book.v.Store(&domain.BookView{
		Exchange: "okx",
		Symbol:   "BTC-USDT",
		Bids:     []domain.PriceLevel{{Price: 100, Size: 2}, {Price: 99, Size: 3}},
		Asks:     []domain.PriceLevel{{Price: 101, Size: 1}, {Price: 102, Size: 4}},
		Sequence: 9,
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := latency.NewRecorder(64, m)
	pipe := estimator.New(book, params, estimator.Config{UpdatesBuffer: 8}, rec, m, testLogger())

	logger := testLogger()
	srv := NewServer(Config{APIKey: "secret", RateLimit: 100},
		Handlers{
			Health:   handler.NewHealthHandler(nil, logger),
			Status:   handler.NewStatusHandler("full", "okx", "BTC-USDT", params.TierNames(), book, nil),
			Book:     handler.NewBookHandler(book, nil, "okx:BTC-USDT", logger),
			Estimate: handler.NewEstimateHandler(pipe, handler.EstimateDefaults{FeeTier: "tier1", MaxBatch: 3}, logger),
			Latency:  handler.NewLatencyHandler(rec),
			History: handler.NewHistoryHandler(&fakeJournal{items: []domain.CostEstimateResult{{ID: "a"}, {ID: "b"}}},
				nil, "", nil, "", logger),
		},
		Deps{Limiter: limiter, Gatherer: reg},
		logger,
	)
	return &fixture{book: book, handler: srv.Handler(), apiKey: "secret"}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("X-API-Key", f.apiKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestEstimateEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/estimate", map[string]any{
		"side": "buy", "quantity": 1.5, "volatility": 0.3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res domain.CostEstimateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "tier1", res.FeeTier, "default tier applied")
	assert.True(t, res.FillFeasible)
	assert.InDelta(t, (101*1+102*0.5)/1.5, res.AvgPrice, 1e-9)
	assert.InDelta(t, estimator.NetCost(res.MarketImpact, res.ExpectedSlippage, res.Notional, res.ExpectedFee), res.NetCost, 1e-12)
	assert.EqualValues(t, 9, res.BookSequence)
}

func TestEstimateEndpoint_ErrorMapping(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad side", map[string]any{"side": "hold", "quantity": 1, "volatility": 0.3}, http.StatusBadRequest},
		{"zero quantity", map[string]any{"side": "buy", "quantity": 0, "volatility": 0.3}, http.StatusBadRequest},
		{"negative vol", map[string]any{"side": "buy", "quantity": 1, "volatility": -1}, http.StatusBadRequest},
		{"unknown tier", map[string]any{"side": "buy", "quantity": 1, "volatility": 0.3, "fee_tier": "gold"}, http.StatusBadRequest},
		{"unknown field", map[string]any{"side": "buy", "quantity": 1, "volatility": 0.3, "extra": 1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/estimate", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	stale := *f.book.View()
	stale.Stale = true
	f.book.v.Store(&stale)

	rec := f.do(t, http.MethodPost, "/api/estimate", map[string]any{"side": "sell", "quantity": 1, "volatility": 0.3})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/estimate", map[string]any{
		"side": "sell", "quantity": 1, "volatility": 0.3, "acknowledge_stale": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var res domain.CostEstimateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Stale)
}

func TestBatchEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/estimate/batch", map[string]any{
		"requests": []map[string]any{
			{"side": "buy", "quantity": 1, "volatility": 0.3},
			{"side": "sell", "quantity": 1, "volatility": 0.3, "fee_tier": "gold"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Results []struct {
			Result *domain.CostEstimateResult `json:"result"`
			Error  string                     `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Results, 2)
	assert.NotNil(t, out.Results[0].Result)
	assert.Nil(t, out.Results[1].Result)
	assert.Contains(t, out.Results[1].Error, "unknown fee tier")

	many := make([]map[string]any, 4)
	for i := range many {
		many[i] = map[string]any{"side": "buy", "quantity": 1}
	}
	rec = f.do(t, http.MethodPost, "/api/estimate/batch", map[string]any{"requests": many})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/book?depth=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bookResp struct {
		Bids   []domain.PriceLevel `json:"bids"`
		Asks   []domain.PriceLevel `json:"asks"`
		Mid    float64             `json:"mid"`
		Source string              `json:"source"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bookResp))
	assert.Len(t, bookResp.Bids, 1)
	assert.Len(t, bookResp.Asks, 1)
	assert.InDelta(t, 100.5, bookResp.Mid, 1e-12)
	assert.Equal(t, "local", bookResp.Source)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/book?source=mirror", nil).Code)

	f.do(t, http.MethodPost, "/api/estimate", map[string]any{"side": "buy", "quantity": 1, "volatility": 0.3})
	rec = f.do(t, http.MethodGet, "/api/latency", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lat struct {
		Stats domain.LatencyStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lat))
	assert.Equal(t, 1, lat.Stats.Count)

	rec = f.do(t, http.MethodGet, "/api/estimates/recent?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"a"`)
	assert.NotContains(t, rec.Body.String(), `"id":"b"`)

	rec = f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"symbol":"BTC-USDT"`)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/archives", nil).Code)
}

func TestAuthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	f.do(t, http.MethodPost, "/api/estimate", map[string]any{"side": "buy", "quantity": 1, "volatility": 0.3})
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "costsim_")
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, &denyAfter{limit: 1})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/status", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/api/status", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/health", nil).Code)
}
