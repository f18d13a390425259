package domain

import (
	"strings"
	"time"
)

// QuantityUnit says how CostEstimateRequest.Quantity is denominated.
type QuantityUnit string

const (
	// UnitBase denominates quantity in the traded asset.
	UnitBase QuantityUnit = "base"
	// UnitQuote denominates quantity in the quote currency (e.g. USD); it is
	// converted to base units by walking the book.
	UnitQuote QuantityUnit = "quote"
)

// ParseQuantityUnit defaults to UnitBase for the empty string.
func ParseQuantityUnit(s string) (QuantityUnit, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "base":
		return UnitBase, true
	case "quote", "usd", "notional":
		return UnitQuote, true
	default:
		return "", false
	}
}

// CostEstimateRequest describes a proposed order to be costed.
type CostEstimateRequest struct {
	Side         Side         `json:"side"`
	Quantity     float64      `json:"quantity"`
	QuantityUnit QuantityUnit `json:"quantity_unit,omitempty"`
	Volatility   float64      `json:"volatility"`
	RiskAversion float64      `json:"risk_aversion"`
	FeeTier      string       `json:"fee_tier"`

	// AcknowledgeStale allows an estimate against a book that is known to be
	// stale. The result is flagged Stale either way.
	AcknowledgeStale bool `json:"acknowledge_stale,omitempty"`
}

// MarketImpact is the Almgren-Chriss impact split.
type MarketImpact struct {
	Temporary float64 `json:"temporary"`
	Permanent float64 `json:"permanent"`
	Total     float64 `json:"total"`
}

// StageTiming is the wall time spent in one pipeline stage.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
}

// CostEstimateResult is produced once per request and delivered to the
// consumer; it is never mutated afterwards.
type CostEstimateResult struct {
	ID             string  `json:"id"`
	Side           Side    `json:"side"`
	Quantity       float64 `json:"quantity"`
	FilledQuantity float64 `json:"filled_quantity"`
	AvgPrice       float64 `json:"avg_price"`
	Notional       float64 `json:"notional"`

	ExpectedSlippage float64      `json:"expected_slippage"`
	ExpectedFee      float64      `json:"expected_fee"`
	MarketImpact     MarketImpact `json:"market_impact"`
	NetCost          float64      `json:"net_cost"`
	MakerProportion  float64      `json:"maker_proportion"`
	FillFeasible     bool         `json:"fill_feasible"`

	// Stale is set when the estimate was computed against a view that was,
	// or became before completion, stale.
	Stale        bool    `json:"stale"`
	BookSequence int64   `json:"book_sequence"`
	MidPrice     float64 `json:"mid_price"`
	SpreadBps    float64 `json:"spread_bps"`
	FeeTier      string  `json:"fee_tier"`
	RiskAversion float64 `json:"risk_aversion"`
	Volatility   float64 `json:"volatility"`

	ComputeLatency time.Duration `json:"compute_latency_ns"`
	Stages         []StageTiming `json:"stages,omitempty"`
	ComputedAt     time.Time     `json:"computed_at"`
}

// TakerProportion is 1 - MakerProportion.
func (r CostEstimateResult) TakerProportion() float64 {
	return 1 - r.MakerProportion
}

// LatencyStats summarises the recorder's rolling window.
type LatencyStats struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min_ns"`
	Max   time.Duration `json:"max_ns"`
	Mean  time.Duration `json:"mean_ns"`
	P50   time.Duration `json:"p50_ns"`
	P95   time.Duration `json:"p95_ns"`
	P99   time.Duration `json:"p99_ns"`
}

// Millis renders the statistics in milliseconds for display.
func (s LatencyStats) Millis() map[string]float64 {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return map[string]float64{
		"min":  ms(s.Min),
		"mean": ms(s.Mean),
		"p50":  ms(s.P50),
		"p95":  ms(s.P95),
		"p99":  ms(s.P99),
		"max":  ms(s.Max),
	}
}
