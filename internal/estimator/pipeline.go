// Package estimator runs the cost model chain against a captured book view
// and aggregates the outputs into a CostEstimateResult.
package estimator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/costsim/internal/book"
	"github.com/alanyoungcy/costsim/internal/domain"
	"github.com/alanyoungcy/costsim/internal/latency"
	"github.com/alanyoungcy/costsim/internal/metrics"
	"github.com/alanyoungcy/costsim/internal/model"
)

// Stage names reported in CostEstimateResult.Stages and metrics.
const (
	StageWalk       = "walk"
	StageImpact     = "impact"
	StageSlippage   = "slippage"
	StageMakerTaker = "maker_taker"
	StageFee        = "fee"
	StageAggregate  = "aggregate"
)

// BookSource supplies immutable views of the live book.
type BookSource interface {
	View() *domain.BookView
	Stale() bool
}

// Update is pushed to consumers after every completed estimate.
type Update struct {
	Result  domain.CostEstimateResult `json:"result"`
	Latency domain.LatencyStats       `json:"latency"`
}

// Config tunes the pipeline.
type Config struct {
	// UpdatesBuffer is the capacity of the Updates channel. Updates are
	// dropped, not queued without bound, when the consumer lags.
	UpdatesBuffer int
	// BatchParallelism bounds concurrent estimates in EstimateBatch.
	BatchParallelism int
}

// Pipeline is the cost aggregator. It is safe for concurrent use: each
// estimate works on its own captured view and the models are pure.
type Pipeline struct {
	book     BookSource
	params   *model.Params
	impact   *model.Impact
	slippage *model.Slippage
	makerTkr *model.MakerTaker
	fee      *model.Fee

	recorder *latency.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	updates     chan Update
	parallelism int

	now   func() time.Time
	newID func() string
}

// New creates a Pipeline. params must already be validated.
func New(src BookSource, params *model.Params, cfg Config, rec *latency.Recorder, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if cfg.UpdatesBuffer <= 0 {
		cfg.UpdatesBuffer = 64
	}
	if cfg.BatchParallelism <= 0 {
		cfg.BatchParallelism = 4
	}
	if rec == nil {
		rec = latency.NewRecorder(latency.DefaultCapacity, m)
	}
	return &Pipeline{
		book:        src,
		params:      params,
		impact:      model.NewImpact(params),
		slippage:    model.NewSlippage(params),
		makerTkr:    model.NewMakerTaker(params),
		fee:         model.NewFee(params),
		recorder:    rec,
		metrics:     m,
		logger:      logger.With(slog.String("component", "estimator")),
		updates:     make(chan Update, cfg.UpdatesBuffer),
		parallelism: cfg.BatchParallelism,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Updates returns the channel on which completed estimates are published.
func (p *Pipeline) Updates() <-chan Update { return p.updates }

// Recorder exposes the latency recorder.
func (p *Pipeline) Recorder() *latency.Recorder { return p.recorder }

// Params returns the model parameters the pipeline was built with.
func (p *Pipeline) Params() *model.Params { return p.params }

// Estimate validates req, captures the current book view and runs the model
// chain against it. Invalid requests and unknown tiers fail before any model
// runs. A stale book fails with domain.ErrStaleBook unless the request
// acknowledges staleness.
func (p *Pipeline) Estimate(ctx context.Context, req domain.CostEstimateRequest) (domain.CostEstimateResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.CostEstimateResult{}, err
	}
	span := p.recorder.Start()

	req, err := p.validate(req)
	if err != nil {
		p.metrics.Estimate("invalid")
		return domain.CostEstimateResult{}, err
	}
	if _, err := p.fee.Tier(req.FeeTier); err != nil {
		p.metrics.Estimate("unknown_tier")
		return domain.CostEstimateResult{}, fmt.Errorf("estimator: %w", err)
	}

	view := p.book.View()
	if view.Stale && !req.AcknowledgeStale {
		p.metrics.Estimate("stale")
		return domain.CostEstimateResult{}, fmt.Errorf("estimator: book seq %d: %w", view.Sequence, domain.ErrStaleBook)
	}

	res, err := p.run(req, view, span)
	if err != nil {
		p.metrics.Estimate("error")
		return domain.CostEstimateResult{}, err
	}

	res.Stale = view.Stale || p.book.Stale()
	res.ComputeLatency = p.recorder.Finish(span)
	res.Stages = span.Stages()

	if res.Stale {
		p.metrics.Estimate("ok_stale")
	} else {
		p.metrics.Estimate("ok")
	}
	p.publish(res)
	return res, nil
}

func (p *Pipeline) run(req domain.CostEstimateRequest, view *domain.BookView, span *latency.Span) (domain.CostEstimateResult, error) {
	var (
		fill book.Fill
		err  error
	)
	if req.QuantityUnit == domain.UnitQuote {
		fill, err = book.WalkNotional(view, req.Side, req.Quantity)
	} else {
		fill, err = book.Walk(view, req.Side, req.Quantity)
	}
	if err != nil {
		return domain.CostEstimateResult{}, fmt.Errorf("estimator: %w", err)
	}
	qty := req.Quantity
	if req.QuantityUnit == domain.UnitQuote {
		qty = fill.Filled
	}
	notional := qty * fill.AvgPrice
	consumed := view.Levels(req.Side.ConsumedSide())
	span.Mark(StageWalk)

	impact, err := p.impact.Estimate(qty, req.Volatility, req.RiskAversion)
	if err != nil {
		return domain.CostEstimateResult{}, fmt.Errorf("estimator: %w", err)
	}
	span.Mark(StageImpact)

	computedAt := p.now()
	depth := book.DepthWithin(consumed, p.slippage.DepthLevels())
	slip := p.slippage.Estimate(qty, depth, req.Volatility, computedAt)
	span.Mark(StageSlippage)

	var offset float64
	if best, ok := view.Best(req.Side.ConsumedSide()); ok && fill.Filled > 0 {
		offset = math.Abs(fill.AvgPrice-best.Price) / best.Price
	}
	makerP, err := p.makerTkr.MakerProportion(model.Features{
		OrderSize:   qty,
		PriceOffset: offset,
		Volatility:  req.Volatility,
		FillRatio:   view.FillRatio(req.Side.RestingSide()),
	})
	if err != nil {
		return domain.CostEstimateResult{}, fmt.Errorf("estimator: %w", err)
	}
	span.Mark(StageMakerTaker)

	fee, err := p.fee.Blend(req.FeeTier, makerP, notional)
	if err != nil {
		return domain.CostEstimateResult{}, fmt.Errorf("estimator: %w", err)
	}
	span.Mark(StageFee)

	res := domain.CostEstimateResult{
		ID:               p.newID(),
		Side:             req.Side,
		Quantity:         qty,
		FilledQuantity:   fill.Filled,
		AvgPrice:         fill.AvgPrice,
		Notional:         notional,
		ExpectedSlippage: slip,
		ExpectedFee:      fee,
		MarketImpact:     impact,
		NetCost:          NetCost(impact, slip, notional, fee),
		MakerProportion:  makerP,
		FillFeasible:     fill.Feasible,
		BookSequence:     view.Sequence,
		MidPrice:         view.Mid(),
		SpreadBps:        view.SpreadBps(),
		FeeTier:          req.FeeTier,
		RiskAversion:     req.RiskAversion,
		Volatility:       req.Volatility,
		ComputedAt:       computedAt,
	}
	span.Mark(StageAggregate)
	return res, nil
}

// NetCost is marketImpact + slippage·notional + fee, with no other terms.
func NetCost(impact domain.MarketImpact, slippage, notional, fee float64) float64 {
	return impact.Total + slippage*notional + fee
}

func (p *Pipeline) validate(req domain.CostEstimateRequest) (domain.CostEstimateRequest, error) {
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return req, fmt.Errorf("estimator: %w: side %q", domain.ErrInvalidRequest, req.Side)
	}
	if math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) || req.Quantity <= 0 {
		return req, fmt.Errorf("estimator: %w: quantity %v must be positive", domain.ErrInvalidRequest, req.Quantity)
	}
	unit, ok := domain.ParseQuantityUnit(string(req.QuantityUnit))
	if !ok {
		return req, fmt.Errorf("estimator: %w: quantity unit %q", domain.ErrInvalidRequest, req.QuantityUnit)
	}
	req.QuantityUnit = unit
	if math.IsNaN(req.Volatility) || math.IsInf(req.Volatility, 0) || req.Volatility < 0 {
		return req, fmt.Errorf("estimator: %w: volatility %v must be >= 0", domain.ErrInvalidRequest, req.Volatility)
	}
	if p.params.MaxVolatility > 0 && req.Volatility > p.params.MaxVolatility {
		return req, fmt.Errorf("estimator: %w: volatility %v above %v", domain.ErrInvalidRequest, req.Volatility, p.params.MaxVolatility)
	}
	if math.IsNaN(req.RiskAversion) || math.IsInf(req.RiskAversion, 0) || req.RiskAversion < 0 {
		return req, fmt.Errorf("estimator: %w: risk aversion %v must be >= 0", domain.ErrInvalidRequest, req.RiskAversion)
	}
	return req, nil
}

func (p *Pipeline) publish(res domain.CostEstimateResult) {
	u := Update{Result: res, Latency: p.recorder.Stats()}
	select {
	case p.updates <- u:
	default:
		p.logger.Debug("updates consumer lagging, dropped estimate", slog.String("id", res.ID))
	}
}

// BatchItem is the outcome of one request in EstimateBatch.
type BatchItem struct {
	Result *domain.CostEstimateResult `json:"result,omitempty"`
	Error  string                     `json:"error,omitempty"`
	Err    error                      `json:"-"`
}

// EstimateBatch runs reqs concurrently, bounded by the configured
// parallelism. Per-request errors are reported in their item and never fail
// the batch; only ctx cancellation does.
func (p *Pipeline) EstimateBatch(ctx context.Context, reqs []domain.CostEstimateRequest) ([]BatchItem, error) {
	items := make([]BatchItem, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := p.Estimate(gctx, req)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				items[i] = BatchItem{Error: err.Error(), Err: err}
				return nil
			}
			items[i] = BatchItem{Result: &res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("estimator: batch: %w", err)
	}
	return items, nil
}

// RunStanding re-estimates req every interval until ctx is done. Stale-book
// rejections are expected while the feed resyncs and are only logged at
// debug level.
func (p *Pipeline) RunStanding(ctx context.Context, req domain.CostEstimateRequest, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("estimator: standing interval must be positive")
	}
	p.logger.Info("standing estimate started",
		slog.String("side", string(req.Side)),
		slog.Float64("quantity", req.Quantity),
		slog.String("fee_tier", req.FeeTier),
		slog.Duration("interval", interval),
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, err := p.Estimate(ctx, req)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrStaleBook):
				p.logger.Debug("standing estimate skipped", slog.String("error", err.Error()))
			case ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("estimator: standing estimate: %w", err)
			}
		}
	}
}
