package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// EstimateStore implements domain.EstimateStore on the cost_estimates table.
type EstimateStore struct {
	pool *pgxpool.Pool
}

// NewEstimateStore creates an EstimateStore backed by pool.
func NewEstimateStore(pool *pgxpool.Pool) *EstimateStore {
	return &EstimateStore{pool: pool}
}

const estimateCols = `id, computed_at, side, quantity, filled_quantity, avg_price,
	notional, expected_slippage, expected_fee, impact_temporary, impact_permanent,
	impact_total, net_cost, maker_proportion, fill_feasible, stale, book_sequence,
	mid_price, spread_bps, fee_tier, risk_aversion, volatility, compute_latency_ns, stages`

// estimateArgs flattens r in estimateCols order.
func estimateArgs(r domain.CostEstimateResult) ([]any, error) {
	stages := r.Stages
	if stages == nil {
		stages = []domain.StageTiming{}
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return nil, err
	}
	return []any{
		r.ID, r.ComputedAt, string(r.Side), r.Quantity, r.FilledQuantity, r.AvgPrice,
		r.Notional, r.ExpectedSlippage, r.ExpectedFee,
		r.MarketImpact.Temporary, r.MarketImpact.Permanent, r.MarketImpact.Total,
		r.NetCost, r.MakerProportion, r.FillFeasible, r.Stale, r.BookSequence,
		r.MidPrice, r.SpreadBps, r.FeeTier, r.RiskAversion, r.Volatility,
		r.ComputeLatency.Nanoseconds(), stagesJSON,
	}, nil
}

// Insert journals one result. Re-inserting the same ID is a no-op.
func (s *EstimateStore) Insert(ctx context.Context, r domain.CostEstimateResult) error {
	args, err := estimateArgs(r)
	if err != nil {
		return fmt.Errorf("postgres: encode estimate %s: %w", r.ID, err)
	}
	const q = `INSERT INTO cost_estimates (` + estimateCols + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("postgres: insert estimate %s: %w", r.ID, err)
	}
	return nil
}

// ListRecent returns the newest limit results, newest first.
func (s *EstimateStore) ListRecent(ctx context.Context, limit int) ([]domain.CostEstimateResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+estimateCols+` FROM cost_estimates ORDER BY computed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent estimates: %w", err)
	}
	defer rows.Close()
	out, err := scanEstimates(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan estimates: %w", err)
	}
	return out, nil
}

// ListBetween returns results with from <= computed_at < to, oldest first.
func (s *EstimateStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.CostEstimateResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+estimateCols+` FROM cost_estimates
		 WHERE computed_at >= $1 AND computed_at < $2 ORDER BY computed_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list estimates between: %w", err)
	}
	defer rows.Close()
	out, err := scanEstimates(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan estimates: %w", err)
	}
	return out, nil
}

func scanEstimates(rows pgx.Rows) ([]domain.CostEstimateResult, error) {
	var out []domain.CostEstimateResult
	for rows.Next() {
		var (
			r         domain.CostEstimateResult
			side      string
			latencyNs int64
			stages    []byte
		)
		if err := rows.Scan(
			&r.ID, &r.ComputedAt, &side, &r.Quantity, &r.FilledQuantity, &r.AvgPrice,
			&r.Notional, &r.ExpectedSlippage, &r.ExpectedFee,
			&r.MarketImpact.Temporary, &r.MarketImpact.Permanent, &r.MarketImpact.Total,
			&r.NetCost, &r.MakerProportion, &r.FillFeasible, &r.Stale, &r.BookSequence,
			&r.MidPrice, &r.SpreadBps, &r.FeeTier, &r.RiskAversion, &r.Volatility,
			&latencyNs, &stages,
		); err != nil {
			return nil, err
		}
		r.Side = domain.Side(side)
		r.ComputeLatency = time.Duration(latencyNs)
		if len(stages) > 0 {
			if err := json.Unmarshal(stages, &r.Stages); err != nil {
				return nil, fmt.Errorf("decode stages for %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ domain.EstimateStore = (*EstimateStore)(nil)
