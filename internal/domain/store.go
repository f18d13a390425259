package domain

import (
	"context"
	"time"
)

// EstimateStore journals completed cost estimates.
type EstimateStore interface {
	Insert(ctx context.Context, res CostEstimateResult) error
	ListRecent(ctx context.Context, limit int) ([]CostEstimateResult, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]CostEstimateResult, error)
}
