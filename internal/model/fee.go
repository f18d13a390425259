package model

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// Fee computes the blended maker/taker fee from the tier table.
type Fee struct {
	tiers map[string]FeeTier
}

// NewFee builds the fee calculator from p.
func NewFee(p *Params) *Fee {
	return &Fee{tiers: p.FeeTiers}
}

// Tier looks up a tier by name.
func (f *Fee) Tier(name string) (FeeTier, error) {
	t, ok := f.tiers[name]
	if !ok {
		return FeeTier{}, fmt.Errorf("model: fee: %w: %q", domain.ErrUnknownFeeTier, name)
	}
	return t, nil
}

// Blend returns p·maker·notional + (1-p)·taker·notional.
func (f *Fee) Blend(tier string, makerProportion, notional float64) (float64, error) {
	t, err := f.Tier(tier)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(makerProportion) || makerProportion < 0 || makerProportion > 1 {
		return 0, fmt.Errorf("model: fee: %w: maker proportion %v outside [0,1]", domain.ErrInvalidRequest, makerProportion)
	}
	return makerProportion*t.Maker*notional + (1-makerProportion)*t.Taker*notional, nil
}
