package model

import (
	"fmt"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// Impact is the linear Almgren-Chriss market impact model.
type Impact struct {
	eta     float64
	gamma   float64
	horizon float64
}

// NewImpact builds the impact model from p.
func NewImpact(p *Params) *Impact {
	return &Impact{eta: p.Eta, gamma: p.Gamma, horizon: p.Horizon}
}

// Estimate returns permanent = γσQ and temporary = ησ(Q/τ). Risk aversion
// is validated but does not enter the linear formulation.
func (m *Impact) Estimate(qty, volatility, riskAversion float64) (domain.MarketImpact, error) {
	if err := checkNonNegative("quantity", qty); err != nil {
		return domain.MarketImpact{}, fmt.Errorf("model: impact: %w", err)
	}
	if err := checkNonNegative("volatility", volatility); err != nil {
		return domain.MarketImpact{}, fmt.Errorf("model: impact: %w", err)
	}
	if err := checkNonNegative("risk aversion", riskAversion); err != nil {
		return domain.MarketImpact{}, fmt.Errorf("model: impact: %w", err)
	}
	if m.horizon <= 0 {
		return domain.MarketImpact{}, fmt.Errorf("model: impact: %w: horizon must be positive", domain.ErrConfiguration)
	}

	permanent := m.gamma * volatility * qty
	temporary := m.eta * volatility * (qty / m.horizon)
	return domain.MarketImpact{
		Temporary: temporary,
		Permanent: permanent,
		Total:     temporary + permanent,
	}, nil
}
