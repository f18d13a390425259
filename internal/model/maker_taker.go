package model

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// Features is the classifier input vector.
type Features struct {
	OrderSize float64
	// PriceOffset is |avgPrice - bestPrice| / bestPrice on the consumed side.
	PriceOffset float64
	Volatility  float64
	// FillRatio is the recent fill ratio of the resting side.
	FillRatio float64
}

// MakerTaker is the logistic maker/taker classifier. Its output is the
// expected maker proportion of the order, used as a continuous blend weight.
type MakerTaker struct {
	w ClassifierWeights
}

// NewMakerTaker builds the classifier from p.
func NewMakerTaker(p *Params) *MakerTaker {
	return &MakerTaker{w: p.Classifier}
}

// MakerProportion returns σ(w0 + w·x) in [0, 1].
func (m *MakerTaker) MakerProportion(x Features) (float64, error) {
	features := [...]struct {
		name string
		v    float64
	}{
		{"order size", x.OrderSize},
		{"price offset", x.PriceOffset},
		{"volatility", x.Volatility},
		{"fill ratio", x.FillRatio},
	}
	for _, f := range features {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return 0, fmt.Errorf("model: maker/taker: %w: %s must be finite", domain.ErrInvalidRequest, f.name)
		}
	}
	z := m.w.Intercept +
		m.w.OrderSize*x.OrderSize +
		m.w.PriceOffset*x.PriceOffset +
		m.w.Volatility*x.Volatility +
		m.w.FillRatio*x.FillRatio
	return logistic(z), nil
}

// logistic evaluates 1/(1+e^-z) without overflowing for large |z|.
func logistic(z float64) float64 {
	if math.IsNaN(z) {
		return 0.5
	}
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
