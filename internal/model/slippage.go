package model

import (
	"math"
	"time"
)

const secondsPerDay = 86400

// Slippage is the linear slippage regression.
type Slippage struct {
	b           SlippageCoefficients
	depthLevels int
	max         float64
}

// NewSlippage builds the slippage model from p.
func NewSlippage(p *Params) *Slippage {
	return &Slippage{b: p.Slippage, depthLevels: p.DepthLevels, max: p.MaxSlippage}
}

// DepthLevels is how many levels of the consumed side count as marketDepth.
func (m *Slippage) DepthLevels() int { return m.depthLevels }

// Estimate returns the expected slippage rate
//
//	b0 + b1·orderSize + b2·marketDepth + b3·volatility + b4·timeOfDay(at)
//
// clamped to [0, max].
func (m *Slippage) Estimate(orderSize, marketDepth, volatility float64, at time.Time) float64 {
	s := m.b.Intercept +
		m.b.OrderSize*orderSize +
		m.b.Depth*marketDepth +
		m.b.Volatility*volatility +
		m.b.TimeOfDay*TimeOfDayFactor(at)
	if math.IsNaN(s) {
		return 0
	}
	return math.Max(0, math.Min(m.max, s))
}

// TimeOfDayFactor encodes the UTC time of day as sin(2π·t/86400), so that
// midnight and the following midnight map to the same value.
func TimeOfDayFactor(at time.Time) float64 {
	u := at.UTC()
	sec := u.Hour()*3600 + u.Minute()*60 + u.Second()
	frac := (float64(sec) + float64(u.Nanosecond())/1e9) / secondsPerDay
	return math.Sin(2 * math.Pi * frac)
}
