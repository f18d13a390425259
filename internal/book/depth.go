package book

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// Fill is the result of walking one side of a book.
type Fill struct {
	AvgPrice       float64
	Filled         float64
	Notional       float64
	Feasible       bool
	LevelsConsumed int
	// WorstPrice is the last level touched.
	WorstPrice float64
}

// Walk consumes the side of view that an order on side would take from
// (asks for a buy, bids for a sell) until qty is filled or depth runs out.
// A partial fill returns Feasible=false with the VWAP over what was
// available.
func Walk(view *domain.BookView, side domain.Side, qty float64) (Fill, error) {
	if view == nil {
		return Fill{}, fmt.Errorf("book: walk: nil view")
	}
	return WalkLevels(view.Levels(side.ConsumedSide()), qty)
}

// WalkLevels walks levels in the given order.
func WalkLevels(levels []domain.PriceLevel, qty float64) (Fill, error) {
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty <= 0 {
		return Fill{}, fmt.Errorf("book: walk: %w: quantity %v must be positive and finite", domain.ErrInvalidRequest, qty)
	}

	var f Fill
	remaining := qty
	for _, l := range levels {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, l.Size)
		f.Filled += take
		f.Notional += take * l.Price
		f.WorstPrice = l.Price
		f.LevelsConsumed++
		remaining -= take
	}
	if f.Filled > 0 {
		f.AvgPrice = f.Notional / f.Filled
	}
	f.Feasible = remaining <= qty*1e-12
	return f, nil
}

// WalkNotional walks until quote currency worth amount has been spent.
// Filled is then the base quantity obtained.
func WalkNotional(view *domain.BookView, side domain.Side, amount float64) (Fill, error) {
	if view == nil {
		return Fill{}, fmt.Errorf("book: walk notional: nil view")
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return Fill{}, fmt.Errorf("book: walk notional: %w: amount %v must be positive and finite", domain.ErrInvalidRequest, amount)
	}

	var f Fill
	remaining := amount
	for _, l := range view.Levels(side.ConsumedSide()) {
		if remaining <= 0 {
			break
		}
		levelNotional := l.Price * l.Size
		spend := math.Min(remaining, levelNotional)
		f.Filled += spend / l.Price
		f.Notional += spend
		f.WorstPrice = l.Price
		f.LevelsConsumed++
		remaining -= spend
	}
	if f.Filled > 0 {
		f.AvgPrice = f.Notional / f.Filled
	}
	f.Feasible = remaining <= amount*1e-12
	return f, nil
}

// DepthWithin sums the size resting in the first n levels.
func DepthWithin(levels []domain.PriceLevel, n int) float64 {
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}
	var total float64
	for _, l := range levels[:n] {
		total += l.Size
	}
	return total
}
