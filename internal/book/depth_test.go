package book

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/costsim/internal/domain"
)

func sampleView() *domain.BookView {
	return &domain.BookView{
		Bids: []domain.PriceLevel{lv(100, 2), lv(99, 3)},
		Asks: []domain.PriceLevel{lv(101, 1), lv(102, 4)},
	}
}

func TestWalk(t *testing.T) {
	tests := []struct {
		name      string
		side      domain.Side
		qty       float64
		wantAvg   float64
		wantFill  float64
		feasible  bool
		wantLevel int
	}{
		{"buy within first level", domain.SideBuy, 0.5, 101, 0.5, true, 1},
		{"buy across levels", domain.SideBuy, 1.5, (1*101 + 0.5*102) / 1.5, 1.5, true, 2},
		{"buy exact depth", domain.SideBuy, 5, (101 + 4*102) / 5.0, 5, true, 2},
		{"buy beyond depth", domain.SideBuy, 10, (101 + 4*102) / 5.0, 5, false, 2},
		{"sell across levels", domain.SideSell, 3, (2*100 + 1*99) / 3.0, 3, true, 2},
		{"sell beyond depth", domain.SideSell, 6, (2*100 + 3*99) / 5.0, 5, false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Walk(sampleView(), tt.side, tt.qty)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantAvg, f.AvgPrice, 1e-9)
			assert.InDelta(t, tt.wantFill, f.Filled, 1e-9)
			assert.Equal(t, tt.feasible, f.Feasible)
			assert.Equal(t, tt.wantLevel, f.LevelsConsumed)
			assert.InDelta(t, f.AvgPrice*f.Filled, f.Notional, 1e-9)
		})
	}
}

func TestWalk_Example(t *testing.T) {
	f, err := Walk(sampleView(), domain.SideBuy, 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 101.3333333, f.AvgPrice, 1e-6)
	assert.True(t, f.Feasible)

	f, err = Walk(sampleView(), domain.SideBuy, 10)
	require.NoError(t, err)
	assert.False(t, f.Feasible)
	assert.InDelta(t, 5.0, f.Filled, 1e-12)
	assert.InDelta(t, 509.0/5.0, f.AvgPrice, 1e-9)
}

func TestWalk_InvalidQuantity(t *testing.T) {
	for _, q := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Walk(sampleView(), domain.SideBuy, q)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest, "qty %v", q)
		_, err = WalkNotional(sampleView(), domain.SideBuy, q)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest, "amount %v", q)
	}
}

func TestWalk_EmptySide(t *testing.T) {
	f, err := Walk(&domain.BookView{}, domain.SideBuy, 1)
	require.NoError(t, err)
	assert.False(t, f.Feasible)
	assert.Zero(t, f.AvgPrice)
	assert.Zero(t, f.Filled)
}

func TestWalk_CrossedBookTolerated(t *testing.T) {
	v := &domain.BookView{
		Bids:    []domain.PriceLevel{lv(102, 1)},
		Asks:    []domain.PriceLevel{lv(101, 1)},
		Crossed: true,
	}
	f, err := Walk(v, domain.SideSell, 1)
	require.NoError(t, err)
	assert.Equal(t, 102.0, f.AvgPrice)
}

func TestWalkNotional(t *testing.T) {
	// 101 buys the first ask, 51 buys half a unit at 102.
	f, err := WalkNotional(sampleView(), domain.SideBuy, 152)
	require.NoError(t, err)
	assert.True(t, f.Feasible)
	assert.InDelta(t, 1.5, f.Filled, 1e-12)
	assert.InDelta(t, 152.0/1.5, f.AvgPrice, 1e-9)

	f, err = WalkNotional(sampleView(), domain.SideBuy, 1000)
	require.NoError(t, err)
	assert.False(t, f.Feasible)
	assert.InDelta(t, 5.0, f.Filled, 1e-12)
	assert.InDelta(t, 509.0, f.Notional, 1e-9)

	_, err = WalkNotional(sampleView(), domain.SideBuy, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestDepthWithin(t *testing.T) {
	asks := sampleView().Asks
	assert.Equal(t, 1.0, DepthWithin(asks, 1))
	assert.Equal(t, 5.0, DepthWithin(asks, 2))
	assert.Equal(t, 5.0, DepthWithin(asks, 10))
	assert.Equal(t, 5.0, DepthWithin(asks, 0))
	assert.Zero(t, DepthWithin(nil, 3))
}
