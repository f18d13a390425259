package domain

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of a proposed order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b":
		return SideBuy, nil
	case "sell", "s":
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrInvalidRequest, s)
	}
}

// ConsumedSide is the book side a marketable order of this direction takes
// liquidity from.
func (s Side) ConsumedSide() BookSide {
	if s == SideSell {
		return Bids
	}
	return Asks
}

// RestingSide is the book side an order of this direction rests on when it
// is filled as a maker.
func (s Side) RestingSide() BookSide {
	if s == SideSell {
		return Asks
	}
	return Bids
}

// BookSide identifies one side of the order book.
type BookSide string

const (
	Bids BookSide = "bids"
	Asks BookSide = "asks"
)

// ParseBookSide maps the spellings used by common L2 feeds onto a BookSide.
func ParseBookSide(s string) (BookSide, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bid", "bids", "buy", "b":
		return Bids, true
	case "ask", "asks", "sell", "s", "a":
		return Asks, true
	default:
		return "", false
	}
}

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookView is an immutable, point-in-time copy of the order book. Bids are
// ordered by descending price and asks by ascending price. Holders must treat
// the level slices as read-only; the maintainer never touches a published
// view again.
type BookView struct {
	Exchange  string       `json:"exchange,omitempty"`
	Symbol    string       `json:"symbol,omitempty"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Sequence  int64        `json:"sequence"`
	UpdatedAt time.Time    `json:"updated_at"`

	// Stale is set while the book is known to have missed updates (sequence
	// gap, disconnect) or before the first snapshot has arrived.
	Stale bool `json:"stale"`
	// Crossed is set when best bid >= best ask.
	Crossed bool `json:"crossed"`

	// Exponentially weighted share of size changes on each side that were
	// reductions, i.e. resting liquidity being consumed or pulled.
	BidFillRatio float64 `json:"bid_fill_ratio"`
	AskFillRatio float64 `json:"ask_fill_ratio"`
}

// Levels returns the levels of the given side in book order.
func (v *BookView) Levels(side BookSide) []PriceLevel {
	if side == Bids {
		return v.Bids
	}
	return v.Asks
}

// Best returns the top-of-book level on side.
func (v *BookView) Best(side BookSide) (PriceLevel, bool) {
	lv := v.Levels(side)
	if len(lv) == 0 {
		return PriceLevel{}, false
	}
	return lv[0], true
}

// BestBid returns the highest bid price, or 0 when there are no bids.
func (v *BookView) BestBid() float64 {
	if len(v.Bids) == 0 {
		return 0
	}
	return v.Bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 when there are no asks.
func (v *BookView) BestAsk() float64 {
	if len(v.Asks) == 0 {
		return 0
	}
	return v.Asks[0].Price
}

// Mid returns the mid price, or 0 unless both sides are populated.
func (v *BookView) Mid() float64 {
	bid, ask := v.BestBid(), v.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}

// SpreadBps returns the quoted spread in basis points of the mid price.
func (v *BookView) SpreadBps() float64 {
	mid := v.Mid()
	if mid == 0 {
		return 0
	}
	return (v.BestAsk() - v.BestBid()) / mid * 10000
}

// Imbalance returns (bidNotional - askNotional) / total over the whole view,
// in [-1, 1]. An empty book has zero imbalance.
func (v *BookView) Imbalance() float64 {
	var bid, ask float64
	for _, l := range v.Bids {
		bid += l.Price * l.Size
	}
	for _, l := range v.Asks {
		ask += l.Price * l.Size
	}
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

// FillRatio returns the recent fill ratio tracked for side.
func (v *BookView) FillRatio(side BookSide) float64 {
	if side == Bids {
		return v.BidFillRatio
	}
	return v.AskFillRatio
}

// Top returns a shallow copy of the view limited to depth levels per side.
// A non-positive depth returns the view unchanged.
func (v *BookView) Top(depth int) *BookView {
	if depth <= 0 {
		return v
	}
	out := *v
	if len(out.Bids) > depth {
		out.Bids = out.Bids[:depth]
	}
	if len(out.Asks) > depth {
		out.Asks = out.Asks[:depth]
	}
	return &out
}
