// Package book owns the live L2 order book: the mutable state, the single
// writer that applies feed messages to it, the ingestion queue in front of
// that writer, and the depth walker that reads published views.
package book

import (
	"time"

	"github.com/tidwall/btree"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// btreeDegree matches the fan-out used for price trees elsewhere; L2 books
// rarely exceed a few hundred levels per side.
const btreeDegree = 32

// state is the canonical book. It is only touched by the Maintainer while
// holding its mutex.
type state struct {
	exchange string
	symbol   string

	bids *btree.Map[float64, float64]
	asks *btree.Map[float64, float64]

	lastSequence int64
	lastUpdate   time.Time
	hasSnapshot  bool
	stale        bool
	crossed      bool

	bidFill fillTracker
	askFill fillTracker
}

func newState(exchange, symbol string, alpha float64) *state {
	return &state{
		exchange: exchange,
		symbol:   symbol,
		bids:     btree.NewMap[float64, float64](btreeDegree),
		asks:     btree.NewMap[float64, float64](btreeDegree),
		stale:    true,
		bidFill:  fillTracker{alpha: alpha},
		askFill:  fillTracker{alpha: alpha},
	}
}

func (s *state) side(side domain.BookSide) *btree.Map[float64, float64] {
	if side == domain.Bids {
		return s.bids
	}
	return s.asks
}

func (s *state) fill(side domain.BookSide) *fillTracker {
	if side == domain.Bids {
		return &s.bidFill
	}
	return &s.askFill
}

// replace swaps both sides for the given, already validated, levels.
func (s *state) replace(bids, asks []domain.PriceLevel) {
	s.bids = btree.NewMap[float64, float64](btreeDegree)
	s.asks = btree.NewMap[float64, float64](btreeDegree)
	for _, l := range bids {
		s.bids.Set(l.Price, l.Size)
	}
	for _, l := range asks {
		s.asks.Set(l.Price, l.Size)
	}
}

// set upserts a level, or removes it when size is zero, and returns the size
// previously resting at price (0 if absent).
func (s *state) set(side domain.BookSide, price, size float64) float64 {
	tree := s.side(side)
	if size == 0 {
		prev, _ := tree.Delete(price)
		return prev
	}
	prev, _ := tree.Set(price, size)
	return prev
}

func (s *state) bestBid() (float64, bool) {
	p, _, ok := s.bids.Max()
	return p, ok
}

func (s *state) bestAsk() (float64, bool) {
	p, _, ok := s.asks.Min()
	return p, ok
}

func (s *state) isCrossed() bool {
	bid, okb := s.bestBid()
	ask, oka := s.bestAsk()
	return okb && oka && bid >= ask
}

// view copies the state into a new immutable BookView.
func (s *state) view() *domain.BookView {
	v := &domain.BookView{
		Exchange:     s.exchange,
		Symbol:       s.symbol,
		Bids:         make([]domain.PriceLevel, 0, s.bids.Len()),
		Asks:         make([]domain.PriceLevel, 0, s.asks.Len()),
		Sequence:     s.lastSequence,
		UpdatedAt:    s.lastUpdate,
		Stale:        s.stale,
		Crossed:      s.crossed,
		BidFillRatio: s.bidFill.ratio(),
		AskFillRatio: s.askFill.ratio(),
	}
	s.bids.Reverse(func(price, size float64) bool {
		v.Bids = append(v.Bids, domain.PriceLevel{Price: price, Size: size})
		return true
	})
	s.asks.Scan(func(price, size float64) bool {
		v.Asks = append(v.Asks, domain.PriceLevel{Price: price, Size: size})
		return true
	})
	return v
}

// fillTracker keeps exponentially weighted sums of size removed from and
// added to one side of the book.
type fillTracker struct {
	alpha   float64
	reduced float64
	added   float64
}

func (f *fillTracker) observe(prev, next float64) {
	var r, a float64
	if next < prev {
		r = prev - next
	} else {
		a = next - prev
	}
	f.reduced = (1-f.alpha)*f.reduced + f.alpha*r
	f.added = (1-f.alpha)*f.added + f.alpha*a
}

func (f *fillTracker) ratio() float64 {
	total := f.reduced + f.added
	if total <= 0 {
		return 0
	}
	return f.reduced / total
}
