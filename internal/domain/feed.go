package domain

import "time"

// FeedKind discriminates feed messages.
type FeedKind uint8

const (
	FeedSnapshot FeedKind = iota + 1
	FeedDelta
)

func (k FeedKind) String() string {
	switch k {
	case FeedSnapshot:
		return "snapshot"
	case FeedDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// FeedMessage is one decoded L2 update as delivered by the transport, in
// arrival order. A Snapshot carries both complete sides; a Delta carries a
// single level on one side, where Size 0 removes the level.
type FeedMessage struct {
	Kind      FeedKind
	Exchange  string
	Symbol    string
	Sequence  int64
	Timestamp time.Time
	// Epoch numbers the transport connection that produced the message.
	// Zero means unstamped.
	Epoch uint64

	// Snapshot payload.
	Bids []PriceLevel
	Asks []PriceLevel

	// Delta payload.
	Side  BookSide
	Price float64
	Size  float64
}

// Resyncer is implemented by the transport. The book maintainer calls it
// after detecting a sequence gap; the transport answers with a fresh
// Snapshot, which is the only way out of the stale state.
type Resyncer interface {
	RequestResync(reason string)
}

// ResyncFunc adapts a function to Resyncer.
type ResyncFunc func(reason string)

// RequestResync calls f(reason).
func (f ResyncFunc) RequestResync(reason string) { f(reason) }
