// Package feed is the L2 transport: a WebSocket client that decodes raw
// frames into domain.FeedMessage values and hands them to the ingestor.
package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// wireLevel is a [price, size] pair. Prices and sizes arrive as strings on
// most venues; decimal accepts both quoted and bare numbers.
// Trailing fields (order counts, liquidated size) are ignored.
type wireLevel [2]decimal.Decimal

func (l *wireLevel) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return fmt.Errorf("level %s: %w", b, err)
	}
	if len(parts) < 2 {
		return fmt.Errorf("level %s: want [price, size]", b)
	}
	for i := 0; i < 2; i++ {
		if err := l[i].UnmarshalJSON(parts[i]); err != nil {
			return fmt.Errorf("level %s: %w", b, err)
		}
	}
	return nil
}

// wireTime accepts RFC 3339 strings and epoch milliseconds.
type wireTime time.Time

func (t *wireTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			*t = wireTime(time.UnixMilli(ms).UTC())
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		*t = wireTime(parsed.UTC())
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", b, err)
	}
	*t = wireTime(time.UnixMilli(ms).UTC())
	return nil
}

// wireMessage covers both the typed snapshot/delta envelope and the plain
// full-book frame ({timestamp, exchange, symbol, asks, bids}).
type wireMessage struct {
	Type      string      `json:"type"`
	Seq       *int64      `json:"seq"`
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	Timestamp wireTime    `json:"timestamp"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`

	// Delta fields.
	Side  string           `json:"side"`
	Price *decimal.Decimal `json:"price"`
	Size  *decimal.Decimal `json:"size"`
}

// Decoder turns raw frames into feed messages. Full-book frames carry no
// sequence number, so the decoder assigns one from a local counter; typed
// frames keep the venue's sequence.
type Decoder struct {
	exchange string
	symbol   string
	localSeq atomic.Int64
}

// NewDecoder creates a Decoder. exchange and symbol fill in frames that omit
// them.
func NewDecoder(exchange, symbol string) *Decoder {
	return &Decoder{exchange: exchange, symbol: symbol}
}

// Decode parses one frame. Structural problems (bad JSON, unparseable
// numbers, missing sequence) are reported as domain.ErrMalformedMessage;
// value checks such as non-positive prices are left to the book maintainer.
func (d *Decoder) Decode(raw []byte) (domain.FeedMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.FeedMessage{}, fmt.Errorf("feed: decode: %w: %v", domain.ErrMalformedMessage, err)
	}

	msg := domain.FeedMessage{
		Exchange:  firstNonEmpty(w.Exchange, d.exchange),
		Symbol:    firstNonEmpty(w.Symbol, d.symbol),
		Timestamp: time.Time(w.Timestamp),
	}

	switch strings.ToLower(w.Type) {
	case "snapshot", "book", "":
		if w.Type == "" && w.Bids == nil && w.Asks == nil {
			return domain.FeedMessage{}, fmt.Errorf("feed: decode: %w: frame has no type and no levels", domain.ErrMalformedMessage)
		}
		msg.Kind = domain.FeedSnapshot
		msg.Bids = toLevels(w.Bids)
		msg.Asks = toLevels(w.Asks)
		if w.Seq != nil {
			msg.Sequence = *w.Seq
			d.localSeq.Store(*w.Seq)
		} else {
			msg.Sequence = d.localSeq.Add(1)
		}
	case "delta", "update":
		if w.Seq == nil {
			return domain.FeedMessage{}, fmt.Errorf("feed: decode: %w: delta without seq", domain.ErrMalformedMessage)
		}
		if w.Price == nil || w.Size == nil {
			return domain.FeedMessage{}, fmt.Errorf("feed: decode: %w: delta seq %d missing price or size", domain.ErrMalformedMessage, *w.Seq)
		}
		side, ok := domain.ParseBookSide(w.Side)
		if !ok {
			return domain.FeedMessage{}, fmt.Errorf("feed: decode: %w: delta seq %d side %q", domain.ErrMalformedMessage, *w.Seq, w.Side)
		}
		msg.Kind = domain.FeedDelta
		msg.Sequence = *w.Seq
		msg.Side = side
		msg.Price = w.Price.InexactFloat64()
		msg.Size = w.Size.InexactFloat64()
		d.localSeq.Store(*w.Seq)
	default:
		return domain.FeedMessage{}, fmt.Errorf("feed: decode: %w: unknown type %q", domain.ErrMalformedMessage, w.Type)
	}
	return msg, nil
}

func toLevels(in []wireLevel) []domain.PriceLevel {
	if in == nil {
		return nil
	}
	out := make([]domain.PriceLevel, len(in))
	for i, l := range in {
		out[i] = domain.PriceLevel{Price: l[0].InexactFloat64(), Size: l[1].InexactFloat64()}
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
