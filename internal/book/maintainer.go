package book

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/costsim/internal/domain"
	"github.com/alanyoungcy/costsim/internal/metrics"
)

// defaultFillAlpha weights roughly the last 20 level changes.
const defaultFillAlpha = 0.1

// Config identifies the instrument and tunes the maintainer.
type Config struct {
	Exchange string
	Symbol   string
	// FillRatioAlpha is the EWMA weight of each delta in the per-side fill
	// ratio. Zero selects the default.
	FillRatioAlpha float64
}

// Maintainer is the single writer of the book. Feed messages are applied
// under its mutex; after every accepted mutation a fresh immutable view is
// published through an atomic pointer so readers never take the lock.
type Maintainer struct {
	mu sync.Mutex
	st *state

	view atomic.Pointer[domain.BookView]

	notifyMu sync.Mutex
	notify   []chan struct{}

	// minEpoch is the oldest connection epoch still accepted. Guarded by mu.
	minEpoch uint64

	resync  domain.Resyncer
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewMaintainer creates a Maintainer with an empty, stale book. resync may be
// nil when no transport is attached (tests, replay).
func NewMaintainer(cfg Config, resync domain.Resyncer, m *metrics.Metrics, logger *slog.Logger) *Maintainer {
	alpha := cfg.FillRatioAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = defaultFillAlpha
	}
	mt := &Maintainer{
		st:      newState(cfg.Exchange, cfg.Symbol, alpha),
		resync:  resync,
		metrics: m,
		logger:  logger.With(slog.String("component", "book_maintainer")),
		now:     time.Now,
	}
	mt.view.Store(mt.st.view())
	return mt
}

// SetResyncer attaches the transport after construction. It must be called
// before ingestion starts.
func (m *Maintainer) SetResyncer(r domain.Resyncer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resync = r
}

// View returns the latest published view. It never returns nil and never
// blocks on the writer.
func (m *Maintainer) View() *domain.BookView {
	return m.view.Load()
}

// Stale reports whether the current book is known to be stale.
func (m *Maintainer) Stale() bool {
	return m.View().Stale
}

// Notify returns a channel that receives a value whenever a new view is
// published. Notifications coalesce: a slow reader sees one pending signal,
// not one per update.
func (m *Maintainer) Notify() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.notifyMu.Lock()
	m.notify = append(m.notify, ch)
	m.notifyMu.Unlock()
	return ch
}

// Apply dispatches msg to ApplySnapshot or ApplyDelta.
func (m *Maintainer) Apply(msg domain.FeedMessage) error {
	switch msg.Kind {
	case domain.FeedSnapshot:
		return m.ApplySnapshot(msg)
	case domain.FeedDelta:
		return m.ApplyDelta(msg)
	default:
		m.metrics.FeedMessage(msg.Kind.String(), "malformed")
		return fmt.Errorf("book: apply: %w: unknown kind %d", domain.ErrMalformedMessage, msg.Kind)
	}
}

// ApplySnapshot replaces both sides wholesale and resets the sequence. A
// snapshot is always accepted while the book is stale. On a live book its
// sequence must advance past the last accepted one: a late or replayed
// snapshot is dropped with ErrOutOfOrder instead of rewinding lastSequence.
// Messages from a connection closed by CloseEpoch are dropped the same way.
func (m *Maintainer) ApplySnapshot(msg domain.FeedMessage) error {
	bids, err := validateLevels(msg.Bids)
	if err != nil {
		m.metrics.FeedMessage("snapshot", "malformed")
		return fmt.Errorf("book: snapshot seq %d bids: %w", msg.Sequence, err)
	}
	asks, err := validateLevels(msg.Asks)
	if err != nil {
		m.metrics.FeedMessage("snapshot", "malformed")
		return fmt.Errorf("book: snapshot seq %d asks: %w", msg.Sequence, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkEpochLocked(msg); err != nil {
		return err
	}
	if !m.st.stale && msg.Sequence <= m.st.lastSequence {
		m.metrics.FeedMessage("snapshot", "out_of_order")
		return fmt.Errorf("book: snapshot seq %d after %d: %w", msg.Sequence, m.st.lastSequence, domain.ErrOutOfOrder)
	}

	wasStale := m.st.stale
	m.st.replace(bids, asks)
	if msg.Exchange != "" {
		m.st.exchange = msg.Exchange
	}
	if msg.Symbol != "" {
		m.st.symbol = msg.Symbol
	}
	m.st.lastSequence = msg.Sequence
	m.st.lastUpdate = m.timestamp(msg)
	m.st.hasSnapshot = true
	m.st.stale = false
	m.checkCrossedLocked()

	if wasStale {
		m.logger.Info("book resynchronised",
			slog.Int64("sequence", msg.Sequence),
			slog.Int("bids", len(bids)),
			slog.Int("asks", len(asks)),
		)
	}
	m.metrics.FeedMessage("snapshot", "applied")
	m.publishLocked()
	return nil
}

// ApplyDelta upserts or removes one level. A delta whose sequence is not
// exactly lastSequence+1 is rejected, marks the book stale and asks the
// transport for a fresh snapshot.
func (m *Maintainer) ApplyDelta(msg domain.FeedMessage) error {
	if err := validateDelta(msg); err != nil {
		m.metrics.FeedMessage("delta", "malformed")
		return fmt.Errorf("book: delta seq %d: %w", msg.Sequence, err)
	}

	m.mu.Lock()
	if err := m.checkEpochLocked(msg); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.st.stale {
		m.mu.Unlock()
		m.metrics.FeedMessage("delta", "stale")
		return fmt.Errorf("book: delta seq %d while awaiting snapshot: %w", msg.Sequence, domain.ErrStaleBook)
	}
	if msg.Sequence != m.st.lastSequence+1 {
		expected := m.st.lastSequence + 1
		m.markStaleLocked()
		resync := m.resync
		m.mu.Unlock()

		m.metrics.FeedMessage("delta", "gap")
		reason := fmt.Sprintf("sequence gap: expected %d, got %d", expected, msg.Sequence)
		m.logger.Warn("book marked stale", slog.String("reason", reason))
		if resync != nil {
			resync.RequestResync(reason)
		}
		return fmt.Errorf("book: delta %s: %w", reason, domain.ErrStaleBook)
	}
	defer m.mu.Unlock()

	prev := m.st.set(msg.Side, msg.Price, msg.Size)
	m.st.fill(msg.Side).observe(prev, msg.Size)
	m.st.lastSequence = msg.Sequence
	m.st.lastUpdate = m.timestamp(msg)
	m.checkCrossedLocked()

	m.metrics.FeedMessage("delta", "applied")
	m.publishLocked()
	return nil
}

// MarkStale flags the book stale. Levels are kept so in-flight and
// acknowledged-stale estimates still have data; only a Snapshot clears the
// flag. A transport that stamps epochs should call CloseEpoch instead.
func (m *Maintainer) MarkStale(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.stale {
		return
	}
	m.markStaleLocked()
	m.logger.Warn("book marked stale", slog.String("reason", reason))
}

// CloseEpoch flags the book stale after the transport lost connection
// epoch. Messages stamped with epoch or an earlier one that are still queued
// are dropped when they reach the book, so only a snapshot from a newer
// connection clears the flag.
func (m *Maintainer) CloseEpoch(epoch uint64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch >= m.minEpoch {
		m.minEpoch = epoch + 1
	}
	if m.st.stale {
		return
	}
	m.markStaleLocked()
	m.logger.Warn("book marked stale",
		slog.String("reason", reason),
		slog.Uint64("epoch", epoch),
	)
}

func (m *Maintainer) checkEpochLocked(msg domain.FeedMessage) error {
	if msg.Epoch >= m.minEpoch {
		return nil
	}
	kind := msg.Kind.String()
	m.metrics.FeedMessage(kind, "closed_connection")
	return fmt.Errorf("book: %s seq %d from closed connection %d: %w",
		kind, msg.Sequence, msg.Epoch, domain.ErrOutOfOrder)
}

func (m *Maintainer) markStaleLocked() {
	m.st.stale = true
	m.metrics.Stale()
	m.publishLocked()
}

// checkCrossedLocked logs a crossed book once per transition. The update has
// already been applied: the exchange feed is authoritative.
func (m *Maintainer) checkCrossedLocked() {
	crossed := m.st.isCrossed()
	if crossed && !m.st.crossed {
		bid, _ := m.st.bestBid()
		ask, _ := m.st.bestAsk()
		m.metrics.Crossed()
		m.logger.Warn("crossed book",
			slog.Float64("best_bid", bid),
			slog.Float64("best_ask", ask),
			slog.Int64("sequence", m.st.lastSequence),
		)
	}
	m.st.crossed = crossed
}

func (m *Maintainer) publishLocked() {
	m.view.Store(m.st.view())
	m.metrics.Sequence(m.st.lastSequence)

	m.notifyMu.Lock()
	for _, ch := range m.notify {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	m.notifyMu.Unlock()
}

func (m *Maintainer) timestamp(msg domain.FeedMessage) time.Time {
	if !msg.Timestamp.IsZero() {
		return msg.Timestamp
	}
	return m.now()
}

// validateLevels checks a snapshot side: positive finite prices, finite
// non-negative sizes, no duplicate prices. Zero-size levels are dropped.
func validateLevels(levels []domain.PriceLevel) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(levels))
	seen := make(map[float64]struct{}, len(levels))
	for _, l := range levels {
		if err := validateLevel(l.Price, l.Size); err != nil {
			return nil, err
		}
		if _, dup := seen[l.Price]; dup {
			return nil, fmt.Errorf("%w: duplicate price %v", domain.ErrMalformedMessage, l.Price)
		}
		seen[l.Price] = struct{}{}
		if l.Size == 0 {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func validateDelta(msg domain.FeedMessage) error {
	if msg.Side != domain.Bids && msg.Side != domain.Asks {
		return fmt.Errorf("%w: unknown side %q", domain.ErrMalformedMessage, msg.Side)
	}
	return validateLevel(msg.Price, msg.Size)
}

func validateLevel(price, size float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return fmt.Errorf("%w: non-positive price %v", domain.ErrMalformedMessage, price)
	}
	if math.IsNaN(size) || math.IsInf(size, 0) || size < 0 {
		return fmt.Errorf("%w: invalid size %v at price %v", domain.ErrMalformedMessage, size, price)
	}
	return nil
}
