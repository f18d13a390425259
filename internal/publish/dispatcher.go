// Package publish fans completed estimates and book snapshots out to the
// display hub, the Redis bus, NATS, the Postgres journal and the Redis book
// mirror. Every sink is optional; a failing sink is logged and counted and
// never blocks the others for longer than the sink timeout.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/costsim/internal/domain"
	"github.com/alanyoungcy/costsim/internal/estimator"
	"github.com/alanyoungcy/costsim/internal/metrics"
)

// Broadcaster delivers a frame to local display clients.
type Broadcaster interface {
	Broadcast(channel string, data []byte)
}

// Journal persists estimates.
type Journal interface {
	Insert(ctx context.Context, res domain.CostEstimateResult) error
}

// MarketPublisher publishes to a per-market subject.
type MarketPublisher interface {
	Publish(ctx context.Context, exchange, symbol string, data []byte) error
}

// BookSource exposes the current book and a coalesced change signal.
type BookSource interface {
	View() *domain.BookView
	Notify() <-chan struct{}
}

// Sinks lists the optional outputs. Nil fields are skipped.
type Sinks struct {
	Hub     Broadcaster
	Bus     domain.SignalBus
	NATS    MarketPublisher
	Journal Journal
	Books   domain.OrderbookCache
}

// Config controls routing and pacing.
type Config struct {
	Exchange string
	Symbol   string
	// Stream is the Redis stream estimates are appended to. Empty disables it.
	Stream string
	// BookDepth limits the levels per side pushed to displays and the mirror.
	BookDepth int
	// BookInterval is the minimum spacing between book pushes.
	BookInterval time.Duration
	// SinkTimeout bounds each external write.
	SinkTimeout time.Duration
}

// Envelope is the frame written to every channel.
type Envelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

// EstimatePayload is a result plus the display-only fields.
type EstimatePayload struct {
	domain.CostEstimateResult
	TakerProportion float64            `json:"taker_proportion"`
	LatencyMillis   map[string]float64 `json:"latency_ms"`
	LatencyCount    int                `json:"latency_count"`
}

// BookPayload is the display form of a book view.
type BookPayload struct {
	*domain.BookView
	Mid       float64 `json:"mid"`
	SpreadBps float64 `json:"spread_bps"`
}

// Dispatcher routes estimator updates and book changes to the sinks.
type Dispatcher struct {
	cfg     Config
	sinks   Sinks
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config, sinks Sinks, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 20
	}
	if cfg.BookInterval <= 0 {
		cfg.BookInterval = 250 * time.Millisecond
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 2 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		sinks:   sinks,
		metrics: m,
		logger:  logger.With(slog.String("component", "publish")),
	}
}

// EstimateChannel is the channel estimates are published on.
func (d *Dispatcher) EstimateChannel() string {
	return "ch:estimate:" + d.cfg.Exchange + ":" + d.cfg.Symbol
}

// BookChannel is the channel book snapshots are published on.
func (d *Dispatcher) BookChannel() string {
	return "ch:book:" + d.cfg.Exchange + ":" + d.cfg.Symbol
}

// BookKey is the mirror key for the book cache.
func (d *Dispatcher) BookKey() string {
	return d.cfg.Exchange + ":" + d.cfg.Symbol
}

// Run consumes updates and book notifications until ctx is done or updates
// is closed. book may be nil to publish estimates only.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan estimator.Update, book BookSource) error {
	var (
		notify <-chan struct{}
		tick   <-chan time.Time
		dirty  bool
	)
	if book != nil {
		notify = book.Notify()
		ticker := time.NewTicker(d.cfg.BookInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	d.logger.Info("dispatcher started",
		slog.String("estimate_channel", d.EstimateChannel()),
		slog.String("book_channel", d.BookChannel()),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			d.PublishEstimate(ctx, u)
		case <-notify:
			dirty = true
		case <-tick:
			if dirty {
				dirty = false
				d.PublishBook(ctx, book.View())
			}
		}
	}
}

// PublishEstimate writes one update to every configured sink.
func (d *Dispatcher) PublishEstimate(ctx context.Context, u estimator.Update) {
	channel := d.EstimateChannel()
	frame, err := json.Marshal(Envelope{
		Type:    "estimate",
		Channel: channel,
		Payload: EstimatePayload{
			CostEstimateResult: u.Result,
			TakerProportion:    u.Result.TakerProportion(),
			LatencyMillis:      u.Latency.Millis(),
			LatencyCount:       u.Latency.Count,
		},
	})
	if err != nil {
		d.logger.Error("encode estimate", slog.String("id", u.Result.ID), slog.String("error", err.Error()))
		return
	}

	if d.sinks.Hub != nil {
		d.sinks.Hub.Broadcast(channel, frame)
	}
	if d.sinks.Bus != nil {
		d.do(ctx, "redis_pubsub", func(ctx context.Context) error {
			return d.sinks.Bus.Publish(ctx, channel, frame)
		})
		if d.cfg.Stream != "" {
			d.do(ctx, "redis_stream", func(ctx context.Context) error {
				return d.sinks.Bus.StreamAppend(ctx, d.cfg.Stream, frame)
			})
		}
	}
	if d.sinks.NATS != nil {
		d.do(ctx, "nats", func(ctx context.Context) error {
			return d.sinks.NATS.Publish(ctx, d.cfg.Exchange, d.cfg.Symbol, frame)
		})
	}
	if d.sinks.Journal != nil {
		d.do(ctx, "postgres", func(ctx context.Context) error {
			return d.sinks.Journal.Insert(ctx, u.Result)
		})
	}
}

// PublishBook pushes the top of view to displays and the Redis mirror.
func (d *Dispatcher) PublishBook(ctx context.Context, view *domain.BookView) {
	if view == nil {
		return
	}
	top := view.Top(d.cfg.BookDepth)
	channel := d.BookChannel()

	if d.sinks.Hub != nil || d.sinks.Bus != nil {
		frame, err := json.Marshal(Envelope{
			Type:    "book",
			Channel: channel,
			Payload: BookPayload{BookView: top, Mid: top.Mid(), SpreadBps: top.SpreadBps()},
		})
		if err != nil {
			d.logger.Error("encode book", slog.String("error", err.Error()))
			return
		}
		if d.sinks.Hub != nil {
			d.sinks.Hub.Broadcast(channel, frame)
		}
		if d.sinks.Bus != nil {
			d.do(ctx, "redis_pubsub", func(ctx context.Context) error {
				return d.sinks.Bus.Publish(ctx, channel, frame)
			})
		}
	}
	if d.sinks.Books != nil {
		d.do(ctx, "redis_book", func(ctx context.Context) error {
			return d.sinks.Books.SetSnapshot(ctx, d.BookKey(), top)
		})
	}
}

func (d *Dispatcher) do(ctx context.Context, sink string, fn func(context.Context) error) {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.SinkTimeout)
	defer cancel()
	if err := fn(sctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.metrics.PublishFailure(sink)
		d.logger.Warn("publish failed",
			slog.String("sink", sink),
			slog.String("error", err.Error()),
		)
	}
}
