package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/costsim/internal/domain"
	"github.com/alanyoungcy/costsim/internal/metrics"
)

// OverflowPolicy decides what OnMessage does when the queue is full.
type OverflowPolicy string

const (
	// PolicyBlock applies backpressure to the transport.
	PolicyBlock OverflowPolicy = "block"
	// PolicyDropOldest evicts the oldest queued message. A dropped delta
	// surfaces later as a sequence gap and a resync.
	PolicyDropOldest OverflowPolicy = "drop_oldest"
)

// ParseOverflowPolicy accepts "block" and "drop_oldest".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyBlock, "":
		return PolicyBlock, nil
	case PolicyDropOldest:
		return PolicyDropOldest, nil
	default:
		return "", fmt.Errorf("book: unknown overflow policy %q", s)
	}
}

// Ingestor is the dedicated ingestion task in front of the Maintainer. The
// transport hands messages to OnMessage; Run drains them in arrival order on
// a single goroutine.
type Ingestor struct {
	maintainer *Maintainer
	queue      chan domain.FeedMessage
	policy     OverflowPolicy
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// dropMu serialises drop_oldest producers so evict+enqueue is atomic
	// among them.
	dropMu sync.Mutex
}

// NewIngestor creates an Ingestor with a queue of the given capacity.
func NewIngestor(m *Maintainer, capacity int, policy OverflowPolicy, mt *metrics.Metrics, logger *slog.Logger) *Ingestor {
	if capacity <= 0 {
		capacity = 1
	}
	if policy == "" {
		policy = PolicyBlock
	}
	return &Ingestor{
		maintainer: m,
		queue:      make(chan domain.FeedMessage, capacity),
		policy:     policy,
		metrics:    mt,
		logger:     logger.With(slog.String("component", "book_ingestor")),
	}
}

// OnMessage enqueues msg. With PolicyBlock it waits for room or for ctx to
// be done; with PolicyDropOldest it never blocks.
func (in *Ingestor) OnMessage(ctx context.Context, msg domain.FeedMessage) error {
	if in.policy == PolicyDropOldest {
		in.enqueueDropOldest(msg)
		return nil
	}
	select {
	case in.queue <- msg:
		in.metrics.QueueDepth(len(in.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Ingestor) enqueueDropOldest(msg domain.FeedMessage) {
	in.dropMu.Lock()
	defer in.dropMu.Unlock()
	for {
		select {
		case in.queue <- msg:
			in.metrics.QueueDepth(len(in.queue))
			return
		default:
		}
		select {
		case old := <-in.queue:
			in.metrics.Dropped()
			in.logger.Debug("queue full, dropped oldest",
				slog.String("kind", old.Kind.String()),
				slog.Int64("sequence", old.Sequence),
			)
		default:
		}
	}
}

// Len returns the number of queued messages.
func (in *Ingestor) Len() int { return len(in.queue) }

// Run applies queued messages until ctx is cancelled. Rejected messages are
// logged and dropped; they never stop ingestion.
func (in *Ingestor) Run(ctx context.Context) error {
	in.logger.Info("ingestor started",
		slog.Int("capacity", cap(in.queue)),
		slog.String("policy", string(in.policy)),
	)
	for {
		select {
		case <-ctx.Done():
			in.logger.Info("ingestor stopped")
			return nil
		case msg := <-in.queue:
			in.metrics.QueueDepth(len(in.queue))
			in.apply(msg)
		}
	}
}

func (in *Ingestor) apply(msg domain.FeedMessage) {
	err := in.maintainer.Apply(msg)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrMalformedMessage):
		in.logger.Warn("dropped malformed message",
			slog.String("kind", msg.Kind.String()),
			slog.Int64("sequence", msg.Sequence),
			slog.String("error", err.Error()),
		)
	case errors.Is(err, domain.ErrOutOfOrder):
		in.logger.Info("dropped out-of-order message",
			slog.String("kind", msg.Kind.String()),
			slog.Int64("sequence", msg.Sequence),
			slog.Uint64("epoch", msg.Epoch),
		)
	case errors.Is(err, domain.ErrStaleBook):
		in.logger.Debug("delta rejected",
			slog.Int64("sequence", msg.Sequence),
			slog.String("error", err.Error()),
		)
	default:
		in.logger.Error("apply failed", slog.String("error", err.Error()))
	}
}
