package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// BookSource exposes the current book view.
type BookSource interface {
	View() *domain.BookView
}

// BookWatcher polls the book and raises an alert when it has been stale for
// longer than staleAfter, when it recovers from such an episode, and when it
// becomes crossed.
type BookWatcher struct {
	book       BookSource
	notifier   *Notifier
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	staleSince time.Time
	alerted    bool
	crossed    bool
}

// NewBookWatcher creates a BookWatcher. staleAfter <= 0 alerts on the first
// stale observation.
func NewBookWatcher(book BookSource, n *Notifier, staleAfter time.Duration, logger *slog.Logger) *BookWatcher {
	return &BookWatcher{
		book:       book,
		notifier:   n,
		staleAfter: staleAfter,
		logger:     logger.With(slog.String("component", "book_watch")),
		now:        time.Now,
	}
}

// Run checks the book every interval until ctx is done.
func (w *BookWatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *BookWatcher) check(ctx context.Context) {
	v := w.book.View()
	now := w.now()
	name := v.Exchange + ":" + v.Symbol

	if v.Stale {
		if w.staleSince.IsZero() {
			w.staleSince = now
		}
		if !w.alerted && now.Sub(w.staleSince) >= w.staleAfter {
			w.alerted = true
			w.send(ctx, EventBookStale, "Book stale",
				fmt.Sprintf("%s has been stale for %s (last seq %d)", name, now.Sub(w.staleSince).Round(time.Second), v.Sequence))
		}
	} else {
		if w.alerted {
			w.send(ctx, EventBookRecovered, "Book recovered",
				fmt.Sprintf("%s resynced after %s (seq %d)", name, now.Sub(w.staleSince).Round(time.Second), v.Sequence))
		}
		w.staleSince = time.Time{}
		w.alerted = false
	}

	if v.Crossed && !w.crossed {
		w.send(ctx, EventBookCrossed, "Book crossed",
			fmt.Sprintf("%s best bid is at or above best ask (seq %d)", name, v.Sequence))
	}
	w.crossed = v.Crossed
}

func (w *BookWatcher) send(ctx context.Context, event, title, message string) {
	w.logger.WarnContext(ctx, "book alert", slog.String("event", event), slog.String("detail", message))
	if _, err := w.notifier.Notify(ctx, event, title, message); err != nil {
		w.logger.WarnContext(ctx, "book alert not delivered", slog.String("error", err.Error()))
	}
}
