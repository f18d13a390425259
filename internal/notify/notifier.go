// Package notify delivers operator alerts about the health of the live book
// to chat channels. Alerts are filtered by event type and rate limited per
// event so a flapping feed does not flood the channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event types raised by the book watcher.
const (
	EventBookStale     = "book_stale"
	EventBookRecovered = "book_recovered"
	EventBookCrossed   = "book_crossed"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every Sender. Only events in the allowed set
// pass (all events when the set is empty), and each event is sent at most
// once per cooldown.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewNotifier creates a Notifier. cooldown <= 0 disables rate limiting.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends an alert for event unless it is filtered out or still in its
// cooldown. It reports whether the alert was dispatched.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) (bool, error) {
	if !n.Enabled() {
		return false, nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return false, nil
	}

	n.mu.Lock()
	now := n.now()
	if last, ok := n.lastSent[event]; ok && n.cooldown > 0 && now.Sub(last) < n.cooldown {
		n.mu.Unlock()
		n.logger.DebugContext(ctx, "event in cooldown", slog.String("event", event))
		return false, nil
	}
	n.lastSent[event] = now
	n.mu.Unlock()

	return true, n.dispatch(ctx, title, message)
}

// dispatch sends to every sender. One failing sender does not stop the rest;
// failures are combined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
