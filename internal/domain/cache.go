package domain

import (
	"context"
	"time"
)

// OrderbookCache mirrors the current book so that out-of-process readers can
// see it. It holds only the latest view, never history.
type OrderbookCache interface {
	SetSnapshot(ctx context.Context, key string, view *BookView) error
	GetSnapshot(ctx context.Context, key string) (*BookView, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locks.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub for pushing results to other processes, plus a
// capped stream for consumers that join late.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
