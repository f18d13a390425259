package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/costsim/internal/domain"
	"github.com/alanyoungcy/costsim/internal/metrics"
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultHandshake    = 15 * time.Second
	defaultReconnectMin = 1 * time.Second
	defaultReconnectMax = 30 * time.Second
)

// errResync ends a connection so that the next one starts from a fresh
// snapshot.
var errResync = errors.New("resync requested")

// Sink receives decoded messages in arrival order.
type Sink interface {
	OnMessage(ctx context.Context, msg domain.FeedMessage) error
}

// Staler is told when the transport loses the stream. After CloseEpoch the
// book must ignore messages stamped with that epoch or an earlier one.
type Staler interface {
	CloseEpoch(epoch uint64, reason string)
}

// Config configures the WebSocket client.
type Config struct {
	URL      string
	Exchange string
	Symbol   string
	// Subscribe is sent as a text frame after every connect, if set.
	Subscribe string
	// ResyncMessage is sent to request a fresh snapshot on the live
	// connection. When empty a resync drops and re-opens the connection.
	ResyncMessage string

	HandshakeTimeout time.Duration
	PongWait         time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

func (c *Config) withDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshake
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = defaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = defaultReconnectMax
	}
}

// Client streams L2 updates from a WebSocket endpoint. It reconnects with
// exponential backoff, marks the book stale whenever the stream is lost, and
// implements domain.Resyncer for the book maintainer.
type Client struct {
	cfg     Config
	decoder *Decoder
	sink    Sink
	book    Staler
	metrics *metrics.Metrics
	logger  *slog.Logger

	resync chan string
	// epoch numbers connections; only Run touches it.
	epoch uint64
}

// NewClient creates a feed client. Nothing is dialled until Run.
func NewClient(cfg Config, sink Sink, book Staler, m *metrics.Metrics, logger *slog.Logger) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		decoder: NewDecoder(cfg.Exchange, cfg.Symbol),
		sink:    sink,
		book:    book,
		metrics: m,
		logger:  logger.With(slog.String("component", "feed_ws")),
		resync:  make(chan string, 1),
	}
}

// RequestResync asks the running connection for a fresh snapshot. Requests
// made while one is already pending are merged.
func (c *Client) RequestResync(reason string) {
	select {
	case c.resync <- reason:
	default:
	}
}

// Run connects and streams until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.epoch++
		epoch := c.epoch
		dialed, err := c.runConnection(ctx, epoch)
		if ctx.Err() != nil {
			c.book.CloseEpoch(epoch, "feed shutdown")
			return nil
		}
		c.book.CloseEpoch(epoch, fmt.Sprintf("feed disconnected: %v", err))

		if dialed {
			delay = c.cfg.ReconnectMin
		}
		if errors.Is(err, errResync) {
			c.logger.Info("reconnecting for resync")
			continue
		}
		c.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
	}
}

// runConnection dials once and reads until the connection fails, a resync
// forces a reconnect, or ctx ends. dialed reports whether the handshake
// succeeded.
func (c *Client) runConnection(ctx context.Context, epoch uint64) (dialed bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	// Drop a resync that was requested against the previous connection.
	select {
	case <-c.resync:
	default:
	}

	pongWait := c.cfg.PongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if c.cfg.Subscribe != "" {
		_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(c.cfg.Subscribe)); err != nil {
			return true, fmt.Errorf("feed: subscribe: %w", err)
		}
	}
	c.logger.Info("feed connected", slog.String("url", c.cfg.URL), slog.Uint64("epoch", epoch))

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx, conn, epoch) }()

	ticker := time.NewTicker(pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			<-readErr
			return true, ctx.Err()

		case err := <-readErr:
			return true, fmt.Errorf("feed: %w: %v", domain.ErrWSDisconnect, err)

		case reason := <-c.resync:
			c.logger.Info("resync requested", slog.String("reason", reason))
			if c.cfg.ResyncMessage != "" {
				_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(c.cfg.ResyncMessage)); err == nil {
					continue
				}
			}
			_ = conn.Close()
			<-readErr
			return true, errResync

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait)); err != nil {
				_ = conn.Close()
				<-readErr
				return true, fmt.Errorf("feed: %w: ping: %v", domain.ErrWSDisconnect, err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, epoch uint64) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := c.decoder.Decode(data)
		if err != nil {
			c.metrics.FeedMessage("unknown", "malformed")
			c.logger.Warn("dropped undecodable frame", slog.String("error", err.Error()))
			continue
		}
		msg.Epoch = epoch
		if err := c.sink.OnMessage(ctx, msg); err != nil {
			return err
		}
	}
}
