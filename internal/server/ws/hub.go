// Package ws pushes estimate and book frames to display clients over
// WebSocket. Frames arrive either from the local dispatcher (Broadcast) or
// from Redis pub/sub when the hub is fed by other replicas.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/costsim/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 256
)

// Frame encodings a client can select.
const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

// DefaultChannels are the patterns every client starts subscribed to.
var DefaultChannels = []string{"ch:estimate:*", "ch:book:*", "ch:status"}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// outbound is one frame in both encodings. proto is only set when a
// subscribed client asked for binary frames.
type outbound struct {
	json  []byte
	proto []byte
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan *outbound
	mu     sync.RWMutex
	subs   map[string]bool
	format string
}

// controlMsg is a client request: subscribe, unsubscribe or format.
type controlMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	Format   string   `json:"format"`
}

// Config captures runtime metadata for the status frame sent on connect.
type Config struct {
	Mode     string
	Exchange string
	Symbol   string
	// BusChannels are Redis pub/sub channels the hub relays. Empty means the
	// hub only carries frames passed to Broadcast.
	BusChannels []string
}

// Hub manages connected display clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	// done is closed when Run returns so late register and unregister sends
	// do not block forever.
	done       chan struct{}
	doneOnce   sync.Once
	bus        domain.SignalBus
	cfg        Config
	startedAt  time.Time
	mu         sync.RWMutex
	logger     *slog.Logger
}

type broadcastMsg struct {
	channel string
	data    []byte
}

// NewHub creates a Hub. bus may be nil when cfg.BusChannels is empty.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if strings.TrimSpace(cfg.Mode) == "" {
		cfg.Mode = "unknown"
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		cfg:        cfg,
		startedAt:  time.Now().UTC(),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Broadcast queues a JSON frame for clients subscribed to channel. It never
// blocks; frames are dropped when the hub is saturated.
func (h *Hub) Broadcast(channel string, data []byte) {
	select {
	case h.broadcast <- broadcastMsg{channel: channel, data: data}:
	default:
		h.logger.Warn("ws: hub saturated, dropping frame", slog.String("channel", channel))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run is the hub event loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		for _, ch := range h.cfg.BusChannels {
			go h.relay(ctx, ch)
		}
	}

	defer h.doneOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg broadcastMsg) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make([]*client, 0, len(h.clients))
	needProto := false
	for c := range h.clients {
		if c.isSubscribed(msg.channel) {
			targets = append(targets, c)
			needProto = needProto || c.wantsProto()
		}
	}
	if len(targets) == 0 {
		return
	}

	// outbound is shared read-only by every target after this point.
	out := &outbound{json: msg.data}
	if needProto {
		b, err := EncodeProto(msg.data)
		if err != nil {
			h.logger.Warn("ws: proto encode failed", slog.String("error", err.Error()))
		}
		out.proto = b
	}
	for _, c := range targets {
		select {
		case c.send <- out:
		default:
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

// relay forwards one Redis pub/sub channel into the hub.
func (h *Hub) relay(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: relaying bus channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", channel))
				return
			}
			h.Broadcast(frameChannel(data, channel), data)
		}
	}
}

// frameChannel routes a relayed frame by its own channel field so pattern
// subscriptions still match concrete channels.
func frameChannel(data []byte, fallback string) string {
	var env struct {
		Channel string `json:"channel"`
	}
	if json.Unmarshal(data, &env) == nil && env.Channel != "" {
		return env.Channel
	}
	return fallback
}

// EncodeProto converts a JSON object frame into a serialized
// google.protobuf.Struct.
func EncodeProto(data []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("ws: decode frame: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("ws: build struct: %w", err)
	}
	b, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("ws: marshal struct: %w", err)
	}
	return b, nil
}

// HandleWS upgrades the request and registers the client. A "format=proto"
// query parameter selects binary frames from the start.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan *outbound, sendBufferSize),
		subs:   make(map[string]bool),
		format: FormatJSON,
	}
	if r.URL.Query().Get("format") == FormatProto {
		c.format = FormatProto
	}
	for _, ch := range DefaultChannels {
		c.subs[ch] = true
	}

	// Queued before registering: once registered, Run may close c.send.
	c.sendStatus()
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var msg controlMsg
		if json.Unmarshal(message, &msg) == nil {
			c.handleControl(msg)
		}
	}
}

func (c *client) handleControl(msg controlMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	case "format":
		if msg.Format == FormatJSON || msg.Format == FormatProto {
			c.format = msg.Format
		}
	}
}

func (c *client) wantsProto() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.format == FormatProto
}

// sendStatus pushes a status frame so clients can show the connection as
// live before the first estimate arrives.
func (c *client) sendStatus() {
	h := c.hub
	data, err := json.Marshal(map[string]any{
		"type":    "status",
		"channel": "ch:status",
		"payload": map[string]any{
			"mode":           h.cfg.Mode,
			"exchange":       h.cfg.Exchange,
			"symbol":         h.cfg.Symbol,
			"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		},
	})
	if err != nil {
		return
	}
	out := &outbound{json: data}
	if c.wantsProto() {
		out.proto, _ = EncodeProto(data)
	}
	select {
	case c.send <- out:
	default:
	}
}

// isSubscribed matches exact channels and trailing-* patterns.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// writePump writes JSON as text frames and proto as binary frames, plus
// periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case out, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			kind, payload := websocket.TextMessage, out.json
			if c.wantsProto() && len(out.proto) > 0 {
				kind, payload = websocket.BinaryMessage, out.proto
			}
			if err := c.conn.WriteMessage(kind, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
