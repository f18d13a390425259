package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/costsim/internal/domain"
)

type collectSink struct {
	mu   sync.Mutex
	msgs []domain.FeedMessage
}

func (s *collectSink) OnMessage(_ context.Context, msg domain.FeedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *collectSink) snapshot() []domain.FeedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.FeedMessage(nil), s.msgs...)
}

type staleCounter struct {
	mu      sync.Mutex
	reasons []string
	epochs  []uint64
}

func (s *staleCounter) CloseEpoch(epoch uint64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
	s.epochs = append(s.epochs, epoch)
}

func (s *staleCounter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reasons)
}

// feedServer accepts connections, records subscribe frames and sends the
// scripted frames on every connection.
type feedServer struct {
	frames     []string
	closeAfter bool

	mu         sync.Mutex
	conns      int
	subscribes []string
}

func (f *feedServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		f.mu.Lock()
		f.conns++
		f.mu.Unlock()

		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.subscribes = append(f.subscribes, string(sub))
		f.mu.Unlock()

		for _, fr := range f.frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(fr)); err != nil {
				return
			}
		}
		if f.closeAfter {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func (f *feedServer) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestClient_StreamsDecodedFrames(t *testing.T) {
	fs := &feedServer{frames: []string{
		`{"type":"snapshot","seq":1,"bids":[["100","2"]],"asks":[["101","1"]]}`,
		`garbage`,
		`{"type":"delta","seq":2,"side":"bid","price":"100","size":"3"}`,
	}}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	sink := &collectSink{}
	stale := &staleCounter{}
	c := NewClient(Config{URL: wsURL(srv), Subscribe: `{"op":"subscribe"}`}, sink, stale, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	msgs := sink.snapshot()
	assert.Equal(t, domain.FeedSnapshot, msgs[0].Kind)
	assert.Equal(t, domain.FeedDelta, msgs[1].Kind)
	assert.Equal(t, int64(2), msgs[1].Sequence)
	assert.Equal(t, uint64(1), msgs[0].Epoch)
	assert.Equal(t, uint64(1), msgs[1].Epoch)

	fs.mu.Lock()
	assert.Equal(t, []string{`{"op":"subscribe"}`}, fs.subscribes)
	fs.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, stale.count(), "shutdown marks the book stale")
	assert.Equal(t, []uint64{1}, stale.epochs)
}

func TestClient_ReconnectsAndMarksStale(t *testing.T) {
	fs := &feedServer{
		frames:     []string{`{"type":"snapshot","seq":1,"bids":[],"asks":[]}`},
		closeAfter: true,
	}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	stale := &staleCounter{}
	c := NewClient(Config{
		URL:          wsURL(srv),
		Subscribe:    "sub",
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	}, &collectSink{}, stale, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return fs.connections() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, stale.count(), 2)

	stale.mu.Lock()
	defer stale.mu.Unlock()
	for i := 1; i < len(stale.epochs); i++ {
		assert.Greater(t, stale.epochs[i], stale.epochs[i-1], "every connection gets a new epoch")
	}
}

func TestClient_ResyncReconnects(t *testing.T) {
	fs := &feedServer{frames: []string{`{"type":"snapshot","seq":1,"bids":[],"asks":[]}`}}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	sink := &collectSink{}
	c := NewClient(Config{URL: wsURL(srv), Subscribe: "sub", ReconnectMin: time.Hour}, sink, &staleCounter{}, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	c.RequestResync("sequence gap")
	// The resync path skips the (one hour) backoff.
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, fs.connections())
}
