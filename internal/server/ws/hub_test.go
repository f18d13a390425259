package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil, testLogger(), Config{Mode: "full", Exchange: "okx", Symbol: "BTC-USDT"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return kind, data
}

func TestHub_JSONClient(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "")

	kind, data := read(t, conn)
	assert.Equal(t, websocket.TextMessage, kind)
	var status struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, "status", status.Type)
	assert.Equal(t, "BTC-USDT", status.Payload["symbol"])

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast("other:channel", []byte(`{"type":"noise"}`))
	frame := `{"type":"estimate","channel":"ch:estimate:okx:BTC-USDT","payload":{"net_cost":1.5}}`
	hub.Broadcast("ch:estimate:okx:BTC-USDT", []byte(frame))

	kind, data = read(t, conn)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.JSONEq(t, frame, string(data), "unsubscribed channel is filtered")
}

func TestHub_ConnectAfterShutdown(t *testing.T) {
	hub := NewHub(nil, testLogger(), Config{Mode: "full"})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	handled := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r)
		close(handled)
	}))
	defer srv.Close()

	conn := dial(t, srv, "")
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleWS blocked on a stopped hub")
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection is closed")
	assert.Zero(t, hub.ClientCount())
}

func TestHub_DisconnectDuringShutdown(t *testing.T) {
	hub := NewHub(nil, testLogger(), Config{Mode: "full"})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(stopped)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dial(t, srv, "")
	read(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-stopped
	// The read pump sees the close and must not block on unregister.
	require.NoError(t, conn.Close())
	select {
	case <-hub.done:
	default:
		t.Fatal("done not closed after Run returned")
	}
	assert.Zero(t, hub.ClientCount())
}

func TestHub_ProtoClient(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "?format=proto")

	kind, data := read(t, conn)
	require.Equal(t, websocket.BinaryMessage, kind)
	var status structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &status))
	assert.Equal(t, "status", status.Fields["type"].GetStringValue())

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	hub.Broadcast("ch:book:okx:BTC-USDT", []byte(`{"type":"book","payload":{"sequence":42}}`))

	kind, data = read(t, conn)
	require.Equal(t, websocket.BinaryMessage, kind)
	var book structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &book))
	assert.Equal(t, "book", book.Fields["type"].GetStringValue())
	assert.InDelta(t, 42, book.Fields["payload"].GetStructValue().Fields["sequence"].GetNumberValue(), 0)
}

func TestClient_Control(t *testing.T) {
	c := &client{subs: map[string]bool{"ch:book:*": true}, format: FormatJSON}
	assert.True(t, c.isSubscribed("ch:book:okx:BTC-USDT"))
	assert.False(t, c.isSubscribed("ch:estimate:okx:BTC-USDT"))

	c.handleControl(controlMsg{Action: "subscribe", Channels: []string{"ch:estimate:okx:BTC-USDT"}})
	assert.True(t, c.isSubscribed("ch:estimate:okx:BTC-USDT"))

	c.handleControl(controlMsg{Action: "unsubscribe", Channels: []string{"ch:book:*"}})
	assert.False(t, c.isSubscribed("ch:book:okx:BTC-USDT"))

	c.handleControl(controlMsg{Action: "format", Format: "xml"})
	assert.False(t, c.wantsProto())
	c.handleControl(controlMsg{Action: "format", Format: FormatProto})
	assert.True(t, c.wantsProto())
}

func TestFrameChannel(t *testing.T) {
	assert.Equal(t, "ch:book:a:b", frameChannel([]byte(`{"channel":"ch:book:a:b"}`), "ch:book:*"))
	assert.Equal(t, "ch:book:*", frameChannel([]byte(`not json`), "ch:book:*"))
}

func TestEncodeProto_RejectsNonObject(t *testing.T) {
	_, err := EncodeProto([]byte(`[1,2]`))
	assert.Error(t, err)
}
