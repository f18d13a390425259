package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/costsim/internal/domain"
	"github.com/alanyoungcy/costsim/internal/estimator"
	"github.com/alanyoungcy/costsim/internal/metrics"
)

type frame struct {
	channel string
	data    []byte
}

type fakeHub struct {
	mu     sync.Mutex
	frames []frame
}

func (h *fakeHub) Broadcast(channel string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame{channel, data})
}

func (h *fakeHub) snapshot() []frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]frame(nil), h.frames...)
}

type fakeBus struct {
	published []frame
	streamed  []frame
	err       error
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, frame{channel, payload})
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	if b.err != nil {
		return b.err
	}
	b.streamed = append(b.streamed, frame{stream, payload})
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeNATS struct{ subjects []string }

func (n *fakeNATS) Publish(_ context.Context, exchange, symbol string, _ []byte) error {
	n.subjects = append(n.subjects, exchange+"."+symbol)
	return nil
}

type fakeJournal struct{ ids []string }

func (j *fakeJournal) Insert(_ context.Context, res domain.CostEstimateResult) error {
	j.ids = append(j.ids, res.ID)
	return nil
}

type fakeBooks struct {
	mu    sync.Mutex
	views map[string]*domain.BookView
}

func (b *fakeBooks) SetSnapshot(_ context.Context, key string, view *domain.BookView) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.views[key] = view
	return nil
}

func (b *fakeBooks) GetSnapshot(_ context.Context, key string) (*domain.BookView, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.views[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return v, nil
}

type fakeBook struct {
	view   *domain.BookView
	notify chan struct{}
}

func (b *fakeBook) View() *domain.BookView   { return b.view }
func (b *fakeBook) Notify() <-chan struct{} { return b.notify }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testUpdate() estimator.Update {
	return estimator.Update{
		Result: domain.CostEstimateResult{ID: "est-1", Side: domain.SideBuy, Quantity: 2, MakerProportion: 0.25, NetCost: 1.5},
		Latency: domain.LatencyStats{Count: 3, P50: 2 * time.Millisecond},
	}
}

func TestPublishEstimate_AllSinks(t *testing.T) {
	hub, bus, nc, journal := &fakeHub{}, &fakeBus{}, &fakeNATS{}, &fakeJournal{}
	d := New(Config{Exchange: "okx", Symbol: "BTC-USDT", Stream: "estimates"},
		Sinks{Hub: hub, Bus: bus, NATS: nc, Journal: journal}, nil, testLogger())

	d.PublishEstimate(context.Background(), testUpdate())

	frames := hub.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, "ch:estimate:okx:BTC-USDT", frames[0].channel)

	var env struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
		Payload struct {
			ID              string             `json:"id"`
			NetCost         float64            `json:"net_cost"`
			TakerProportion float64            `json:"taker_proportion"`
			LatencyMillis   map[string]float64 `json:"latency_ms"`
			LatencyCount    int                `json:"latency_count"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(frames[0].data, &env))
	assert.Equal(t, "estimate", env.Type)
	assert.Equal(t, "est-1", env.Payload.ID)
	assert.InDelta(t, 0.75, env.Payload.TakerProportion, 1e-12)
	assert.InDelta(t, 2.0, env.Payload.LatencyMillis["p50"], 1e-9)
	assert.Equal(t, 3, env.Payload.LatencyCount)

	require.Len(t, bus.published, 1)
	assert.Equal(t, frames[0].data, bus.published[0].data)
	require.Len(t, bus.streamed, 1)
	assert.Equal(t, "estimates", bus.streamed[0].channel)
	assert.Equal(t, []string{"okx.BTC-USDT"}, nc.subjects)
	assert.Equal(t, []string{"est-1"}, journal.ids)
}

func TestPublishEstimate_FailingSinkIsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	hub, journal := &fakeHub{}, &fakeJournal{}
	bus := &fakeBus{err: errors.New("redis down")}
	d := New(Config{Exchange: "okx", Symbol: "BTC-USDT", Stream: "estimates"},
		Sinks{Hub: hub, Bus: bus, Journal: journal}, m, testLogger())

	d.PublishEstimate(context.Background(), testUpdate())

	assert.Len(t, hub.snapshot(), 1, "hub still receives the frame")
	assert.Equal(t, []string{"est-1"}, journal.ids, "journal still receives the result")
	n, err := testutil.GatherAndCount(reg, "costsim_publish_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPublishBook_TruncatesDepth(t *testing.T) {
	hub := &fakeHub{}
	books := &fakeBooks{views: map[string]*domain.BookView{}}
	d := New(Config{Exchange: "okx", Symbol: "BTC-USDT", BookDepth: 1},
		Sinks{Hub: hub, Books: books}, nil, testLogger())

	view := &domain.BookView{
		Bids:     []domain.PriceLevel{{Price: 100, Size: 1}, {Price: 99, Size: 2}},
		Asks:     []domain.PriceLevel{{Price: 101, Size: 1}, {Price: 102, Size: 2}},
		Sequence: 7,
	}
	d.PublishBook(context.Background(), view)

	mirrored, err := books.GetSnapshot(context.Background(), "okx:BTC-USDT")
	require.NoError(t, err)
	assert.Len(t, mirrored.Bids, 1)
	assert.Len(t, mirrored.Asks, 1)
	assert.Len(t, view.Bids, 2, "source view untouched")

	frames := hub.snapshot()
	require.Len(t, frames, 1)
	var env struct {
		Type    string `json:"type"`
		Payload struct {
			Sequence  int64   `json:"sequence"`
			Mid       float64 `json:"mid"`
			SpreadBps float64 `json:"spread_bps"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(frames[0].data, &env))
	assert.Equal(t, "book", env.Type)
	assert.EqualValues(t, 7, env.Payload.Sequence)
	assert.InDelta(t, 100.5, env.Payload.Mid, 1e-12)
}

func TestRun_CoalescesBookAndForwardsUpdates(t *testing.T) {
	hub := &fakeHub{}
	d := New(Config{Exchange: "okx", Symbol: "BTC-USDT", BookInterval: 10 * time.Millisecond},
		Sinks{Hub: hub}, nil, testLogger())

	book := &fakeBook{
		view:   &domain.BookView{Bids: []domain.PriceLevel{{Price: 1, Size: 1}}, Asks: []domain.PriceLevel{{Price: 2, Size: 1}}},
		notify: make(chan struct{}, 1),
	}
	updates := make(chan estimator.Update, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, updates, book) }()

	book.notify <- struct{}{}
	updates <- testUpdate()

	require.Eventually(t, func() bool {
		var sawBook, sawEstimate bool
		for _, f := range hub.snapshot() {
			sawBook = sawBook || f.channel == d.BookChannel()
			sawEstimate = sawEstimate || f.channel == d.EstimateChannel()
		}
		return sawBook && sawEstimate
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	books := 0
	for _, f := range hub.snapshot() {
		if f.channel == d.BookChannel() {
			books++
		}
	}
	assert.Equal(t, 1, books, "no push without a new notification")

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_ReturnsWhenUpdatesClosed(t *testing.T) {
	d := New(Config{}, Sinks{}, nil, testLogger())
	updates := make(chan estimator.Update)
	close(updates)
	assert.NoError(t, d.Run(context.Background(), updates, nil))
}
