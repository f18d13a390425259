package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/costsim/internal/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordSender struct {
	titles []string
	err    error
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordSender) Name() string { return "record" }

func TestNotifier_FilterAndCooldown(t *testing.T) {
	rec := &recordSender{}
	n := NewNotifier([]Sender{rec}, []string{EventBookStale}, time.Minute, discard)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	sent, err := n.Notify(ctx, EventBookCrossed, "crossed", "")
	require.NoError(t, err)
	assert.False(t, sent, "event not in the allowed set")

	sent, err = n.Notify(ctx, EventBookStale, "stale 1", "")
	require.NoError(t, err)
	assert.True(t, sent)

	now = now.Add(30 * time.Second)
	sent, _ = n.Notify(ctx, EventBookStale, "stale 2", "")
	assert.False(t, sent, "within cooldown")

	now = now.Add(time.Minute)
	sent, _ = n.Notify(ctx, EventBookStale, "stale 3", "")
	assert.True(t, sent)
	assert.Equal(t, []string{"stale 1", "stale 3"}, rec.titles)
}

func TestNotifier_SenderFailure(t *testing.T) {
	bad := &recordSender{err: errors.New("boom")}
	good := &recordSender{}
	n := NewNotifier([]Sender{bad, good}, nil, 0, discard)

	sent, err := n.Notify(context.Background(), "anything", "t", "m")
	assert.True(t, sent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record: boom")
	assert.Len(t, good.titles, 1, "remaining senders still receive the alert")

	var nilNotifier *Notifier
	sent, err = nilNotifier.Notify(context.Background(), "x", "t", "m")
	assert.False(t, sent)
	assert.NoError(t, err)
}

func TestSenders_PostJSON(t *testing.T) {
	var got []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["path"] = r.URL.Path
		got = append(got, body)
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusBadRequest)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	tg := NewTelegramSender("TOKEN", "42")
	tg.baseURL = srv.URL
	require.NoError(t, tg.Send(ctx, "Title", "body"))

	require.NoError(t, NewDiscordSender(srv.URL+"/hook").Send(ctx, "Title", "body"))

	err := NewDiscordSender(srv.URL + "/fail").Send(ctx, "Title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 400")

	require.Len(t, got, 3)
	assert.Equal(t, "/botTOKEN/sendMessage", got[0]["path"])
	assert.Equal(t, "42", got[0]["chat_id"])
	assert.Equal(t, "*Title*\nbody", got[0]["text"])
	assert.Equal(t, "**Title**\nbody", got[1]["content"])
}

type fakeBook struct{ view *domain.BookView }

func (f *fakeBook) View() *domain.BookView { return f.view }

func TestBookWatcher(t *testing.T) {
	rec := &recordSender{}
	book := &fakeBook{view: &domain.BookView{Exchange: "okx", Symbol: "BTC", Stale: true}}
	w := NewBookWatcher(book, NewNotifier([]Sender{rec}, nil, 0, discard), 5*time.Second, discard)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	w.check(ctx)
	now = now.Add(3 * time.Second)
	w.check(ctx)
	assert.Empty(t, rec.titles, "stale for less than the threshold")

	now = now.Add(3 * time.Second)
	w.check(ctx)
	w.check(ctx)
	assert.Equal(t, []string{"Book stale"}, rec.titles, "one alert per episode")

	book.view = &domain.BookView{Exchange: "okx", Symbol: "BTC", Sequence: 9}
	w.check(ctx)
	assert.Equal(t, []string{"Book stale", "Book recovered"}, rec.titles)

	book.view = &domain.BookView{Exchange: "okx", Symbol: "BTC", Crossed: true}
	w.check(ctx)
	w.check(ctx)
	assert.Equal(t, []string{"Book stale", "Book recovered", "Book crossed"}, rec.titles)
}
