package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FeedMessage("delta", "ok")
		m.Stale()
		m.Crossed()
		m.Sequence(1)
		m.QueueDepth(2)
		m.Dropped()
		m.Estimate("ok")
		m.Stage("walk", time.Millisecond)
		m.Latency(time.Millisecond)
		m.PublishFailure("nats")
	})
}

func TestMetrics_Recorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.FeedMessage("delta", "ok")
	m.FeedMessage("delta", "ok")
	m.FeedMessage("snapshot", "malformed")
	m.Sequence(42)
	m.Stale()

	assert.InDelta(t, 2, testutil.ToFloat64(m.feedMessages.WithLabelValues("delta", "ok")), 0)
	assert.InDelta(t, 42, testutil.ToFloat64(m.bookSequence), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.staleEvents), 0)

	n, err := testutil.GatherAndCount(reg, "costsim_book_feed_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per label pair")
}
