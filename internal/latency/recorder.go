// Package latency records pipeline timings in a fixed-size rolling window.
package latency

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/costsim/internal/domain"
	"github.com/alanyoungcy/costsim/internal/metrics"
)

// DefaultCapacity is the rolling window size used when none is configured.
const DefaultCapacity = 1000

// Recorder keeps the most recent total latencies in a ring buffer. It is
// safe for concurrent use and never influences the computation it measures.
type Recorder struct {
	mu    sync.Mutex
	buf   []time.Duration
	next  int
	full  bool
	total int64

	metrics *metrics.Metrics
}

// NewRecorder creates a Recorder holding at most capacity samples.
func NewRecorder(capacity int, m *metrics.Metrics) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{buf: make([]time.Duration, capacity), metrics: m}
}

// Record appends a total latency, evicting the oldest sample when full.
func (r *Recorder) Record(d time.Duration) {
	r.mu.Lock()
	r.buf[r.next] = d
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.total++
	r.mu.Unlock()

	r.metrics.Latency(d)
}

// Total is the number of samples ever recorded.
func (r *Recorder) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Samples returns the window contents, oldest first.
func (r *Recorder) Samples() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]time.Duration(nil), r.buf[:r.next]...)
	}
	out := make([]time.Duration, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Stats summarises the current window. Percentiles use the nearest-rank
// method over the sorted window.
func (r *Recorder) Stats() domain.LatencyStats {
	s := r.Samples()
	if len(s) == 0 {
		return domain.LatencyStats{}
	}
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })

	var sum time.Duration
	for _, d := range s {
		sum += d
	}
	return domain.LatencyStats{
		Count: len(s),
		Min:   s[0],
		Max:   s[len(s)-1],
		Mean:  sum / time.Duration(len(s)),
		P50:   Percentile(s, 50),
		P95:   Percentile(s, 95),
		P99:   Percentile(s, 99),
	}
}

// Percentile returns the nearest-rank p-th percentile of sorted.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(n)/100)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Span times the stages of one pipeline run.
type Span struct {
	start   time.Time
	last    time.Time
	stages  []domain.StageTiming
	metrics *metrics.Metrics
}

// Start begins a span. Stage durations use the monotonic clock reading
// carried by time.Now.
func (r *Recorder) Start() *Span {
	now := time.Now()
	return &Span{start: now, last: now, stages: make([]domain.StageTiming, 0, 8), metrics: r.metrics}
}

// Mark closes the current stage under name and starts the next one.
func (s *Span) Mark(name string) {
	now := time.Now()
	d := now.Sub(s.last)
	s.last = now
	s.stages = append(s.stages, domain.StageTiming{Stage: name, Duration: d})
	s.metrics.Stage(name, d)
}

// Stages returns the stages marked so far.
func (s *Span) Stages() []domain.StageTiming {
	return s.stages
}

// Elapsed is the time since Start.
func (s *Span) Elapsed() time.Duration {
	return time.Since(s.start)
}

// Finish records the span's total in r and returns it.
func (r *Recorder) Finish(s *Span) time.Duration {
	d := s.Elapsed()
	r.Record(d)
	return d
}
