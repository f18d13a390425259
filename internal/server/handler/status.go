package handler

import (
	"net/http"
	"time"
)

// QueueLen reports the ingest queue depth.
type QueueLen interface {
	Len() int
}

// StatusHandler serves runtime status for the dashboard.
type StatusHandler struct {
	Mode      string
	Exchange  string
	Symbol    string
	FeeTiers  []string
	StartedAt time.Time

	book  BookSource
	queue QueueLen
}

// NewStatusHandler creates a StatusHandler. queue may be nil.
func NewStatusHandler(mode, exchange, symbol string, feeTiers []string, book BookSource, queue QueueLen) *StatusHandler {
	return &StatusHandler{
		Mode:      mode,
		Exchange:  exchange,
		Symbol:    symbol,
		FeeTiers:  feeTiers,
		StartedAt: time.Now().UTC(),
		book:      book,
		queue:     queue,
	}
}

// GetStatus responds with mode, market and book health.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	view := h.book.View()
	queued := 0
	if h.queue != nil {
		queued = h.queue.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"exchange":       h.Exchange,
		"symbol":         h.Symbol,
		"fee_tiers":      h.FeeTiers,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
		"book": map[string]any{
			"sequence":   view.Sequence,
			"updated_at": view.UpdatedAt,
			"stale":      view.Stale,
			"crossed":    view.Crossed,
			"bid_levels": len(view.Bids),
			"ask_levels": len(view.Asks),
			"mid":        view.Mid(),
			"spread_bps": view.SpreadBps(),
		},
		"ingest_queue": queued,
	})
}
