package handler

import (
	"net/http"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// LatencySource reports rolling latency statistics.
type LatencySource interface {
	Stats() domain.LatencyStats
}

// LatencyHandler serves internal estimate latency.
type LatencyHandler struct {
	src LatencySource
}

// NewLatencyHandler creates a LatencyHandler.
func NewLatencyHandler(src LatencySource) *LatencyHandler {
	return &LatencyHandler{src: src}
}

// GetLatency returns the rolling window statistics in nanoseconds and ms.
// GET /api/latency
func (h *LatencyHandler) GetLatency(w http.ResponseWriter, r *http.Request) {
	stats := h.src.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":  stats,
		"millis": stats.Millis(),
	})
}
