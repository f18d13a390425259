package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// RecentStore lists journaled estimates.
type RecentStore interface {
	ListRecent(ctx context.Context, limit int) ([]domain.CostEstimateResult, error)
}

// StreamReader reads the capped estimate stream.
type StreamReader interface {
	StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error)
}

// HistoryHandler serves past estimates from the journal, the Redis stream
// and the S3 archive. Any source may be nil.
type HistoryHandler struct {
	journal  RecentStore
	stream   StreamReader
	streamID string
	archive  domain.BlobReader
	prefix   string
	logger   *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(journal RecentStore, stream StreamReader, streamName string, archive domain.BlobReader, archivePrefix string, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		journal:  journal,
		stream:   stream,
		streamID: streamName,
		archive:  archive,
		prefix:   archivePrefix,
		logger:   logHandler(logger, "history"),
	}
}

// ListRecent returns the newest journaled estimates.
// GET /api/estimates/recent?limit=50
func (h *HistoryHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotFound, "estimate journal not configured")
		return
	}
	limit := queryInt(r, "limit", 50, 500)
	items, err := h.journal.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list recent estimates", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list estimates")
		return
	}
	if items == nil {
		items = []domain.CostEstimateResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"estimates": items, "limit": limit})
}

type streamEntry struct {
	ID    string          `json:"id"`
	Frame json.RawMessage `json:"frame"`
}

// ReadStream replays estimate frames after the given stream ID so a display
// that joins late can catch up.
// GET /api/estimates/stream?after=0&count=100
func (h *HistoryHandler) ReadStream(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil || h.streamID == "" {
		writeError(w, http.StatusNotFound, "estimate stream not configured")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	count := queryInt(r, "count", 100, 1000)
	msgs, err := h.stream.StreamRead(r.Context(), h.streamID, after, count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read estimate stream", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read stream")
		return
	}
	out := make([]streamEntry, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, streamEntry{ID: m.ID, Frame: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// ListArchives lists archived estimate objects.
// GET /api/archives
func (h *HistoryHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "archive not configured")
		return
	}
	infos, err := h.archive.List(r.Context(), h.prefix+"archive/estimates/")
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to list archives")
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": infos})
}
