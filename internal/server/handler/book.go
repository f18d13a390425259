package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// BookSource exposes the current book view.
type BookSource interface {
	View() *domain.BookView
}

// BookHandler serves the current order book.
type BookHandler struct {
	book   BookSource
	mirror domain.OrderbookCache
	key    string
	logger *slog.Logger
}

// NewBookHandler creates a BookHandler. mirror may be nil.
func NewBookHandler(book BookSource, mirror domain.OrderbookCache, mirrorKey string, logger *slog.Logger) *BookHandler {
	return &BookHandler{book: book, mirror: mirror, key: mirrorKey, logger: logHandler(logger, "book")}
}

type bookResponse struct {
	*domain.BookView
	Mid       float64 `json:"mid"`
	SpreadBps float64 `json:"spread_bps"`
	Imbalance float64 `json:"imbalance"`
	Source    string  `json:"source"`
}

// GetBook returns the top depth levels per side. source=mirror reads the
// Redis mirror instead of the in-process book.
// GET /api/book?depth=20&source=local
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	depth := queryInt(r, "depth", 20, 1000)
	source := r.URL.Query().Get("source")

	var view *domain.BookView
	switch source {
	case "", "local":
		source = "local"
		view = h.book.View()
	case "mirror":
		if h.mirror == nil {
			writeError(w, http.StatusNotFound, "book mirror not configured")
			return
		}
		v, err := h.mirror.GetSnapshot(r.Context(), h.key)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				h.logger.ErrorContext(r.Context(), "handler: read book mirror", slog.String("error", err.Error()))
			}
			writeError(w, statusFor(err), err.Error())
			return
		}
		view = v
	default:
		writeError(w, http.StatusBadRequest, "source must be local or mirror")
		return
	}

	top := view.Top(depth)
	writeJSON(w, http.StatusOK, bookResponse{
		BookView:  top,
		Mid:       top.Mid(),
		SpreadBps: top.SpreadBps(),
		Imbalance: top.Imbalance(),
		Source:    source,
	})
}
