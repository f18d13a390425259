package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/costsim/internal/domain"
	"github.com/alanyoungcy/costsim/internal/estimator"
)

// Estimator is what the estimate endpoints need from the pipeline.
type Estimator interface {
	Estimate(ctx context.Context, req domain.CostEstimateRequest) (domain.CostEstimateResult, error)
	EstimateBatch(ctx context.Context, reqs []domain.CostEstimateRequest) ([]estimator.BatchItem, error)
}

// EstimateDefaults fill fields a request leaves out.
type EstimateDefaults struct {
	FeeTier      string
	RiskAversion float64
	MaxBatch     int
}

// EstimateHandler serves single and batch cost estimates.
type EstimateHandler struct {
	est      Estimator
	defaults EstimateDefaults
	logger   *slog.Logger
}

// NewEstimateHandler creates an EstimateHandler.
func NewEstimateHandler(est Estimator, defaults EstimateDefaults, logger *slog.Logger) *EstimateHandler {
	if defaults.MaxBatch <= 0 {
		defaults.MaxBatch = 100
	}
	return &EstimateHandler{est: est, defaults: defaults, logger: logHandler(logger, "estimate")}
}

// estimateRequest is the wire form of a request. Pointer fields distinguish
// "absent" from zero.
type estimateRequest struct {
	Side             string   `json:"side"`
	Quantity         float64  `json:"quantity"`
	QuantityUnit     string   `json:"quantity_unit"`
	Volatility       float64  `json:"volatility"`
	RiskAversion     *float64 `json:"risk_aversion"`
	FeeTier          string   `json:"fee_tier"`
	AcknowledgeStale bool     `json:"acknowledge_stale"`
}

func (h *EstimateHandler) toDomain(in estimateRequest) (domain.CostEstimateRequest, error) {
	side, err := domain.ParseSide(in.Side)
	if err != nil {
		return domain.CostEstimateRequest{}, err
	}
	unit, ok := domain.ParseQuantityUnit(in.QuantityUnit)
	if !ok {
		return domain.CostEstimateRequest{}, fmt.Errorf("%w: quantity unit %q", domain.ErrInvalidRequest, in.QuantityUnit)
	}
	req := domain.CostEstimateRequest{
		Side:             side,
		Quantity:         in.Quantity,
		QuantityUnit:     unit,
		Volatility:       in.Volatility,
		RiskAversion:     h.defaults.RiskAversion,
		FeeTier:          strings.TrimSpace(in.FeeTier),
		AcknowledgeStale: in.AcknowledgeStale,
	}
	if in.RiskAversion != nil {
		req.RiskAversion = *in.RiskAversion
	}
	if req.FeeTier == "" {
		req.FeeTier = h.defaults.FeeTier
	}
	return req, nil
}

// Estimate costs one order.
// POST /api/estimate
func (h *EstimateHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	var in estimateRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := h.toDomain(in)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	res, err := h.est.Estimate(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: estimate failed", slog.String("error", err.Error()))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Requests []estimateRequest `json:"requests"`
}

type batchResponse struct {
	Results []estimator.BatchItem `json:"results"`
}

// EstimateBatch costs several orders against the same book. Per-item
// failures are reported in place; the response is 200 unless the batch
// itself is rejected.
// POST /api/estimate/batch
func (h *EstimateHandler) EstimateBatch(w http.ResponseWriter, r *http.Request) {
	var in batchRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(in.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "requests must not be empty")
		return
	}
	if len(in.Requests) > h.defaults.MaxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d requests per batch", h.defaults.MaxBatch))
		return
	}

	reqs := make([]domain.CostEstimateRequest, len(in.Requests))
	for i, raw := range in.Requests {
		req, err := h.toDomain(raw)
		if err != nil {
			writeError(w, statusFor(err), fmt.Sprintf("request %d: %v", i, err))
			return
		}
		reqs[i] = req
	}

	items, err := h.est.EstimateBatch(r.Context(), reqs)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: batch aborted", slog.String("error", err.Error()))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Results: items})
}
