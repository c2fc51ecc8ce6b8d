package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pariflow/pariflow/internal/domain"
	"github.com/pariflow/pariflow/internal/engine"
)

// MarketEngine defines what the market handler needs from the engine.
type MarketEngine interface {
	CreateMarket(ctx context.Context, p engine.CreateMarketParams) (domain.Market, error)
	GetMarket(ctx context.Context, id int64) (domain.Market, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	MarketIDs(ctx context.Context) ([]int64, error)
	CountMarkets(ctx context.Context) (int64, error)
	Odds(ctx context.Context, marketID int64) (yes, no int64, err error)
}

// MarketHandler serves market lifecycle endpoints.
type MarketHandler struct {
	engine MarketEngine
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(eng MarketEngine, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{engine: eng, logger: logHandler(logger, "market")}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketResponse `json:"markets"`
	Total   int64            `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// ListMarkets returns markets newest-first with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.engine.ListMarkets(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list markets failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	total, err := h.engine.CountMarkets(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "count markets failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}

	out := make([]marketResponse, 0, len(markets))
	for _, m := range markets {
		out = append(out, toMarketResponse(m))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: out,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// ListMarketIDs returns every market id, oldest first.
// GET /api/markets/ids
func (h *MarketHandler) ListMarketIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.engine.MarketIDs(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list market ids failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list market ids")
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ids":   ids,
		"count": len(ids),
	})
}

// GetMarket returns a single market by id.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	m, err := h.engine.GetMarket(r.Context(), id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "get market failed",
			slog.Int64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to get market")
		return
	}
	writeJSON(w, http.StatusOK, toMarketResponse(m))
}

// GetOdds returns a market's implied odds in basis points.
// GET /api/markets/{id}/odds
func (h *MarketHandler) GetOdds(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	yes, no, err := h.engine.Odds(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to compute odds")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"yes_bps":   yes,
		"no_bps":    no,
	})
}

// createMarketRequest is the body for market creation.
type createMarketRequest struct {
	Question        string    `json:"question"`
	Description     string    `json:"description"`
	Category        string    `json:"category"`
	Creator         string    `json:"creator"`
	EndTime         time.Time `json:"end_time"`
	AIOracleEnabled bool      `json:"ai_oracle_enabled"`
}

// CreateMarket creates a new market.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Creator) == "" {
		writeError(w, http.StatusBadRequest, "creator address is required")
		return
	}

	m, err := h.engine.CreateMarket(r.Context(), engine.CreateMarketParams{
		Question:        req.Question,
		Description:     req.Description,
		Category:        req.Category,
		Creator:         strings.ToLower(req.Creator),
		EndTime:         req.EndTime,
		AIOracleEnabled: req.AIOracleEnabled,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "create market failed", slog.String("error", err.Error()))
		writeDomainError(w, err, "failed to create market")
		return
	}
	writeJSON(w, http.StatusCreated, toMarketResponse(m))
}
