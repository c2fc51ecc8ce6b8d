package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/pariflow/pariflow/internal/domain"
	"github.com/pariflow/pariflow/internal/engine"
)

// PositionEngine defines what the position handler needs from the engine.
type PositionEngine interface {
	BuyPosition(ctx context.Context, p engine.BuyParams) error
	GetPosition(ctx context.Context, marketID int64, address string) (domain.Position, error)
	CalculateWinnings(ctx context.Context, marketID int64, address string) (*big.Int, error)
	ClaimWinnings(ctx context.Context, marketID int64, address string, consume *domain.ConsumedNonce) (engine.ClaimResult, error)
	AccountBalance(ctx context.Context, address string) (*big.Int, error)
}

// PositionHandler serves direct (non-relayed) betting, claiming, and balance
// endpoints. Direct calls spend the caller's on-ledger account.
type PositionHandler struct {
	engine PositionEngine
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(eng PositionEngine, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{engine: eng, logger: logHandler(logger, "position")}
}

// GetPosition returns a user's position on a market, zeroed if they never
// staked. Includes the claimable payout once the market resolves.
// GET /api/markets/{id}/positions/{address}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	address := strings.ToLower(r.PathValue("address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "missing address")
		return
	}

	pos, err := h.engine.GetPosition(r.Context(), id, address)
	if err != nil {
		writeDomainError(w, err, "failed to get position")
		return
	}

	resp := struct {
		positionResponse
		Claimable string `json:"claimable,omitempty"`
	}{positionResponse: toPositionResponse(pos)}

	// Claimable is only meaningful on a resolved market; elsewhere the
	// calculation fails with NotResolved and is simply omitted.
	if winnings, err := h.engine.CalculateWinnings(r.Context(), id, address); err == nil {
		resp.Claimable = winnings.String()
	}

	writeJSON(w, http.StatusOK, resp)
}

// placeBetRequest is the body for a direct bet.
type placeBetRequest struct {
	Address string `json:"address"`
	Side    string `json:"side"`   // "yes" or "no"
	Amount  string `json:"amount"` // wei, decimal string
}

// PlaceBet stakes from the caller's on-ledger account.
// POST /api/markets/{id}/positions
func (h *PositionHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	var req placeBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	side, ok := parseSide(req.Side)
	if !ok {
		writeError(w, http.StatusBadRequest, `side must be "yes" or "no"`)
		return
	}
	amount, ok := parseWeiField(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a decimal wei string")
		return
	}
	address := strings.ToLower(req.Address)
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	err = h.engine.BuyPosition(r.Context(), engine.BuyParams{
		MarketID: id,
		Side:     side,
		Amount:   amount,
		Payer:    address,
		Funding:  domain.FundAccount,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "place bet failed",
			slog.Int64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to place bet")
		return
	}

	pos, err := h.engine.GetPosition(r.Context(), id, address)
	if err != nil {
		writeDomainError(w, err, "failed to load position")
		return
	}
	writeJSON(w, http.StatusCreated, toPositionResponse(pos))
}

// claimRequest is the body for a direct claim.
type claimRequest struct {
	Address string `json:"address"`
}

// Claim settles the caller's winnings on a resolved market.
// POST /api/markets/{id}/claim
func (h *PositionHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	address := strings.ToLower(req.Address)
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	result, err := h.engine.ClaimWinnings(r.Context(), id, address, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "claim failed",
			slog.Int64("market_id", id),
			slog.String("address", address),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to claim winnings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"address":   address,
		"gross":     result.Gross.String(),
		"fee":       result.Fee.String(),
		"net":       result.Net.String(),
		"refund":    result.Refund,
	})
}

// GetAccount returns a user's on-ledger account balance.
// GET /api/accounts/{address}
func (h *PositionHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	address := strings.ToLower(r.PathValue("address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "missing address")
		return
	}

	balance, err := h.engine.AccountBalance(r.Context(), address)
	if err != nil {
		writeDomainError(w, err, "failed to get account balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": address,
		"balance": balance.String(),
	})
}
