// Package handler contains the HTTP handlers for the market, relay, and
// oracle endpoints. Handlers declare the service interfaces they need
// locally, so the package depends on behavior rather than concrete types.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/pariflow/pariflow/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a sentinel to its HTTP status and writes the
// response. Unrecognized errors become a generic 500 with the given fallback
// message, keeping internals out of response bodies.
func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	if status, msg, ok := domainStatus(err); ok {
		writeError(w, status, msg)
		return
	}
	writeError(w, http.StatusInternalServerError, fallback)
}

// domainStatus maps domain sentinels to HTTP status codes and stable
// client-facing messages.
func domainStatus(err error) (int, string, bool) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrMarketNotFound):
		return http.StatusNotFound, "not found", true
	case errors.Is(err, domain.ErrEmptyQuestion),
		errors.Is(err, domain.ErrEndTimeInPast),
		errors.Is(err, domain.ErrInvalidSide),
		errors.Is(err, domain.ErrBelowMinBet):
		return http.StatusBadRequest, err.Error(), true
	case errors.Is(err, domain.ErrInsufficientReputation):
		return http.StatusForbidden, "insufficient reputation", true
	case errors.Is(err, domain.ErrUnauthorizedResolver):
		return http.StatusForbidden, "not an authorized resolver", true
	case errors.Is(err, domain.ErrMarketEnded),
		errors.Is(err, domain.ErrMarketNotEnded),
		errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrNotResolved),
		errors.Is(err, domain.ErrAlreadyClaimed),
		errors.Is(err, domain.ErrNothingToClaim),
		errors.Is(err, domain.ErrDepositAlreadyCredited),
		errors.Is(err, domain.ErrNonceReused):
		return http.StatusConflict, err.Error(), true
	case errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrAuthExpired),
		errors.Is(err, domain.ErrAuthNotYetValid):
		return http.StatusUnauthorized, err.Error(), true
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInsufficientCredit):
		return http.StatusPaymentRequired, err.Error(), true
	case errors.Is(err, domain.ErrDepositMismatch),
		errors.Is(err, domain.ErrTxNotConfirmed):
		return http.StatusUnprocessableEntity, err.Error(), true
	case errors.Is(err, domain.ErrFacilitatorPaused):
		return http.StatusServiceUnavailable, "facilitator unavailable", true
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrLockHeld):
		return http.StatusTooManyRequests, "try again", true
	}
	return 0, "", false
}

// parseListOpts extracts standard pagination parameters from the query
// string. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathID parses a numeric path parameter.
func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.PathValue(name), 10, 64)
}

// parseWeiField parses a required decimal wei string from a request body.
func parseWeiField(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// parseSide maps "yes"/"no" to a domain.Side.
func parseSide(s string) (domain.Side, bool) {
	switch s {
	case "yes":
		return domain.SideYes, true
	case "no":
		return domain.SideNo, true
	}
	return 0, false
}

// marketResponse is the JSON shape for a market. Wei amounts are decimal
// strings.
type marketResponse struct {
	ID              int64      `json:"id"`
	Question        string     `json:"question"`
	Description     string     `json:"description,omitempty"`
	Category        string     `json:"category,omitempty"`
	Creator         string     `json:"creator"`
	EndTime         time.Time  `json:"end_time"`
	TotalYes        string     `json:"total_yes"`
	TotalNo         string     `json:"total_no"`
	Pool            string     `json:"pool"`
	Resolved        bool       `json:"resolved"`
	Outcome         *bool      `json:"outcome,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	AIOracleEnabled bool       `json:"ai_oracle_enabled"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toMarketResponse(m domain.Market) marketResponse {
	resp := marketResponse{
		ID:              m.ID,
		Question:        m.Question,
		Description:     m.Description,
		Category:        m.Category,
		Creator:         m.Creator,
		EndTime:         m.EndTime,
		TotalYes:        m.TotalYesAmount.String(),
		TotalNo:         m.TotalNoAmount.String(),
		Pool:            m.Pool().String(),
		Resolved:        m.Resolved,
		ResolvedAt:      m.ResolvedAt,
		AIOracleEnabled: m.AIOracleEnabled,
		CreatedAt:       m.CreatedAt,
	}
	if m.Resolved {
		outcome := m.Outcome
		resp.Outcome = &outcome
	}
	return resp
}

// positionResponse is the JSON shape for a position.
type positionResponse struct {
	MarketID  int64      `json:"market_id"`
	Address   string     `json:"address"`
	YesAmount string     `json:"yes_amount"`
	NoAmount  string     `json:"no_amount"`
	Claimed   bool       `json:"claimed"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

func toPositionResponse(p domain.Position) positionResponse {
	return positionResponse{
		MarketID:  p.MarketID,
		Address:   p.Address,
		YesAmount: p.YesAmount.String(),
		NoAmount:  p.NoAmount.String(),
		Claimed:   p.Claimed,
		ClaimedAt: p.ClaimedAt,
	}
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
