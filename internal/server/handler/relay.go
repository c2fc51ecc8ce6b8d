package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/pariflow/pariflow/internal/domain"
	"github.com/pariflow/pariflow/internal/relay"
)

// RelayService defines what the relay handler needs from the relay.
type RelayService interface {
	VerifyAndExecute(ctx context.Context, sa relay.SignedAuthorization) (relay.ExecuteResult, error)
	ExecuteBatch(ctx context.Context, batch []relay.SignedAuthorization) []relay.BatchResult
	Status(ctx context.Context) (domain.FacilitatorStatus, error)
}

// DepositService credits verified on-chain deposits and reports credit
// balances.
type DepositService interface {
	Deposit(ctx context.Context, txHash, address string, target domain.FundSource) (domain.Deposit, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
}

// RelayHandler serves the gasless execution endpoints.
type RelayHandler struct {
	relay    RelayService
	deposits DepositService
	logger   *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(r RelayService, d DepositService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{relay: r, deposits: d, logger: logHandler(logger, "relay")}
}

// authorizationRequest is the wire form of a signed authorization. Times are
// unix seconds matching the uint256 fields of the signed struct; amounts are
// decimal wei strings.
type authorizationRequest struct {
	Action      string `json:"action"` // "bet", "claim", "withdraw"
	From        string `json:"from"`
	MarketID    int64  `json:"market_id,omitempty"`
	Position    string `json:"position,omitempty"` // "yes" or "no"
	Amount      string `json:"amount,omitempty"`
	Source      string `json:"source,omitempty"` // "credit" or "account", withdraw only
	ValidAfter  int64  `json:"valid_after"`
	ValidBefore int64  `json:"valid_before"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

// toSigned converts the wire form to a relay.SignedAuthorization.
func (req authorizationRequest) toSigned() (relay.SignedAuthorization, error) {
	auth := domain.Authorization{
		Action:      domain.AuthAction(req.Action),
		From:        strings.ToLower(req.From),
		MarketID:    req.MarketID,
		ValidAfter:  time.Unix(req.ValidAfter, 0).UTC(),
		ValidBefore: time.Unix(req.ValidBefore, 0).UTC(),
	}

	switch auth.Action {
	case domain.AuthActionBet:
		side, ok := parseSide(req.Position)
		if !ok {
			return relay.SignedAuthorization{}, fmt.Errorf(`position must be "yes" or "no"`)
		}
		auth.Position = side
		amount, ok := parseWeiField(req.Amount)
		if !ok {
			return relay.SignedAuthorization{}, fmt.Errorf("amount must be a decimal wei string")
		}
		auth.Amount = amount

	case domain.AuthActionClaim:
		// Claim authorizations carry only the market id.

	case domain.AuthActionWithdraw:
		amount, ok := parseWeiField(req.Amount)
		if !ok {
			return relay.SignedAuthorization{}, fmt.Errorf("amount must be a decimal wei string")
		}
		auth.Amount = amount
		switch req.Source {
		case "", "credit":
			auth.Source = domain.WithdrawFromCredit
		case "account":
			auth.Source = domain.WithdrawFromAccount
		default:
			return relay.SignedAuthorization{}, fmt.Errorf(`source must be "credit" or "account"`)
		}

	default:
		return relay.SignedAuthorization{}, fmt.Errorf("unknown action %q", req.Action)
	}

	nonce, err := domain.ParseNonce(req.Nonce)
	if err != nil {
		return relay.SignedAuthorization{}, fmt.Errorf("invalid nonce: must be 32 bytes of hex")
	}
	auth.Nonce = nonce

	if req.Signature == "" {
		return relay.SignedAuthorization{}, fmt.Errorf("signature is required")
	}
	return relay.SignedAuthorization{Auth: auth, Signature: req.Signature}, nil
}

// executeResponse is the JSON shape of a successful execution.
type executeResponse struct {
	Action          string `json:"action"`
	MarketID        int64  `json:"market_id,omitempty"`
	TxHash          string `json:"tx_hash,omitempty"`
	Gross           string `json:"gross,omitempty"`
	Fee             string `json:"fee,omitempty"`
	Net             string `json:"net,omitempty"`
	Refund          bool   `json:"refund,omitempty"`
	RemainingCredit string `json:"remaining_credit,omitempty"`
}

func toExecuteResponse(res relay.ExecuteResult) executeResponse {
	out := executeResponse{
		Action:   string(res.Action),
		MarketID: res.MarketID,
		TxHash:   res.TxHash,
	}
	if res.Claim != nil {
		out.Gross = res.Claim.Gross.String()
		out.Fee = res.Claim.Fee.String()
		out.Net = res.Claim.Net.String()
		out.Refund = res.Claim.Refund
	}
	return out
}

// Execute verifies and executes a single signed authorization.
// POST /api/relay/execute
func (h *RelayHandler) Execute(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, "")
}

// Withdraw is Execute constrained to withdraw authorizations.
// POST /api/relay/withdraw
func (h *RelayHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, domain.AuthActionWithdraw)
}

func (h *RelayHandler) execute(w http.ResponseWriter, r *http.Request, only domain.AuthAction) {
	var req authorizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sa, err := req.toSigned()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if only != "" && sa.Auth.Action != only {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("endpoint accepts %q authorizations only", only))
		return
	}

	res, err := h.relay.VerifyAndExecute(r.Context(), sa)
	if err != nil {
		h.logger.WarnContext(r.Context(), "relay execute failed",
			slog.String("action", string(sa.Auth.Action)),
			slog.String("from", sa.Auth.From),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "execution failed")
		return
	}
	out := toExecuteResponse(res)
	h.attachCredit(r.Context(), &out, sa.Auth)
	writeJSON(w, http.StatusOK, out)
}

// attachCredit adds the signer's post-execution credit balance to responses
// for actions that touch it. Lookup failures just omit the field.
func (h *RelayHandler) attachCredit(ctx context.Context, out *executeResponse, auth domain.Authorization) {
	if auth.Action == domain.AuthActionClaim {
		return
	}
	if auth.Action == domain.AuthActionWithdraw && auth.Source != domain.WithdrawFromCredit {
		return
	}
	bal, err := h.deposits.Balance(ctx, auth.From)
	if err != nil {
		return
	}
	out.RemainingCredit = bal.String()
}

// batchRequest is the body for batch execution.
type batchRequest struct {
	Authorizations []authorizationRequest `json:"authorizations"`
}

// batchElementResponse reports one element of a batch.
type batchElementResponse struct {
	Index     int              `json:"index"`
	OK        bool             `json:"ok"`
	Result    *executeResponse `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
}

// maxBatchSize bounds one batch request.
const maxBatchSize = 50

// ExecuteBatch verifies and executes each authorization independently;
// failed elements are reported in place, never blocking the rest.
// POST /api/relay/batch
func (h *RelayHandler) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Authorizations) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}
	if len(req.Authorizations) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch exceeds %d elements", maxBatchSize))
		return
	}

	out := make([]batchElementResponse, len(req.Authorizations))
	batch := make([]relay.SignedAuthorization, 0, len(req.Authorizations))
	batchIdx := make([]int, 0, len(req.Authorizations))

	// Malformed elements are rejected here; well-formed ones go to the relay.
	for i, a := range req.Authorizations {
		sa, err := a.toSigned()
		if err != nil {
			out[i] = batchElementResponse{Index: i, OK: false, Error: err.Error()}
			continue
		}
		batch = append(batch, sa)
		batchIdx = append(batchIdx, i)
	}

	for j, res := range h.relay.ExecuteBatch(r.Context(), batch) {
		i := batchIdx[j]
		elem := batchElementResponse{Index: i, OK: res.OK, Retryable: res.Retryable}
		if res.OK {
			r := toExecuteResponse(res.Result)
			elem.Result = &r
		} else if res.Err != nil {
			elem.Error = res.Err.Error()
		}
		out[i] = elem
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// depositRequest is the body for crediting an on-chain deposit.
type depositRequest struct {
	TxHash  string `json:"tx_hash"`
	Address string `json:"address"`
	Target  string `json:"target,omitempty"` // "credit" (default) or "account"
}

// Deposit credits a confirmed on-chain transfer. The amount comes from the
// chain record, never from this request.
// POST /api/relay/deposit
func (h *RelayHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TxHash == "" || req.Address == "" {
		writeError(w, http.StatusBadRequest, "tx_hash and address are required")
		return
	}

	var target domain.FundSource
	switch req.Target {
	case "", "credit":
		target = domain.FundCredit
	case "account":
		target = domain.FundAccount
	default:
		writeError(w, http.StatusBadRequest, `target must be "credit" or "account"`)
		return
	}

	d, err := h.deposits.Deposit(r.Context(), req.TxHash, req.Address, target)
	if err != nil {
		h.logger.WarnContext(r.Context(), "deposit failed",
			slog.String("tx_hash", req.TxHash),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "deposit failed")
		return
	}

	resp := map[string]any{
		"tx_hash":     d.TxHash,
		"address":     d.Address,
		"amount":      d.Amount.String(),
		"target":      string(d.Target),
		"credited_at": d.CreditedAt,
	}
	if bal, err := h.deposits.Balance(r.Context(), d.Address); err == nil {
		resp["credit_balance"] = bal.String()
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Status reports facilitator availability and fee schedule.
// GET /api/relay/status
func (h *RelayHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.relay.Status(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "relay status failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get relay status")
		return
	}

	resp := map[string]any{
		"available":           st.Available,
		"paused":              st.Paused,
		"address":             st.Address,
		"facilitator_fee_bps": st.FacilitatorFeeBps,
		"platform_fee_bps":    st.PlatformFeeBps,
	}
	if st.Balance != nil {
		resp["balance"] = st.Balance.String()
	}
	if st.MinBalance != nil {
		resp["min_balance"] = st.MinBalance.String()
	}
	if st.MinBet != nil {
		resp["min_bet"] = st.MinBet.String()
	}
	writeJSON(w, http.StatusOK, resp)
}
