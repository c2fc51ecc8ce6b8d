package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pariflow/pariflow/internal/domain"
)

// OracleService defines what the oracle handler needs from the gateway.
type OracleService interface {
	Resolve(ctx context.Context, resolver string, marketID int64, outcome bool) error
	Authorize(ctx context.Context, address string, authorized bool) error
	Resolvers(ctx context.Context) ([]string, error)
}

// ResolutionVerifier checks that a resolution attestation was signed by the
// resolver it names.
type ResolutionVerifier interface {
	VerifyResolution(att domain.ResolutionAttestation, signatureHex string) error
}

// FacilitatorAdmin toggles the relay's administrative pause.
type FacilitatorAdmin interface {
	SetPaused(paused bool)
	Paused() bool
}

// OracleHandler serves resolution and admin endpoints. All routes here sit
// behind the bearer-auth middleware.
type OracleHandler struct {
	oracle   OracleService
	verifier ResolutionVerifier
	admin    FacilitatorAdmin
	logger   *slog.Logger
}

// NewOracleHandler creates an OracleHandler. admin may be nil.
func NewOracleHandler(oracle OracleService, verifier ResolutionVerifier, admin FacilitatorAdmin, logger *slog.Logger) *OracleHandler {
	return &OracleHandler{
		oracle:   oracle,
		verifier: verifier,
		admin:    admin,
		logger:   logHandler(logger, "oracle"),
	}
}

// resolveRequest is the body for market resolution. The signature covers
// (resolver, marketId, outcome).
type resolveRequest struct {
	Resolver  string `json:"resolver"`
	Outcome   bool   `json:"outcome"`
	Signature string `json:"signature"`
}

// Resolve finalizes a market's outcome via the oracle gateway. The resolver
// must sign the attestation with its own key; the recovered signer, not the
// request body alone, is what the allow-list check binds to. The bearer API
// key by itself cannot resolve on behalf of an allow-listed address.
// POST /api/markets/{id}/resolve
func (h *OracleHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Resolver) == "" {
		writeError(w, http.StatusBadRequest, "resolver address is required")
		return
	}
	if req.Signature == "" {
		writeError(w, http.StatusBadRequest, "resolution signature is required")
		return
	}

	att := domain.ResolutionAttestation{
		Resolver: strings.ToLower(req.Resolver),
		MarketID: id,
		Outcome:  req.Outcome,
	}
	if err := h.verifier.VerifyResolution(att, req.Signature); err != nil {
		h.logger.WarnContext(r.Context(), "resolution signature rejected",
			slog.Int64("market_id", id),
			slog.String("resolver", att.Resolver),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "invalid resolution signature")
		return
	}

	if err := h.oracle.Resolve(r.Context(), att.Resolver, id, req.Outcome); err != nil {
		h.logger.WarnContext(r.Context(), "resolve failed",
			slog.Int64("market_id", id),
			slog.String("resolver", att.Resolver),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to resolve market")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"outcome":   req.Outcome,
		"resolved":  true,
	})
}

// resolverRequest is the body for allow-list changes.
type resolverRequest struct {
	Address    string `json:"address"`
	Authorized bool   `json:"authorized"`
}

// SetResolver adds or removes a resolver from the allow-list.
// POST /api/oracle/resolvers
func (h *OracleHandler) SetResolver(w http.ResponseWriter, r *http.Request) {
	var req resolverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	if err := h.oracle.Authorize(r.Context(), req.Address, req.Authorized); err != nil {
		writeDomainError(w, err, "failed to update resolver")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":    strings.ToLower(req.Address),
		"authorized": req.Authorized,
	})
}

// ListResolvers returns the current allow-list.
// GET /api/oracle/resolvers
func (h *OracleHandler) ListResolvers(w http.ResponseWriter, r *http.Request) {
	resolvers, err := h.oracle.Resolvers(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to list resolvers")
		return
	}
	if resolvers == nil {
		resolvers = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolvers": resolvers})
}

// pauseRequest is the body for the facilitator pause toggle.
type pauseRequest struct {
	Paused bool `json:"paused"`
}

// SetPause toggles the facilitator's administrative pause.
// POST /api/admin/facilitator/pause
func (h *OracleHandler) SetPause(w http.ResponseWriter, r *http.Request) {
	if h.admin == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.admin.SetPaused(req.Paused)
	writeJSON(w, http.StatusOK, map[string]any{"paused": h.admin.Paused()})
}
