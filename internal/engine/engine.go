// Package engine implements the pari-mutuel settlement engine: market
// lifecycle, position accounting, proportional payout computation, and the
// oracle gateway that guards resolution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pariflow/pariflow/internal/domain"
)

// Config holds the engine's fixed settlement parameters.
type Config struct {
	// MinBet is the stake floor in wei; bets below it are rejected.
	MinBet *big.Int
	// PlatformFeeBps is the fee taken from winning claims, in basis points.
	PlatformFeeBps int64
	// MinCreateReputation gates market creation when > 0.
	MinCreateReputation int64
}

// Engine owns markets and positions. All state lives in the ledger; every
// mutator here validates, delegates one atomic transition to the ledger, and
// emits events. The engine never applies partial state itself.
type Engine struct {
	ledger     domain.Ledger
	credits    domain.CreditStore
	cache      domain.MarketCache
	bus        domain.SignalBus
	audit      domain.AuditStore
	reputation domain.ReputationStore
	cfg        Config
	logger     *slog.Logger
	clock      func() time.Time
}

// New creates an Engine. cache, bus, audit, and reputation may be nil; the
// engine degrades to ledger-only operation without them.
func New(
	ledger domain.Ledger,
	credits domain.CreditStore,
	cache domain.MarketCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	reputation domain.ReputationStore,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.MinBet == nil {
		cfg.MinBet = new(big.Int)
	}
	return &Engine{
		ledger:     ledger,
		credits:    credits,
		cache:      cache,
		bus:        bus,
		audit:      audit,
		reputation: reputation,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "engine")),
		clock:      time.Now,
	}
}

// WithClock overrides the engine's time source. Tests only.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// MinBet returns the configured stake floor in wei.
func (e *Engine) MinBet() *big.Int {
	return new(big.Int).Set(e.cfg.MinBet)
}

// PlatformFeeBps returns the configured claim fee in basis points.
func (e *Engine) PlatformFeeBps() int64 {
	return e.cfg.PlatformFeeBps
}

// CreateMarketParams carries the immutable fields of a new market.
type CreateMarketParams struct {
	Question        string
	Description     string
	Category        string
	Creator         string
	EndTime         time.Time
	AIOracleEnabled bool
}

// CreateMarket validates and allocates a new market with zeroed pools.
// No payment is required to create a market.
func (e *Engine) CreateMarket(ctx context.Context, p CreateMarketParams) (domain.Market, error) {
	now := e.clock()

	if strings.TrimSpace(p.Question) == "" {
		return domain.Market{}, domain.ErrEmptyQuestion
	}
	if !p.EndTime.After(now) {
		return domain.Market{}, domain.ErrEndTimeInPast
	}

	if e.cfg.MinCreateReputation > 0 && e.reputation != nil {
		score, err := e.reputation.Score(ctx, p.Creator)
		if err != nil {
			return domain.Market{}, fmt.Errorf("engine: reputation lookup: %w", err)
		}
		if score < e.cfg.MinCreateReputation {
			return domain.Market{}, fmt.Errorf("%w: score %d below %d",
				domain.ErrInsufficientReputation, score, e.cfg.MinCreateReputation)
		}
	}

	m := domain.Market{
		Question:        p.Question,
		Description:     p.Description,
		Category:        p.Category,
		Creator:         p.Creator,
		EndTime:         p.EndTime.UTC(),
		TotalYesAmount:  new(big.Int),
		TotalNoAmount:   new(big.Int),
		AIOracleEnabled: p.AIOracleEnabled,
		CreatedAt:       now.UTC(),
	}

	id, err := e.ledger.CreateMarket(ctx, m)
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: create market: %w", err)
	}
	m.ID = id

	e.logAudit(ctx, "market.created", map[string]any{
		"market_id": id,
		"creator":   p.Creator,
		"end_time":  m.EndTime,
	})
	e.publish(ctx, domain.Event{
		Type:     domain.EventMarketCreated,
		MarketID: id,
		Address:  p.Creator,
		At:       now.UTC(),
	})

	e.logger.InfoContext(ctx, "market created",
		slog.Int64("market_id", id),
		slog.String("creator", p.Creator),
	)
	return m, nil
}

// BuyParams describes a position purchase. Payer is whose position is
// credited; the transport-level caller (wallet or relay) is irrelevant here.
type BuyParams struct {
	MarketID int64
	Side     domain.Side
	Amount   *big.Int
	Fee      *big.Int // facilitator fee, relayed bets only
	Payer    string
	Funding  domain.FundSource
	Consume  *domain.ConsumedNonce
}

// BuyPosition stakes Amount on one side of an open market. The ledger debits
// the funding source, bumps the pool, and upserts the position atomically; a
// failure at any step leaves no partial effect.
func (e *Engine) BuyPosition(ctx context.Context, p BuyParams) error {
	now := e.clock()

	if !p.Side.Valid() {
		return domain.ErrInvalidSide
	}
	if p.Amount == nil || p.Amount.Cmp(e.cfg.MinBet) < 0 {
		return fmt.Errorf("%w: minimum %s wei", domain.ErrBelowMinBet, e.cfg.MinBet)
	}

	m, err := e.ledger.GetMarket(ctx, p.MarketID)
	if err != nil {
		return e.marketErr(p.MarketID, err)
	}
	if m.Resolved {
		return domain.ErrAlreadyResolved
	}
	if m.Ended(now) {
		return domain.ErrMarketEnded
	}

	if p.Funding == "" {
		p.Funding = domain.FundAccount
	}
	err = e.ledger.StakePosition(ctx, domain.StakeParams{
		MarketID: p.MarketID,
		Address:  p.Payer,
		Side:     p.Side,
		Amount:   p.Amount,
		Fee:      p.Fee,
		Funding:  p.Funding,
		Now:      now.UTC(),
		Consume:  p.Consume,
	})
	if err != nil {
		return fmt.Errorf("engine: stake position: %w", err)
	}

	e.invalidate(ctx, p.MarketID)
	e.logAudit(ctx, "bet.placed", map[string]any{
		"market_id": p.MarketID,
		"payer":     p.Payer,
		"side":      p.Side.String(),
		"amount":    p.Amount.String(),
		"funding":   string(p.Funding),
	})
	e.publish(ctx, domain.Event{
		Type:     domain.EventBetPlaced,
		MarketID: p.MarketID,
		Address:  p.Payer,
		Side:     p.Side.String(),
		Amount:   p.Amount.String(),
		At:       now.UTC(),
	})
	return nil
}

// resolveMarket finalizes a market's outcome. Unexported: resolution is only
// reachable through the OracleGateway's permission check.
func (e *Engine) resolveMarket(ctx context.Context, marketID int64, outcome bool) error {
	now := e.clock()

	m, err := e.ledger.GetMarket(ctx, marketID)
	if err != nil {
		return e.marketErr(marketID, err)
	}
	if m.Resolved {
		return domain.ErrAlreadyResolved
	}
	if !m.Ended(now) {
		return domain.ErrMarketNotEnded
	}

	if err := e.ledger.ResolveMarket(ctx, marketID, outcome, now.UTC()); err != nil {
		return fmt.Errorf("engine: resolve market %d: %w", marketID, err)
	}

	e.invalidate(ctx, marketID)
	e.logAudit(ctx, "market.resolved", map[string]any{
		"market_id": marketID,
		"outcome":   outcome,
	})
	e.publish(ctx, domain.Event{
		Type:     domain.EventMarketResolved,
		MarketID: marketID,
		Outcome:  &outcome,
		At:       now.UTC(),
	})

	e.logger.InfoContext(ctx, "market resolved",
		slog.Int64("market_id", marketID),
		slog.Bool("outcome", outcome),
	)
	return nil
}

// CalculateWinnings returns the gross payout a user could claim on a resolved
// market. View only; no state change.
func (e *Engine) CalculateWinnings(ctx context.Context, marketID int64, address string) (*big.Int, error) {
	m, err := e.ledger.GetMarket(ctx, marketID)
	if err != nil {
		return nil, e.marketErr(marketID, err)
	}
	if !m.Resolved {
		return nil, domain.ErrNotResolved
	}

	pos, err := e.ledger.GetPosition(ctx, marketID, address)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("engine: get position: %w", err)
	}

	payout, _ := Payout(m, pos)
	return payout, nil
}

// ClaimResult reports a settled claim.
type ClaimResult struct {
	Gross  *big.Int
	Fee    *big.Int
	Net    *big.Int
	Refund bool
}

// ClaimWinnings settles a user's claim on a resolved market: compute payout,
// mark claimed, and credit the net amount in one ledger transaction, so a
// transfer failure rolls back the claimed flag. A second claim fails
// AlreadyClaimed.
func (e *Engine) ClaimWinnings(ctx context.Context, marketID int64, address string, consume *domain.ConsumedNonce) (ClaimResult, error) {
	now := e.clock()

	m, err := e.ledger.GetMarket(ctx, marketID)
	if err != nil {
		return ClaimResult{}, e.marketErr(marketID, err)
	}
	if !m.Resolved {
		return ClaimResult{}, domain.ErrNotResolved
	}

	pos, err := e.ledger.GetPosition(ctx, marketID, address)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ClaimResult{}, domain.ErrNothingToClaim
		}
		return ClaimResult{}, fmt.Errorf("engine: get position: %w", err)
	}
	if pos.Claimed {
		return ClaimResult{}, domain.ErrAlreadyClaimed
	}

	gross, refund := Payout(m, pos)
	if gross.Sign() <= 0 {
		return ClaimResult{}, domain.ErrNothingToClaim
	}

	// Refunds return principal untouched; only winnings pay the platform fee.
	fee := new(big.Int)
	if !refund {
		fee.Mul(gross, big.NewInt(e.cfg.PlatformFeeBps))
		fee.Quo(fee, big.NewInt(domain.OddsScale))
	}
	net := new(big.Int).Sub(gross, fee)

	err = e.ledger.SettleClaim(ctx, domain.ClaimParams{
		MarketID: marketID,
		Address:  address,
		Payout:   gross,
		Fee:      fee,
		Now:      now.UTC(),
		Consume:  consume,
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("engine: settle claim: %w", err)
	}

	won := !refund
	e.logAudit(ctx, "winnings.claimed", map[string]any{
		"market_id": marketID,
		"address":   address,
		"gross":     gross.String(),
		"fee":       fee.String(),
		"refund":    refund,
	})
	e.publish(ctx, domain.Event{
		Type:     domain.EventWinningsClaimed,
		MarketID: marketID,
		Address:  address,
		Amount:   net.String(),
		Won:      &won,
		At:       now.UTC(),
	})

	return ClaimResult{Gross: gross, Fee: fee, Net: net, Refund: refund}, nil
}

// GetMarket retrieves a market, cache first.
func (e *Engine) GetMarket(ctx context.Context, id int64) (domain.Market, error) {
	if e.cache != nil {
		if m, err := e.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}

	m, err := e.ledger.GetMarket(ctx, id)
	if err != nil {
		return domain.Market{}, e.marketErr(id, err)
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, m); err != nil {
			e.logger.WarnContext(ctx, "market cache set failed",
				slog.Int64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

// ListMarkets returns markets from the ledger with pagination.
func (e *Engine) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := e.ledger.ListMarkets(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("engine: list markets: %w", err)
	}
	return markets, nil
}

// MarketIDs returns all market ids.
func (e *Engine) MarketIDs(ctx context.Context) ([]int64, error) {
	ids, err := e.ledger.MarketIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: market ids: %w", err)
	}
	return ids, nil
}

// CountMarkets returns the global market counter.
func (e *Engine) CountMarkets(ctx context.Context) (int64, error) {
	n, err := e.ledger.CountMarkets(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: count markets: %w", err)
	}
	return n, nil
}

// Odds returns the market's implied odds in basis points; 5000/5000 when the
// pool is empty. yes + no == 10000 always.
func (e *Engine) Odds(ctx context.Context, marketID int64) (yes, no int64, err error) {
	m, err := e.GetMarket(ctx, marketID)
	if err != nil {
		return 0, 0, err
	}
	yes, no = m.Odds()
	return yes, no, nil
}

// GetPosition returns a user's position on a market; a zeroed position if
// they never staked.
func (e *Engine) GetPosition(ctx context.Context, marketID int64, address string) (domain.Position, error) {
	pos, err := e.ledger.GetPosition(ctx, marketID, address)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewPosition(marketID, address), nil
		}
		return domain.Position{}, fmt.Errorf("engine: get position: %w", err)
	}
	return pos, nil
}

// AccountBalance returns a user's on-ledger account balance.
func (e *Engine) AccountBalance(ctx context.Context, address string) (*big.Int, error) {
	bal, err := e.ledger.AccountBalance(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("engine: account balance: %w", err)
	}
	return bal, nil
}

func (e *Engine) marketErr(id int64, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: id %d", domain.ErrMarketNotFound, id)
	}
	return fmt.Errorf("engine: market %d: %w", id, err)
}

func (e *Engine) invalidate(ctx context.Context, marketID int64) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, marketID); err != nil {
		e.logger.WarnContext(ctx, "market cache invalidate failed",
			slog.Int64("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) logAudit(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// publish emits an event on the per-type channel and the durable settlement
// stream. Bus failures are logged, never propagated: consumers are
// side-effect listeners, not gatekeepers of settlement.
func (e *Engine) publish(ctx context.Context, ev domain.Event) {
	if e.bus == nil {
		return
	}
	ev.ID = uuid.New().String()

	payload, err := ev.Encode()
	if err != nil {
		e.logger.WarnContext(ctx, "event encode failed", slog.String("error", err.Error()))
		return
	}
	if err := e.bus.Publish(ctx, ev.Type, payload); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
	if err := e.bus.StreamAppend(ctx, domain.SettlementStream, payload); err != nil {
		e.logger.WarnContext(ctx, "event stream append failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}
