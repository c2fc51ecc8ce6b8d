package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pariflow/pariflow/internal/domain"
)

// OracleGateway is the single entry point for market resolution. It keeps
// engine code free of trust decisions: resolvers are a settable allow-list so
// a compromised resolver can be revoked without touching settlement.
type OracleGateway struct {
	engine    *Engine
	resolvers domain.ResolverStore
	logger    *slog.Logger
}

// NewOracleGateway creates a gateway over the given engine and resolver set.
func NewOracleGateway(engine *Engine, resolvers domain.ResolverStore, logger *slog.Logger) *OracleGateway {
	return &OracleGateway{
		engine:    engine,
		resolvers: resolvers,
		logger:    logger.With(slog.String("component", "oracle_gateway")),
	}
}

// Authorize adds or removes a resolver address. Owner-only; the API layer
// enforces the admin boundary.
func (g *OracleGateway) Authorize(ctx context.Context, address string, authorized bool) error {
	addr := normalizeAddress(address)
	if addr == "" {
		return fmt.Errorf("oracle: empty resolver address")
	}
	if err := g.resolvers.SetAuthorized(ctx, addr, authorized); err != nil {
		return fmt.Errorf("oracle: set resolver %s: %w", addr, err)
	}
	g.logger.InfoContext(ctx, "resolver authorization changed",
		slog.String("resolver", addr),
		slog.Bool("authorized", authorized),
	)
	return nil
}

// Resolve finalizes a market's outcome on behalf of an authorized resolver.
// Unauthorized callers are rejected before the engine is touched.
func (g *OracleGateway) Resolve(ctx context.Context, resolver string, marketID int64, outcome bool) error {
	addr := normalizeAddress(resolver)

	ok, err := g.resolvers.IsAuthorized(ctx, addr)
	if err != nil {
		return fmt.Errorf("oracle: resolver lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnauthorizedResolver, addr)
	}

	if err := g.engine.resolveMarket(ctx, marketID, outcome); err != nil {
		return err
	}

	g.logger.InfoContext(ctx, "market resolved by oracle",
		slog.Int64("market_id", marketID),
		slog.String("resolver", addr),
		slog.Bool("outcome", outcome),
	)
	return nil
}

// Resolvers lists the currently authorized resolver addresses.
func (g *OracleGateway) Resolvers(ctx context.Context) ([]string, error) {
	list, err := g.resolvers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("oracle: list resolvers: %w", err)
	}
	return list, nil
}

// normalizeAddress lower-cases hex addresses so the allow-list and consumed
// nonce keys are case-insensitive.
func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
