// Package service holds side-effect workers that consume settlement events.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pariflow/pariflow/internal/domain"
)

// Reputation deltas per settlement event.
const (
	repBetPlaced    = 1
	repWinningClaim = 3
	repLosingSettle = -1
)

const (
	defaultPollInterval = 2 * time.Second
	streamBatchSize     = 100
)

// ReputationTracker tails the settlement stream and maintains per-address
// scores: +1 per bet placed, +3 per winning claim, -1 per market settled
// against the address. It is a pure consumer; a tracker failure never blocks
// settlement, it just falls behind and catches up.
type ReputationTracker struct {
	bus    domain.SignalBus
	scores domain.ReputationStore
	ledger domain.Ledger
	logger *slog.Logger

	pollInterval time.Duration
	cursor       string
}

// NewReputationTracker creates a tracker that starts at the tail of the
// stream: only events appended after the first drain are scored. The "$"
// cursor is a sentinel resolved to a concrete entry ID on that first drain,
// because stream reads here are non-blocking and Redis returns nothing for a
// non-blocking XREAD from "$".
func NewReputationTracker(
	bus domain.SignalBus,
	scores domain.ReputationStore,
	ledger domain.Ledger,
	logger *slog.Logger,
) *ReputationTracker {
	return &ReputationTracker{
		bus:          bus,
		scores:       scores,
		ledger:       ledger,
		logger:       logger.With(slog.String("component", "reputation_tracker")),
		pollInterval: defaultPollInterval,
		cursor:       "$",
	}
}

// Run polls the settlement stream until the context is cancelled.
func (t *ReputationTracker) Run(ctx context.Context) error {
	t.logger.InfoContext(ctx, "reputation tracker started")

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.InfoContext(ctx, "reputation tracker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := t.drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				t.logger.WarnContext(ctx, "stream drain failed", slog.String("error", err.Error()))
			}
		}
	}
}

// drain processes all pending stream entries past the cursor.
func (t *ReputationTracker) drain(ctx context.Context) error {
	if t.cursor == "$" {
		id, err := t.bus.StreamLastID(ctx, domain.SettlementStream)
		if err != nil {
			return err
		}
		t.cursor = id
	}

	for {
		msgs, err := t.bus.StreamRead(ctx, domain.SettlementStream, t.cursor, streamBatchSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, msg := range msgs {
			t.handle(ctx, msg.Payload)
			t.cursor = msg.ID
		}
	}
}

// handle applies one event's reputation effect. Decode and store errors are
// logged and swallowed so one bad event cannot wedge the stream.
func (t *ReputationTracker) handle(ctx context.Context, payload []byte) {
	ev, err := domain.DecodeEvent(payload)
	if err != nil {
		t.logger.WarnContext(ctx, "undecodable settlement event", slog.String("error", err.Error()))
		return
	}

	switch ev.Type {
	case domain.EventBetPlaced:
		t.adjust(ctx, ev.Address, repBetPlaced)

	case domain.EventWinningsClaimed:
		if ev.Won != nil && *ev.Won {
			t.adjust(ctx, ev.Address, repWinningClaim)
		}

	case domain.EventMarketResolved:
		if ev.Outcome != nil {
			t.settleLosers(ctx, ev.MarketID, *ev.Outcome)
		}
	}
}

// settleLosers docks every address that staked on the losing side of a
// resolved market.
func (t *ReputationTracker) settleLosers(ctx context.Context, marketID int64, outcome bool) {
	positions, err := t.ledger.ListPositions(ctx, marketID)
	if err != nil {
		t.logger.WarnContext(ctx, "list positions for settlement failed",
			slog.Int64("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return
	}

	losingSide := domain.SideNo
	if !outcome {
		losingSide = domain.SideYes
	}
	for _, pos := range positions {
		if pos.Stake(losingSide).Sign() > 0 {
			t.adjust(ctx, pos.Address, repLosingSettle)
		}
	}
}

func (t *ReputationTracker) adjust(ctx context.Context, address string, delta int64) {
	if address == "" {
		return
	}
	score, err := t.scores.Adjust(ctx, address, delta)
	if err != nil {
		t.logger.WarnContext(ctx, "reputation adjust failed",
			slog.String("address", address),
			slog.Int64("delta", delta),
			slog.String("error", err.Error()),
		)
		return
	}
	t.logger.DebugContext(ctx, "reputation adjusted",
		slog.String("address", address),
		slog.Int64("delta", delta),
		slog.Int64("score", score),
	)
}
