package notify

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/pariflow/pariflow/internal/domain"
)

// Watcher subscribes to settlement events and turns the interesting ones
// into operator notifications: every resolution, and bets at or above the
// configured threshold.
type Watcher struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger

	// betThreshold is the minimum bet amount in wei that triggers a
	// large-bet notification. Nil or zero disables bet notifications.
	betThreshold *big.Int
}

// NewWatcher creates a Watcher.
func NewWatcher(bus domain.SignalBus, notifier *Notifier, betThreshold *big.Int, logger *slog.Logger) *Watcher {
	return &Watcher{
		bus:          bus,
		notifier:     notifier,
		logger:       logger.With(slog.String("component", "notify_watcher")),
		betThreshold: betThreshold,
	}
}

// Run subscribes to the settlement channels and dispatches notifications
// until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	resolved, err := w.bus.Subscribe(ctx, domain.EventMarketResolved)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", domain.EventMarketResolved, err)
	}
	bets, err := w.bus.Subscribe(ctx, domain.EventBetPlaced)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", domain.EventBetPlaced, err)
	}

	w.logger.InfoContext(ctx, "notify watcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "notify watcher stopped")
			return ctx.Err()
		case payload, ok := <-resolved:
			if !ok {
				return ctx.Err()
			}
			w.handle(ctx, payload)
		case payload, ok := <-bets:
			if !ok {
				return ctx.Err()
			}
			w.handle(ctx, payload)
		}
	}
}

// handle decodes one event and notifies if it qualifies. Decode and send
// errors are logged and swallowed; notifications are best effort.
func (w *Watcher) handle(ctx context.Context, payload []byte) {
	ev, err := domain.DecodeEvent(payload)
	if err != nil {
		w.logger.WarnContext(ctx, "undecodable settlement event", slog.String("error", err.Error()))
		return
	}

	switch ev.Type {
	case domain.EventMarketResolved:
		w.notifyResolved(ctx, ev)
	case domain.EventBetPlaced:
		w.notifyLargeBet(ctx, ev)
	}
}

func (w *Watcher) notifyResolved(ctx context.Context, ev domain.Event) {
	outcome := "unknown"
	if ev.Outcome != nil {
		if *ev.Outcome {
			outcome = "YES"
		} else {
			outcome = "NO"
		}
	}

	title := fmt.Sprintf("Market %d resolved", ev.MarketID)
	message := fmt.Sprintf("Outcome: %s\nResolved at: %s", outcome, ev.At.Format("2006-01-02 15:04:05 UTC"))

	if err := w.notifier.Notify(ctx, ev.Type, title, message); err != nil {
		w.logger.WarnContext(ctx, "resolution notification failed",
			slog.Int64("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Watcher) notifyLargeBet(ctx context.Context, ev domain.Event) {
	if w.betThreshold == nil || w.betThreshold.Sign() <= 0 {
		return
	}

	amount, ok := new(big.Int).SetString(ev.Amount, 10)
	if !ok || amount.Cmp(w.betThreshold) < 0 {
		return
	}

	title := fmt.Sprintf("Large bet on market %d", ev.MarketID)
	message := fmt.Sprintf("Address: %s\nSide: %s\nAmount: %s wei", ev.Address, ev.Side, ev.Amount)

	if err := w.notifier.Notify(ctx, ev.Type, title, message); err != nil {
		w.logger.WarnContext(ctx, "large bet notification failed",
			slog.Int64("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
	}
}
