package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types published on the signal bus. The reputation tracker, websocket
// hub, and notifier consume these; settlement never depends on a consumer.
const (
	EventMarketCreated   = "market.created"
	EventBetPlaced       = "bet.placed"
	EventMarketResolved  = "market.resolved"
	EventWinningsClaimed = "winnings.claimed"
)

// SettlementStream is the durable stream all settlement events are appended
// to, in addition to their per-type pub/sub channel.
const SettlementStream = "settlement.events"

// Event is a settlement lifecycle notification.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	MarketID int64     `json:"market_id"`
	Address  string    `json:"address,omitempty"`
	Side     string    `json:"side,omitempty"`
	Amount   string    `json:"amount,omitempty"` // wei, decimal string
	Outcome  *bool     `json:"outcome,omitempty"`
	Won      *bool     `json:"won,omitempty"`
	At       time.Time `json:"at"`
}

// Encode marshals the event for bus transport.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("domain: encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent unmarshals a bus payload.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("domain: decode event: %w", err)
	}
	return e, nil
}
