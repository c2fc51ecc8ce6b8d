package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market lookups in front of the ledger.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id int64) (Market, error)
	Invalidate(ctx context.Context, id int64) error
}

// NonceReserver holds short-lived in-flight reservations of authorization
// nonces so two concurrent submissions of the same authorization cannot both
// proceed. Durable consumption lives in NonceStore; a reservation only covers
// the window between verification and ledger confirmation.
type NonceReserver interface {
	// Reserve fails with ErrNonceReused when the nonce is already in flight.
	// The returned release func frees the reservation after a failed
	// execution so the authorization stays retryable.
	Reserve(ctx context.Context, signer string, nonce Nonce, ttl time.Duration) (release func(), err error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for settlement events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	// StreamRead returns entries with IDs strictly greater than lastID.
	// It never blocks; pollers that want to start at the tail must anchor
	// their cursor with StreamLastID first, since a non-blocking read from
	// the "$" sentinel yields nothing.
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
	// StreamLastID returns the ID of the newest entry, or "0-0" when the
	// stream is missing or empty.
	StreamLastID(ctx context.Context, stream string) (string, error)
}
