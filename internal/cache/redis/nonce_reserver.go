package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pariflow/pariflow/internal/domain"
)

// releaseLua deletes a reservation key only if it still carries the caller's
// token, so one request cannot free another's reservation.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// NonceReserver implements domain.NonceReserver using SETNX with a TTL.
// Reservation is the check-and-set that makes two concurrent submissions of
// the same (signer, nonce) mutually exclusive; durable consumption lives in
// the ledger's consumed_nonces table.
type NonceReserver struct {
	rdb       *redis.Client
	releaseSc *redis.Script
}

// NewNonceReserver creates a NonceReserver backed by the given Client.
func NewNonceReserver(c *Client) *NonceReserver {
	return &NonceReserver{
		rdb:       c.Underlying(),
		releaseSc: redis.NewScript(releaseLua),
	}
}

func nonceKey(signer string, nonce domain.Nonce) string {
	return "nonce:" + signer + ":" + nonce.String()
}

// Reserve atomically claims the nonce for the duration of one execution
// attempt. It returns domain.ErrNonceReused when the nonce is already in
// flight. The release func frees the reservation after a failed execution;
// on success the reservation is left to expire, by which time the durable
// record exists.
func (nr *NonceReserver) Reserve(ctx context.Context, signer string, nonce domain.Nonce, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	key := nonceKey(signer, nonce)

	ok, err := nr.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: reserve nonce %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrNonceReused
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true

		// Background context so release succeeds even if the request's
		// context is already cancelled.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = nr.releaseSc.Run(relCtx, nr.rdb, []string{key}, token).Err()
	}

	return release, nil
}

// Compile-time interface check.
var _ domain.NonceReserver = (*NonceReserver)(nil)
