package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pariflow/pariflow/internal/domain"
)

// NonceStore implements domain.NonceStore over the consumed_nonces table.
// Insertion happens inside ledger transactions (see helpers.consumeNonce);
// this store covers lookups and explicit compensation removal.
type NonceStore struct {
	pool *pgxpool.Pool
}

// NewNonceStore creates a NonceStore backed by the given connection pool.
func NewNonceStore(pool *pgxpool.Pool) *NonceStore {
	return &NonceStore{pool: pool}
}

// Consumed reports whether the (signer, nonce) pair has been durably spent.
func (s *NonceStore) Consumed(ctx context.Context, signer string, nonce domain.Nonce) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM consumed_nonces WHERE signer = $1 AND nonce = $2)`,
		signer, nonce.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: nonce lookup: %w", err)
	}
	return exists, nil
}

// Remove deletes a consumed nonce as part of a compensating refund. Deleting
// a nonce that was never consumed is a no-op.
func (s *NonceStore) Remove(ctx context.Context, signer string, nonce domain.Nonce) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM consumed_nonces WHERE signer = $1 AND nonce = $2`,
		signer, nonce.String())
	if err != nil {
		return fmt.Errorf("postgres: nonce remove: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.NonceStore = (*NonceStore)(nil)
