package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pariflow/pariflow/internal/domain"
)

// ReputationStore implements domain.ReputationStore.
type ReputationStore struct {
	pool *pgxpool.Pool
}

// NewReputationStore creates a ReputationStore backed by the given pool.
func NewReputationStore(pool *pgxpool.Pool) *ReputationStore {
	return &ReputationStore{pool: pool}
}

// Score returns an address's reputation score; zero when unknown.
func (s *ReputationStore) Score(ctx context.Context, address string) (int64, error) {
	var score int64
	err := s.pool.QueryRow(ctx,
		`SELECT score FROM reputation_scores WHERE address = $1`, address).Scan(&score)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: reputation score %s: %w", address, err)
	}
	return score, nil
}

// Adjust applies a delta and returns the new score. The upsert makes the
// read-modify-write atomic on the database side.
func (s *ReputationStore) Adjust(ctx context.Context, address string, delta int64) (int64, error) {
	var score int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO reputation_scores (address, score) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET
			score = reputation_scores.score + EXCLUDED.score,
			updated_at = NOW()
		RETURNING score`,
		address, delta).Scan(&score)
	if err != nil {
		return 0, fmt.Errorf("postgres: adjust reputation %s: %w", address, err)
	}
	return score, nil
}

// Compile-time interface check.
var _ domain.ReputationStore = (*ReputationStore)(nil)
