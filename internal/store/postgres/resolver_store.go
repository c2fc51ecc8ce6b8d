package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pariflow/pariflow/internal/domain"
)

// ResolverStore implements domain.ResolverStore: the oracle gateway's
// persistent allow-list.
type ResolverStore struct {
	pool *pgxpool.Pool
}

// NewResolverStore creates a ResolverStore backed by the given pool.
func NewResolverStore(pool *pgxpool.Pool) *ResolverStore {
	return &ResolverStore{pool: pool}
}

// SetAuthorized upserts a resolver's authorization flag.
func (s *ResolverStore) SetAuthorized(ctx context.Context, address string, authorized bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resolvers (address, authorized) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET
			authorized = EXCLUDED.authorized,
			updated_at = NOW()`,
		address, authorized)
	if err != nil {
		return fmt.Errorf("postgres: set resolver %s: %w", address, err)
	}
	return nil
}

// IsAuthorized reports whether the address may resolve markets.
func (s *ResolverStore) IsAuthorized(ctx context.Context, address string) (bool, error) {
	var authorized bool
	err := s.pool.QueryRow(ctx,
		`SELECT authorized FROM resolvers WHERE address = $1`, address).Scan(&authorized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("postgres: resolver lookup %s: %w", address, err)
	}
	return authorized, nil
}

// List returns all currently authorized resolver addresses.
func (s *ResolverStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address FROM resolvers WHERE authorized ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolvers: %w", err)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("postgres: scan resolver: %w", err)
		}
		addrs = append(addrs, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list resolvers rows: %w", err)
	}
	return addrs, nil
}

// Compile-time interface check.
var _ domain.ResolverStore = (*ResolverStore)(nil)
