package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pariflow/pariflow/internal/domain"
)

// CreditStore implements domain.CreditStore: the facilitator-held balances
// that fund gasless bets. Deposits land here through LedgerStore.CreditFunds.
type CreditStore struct {
	pool *pgxpool.Pool
}

// NewCreditStore creates a CreditStore backed by the given connection pool.
func NewCreditStore(pool *pgxpool.Pool) *CreditStore {
	return &CreditStore{pool: pool}
}

// Balance returns a user's credit balance; zero if no row exists.
func (s *CreditStore) Balance(ctx context.Context, address string) (*big.Int, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM credit_balances WHERE address = $1`, address).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("postgres: credit balance %s: %w", address, err)
	}
	return parseWei(raw)
}

// Debit removes credit, failing with ErrInsufficientCredit before any state
// change. The optional nonce is consumed in the same transaction, so debit
// and consumption stand or fall together.
func (s *CreditStore) Debit(ctx context.Context, address string, amount *big.Int, consume *domain.ConsumedNonce) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := subBalance(ctx, tx, tableCredits, address, amount, domain.ErrInsufficientCredit); err != nil {
			return err
		}
		return consumeNonce(ctx, tx, consume)
	})
}

// Refund returns a previously debited amount after a failed downstream step.
func (s *CreditStore) Refund(ctx context.Context, address string, amount *big.Int) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		return addBalance(ctx, tx, tableCredits, address, amount)
	})
}

// Compile-time interface check.
var _ domain.CreditStore = (*CreditStore)(nil)
