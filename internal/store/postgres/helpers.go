package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pariflow/pariflow/internal/domain"
)

// balance tables sharing the address/balance shape.
const (
	tableAccounts = "accounts"
	tableCredits  = "credit_balances"
)

// parseWei parses a stored decimal wei string.
func parseWei(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: malformed amount %q", s)
	}
	return n, nil
}

// isUniqueViolation reports whether err is a Postgres duplicate-key error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// inTx runs fn inside a transaction, committing on nil and rolling back on
// error. Every multi-row ledger transition goes through here.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// lockedBalance reads a balance row under FOR UPDATE, returning zero when the
// row does not exist yet.
func lockedBalance(ctx context.Context, tx pgx.Tx, table, address string) (*big.Int, bool, error) {
	var raw string
	err := tx.QueryRow(ctx,
		`SELECT balance FROM `+table+` WHERE address = $1 FOR UPDATE`, address,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), false, nil
		}
		return nil, false, fmt.Errorf("postgres: lock %s balance %s: %w", table, address, err)
	}
	bal, err := parseWei(raw)
	if err != nil {
		return nil, false, err
	}
	return bal, true, nil
}

// addBalance credits amount to a balance row, creating it if needed. Caller
// must hold the transaction.
func addBalance(ctx context.Context, tx pgx.Tx, table, address string, amount *big.Int) error {
	bal, exists, err := lockedBalance(ctx, tx, table, address)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(bal, amount).String()

	if exists {
		_, err = tx.Exec(ctx,
			`UPDATE `+table+` SET balance = $2, updated_at = NOW() WHERE address = $1`,
			address, next)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO `+table+` (address, balance) VALUES ($1, $2)`,
			address, next)
	}
	if err != nil {
		return fmt.Errorf("postgres: credit %s %s: %w", table, address, err)
	}
	return nil
}

// subBalance debits amount from a balance row, failing with insufficient
// when the balance does not cover it. The balance never goes negative.
func subBalance(ctx context.Context, tx pgx.Tx, table, address string, amount *big.Int, insufficient error) error {
	bal, exists, err := lockedBalance(ctx, tx, table, address)
	if err != nil {
		return err
	}
	if !exists || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", insufficient, bal, amount)
	}

	next := new(big.Int).Sub(bal, amount).String()
	_, err = tx.Exec(ctx,
		`UPDATE `+table+` SET balance = $2, updated_at = NOW() WHERE address = $1`,
		address, next)
	if err != nil {
		return fmt.Errorf("postgres: debit %s %s: %w", table, address, err)
	}
	return nil
}

// consumeNonce durably records a nonce inside the caller's transaction.
// A duplicate surfaces as domain.ErrNonceReused.
func consumeNonce(ctx context.Context, tx pgx.Tx, c *domain.ConsumedNonce) error {
	if c == nil {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO consumed_nonces (signer, nonce) VALUES ($1, $2)`,
		c.Signer, c.Nonce.String())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrNonceReused
		}
		return fmt.Errorf("postgres: consume nonce: %w", err)
	}
	return nil
}
