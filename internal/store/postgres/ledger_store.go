package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pariflow/pariflow/internal/domain"
)

// LedgerStore implements domain.Ledger using PostgreSQL. Markets, positions,
// account balances, and the fee sink live here; every mutator is one
// transaction so a validation failure leaves all state unchanged.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const marketCols = `id, question, description, category, creator, end_time,
	total_yes, total_no, resolved, outcome, resolved_at, ai_oracle_enabled, created_at`

// scanMarket scans a single market row.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                 domain.Market
		totalYes, totalNo string
	)
	err := row.Scan(
		&m.ID, &m.Question, &m.Description, &m.Category, &m.Creator, &m.EndTime,
		&totalYes, &totalNo, &m.Resolved, &m.Outcome, &m.ResolvedAt,
		&m.AIOracleEnabled, &m.CreatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	if m.TotalYesAmount, err = parseWei(totalYes); err != nil {
		return domain.Market{}, err
	}
	if m.TotalNoAmount, err = parseWei(totalNo); err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

// CreateMarket inserts a new market and returns its sequential id.
func (s *LedgerStore) CreateMarket(ctx context.Context, m domain.Market) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO markets (
			question, description, category, creator, end_time,
			total_yes, total_no, ai_oracle_enabled, created_at
		) VALUES ($1, $2, $3, $4, $5, '0', '0', $6, $7)
		RETURNING id`,
		m.Question, m.Description, m.Category, m.Creator, m.EndTime,
		m.AIOracleEnabled, m.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create market: %w", err)
	}
	return id, nil
}

// GetMarket retrieves a market by id.
func (s *LedgerStore) GetMarket(ctx context.Context, id int64) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, err)
	}
	return m, nil
}

// ListMarkets returns markets newest-first with pagination and optional
// creation-time filtering.
func (s *LedgerStore) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE TRUE`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

// MarketIDs returns every market id in ascending order.
func (s *LedgerStore) MarketIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM markets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: market ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan market id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: market ids rows: %w", err)
	}
	return ids, nil
}

// CountMarkets returns the total number of markets.
func (s *LedgerStore) CountMarkets(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

// ListResolvedBefore returns markets resolved before the cutoff, oldest
// first. Used by the settlement archiver.
func (s *LedgerStore) ListResolvedBefore(ctx context.Context, cutoff time.Time) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets
		 WHERE resolved AND resolved_at < $1 ORDER BY resolved_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved before: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan resolved market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list resolved rows: %w", err)
	}
	return markets, nil
}

// ResolveMarket finalizes the outcome exactly once. The conditional UPDATE is
// the irreversibility guard: a second resolution matches zero rows.
func (s *LedgerStore) ResolveMarket(ctx context.Context, id int64, outcome bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE markets SET resolved = TRUE, outcome = $2, resolved_at = $3
		WHERE id = $1 AND resolved = FALSE`,
		id, outcome, at)
	if err != nil {
		return fmt.Errorf("postgres: resolve market %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already resolved; distinguish for the caller.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM markets WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: resolve market %d: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrAlreadyResolved
	}
	return nil
}

const positionCols = `market_id, address, yes_amount, no_amount, claimed, claimed_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p       domain.Position
		yes, no string
	)
	err := row.Scan(&p.MarketID, &p.Address, &yes, &no, &p.Claimed, &p.ClaimedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Position{}, err
	}
	if p.YesAmount, err = parseWei(yes); err != nil {
		return domain.Position{}, err
	}
	if p.NoAmount, err = parseWei(no); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// GetPosition retrieves a user's position on a market.
func (s *LedgerStore) GetPosition(ctx context.Context, marketID int64, address string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 AND address = $2`,
		marketID, address)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d/%s: %w", marketID, address, err)
	}
	return p, nil
}

// ListPositions returns all positions on a market.
func (s *LedgerStore) ListPositions(ctx context.Context, marketID int64) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 ORDER BY address`,
		marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions %d: %w", marketID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return positions, nil
}

// StakePosition applies one bet atomically: lock the market row, re-check the
// betting window under the lock, debit the funding source, bump the pool
// total, upsert the position, and consume the relayed nonce if any.
func (s *LedgerStore) StakePosition(ctx context.Context, p domain.StakeParams) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+marketCols+` FROM markets WHERE id = $1 FOR UPDATE`, p.MarketID)
		m, err := scanMarket(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("postgres: lock market %d: %w", p.MarketID, err)
		}

		// The engine validated against a snapshot; re-check under the lock so
		// a concurrent resolution cannot race a stake in.
		if m.Resolved {
			return domain.ErrAlreadyResolved
		}
		if m.Ended(p.Now) {
			return domain.ErrMarketEnded
		}

		fundTable := tableAccounts
		insufficient := domain.ErrInsufficientFunds
		if p.Funding == domain.FundCredit {
			fundTable = tableCredits
			insufficient = domain.ErrInsufficientCredit
		}
		debit := p.Amount
		if p.Fee != nil && p.Fee.Sign() > 0 {
			debit = new(big.Int).Add(p.Amount, p.Fee)
		}
		if err := subBalance(ctx, tx, fundTable, p.Address, debit, insufficient); err != nil {
			return err
		}
		if p.Fee != nil && p.Fee.Sign() > 0 {
			if err := s.collectFee(ctx, tx, p.Fee); err != nil {
				return err
			}
		}

		totalCol := "total_yes"
		total := new(big.Int).Add(m.TotalYesAmount, p.Amount)
		if p.Side == domain.SideNo {
			totalCol = "total_no"
			total = new(big.Int).Add(m.TotalNoAmount, p.Amount)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE markets SET `+totalCol+` = $2 WHERE id = $1`,
			p.MarketID, total.String()); err != nil {
			return fmt.Errorf("postgres: update market total: %w", err)
		}

		if err := s.upsertStake(ctx, tx, p); err != nil {
			return err
		}

		return consumeNonce(ctx, tx, p.Consume)
	})
}

// upsertStake adds the stake to the user's position row inside the caller's
// transaction.
func (s *LedgerStore) upsertStake(ctx context.Context, tx pgx.Tx, p domain.StakeParams) error {
	row := tx.QueryRow(ctx,
		`SELECT yes_amount, no_amount FROM positions
		 WHERE market_id = $1 AND address = $2 FOR UPDATE`,
		p.MarketID, p.Address)

	var yesRaw, noRaw string
	err := row.Scan(&yesRaw, &noRaw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		yes, no := "0", "0"
		if p.Side == domain.SideYes {
			yes = p.Amount.String()
		} else {
			no = p.Amount.String()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (market_id, address, yes_amount, no_amount, updated_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			p.MarketID, p.Address, yes, no, p.Now); err != nil {
			return fmt.Errorf("postgres: insert position: %w", err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("postgres: lock position: %w", err)
	}

	yes, err := parseWei(yesRaw)
	if err != nil {
		return err
	}
	no, err := parseWei(noRaw)
	if err != nil {
		return err
	}
	if p.Side == domain.SideYes {
		yes.Add(yes, p.Amount)
	} else {
		no.Add(no, p.Amount)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE positions SET yes_amount = $3, no_amount = $4, updated_at = $5
		 WHERE market_id = $1 AND address = $2`,
		p.MarketID, p.Address, yes.String(), no.String(), p.Now); err != nil {
		return fmt.Errorf("postgres: update position: %w", err)
	}
	return nil
}

// SettleClaim marks the position claimed and credits the net payout in one
// transaction. The claimed flag is re-checked under the row lock, so a raced
// second claim fails with ErrAlreadyClaimed and nothing moves.
func (s *LedgerStore) SettleClaim(ctx context.Context, p domain.ClaimParams) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var claimed bool
		err := tx.QueryRow(ctx,
			`SELECT claimed FROM positions
			 WHERE market_id = $1 AND address = $2 FOR UPDATE`,
			p.MarketID, p.Address).Scan(&claimed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNothingToClaim
			}
			return fmt.Errorf("postgres: lock position for claim: %w", err)
		}
		if claimed {
			return domain.ErrAlreadyClaimed
		}

		if _, err := tx.Exec(ctx,
			`UPDATE positions SET claimed = TRUE, claimed_at = $3, updated_at = $3
			 WHERE market_id = $1 AND address = $2`,
			p.MarketID, p.Address, p.Now); err != nil {
			return fmt.Errorf("postgres: mark claimed: %w", err)
		}

		net := new(big.Int).Sub(p.Payout, p.Fee)
		if err := addBalance(ctx, tx, tableAccounts, p.Address, net); err != nil {
			return err
		}

		if p.Fee.Sign() > 0 {
			if err := s.collectFee(ctx, tx, p.Fee); err != nil {
				return err
			}
		}

		return consumeNonce(ctx, tx, p.Consume)
	})
}

// collectFee adds to the single-row platform fee accumulator.
func (s *LedgerStore) collectFee(ctx context.Context, tx pgx.Tx, fee *big.Int) error {
	var raw string
	if err := tx.QueryRow(ctx,
		`SELECT collected FROM fee_sink WHERE id = 1 FOR UPDATE`).Scan(&raw); err != nil {
		return fmt.Errorf("postgres: lock fee sink: %w", err)
	}
	collected, err := parseWei(raw)
	if err != nil {
		return err
	}
	collected.Add(collected, fee)

	if _, err := tx.Exec(ctx,
		`UPDATE fee_sink SET collected = $1, updated_at = NOW() WHERE id = 1`,
		collected.String()); err != nil {
		return fmt.Errorf("postgres: update fee sink: %w", err)
	}
	return nil
}

// AccountBalance returns a user's on-ledger balance; zero if no row.
func (s *LedgerStore) AccountBalance(ctx context.Context, address string) (*big.Int, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE address = $1`, address).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("postgres: account balance %s: %w", address, err)
	}
	return parseWei(raw)
}

// CreditFunds records a verified deposit and credits its target balance. The
// deposits primary key makes a chain transaction creditable at most once.
func (s *LedgerStore) CreditFunds(ctx context.Context, d domain.Deposit) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO deposits (tx_hash, address, amount, target, credited_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			d.TxHash, d.Address, d.Amount.String(), string(d.Target), d.CreditedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDepositAlreadyCredited
			}
			return fmt.Errorf("postgres: record deposit: %w", err)
		}

		table := tableAccounts
		if d.Target == domain.FundCredit {
			table = tableCredits
		}
		return addBalance(ctx, tx, table, d.Address, d.Amount)
	})
}

// DebitAccount removes funds from a user's account, optionally consuming the
// authorizing nonce in the same transaction.
func (s *LedgerStore) DebitAccount(ctx context.Context, address string, amount *big.Int, consume *domain.ConsumedNonce) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := subBalance(ctx, tx, tableAccounts, address, amount, domain.ErrInsufficientFunds); err != nil {
			return err
		}
		return consumeNonce(ctx, tx, consume)
	})
}

// RefundAccount returns funds to a user's account after a failed downstream
// step.
func (s *LedgerStore) RefundAccount(ctx context.Context, address string, amount *big.Int) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		return addBalance(ctx, tx, tableAccounts, address, amount)
	})
}

// Compile-time interface check.
var _ domain.Ledger = (*LedgerStore)(nil)
