package domain

import (
	"context"
	"math/big"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ConsumedNonce records a durably spent authorization nonce. When attached to
// a ledger transition it is inserted in the same transaction, so a nonce is
// consumed if and only if the transition committed.
type ConsumedNonce struct {
	Signer string
	Nonce  Nonce
}

// StakeParams describes one atomic position purchase. Fee, when set, is the
// facilitator fee debited from the funding source on top of Amount and routed
// to the fee sink in the same transaction.
type StakeParams struct {
	MarketID int64
	Address  string
	Side     Side
	Amount   *big.Int
	Fee      *big.Int // nil for direct bets
	Funding  FundSource
	Now      time.Time
	Consume  *ConsumedNonce // nil for direct bets
}

// ClaimParams describes one atomic claim settlement. Payout and Fee are
// computed by the engine from the resolved market before the call; the store
// re-checks the claimed flag under lock.
type ClaimParams struct {
	MarketID int64
	Address  string
	Payout   *big.Int // gross payout, credited minus Fee
	Fee      *big.Int
	Now      time.Time
	Consume  *ConsumedNonce
}

// Ledger is the settlement engine's view of persistent state. Every mutator
// is a single atomic transition: a failed call leaves no partial effect.
type Ledger interface {
	CreateMarket(ctx context.Context, m Market) (int64, error)
	GetMarket(ctx context.Context, id int64) (Market, error)
	ListMarkets(ctx context.Context, opts ListOpts) ([]Market, error)
	MarketIDs(ctx context.Context) ([]int64, error)
	CountMarkets(ctx context.Context) (int64, error)
	ListResolvedBefore(ctx context.Context, cutoff time.Time) ([]Market, error)

	// ResolveMarket sets resolved/outcome/resolvedAt exactly once. It fails
	// with ErrAlreadyResolved if the market is already resolved.
	ResolveMarket(ctx context.Context, id int64, outcome bool, at time.Time) error

	GetPosition(ctx context.Context, marketID int64, address string) (Position, error)
	ListPositions(ctx context.Context, marketID int64) ([]Position, error)

	// StakePosition debits the funding source, bumps the market pool, and
	// upserts the position in one transaction.
	StakePosition(ctx context.Context, p StakeParams) error

	// SettleClaim marks the position claimed and credits payout-fee to the
	// claimant's account in one transaction. ErrAlreadyClaimed if raced.
	SettleClaim(ctx context.Context, p ClaimParams) error

	AccountBalance(ctx context.Context, address string) (*big.Int, error)
	CreditFunds(ctx context.Context, d Deposit) error
	DebitAccount(ctx context.Context, address string, amount *big.Int, consume *ConsumedNonce) error
	RefundAccount(ctx context.Context, address string, amount *big.Int) error
}

// CreditStore holds facilitator-held credit balances for gasless betting.
type CreditStore interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
	// Debit fails with ErrInsufficientCredit without touching the balance.
	Debit(ctx context.Context, address string, amount *big.Int, consume *ConsumedNonce) error
	Refund(ctx context.Context, address string, amount *big.Int) error
}

// NonceStore tracks durably consumed authorization nonces.
type NonceStore interface {
	Consumed(ctx context.Context, signer string, nonce Nonce) (bool, error)
	// Remove deletes a consumed nonce as part of an explicit compensation
	// (withdraw submission failure). It is not a general-purpose unspend.
	Remove(ctx context.Context, signer string, nonce Nonce) error
}

// ResolverStore persists the oracle gateway's allow-list.
type ResolverStore interface {
	SetAuthorized(ctx context.Context, address string, authorized bool) error
	IsAuthorized(ctx context.Context, address string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// ReputationStore persists per-address reputation scores.
type ReputationStore interface {
	Score(ctx context.Context, address string) (int64, error)
	Adjust(ctx context.Context, address string, delta int64) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
