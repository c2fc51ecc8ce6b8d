package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/pariflow/pariflow/internal/domain"
	"github.com/pariflow/pariflow/internal/engine"
)

// CreditPool manages facilitator-held balances: crediting verified on-chain
// deposits, funding gasless bets, and paying out withdrawals. All amounts
// come from chain records or signed authorizations, never from request
// bodies.
type CreditPool struct {
	eng     *engine.Engine
	ledger  domain.Ledger
	credits domain.CreditStore
	nonces  domain.NonceStore
	chain   domain.ChainClient

	facilitatorFeeBps int64
	logger            *slog.Logger
	clock             func() time.Time
}

// NewCreditPool creates a CreditPool.
func NewCreditPool(
	eng *engine.Engine,
	ledger domain.Ledger,
	credits domain.CreditStore,
	nonces domain.NonceStore,
	chain domain.ChainClient,
	facilitatorFeeBps int64,
	logger *slog.Logger,
) *CreditPool {
	return &CreditPool{
		eng:               eng,
		ledger:            ledger,
		credits:           credits,
		nonces:            nonces,
		chain:             chain,
		facilitatorFeeBps: facilitatorFeeBps,
		logger:            logger.With(slog.String("component", "creditpool")),
		clock:             time.Now,
	}
}

// WithClock overrides the pool's time source. Tests only.
func (cp *CreditPool) WithClock(clock func() time.Time) *CreditPool {
	cp.clock = clock
	return cp
}

// MinBet reports the engine's stake floor.
func (cp *CreditPool) MinBet() *big.Int { return cp.eng.MinBet() }

// PlatformFeeBps reports the engine's claim fee.
func (cp *CreditPool) PlatformFeeBps() int64 { return cp.eng.PlatformFeeBps() }

// Balance returns a user's credit balance.
func (cp *CreditPool) Balance(ctx context.Context, address string) (*big.Int, error) {
	return cp.credits.Balance(ctx, strings.ToLower(address))
}

// Deposit credits a confirmed on-chain transfer to the user's chosen balance.
// The transfer is loaded from the chain: the recipient must be the
// facilitator, the sender must be the claimed address, and the amount is
// whatever the chain says it is. The transaction hash is the dedup key, so a
// replayed hash fails with ErrDepositAlreadyCredited.
func (cp *CreditPool) Deposit(ctx context.Context, txHash, address string, target domain.FundSource) (domain.Deposit, error) {
	address = strings.ToLower(address)
	if target == "" {
		target = domain.FundCredit
	}

	transfer, err := cp.chain.VerifyTransfer(ctx, txHash)
	if err != nil {
		return domain.Deposit{}, err
	}
	if transfer.To != cp.chain.FacilitatorAddress() {
		return domain.Deposit{}, fmt.Errorf("%w: recipient %s is not the facilitator",
			domain.ErrDepositMismatch, transfer.To)
	}
	if transfer.From != address {
		return domain.Deposit{}, fmt.Errorf("%w: sender %s does not match %s",
			domain.ErrDepositMismatch, transfer.From, address)
	}
	if transfer.Amount.Sign() <= 0 {
		return domain.Deposit{}, fmt.Errorf("%w: zero-value transfer", domain.ErrDepositMismatch)
	}

	d := domain.Deposit{
		TxHash:     transfer.TxHash,
		Address:    address,
		Amount:     transfer.Amount,
		Target:     target,
		CreditedAt: cp.clock().UTC(),
	}
	if err := cp.ledger.CreditFunds(ctx, d); err != nil {
		return domain.Deposit{}, err
	}

	cp.logger.InfoContext(ctx, "deposit credited",
		slog.String("tx_hash", d.TxHash),
		slog.String("address", address),
		slog.String("amount", d.Amount.String()),
		slog.String("target", string(target)),
	)
	return d, nil
}

// GaslessBet stakes an authorized amount from the user's credit balance. The
// facilitator fee is debited on top of the stake, and the nonce is consumed,
// in the same ledger transaction as the stake itself.
func (cp *CreditPool) GaslessBet(ctx context.Context, auth domain.Authorization, consume *domain.ConsumedNonce) error {
	fee := cp.fee(auth.Amount)
	return cp.eng.BuyPosition(ctx, engine.BuyParams{
		MarketID: auth.MarketID,
		Side:     auth.Position,
		Amount:   auth.Amount,
		Fee:      fee,
		Payer:    strings.ToLower(auth.From),
		Funding:  domain.FundCredit,
		Consume:  consume,
	})
}

// Withdraw pays an authorized amount out to the signer's address on chain.
// The balance is debited and the nonce consumed first; if the chain
// submission then fails, both are compensated so the user keeps the funds
// and the authorization stays retryable.
func (cp *CreditPool) Withdraw(ctx context.Context, auth domain.Authorization, consume *domain.ConsumedNonce) (string, error) {
	address := strings.ToLower(auth.From)
	if auth.Amount == nil || auth.Amount.Sign() <= 0 {
		return "", fmt.Errorf("relay: withdraw amount must be positive")
	}

	debit := cp.credits.Debit
	refund := cp.credits.Refund
	if auth.Source == domain.WithdrawFromAccount {
		debit = func(ctx context.Context, addr string, amt *big.Int, c *domain.ConsumedNonce) error {
			return cp.ledger.DebitAccount(ctx, addr, amt, c)
		}
		refund = cp.ledger.RefundAccount
	}

	if err := debit(ctx, address, auth.Amount, consume); err != nil {
		return "", err
	}

	txHash, err := cp.chain.SubmitTransfer(ctx, address, auth.Amount)
	if err != nil {
		cp.compensate(ctx, address, auth.Amount, consume, refund)
		return "", fmt.Errorf("relay: submit withdrawal: %w", err)
	}

	cp.logger.InfoContext(ctx, "withdrawal submitted",
		slog.String("address", address),
		slog.String("amount", auth.Amount.String()),
		slog.String("tx_hash", txHash),
	)
	return txHash, nil
}

// compensate reverses a withdrawal debit after a failed chain submission.
// Compensation failures are logged loudly; they require operator attention
// since funds are held but not paid out.
func (cp *CreditPool) compensate(
	ctx context.Context,
	address string,
	amount *big.Int,
	consume *domain.ConsumedNonce,
	refund func(context.Context, string, *big.Int) error,
) {
	if err := refund(ctx, address, amount); err != nil {
		cp.logger.ErrorContext(ctx, "withdrawal refund failed, manual reconciliation required",
			slog.String("address", address),
			slog.String("amount", amount.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if consume != nil {
		if err := cp.nonces.Remove(ctx, consume.Signer, consume.Nonce); err != nil {
			cp.logger.ErrorContext(ctx, "nonce release after refund failed",
				slog.String("signer", consume.Signer),
				slog.String("nonce", consume.Nonce.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (cp *CreditPool) fee(amount *big.Int) *big.Int {
	if cp.facilitatorFeeBps <= 0 || amount == nil {
		return nil
	}
	fee := new(big.Int).Mul(amount, big.NewInt(cp.facilitatorFeeBps))
	return fee.Quo(fee, big.NewInt(domain.OddsScale))
}
