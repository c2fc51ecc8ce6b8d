package relay

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/pariflow/pariflow/internal/domain"
)

func TestDepositCreditsVerifiedTransfer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.chain.addTransfer(domain.Transfer{
		TxHash: "0xdeposit1",
		From:   h.addr,
		To:     "0xfacilitator",
		Amount: big.NewInt(7_500),
	})

	d, err := h.pool.Deposit(ctx, "0xdeposit1", h.addr, "")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	// The amount comes from the chain record, and the default target is the
	// credit balance.
	if d.Amount.Cmp(big.NewInt(7_500)) != 0 {
		t.Errorf("deposit amount = %s, want 7500", d.Amount)
	}
	if d.Target != domain.FundCredit {
		t.Errorf("deposit target = %s, want credit", d.Target)
	}
	if got := h.creditBalance(t, h.addr); got.Cmp(big.NewInt(7_500)) != 0 {
		t.Errorf("credit balance = %s, want 7500", got)
	}
}

func TestDepositToAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.chain.addTransfer(domain.Transfer{
		TxHash: "0xdeposit2",
		From:   h.addr,
		To:     "0xfacilitator",
		Amount: big.NewInt(4_000),
	})

	if _, err := h.pool.Deposit(ctx, "0xdeposit2", h.addr, domain.FundAccount); err != nil {
		t.Fatal(err)
	}

	bal, err := h.eng.AccountBalance(ctx, h.addr)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Cmp(big.NewInt(4_000)) != 0 {
		t.Errorf("account balance = %s, want 4000", bal)
	}
	if got := h.creditBalance(t, h.addr); got.Sign() != 0 {
		t.Errorf("credit balance = %s, want 0", got)
	}
}

func TestDepositDedupByTxHash(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.chain.addTransfer(domain.Transfer{
		TxHash: "0xdeposit3",
		From:   h.addr,
		To:     "0xfacilitator",
		Amount: big.NewInt(1_000),
	})

	if _, err := h.pool.Deposit(ctx, "0xdeposit3", h.addr, ""); err != nil {
		t.Fatal(err)
	}
	_, err := h.pool.Deposit(ctx, "0xdeposit3", h.addr, "")
	if !errors.Is(err, domain.ErrDepositAlreadyCredited) {
		t.Fatalf("replayed hash: got %v, want ErrDepositAlreadyCredited", err)
	}
	if got := h.creditBalance(t, h.addr); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Errorf("credit balance = %s, want 1000 after single credit", got)
	}
}

func TestDepositRejectsMismatches(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.chain.addTransfer(domain.Transfer{
		TxHash: "0xwrongto",
		From:   h.addr,
		To:     "0xsomeoneelse",
		Amount: big.NewInt(1_000),
	})
	h.chain.addTransfer(domain.Transfer{
		TxHash: "0xwrongfrom",
		From:   "0xstranger",
		To:     "0xfacilitator",
		Amount: big.NewInt(1_000),
	})
	h.chain.addTransfer(domain.Transfer{
		TxHash: "0xzero",
		From:   h.addr,
		To:     "0xfacilitator",
		Amount: new(big.Int),
	})

	for name, hash := range map[string]string{
		"wrong recipient": "0xwrongto",
		"wrong sender":    "0xwrongfrom",
		"zero value":      "0xzero",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.pool.Deposit(ctx, hash, h.addr, "")
			if !errors.Is(err, domain.ErrDepositMismatch) {
				t.Errorf("got %v, want ErrDepositMismatch", err)
			}
		})
	}

	if _, err := h.pool.Deposit(ctx, "0xunknown", h.addr, ""); !errors.Is(err, domain.ErrTxNotConfirmed) {
		t.Errorf("unknown hash: got %v, want ErrTxNotConfirmed", err)
	}
	if got := h.creditBalance(t, h.addr); got.Sign() != 0 {
		t.Errorf("credit balance = %s, want 0 after rejected deposits", got)
	}
}

func TestGaslessBetChargesFacilitatorFee(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.openMarket(t)
	h.fundCredit(h.addr, 10_049)

	auth := h.betAuth(id, 10_000, "pool-fee-1")

	// 50 bps on 10000 is 50 wei on top of the stake; 10049 cannot cover it.
	err := h.pool.GaslessBet(ctx, auth, &domain.ConsumedNonce{Signer: h.addr, Nonce: auth.Nonce})
	if !errors.Is(err, domain.ErrInsufficientCredit) {
		t.Fatalf("underfunded by fee: got %v, want ErrInsufficientCredit", err)
	}

	h.fundCredit(h.addr, 1)
	auth2 := h.betAuth(id, 10_000, "pool-fee-2")
	if err := h.pool.GaslessBet(ctx, auth2, &domain.ConsumedNonce{Signer: h.addr, Nonce: auth2.Nonce}); err != nil {
		t.Fatalf("funded bet: %v", err)
	}
	if got := h.creditBalance(t, h.addr); got.Sign() != 0 {
		t.Errorf("credit balance = %s, want 0", got)
	}
	if h.store.feeSink.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("fee sink = %s, want 50", h.store.feeSink)
	}
}

func TestWithdrawFromAccountSource(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.fundAccount(h.addr, 8_000)

	now := h.clk.Now()
	auth := domain.Authorization{
		Action:      domain.AuthActionWithdraw,
		From:        h.addr,
		Source:      domain.WithdrawFromAccount,
		Amount:      big.NewInt(6_000),
		ValidAfter:  now.Add(-time.Minute),
		ValidBefore: now.Add(10 * time.Minute),
		Nonce:       nonceOf("acct-withdraw"),
	}
	txHash, err := h.pool.Withdraw(ctx, auth, &domain.ConsumedNonce{Signer: h.addr, Nonce: auth.Nonce})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if txHash == "" {
		t.Error("missing tx hash")
	}

	bal, err := h.eng.AccountBalance(ctx, h.addr)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Cmp(big.NewInt(2_000)) != 0 {
		t.Errorf("account balance = %s, want 2000", bal)
	}
}

func TestWithdrawFromAccountCompensatesOnFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.fundAccount(h.addr, 8_000)

	h.chain.mu.Lock()
	h.chain.submitErr = errors.New("nonce too low")
	h.chain.mu.Unlock()

	now := h.clk.Now()
	auth := domain.Authorization{
		Action:      domain.AuthActionWithdraw,
		From:        h.addr,
		Source:      domain.WithdrawFromAccount,
		Amount:      big.NewInt(6_000),
		ValidAfter:  now.Add(-time.Minute),
		ValidBefore: now.Add(10 * time.Minute),
		Nonce:       nonceOf("acct-fail"),
	}
	consume := &domain.ConsumedNonce{Signer: h.addr, Nonce: auth.Nonce}
	if _, err := h.pool.Withdraw(ctx, auth, consume); err == nil {
		t.Fatal("withdraw succeeded despite submit failure")
	}

	bal, err := h.eng.AccountBalance(ctx, h.addr)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Cmp(big.NewInt(8_000)) != 0 {
		t.Errorf("account balance = %s, want refunded 8000", bal)
	}
	consumed, err := h.nonces.Consumed(ctx, h.addr, auth.Nonce)
	if err != nil {
		t.Fatal(err)
	}
	if consumed {
		t.Error("nonce still consumed after account refund")
	}
}

func TestWithdrawRejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	for name, amount := range map[string]*big.Int{
		"nil":      nil,
		"zero":     new(big.Int),
		"negative": big.NewInt(-1),
	} {
		t.Run(name, func(t *testing.T) {
			auth := domain.Authorization{
				Action: domain.AuthActionWithdraw,
				From:   h.addr,
				Amount: amount,
				Nonce:  nonceOf("bad-" + name),
			}
			if _, err := h.pool.Withdraw(ctx, auth, nil); err == nil {
				t.Error("non-positive amount accepted")
			}
		})
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.fundCredit(h.addr, 100)

	now := h.clk.Now()
	auth := domain.Authorization{
		Action:      domain.AuthActionWithdraw,
		From:        h.addr,
		Source:      domain.WithdrawFromCredit,
		Amount:      big.NewInt(500),
		ValidAfter:  now.Add(-time.Minute),
		ValidBefore: now.Add(10 * time.Minute),
		Nonce:       nonceOf("overdraw"),
	}
	_, err := h.pool.Withdraw(ctx, auth, &domain.ConsumedNonce{Signer: h.addr, Nonce: auth.Nonce})
	if !errors.Is(err, domain.ErrInsufficientCredit) {
		t.Fatalf("overdraw: got %v, want ErrInsufficientCredit", err)
	}

	// No chain submission was attempted.
	h.chain.mu.Lock()
	defer h.chain.mu.Unlock()
	if len(h.chain.submitted) != 0 {
		t.Errorf("submitted %d transfers, want 0", len(h.chain.submitted))
	}
}
