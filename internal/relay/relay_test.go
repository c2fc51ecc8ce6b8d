package relay

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pariflow/pariflow/internal/crypto"
	"github.com/pariflow/pariflow/internal/domain"
	"github.com/pariflow/pariflow/internal/engine"
)

const (
	testChainID = int64(31337)
	// Well-known throwaway dev key; never holds funds.
	testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clockStub struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clockStub) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clockStub) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires a relay over in-memory stores, a scripted chain, and a real
// signer/verifier pair.
type harness struct {
	store    *memStore
	credits  *memCredits
	nonces   *memNonces
	reserver *memReserver
	chain    *fakeChain
	eng      *engine.Engine
	pool     *CreditPool
	relay    *Relay
	signer   *crypto.Signer
	addr     string
	clk      *clockStub
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	clk := &clockStub{now: testBase}
	store := newMemStore()
	credits := &memCredits{s: store}
	nonces := &memNonces{s: store}
	reserver := newMemReserver()
	chain := newFakeChain("0xfacilitator")
	logger := testLogger()

	eng := engine.New(store, credits, nil, nil, nil, nil, engine.Config{
		MinBet:         big.NewInt(10),
		PlatformFeeBps: 200,
	}, logger).WithClock(clk.Now)

	pool := NewCreditPool(eng, store, credits, nonces, chain, 50, logger).WithClock(clk.Now)

	signer, err := crypto.NewSigner(testKeyHex, testChainID)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	cfg.FacilitatorFeeBps = 50
	r := New(crypto.NewVerifier(testChainID), pool, eng, nonces, reserver,
		newMemLocks(), nil, chain, cfg, logger).WithClock(clk.Now)

	return &harness{
		store:    store,
		credits:  credits,
		nonces:   nonces,
		reserver: reserver,
		chain:    chain,
		eng:      eng,
		pool:     pool,
		relay:    r,
		signer:   signer,
		addr:     strings.ToLower(signer.Address().Hex()),
		clk:      clk,
	}
}

func (h *harness) openMarket(t *testing.T) int64 {
	t.Helper()
	m, err := h.eng.CreateMarket(context.Background(), engine.CreateMarketParams{
		Question: "Will the bridge reopen by April?",
		Creator:  "0xcreator",
		EndTime:  h.clk.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m.ID
}

func (h *harness) fundCredit(address string, amount int64) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	bal := h.store.balanceOf(h.store.credits, address)
	bal.Add(bal, big.NewInt(amount))
}

func (h *harness) fundAccount(address string, amount int64) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	bal := h.store.balanceOf(h.store.accounts, address)
	bal.Add(bal, big.NewInt(amount))
}

func (h *harness) creditBalance(t *testing.T, address string) *big.Int {
	t.Helper()
	bal, err := h.credits.Balance(context.Background(), address)
	if err != nil {
		t.Fatal(err)
	}
	return bal
}

func nonceOf(s string) domain.Nonce {
	var n domain.Nonce
	copy(n[:], s)
	return n
}

func (h *harness) betAuth(marketID int64, amount int64, nonce string) domain.Authorization {
	now := h.clk.Now()
	return domain.Authorization{
		Action:      domain.AuthActionBet,
		From:        h.addr,
		MarketID:    marketID,
		Position:    domain.SideYes,
		Amount:      big.NewInt(amount),
		ValidAfter:  now.Add(-time.Minute),
		ValidBefore: now.Add(10 * time.Minute),
		Nonce:       nonceOf(nonce),
	}
}

func (h *harness) sign(t *testing.T, auth domain.Authorization) SignedAuthorization {
	t.Helper()
	sig, err := h.signer.SignAuthorization(auth)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return SignedAuthorization{Auth: auth, Signature: sig}
}

func TestGaslessBetExecutes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.openMarket(t)
	h.fundCredit(h.addr, 20_000)

	auth := h.betAuth(id, 10_000, "bet-1")
	res, err := h.relay.VerifyAndExecute(ctx, h.sign(t, auth))
	if err != nil {
		t.Fatalf("VerifyAndExecute: %v", err)
	}
	if res.Action != domain.AuthActionBet || res.MarketID != id {
		t.Errorf("result = %+v, want bet on market %d", res, id)
	}

	// Stake plus the 50 bps facilitator fee left the credit balance.
	if got := h.creditBalance(t, h.addr); got.Cmp(big.NewInt(9_950)) != 0 {
		t.Errorf("credit balance = %s, want 9950", got)
	}

	pos, err := h.eng.GetPosition(ctx, id, h.addr)
	if err != nil {
		t.Fatal(err)
	}
	if pos.YesAmount.Cmp(big.NewInt(10_000)) != 0 {
		t.Errorf("yes position = %s, want 10000", pos.YesAmount)
	}

	m, err := h.eng.GetMarket(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalYesAmount.Cmp(big.NewInt(10_000)) != 0 {
		t.Errorf("yes pool = %s, want 10000", m.TotalYesAmount)
	}

	consumed, err := h.nonces.Consumed(ctx, h.addr, auth.Nonce)
	if err != nil {
		t.Fatal(err)
	}
	if !consumed {
		t.Error("nonce not durably consumed after success")
	}
}

func TestReplayRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.openMarket(t)
	h.fundCredit(h.addr, 30_000)

	sa := h.sign(t, h.betAuth(id, 10_000, "replay-1"))
	if _, err := h.relay.VerifyAndExecute(ctx, sa); err != nil {
		t.Fatal(err)
	}

	// Same signed payload again: rejected, balance untouched.
	if _, err := h.relay.VerifyAndExecute(ctx, sa); !errors.Is(err, domain.ErrNonceReused) {
		t.Fatalf("replay: got %v, want ErrNonceReused", err)
	}
	if got := h.creditBalance(t, h.addr); got.Cmp(big.NewInt(19_950)) != 0 {
		t.Errorf("credit balance after replay = %s, want 19950", got)
	}
}

func TestInFlightReservationConflict(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.openMarket(t)
	h.fundCredit(h.addr, 20_000)

	auth := h.betAuth(id, 10_000, "inflight-1")

	// Another request holds the in-flight reservation for this nonce.
	release, err := h.reserver.Reserve(ctx, h.addr, auth.Nonce, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if _, err := h.relay.VerifyAndExecute(ctx, h.sign(t, auth)); !errors.Is(err, domain.ErrNonceReused) {
		t.Fatalf("concurrent nonce: got %v, want ErrNonceReused", err)
	}
	if got := h.creditBalance(t, h.addr); got.Cmp(big.NewInt(20_000)) != 0 {
		t.Errorf("credit balance = %s, want untouched 20000", got)
	}
}

func TestFailureReleasesReservation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.openMarket(t)
	h.fundCredit(h.addr, 100)

	auth := h.betAuth(id, 10_000, "retry-1")
	sa := h.sign(t, auth)

	if _, err := h.relay.VerifyAndExecute(ctx, sa); !errors.Is(err, domain.ErrInsufficientCredit) {
		t.Fatalf("underfunded bet: got %v, want ErrInsufficientCredit", err)
	}
	if h.reserver.held(h.addr, auth.Nonce) {
		t.Fatal("reservation not released after failure")
	}

	// Same authorization retries cleanly once funded.
	h.fundCredit(h.addr, 20_000)
	if _, err := h.relay.VerifyAndExecute(ctx, sa); err != nil {
		t.Fatalf("retry after funding: %v", err)
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.openMarket(t)
	h.fundCredit(h.addr, 20_000)

	auth := h.betAuth(id, 10_000, "tamper-1")
	sa := h.sign(t, auth)
	sa.Auth.Amount = big.NewInt(15_000)

	if _, err := h.relay.VerifyAndExecute(ctx, sa); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("tampered amount: got %v, want ErrInvalidSignature", err)
	}
	if h.reserver.held(h.addr, auth.Nonce) {
		t.Error("reservation not released after signature failure")
	}
	if got := h.creditBalance(t, h.addr); got.Cmp(big.NewInt(20_000)) != 0 {
		t.Errorf("credit balance = %s, want untouched 20000", got)
	}
}

func TestValidityWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.openMarket(t)
	h.fundCredit(h.addr, 20_000)

	expired := h.betAuth(id, 10_000, "window-1")
	expired.ValidBefore = h.clk.Now().Add(-time.Second)
	if _, err := h.relay.VerifyAndExecute(ctx, h.sign(t, expired)); !errors.Is(err, domain.ErrAuthExpired) {
		t.Errorf("expired: got %v, want ErrAuthExpired", err)
	}

	early := h.betAuth(id, 10_000, "window-2")
	early.ValidAfter = h.clk.Now().Add(time.Minute)
	if _, err := h.relay.VerifyAndExecute(ctx, h.sign(t, early)); !errors.Is(err, domain.ErrAuthNotYetValid) {
		t.Errorf("not yet valid: got %v, want ErrAuthNotYetValid", err)
	}

	// The window is checked before reservation, so neither nonce was held.
	if h.reserver.held(h.addr, expired.Nonce) || h.reserver.held(h.addr, early.Nonce) {
		t.Error("window-rejected authorization left a reservation behind")
	}
}

func TestPauseBlocksExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.openMarket(t)
	h.fundCredit(h.addr, 20_000)

	h.relay.SetPaused(true)
	sa := h.sign(t, h.betAuth(id, 10_000, "pause-1"))
	if _, err := h.relay.VerifyAndExecute(ctx, sa); !errors.Is(err, domain.ErrFacilitatorPaused) {
		t.Fatalf("paused: got %v, want ErrFacilitatorPaused", err)
	}

	h.relay.SetPaused(false)
	if _, err := h.relay.VerifyAndExecute(ctx, sa); err != nil {
		t.Fatalf("after unpause: %v", err)
	}
}

func TestSolvencyFloor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MinBalance: big.NewInt(1_000)})
	ctx := context.Background()
	id := h.openMarket(t)
	h.fundCredit(h.addr, 20_000)

	h.chain.mu.Lock()
	h.chain.balance = big.NewInt(500)
	h.chain.mu.Unlock()

	sa := h.sign(t, h.betAuth(id, 10_000, "solvency-1"))
	if _, err := h.relay.VerifyAndExecute(ctx, sa); !errors.Is(err, domain.ErrFacilitatorPaused) {
		t.Fatalf("insolvent: got %v, want ErrFacilitatorPaused", err)
	}

	// The probe result is cached; topping up takes effect only after the
	// cache interval passes.
	h.chain.mu.Lock()
	h.chain.balance = big.NewInt(5_000)
	h.chain.mu.Unlock()
	if _, err := h.relay.VerifyAndExecute(ctx, sa); !errors.Is(err, domain.ErrFacilitatorPaused) {
		t.Fatalf("cached probe: got %v, want ErrFacilitatorPaused", err)
	}

	h.clk.Advance(solvencyCheckInterval + time.Second)
	if _, err := h.relay.VerifyAndExecute(ctx, sa); err != nil {
		t.Fatalf("after top-up and cache expiry: %v", err)
	}
}

func TestRateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.relay.limiter = newStubLimiter(1)
	ctx := context.Background()
	id := h.openMarket(t)
	h.fundCredit(h.addr, 50_000)

	if _, err := h.relay.VerifyAndExecute(ctx, h.sign(t, h.betAuth(id, 10_000, "rate-1"))); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := h.relay.VerifyAndExecute(ctx, h.sign(t, h.betAuth(id, 10_000, "rate-2")))
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("second request: got %v, want ErrRateLimited", err)
	}
	if !domain.Retryable(err) {
		t.Error("rate limit should be retryable")
	}
}

func TestClaimViaRelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.openMarket(t)

	// Signer bets 10000 yes gaslessly, a rival bets 5000 no from an account.
	h.fundCredit(h.addr, 20_000)
	if _, err := h.relay.VerifyAndExecute(ctx, h.sign(t, h.betAuth(id, 10_000, "claim-bet"))); err != nil {
		t.Fatal(err)
	}
	h.fundAccount("0xrival", 5_000)
	err := h.eng.BuyPosition(ctx, engine.BuyParams{
		MarketID: id,
		Side:     domain.SideNo,
		Amount:   big.NewInt(5_000),
		Payer:    "0xrival",
		Funding:  domain.FundAccount,
	})
	if err != nil {
		t.Fatal(err)
	}

	h.clk.Advance(2 * time.Hour)
	if err := h.store.ResolveMarket(ctx, id, true, h.clk.Now()); err != nil {
		t.Fatal(err)
	}

	now := h.clk.Now()
	claim := domain.Authorization{
		Action:      domain.AuthActionClaim,
		From:        h.addr,
		MarketID:    id,
		ValidAfter:  now.Add(-time.Minute),
		ValidBefore: now.Add(10 * time.Minute),
		Nonce:       nonceOf("claim-1"),
	}
	res, err := h.relay.VerifyAndExecute(ctx, h.sign(t, claim))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Claim == nil {
		t.Fatal("claim result missing")
	}

	// Sole yes holder takes the whole pool: 15000 gross, 2% platform fee.
	if res.Claim.Gross.Cmp(big.NewInt(15_000)) != 0 {
		t.Errorf("gross = %s, want 15000", res.Claim.Gross)
	}
	if res.Claim.Net.Cmp(big.NewInt(14_700)) != 0 {
		t.Errorf("net = %s, want 14700", res.Claim.Net)
	}
	bal, err := h.eng.AccountBalance(ctx, h.addr)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Cmp(big.NewInt(14_700)) != 0 {
		t.Errorf("account balance = %s, want 14700", bal)
	}
}

func TestWithdrawViaRelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.fundCredit(h.addr, 5_000)

	now := h.clk.Now()
	auth := domain.Authorization{
		Action:      domain.AuthActionWithdraw,
		From:        h.addr,
		Source:      domain.WithdrawFromCredit,
		Amount:      big.NewInt(3_000),
		ValidAfter:  now.Add(-time.Minute),
		ValidBefore: now.Add(10 * time.Minute),
		Nonce:       nonceOf("withdraw-1"),
	}
	res, err := h.relay.VerifyAndExecute(ctx, h.sign(t, auth))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.TxHash == "" {
		t.Error("withdraw result missing tx hash")
	}
	if got := h.creditBalance(t, h.addr); got.Cmp(big.NewInt(2_000)) != 0 {
		t.Errorf("credit balance = %s, want 2000", got)
	}

	h.chain.mu.Lock()
	defer h.chain.mu.Unlock()
	if len(h.chain.submitted) != 1 {
		t.Fatalf("submitted %d transfers, want 1", len(h.chain.submitted))
	}
	sent := h.chain.submitted[0]
	if sent.To != h.addr || sent.Amount.Cmp(big.NewInt(3_000)) != 0 {
		t.Errorf("submitted transfer = %+v, want 3000 to %s", sent, h.addr)
	}
}

func TestWithdrawSubmitFailureCompensates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.fundCredit(h.addr, 5_000)

	h.chain.mu.Lock()
	h.chain.submitErr = errors.New("rpc down")
	h.chain.mu.Unlock()

	now := h.clk.Now()
	auth := domain.Authorization{
		Action:      domain.AuthActionWithdraw,
		From:        h.addr,
		Source:      domain.WithdrawFromCredit,
		Amount:      big.NewInt(3_000),
		ValidAfter:  now.Add(-time.Minute),
		ValidBefore: now.Add(10 * time.Minute),
		Nonce:       nonceOf("withdraw-fail"),
	}
	sa := h.sign(t, auth)
	if _, err := h.relay.VerifyAndExecute(ctx, sa); err == nil {
		t.Fatal("withdraw succeeded despite submit failure")
	}

	// The debit was refunded and the nonce released, so the same
	// authorization is retryable.
	if got := h.creditBalance(t, h.addr); got.Cmp(big.NewInt(5_000)) != 0 {
		t.Errorf("credit balance = %s, want refunded 5000", got)
	}
	consumed, err := h.nonces.Consumed(ctx, h.addr, auth.Nonce)
	if err != nil {
		t.Fatal(err)
	}
	if consumed {
		t.Error("nonce still consumed after compensation")
	}

	h.chain.mu.Lock()
	h.chain.submitErr = nil
	h.chain.mu.Unlock()
	if _, err := h.relay.VerifyAndExecute(ctx, sa); err != nil {
		t.Fatalf("retry after chain recovery: %v", err)
	}
	if got := h.creditBalance(t, h.addr); got.Cmp(big.NewInt(2_000)) != 0 {
		t.Errorf("credit balance = %s, want 2000", got)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	now := h.clk.Now()
	auth := domain.Authorization{
		Action:      domain.AuthAction("stake"),
		From:        h.addr,
		Amount:      big.NewInt(1),
		ValidAfter:  now.Add(-time.Minute),
		ValidBefore: now.Add(10 * time.Minute),
		Nonce:       nonceOf("unknown-1"),
	}
	if _, err := h.relay.VerifyAndExecute(ctx, h.sign(t, auth)); err == nil {
		t.Fatal("unknown action accepted")
	}
	if h.reserver.held(h.addr, auth.Nonce) {
		t.Error("reservation not released after unknown action")
	}
}

func TestBatchSkipsAndReports(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.openMarket(t)
	h.fundCredit(h.addr, 25_000)

	good1 := h.sign(t, h.betAuth(id, 10_000, "batch-1"))
	bad := h.sign(t, h.betAuth(id, 10_000, "batch-2"))
	bad.Auth.Amount = big.NewInt(99_999) // breaks the signature
	good2 := h.sign(t, h.betAuth(id, 10_000, "batch-3"))
	broke := h.sign(t, h.betAuth(id, 10_000, "batch-4")) // balance exhausted by now

	results := h.relay.ExecuteBatch(ctx, []SignedAuthorization{good1, bad, good2, broke})
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}

	if !results[0].OK || !results[2].OK {
		t.Errorf("valid elements failed: %v, %v", results[0].Err, results[2].Err)
	}
	if results[1].OK || !errors.Is(results[1].Err, domain.ErrInvalidSignature) {
		t.Errorf("bad signature element = %+v, want ErrInvalidSignature", results[1])
	}
	if results[1].Retryable {
		t.Error("invalid signature marked retryable")
	}
	if results[3].OK || !errors.Is(results[3].Err, domain.ErrInsufficientCredit) {
		t.Errorf("underfunded element = %+v, want ErrInsufficientCredit", results[3])
	}
	if !results[3].Retryable {
		t.Error("insufficient credit should be retryable")
	}

	// Two bets of 10000 plus fees landed; the rest were skipped.
	m, err := h.eng.GetMarket(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalYesAmount.Cmp(big.NewInt(20_000)) != 0 {
		t.Errorf("yes pool = %s, want 20000", m.TotalYesAmount)
	}
}

func TestStatusReportsFacilitator(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MinBalance: big.NewInt(100)})

	st, err := h.relay.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Address != "0xfacilitator" {
		t.Errorf("address = %s, want 0xfacilitator", st.Address)
	}
	if !st.Available || st.Paused {
		t.Errorf("status = %+v, want available and not paused", st)
	}
	if st.FacilitatorFeeBps != 50 || st.PlatformFeeBps != 200 {
		t.Errorf("fees = %d/%d, want 50/200", st.FacilitatorFeeBps, st.PlatformFeeBps)
	}
	if st.MinBet.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("min bet = %s, want 10", st.MinBet)
	}
}
