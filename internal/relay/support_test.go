package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/pariflow/pariflow/internal/domain"
)

// memStore backs a test relay with in-memory settlement state. It implements
// domain.Ledger, domain.CreditStore, and domain.NonceStore over one mutex so
// nonce consumption is atomic with the transition that carries it, matching
// the postgres store.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	markets   map[int64]*domain.Market
	positions map[string]*domain.Position
	accounts  map[string]*big.Int
	credits   map[string]*big.Int
	deposits  map[string]bool
	nonces    map[string]bool
	feeSink   *big.Int
}

func newMemStore() *memStore {
	return &memStore{
		markets:   make(map[int64]*domain.Market),
		positions: make(map[string]*domain.Position),
		accounts:  make(map[string]*big.Int),
		credits:   make(map[string]*big.Int),
		deposits:  make(map[string]bool),
		nonces:    make(map[string]bool),
		feeSink:   new(big.Int),
	}
}

func posKey(marketID int64, address string) string {
	return fmt.Sprintf("%d/%s", marketID, address)
}

func nonceKey(signer string, nonce domain.Nonce) string {
	return signer + "/" + nonce.String()
}

func (s *memStore) balanceOf(m map[string]*big.Int, address string) *big.Int {
	if b, ok := m[address]; ok {
		return b
	}
	b := new(big.Int)
	m[address] = b
	return b
}

func (s *memStore) consumeLocked(c *domain.ConsumedNonce) error {
	if c == nil {
		return nil
	}
	key := nonceKey(c.Signer, c.Nonce)
	if s.nonces[key] {
		return domain.ErrNonceReused
	}
	s.nonces[key] = true
	return nil
}

// --- domain.Ledger ---

func (s *memStore) CreateMarket(_ context.Context, m domain.Market) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	m.TotalYesAmount = new(big.Int)
	m.TotalNoAmount = new(big.Int)
	s.markets[m.ID] = &m
	return m.ID, nil
}

func (s *memStore) GetMarket(_ context.Context, id int64) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	out := *m
	out.TotalYesAmount = new(big.Int).Set(m.TotalYesAmount)
	out.TotalNoAmount = new(big.Int).Set(m.TotalNoAmount)
	return out, nil
}

func (s *memStore) ListMarkets(_ context.Context, _ domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

func (s *memStore) MarketIDs(_ context.Context) ([]int64, error) { return nil, nil }

func (s *memStore) CountMarkets(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.markets)), nil
}

func (s *memStore) ListResolvedBefore(_ context.Context, _ time.Time) ([]domain.Market, error) {
	return nil, nil
}

func (s *memStore) ResolveMarket(_ context.Context, id int64, outcome bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Resolved {
		return domain.ErrAlreadyResolved
	}
	m.Resolved = true
	m.Outcome = outcome
	m.ResolvedAt = &at
	return nil
}

func (s *memStore) GetPosition(_ context.Context, marketID int64, address string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[posKey(marketID, address)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	out := *p
	out.YesAmount = new(big.Int).Set(p.YesAmount)
	out.NoAmount = new(big.Int).Set(p.NoAmount)
	return out, nil
}

func (s *memStore) ListPositions(_ context.Context, marketID int64) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) StakePosition(_ context.Context, p domain.StakeParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[p.MarketID]
	if !ok {
		return domain.ErrNotFound
	}

	debit := new(big.Int).Set(p.Amount)
	if p.Fee != nil && p.Fee.Sign() > 0 {
		debit.Add(debit, p.Fee)
	}

	source := s.accounts
	short := domain.ErrInsufficientFunds
	if p.Funding == domain.FundCredit {
		source = s.credits
		short = domain.ErrInsufficientCredit
	}
	bal := s.balanceOf(source, p.Address)
	if bal.Cmp(debit) < 0 {
		return short
	}

	if err := s.consumeLocked(p.Consume); err != nil {
		return err
	}

	bal.Sub(bal, debit)
	if p.Fee != nil && p.Fee.Sign() > 0 {
		s.feeSink.Add(s.feeSink, p.Fee)
	}

	if p.Side == domain.SideYes {
		m.TotalYesAmount.Add(m.TotalYesAmount, p.Amount)
	} else {
		m.TotalNoAmount.Add(m.TotalNoAmount, p.Amount)
	}

	key := posKey(p.MarketID, p.Address)
	pos, ok := s.positions[key]
	if !ok {
		np := domain.NewPosition(p.MarketID, p.Address)
		pos = &np
		s.positions[key] = pos
	}
	if p.Side == domain.SideYes {
		pos.YesAmount.Add(pos.YesAmount, p.Amount)
	} else {
		pos.NoAmount.Add(pos.NoAmount, p.Amount)
	}
	pos.UpdatedAt = p.Now
	return nil
}

func (s *memStore) SettleClaim(_ context.Context, p domain.ClaimParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[posKey(p.MarketID, p.Address)]
	if !ok {
		return domain.ErrNotFound
	}
	if pos.Claimed {
		return domain.ErrAlreadyClaimed
	}
	if err := s.consumeLocked(p.Consume); err != nil {
		return err
	}

	pos.Claimed = true
	now := p.Now
	pos.ClaimedAt = &now

	net := new(big.Int).Sub(p.Payout, p.Fee)
	bal := s.balanceOf(s.accounts, p.Address)
	bal.Add(bal, net)
	s.feeSink.Add(s.feeSink, p.Fee)
	return nil
}

func (s *memStore) AccountBalance(_ context.Context, address string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balanceOf(s.accounts, address)), nil
}

func (s *memStore) CreditFunds(_ context.Context, d domain.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deposits[d.TxHash] {
		return domain.ErrDepositAlreadyCredited
	}
	s.deposits[d.TxHash] = true
	target := s.credits
	if d.Target == domain.FundAccount {
		target = s.accounts
	}
	bal := s.balanceOf(target, d.Address)
	bal.Add(bal, d.Amount)
	return nil
}

func (s *memStore) DebitAccount(_ context.Context, address string, amount *big.Int, consume *domain.ConsumedNonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balanceOf(s.accounts, address)
	if bal.Cmp(amount) < 0 {
		return domain.ErrInsufficientFunds
	}
	if err := s.consumeLocked(consume); err != nil {
		return err
	}
	bal.Sub(bal, amount)
	return nil
}

func (s *memStore) RefundAccount(_ context.Context, address string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balanceOf(s.accounts, address)
	bal.Add(bal, amount)
	return nil
}

var _ domain.Ledger = (*memStore)(nil)

// --- domain.CreditStore ---

type memCredits struct {
	s *memStore
}

func (c *memCredits) Balance(_ context.Context, address string) (*big.Int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return new(big.Int).Set(c.s.balanceOf(c.s.credits, address)), nil
}

func (c *memCredits) Debit(_ context.Context, address string, amount *big.Int, consume *domain.ConsumedNonce) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	bal := c.s.balanceOf(c.s.credits, address)
	if bal.Cmp(amount) < 0 {
		return domain.ErrInsufficientCredit
	}
	if err := c.s.consumeLocked(consume); err != nil {
		return err
	}
	bal.Sub(bal, amount)
	return nil
}

func (c *memCredits) Refund(_ context.Context, address string, amount *big.Int) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	bal := c.s.balanceOf(c.s.credits, address)
	bal.Add(bal, amount)
	return nil
}

var _ domain.CreditStore = (*memCredits)(nil)

// --- domain.NonceStore ---

type memNonces struct {
	s *memStore
}

func (n *memNonces) Consumed(_ context.Context, signer string, nonce domain.Nonce) (bool, error) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	return n.s.nonces[nonceKey(signer, nonce)], nil
}

func (n *memNonces) Remove(_ context.Context, signer string, nonce domain.Nonce) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	delete(n.s.nonces, nonceKey(signer, nonce))
	return nil
}

var _ domain.NonceStore = (*memNonces)(nil)

// --- domain.NonceReserver ---

type memReserver struct {
	mu       sync.Mutex
	inflight map[string]bool
}

func newMemReserver() *memReserver {
	return &memReserver{inflight: make(map[string]bool)}
}

func (r *memReserver) Reserve(_ context.Context, signer string, nonce domain.Nonce, _ time.Duration) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := nonceKey(signer, nonce)
	if r.inflight[key] {
		return nil, domain.ErrNonceReused
	}
	r.inflight[key] = true
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.inflight, key)
	}, nil
}

func (r *memReserver) held(signer string, nonce domain.Nonce) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[nonceKey(signer, nonce)]
}

var _ domain.NonceReserver = (*memReserver)(nil)

// --- domain.LockManager ---

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]bool)}
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

var _ domain.LockManager = (*memLocks)(nil)

// --- domain.RateLimiter ---

// stubLimiter allows the first n calls per key.
type stubLimiter struct {
	mu    sync.Mutex
	n     int
	calls map[string]int
}

func newStubLimiter(n int) *stubLimiter {
	return &stubLimiter{n: n, calls: make(map[string]int)}
}

func (l *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[key]++
	return l.calls[key] <= l.n, nil
}

var _ domain.RateLimiter = (*stubLimiter)(nil)

// --- domain.ChainClient ---

// fakeChain is a scripted chain client.
type fakeChain struct {
	mu          sync.Mutex
	facilitator string
	balance     *big.Int
	transfers   map[string]domain.Transfer
	submitErr   error
	submitted   []domain.Transfer
	nextTx      int
}

func newFakeChain(facilitator string) *fakeChain {
	return &fakeChain{
		facilitator: facilitator,
		balance:     big.NewInt(1_000_000_000),
		transfers:   make(map[string]domain.Transfer),
	}
}

func (c *fakeChain) addTransfer(t domain.Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers[t.TxHash] = t
}

func (c *fakeChain) VerifyTransfer(_ context.Context, txHash string) (domain.Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transfers[txHash]
	if !ok {
		return domain.Transfer{}, domain.ErrTxNotConfirmed
	}
	return t, nil
}

func (c *fakeChain) SubmitTransfer(_ context.Context, to string, amount *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return "", c.submitErr
	}
	c.nextTx++
	hash := fmt.Sprintf("0xsubmitted%04d", c.nextTx)
	c.submitted = append(c.submitted, domain.Transfer{
		TxHash: hash,
		From:   c.facilitator,
		To:     to,
		Amount: new(big.Int).Set(amount),
	})
	return hash, nil
}

func (c *fakeChain) Balance(_ context.Context, _ string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance), nil
}

func (c *fakeChain) FacilitatorAddress() string {
	return c.facilitator
}

var _ domain.ChainClient = (*fakeChain)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
