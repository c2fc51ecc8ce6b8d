package engine

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

// memLedger is an in-memory domain.Ledger with the same transactional
// semantics as the postgres store: a failed transition leaves no partial
// effect, and attached nonce consumption commits with the transition.
type memLedger struct {
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

func newMemLedger() *memLedger {
	return &memLedger{
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

func (l *memLedger) fund(address string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[address] = big.NewInt(amount)
}

func (l *memLedger) fundCredit(address string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits[address] = big.NewInt(amount)
}

func (l *memLedger) balanceOf(m map[string]*big.Int, address string) *big.Int {
	if b, ok := m[address]; ok {
		return b
	}
	b := new(big.Int)
	m[address] = b
	return b
}

func (l *memLedger) CreateMarket(_ context.Context, m domain.Market) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	m.ID = l.nextID
	m.TotalYesAmount = new(big.Int)
	m.TotalNoAmount = new(big.Int)
	l.markets[m.ID] = &m
	return m.ID, nil
}

func (l *memLedger) GetMarket(_ context.Context, id int64) (domain.Market, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	out := *m
	out.TotalYesAmount = new(big.Int).Set(m.TotalYesAmount)
	out.TotalNoAmount = new(big.Int).Set(m.TotalNoAmount)
	return out, nil
}

func (l *memLedger) ListMarkets(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Market
	for id := int64(1); id <= l.nextID; id++ {
		if m, ok := l.markets[id]; ok {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (l *memLedger) MarketIDs(_ context.Context) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []int64
	for id := range l.markets {
		ids = append(ids, id)
	}
	return ids, nil
}

func (l *memLedger) CountMarkets(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.markets)), nil
}

func (l *memLedger) ListResolvedBefore(_ context.Context, cutoff time.Time) ([]domain.Market, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Market
	for _, m := range l.markets {
		if m.Resolved && m.ResolvedAt != nil && m.ResolvedAt.Before(cutoff) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (l *memLedger) ResolveMarket(_ context.Context, id int64, outcome bool, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.markets[id]
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

func (l *memLedger) GetPosition(_ context.Context, marketID int64, address string) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[posKey(marketID, address)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	out := *p
	out.YesAmount = new(big.Int).Set(p.YesAmount)
	out.NoAmount = new(big.Int).Set(p.NoAmount)
	return out, nil
}

func (l *memLedger) ListPositions(_ context.Context, marketID int64) ([]domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Position
	for _, p := range l.positions {
		if p.MarketID == marketID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (l *memLedger) StakePosition(_ context.Context, p domain.StakeParams) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.markets[p.MarketID]
	if !ok {
		return domain.ErrNotFound
	}

	debit := new(big.Int).Set(p.Amount)
	if p.Fee != nil && p.Fee.Sign() > 0 {
		debit.Add(debit, p.Fee)
	}

	source := l.accounts
	short := domain.ErrInsufficientFunds
	if p.Funding == domain.FundCredit {
		source = l.credits
		short = domain.ErrInsufficientCredit
	}
	bal := l.balanceOf(source, p.Address)
	if bal.Cmp(debit) < 0 {
		return short
	}

	if p.Consume != nil {
		key := nonceKey(p.Consume.Signer, p.Consume.Nonce)
		if l.nonces[key] {
			return domain.ErrNonceReused
		}
		l.nonces[key] = true
	}

	bal.Sub(bal, debit)
	if p.Fee != nil && p.Fee.Sign() > 0 {
		l.feeSink.Add(l.feeSink, p.Fee)
	}

	if p.Side == domain.SideYes {
		m.TotalYesAmount.Add(m.TotalYesAmount, p.Amount)
	} else {
		m.TotalNoAmount.Add(m.TotalNoAmount, p.Amount)
	}

	key := posKey(p.MarketID, p.Address)
	pos, ok := l.positions[key]
	if !ok {
		np := domain.NewPosition(p.MarketID, p.Address)
		pos = &np
		l.positions[key] = pos
	}
	if p.Side == domain.SideYes {
		pos.YesAmount.Add(pos.YesAmount, p.Amount)
	} else {
		pos.NoAmount.Add(pos.NoAmount, p.Amount)
	}
	pos.UpdatedAt = p.Now
	return nil
}

func (l *memLedger) SettleClaim(_ context.Context, p domain.ClaimParams) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[posKey(p.MarketID, p.Address)]
	if !ok {
		return domain.ErrNotFound
	}
	if pos.Claimed {
		return domain.ErrAlreadyClaimed
	}

	if p.Consume != nil {
		key := nonceKey(p.Consume.Signer, p.Consume.Nonce)
		if l.nonces[key] {
			return domain.ErrNonceReused
		}
		l.nonces[key] = true
	}

	pos.Claimed = true
	now := p.Now
	pos.ClaimedAt = &now

	net := new(big.Int).Sub(p.Payout, p.Fee)
	bal := l.balanceOf(l.accounts, p.Address)
	bal.Add(bal, net)
	l.feeSink.Add(l.feeSink, p.Fee)
	return nil
}

func (l *memLedger) AccountBalance(_ context.Context, address string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceOf(l.accounts, address)), nil
}

func (l *memLedger) CreditFunds(_ context.Context, d domain.Deposit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deposits[d.TxHash] {
		return domain.ErrDepositAlreadyCredited
	}
	l.deposits[d.TxHash] = true
	target := l.credits
	if d.Target == domain.FundAccount {
		target = l.accounts
	}
	bal := l.balanceOf(target, d.Address)
	bal.Add(bal, d.Amount)
	return nil
}

func (l *memLedger) DebitAccount(_ context.Context, address string, amount *big.Int, consume *domain.ConsumedNonce) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceOf(l.accounts, address)
	if bal.Cmp(amount) < 0 {
		return domain.ErrInsufficientFunds
	}
	if consume != nil {
		key := nonceKey(consume.Signer, consume.Nonce)
		if l.nonces[key] {
			return domain.ErrNonceReused
		}
		l.nonces[key] = true
	}
	bal.Sub(bal, amount)
	return nil
}

func (l *memLedger) RefundAccount(_ context.Context, address string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceOf(l.accounts, address)
	bal.Add(bal, amount)
	return nil
}

var _ domain.Ledger = (*memLedger)(nil)

// memCredits exposes the ledger's credit balances as a domain.CreditStore.
type memCredits struct {
	l *memLedger
}

func (c *memCredits) Balance(_ context.Context, address string) (*big.Int, error) {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	return new(big.Int).Set(c.l.balanceOf(c.l.credits, address)), nil
}

func (c *memCredits) Debit(_ context.Context, address string, amount *big.Int, consume *domain.ConsumedNonce) error {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	bal := c.l.balanceOf(c.l.credits, address)
	if bal.Cmp(amount) < 0 {
		return domain.ErrInsufficientCredit
	}
	if consume != nil {
		key := nonceKey(consume.Signer, consume.Nonce)
		if c.l.nonces[key] {
			return domain.ErrNonceReused
		}
		c.l.nonces[key] = true
	}
	bal.Sub(bal, amount)
	return nil
}

func (c *memCredits) Refund(_ context.Context, address string, amount *big.Int) error {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	bal := c.l.balanceOf(c.l.credits, address)
	bal.Add(bal, amount)
	return nil
}

var _ domain.CreditStore = (*memCredits)(nil)

// memReputation is an in-memory domain.ReputationStore.
type memReputation struct {
	mu     sync.Mutex
	scores map[string]int64
}

func newMemReputation() *memReputation {
	return &memReputation{scores: make(map[string]int64)}
}

func (r *memReputation) Score(_ context.Context, address string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scores[address], nil
}

func (r *memReputation) Adjust(_ context.Context, address string, delta int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[address] += delta
	return r.scores[address], nil
}

var _ domain.ReputationStore = (*memReputation)(nil)

// memResolvers is an in-memory domain.ResolverStore.
type memResolvers struct {
	mu         sync.Mutex
	authorized map[string]bool
}

func newMemResolvers() *memResolvers {
	return &memResolvers{authorized: make(map[string]bool)}
}

func (r *memResolvers) SetAuthorized(_ context.Context, address string, authorized bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if authorized {
		r.authorized[address] = true
	} else {
		delete(r.authorized, address)
	}
	return nil
}

func (r *memResolvers) IsAuthorized(_ context.Context, address string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authorized[address], nil
}

func (r *memResolvers) List(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for addr := range r.authorized {
		out = append(out, addr)
	}
	return out, nil
}

var _ domain.ResolverStore = (*memResolvers)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestEngine builds an engine over fresh in-memory stores with a fixed
// clock starting at base.
func newTestEngine(cfg Config, base time.Time) (*Engine, *memLedger, *clockStub) {
	ledger := newMemLedger()
	clk := &clockStub{now: base}
	eng := New(ledger, &memCredits{l: ledger}, nil, nil, nil, nil, cfg, testLogger()).
		WithClock(clk.Now)
	return eng, ledger, clk
}

// clockStub is a manually advanced time source.
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
