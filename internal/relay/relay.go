// Package relay implements the gasless execution path: signed authorizations
// are verified, guarded against replay, and executed against the engine on
// behalf of users who never touch gas. The credit pool that funds those
// executions lives here too.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pariflow/pariflow/internal/domain"
	"github.com/pariflow/pariflow/internal/engine"
)

// Default guards around one execution attempt.
const (
	defaultReservationTTL = 2 * time.Minute
	defaultLockTTL        = 30 * time.Second
	defaultRateLimit      = 30
	defaultRateWindow     = time.Minute

	solvencyCheckInterval = 30 * time.Second
)

// SignatureVerifier checks that a signed authorization recovers to its
// claimed signer.
type SignatureVerifier interface {
	Verify(auth domain.Authorization, signatureHex string) error
}

// Config holds the relay's operational parameters.
type Config struct {
	// ReservationTTL bounds how long an in-flight nonce reservation survives
	// a crashed attempt before the authorization becomes retryable again.
	ReservationTTL time.Duration
	// LockTTL bounds the per-user execution lock.
	LockTTL time.Duration
	// RateLimit and RateWindow throttle executions per signer address.
	RateLimit  int
	RateWindow time.Duration
	// MinBalance is the facilitator solvency floor in wei. At or below it the
	// relay refuses new executions.
	MinBalance *big.Int
	// FacilitatorFeeBps is charged on relayed bets, in basis points.
	FacilitatorFeeBps int64
}

func (c *Config) applyDefaults() {
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = defaultReservationTTL
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	if c.MinBalance == nil {
		c.MinBalance = new(big.Int)
	}
}

// Relay verifies and executes signed authorizations. Every execution walks
// the same guard sequence: rate limit, solvency, validity window, nonce
// reservation, durable-consumption check, signature recovery, then the engine
// action with the nonce consumed inside the action's own transaction. A
// failure after reservation releases it, so the authorization stays usable.
type Relay struct {
	verifier SignatureVerifier
	pool     *CreditPool
	eng      *engine.Engine
	nonces   domain.NonceStore
	reserver domain.NonceReserver
	locks    domain.LockManager
	limiter  domain.RateLimiter
	chain    domain.ChainClient
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time

	paused atomic.Bool

	// Solvency probe result, refreshed at most every solvencyCheckInterval.
	solventUntil atomic.Int64
	solvent      atomic.Bool
}

// New creates a Relay. locks and limiter may be nil, in which case those
// guards are skipped.
func New(
	verifier SignatureVerifier,
	pool *CreditPool,
	eng *engine.Engine,
	nonces domain.NonceStore,
	reserver domain.NonceReserver,
	locks domain.LockManager,
	limiter domain.RateLimiter,
	chain domain.ChainClient,
	cfg Config,
	logger *slog.Logger,
) *Relay {
	cfg.applyDefaults()
	r := &Relay{
		verifier: verifier,
		pool:     pool,
		eng:      eng,
		nonces:   nonces,
		reserver: reserver,
		locks:    locks,
		limiter:  limiter,
		chain:    chain,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "relay")),
		clock:    time.Now,
	}
	r.solvent.Store(true)
	return r
}

// WithClock overrides the relay's time source. Tests only.
func (r *Relay) WithClock(clock func() time.Time) *Relay {
	r.clock = clock
	return r
}

// SetPaused toggles the administrative pause independent of solvency.
func (r *Relay) SetPaused(paused bool) {
	r.paused.Store(paused)
	r.logger.Info("facilitator pause toggled", slog.Bool("paused", paused))
}

// Paused reports the administrative pause flag.
func (r *Relay) Paused() bool {
	return r.paused.Load()
}

// SignedAuthorization pairs an authorization with its signature.
type SignedAuthorization struct {
	Auth      domain.Authorization
	Signature string
}

// ExecuteResult reports one successful execution.
type ExecuteResult struct {
	Action   domain.AuthAction
	MarketID int64
	Claim    *engine.ClaimResult // claim only
	TxHash   string              // withdraw only
}

// VerifyAndExecute runs the full guard sequence and dispatches the
// authorized action. On success the nonce is durably consumed; on failure
// the in-flight reservation is released and nothing is spent.
func (r *Relay) VerifyAndExecute(ctx context.Context, sa SignedAuthorization) (ExecuteResult, error) {
	auth := sa.Auth
	auth.From = strings.ToLower(auth.From)
	now := r.clock()

	if r.limiter != nil {
		allowed, err := r.limiter.Allow(ctx, "relay:"+auth.From, r.cfg.RateLimit, r.cfg.RateWindow)
		if err != nil {
			return ExecuteResult{}, fmt.Errorf("relay: rate limit check: %w", err)
		}
		if !allowed {
			return ExecuteResult{}, domain.ErrRateLimited
		}
	}

	if !r.Available(ctx) {
		return ExecuteResult{}, domain.ErrFacilitatorPaused
	}

	if err := auth.CheckWindow(now); err != nil {
		return ExecuteResult{}, err
	}

	release, err := r.reserver.Reserve(ctx, auth.From, auth.Nonce, r.cfg.ReservationTTL)
	if err != nil {
		return ExecuteResult{}, err
	}

	res, err := r.executeReserved(ctx, auth, sa.Signature)
	if err != nil {
		release()
		return ExecuteResult{}, err
	}
	return res, nil
}

// executeReserved runs the post-reservation steps. The caller releases the
// reservation if this returns an error.
func (r *Relay) executeReserved(ctx context.Context, auth domain.Authorization, signature string) (ExecuteResult, error) {
	// The reservation only covers in-flight attempts; a nonce spent in a
	// previous, completed execution lives in the durable store.
	consumed, err := r.nonces.Consumed(ctx, auth.From, auth.Nonce)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("relay: nonce lookup: %w", err)
	}
	if consumed {
		return ExecuteResult{}, domain.ErrNonceReused
	}

	if err := r.verifier.Verify(auth, signature); err != nil {
		return ExecuteResult{}, err
	}

	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, "user:"+auth.From, r.cfg.LockTTL)
		if err != nil {
			return ExecuteResult{}, err
		}
		defer unlock()
	}

	consume := &domain.ConsumedNonce{Signer: auth.From, Nonce: auth.Nonce}

	switch auth.Action {
	case domain.AuthActionBet:
		if err := r.pool.GaslessBet(ctx, auth, consume); err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Action: auth.Action, MarketID: auth.MarketID}, nil

	case domain.AuthActionClaim:
		claim, err := r.eng.ClaimWinnings(ctx, auth.MarketID, auth.From, consume)
		if err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Action: auth.Action, MarketID: auth.MarketID, Claim: &claim}, nil

	case domain.AuthActionWithdraw:
		txHash, err := r.pool.Withdraw(ctx, auth, consume)
		if err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Action: auth.Action, TxHash: txHash}, nil

	default:
		return ExecuteResult{}, fmt.Errorf("relay: unknown action %q", auth.Action)
	}
}

// BatchResult reports the outcome of one element of a batch.
type BatchResult struct {
	Index     int
	OK        bool
	Result    ExecuteResult
	Err       error
	Retryable bool
}

// ExecuteBatch runs each authorization independently. A failed element is
// skipped and reported; it never blocks the rest of the batch.
func (r *Relay) ExecuteBatch(ctx context.Context, batch []SignedAuthorization) []BatchResult {
	results := make([]BatchResult, len(batch))
	for i, sa := range batch {
		res, err := r.VerifyAndExecute(ctx, sa)
		results[i] = BatchResult{
			Index:     i,
			OK:        err == nil,
			Result:    res,
			Err:       err,
			Retryable: err != nil && domain.Retryable(err),
		}
		if err != nil {
			r.logger.WarnContext(ctx, "batch element failed",
				slog.Int("index", i),
				slog.String("action", string(sa.Auth.Action)),
				slog.String("error", err.Error()),
			)
		}
	}
	return results
}

// Available reports whether the relay accepts executions: not paused and the
// facilitator balance is above the solvency floor. The balance probe is
// cached briefly so the hot path does not hit the chain per request.
func (r *Relay) Available(ctx context.Context) bool {
	if r.paused.Load() {
		return false
	}
	if r.cfg.MinBalance.Sign() == 0 || r.chain == nil {
		return true
	}

	now := r.clock().UnixNano()
	if now < r.solventUntil.Load() {
		return r.solvent.Load()
	}

	bal, err := r.chain.Balance(ctx, r.chain.FacilitatorAddress())
	if err != nil {
		// Fail open on probe errors; the next interval retries.
		r.logger.WarnContext(ctx, "solvency probe failed", slog.String("error", err.Error()))
		return r.solvent.Load()
	}

	solvent := bal.Cmp(r.cfg.MinBalance) >= 0
	r.solvent.Store(solvent)
	r.solventUntil.Store(now + solvencyCheckInterval.Nanoseconds())
	if !solvent {
		r.logger.WarnContext(ctx, "facilitator below solvency floor",
			slog.String("balance", bal.String()),
			slog.String("min_balance", r.cfg.MinBalance.String()),
		)
	}
	return solvent
}

// Status reports the facilitator's availability and fee schedule.
func (r *Relay) Status(ctx context.Context) (domain.FacilitatorStatus, error) {
	st := domain.FacilitatorStatus{
		Paused:            r.paused.Load(),
		MinBalance:        r.cfg.MinBalance,
		FacilitatorFeeBps: r.cfg.FacilitatorFeeBps,
	}
	if r.pool != nil {
		st.MinBet = r.pool.MinBet()
		st.PlatformFeeBps = r.pool.PlatformFeeBps()
	}
	if r.chain != nil {
		st.Address = r.chain.FacilitatorAddress()
		bal, err := r.chain.Balance(ctx, st.Address)
		if err != nil {
			return domain.FacilitatorStatus{}, fmt.Errorf("relay: facilitator balance: %w", err)
		}
		st.Balance = bal
	}
	st.Available = r.Available(ctx)
	return st, nil
}
