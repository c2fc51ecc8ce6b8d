package domain

import "errors"

// Sentinel errors shared across the engine, relay, and stores. The HTTP layer
// maps these to stable error codes; everything else wraps them with %w.
var (
	ErrNotFound       = errors.New("not found")
	ErrMarketNotFound = errors.New("market not found")

	// Market validation.
	ErrEmptyQuestion          = errors.New("question must not be empty")
	ErrEndTimeInPast          = errors.New("end time must be in the future")
	ErrInsufficientReputation = errors.New("insufficient reputation to create market")
	ErrBelowMinBet            = errors.New("bet below minimum stake")
	ErrInvalidSide            = errors.New("invalid position side")
	ErrMarketEnded            = errors.New("market betting window has ended")

	// Resolution and claiming.
	ErrAlreadyResolved      = errors.New("market already resolved")
	ErrNotResolved          = errors.New("market not yet resolved")
	ErrMarketNotEnded       = errors.New("market has not ended yet")
	ErrUnauthorizedResolver = errors.New("caller is not an authorized resolver")
	ErrAlreadyClaimed       = errors.New("winnings already claimed")
	ErrNothingToClaim       = errors.New("no winnings to claim")

	// Gasless authorizations.
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNonceReused      = errors.New("nonce already used")
	ErrAuthExpired      = errors.New("authorization expired")
	ErrAuthNotYetValid  = errors.New("authorization not yet valid")

	// Funds.
	ErrInsufficientFunds      = errors.New("insufficient account balance")
	ErrInsufficientCredit     = errors.New("insufficient credit balance")
	ErrDepositAlreadyCredited = errors.New("deposit transaction already credited")
	ErrDepositMismatch        = errors.New("deposit transaction does not match claimed transfer")
	ErrTxNotConfirmed         = errors.New("transaction not confirmed on chain")
	ErrFacilitatorPaused      = errors.New("facilitator unavailable")

	// Infrastructure.
	ErrLockHeld    = errors.New("lock already held")
	ErrRateLimited = errors.New("rate limited")
)

// Retryable reports whether the error describes a transient condition the
// caller may retry with the same parameters (under a fresh nonce where one is
// involved). Permanent state conflicts return false.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrLockHeld),
		errors.Is(err, ErrFacilitatorPaused),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientCredit):
		return true
	default:
		return false
	}
}
