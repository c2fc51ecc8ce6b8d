package domain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// AuthAction enumerates the operations a user can authorize by signature.
type AuthAction string

const (
	AuthActionBet      AuthAction = "bet"
	AuthActionClaim    AuthAction = "claim"
	AuthActionWithdraw AuthAction = "withdraw"
)

// WithdrawSource selects which balance a withdraw authorization draws from.
type WithdrawSource uint8

const (
	WithdrawFromCredit  WithdrawSource = 0
	WithdrawFromAccount WithdrawSource = 1
)

// Nonce is the caller-chosen 32-byte single-use value attached to every
// signed authorization.
type Nonce [32]byte

// ParseNonce decodes a 0x-prefixed 64-character hex string.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return n, fmt.Errorf("domain: invalid nonce hex: %w", err)
	}
	if len(raw) != 32 {
		return n, fmt.Errorf("domain: nonce must be 32 bytes, got %d", len(raw))
	}
	copy(n[:], raw)
	return n, nil
}

// String returns the 0x-prefixed hex encoding.
func (n Nonce) String() string {
	return "0x" + hex.EncodeToString(n[:])
}

// Authorization is a signed, time-bounded instruction from a user. It is
// ephemeral: only the (signer, nonce) pair persists once consumed.
type Authorization struct {
	Action AuthAction
	From   string // authorizing address, must match the recovered signer

	// Bet fields.
	MarketID int64
	Position Side
	Amount   *big.Int // bet or withdraw amount in wei

	// Withdraw fields.
	Source WithdrawSource

	ValidAfter  time.Time
	ValidBefore time.Time
	Nonce       Nonce
}

// ResolutionAttestation is the payload a resolver signs to finalize a
// market. Resolver identity comes from signature recovery, never from the
// transport, so the allow-list check binds to whoever holds the key.
type ResolutionAttestation struct {
	Resolver string // claimed resolver address, must match the recovered signer
	MarketID int64
	Outcome  bool
}

// CheckWindow validates the authorization's time bounds at the given instant.
func (a Authorization) CheckWindow(now time.Time) error {
	if now.Before(a.ValidAfter) {
		return ErrAuthNotYetValid
	}
	if !now.Before(a.ValidBefore) {
		return ErrAuthExpired
	}
	return nil
}
