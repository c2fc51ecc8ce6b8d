package domain

import (
	"math/big"
	"time"
)

// FundSource selects which balance funds a stake.
type FundSource string

const (
	FundAccount FundSource = "account" // on-ledger account, direct bets
	FundCredit  FundSource = "credit"  // facilitator-held credit pool, gasless bets
)

// Deposit is a verified on-chain transfer credited to a user's balance.
// TxHash is unique: a chain transaction can be credited at most once.
type Deposit struct {
	TxHash     string
	Address    string
	Amount     *big.Int
	Target     FundSource
	CreditedAt time.Time
}

// FacilitatorStatus is the relay's availability report.
type FacilitatorStatus struct {
	Available         bool     `json:"available"`
	Paused            bool     `json:"paused"`
	Address           string   `json:"address"`
	Balance           *big.Int `json:"balance"`
	MinBalance        *big.Int `json:"min_balance"`
	MinBet            *big.Int `json:"min_bet"`
	FacilitatorFeeBps int64    `json:"facilitator_fee_bps"`
	PlatformFeeBps    int64    `json:"platform_fee_bps"`
}
