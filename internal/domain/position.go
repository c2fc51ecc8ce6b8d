package domain

import (
	"math/big"
	"time"
)

// Position is a user's cumulative stake on a market. A user may hold both
// sides at once; Claimed flips false -> true at most once, after resolution.
type Position struct {
	MarketID  int64
	Address   string
	YesAmount *big.Int
	NoAmount  *big.Int
	Claimed   bool
	ClaimedAt *time.Time
	UpdatedAt time.Time
}

// Stake returns the position's stake on the given side.
func (p Position) Stake(side Side) *big.Int {
	if side == SideYes {
		return p.YesAmount
	}
	return p.NoAmount
}

// Empty reports whether the position holds no stake on either side.
func (p Position) Empty() bool {
	return (p.YesAmount == nil || p.YesAmount.Sign() == 0) &&
		(p.NoAmount == nil || p.NoAmount.Sign() == 0)
}

// NewPosition returns a zeroed position for the given market and address.
func NewPosition(marketID int64, address string) Position {
	return Position{
		MarketID:  marketID,
		Address:   address,
		YesAmount: new(big.Int),
		NoAmount:  new(big.Int),
	}
}
