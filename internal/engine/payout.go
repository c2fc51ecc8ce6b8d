package engine

import (
	"math/big"

	"github.com/pariflow/pariflow/internal/domain"
)

// Payout computes the gross pari-mutuel payout for a position on a resolved
// market:
//
//	payout = stake + stake * losingPool / winningPool
//
// principal back plus a pro-rata share of the entire losing pool. Integer
// division floors each winner's share, so the sum of all payouts never
// exceeds the combined pool.
//
// When the winning pool is empty (nobody staked the winning side) every
// staked position is refunded its full principal instead; refund reports
// that case so the caller can skip the platform fee.
func Payout(m domain.Market, pos domain.Position) (amount *big.Int, refund bool) {
	winningTotal, losingTotal := m.TotalYesAmount, m.TotalNoAmount
	winSide := domain.SideYes
	if !m.Outcome {
		winningTotal, losingTotal = m.TotalNoAmount, m.TotalYesAmount
		winSide = domain.SideNo
	}

	if winningTotal.Sign() == 0 {
		total := new(big.Int).Add(pos.YesAmount, pos.NoAmount)
		return total, total.Sign() > 0
	}

	stake := pos.Stake(winSide)
	if stake == nil || stake.Sign() == 0 {
		return new(big.Int), false
	}

	share := new(big.Int).Mul(stake, losingTotal)
	share.Quo(share, winningTotal)
	return share.Add(share, stake), false
}
