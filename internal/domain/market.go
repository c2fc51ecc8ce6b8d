// Package domain defines the core types, errors, and interfaces shared by the
// settlement engine, the gasless relay, and their storage backends.
package domain

import (
	"math/big"
	"time"
)

// Side identifies which outcome of a binary market a stake backs.
type Side uint8

const (
	SideYes Side = 0
	SideNo  Side = 1
)

// String returns "yes" or "no".
func (s Side) String() string {
	if s == SideYes {
		return "yes"
	}
	return "no"
}

// Valid reports whether the side is one of the two defined values.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// OddsScale is the basis-point denominator used for odds and fees.
const OddsScale = 10_000

// Market is a binary-outcome pari-mutuel market. Records are append-only:
// positions mutate the pool totals until EndTime, resolution mutates the
// outcome fields exactly once, and nothing is ever deleted.
type Market struct {
	ID              int64
	Question        string
	Description     string
	Category        string
	Creator         string
	EndTime         time.Time
	TotalYesAmount  *big.Int
	TotalNoAmount   *big.Int
	Resolved        bool
	Outcome         bool // meaningful only when Resolved
	ResolvedAt      *time.Time
	AIOracleEnabled bool
	CreatedAt       time.Time
}

// Pool returns the combined stake on both sides.
func (m Market) Pool() *big.Int {
	return new(big.Int).Add(m.TotalYesAmount, m.TotalNoAmount)
}

// Odds returns the implied probability of each side in basis points.
// yes + no == OddsScale always; an empty pool reports 5000/5000.
func (m Market) Odds() (yes, no int64) {
	pool := m.Pool()
	if pool.Sign() == 0 {
		return OddsScale / 2, OddsScale / 2
	}
	y := new(big.Int).Mul(m.TotalYesAmount, big.NewInt(OddsScale))
	y.Quo(y, pool)
	yes = y.Int64()
	return yes, OddsScale - yes
}

// Ended reports whether the betting window has closed at the given instant.
func (m Market) Ended(now time.Time) bool {
	return !now.Before(m.EndTime)
}
