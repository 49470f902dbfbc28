package settlement

import (
	"math"
	"math/bits"

	"predict-duel/internal/domain"
)

// CalculatePayout returns floor(stake * poolSize / winningPool).
// The product is taken in 128 bits, so any uint64 inputs are safe; the
// quotient must fit back into 64 bits. Remainders stay in escrow.
func CalculatePayout(stake, poolSize, winningPool uint64) (uint64, error) {
	if winningPool == 0 {
		return 0, ErrEmptyWinningPool
	}

	hi, lo := bits.Mul64(stake, poolSize)
	if hi >= winningPool {
		return 0, ErrArithmeticOverflow
	}
	quo, _ := bits.Div64(hi, lo, winningPool)
	if quo == 0 {
		return 0, ErrZeroPayout
	}
	return quo, nil
}

// PayoutFor computes the payout owed to p in the resolved market m.
// It checks outcome, winner and claim state but not escrow balance.
func PayoutFor(m *domain.Market, p *domain.Participant) (uint64, error) {
	if p.Claimed {
		return 0, ErrAlreadyClaimed
	}
	if m.Outcome == nil {
		return 0, ErrNoOutcome
	}
	outcome := *m.Outcome
	if p.Prediction != outcome {
		return 0, ErrNotAWinner
	}
	return CalculatePayout(p.Stake, m.PoolSize, m.WinningPool(outcome))
}

func addUint64(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrArithmeticOverflow
	}
	return a + b, nil
}

func incUint32(a uint32) (uint32, error) {
	if a == math.MaxUint32 {
		return 0, ErrArithmeticOverflow
	}
	return a + 1, nil
}
