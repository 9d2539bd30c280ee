package escrow

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// DefaultMaxWinners caps the fan-out of a single Close.
	DefaultMaxWinners = 64

	fullShare = 100
)

// ValidateShares checks a payout plan against the winner list.
func ValidateShares(winners [][20]byte, shares []uint32, maxWinners int) error {
	if len(winners) == 0 {
		return fmt.Errorf("%w: at least one winner required", ErrInvalidShares)
	}
	if maxWinners > 0 && len(winners) > maxWinners {
		return fmt.Errorf("%w: %d winners exceeds limit of %d", ErrTooManyWinners, len(winners), maxWinners)
	}
	if len(winners) != len(shares) {
		return fmt.Errorf("%w: %d winners but %d shares", ErrInvalidShares, len(winners), len(shares))
	}
	var sum uint64
	for i, share := range shares {
		if share > fullShare {
			return fmt.Errorf("%w: share %d is %d, above %d", ErrInvalidShares, i, share, fullShare)
		}
		sum += uint64(share)
	}
	if sum != fullShare {
		return fmt.Errorf("%w: shares sum to %d, want %d", ErrInvalidShares, sum, fullShare)
	}
	return nil
}

// ComputePayouts splits balance by percentage, rounding each payout down. The
// products are formed in 256 bits so balance*share never wraps. Whatever the
// floors leave behind is returned as the residual.
func ComputePayouts(balance uint64, shares []uint32) ([]uint64, uint64) {
	payouts := make([]uint64, len(shares))
	total := uint256.NewInt(balance)
	hundred := uint256.NewInt(fullShare)
	var paid uint64
	for i, share := range shares {
		amount := new(uint256.Int).Mul(total, uint256.NewInt(uint64(share)))
		amount.Div(amount, hundred)
		payouts[i] = amount.Uint64()
		paid += payouts[i]
	}
	return payouts, balance - paid
}
