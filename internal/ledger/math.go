package ledger

import "math/bits"

// rateDivisor converts basis points to a fraction: 10000 bps = 100%.
const rateDivisor = 10_000

func addU64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrAmountOverflow
	}
	return sum, nil
}

// interestDue computes the flat repayment amount for a receipt:
// principal + floor(principal*rate/10000). The intermediate product is
// computed in 128 bits so no principal/rate combination wraps silently.
func interestDue(principal uint64, rateBps uint16) (uint64, error) {
	hi, lo := bits.Mul64(principal, uint64(rateBps))
	if hi >= rateDivisor {
		return 0, ErrAmountOverflow
	}
	interest, _ := bits.Div64(hi, lo, rateDivisor)
	return addU64(principal, interest)
}
