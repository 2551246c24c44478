// Package liquidity converts concentrated-liquidity positions into token amounts.
package liquidity

import (
	"math/big"

	"github.com/agent-valuator/internal/fixedpoint"
)

var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// Amount0ForLiquidity returns the token0 amount held by liquidity between two sqrt prices:
// liquidity * 2^96 * (upper - lower) / upper / lower
func Amount0ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	if isZero(sqrtA) || isZero(sqrtB) || isZero(liquidity) {
		return new(big.Int)
	}

	lower, upper := orderBounds(sqrtA, sqrtB)
	if lower.Cmp(upper) == 0 {
		return new(big.Int)
	}

	amount := new(big.Int).Lsh(liquidity, 96)
	amount.Mul(amount, new(big.Int).Sub(upper, lower))
	amount.Quo(amount, upper)
	return amount.Quo(amount, lower)
}

// Amount1ForLiquidity returns the token1 amount held by liquidity between two sqrt prices:
// liquidity * (upper - lower) / 2^96
func Amount1ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	if sqrtA == nil || sqrtB == nil || isZero(liquidity) {
		return new(big.Int)
	}

	lower, upper := orderBounds(sqrtA, sqrtB)

	amount := new(big.Int).Mul(liquidity, new(big.Int).Sub(upper, lower))
	return amount.Quo(amount, q96)
}

// AmountsForLiquidity splits liquidity into token0 and token1 amounts at the current price.
// Below the range everything is token0, above it everything is token1.
func AmountsForLiquidity(sqrtCurrent, sqrtA, sqrtB, liquidity *big.Int) (amount0, amount1 *big.Int) {
	amount0, amount1 = new(big.Int), new(big.Int)
	if sqrtCurrent == nil || sqrtA == nil || sqrtB == nil || liquidity == nil {
		return amount0, amount1
	}

	lower, upper := orderBounds(sqrtA, sqrtB)
	if lower.Cmp(upper) == 0 {
		return amount0, amount1
	}

	switch {
	case sqrtCurrent.Cmp(lower) <= 0:
		amount0 = Amount0ForLiquidity(lower, upper, liquidity)
	case sqrtCurrent.Cmp(upper) < 0:
		amount0 = Amount0ForLiquidity(sqrtCurrent, upper, liquidity)
		amount1 = Amount1ForLiquidity(lower, sqrtCurrent, liquidity)
	default:
		amount1 = Amount1ForLiquidity(lower, upper, liquidity)
	}
	return amount0, amount1
}

// AmountsForTicks is AmountsForLiquidity with the range given as ticks
func AmountsForTicks(sqrtCurrent *big.Int, tickLower, tickUpper int, liquidity *big.Int) (amount0, amount1 *big.Int) {
	sqrtLower := fixedpoint.SqrtRatioAtTick(tickLower).ToBig()
	sqrtUpper := fixedpoint.SqrtRatioAtTick(tickUpper).ToBig()
	return AmountsForLiquidity(sqrtCurrent, sqrtLower, sqrtUpper, liquidity)
}

func orderBounds(a, b *big.Int) (*big.Int, *big.Int) {
	if a.Cmp(b) > 0 {
		return b, a
	}
	return a, b
}

func isZero(x *big.Int) bool {
	return x == nil || x.Sign() == 0
}
