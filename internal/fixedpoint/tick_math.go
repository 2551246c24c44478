// Package fixedpoint implements the Q64.96 tick and sqrt-price conversions used by
// concentrated-liquidity pools. Results are bit-exact with the on-chain TickMath library.
package fixedpoint

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// MinTick is the lowest tick a concentrated-liquidity pool can reach
	MinTick = -887272
	// MaxTick is the highest tick a concentrated-liquidity pool can reach
	MaxTick = 887272
)

var (
	// MinSqrtRatio is SqrtRatioAtTick(MinTick)
	MinSqrtRatio = uint256.NewInt(4295128739)
	// MaxSqrtRatio is SqrtRatioAtTick(MaxTick)
	MaxSqrtRatio = uint256.MustFromDecimal("1461446703485210103287273052203988822378723970342")

	// Q96 is 2^96, the scale of a sqrtPriceX96 value
	Q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)

	maxUint256 = uint256.MustFromHex("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	q128One    = uint256.MustFromHex("0x100000000000000000000000000000000")
)

// tickBitRatios[k] is sqrt(1.0001)^-(2^k) in Q128.
var tickBitRatios = [20]*uint256.Int{
	uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001"),
	uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
	uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
	uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
	uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
	uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
	uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
	uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
	uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
	uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
	uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
	uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
	uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
	uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
	uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
	uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
	uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
	uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
	uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
	uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
}

var (
	// log base sqrt(1.0001) of 2, as a Q128.128 multiplier
	log2ToLogSqrt10001, _ = new(big.Int).SetString("255738958999603826347141", 10)
	tickLowOffset, _      = new(big.Int).SetString("3402992956809132418596140100660247210", 10)
	tickHighOffset, _     = new(big.Int).SetString("291339464771989622907027621153398088495", 10)
)

// ClampTick bounds tick to [MinTick, MaxTick]
func ClampTick(tick int) int {
	if tick < MinTick {
		return MinTick
	}
	if tick > MaxTick {
		return MaxTick
	}
	return tick
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 value.
// Ticks outside [MinTick, MaxTick] are clamped.
func SqrtRatioAtTick(tick int) *uint256.Int {
	tick = ClampTick(tick)
	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(uint256.Int)
	if absTick&1 != 0 {
		ratio.Set(tickBitRatios[0])
	} else {
		ratio.Set(q128One)
	}

	product := new(uint256.Int)
	for bit := 1; bit < len(tickBitRatios); bit++ {
		if absTick&(1<<bit) == 0 {
			continue
		}
		product.Mul(ratio, tickBitRatios[bit])
		ratio.Rsh(product, 128)
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Q128 -> Q96, rounding up
	roundUp := ratio.Uint64()&0xffffffff != 0
	sqrtPriceX96 := new(uint256.Int).Rsh(ratio, 32)
	if roundUp {
		sqrtPriceX96.AddUint64(sqrtPriceX96, 1)
	}
	return sqrtPriceX96
}

// TickAtSqrtRatio returns the greatest tick whose sqrt ratio is <= sqrtPriceX96.
// Inputs below MinSqrtRatio map to MinTick and inputs at or above MaxSqrtRatio map to MaxTick.
func TickAtSqrtRatio(sqrtPriceX96 *uint256.Int) int {
	if sqrtPriceX96.Lt(MinSqrtRatio) {
		return MinTick
	}
	if !sqrtPriceX96.Lt(MaxSqrtRatio) {
		return MaxTick
	}

	ratio := new(uint256.Int).Lsh(sqrtPriceX96, 32)
	msb := ratio.BitLen() - 1

	r := new(uint256.Int)
	if msb >= 128 {
		r.Rsh(ratio, uint(msb-127))
	} else {
		r.Lsh(ratio, uint(127-msb))
	}

	log2 := new(big.Int).Lsh(big.NewInt(int64(msb-128)), 64)
	squared := new(uint256.Int)
	for shift := 63; shift >= 50; shift-- {
		squared.Mul(r, r)
		r.Rsh(squared, 127)
		if r.BitLen() > 128 {
			log2.Add(log2, new(big.Int).Lsh(big.NewInt(1), uint(shift)))
			r.Rsh(r, 1)
		}
	}

	logSqrt10001 := new(big.Int).Mul(log2, log2ToLogSqrt10001)
	tickLow := new(big.Int).Rsh(new(big.Int).Sub(logSqrt10001, tickLowOffset), 128).Int64()
	tickHigh := new(big.Int).Rsh(new(big.Int).Add(logSqrt10001, tickHighOffset), 128).Int64()

	if tickLow == tickHigh {
		return int(tickLow)
	}
	if !SqrtRatioAtTick(int(tickHigh)).Gt(sqrtPriceX96) {
		return int(tickHigh)
	}
	return int(tickLow)
}

// PriceFromSqrtRatioX96 returns the price of token0 denominated in token1, in human units:
// (sqrtPriceX96 / 2^96)^2 * 10^(decimals0 - decimals1).
func PriceFromSqrtRatioX96(sqrtPriceX96 *uint256.Int, decimals0, decimals1 uint8) decimal.Decimal {
	if sqrtPriceX96 == nil || sqrtPriceX96.IsZero() {
		return decimal.Zero
	}

	sqrt := sqrtPriceX96.ToBig()
	num := new(big.Int).Mul(sqrt, sqrt)
	den := new(big.Int).Lsh(big.NewInt(1), 192)

	if decimals0 >= decimals1 {
		num.Mul(num, pow10(int(decimals0-decimals1)))
	} else {
		den.Mul(den, pow10(int(decimals1-decimals0)))
	}

	return decimal.NewFromBigInt(num, 0).DivRound(decimal.NewFromBigInt(den, 0), 36)
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
