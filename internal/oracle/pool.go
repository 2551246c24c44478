package oracle

import (
	"context"
	"fmt"

	"github.com/agent-valuator/internal/adapter"
	"github.com/agent-valuator/internal/errors"
	"github.com/agent-valuator/internal/fixedpoint"
	"github.com/agent-valuator/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// maxPoolDecimals is the largest token precision pool math accepts
const maxPoolDecimals = 18

// poolPricePrecision is the scale used when dividing reserve amounts
const poolPricePrecision = 18

// poolSide locates token inside a pool and returns the paired token.
// A configured pair token must match the other side of the pool.
type poolSide struct {
	isToken0 bool
	pair     common.Address
}

func locate(ctx context.Context, pools adapter.PoolTokens, pool common.Address, token common.Address, src models.PriceSource) (poolSide, error) {
	t0, err := pools.Token0(ctx, pool)
	if err != nil {
		return poolSide{}, errors.NewUnavailableError(pool.Hex(), err)
	}
	t1, err := pools.Token1(ctx, pool)
	if err != nil {
		return poolSide{}, errors.NewUnavailableError(pool.Hex(), err)
	}

	var side poolSide
	switch token {
	case t0:
		side = poolSide{isToken0: true, pair: t1}
	case t1:
		side = poolSide{isToken0: false, pair: t0}
	default:
		return poolSide{}, errors.NewMissingIdentityError("pool token", fmt.Sprintf("%s in %s", token.Hex(), pool.Hex()))
	}

	if src.HasPairToken() && src.PairToken != side.pair {
		return poolSide{}, errors.NewMissingIdentityError("pool pair", fmt.Sprintf("%s in %s", src.PairToken.Hex(), pool.Hex()))
	}
	return side, nil
}

func (p *pairPricer) decimalsOf(token *models.Token, pair common.Address) (uint8, uint8, error) {
	pairToken, ok := p.registry.Lookup(pair)
	if !ok {
		return 0, 0, errors.NewMissingIdentityError("token", pair.Hex())
	}
	if token.Decimals > maxPoolDecimals || pairToken.Decimals > maxPoolDecimals {
		return 0, 0, errors.NewOutOfBandError("token decimals", fmt.Sprintf("%d/%d", token.Decimals, pairToken.Decimals))
	}
	return token.Decimals, pairToken.Decimals, nil
}

// reservePoolQuoter prices constant-product and constant-sum pools from their reserve ratio
type reservePoolQuoter struct {
	pools adapter.ReservePool
	pairs *pairPricer
}

func (q *reservePoolQuoter) quote(ctx context.Context, token *models.Token, src models.PriceSource, at int64) (decimal.Decimal, float64, error) {
	side, err := locate(ctx, q.pools, src.Address, token.Address, src)
	if err != nil {
		return decimal.Zero, 0, err
	}
	tokenDecimals, pairDecimals, err := q.pairs.decimalsOf(token, side.pair)
	if err != nil {
		return decimal.Zero, 0, err
	}

	reserves, err := q.pools.GetReserves(ctx, src.Address)
	if err != nil {
		return decimal.Zero, 0, errors.NewUnavailableError(src.Address.Hex(), err)
	}

	tokenReserve, pairReserve := reserves.Reserve0, reserves.Reserve1
	if !side.isToken0 {
		tokenReserve, pairReserve = reserves.Reserve1, reserves.Reserve0
	}
	if tokenReserve == nil || pairReserve == nil || tokenReserve.Sign() <= 0 || pairReserve.Sign() <= 0 {
		return decimal.Zero, 0, errors.NewOutOfBandError("pool reserves", src.Address.Hex())
	}

	priceInPair := decimal.NewFromBigInt(pairReserve, -int32(pairDecimals)).
		DivRound(decimal.NewFromBigInt(tokenReserve, -int32(tokenDecimals)), poolPricePrecision)

	pairUSD, err := q.pairs.price(ctx, side.pair, at)
	if err != nil {
		return decimal.Zero, 0, err
	}

	return priceInPair.Mul(pairUSD), float64(src.Confidence) / 100, nil
}

// concentratedPoolQuoter prices Uniswap V3 / Velodrome CL pools from slot0
type concentratedPoolQuoter struct {
	pools adapter.ConcentratedPool
	pairs *pairPricer
}

func (q *concentratedPoolQuoter) quote(ctx context.Context, token *models.Token, src models.PriceSource, at int64) (decimal.Decimal, float64, error) {
	side, err := locate(ctx, q.pools, src.Address, token.Address, src)
	if err != nil {
		return decimal.Zero, 0, err
	}
	tokenDecimals, pairDecimals, err := q.pairs.decimalsOf(token, side.pair)
	if err != nil {
		return decimal.Zero, 0, err
	}

	slot0, err := q.pools.Slot0(ctx, src.Address)
	if err != nil {
		return decimal.Zero, 0, errors.NewUnavailableError(src.Address.Hex(), err)
	}
	if slot0.SqrtPriceX96 == nil || slot0.SqrtPriceX96.IsZero() {
		return decimal.Zero, 0, errors.NewOutOfBandError("sqrtPriceX96", "0")
	}

	var priceInPair decimal.Decimal
	if side.isToken0 {
		priceInPair = fixedpoint.PriceFromSqrtRatioX96(slot0.SqrtPriceX96, tokenDecimals, pairDecimals)
	} else {
		price0 := fixedpoint.PriceFromSqrtRatioX96(slot0.SqrtPriceX96, pairDecimals, tokenDecimals)
		if price0.IsZero() {
			return decimal.Zero, 0, errors.NewOutOfBandError("pool price", "0")
		}
		priceInPair = decimal.NewFromInt(1).DivRound(price0, poolPricePrecision)
	}

	pairUSD, err := q.pairs.price(ctx, side.pair, at)
	if err != nil {
		return decimal.Zero, 0, err
	}

	return priceInPair.Mul(pairUSD), float64(src.Confidence) / 100, nil
}
