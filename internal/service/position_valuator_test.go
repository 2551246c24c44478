package service

import (
	"context"
	stderrors "errors"
	"math/big"
	"testing"

	"github.com/agent-valuator/internal/adapter"
	"github.com/agent-valuator/internal/errors"
	"github.com/agent-valuator/internal/fixedpoint"
	"github.com/agent-valuator/internal/liquidity"
	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shareKey() models.PositionKey {
	return models.PositionKey{Agent: agent, Protocol: "velodrome_v2", Pool: v2Pool}
}

func rangeKey() models.PositionKey {
	return models.PositionKey{Agent: agent, Protocol: "velodrome_cl", Pool: clPool, TokenID: "42"}
}

func openRange(t *testing.T, h *harness, at int64, tx string) *models.Position {
	t.Helper()
	h.chain.slot0[clPool] = adapter.Slot0{SqrtPriceX96: fixedpoint.SqrtRatioAtTick(0), Tick: 0}

	p, err := h.valuator.IncreaseLiquidity(context.Background(), LiquidityIncrease{
		Key:            rangeKey(),
		Kind:           types.KindRange,
		Manager:        manager,
		Token0:         dai,
		Token1:         weth,
		Range:          &models.RangeParams{TickLower: -100, TickUpper: 100, TickSpacing: 100},
		LiquidityDelta: units(1, 18),
		Amount0:        big.NewInt(5e15),
		Amount1:        big.NewInt(5e15),
		Timestamp:      at,
		TxHash:         tx,
	})
	require.NoError(t, err)
	return p
}

func TestIncreaseLiquidity_AccumulatesEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.chain.reserves[v2Pool] = adapter.Reserves{Reserve0: units(1000, 6), Reserve1: units(1000, 18)}
	h.chain.supply[v2Pool] = units(100, 18)

	first, err := h.valuator.IncreaseLiquidity(ctx, LiquidityIncrease{
		Key:            shareKey(),
		Kind:           types.KindPoolShare,
		Token0:         usdc,
		Token1:         dai,
		LiquidityDelta: units(10, 18),
		Amount0:        units(100, 6),
		Amount1:        big.NewInt(0),
		Timestamp:      t0,
		TxHash:         "0x01",
	})
	require.NoError(t, err)
	requireDecimal(t, "100", first.Entry().USD())
	requireDecimal(t, "200", first.CurrentUSD())

	second, err := h.valuator.IncreaseLiquidity(ctx, LiquidityIncrease{
		Key:            shareKey(),
		Kind:           types.KindPoolShare,
		LiquidityDelta: units(5, 18),
		Amount0:        big.NewInt(0),
		Amount1:        units(50, 18),
		Timestamp:      t0 + 60,
		TxHash:         "0x02",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	requireDecimal(t, "150", second.Entry().USD())
	assert.Equal(t, t0, second.Entry().Timestamp)
	assert.Equal(t, "0x01", second.Entry().TxHash)
	assert.Equal(t, units(15, 18), second.Liquidity)
	requireDecimal(t, "300", second.CurrentUSD())
	assert.Len(t, h.repo.all(shareKey()), 1)

	portfolio := h.repo.portfolios[agent]
	require.NotNil(t, portfolio)
	assert.Equal(t, t0, portfolio.FirstTradingTimestamp)
	requireDecimal(t, "300", portfolio.PositionsValue)
}

func TestIncreaseLiquidity_ReadsPoolTokensOnChain(t *testing.T) {
	h := newHarness(t)
	h.chain.tokens[v2Pool] = [2]common.Address{usdc, dai}
	h.chain.reserves[v2Pool] = adapter.Reserves{Reserve0: units(10, 6), Reserve1: units(10, 18)}
	h.chain.supply[v2Pool] = units(10, 18)

	p, err := h.valuator.IncreaseLiquidity(context.Background(), LiquidityIncrease{
		Key:            shareKey(),
		Kind:           types.KindPoolShare,
		LiquidityDelta: units(1, 18),
		Amount0:        units(1, 6),
		Amount1:        units(1, 18),
		Timestamp:      t0,
	})
	require.NoError(t, err)
	assert.Equal(t, "USDC", p.Token0.Symbol)
	assert.Equal(t, "DAI", p.Token1.Symbol)
	requireDecimal(t, "2", p.Entry().USD())
}

func TestIncreaseLiquidity_UnregisteredTokenIsMissingIdentity(t *testing.T) {
	h := newHarness(t)
	unknown := common.HexToAddress("0x00000000000000000000000000000000DeaDBeef")

	_, err := h.valuator.IncreaseLiquidity(context.Background(), LiquidityIncrease{
		Key:            shareKey(),
		Kind:           types.KindPoolShare,
		Token0:         usdc,
		Token1:         unknown,
		LiquidityDelta: big.NewInt(1),
		Timestamp:      t0,
	})
	require.Error(t, err)
	assert.True(t, errors.IsMissingIdentity(err))
	assert.Zero(t, h.repo.saves)
}

func TestDecreaseLiquidity_PartialStaysOpen(t *testing.T) {
	h := newHarness(t)
	opened := openRange(t, h, t0, "0xopen")
	requireDecimal(t, "10.005", opened.Entry().USD())

	p, err := h.valuator.DecreaseLiquidity(context.Background(), LiquidityDecrease{
		Key:            rangeKey(),
		Manager:        manager,
		LiquidityDelta: big.NewInt(4e17),
		Remaining:      big.NewInt(6e17),
		Amount0:        big.NewInt(2e15),
		Amount1:        big.NewInt(2e15),
		Timestamp:      t0 + 100,
		TxHash:         "0xpartial",
	})
	require.NoError(t, err)

	assert.True(t, p.IsActive())
	_, closed := p.Exit()
	assert.False(t, closed)
	requireDecimal(t, "4.002", p.Withdrawn().USD())
	requireDecimal(t, "10.005", p.Entry().USD())
	assert.Equal(t, big.NewInt(6e17), p.Liquidity)
	assert.True(t, p.CurrentUSD().IsPositive())
}

func TestDecreaseLiquidity_CloseThenSwapLeavesClosedPositionUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	opened := openRange(t, h, t0, "0xopen")

	_, err := h.valuator.DecreaseLiquidity(ctx, LiquidityDecrease{
		Key:            rangeKey(),
		Manager:        manager,
		LiquidityDelta: big.NewInt(4e17),
		Remaining:      big.NewInt(6e17),
		Amount0:        big.NewInt(2e15),
		Amount1:        big.NewInt(2e15),
		Timestamp:      t0 + 100,
		TxHash:         "0xpartial",
	})
	require.NoError(t, err)

	// the position manager reports nothing left
	h.chain.nfts["42"] = adapter.NFTPosition{Token0: dai, Token1: weth, TickLower: -100, TickUpper: 100, Liquidity: new(big.Int)}
	closed, err := h.valuator.DecreaseLiquidity(ctx, LiquidityDecrease{
		Key:            rangeKey(),
		Manager:        manager,
		LiquidityDelta: big.NewInt(6e17),
		Amount0:        big.NewInt(3e15),
		Amount1:        big.NewInt(3e15),
		Timestamp:      t0 + 200,
		TxHash:         "0xclose",
	})
	require.NoError(t, err)

	require.False(t, closed.IsActive())
	exit, ok := closed.Exit()
	require.True(t, ok)
	requireDecimal(t, "10.005", exit.USD())
	assert.Equal(t, t0+200, exit.Timestamp)
	assert.Equal(t, "0xclose", exit.TxHash)
	assert.True(t, closed.PnL().IsZero())
	assert.True(t, closed.CurrentUSD().IsZero())

	before := *h.repo.positions[opened.ID.String()]
	saves := h.repo.saves

	n, err := h.valuator.RefreshPool(ctx, PoolStateChange{
		Pool:         clPool,
		SqrtPriceX96: fixedpoint.SqrtRatioAtTick(50),
		Timestamp:    t0 + 300,
		TxHash:       "0xswap",
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, saves, h.repo.saves)
	assert.Equal(t, before, *h.repo.positions[opened.ID.String()])

	// a later deposit is a new incarnation
	reopened := openRange(t, h, t0+400, "0xreopen")
	assert.NotEqual(t, opened.ID, reopened.ID)
	incarnations := h.repo.all(rangeKey())
	require.Len(t, incarnations, 2)
	assert.False(t, incarnations[0].IsActive())
	assert.True(t, incarnations[1].IsActive())

	portfolio := h.repo.portfolios[agent]
	assert.Equal(t, t0, portfolio.FirstTradingTimestamp)
}

func TestDecreaseLiquidity_NoOpenPosition(t *testing.T) {
	h := newHarness(t)

	_, err := h.valuator.DecreaseLiquidity(context.Background(), LiquidityDecrease{
		Key:            rangeKey(),
		LiquidityDelta: big.NewInt(1),
		Timestamp:      t0,
	})
	require.Error(t, err)
	assert.True(t, errors.IsMissingIdentity(err))
	assert.Zero(t, h.repo.saves)
	assert.Empty(t, h.repo.snapshots)
}

func TestDecreaseLiquidity_FallsBackToTrackedLiquidity(t *testing.T) {
	h := newHarness(t)
	openRange(t, h, t0, "0xopen")

	// positions() reverts and the event carries no remaining claim
	p, err := h.valuator.DecreaseLiquidity(context.Background(), LiquidityDecrease{
		Key:            rangeKey(),
		Manager:        manager,
		LiquidityDelta: units(1, 18),
		Amount0:        big.NewInt(5e15),
		Amount1:        big.NewInt(5e15),
		Timestamp:      t0 + 10,
	})
	require.NoError(t, err)
	assert.False(t, p.IsActive())
}

func TestRefreshPool_RevaluesRangePosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	openRange(t, h, t0, "0xopen")
	h.repo.portfolios[otherAgnt] = models.NewPortfolio(otherAgnt)

	above := fixedpoint.SqrtRatioAtTick(200)
	n, err := h.valuator.RefreshPool(ctx, PoolStateChange{Pool: clPool, SqrtPriceX96: above, Timestamp: t0 + 60})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	want0, want1 := liquidity.AmountsForTicks(above.ToBig(), -100, 100, units(1, 18))
	assert.Zero(t, want0.Sign())

	positions, err := h.repo.ListPositions(ctx, agent, true)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	current := positions[0].Current

	wantUSD := decimal.NewFromBigInt(want1, -18).Mul(decimal.NewFromInt(2000))
	assert.True(t, current.Amount0.IsZero())
	requireDecimal(t, wantUSD.String(), current.Amount1USD)
	assert.Equal(t, t0+60, current.UpdatedAt)

	requireDecimal(t, wantUSD.String(), h.repo.portfolios[agent].PositionsValue)
	// agents without positions on the pool are not recomputed
	assert.Zero(t, h.repo.portfolios[otherAgnt].UpdatedAt)
}

func TestRefreshPool_KeepsHoldingsWhenChainUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	opened := openRange(t, h, t0, "0xopen")
	delete(h.chain.slot0, clPool)

	n, err := h.valuator.RefreshPool(ctx, PoolStateChange{Pool: clPool, Timestamp: t0 + 60})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	requireDecimal(t, opened.CurrentUSD().String(), h.repo.positions[opened.ID.String()].CurrentUSD())
}

func TestVaultShareValuation(t *testing.T) {
	h := newHarness(t)
	h.chain.assetRate = 2

	p, err := h.valuator.IncreaseLiquidity(context.Background(), LiquidityIncrease{
		Key:            models.PositionKey{Agent: agent, Protocol: "erc4626", Pool: vault},
		Kind:           types.KindVaultShare,
		Token0:         usdc,
		LiquidityDelta: units(100, 6),
		Amount0:        units(100, 6),
		Timestamp:      t0,
	})
	require.NoError(t, err)
	requireDecimal(t, "100", p.Entry().USD())
	requireDecimal(t, "200", p.CurrentUSD())
	requireDecimal(t, "100", p.PnL())
}

func TestShareOf(t *testing.T) {
	assert.Equal(t, big.NewInt(25), shareOf(big.NewInt(100), big.NewInt(1), big.NewInt(4)))
	assert.Zero(t, shareOf(big.NewInt(100), big.NewInt(1), big.NewInt(0)).Sign())
	assert.Zero(t, shareOf(nil, big.NewInt(1), big.NewInt(4)).Sign())
}

func TestLiquidityAfter(t *testing.T) {
	assert.Equal(t, big.NewInt(15), liquidityAfter(big.NewInt(10), big.NewInt(5), nil))
	assert.Equal(t, big.NewInt(7), liquidityAfter(big.NewInt(10), big.NewInt(5), big.NewInt(7)))
	assert.Equal(t, big.NewInt(5), liquidityAfter(nil, big.NewInt(5), nil))
}

func TestRefreshPool_RecomputeFailureNamesAffectedAgents(t *testing.T) {
	h := newHarness(t)
	openRange(t, h, t0, "0xopen")
	saves := h.repo.saves

	h.repo.appendErr = stderrors.New("db down")
	n, err := h.valuator.RefreshPool(context.Background(), PoolStateChange{
		Pool:         clPool,
		SqrtPriceX96: fixedpoint.SqrtRatioAtTick(50),
		Timestamp:    t0 + 60,
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, saves+1, h.repo.saves, "the revalued position is saved before the recompute")

	stale, ok := AsRecomputeError(err)
	require.True(t, ok)
	assert.Equal(t, []common.Address{agent}, stale.Agents)
	assert.Equal(t, t0+60, stale.At)
	assert.True(t, errors.IsRetryable(err))
}
