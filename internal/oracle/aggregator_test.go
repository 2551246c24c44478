package oracle

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/agent-valuator/internal/adapter"
	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc   = common.HexToAddress("0x0b2C639c533813f4Aa9D7837cAf62653d097Ff85")
	weth   = common.HexToAddress("0x4200000000000000000000000000000000000006")
	dai    = common.HexToAddress("0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1")
	velo   = common.HexToAddress("0x9560e827aF36c94D2Ac33a39bCE1Fe78631088Db")
	op     = common.HexToAddress("0x4200000000000000000000000000000000000042")
	wsteth = common.HexToAddress("0x1F32b1c2345538c0c6f582fCB022739c4A194Ebb")
	oddDec = common.HexToAddress("0x00000000000000000000000000000000000000dd")

	ethUSDFeed  = common.HexToAddress("0x13e3Ee699D1909E989722E753853AE30b17e08c5")
	usdcUSDFeed = common.HexToAddress("0x16a9FA2FDa030272Ce99B29CF780dFA30361E0f3")
	daiUSDFeed  = common.HexToAddress("0x8dBa75e83DA73cc766A7e5a0ee71F656BAb470d6")

	usdcWethCL = common.HexToAddress("0x1000000000000000000000000000000000000001")
	veloUsdcV2 = common.HexToAddress("0x1000000000000000000000000000000000000002")
	opWethCL   = common.HexToAddress("0x1000000000000000000000000000000000000003")
	wethOpCL   = common.HexToAddress("0x1000000000000000000000000000000000000004")
	veloOpV2   = common.HexToAddress("0x1000000000000000000000000000000000000005")
	oddUsdcV2  = common.HexToAddress("0x1000000000000000000000000000000000000006")
)

const now = int64(1_700_000_000)

// fakeReader serves canned contract state; anything not configured reverts
type fakeReader struct {
	mu       sync.Mutex
	rounds   map[common.Address]adapter.RoundData
	decimals map[common.Address]uint8
	tokens   map[common.Address][2]common.Address
	slot0    map[common.Address]adapter.Slot0
	reserves map[common.Address]adapter.Reserves
	calls    map[common.Address]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		rounds:   make(map[common.Address]adapter.RoundData),
		decimals: make(map[common.Address]uint8),
		tokens:   make(map[common.Address][2]common.Address),
		slot0:    make(map[common.Address]adapter.Slot0),
		reserves: make(map[common.Address]adapter.Reserves),
		calls:    make(map[common.Address]int),
	}
}

func (f *fakeReader) touch(addr common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[addr]++
}

func (f *fakeReader) callsTo(addr common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[addr]
}

func (f *fakeReader) setFeed(feed common.Address, answer int64, updatedAt int64) {
	f.rounds[feed] = adapter.RoundData{RoundID: big.NewInt(1), Answer: big.NewInt(answer), UpdatedAt: updatedAt}
	f.decimals[feed] = 8
}

func (f *fakeReader) LatestRoundData(ctx context.Context, feed common.Address) (adapter.RoundData, error) {
	f.touch(feed)
	round, ok := f.rounds[feed]
	if !ok {
		return adapter.RoundData{}, adapter.ErrCallReverted
	}
	return round, nil
}

func (f *fakeReader) FeedDecimals(ctx context.Context, feed common.Address) (uint8, error) {
	d, ok := f.decimals[feed]
	if !ok {
		return 0, adapter.ErrCallReverted
	}
	return d, nil
}

func (f *fakeReader) Token0(ctx context.Context, pool common.Address) (common.Address, error) {
	f.touch(pool)
	pair, ok := f.tokens[pool]
	if !ok {
		return common.Address{}, adapter.ErrCallReverted
	}
	return pair[0], nil
}

func (f *fakeReader) Token1(ctx context.Context, pool common.Address) (common.Address, error) {
	pair, ok := f.tokens[pool]
	if !ok {
		return common.Address{}, adapter.ErrCallReverted
	}
	return pair[1], nil
}

func (f *fakeReader) Slot0(ctx context.Context, pool common.Address) (adapter.Slot0, error) {
	s, ok := f.slot0[pool]
	if !ok {
		return adapter.Slot0{}, adapter.ErrCallReverted
	}
	return s, nil
}

func (f *fakeReader) GetReserves(ctx context.Context, pool common.Address) (adapter.Reserves, error) {
	r, ok := f.reserves[pool]
	if !ok {
		return adapter.Reserves{}, adapter.ErrCallReverted
	}
	return r, nil
}

func (f *fakeReader) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	return nil, adapter.ErrCallReverted
}

func (f *fakeReader) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return nil, adapter.ErrCallReverted
}

type memCache struct {
	prices map[common.Address]models.TokenPrice
	writes int
}

func newMemCache() *memCache {
	return &memCache{prices: make(map[common.Address]models.TokenPrice)}
}

func (c *memCache) GetTokenPrice(ctx context.Context, token common.Address) (*models.TokenPrice, error) {
	p, ok := c.prices[token]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (c *memCache) SetTokenPrice(ctx context.Context, price *models.TokenPrice) error {
	c.writes++
	c.prices[price.Token] = *price
	return nil
}

type quoteLog struct{ quotes []models.PriceQuote }

func (q *quoteLog) RecordQuote(ctx context.Context, quote *models.PriceQuote) error {
	q.quotes = append(q.quotes, *quote)
	return nil
}

func testTokens() []models.Token {
	return []models.Token{
		{
			Address: usdc, Symbol: "USDC", Decimals: 6, Class: types.ClassCoreStable, Critical: true,
			Sources: []models.PriceSource{
				{Address: usdcWethCL, Type: types.SourceConcentratedLiquidityPool, Priority: 2, Confidence: 80, PairToken: weth},
				{Address: usdcUSDFeed, Type: types.SourceChainlink, Priority: 1, Confidence: 99},
			},
		},
		{
			Address: weth, Symbol: "WETH", Decimals: 18, Class: types.ClassWrapNative,
			Sources: []models.PriceSource{
				{Address: ethUSDFeed, Type: types.SourceChainlink, Priority: 1, Confidence: 99},
			},
		},
		{
			Address: dai, Symbol: "DAI", Decimals: 18, Class: types.ClassCoreStable,
			Sources: []models.PriceSource{
				{Address: daiUSDFeed, Type: types.SourceChainlink, Priority: 1, Confidence: 99},
			},
		},
		{
			Address: velo, Symbol: "VELO", Decimals: 18, Class: types.ClassVolatile,
			Sources: []models.PriceSource{
				{Address: veloUsdcV2, Type: types.SourceConstantProductPool, Priority: 1, Confidence: 70},
			},
		},
		{
			Address: op, Symbol: "OP", Decimals: 18, Class: types.ClassVolatile,
			Sources: []models.PriceSource{
				{Address: veloOpV2, Type: types.SourceConstantProductPool, Priority: 1, Confidence: 70},
				{Address: opWethCL, Type: types.SourceConcentratedLiquidityPool, Priority: 2, Confidence: 85},
				{Address: wethOpCL, Type: types.SourceConcentratedLiquidityPool, Priority: 3, Confidence: 80},
			},
		},
		{
			Address: wsteth, Symbol: "wstETH", Decimals: 18, Class: types.ClassVolatile,
			Sources: []models.PriceSource{
				{Address: ethUSDFeed, Type: types.SourceChainlinkReference, Priority: 1, Confidence: 95},
			},
		},
		{
			Address: oddDec, Symbol: "ODD", Decimals: 24, Class: types.ClassVolatile,
			Sources: []models.PriceSource{
				{Address: oddUsdcV2, Type: types.SourceConstantProductPool, Priority: 1, Confidence: 70},
			},
		},
	}
}

type fixture struct {
	reader   *fakeReader
	cache    *memCache
	recorder *quoteLog
	agg      *Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := NewRegistry(types.ChainOptimism, weth, testTokens())
	require.NoError(t, err)

	f := &fixture{reader: newFakeReader(), cache: newMemCache(), recorder: &quoteLog{}}
	f.reader.setFeed(ethUSDFeed, 2000_00000000, now-60)
	f.reader.setFeed(usdcUSDFeed, 1_00000000, now-60)
	f.agg = NewAggregator(registry, f.reader, f.cache, f.recorder, DefaultConfig())
	return f
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	w := decimal.RequireFromString(want)
	require.True(t, w.Equal(got), "price = %s, want %s", got, want)
}

func TestResolve_ChainlinkFirst(t *testing.T) {
	f := newFixture(t)

	quote := f.agg.Resolve(context.Background(), usdc, now, false)

	requireDecimal(t, "1", quote.Price)
	assert.Equal(t, types.SourceChainlink, quote.Source)
	assert.Equal(t, usdcUSDFeed, quote.SourceAddress)
	assert.InDelta(t, 0.99, quote.Confidence, 1e-9)
	assert.Zero(t, f.reader.callsTo(usdcWethCL), "pool adapter must not be invoked")

	require.Len(t, f.recorder.quotes, 1)
	cached := f.cache.prices[usdc]
	requireDecimal(t, "1", cached.DerivedUSD)
	assert.Equal(t, now, cached.LastPriceUpdate)
}

func TestResolve_CacheHitWithinTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.agg.GetTokenPriceUSD(ctx, weth, now, false)
	second := f.agg.GetTokenPriceUSD(ctx, weth, now+299, false)

	assert.True(t, first.Equal(second))
	assert.Equal(t, 1, f.reader.callsTo(ethUSDFeed))

	quote := f.agg.Resolve(ctx, weth, now+100, false)
	assert.Equal(t, types.SourceCache, quote.Source)

	// age == TTL is a miss
	f.agg.GetTokenPriceUSD(ctx, weth, now+300, false)
	assert.Equal(t, 2, f.reader.callsTo(ethUSDFeed))
}

func TestResolve_CacheIgnoredWhenOlderTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.agg.GetTokenPriceUSD(ctx, weth, now, false)
	f.agg.GetTokenPriceUSD(ctx, weth, now-10, false)

	assert.Equal(t, 2, f.reader.callsTo(ethUSDFeed))
}

func TestResolve_ForceRefreshBypassesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.agg.GetTokenPriceUSD(ctx, weth, now, false)
	f.agg.GetTokenPriceUSD(ctx, weth, now+1, true)

	assert.Equal(t, 2, f.reader.callsTo(ethUSDFeed))
}

func TestResolve_LowConfidenceCacheNotServed(t *testing.T) {
	f := newFixture(t)
	f.cache.prices[weth] = models.TokenPrice{
		Token:           weth,
		DerivedUSD:      decimal.NewFromInt(1),
		Confidence:      0.5,
		LastPriceUpdate: now,
		Source:          types.SourceConstantProductPool,
	}

	price := f.agg.GetTokenPriceUSD(context.Background(), weth, now+1, false)

	requireDecimal(t, "2000", price)
	assert.Equal(t, 1, f.reader.callsTo(ethUSDFeed))
}

func TestResolve_BandRejectsLoneSource(t *testing.T) {
	f := newFixture(t)
	f.reader.setFeed(daiUSDFeed, 1_20000000, now)

	quote := f.agg.Resolve(context.Background(), dai, now, false)

	assert.True(t, quote.Price.IsZero())
	assert.Equal(t, types.SourceNone, quote.Source)
	assert.Empty(t, f.recorder.quotes)
	assert.Zero(t, f.cache.writes)
}

func TestResolve_CriticalStablecoinFallback(t *testing.T) {
	f := newFixture(t)
	f.reader.setFeed(usdcUSDFeed, 1_20000000, now)

	quote := f.agg.Resolve(context.Background(), usdc, now, false)

	requireDecimal(t, "1", quote.Price)
	assert.Equal(t, types.SourceEmergencyFallback, quote.Source)
	assert.InDelta(t, 0.95, quote.Confidence, 1e-9)
	require.Len(t, f.recorder.quotes, 1, "fallback is audited")
	assert.Equal(t, types.SourceEmergencyFallback, f.recorder.quotes[0].Source)
	_, cached := f.cache.prices[usdc]
	assert.False(t, cached, "fallback is not cached")
}

func TestResolve_StaleRoundRejected(t *testing.T) {
	f := newFixture(t)
	f.reader.setFeed(daiUSDFeed, 1_00000000, now-int64(24*time.Hour/time.Second)-1)

	assert.True(t, f.agg.GetTokenPriceUSD(context.Background(), dai, now, false).IsZero())

	f.reader.setFeed(daiUSDFeed, 1_00000000, now-int64(24*time.Hour/time.Second))
	requireDecimal(t, "1", f.agg.GetTokenPriceUSD(context.Background(), dai, now, true))
}

func TestResolve_NonPositiveAnswerRejected(t *testing.T) {
	f := newFixture(t)
	f.reader.setFeed(daiUSDFeed, 0, now)

	assert.True(t, f.agg.GetTokenPriceUSD(context.Background(), dai, now, false).IsZero())
}

func TestResolve_ReferenceFeedConfidence(t *testing.T) {
	f := newFixture(t)

	quote := f.agg.Resolve(context.Background(), wsteth, now, false)

	requireDecimal(t, "2000", quote.Price)
	assert.Equal(t, types.SourceChainlinkReference, quote.Source)
	assert.InDelta(t, 0.95*0.9, quote.Confidence, 1e-9)
}

func TestResolve_ConstantProductPool(t *testing.T) {
	f := newFixture(t)
	f.reader.tokens[veloUsdcV2] = [2]common.Address{velo, usdc}
	f.reader.reserves[veloUsdcV2] = adapter.Reserves{
		Reserve0: new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18)),
		Reserve1: big.NewInt(120_000000),
	}

	quote := f.agg.Resolve(context.Background(), velo, now, false)

	requireDecimal(t, "0.12", quote.Price)
	assert.Equal(t, types.SourceConstantProductPool, quote.Source)
	assert.InDelta(t, 0.70, quote.Confidence, 1e-9)
}

func TestResolve_ConcentratedPoolBothOrientations(t *testing.T) {
	q96 := new(uint256.Int).Lsh(uint256.NewInt(1), 96)

	t.Run("token is token0", func(t *testing.T) {
		f := newFixture(t)
		f.reader.tokens[opWethCL] = [2]common.Address{op, weth}
		// price0 = 2^-10 WETH per OP
		f.reader.slot0[opWethCL] = adapter.Slot0{SqrtPriceX96: new(uint256.Int).Rsh(q96, 5)}

		quote := f.agg.Resolve(context.Background(), op, now, false)

		requireDecimal(t, "1.953125", quote.Price)
		assert.Equal(t, opWethCL, quote.SourceAddress)
	})

	t.Run("token is token1", func(t *testing.T) {
		f := newFixture(t)
		f.reader.tokens[wethOpCL] = [2]common.Address{weth, op}
		// price0 = 1024 OP per WETH
		f.reader.slot0[wethOpCL] = adapter.Slot0{SqrtPriceX96: new(uint256.Int).Lsh(q96, 5)}

		quote := f.agg.Resolve(context.Background(), op, now, false)

		requireDecimal(t, "1.953125", quote.Price)
		assert.Equal(t, wethOpCL, quote.SourceAddress)
	})
}

func TestResolve_UnsupportedPairSkipped(t *testing.T) {
	f := newFixture(t)
	f.reader.tokens[veloOpV2] = [2]common.Address{velo, op}
	f.reader.reserves[veloOpV2] = adapter.Reserves{Reserve0: big.NewInt(1e18), Reserve1: big.NewInt(1e18)}

	quote := f.agg.Resolve(context.Background(), op, now, false)

	assert.True(t, quote.Price.IsZero())
	assert.Equal(t, 1, f.reader.callsTo(veloOpV2))
}

func TestResolve_DecimalsAbove18OutOfBand(t *testing.T) {
	f := newFixture(t)
	f.reader.tokens[oddUsdcV2] = [2]common.Address{oddDec, usdc}
	f.reader.reserves[oddUsdcV2] = adapter.Reserves{Reserve0: big.NewInt(1e18), Reserve1: big.NewInt(1e6)}

	assert.True(t, f.agg.GetTokenPriceUSD(context.Background(), oddDec, now, false).IsZero())
}

func TestResolve_UnregisteredToken(t *testing.T) {
	f := newFixture(t)

	quote := f.agg.Resolve(context.Background(), common.HexToAddress("0xdead"), now, false)

	assert.True(t, quote.Price.IsZero())
	assert.Equal(t, types.SourceNone, quote.Source)
}

func TestResolve_FallsThroughRevertedSource(t *testing.T) {
	f := newFixture(t)
	delete(f.reader.rounds, usdcUSDFeed)
	f.reader.tokens[usdcWethCL] = [2]common.Address{usdc, weth}
	// 1 USDC (6 decimals) = 1/2000 WETH (18 decimals): price0 raw = 5e8
	sqrt, overflow := uint256.FromBig(new(big.Int).Sqrt(new(big.Int).Mul(big.NewInt(5e8), new(big.Int).Lsh(big.NewInt(1), 192))))
	require.False(t, overflow)
	f.reader.slot0[usdcWethCL] = adapter.Slot0{SqrtPriceX96: sqrt}

	quote := f.agg.Resolve(context.Background(), usdc, now, false)

	assert.Equal(t, types.SourceConcentratedLiquidityPool, quote.Source)
	assert.InDelta(t, 1.0, quote.Price.InexactFloat64(), 1e-9)
}
