package service

import (
	"context"
	"math/big"
	"sort"
	"testing"

	"github.com/agent-valuator/internal/adapter"
	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/oracle"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	agent     = common.HexToAddress("0xA6E17A0000000000000000000000000000000001")
	otherAgnt = common.HexToAddress("0xA6E17A0000000000000000000000000000000002")
	usdc      = common.HexToAddress("0x0b2C639c533813f4Aa9D7837cAf62653d097Ff85")
	weth      = common.HexToAddress("0x4200000000000000000000000000000000000006")
	dai       = common.HexToAddress("0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1")
	clPool    = common.HexToAddress("0xC100000000000000000000000000000000000001")
	v2Pool    = common.HexToAddress("0xC100000000000000000000000000000000000002")
	vault     = common.HexToAddress("0xC100000000000000000000000000000000000003")
	manager   = common.HexToAddress("0x416b433906b1B72FA758e166e239c43d68dC6F29")
)

const t0 = int64(1_700_000_000)

// memRepo implements every repository the services use
type memRepo struct {
	positions  map[string]*models.Position
	portfolios map[common.Address]*models.Portfolio
	funding    map[common.Address]*models.FundingBalance
	snapshots  []*models.PortfolioSnapshot
	saves      int
	// appendErr fails every AppendSnapshot when set
	appendErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		positions:  make(map[string]*models.Position),
		portfolios: make(map[common.Address]*models.Portfolio),
		funding:    make(map[common.Address]*models.FundingBalance),
	}
}

func (m *memRepo) GetOpenPosition(ctx context.Context, key models.PositionKey) (*models.Position, error) {
	for _, p := range m.positions {
		if p.Key == key && p.IsActive() {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRepo) SavePosition(ctx context.Context, p *models.Position) error {
	m.saves++
	cp := *p
	m.positions[p.ID.String()] = &cp
	return nil
}

func (m *memRepo) ListPositions(ctx context.Context, a common.Address, activeOnly bool) ([]*models.Position, error) {
	var out []*models.Position
	for _, p := range m.positions {
		if p.Key.Agent == a && (!activeOnly || p.IsActive()) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (m *memRepo) ListOpenPositionsByPool(ctx context.Context, pool common.Address) ([]*models.Position, error) {
	var out []*models.Position
	for _, p := range m.positions {
		if p.Key.Pool == pool && p.IsActive() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) all(key models.PositionKey) []*models.Position {
	var out []*models.Position
	for _, p := range m.positions {
		if p.Key == key {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

func (m *memRepo) GetPortfolio(ctx context.Context, a common.Address) (*models.Portfolio, error) {
	if p, ok := m.portfolios[a]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m *memRepo) SavePortfolio(ctx context.Context, p *models.Portfolio) error {
	cp := *p
	m.portfolios[p.Agent] = &cp
	return nil
}

func (m *memRepo) ListAgents(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	for a := range m.portfolios {
		out = append(out, a)
	}
	return out, nil
}

func (m *memRepo) GetFundingBalance(ctx context.Context, a common.Address) (*models.FundingBalance, error) {
	if b, ok := m.funding[a]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, nil
}

func (m *memRepo) SaveFundingBalance(ctx context.Context, b *models.FundingBalance) error {
	cp := *b
	m.funding[b.Agent] = &cp
	return nil
}

func (m *memRepo) AppendSnapshot(ctx context.Context, s *models.PortfolioSnapshot) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	for i, existing := range m.snapshots {
		if existing.Agent == s.Agent && existing.Timestamp == s.Timestamp {
			m.snapshots[i] = s
			return nil
		}
	}
	m.snapshots = append(m.snapshots, s)
	return nil
}

func (m *memRepo) ListSnapshots(ctx context.Context, a common.Address, from, to int64) ([]*models.PortfolioSnapshot, error) {
	var out []*models.PortfolioSnapshot
	for _, s := range m.snapshots {
		if s.Agent == a && s.Timestamp >= from && s.Timestamp <= to {
			out = append(out, s)
		}
	}
	return out, nil
}

// fixedOracle returns a constant price per token
type fixedOracle map[common.Address]decimal.Decimal

func (o fixedOracle) GetTokenPriceUSD(ctx context.Context, token common.Address, at int64, forceRefresh bool) decimal.Decimal {
	if p, ok := o[token]; ok {
		return p
	}
	return decimal.Zero
}

// fakeChain serves pool, position manager and wallet state
type fakeChain struct {
	slot0     map[common.Address]adapter.Slot0
	tokens    map[common.Address][2]common.Address
	reserves  map[common.Address]adapter.Reserves
	supply    map[common.Address]*big.Int
	balances  map[common.Address]map[common.Address]*big.Int
	native    map[common.Address]*big.Int
	nfts      map[string]adapter.NFTPosition
	assetRate int64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		slot0:     make(map[common.Address]adapter.Slot0),
		tokens:    make(map[common.Address][2]common.Address),
		reserves:  make(map[common.Address]adapter.Reserves),
		supply:    make(map[common.Address]*big.Int),
		balances:  make(map[common.Address]map[common.Address]*big.Int),
		native:    make(map[common.Address]*big.Int),
		nfts:      make(map[string]adapter.NFTPosition),
		assetRate: 1,
	}
}

func (c *fakeChain) setBalance(token, owner common.Address, v *big.Int) {
	if c.balances[token] == nil {
		c.balances[token] = make(map[common.Address]*big.Int)
	}
	c.balances[token][owner] = v
}

func (c *fakeChain) Token0(ctx context.Context, pool common.Address) (common.Address, error) {
	if t, ok := c.tokens[pool]; ok {
		return t[0], nil
	}
	return common.Address{}, adapter.ErrCallReverted
}

func (c *fakeChain) Token1(ctx context.Context, pool common.Address) (common.Address, error) {
	if t, ok := c.tokens[pool]; ok {
		return t[1], nil
	}
	return common.Address{}, adapter.ErrCallReverted
}

func (c *fakeChain) Slot0(ctx context.Context, pool common.Address) (adapter.Slot0, error) {
	if s, ok := c.slot0[pool]; ok {
		return s, nil
	}
	return adapter.Slot0{}, adapter.ErrCallReverted
}

func (c *fakeChain) GetReserves(ctx context.Context, pool common.Address) (adapter.Reserves, error) {
	if r, ok := c.reserves[pool]; ok {
		return r, nil
	}
	return adapter.Reserves{}, adapter.ErrCallReverted
}

func (c *fakeChain) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	if s, ok := c.supply[token]; ok {
		return s, nil
	}
	return nil, adapter.ErrCallReverted
}

func (c *fakeChain) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if b, ok := c.balances[token][owner]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) ConvertToAssets(ctx context.Context, v common.Address, shares *big.Int) (*big.Int, error) {
	return new(big.Int).Mul(shares, big.NewInt(c.assetRate)), nil
}

func (c *fakeChain) OwnerOf(ctx context.Context, m common.Address, tokenID *big.Int) (common.Address, error) {
	return agent, nil
}

func (c *fakeChain) Positions(ctx context.Context, m common.Address, tokenID *big.Int) (adapter.NFTPosition, error) {
	if p, ok := c.nfts[tokenID.String()]; ok {
		return p, nil
	}
	return adapter.NFTPosition{}, adapter.ErrCallReverted
}

func (c *fakeChain) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	if b, ok := c.native[owner]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

type harness struct {
	repo     *memRepo
	chain    *fakeChain
	prices   fixedOracle
	engine   *PortfolioEngine
	valuator *PositionValuator
	ledger   *FundingLedger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry, err := oracle.NewRegistry(types.ChainOptimism, weth, []models.Token{
		{Address: usdc, Symbol: "USDC", Decimals: 6, Class: types.ClassCoreStable, Critical: true},
		{Address: weth, Symbol: "WETH", Decimals: 18, Class: types.ClassWrapNative},
		{Address: dai, Symbol: "DAI", Decimals: 18, Class: types.ClassCoreStable},
	})
	require.NoError(t, err)

	h := &harness{
		repo:  newMemRepo(),
		chain: newFakeChain(),
		prices: fixedOracle{
			usdc: decimal.NewFromInt(1),
			dai:  decimal.NewFromInt(1),
			weth: decimal.NewFromInt(2000),
		},
	}
	h.engine = NewPortfolioEngine(h.repo, h.repo, h.repo, h.repo, h.prices, registry, h.chain)
	h.valuator = NewPositionValuator(h.repo, h.engine, h.prices, registry, h.chain)
	h.ledger = NewFundingLedger(h.repo, h.engine, h.prices, registry)
	return h
}

func units(n int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "got %s, want %s", got, want)
}
