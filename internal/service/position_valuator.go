package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/agent-valuator/internal/adapter"
	"github.com/agent-valuator/internal/errors"
	"github.com/agent-valuator/internal/liquidity"
	"github.com/agent-valuator/internal/logging"
	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PositionReader is the on-chain surface positions are valued from
type PositionReader interface {
	adapter.ConcentratedPool
	adapter.ReservePool
	adapter.Vault
	adapter.PositionManager
}

// Input types

// LiquidityIncrease is a decoded liquidity-add event
type LiquidityIncrease struct {
	Key  models.PositionKey
	Kind types.PositionKind
	// Manager is the NFT position manager for range positions
	Manager common.Address
	// Token0, Token1 and Range are read on chain when left empty
	Token0 common.Address
	Token1 common.Address
	Range  *models.RangeParams
	// LiquidityDelta is the liquidity (or shares) added by this event
	LiquidityDelta *big.Int
	// LiquidityAfter, when set, overrides the tracked total after the event
	LiquidityAfter *big.Int
	Amount0        *big.Int
	Amount1        *big.Int
	Timestamp      int64
	TxHash         string
}

// LiquidityDecrease is a decoded liquidity-removal event
type LiquidityDecrease struct {
	Key            models.PositionKey
	Manager        common.Address
	LiquidityDelta *big.Int
	// Remaining, when set, is the claim left after the event; otherwise it is read on chain
	Remaining *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
	Timestamp int64
	TxHash    string
}

// PoolStateChange is any event that moves a pool's price or reserves (swap, mint, burn, sync)
type PoolStateChange struct {
	Pool common.Address
	// SqrtPriceX96 is the post-swap price when the event carries it
	SqrtPriceX96 *uint256.Int
	Timestamp    int64
	TxHash       string
}

// PortfolioRecomputer is the part of the metrics engine the valuator drives
type PortfolioRecomputer interface {
	MarkFirstTrade(ctx context.Context, agent common.Address, at int64) error
	Recompute(ctx context.Context, agent common.Address, at int64) (*models.PortfolioSnapshot, error)
}

// PositionValuator tracks entry, exit and current value of liquidity positions
type PositionValuator struct {
	positions PositionRepository
	metrics   PortfolioRecomputer
	oracle    PriceOracle
	tokens    TokenCatalog
	chain     PositionReader
}

// NewPositionValuator creates a new position valuator
func NewPositionValuator(
	positions PositionRepository,
	metrics PortfolioRecomputer,
	oracle PriceOracle,
	tokens TokenCatalog,
	chain PositionReader,
) *PositionValuator {
	return &PositionValuator{
		positions: positions,
		metrics:   metrics,
		oracle:    oracle,
		tokens:    tokens,
		chain:     chain,
	}
}

// IncreaseLiquidity opens a new incarnation or accumulates into the open one
func (v *PositionValuator) IncreaseLiquidity(ctx context.Context, in LiquidityIncrease) (*models.Position, error) {
	logger := logging.FromContext(ctx).WithAgent(in.Key.Agent).WithFields(map[string]interface{}{
		"position": in.Key.String(),
		"txHash":   in.TxHash,
	})

	existing, err := v.positions.GetOpenPosition(ctx, in.Key)
	if err != nil {
		return nil, errors.NewDatabaseError("get open position", err)
	}

	var position models.Position
	if existing == nil {
		if !in.Kind.IsValid() {
			return nil, errors.NewInvalidParameterError("kind", fmt.Sprintf("unknown position kind %q", in.Kind))
		}
		shape, err := v.resolveShape(ctx, in)
		if err != nil {
			if errors.IsMissingIdentity(err) {
				logger.WithError(err).Warn("Data integrity: cannot open position")
			}
			return nil, err
		}

		deposit := v.flow(ctx, shape.token0, shape.token1, in.Amount0, in.Amount1, in.Timestamp, in.TxHash)
		position = models.OpenPosition(in.Key, in.Kind, shape.token0, shape.token1, shape.rng, liquidityAfter(nil, in.LiquidityDelta, in.LiquidityAfter), deposit)

		if err := v.metrics.MarkFirstTrade(ctx, in.Key.Agent, in.Timestamp); err != nil {
			return nil, err
		}
		logger.WithField("entryUsd", deposit.USD().String()).Info("Position opened")
	} else {
		deposit := v.flow(ctx, existing.Token0, existing.Token1, in.Amount0, in.Amount1, in.Timestamp, in.TxHash)
		position, err = existing.Increase(deposit, liquidityAfter(existing.Liquidity, in.LiquidityDelta, in.LiquidityAfter))
		if err != nil {
			return nil, err
		}
		logger.WithField("entryUsd", position.Entry().USD().String()).Debug("Position increased")
	}

	position = v.revalue(ctx, position, nil, in.Timestamp)
	if err := v.positions.SavePosition(ctx, &position); err != nil {
		return nil, errors.NewDatabaseError("save position", err)
	}

	if _, err := v.metrics.Recompute(ctx, in.Key.Agent, in.Timestamp); err != nil {
		return &position, &RecomputeError{Agents: []common.Address{in.Key.Agent}, At: in.Timestamp, Err: err}
	}
	return &position, nil
}

// DecreaseLiquidity records a withdrawal and closes the position once nothing remains
func (v *PositionValuator) DecreaseLiquidity(ctx context.Context, in LiquidityDecrease) (*models.Position, error) {
	logger := logging.FromContext(ctx).WithAgent(in.Key.Agent).WithFields(map[string]interface{}{
		"position": in.Key.String(),
		"txHash":   in.TxHash,
	})

	existing, err := v.positions.GetOpenPosition(ctx, in.Key)
	if err != nil {
		return nil, errors.NewDatabaseError("get open position", err)
	}
	if existing == nil {
		err := errors.NewMissingIdentityError("open position", in.Key.String())
		logger.WithError(err).Warn("Data integrity: withdrawal from a position that is not open")
		return nil, err
	}

	withdrawal := v.flow(ctx, existing.Token0, existing.Token1, in.Amount0, in.Amount1, in.Timestamp, in.TxHash)
	remaining := v.remaining(ctx, existing, in)

	position, err := existing.Decrease(withdrawal, remaining)
	if err != nil {
		return nil, err
	}

	if position.IsActive() {
		position = v.revalue(ctx, position, nil, in.Timestamp)
		logger.WithField("withdrawnUsd", position.Withdrawn().USD().String()).Debug("Partial withdrawal")
	} else {
		exit, _ := position.Exit()
		logger.WithFields(map[string]interface{}{
			"exitUsd": exit.USD().String(),
			"pnlUsd":  position.PnL().String(),
		}).Info("Position closed")
	}

	if err := v.positions.SavePosition(ctx, &position); err != nil {
		return nil, errors.NewDatabaseError("save position", err)
	}

	if _, err := v.metrics.Recompute(ctx, in.Key.Agent, in.Timestamp); err != nil {
		return &position, &RecomputeError{Agents: []common.Address{in.Key.Agent}, At: in.Timestamp, Err: err}
	}
	return &position, nil
}

// RefreshPool revalues every open position on a pool and recomputes each affected agent.
// Closed positions are never loaded, so they cannot be touched.
func (v *PositionValuator) RefreshPool(ctx context.Context, in PoolStateChange) (int, error) {
	open, err := v.positions.ListOpenPositionsByPool(ctx, in.Pool)
	if err != nil {
		return 0, errors.NewDatabaseError("list open positions", err)
	}
	if len(open) == 0 {
		return 0, nil
	}

	agents := make(map[common.Address]struct{})
	var order []common.Address
	for _, existing := range open {
		position := v.revalue(ctx, *existing, in.SqrtPriceX96, in.Timestamp)
		if err := v.positions.SavePosition(ctx, &position); err != nil {
			return 0, errors.NewDatabaseError("save position", err)
		}
		if _, seen := agents[position.Key.Agent]; !seen {
			agents[position.Key.Agent] = struct{}{}
			order = append(order, position.Key.Agent)
		}
	}

	var (
		failed   []common.Address
		firstErr error
	)
	for _, agent := range order {
		if _, err := v.metrics.Recompute(ctx, agent, in.Timestamp); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed = append(failed, agent)
		}
	}
	if len(failed) > 0 {
		return len(open), &RecomputeError{Agents: failed, At: in.Timestamp, Err: firstErr}
	}
	return len(open), nil
}

type positionShape struct {
	token0 models.TokenRef
	token1 models.TokenRef
	rng    *models.RangeParams
}

// resolveShape fills token identity and range for a new incarnation, reading the chain for anything the event omitted
func (v *PositionValuator) resolveShape(ctx context.Context, in LiquidityIncrease) (positionShape, error) {
	t0, t1, rng := in.Token0, in.Token1, in.Range

	switch in.Kind {
	case types.KindRange:
		if (rng == nil || t0 == (common.Address{})) && in.Manager != (common.Address{}) {
			tokenID, ok := new(big.Int).SetString(in.Key.TokenID, 10)
			if !ok {
				return positionShape{}, errors.NewInvalidParameterError("tokenId", in.Key.TokenID)
			}
			nft, err := v.chain.Positions(ctx, in.Manager, tokenID)
			if err != nil {
				return positionShape{}, errors.NewUnavailableError("positions", err)
			}
			t0, t1 = nft.Token0, nft.Token1
			if rng == nil {
				rng = &models.RangeParams{
					TickLower:   nft.TickLower,
					TickUpper:   nft.TickUpper,
					Fee:         uint32(nft.FeeOrTickSpacing),
					TickSpacing: nft.FeeOrTickSpacing,
				}
			}
		}
		if rng == nil {
			return positionShape{}, errors.NewMissingIdentityError("tick range", in.Key.String())
		}
	case types.KindPoolShare:
		if t0 == (common.Address{}) || t1 == (common.Address{}) {
			var err error
			if t0, err = v.chain.Token0(ctx, in.Key.Pool); err != nil {
				return positionShape{}, errors.NewUnavailableError("token0", err)
			}
			if t1, err = v.chain.Token1(ctx, in.Key.Pool); err != nil {
				return positionShape{}, errors.NewUnavailableError("token1", err)
			}
		}
	}

	ref0, err := v.tokenRef(t0, false)
	if err != nil {
		return positionShape{}, err
	}
	// vaults hold a single underlying asset
	ref1, err := v.tokenRef(t1, in.Kind == types.KindVaultShare)
	if err != nil {
		return positionShape{}, err
	}
	return positionShape{token0: ref0, token1: ref1, rng: rng}, nil
}

func (v *PositionValuator) tokenRef(address common.Address, optional bool) (models.TokenRef, error) {
	if address == (common.Address{}) && optional {
		return models.TokenRef{}, nil
	}
	token, ok := v.tokens.Lookup(address)
	if !ok {
		return models.TokenRef{}, errors.NewMissingIdentityError("token", address.Hex())
	}
	return models.TokenRef{Address: token.Address, Symbol: token.Symbol, Decimals: token.Decimals}, nil
}

// remaining returns the claim left after a withdrawal: the event value, then the chain, then tracked minus delta
func (v *PositionValuator) remaining(ctx context.Context, p *models.Position, in LiquidityDecrease) *big.Int {
	if in.Remaining != nil {
		return in.Remaining
	}

	var (
		onChain *big.Int
		err     error
	)
	switch p.Kind {
	case types.KindRange:
		tokenID, ok := new(big.Int).SetString(p.Key.TokenID, 10)
		if ok && in.Manager != (common.Address{}) {
			var nft adapter.NFTPosition
			if nft, err = v.chain.Positions(ctx, in.Manager, tokenID); err == nil {
				onChain = nft.Liquidity
			}
		}
	default:
		onChain, err = v.chain.BalanceOf(ctx, p.Key.Pool, p.Key.Agent)
	}
	if onChain != nil {
		return onChain
	}
	if err != nil {
		logging.FromContext(ctx).WithField("position", p.Key.String()).WithError(err).
			Warn("Remaining claim unavailable on chain, using tracked liquidity")
	}

	left := new(big.Int)
	if p.Liquidity != nil {
		left.Set(p.Liquidity)
	}
	if in.LiquidityDelta != nil {
		left.Sub(left, in.LiquidityDelta)
	}
	if left.Sign() < 0 {
		left.SetInt64(0)
	}
	return left
}

// revalue refreshes the live holdings of an open position. An unavailable read keeps the previous holdings.
func (v *PositionValuator) revalue(ctx context.Context, p models.Position, sqrtPriceX96 *uint256.Int, at int64) models.Position {
	if !p.IsActive() {
		return p
	}

	amount0, amount1, err := v.claimAmounts(ctx, p, sqrtPriceX96)
	if err != nil {
		logging.FromContext(ctx).WithField("position", p.Key.String()).WithError(err).
			Warn("Position revaluation skipped, keeping previous holdings")
		return p
	}

	h0, usd0 := v.price(ctx, p.Token0, amount0, at)
	h1, usd1 := v.price(ctx, p.Token1, amount1, at)

	revalued, err := p.Revalue(models.Holdings{
		Amount0:    h0,
		Amount1:    h1,
		Amount0USD: usd0,
		Amount1USD: usd1,
		UpdatedAt:  at,
	})
	if err != nil {
		return p
	}
	return revalued
}

// claimAmounts returns the raw token amounts the position can currently claim
func (v *PositionValuator) claimAmounts(ctx context.Context, p models.Position, sqrtPriceX96 *uint256.Int) (*big.Int, *big.Int, error) {
	switch p.Kind {
	case types.KindRange:
		if p.Range == nil {
			return nil, nil, errors.NewMissingIdentityError("tick range", p.Key.String())
		}
		if sqrtPriceX96 == nil {
			slot0, err := v.chain.Slot0(ctx, p.Key.Pool)
			if err != nil {
				return nil, nil, errors.NewUnavailableError("slot0", err)
			}
			sqrtPriceX96 = slot0.SqrtPriceX96
		}
		a0, a1 := liquidity.AmountsForTicks(sqrtPriceX96.ToBig(), p.Range.TickLower, p.Range.TickUpper, p.Liquidity)
		return a0, a1, nil

	case types.KindPoolShare:
		reserves, err := v.chain.GetReserves(ctx, p.Key.Pool)
		if err != nil {
			return nil, nil, errors.NewUnavailableError("getReserves", err)
		}
		supply, err := v.chain.TotalSupply(ctx, p.Key.Pool)
		if err != nil {
			return nil, nil, errors.NewUnavailableError("totalSupply", err)
		}
		return shareOf(reserves.Reserve0, p.Liquidity, supply), shareOf(reserves.Reserve1, p.Liquidity, supply), nil

	case types.KindVaultShare:
		assets, err := v.chain.ConvertToAssets(ctx, p.Key.Pool, p.Liquidity)
		if err != nil {
			return nil, nil, errors.NewUnavailableError("convertToAssets", err)
		}
		return assets, new(big.Int), nil
	}
	return nil, nil, errors.NewInvalidParameterError("kind", string(p.Kind))
}

// flow prices raw event amounts at the event time
func (v *PositionValuator) flow(ctx context.Context, t0, t1 models.TokenRef, amount0, amount1 *big.Int, at int64, txHash string) models.Flow {
	h0, usd0 := v.price(ctx, t0, amount0, at)
	h1, usd1 := v.price(ctx, t1, amount1, at)
	return models.Flow{
		Amount0:    h0,
		Amount1:    h1,
		Amount0USD: usd0,
		Amount1USD: usd1,
		Timestamp:  at,
		TxHash:     txHash,
	}
}

func (v *PositionValuator) price(ctx context.Context, token models.TokenRef, raw *big.Int, at int64) (decimal.Decimal, decimal.Decimal) {
	human := toHuman(raw, token.Decimals)
	if human.IsZero() || token.Address == (common.Address{}) {
		return human, decimal.Zero
	}
	return human, human.Mul(v.oracle.GetTokenPriceUSD(ctx, token.Address, at, false))
}

// toHuman scales a raw token amount by its decimals
func toHuman(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// shareOf returns reserve * balance / supply, zero on an empty supply
func shareOf(reserve, balance, supply *big.Int) *big.Int {
	if reserve == nil || balance == nil || supply == nil || supply.Sign() <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(reserve, balance)
	return out.Quo(out, supply)
}

// liquidityAfter is the position's claim after an increase
func liquidityAfter(current, delta, after *big.Int) *big.Int {
	if after != nil {
		return after
	}
	out := new(big.Int)
	if current != nil {
		out.Set(current)
	}
	if delta != nil {
		out.Add(out, delta)
	}
	return out
}
