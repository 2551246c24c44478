package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"

	"github.com/agent-valuator/internal/adapter"
	"github.com/agent-valuator/internal/errors"
	"github.com/agent-valuator/internal/logging"
	"github.com/agent-valuator/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// nativeDecimals is the precision of the chain's native balance
const nativeDecimals = 18

// PortfolioEngine aggregates positions, idle balances and funding into ROI/APR
type PortfolioEngine struct {
	positions  PositionRepository
	portfolios PortfolioRepository
	funding    FundingRepository
	snapshots  SnapshotRepository
	oracle     PriceOracle
	tokens     TokenCatalog
	wallet     adapter.WalletReader
}

// NewPortfolioEngine creates a new portfolio metrics engine
func NewPortfolioEngine(
	positions PositionRepository,
	portfolios PortfolioRepository,
	funding FundingRepository,
	snapshots SnapshotRepository,
	oracle PriceOracle,
	tokens TokenCatalog,
	wallet adapter.WalletReader,
) *PortfolioEngine {
	return &PortfolioEngine{
		positions:  positions,
		portfolios: portfolios,
		funding:    funding,
		snapshots:  snapshots,
		oracle:     oracle,
		tokens:     tokens,
		wallet:     wallet,
	}
}

// Recompute refreshes the agent's portfolio at chain time at and appends an event-triggered snapshot
func (e *PortfolioEngine) Recompute(ctx context.Context, agent common.Address, at int64) (*models.PortfolioSnapshot, error) {
	return e.recompute(ctx, agent, at, false)
}

// ScheduledSnapshot recomputes only when the agent has no scheduled snapshot for now's UTC day.
// It returns nil when no snapshot was due.
func (e *PortfolioEngine) ScheduledSnapshot(ctx context.Context, agent common.Address, now int64) (*models.PortfolioSnapshot, error) {
	portfolio, err := e.portfolios.GetPortfolio(ctx, agent)
	if err != nil {
		return nil, errors.NewDatabaseError("get portfolio", err)
	}
	if portfolio != nil && !SnapshotDue(portfolio.LastSnapshotTimestamp, now) {
		return nil, nil
	}
	return e.recompute(ctx, agent, now, true)
}

// MarkFirstTrade sets firstTradingTimestamp the first time the agent opens a position
func (e *PortfolioEngine) MarkFirstTrade(ctx context.Context, agent common.Address, at int64) error {
	portfolio, err := e.loadPortfolio(ctx, agent)
	if err != nil {
		return err
	}
	if portfolio.FirstTradingTimestamp > 0 {
		return nil
	}

	portfolio.FirstTradingTimestamp = at
	portfolio.UpdatedAt = at
	if err := e.portfolios.SavePortfolio(ctx, portfolio); err != nil {
		return errors.NewDatabaseError("save portfolio", err)
	}
	return nil
}

func (e *PortfolioEngine) recompute(ctx context.Context, agent common.Address, at int64, scheduled bool) (*models.PortfolioSnapshot, error) {
	logger := logging.FromContext(ctx).WithAgent(agent)

	portfolio, err := e.loadPortfolio(ctx, agent)
	if err != nil {
		return nil, err
	}

	initial := decimal.Zero
	balance, err := e.funding.GetFundingBalance(ctx, agent)
	if err != nil {
		return nil, errors.NewDatabaseError("get funding balance", err)
	}
	if balance != nil {
		initial = balance.NetUSD
	}

	active, err := e.positions.ListPositions(ctx, agent, true)
	if err != nil {
		return nil, errors.NewDatabaseError("list positions", err)
	}
	positionsValue := decimal.Zero
	for _, p := range active {
		positionsValue = positionsValue.Add(p.CurrentUSD())
	}

	uninvested := e.uninvestedValue(ctx, logger, agent, at)

	portfolio.InitialValue = initial
	portfolio.PositionsValue = positionsValue
	portfolio.UninvestedValue = uninvested
	portfolio.FinalValue = positionsValue.Add(uninvested)
	portfolio.ROI = ComputeROI(portfolio.FinalValue, initial)
	portfolio.APR = ComputeAPR(portfolio.ROI, portfolio.FirstTradingTimestamp, at)
	portfolio.UpdatedAt = at
	if scheduled {
		portfolio.LastSnapshotTimestamp = at
	}

	if err := e.portfolios.SavePortfolio(ctx, portfolio); err != nil {
		return nil, errors.NewDatabaseError("save portfolio", err)
	}

	snapshot := models.SnapshotOf(portfolio, at, len(active), scheduled)
	if err := e.snapshots.AppendSnapshot(ctx, snapshot); err != nil {
		return nil, errors.NewDatabaseError("append snapshot", err)
	}

	logger.WithFields(map[string]interface{}{
		"finalValue": portfolio.FinalValue.String(),
		"roi":        portfolio.ROI.StringFixed(4),
		"apr":        portfolio.APR.StringFixed(4),
		"scheduled":  scheduled,
	}).Debug("Portfolio recomputed")

	return snapshot, nil
}

// uninvestedValue prices the wallet's native balance as the wrap token plus every whitelisted token balance.
// Unreadable balances count as zero.
func (e *PortfolioEngine) uninvestedValue(ctx context.Context, logger *logging.Logger, agent common.Address, at int64) decimal.Decimal {
	if e.wallet == nil {
		return decimal.Zero
	}
	total := decimal.Zero

	if wrap, ok := e.tokens.WrapToken(); ok {
		native, err := e.wallet.NativeBalance(ctx, agent)
		if err != nil {
			logger.WithError(err).Warn("Native balance unavailable")
		} else {
			total = total.Add(e.valueOf(ctx, wrap.Address, native, nativeDecimals, at))
		}
	}

	for _, token := range e.tokens.Tokens() {
		balance, err := e.wallet.BalanceOf(ctx, token.Address, agent)
		if err != nil {
			logger.WithToken(token.Address, token.Symbol).WithError(err).Debug("Token balance unavailable")
			continue
		}
		total = total.Add(e.valueOf(ctx, token.Address, balance, token.Decimals, at))
	}
	return total
}

func (e *PortfolioEngine) valueOf(ctx context.Context, token common.Address, raw *big.Int, decimals uint8, at int64) decimal.Decimal {
	if raw == nil || raw.Sign() <= 0 {
		return decimal.Zero
	}
	return toHuman(raw, decimals).Mul(e.oracle.GetTokenPriceUSD(ctx, token, at, false))
}

func (e *PortfolioEngine) loadPortfolio(ctx context.Context, agent common.Address) (*models.Portfolio, error) {
	portfolio, err := e.portfolios.GetPortfolio(ctx, agent)
	if err != nil {
		return nil, errors.NewDatabaseError("get portfolio", err)
	}
	if portfolio == nil {
		portfolio = models.NewPortfolio(agent)
	}
	return portfolio, nil
}

// RecomputeError reports that an event's state change was saved but refreshing the affected
// portfolios failed. Running Recompute for Agents at At again completes the event.
type RecomputeError struct {
	Agents []common.Address
	At     int64
	Err    error
}

func (e *RecomputeError) Error() string {
	return fmt.Sprintf("portfolio recompute at %d failed for %d agent(s): %v", e.At, len(e.Agents), e.Err)
}

func (e *RecomputeError) Unwrap() error {
	return e.Err
}

// AsRecomputeError returns the RecomputeError in err's chain, if any
func AsRecomputeError(err error) (*RecomputeError, bool) {
	var re *RecomputeError
	ok := stderrors.As(err, &re)
	return re, ok
}
