package service

import (
	"context"
	"math/big"

	"github.com/agent-valuator/internal/errors"
	"github.com/agent-valuator/internal/logging"
	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// FundingTransfer is external capital moving into or out of an agent's wallet.
// A zero Token is the native asset.
type FundingTransfer struct {
	Agent     common.Address
	Token     common.Address
	Amount    *big.Int
	Timestamp int64
	TxHash    string
}

// FundingLedger keeps the running funding balance ROI is measured against
type FundingLedger struct {
	funding FundingRepository
	metrics PortfolioRecomputer
	oracle  PriceOracle
	tokens  TokenCatalog
}

// NewFundingLedger creates a new funding ledger
func NewFundingLedger(funding FundingRepository, metrics PortfolioRecomputer, oracle PriceOracle, tokens TokenCatalog) *FundingLedger {
	return &FundingLedger{
		funding: funding,
		metrics: metrics,
		oracle:  oracle,
		tokens:  tokens,
	}
}

// RecordDeposit adds an inbound transfer to the agent's funding balance
func (l *FundingLedger) RecordDeposit(ctx context.Context, in FundingTransfer) (*models.FundingBalance, error) {
	return l.record(ctx, types.FundingIn, in)
}

// RecordWithdrawal adds an outbound transfer to the agent's funding balance
func (l *FundingLedger) RecordWithdrawal(ctx context.Context, in FundingTransfer) (*models.FundingBalance, error) {
	return l.record(ctx, types.FundingOut, in)
}

func (l *FundingLedger) record(ctx context.Context, direction types.FundingDirection, in FundingTransfer) (*models.FundingBalance, error) {
	logger := logging.FromContext(ctx).WithAgent(in.Agent).WithFields(map[string]interface{}{
		"direction": direction,
		"txHash":    in.TxHash,
	})

	usd, err := l.priceTransfer(ctx, in)
	if err != nil {
		logger.WithError(err).Warn("Data integrity: funding transfer in unregistered token")
		return nil, err
	}

	current, err := l.funding.GetFundingBalance(ctx, in.Agent)
	if err != nil {
		return nil, errors.NewDatabaseError("get funding balance", err)
	}
	if current == nil {
		current = models.NewFundingBalance(in.Agent)
	}

	next := current.Apply(direction, usd, in.Timestamp)
	if err := l.funding.SaveFundingBalance(ctx, &next); err != nil {
		return nil, errors.NewDatabaseError("save funding balance", err)
	}
	logger.WithFields(map[string]interface{}{
		"usd":    usd.String(),
		"netUsd": next.NetUSD.String(),
	}).Info("Funding recorded")

	if _, err := l.metrics.Recompute(ctx, in.Agent, in.Timestamp); err != nil {
		return &next, &RecomputeError{Agents: []common.Address{in.Agent}, At: in.Timestamp, Err: err}
	}
	return &next, nil
}

func (l *FundingLedger) priceTransfer(ctx context.Context, in FundingTransfer) (decimal.Decimal, error) {
	token := in.Token
	decimals := uint8(nativeDecimals)

	if token == (common.Address{}) {
		wrap, ok := l.tokens.WrapToken()
		if !ok {
			return decimal.Zero, errors.NewMissingIdentityError("wrap token", "native")
		}
		token = wrap.Address
	} else {
		cfg, ok := l.tokens.Lookup(token)
		if !ok {
			return decimal.Zero, errors.NewMissingIdentityError("token", token.Hex())
		}
		decimals = cfg.Decimals
	}

	human := toHuman(in.Amount, decimals)
	if human.IsZero() {
		return decimal.Zero, nil
	}
	return human.Mul(l.oracle.GetTokenPriceUSD(ctx, token, in.Timestamp, false)), nil
}
