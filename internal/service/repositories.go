package service

import (
	"context"

	"github.com/agent-valuator/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Repository interfaces for dependency injection

// PositionRepository stores position incarnations
type PositionRepository interface {
	// GetOpenPosition returns the open incarnation for key, or nil if none is open
	GetOpenPosition(ctx context.Context, key models.PositionKey) (*models.Position, error)
	// SavePosition inserts or replaces a position by ID
	SavePosition(ctx context.Context, position *models.Position) error
	ListPositions(ctx context.Context, agent common.Address, activeOnly bool) ([]*models.Position, error)
	ListOpenPositionsByPool(ctx context.Context, pool common.Address) ([]*models.Position, error)
}

// PortfolioRepository stores one portfolio per agent
type PortfolioRepository interface {
	// GetPortfolio returns nil when the agent has no portfolio yet
	GetPortfolio(ctx context.Context, agent common.Address) (*models.Portfolio, error)
	SavePortfolio(ctx context.Context, portfolio *models.Portfolio) error
	ListAgents(ctx context.Context) ([]common.Address, error)
}

// FundingRepository stores per-agent funding balances
type FundingRepository interface {
	// GetFundingBalance returns nil when the agent was never funded
	GetFundingBalance(ctx context.Context, agent common.Address) (*models.FundingBalance, error)
	SaveFundingBalance(ctx context.Context, balance *models.FundingBalance) error
}

// SnapshotRepository stores portfolio snapshots keyed by (agent, timestamp)
type SnapshotRepository interface {
	// AppendSnapshot replaces any snapshot already stored at the same (agent, timestamp)
	AppendSnapshot(ctx context.Context, snapshot *models.PortfolioSnapshot) error
	ListSnapshots(ctx context.Context, agent common.Address, from, to int64) ([]*models.PortfolioSnapshot, error)
}

// PriceOracle resolves USD prices; unresolved prices are zero
type PriceOracle interface {
	GetTokenPriceUSD(ctx context.Context, token common.Address, at int64, forceRefresh bool) decimal.Decimal
}

// TokenCatalog is the static token whitelist
type TokenCatalog interface {
	Lookup(address common.Address) (*models.Token, bool)
	Tokens() []*models.Token
	WrapToken() (*models.Token, bool)
}
