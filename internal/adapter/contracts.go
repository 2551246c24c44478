package adapter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RoundData is the subset of a Chainlink round the oracle needs
type RoundData struct {
	RoundID   *big.Int
	Answer    *big.Int
	UpdatedAt int64
}

// PriceFeed reads Chainlink-style aggregators
type PriceFeed interface {
	// LatestRoundData returns the latest answer of feed, scaled by FeedDecimals
	LatestRoundData(ctx context.Context, feed common.Address) (RoundData, error)
	FeedDecimals(ctx context.Context, feed common.Address) (uint8, error)
}

// PoolTokens reads the token order of a two-sided pool
type PoolTokens interface {
	Token0(ctx context.Context, pool common.Address) (common.Address, error)
	Token1(ctx context.Context, pool common.Address) (common.Address, error)
}

// Slot0 is the live price state of a concentrated-liquidity pool
type Slot0 struct {
	SqrtPriceX96 *uint256.Int
	Tick         int
}

// ConcentratedPool reads Uniswap V3 / Velodrome CL pools
type ConcentratedPool interface {
	PoolTokens
	Slot0(ctx context.Context, pool common.Address) (Slot0, error)
}

// Reserves are the raw token balances of a constant-product or stable pool
type Reserves struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// ReservePool reads constant-product and constant-sum pools and their LP token
type ReservePool interface {
	PoolTokens
	GetReserves(ctx context.Context, pool common.Address) (Reserves, error)
	TotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// Vault reads ERC-4626 style share vaults
type Vault interface {
	ConvertToAssets(ctx context.Context, vault common.Address, shares *big.Int) (*big.Int, error)
	TotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
}

// NFTPosition is what a position manager reports for a range position
type NFTPosition struct {
	Token0 common.Address
	Token1 common.Address
	// FeeOrTickSpacing is the fee tier on Uniswap V3 and the tick spacing on Velodrome CL
	FeeOrTickSpacing int
	TickLower        int
	TickUpper        int
	Liquidity        *big.Int
}

// PositionManager reads NFT range positions
type PositionManager interface {
	OwnerOf(ctx context.Context, manager common.Address, tokenID *big.Int) (common.Address, error)
	Positions(ctx context.Context, manager common.Address, tokenID *big.Int) (NFTPosition, error)
}

// WalletReader reads idle balances of an agent's wallet
type WalletReader interface {
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// ChainReader is every read capability the valuator uses
type ChainReader interface {
	PriceFeed
	ConcentratedPool
	ReservePool
	Vault
	PositionManager
	WalletReader
}

// Common error types for contract reads

var (
	// ErrCallReverted indicates the contract call reverted or the contract returned nothing
	ErrCallReverted = fmt.Errorf("execution reverted")

	// ErrUnexpectedOutput indicates the call returned data the ABI could not decode
	ErrUnexpectedOutput = fmt.Errorf("unexpected contract output")

	// ErrProviderUnavailable indicates every RPC endpoint is unavailable
	ErrProviderUnavailable = fmt.Errorf("data provider unavailable")

	// ErrProviderRateLimit indicates the provider rate limit was exceeded
	ErrProviderRateLimit = fmt.Errorf("provider rate limit exceeded")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Chain   types.ChainID
	Op      string // Operation that failed (e.g., "LatestRoundData", "Slot0")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain reader error [%s:%s]: %v (details: %+v)", e.Chain, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain reader error [%s:%s]: %v", e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(chain types.ChainID, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Chain:   chain,
		Op:      op,
		Err:     err,
		Details: details,
	}
}
