// Package types provides common type definitions for the agent valuation system.
package types

// ChainID represents supported blockchain networks
type ChainID string

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = "ethereum"
	// ChainOptimism represents the Optimism network
	ChainOptimism ChainID = "optimism"
	// ChainBase represents the Base network
	ChainBase ChainID = "base"
	// ChainMode represents the Mode network
	ChainMode ChainID = "mode"
)

// IsValid reports whether the chain is one the valuator knows about
func (c ChainID) IsValid() bool {
	switch c {
	case ChainEthereum, ChainOptimism, ChainBase, ChainMode:
		return true
	}
	return false
}

// TokenClass selects the validation band applied to resolved prices
type TokenClass string

const (
	// ClassCoreStable is a fiat-backed stablecoin expected within a few percent of $1
	ClassCoreStable TokenClass = "core_stable"
	// ClassVariableStable is a synthetic or algorithmic stablecoin with a looser peg
	ClassVariableStable TokenClass = "variable_stable"
	// ClassWrapNative is the chain's wrapped native token
	ClassWrapNative TokenClass = "wrap_native"
	// ClassVolatile is any other token
	ClassVolatile TokenClass = "volatile"
)

// IsStable reports whether the class is pegged to $1
func (c TokenClass) IsStable() bool {
	return c == ClassCoreStable || c == ClassVariableStable
}

// SourceType identifies the on-chain contract shape a price is read from
type SourceType string

const (
	// SourceChainlink is a Chainlink aggregator quoting the token directly
	SourceChainlink SourceType = "chainlink"
	// SourceChainlinkReference is a Chainlink feed borrowed from a related token
	SourceChainlinkReference SourceType = "chainlink_reference"
	// SourceConstantSumPool is a stable-curve pool (Velodrome V2 stable)
	SourceConstantSumPool SourceType = "constant_sum_pool"
	// SourceConstantProductPool is an x*y=k pool (Velodrome V2 volatile, Uniswap V2)
	SourceConstantProductPool SourceType = "constant_product_pool"
	// SourceConcentratedLiquidityPool is a Uniswap V3 / Velodrome CL pool
	SourceConcentratedLiquidityPool SourceType = "concentrated_liquidity_pool"
	// SourceCache marks a quote served from the price cache
	SourceCache SourceType = "cache"
	// SourceEmergencyFallback marks the fixed $1 quote for critical stablecoins
	SourceEmergencyFallback SourceType = "emergency_fallback"
	// SourceNone marks an unresolved quote
	SourceNone SourceType = "none"
)

// IsChainlink reports whether the source reads a Chainlink aggregator
func (s SourceType) IsChainlink() bool {
	return s == SourceChainlink || s == SourceChainlinkReference
}

// PositionKind separates range positions from share-based ones
type PositionKind string

const (
	// KindRange is a concentrated-liquidity NFT position with fixed tick bounds
	KindRange PositionKind = "range"
	// KindPoolShare is an LP token balance in a constant-product or stable pool
	KindPoolShare PositionKind = "pool_share"
	// KindVaultShare is an ERC-4626 style vault share balance
	KindVaultShare PositionKind = "vault_share"
)

// IsValid reports whether the kind is known
func (k PositionKind) IsValid() bool {
	switch k {
	case KindRange, KindPoolShare, KindVaultShare:
		return true
	}
	return false
}

// FundingDirection marks external capital flowing into or out of an agent
type FundingDirection string

const (
	// FundingIn is a deposit from outside the agent's wallet
	FundingIn FundingDirection = "in"
	// FundingOut is a withdrawal to outside the agent's wallet
	FundingOut FundingDirection = "out"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
