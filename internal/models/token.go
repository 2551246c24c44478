package models

import (
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Token is the static configuration of a whitelisted token.
// One set per deployment, loaded once from the registry file.
type Token struct {
	Address  common.Address   `json:"address"`
	Symbol   string           `json:"symbol"`
	Decimals uint8            `json:"decimals"`
	Class    types.TokenClass `json:"class"`
	// Critical stablecoins fall back to $1 when every source fails
	Critical bool          `json:"critical"`
	Band     *PriceBand    `json:"band,omitempty"`
	Sources  []PriceSource `json:"sources"`
}

// PriceBand bounds the USD prices accepted for a token
type PriceBand struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Contains reports whether price lies inside the band, bounds inclusive
func (b PriceBand) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(b.Min) && price.LessThanOrEqual(b.Max)
}

// PriceSource is one on-chain contract a token's price can be read from
type PriceSource struct {
	Address  common.Address   `json:"address"`
	Type     types.SourceType `json:"type"`
	Priority int              `json:"priority"`
	// Confidence is a static weight in [0, 100]
	Confidence int `json:"confidence"`
	// PairToken is the other side of a pool source; zero for feeds
	PairToken common.Address `json:"pairToken,omitempty"`
	FeeTier   uint32         `json:"feeTier,omitempty"`
}

// HasPairToken reports whether the source names a paired token
func (s PriceSource) HasPairToken() bool {
	return s.PairToken != (common.Address{})
}

// TokenPrice is the cached result of the last successful resolution for a token
type TokenPrice struct {
	Token           common.Address   `json:"token" db:"token"`
	DerivedUSD      decimal.Decimal  `json:"derivedUsd" db:"derived_usd"`
	Confidence      float64          `json:"confidence" db:"confidence"`
	LastPriceUpdate int64            `json:"lastPriceUpdate" db:"last_price_update"`
	Source          types.SourceType `json:"source" db:"source"`
}

// PriceQuote is the outcome of one resolution attempt, kept as an audit record
type PriceQuote struct {
	ID            uuid.UUID        `json:"id" db:"id"`
	Token         common.Address   `json:"token" db:"token"`
	Symbol        string           `json:"symbol" db:"symbol"`
	Price         decimal.Decimal  `json:"price" db:"price"`
	Confidence    float64          `json:"confidence" db:"confidence"`
	Source        types.SourceType `json:"source" db:"source"`
	SourceAddress common.Address   `json:"sourceAddress" db:"source_address"`
	Timestamp     int64            `json:"timestamp" db:"timestamp"`
}

// Resolved reports whether the quote carries a usable price
func (q PriceQuote) Resolved() bool {
	return q.Price.IsPositive()
}
