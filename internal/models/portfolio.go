package models

import (
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Portfolio is the aggregate valuation of one agent. One per agent, never deleted.
type Portfolio struct {
	Agent           common.Address  `json:"agent" db:"agent"`
	PositionsValue  decimal.Decimal `json:"positionsValue" db:"positions_value"`
	UninvestedValue decimal.Decimal `json:"uninvestedValue" db:"uninvested_value"`
	FinalValue      decimal.Decimal `json:"finalValue" db:"final_value"`
	InitialValue    decimal.Decimal `json:"initialValue" db:"initial_value"`
	ROI             decimal.Decimal `json:"roi" db:"roi"`
	APR             decimal.Decimal `json:"apr" db:"apr"`
	// FirstTradingTimestamp is set when the first position opens and never reset
	FirstTradingTimestamp int64 `json:"firstTradingTimestamp" db:"first_trading_timestamp"`
	LastSnapshotTimestamp int64 `json:"lastSnapshotTimestamp" db:"last_snapshot_timestamp"`
	UpdatedAt             int64 `json:"updatedAt" db:"updated_at"`
}

// NewPortfolio returns an empty portfolio for agent
func NewPortfolio(agent common.Address) *Portfolio {
	return &Portfolio{
		Agent:           agent,
		PositionsValue:  decimal.Zero,
		UninvestedValue: decimal.Zero,
		FinalValue:      decimal.Zero,
		InitialValue:    decimal.Zero,
		ROI:             decimal.Zero,
		APR:             decimal.Zero,
	}
}

// FundingBalance is the running total of external capital moved in and out of an agent
type FundingBalance struct {
	Agent       common.Address  `json:"agent" db:"agent"`
	TotalInUSD  decimal.Decimal `json:"totalInUsd" db:"total_in_usd"`
	TotalOutUSD decimal.Decimal `json:"totalOutUsd" db:"total_out_usd"`
	NetUSD      decimal.Decimal `json:"netUsd" db:"net_usd"`
	UpdatedAt   int64           `json:"updatedAt" db:"updated_at"`
}

// NewFundingBalance returns a zero balance for agent
func NewFundingBalance(agent common.Address) *FundingBalance {
	return &FundingBalance{
		Agent:       agent,
		TotalInUSD:  decimal.Zero,
		TotalOutUSD: decimal.Zero,
		NetUSD:      decimal.Zero,
	}
}

// Apply returns the balance after one funding transfer
func (f FundingBalance) Apply(direction types.FundingDirection, usd decimal.Decimal, at int64) FundingBalance {
	switch direction {
	case types.FundingIn:
		f.TotalInUSD = f.TotalInUSD.Add(usd)
	case types.FundingOut:
		f.TotalOutUSD = f.TotalOutUSD.Add(usd)
	}
	f.NetUSD = f.TotalInUSD.Sub(f.TotalOutUSD)
	f.UpdatedAt = at
	return f
}
