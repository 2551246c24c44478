package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PortfolioSnapshot is an immutable copy of a Portfolio at a point in time, keyed by (agent, timestamp)
type PortfolioSnapshot struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Agent           common.Address  `json:"agent" db:"agent"`
	Timestamp       int64           `json:"timestamp" db:"timestamp"`
	PositionsValue  decimal.Decimal `json:"positionsValue" db:"positions_value"`
	UninvestedValue decimal.Decimal `json:"uninvestedValue" db:"uninvested_value"`
	FinalValue      decimal.Decimal `json:"finalValue" db:"final_value"`
	InitialValue    decimal.Decimal `json:"initialValue" db:"initial_value"`
	ROI             decimal.Decimal `json:"roi" db:"roi"`
	APR             decimal.Decimal `json:"apr" db:"apr"`
	ActivePositions int             `json:"activePositions" db:"active_positions"`
	// Scheduled marks the once-per-UTC-day snapshot as opposed to event-triggered ones
	Scheduled bool `json:"scheduled" db:"scheduled"`
}

// SnapshotOf copies p into a new snapshot at timestamp
func SnapshotOf(p *Portfolio, timestamp int64, activePositions int, scheduled bool) *PortfolioSnapshot {
	return &PortfolioSnapshot{
		ID:              uuid.New(),
		Agent:           p.Agent,
		Timestamp:       timestamp,
		PositionsValue:  p.PositionsValue,
		UninvestedValue: p.UninvestedValue,
		FinalValue:      p.FinalValue,
		InitialValue:    p.InitialValue,
		ROI:             p.ROI,
		APR:             p.APR,
		ActivePositions: activePositions,
		Scheduled:       scheduled,
	}
}
