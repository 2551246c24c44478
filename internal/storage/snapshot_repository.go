package storage

import (
	"context"
	"fmt"

	"github.com/agent-valuator/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SnapshotRepository stores portfolio snapshots in Postgres when ClickHouse is disabled
type SnapshotRepository struct {
	db *PostgresDB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *PostgresDB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// AppendSnapshot stores a snapshot. A later snapshot at the same (agent, timestamp) replaces the earlier one.
func (r *SnapshotRepository) AppendSnapshot(ctx context.Context, s *models.PortfolioSnapshot) error {
	query := `
		INSERT INTO portfolio_snapshots (
			id, agent, timestamp, positions_value, uninvested_value, final_value,
			initial_value, roi, apr, active_positions, scheduled
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11)
		ON CONFLICT (agent, timestamp) DO UPDATE SET
			id = EXCLUDED.id,
			positions_value = EXCLUDED.positions_value,
			uninvested_value = EXCLUDED.uninvested_value,
			final_value = EXCLUDED.final_value,
			initial_value = EXCLUDED.initial_value,
			roi = EXCLUDED.roi,
			apr = EXCLUDED.apr,
			active_positions = EXCLUDED.active_positions,
			scheduled = EXCLUDED.scheduled
	`

	_, err := r.db.Pool().Exec(ctx, query,
		s.ID,
		addressKey(s.Agent),
		s.Timestamp,
		s.PositionsValue.String(),
		s.UninvestedValue.String(),
		s.FinalValue.String(),
		s.InitialValue.String(),
		s.ROI.String(),
		s.APR.String(),
		s.ActivePositions,
		s.Scheduled,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns the agent's snapshots with from <= timestamp <= to, oldest first
func (r *SnapshotRepository) ListSnapshots(ctx context.Context, agent common.Address, from, to int64) ([]*models.PortfolioSnapshot, error) {
	query := `
		SELECT id, agent, timestamp, positions_value::text, uninvested_value::text, final_value::text,
			initial_value::text, roi::text, apr::text, active_positions, scheduled
		FROM portfolio_snapshots
		WHERE agent = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp
	`

	rows, err := r.db.Pool().Query(ctx, query, addressKey(agent), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []*models.PortfolioSnapshot
	for rows.Next() {
		var (
			s       models.PortfolioSnapshot
			id      uuid.UUID
			address string
			values  [6]string
		)
		if err := rows.Scan(
			&id, &address, &s.Timestamp,
			&values[0], &values[1], &values[2], &values[3], &values[4], &values[5],
			&s.ActivePositions, &s.Scheduled,
		); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}

		s.ID = id
		s.Agent = common.HexToAddress(address)
		if err := parseDecimals(snapshotTargets(&s, values)); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", id, err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

func snapshotTargets(s *models.PortfolioSnapshot, values [6]string) []*decimalTarget {
	return []*decimalTarget{
		{&s.PositionsValue, values[0]},
		{&s.UninvestedValue, values[1]},
		{&s.FinalValue, values[2]},
		{&s.InitialValue, values[3]},
		{&s.ROI, values[4]},
		{&s.APR, values[5]},
	}
}
