package storage

import (
	"context"
	"fmt"

	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ClickHouseSnapshotRepository appends portfolio snapshots to ClickHouse
type ClickHouseSnapshotRepository struct {
	db *ClickHouseDB
}

// NewClickHouseSnapshotRepository creates a new ClickHouse snapshot repository
func NewClickHouseSnapshotRepository(db *ClickHouseDB) *ClickHouseSnapshotRepository {
	return &ClickHouseSnapshotRepository{db: db}
}

// AppendSnapshot inserts one snapshot row. The table collapses rows sharing (agent, timestamp) to the newest.
func (r *ClickHouseSnapshotRepository) AppendSnapshot(ctx context.Context, s *models.PortfolioSnapshot) error {
	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO portfolio_snapshots (
			id, agent, timestamp, positions_value, uninvested_value, final_value,
			initial_value, roi, apr, active_positions, scheduled
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	err = batch.Append(
		s.ID,
		addressKey(s.Agent),
		s.Timestamp,
		s.PositionsValue.String(),
		s.UninvestedValue.String(),
		s.FinalValue.String(),
		s.InitialValue.String(),
		s.ROI.String(),
		s.APR.String(),
		int32(s.ActivePositions), // #nosec G115 - position counts are small
		s.Scheduled,
	)
	if err != nil {
		return fmt.Errorf("failed to append snapshot %s to batch: %w", s.ID, err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// ListSnapshots returns the agent's snapshots with from <= timestamp <= to, oldest first
func (r *ClickHouseSnapshotRepository) ListSnapshots(ctx context.Context, agent common.Address, from, to int64) ([]*models.PortfolioSnapshot, error) {
	query := `
		SELECT id, agent, timestamp, positions_value, uninvested_value, final_value,
			initial_value, roi, apr, active_positions, scheduled
		FROM portfolio_snapshots FINAL
		WHERE agent = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp
	`

	rows, err := r.db.Conn().Query(ctx, query, addressKey(agent), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*models.PortfolioSnapshot
	for rows.Next() {
		var (
			s       models.PortfolioSnapshot
			id      uuid.UUID
			address string
			values  [6]string
			active  int32
		)
		if err := rows.Scan(
			&id, &address, &s.Timestamp,
			&values[0], &values[1], &values[2], &values[3], &values[4], &values[5],
			&active, &s.Scheduled,
		); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}

		s.ID = id
		s.Agent = common.HexToAddress(address)
		s.ActivePositions = int(active)
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

// QuoteRepository keeps the price-quote audit trail in ClickHouse
type QuoteRepository struct {
	db *ClickHouseDB
}

// NewQuoteRepository creates a new quote repository
func NewQuoteRepository(db *ClickHouseDB) *QuoteRepository {
	return &QuoteRepository{db: db}
}

// RecordQuote appends one resolution outcome
func (r *QuoteRepository) RecordQuote(ctx context.Context, q *models.PriceQuote) error {
	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO price_quotes (id, token, symbol, price, confidence, source, source_address, timestamp)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	if err := batch.Append(
		q.ID,
		addressKey(q.Token),
		q.Symbol,
		q.Price.String(),
		q.Confidence,
		string(q.Source),
		addressKey(q.SourceAddress),
		q.Timestamp,
	); err != nil {
		return fmt.Errorf("failed to append quote for %s: %w", q.Symbol, err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// ListQuotes returns the audited quotes for token with from <= timestamp <= to
func (r *QuoteRepository) ListQuotes(ctx context.Context, token common.Address, from, to int64) ([]*models.PriceQuote, error) {
	rows, err := r.db.Conn().Query(ctx, `
		SELECT id, token, symbol, price, confidence, source, source_address, timestamp
		FROM price_quotes
		WHERE token = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp
	`, addressKey(token), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query quotes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*models.PriceQuote
	for rows.Next() {
		var (
			q                      models.PriceQuote
			address, price, source string
			sourceAddress          string
		)
		if err := rows.Scan(&q.ID, &address, &q.Symbol, &price, &q.Confidence, &source, &sourceAddress, &q.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		if q.Price, err = parseDecimal(price); err != nil {
			return nil, err
		}
		q.Token = common.HexToAddress(address)
		q.Source = types.SourceType(source)
		q.SourceAddress = common.HexToAddress(sourceAddress)
		out = append(out, &q)
	}
	return out, rows.Err()
}
