package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/agent-valuator/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
)

// PortfolioRepository handles portfolio and funding balance persistence
type PortfolioRepository struct {
	db *PostgresDB
}

// NewPortfolioRepository creates a new portfolio repository
func NewPortfolioRepository(db *PostgresDB) *PortfolioRepository {
	return &PortfolioRepository{db: db}
}

// GetPortfolio returns the agent's portfolio, or nil if none was stored
func (r *PortfolioRepository) GetPortfolio(ctx context.Context, agent common.Address) (*models.Portfolio, error) {
	query := `
		SELECT agent, positions_value::text, uninvested_value::text, final_value::text,
			initial_value::text, roi::text, apr::text,
			first_trading_timestamp, last_snapshot_timestamp, updated_at
		FROM portfolios
		WHERE agent = $1
	`

	var (
		address string
		values  [6]string
		p       models.Portfolio
	)
	err := r.db.Pool().QueryRow(ctx, query, addressKey(agent)).Scan(
		&address,
		&values[0], &values[1], &values[2], &values[3], &values[4], &values[5],
		&p.FirstTradingTimestamp,
		&p.LastSnapshotTimestamp,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}

	p.Agent = common.HexToAddress(address)
	targets := []*decimalTarget{
		{&p.PositionsValue, values[0]},
		{&p.UninvestedValue, values[1]},
		{&p.FinalValue, values[2]},
		{&p.InitialValue, values[3]},
		{&p.ROI, values[4]},
		{&p.APR, values[5]},
	}
	if err := parseDecimals(targets); err != nil {
		return nil, fmt.Errorf("portfolio %s: %w", address, err)
	}
	return &p, nil
}

// SavePortfolio upserts the agent's portfolio. firstTradingTimestamp is never reset once set.
func (r *PortfolioRepository) SavePortfolio(ctx context.Context, p *models.Portfolio) error {
	query := `
		INSERT INTO portfolios (
			agent, positions_value, uninvested_value, final_value, initial_value, roi, apr,
			first_trading_timestamp, last_snapshot_timestamp, updated_at
		) VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10)
		ON CONFLICT (agent) DO UPDATE SET
			positions_value = EXCLUDED.positions_value,
			uninvested_value = EXCLUDED.uninvested_value,
			final_value = EXCLUDED.final_value,
			initial_value = EXCLUDED.initial_value,
			roi = EXCLUDED.roi,
			apr = EXCLUDED.apr,
			first_trading_timestamp = CASE
				WHEN portfolios.first_trading_timestamp > 0 THEN portfolios.first_trading_timestamp
				ELSE EXCLUDED.first_trading_timestamp
			END,
			last_snapshot_timestamp = GREATEST(portfolios.last_snapshot_timestamp, EXCLUDED.last_snapshot_timestamp),
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Pool().Exec(ctx, query,
		addressKey(p.Agent),
		p.PositionsValue.String(),
		p.UninvestedValue.String(),
		p.FinalValue.String(),
		p.InitialValue.String(),
		p.ROI.String(),
		p.APR.String(),
		p.FirstTradingTimestamp,
		p.LastSnapshotTimestamp,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save portfolio: %w", err)
	}
	return nil
}

// ListAgents returns every agent with a portfolio
func (r *PortfolioRepository) ListAgents(ctx context.Context) ([]common.Address, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT agent FROM portfolios ORDER BY agent`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []common.Address
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, common.HexToAddress(agent))
	}
	return agents, rows.Err()
}

// GetFundingBalance returns the agent's funding balance, or nil if it was never funded
func (r *PortfolioRepository) GetFundingBalance(ctx context.Context, agent common.Address) (*models.FundingBalance, error) {
	query := `
		SELECT agent, total_in_usd::text, total_out_usd::text, net_usd::text, updated_at
		FROM funding_balances
		WHERE agent = $1
	`

	var (
		address      string
		in, out, net string
		b            models.FundingBalance
	)
	err := r.db.Pool().QueryRow(ctx, query, addressKey(agent)).Scan(&address, &in, &out, &net, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get funding balance: %w", err)
	}

	b.Agent = common.HexToAddress(address)
	if err := parseDecimals([]*decimalTarget{{&b.TotalInUSD, in}, {&b.TotalOutUSD, out}, {&b.NetUSD, net}}); err != nil {
		return nil, fmt.Errorf("funding balance %s: %w", address, err)
	}
	return &b, nil
}

// SaveFundingBalance upserts the agent's funding balance
func (r *PortfolioRepository) SaveFundingBalance(ctx context.Context, b *models.FundingBalance) error {
	query := `
		INSERT INTO funding_balances (agent, total_in_usd, total_out_usd, net_usd, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5)
		ON CONFLICT (agent) DO UPDATE SET
			total_in_usd = EXCLUDED.total_in_usd,
			total_out_usd = EXCLUDED.total_out_usd,
			net_usd = EXCLUDED.net_usd,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Pool().Exec(ctx, query,
		addressKey(b.Agent),
		b.TotalInUSD.String(),
		b.TotalOutUSD.String(),
		b.NetUSD.String(),
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save funding balance: %w", err)
	}
	return nil
}
