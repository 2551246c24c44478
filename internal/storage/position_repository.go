package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PositionRepository persists position incarnations in Postgres.
// A closed row is never updated again; the upsert only touches active rows.
type PositionRepository struct {
	db *PostgresDB
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *PostgresDB) *PositionRepository {
	return &PositionRepository{db: db}
}

const positionColumns = `
	id, agent, protocol, pool, token_id, kind, token0, token1, range_params,
	liquidity::text, current_holdings, is_active, entry, withdrawn, created_at, updated_at`

// GetOpenPosition returns the open incarnation for key, or nil
func (r *PositionRepository) GetOpenPosition(ctx context.Context, key models.PositionKey) (*models.Position, error) {
	query := `SELECT` + positionColumns + `
		FROM positions
		WHERE agent = $1 AND protocol = $2 AND pool = $3 AND token_id = $4 AND is_active
	`

	p, err := scanPosition(r.db.Pool().QueryRow(ctx, query,
		addressKey(key.Agent), key.Protocol, addressKey(key.Pool), key.TokenID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open position: %w", err)
	}
	return p, nil
}

// SavePosition inserts a new incarnation or updates an open one
func (r *PositionRepository) SavePosition(ctx context.Context, p *models.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}

	row, err := encodePosition(p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO positions (
			id, agent, protocol, pool, token_id, kind, token0, token1, range_params,
			liquidity, current_holdings, is_active, entry, withdrawn,
			entry_usd, withdrawn_usd, current_usd, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13, $14,
			$15::numeric, $16::numeric, $17::numeric, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			liquidity = EXCLUDED.liquidity,
			current_holdings = EXCLUDED.current_holdings,
			is_active = EXCLUDED.is_active,
			entry = EXCLUDED.entry,
			withdrawn = EXCLUDED.withdrawn,
			entry_usd = EXCLUDED.entry_usd,
			withdrawn_usd = EXCLUDED.withdrawn_usd,
			current_usd = EXCLUDED.current_usd,
			updated_at = EXCLUDED.updated_at
		WHERE positions.is_active
	`

	_, err = r.db.Pool().Exec(ctx, query,
		p.ID,
		addressKey(p.Key.Agent),
		p.Key.Protocol,
		addressKey(p.Key.Pool),
		p.Key.TokenID,
		string(p.Kind),
		row.token0,
		row.token1,
		row.rng,
		row.liquidity,
		row.current,
		p.IsActive(),
		row.entry,
		row.withdrawn,
		p.Entry().USD().String(),
		p.Withdrawn().USD().String(),
		p.CurrentUSD().String(),
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateOpenPosition
		}
		return fmt.Errorf("failed to save position %s: %w", p.ID, err)
	}
	return nil
}

// ListPositions returns an agent's incarnations, oldest first
func (r *PositionRepository) ListPositions(ctx context.Context, agent common.Address, activeOnly bool) ([]*models.Position, error) {
	query := `SELECT` + positionColumns + `
		FROM positions
		WHERE agent = $1 AND ($2 = false OR is_active)
		ORDER BY created_at, id
	`
	return r.query(ctx, query, addressKey(agent), activeOnly)
}

// ListOpenPositionsByPool returns every open position on pool
func (r *PositionRepository) ListOpenPositionsByPool(ctx context.Context, pool common.Address) ([]*models.Position, error) {
	query := `SELECT` + positionColumns + `
		FROM positions
		WHERE pool = $1 AND is_active
		ORDER BY created_at, id
	`
	return r.query(ctx, query, addressKey(pool))
}

func (r *PositionRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Position, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return out, nil
}

type positionRow struct {
	token0    []byte
	token1    []byte
	rng       []byte
	liquidity string
	current   []byte
	entry     []byte
	withdrawn []byte
}

func encodePosition(p *models.Position) (positionRow, error) {
	var (
		row positionRow
		err error
	)
	if row.token0, err = json.Marshal(p.Token0); err != nil {
		return row, fmt.Errorf("failed to marshal token0: %w", err)
	}
	if row.token1, err = json.Marshal(p.Token1); err != nil {
		return row, fmt.Errorf("failed to marshal token1: %w", err)
	}
	if p.Range != nil {
		if row.rng, err = json.Marshal(p.Range); err != nil {
			return row, fmt.Errorf("failed to marshal range: %w", err)
		}
	}
	if row.current, err = json.Marshal(p.Current); err != nil {
		return row, fmt.Errorf("failed to marshal holdings: %w", err)
	}
	if row.entry, err = json.Marshal(p.Entry()); err != nil {
		return row, fmt.Errorf("failed to marshal entry: %w", err)
	}
	if row.withdrawn, err = json.Marshal(p.Withdrawn()); err != nil {
		return row, fmt.Errorf("failed to marshal withdrawn: %w", err)
	}
	row.liquidity = "0"
	if p.Liquidity != nil {
		row.liquidity = p.Liquidity.String()
	}
	return row, nil
}

func scanPosition(row pgx.Row) (*models.Position, error) {
	var (
		p                 models.Position
		id                uuid.UUID
		agent, pool, kind string
		raw               positionRow
		active            bool
		entry, withdrawn  models.Flow
	)

	err := row.Scan(
		&id,
		&agent,
		&p.Key.Protocol,
		&pool,
		&p.Key.TokenID,
		&kind,
		&raw.token0,
		&raw.token1,
		&raw.rng,
		&raw.liquidity,
		&raw.current,
		&active,
		&raw.entry,
		&raw.withdrawn,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.ID = id
	p.Key.Agent = common.HexToAddress(agent)
	p.Key.Pool = common.HexToAddress(pool)
	p.Kind = types.PositionKind(kind)

	if err := json.Unmarshal(raw.token0, &p.Token0); err != nil {
		return nil, fmt.Errorf("invalid token0: %w", err)
	}
	if err := json.Unmarshal(raw.token1, &p.Token1); err != nil {
		return nil, fmt.Errorf("invalid token1: %w", err)
	}
	if len(raw.rng) > 0 {
		p.Range = &models.RangeParams{}
		if err := json.Unmarshal(raw.rng, p.Range); err != nil {
			return nil, fmt.Errorf("invalid range: %w", err)
		}
	}
	if err := json.Unmarshal(raw.current, &p.Current); err != nil {
		return nil, fmt.Errorf("invalid holdings: %w", err)
	}
	if err := json.Unmarshal(raw.entry, &entry); err != nil {
		return nil, fmt.Errorf("invalid entry: %w", err)
	}
	if err := json.Unmarshal(raw.withdrawn, &withdrawn); err != nil {
		return nil, fmt.Errorf("invalid withdrawn: %w", err)
	}

	liquidity, ok := new(big.Int).SetString(raw.liquidity, 10)
	if !ok {
		return nil, fmt.Errorf("invalid liquidity %q", raw.liquidity)
	}
	p.Liquidity = liquidity

	if active {
		p.Lifecycle = models.OpenLifecycle{Entry: entry, Withdrawn: withdrawn}
	} else {
		p.Lifecycle = models.ClosedLifecycle{Entry: entry, Exit: withdrawn}
	}
	return &p, nil
}
