package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
)

// TokenPriceRepository keeps the last resolved price per token in Postgres.
// It serves as the price cache when Redis is disabled.
type TokenPriceRepository struct {
	db *PostgresDB
}

// NewTokenPriceRepository creates a new token price repository
func NewTokenPriceRepository(db *PostgresDB) *TokenPriceRepository {
	return &TokenPriceRepository{db: db}
}

// GetTokenPrice returns the stored price for token, or nil on a miss
func (r *TokenPriceRepository) GetTokenPrice(ctx context.Context, token common.Address) (*models.TokenPrice, error) {
	query := `
		SELECT token, derived_usd::text, confidence, last_price_update, source
		FROM token_prices
		WHERE token = $1
	`

	var (
		address, usd, source string
		price                models.TokenPrice
	)
	err := r.db.Pool().QueryRow(ctx, query, addressKey(token)).Scan(
		&address, &usd, &price.Confidence, &price.LastPriceUpdate, &source)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token price: %w", err)
	}

	if price.DerivedUSD, err = parseDecimal(usd); err != nil {
		return nil, fmt.Errorf("token price %s: %w", address, err)
	}
	price.Token = common.HexToAddress(address)
	price.Source = types.SourceType(source)
	return &price, nil
}

// SetTokenPrice replaces the stored price unless a newer one is already there
func (r *TokenPriceRepository) SetTokenPrice(ctx context.Context, price *models.TokenPrice) error {
	query := `
		INSERT INTO token_prices (token, derived_usd, confidence, last_price_update, source)
		VALUES ($1, $2::numeric, $3, $4, $5)
		ON CONFLICT (token) DO UPDATE SET
			derived_usd = EXCLUDED.derived_usd,
			confidence = EXCLUDED.confidence,
			last_price_update = EXCLUDED.last_price_update,
			source = EXCLUDED.source
		WHERE token_prices.last_price_update <= EXCLUDED.last_price_update
	`

	_, err := r.db.Pool().Exec(ctx, query,
		addressKey(price.Token),
		price.DerivedUSD.String(),
		price.Confidence,
		price.LastPriceUpdate,
		string(price.Source),
	)
	if err != nil {
		return fmt.Errorf("failed to save token price: %w", err)
	}
	return nil
}
