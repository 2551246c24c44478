package storage

import (
	"context"
	"fmt"
)

// ProcessedEventRepository records which chain logs were already applied
type ProcessedEventRepository struct {
	db *PostgresDB
}

// NewProcessedEventRepository creates a new processed event repository
func NewProcessedEventRepository(db *PostgresDB) *ProcessedEventRepository {
	return &ProcessedEventRepository{db: db}
}

// IsProcessed reports whether the log was already applied
func (r *ProcessedEventRepository) IsProcessed(ctx context.Context, key EventKey) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE tx_hash = $1 AND log_index = $2)`,
		key.TxHash, int64(key.LogIndex),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event %s: %w", key, err)
	}
	return exists, nil
}

// MarkProcessed records the log; marking twice is a no-op
func (r *ProcessedEventRepository) MarkProcessed(ctx context.Context, key EventKey, at int64) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO processed_events (tx_hash, log_index, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`, key.TxHash, int64(key.LogIndex), at)
	if err != nil {
		return fmt.Errorf("failed to mark processed event %s: %w", key, err)
	}
	return nil
}
