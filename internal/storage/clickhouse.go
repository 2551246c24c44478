package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/agent-valuator/internal/config"
)

// historyTables are written by ClickHouseSnapshotRepository and QuoteRepository
var historyTables = []string{"portfolio_snapshots", "price_quotes"}

// ClickHouseDB holds the connection for portfolio snapshot history and the price-quote audit trail
type ClickHouseDB struct {
	conn     driver.Conn
	database string
}

// clickHouseOptions builds driver options for the history store. Inserts are single rows,
// so the pool stays small and reads are capped well below the API timeout.
func clickHouseOptions(cfg *config.ClickHouseConfig) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 30,
		},
		Compression:      &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:      5 * time.Second,
		MaxOpenConns:     4,
		MaxIdleConns:     2,
		ConnMaxLifetime:  30 * time.Minute,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
}

// NewClickHouseDB connects to the history store and verifies the server answers
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(clickHouseOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn, database: cfg.Database}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Exec runs one statement; used by RunClickHouseMigrations
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}

// MissingHistoryTables lists the history tables not yet created in the configured database
func (db *ClickHouseDB) MissingHistoryTables(ctx context.Context) ([]string, error) {
	rows, err := db.conn.Query(ctx,
		`SELECT name FROM system.tables WHERE database = ? AND name IN (?, ?)`,
		db.database, historyTables[0], historyTables[1],
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ClickHouse tables: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	present := make(map[string]bool, len(historyTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return missingTables(present), nil
}

func missingTables(present map[string]bool) []string {
	var missing []string
	for _, name := range historyTables {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// Ping reports the history store healthy when the server answers and both history tables exist
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	if err := db.conn.Ping(ctx); err != nil {
		return err
	}
	missing, err := db.MissingHistoryTables(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("history tables missing: %s (run migrate -db clickhouse)", strings.Join(missing, ", "))
	}
	return nil
}
