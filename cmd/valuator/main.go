// Package main provides the agent valuator entry point: event API, price API and snapshot scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agent-valuator/internal/adapter"
	"github.com/agent-valuator/internal/api"
	"github.com/agent-valuator/internal/config"
	"github.com/agent-valuator/internal/events"
	"github.com/agent-valuator/internal/logging"
	"github.com/agent-valuator/internal/oracle"
	"github.com/agent-valuator/internal/retry"
	"github.com/agent-valuator/internal/service"
	"github.com/agent-valuator/internal/storage"
	"github.com/agent-valuator/internal/types"
	"github.com/agent-valuator/internal/worker"
)

// stores is the persistence backend chosen by STORAGE_MODE
type stores struct {
	positions  service.PositionRepository
	portfolios interface {
		service.PortfolioRepository
		service.FundingRepository
	}
	snapshots service.SnapshotRepository
	prices    oracle.PriceCache
	quotes    oracle.QuoteRecorder
	processed events.ProcessedLog
	health    map[string]api.Pinger
	closers   []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("chain", cfg.Chain.Name)
	logger.WithFields(map[string]interface{}{
		"storage": cfg.Storage.Mode,
		"level":   cfg.Logging.Level,
	}).Info("Agent valuator starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := oracle.LoadRegistry(cfg.Oracle.RegistryPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load token registry")
	}
	if registry.Chain() != "" && registry.Chain() != types.ChainID(cfg.Chain.Name) {
		logger.Fatalf("Token registry is for chain %s, configured chain is %s", registry.Chain(), cfg.Chain.Name)
	}
	logger.WithField("tokens", len(registry.Tokens())).Info("Token registry loaded")

	backend, err := openStores(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open storage")
	}
	defer backend.close()

	pool, err := adapter.NewRPCPool(&adapter.RPCPoolConfig{
		Endpoints:    cfg.Chain.RPCEndpoints,
		CooldownTime: cfg.Chain.RPCCooldown,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to RPC")
	}
	defer pool.Close()
	backend.health["rpc"] = pool

	reader, err := adapter.NewEVMReader(pool, &adapter.EVMReaderConfig{
		Chain:            types.ChainID(cfg.Chain.Name),
		CallsPerSecond:   cfg.Chain.CallsPerSecond,
		CallTimeout:      cfg.Chain.CallTimeout,
		CircuitThreshold: cfg.Chain.CircuitThreshold,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create chain reader")
	}

	prices := oracle.NewAggregator(registry, reader, backend.prices, backend.quotes, oracle.ConfigFromEnv(cfg.Oracle))

	engine := service.NewPortfolioEngine(backend.positions, backend.portfolios, backend.portfolios, backend.snapshots, prices, registry, reader)
	valuator := service.NewPositionValuator(backend.positions, engine, prices, registry, reader)
	ledger := service.NewFundingLedger(backend.portfolios, engine, prices, registry)
	processor := events.NewProcessor(valuator, ledger, engine, prices, backend.processed)

	var snapshots *worker.SnapshotWorker
	if cfg.Snapshot.Enabled {
		snapshots, err = worker.NewSnapshotWorker(&worker.SnapshotWorkerConfig{
			Agents:   backend.portfolios,
			Taker:    processor,
			Interval: cfg.Snapshot.Interval,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create snapshot worker")
		}
		if err := snapshots.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start snapshot worker")
		}
	}

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}
	server := api.NewServer(serverConfig, api.Dependencies{
		Portfolios: backend.portfolios,
		Positions:  backend.positions,
		Snapshots:  backend.snapshots,
		Prices:     prices,
		Events:     processor,
		Health:     backend.health,
	})

	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server stopped unexpectedly")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if snapshots != nil {
		if err := snapshots.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Snapshot worker did not stop cleanly")
		}
	}

	logger.Info("Agent valuator exited")
}

// openStores connects the configured backend. In postgres mode Redis and ClickHouse are optional layers.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Storage.Mode == "memory" {
		logging.Warnf("Using in-memory storage; state is lost on restart")
		mem := storage.NewMemoryStore()
		return &stores{
			positions:  mem,
			portfolios: mem,
			snapshots:  mem,
			prices:     mem,
			quotes:     mem,
			processed:  mem,
			health:     map[string]api.Pinger{"memory": mem},
		}, nil
	}

	s := &stores{health: make(map[string]api.Pinger)}

	var postgres *storage.PostgresDB
	err := retry.WithRetry(ctx, retry.DefaultRetryConfig(), func(ctx context.Context, attempt int) error {
		var err error
		postgres, err = storage.NewPostgresDB(&cfg.Database.Postgres)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	s.closers = append(s.closers, postgres.Close)
	s.health["postgres"] = postgres

	portfolios := storage.NewPortfolioRepository(postgres)
	s.positions = storage.NewPositionRepository(postgres)
	s.portfolios = portfolios
	s.snapshots = storage.NewSnapshotRepository(postgres)
	s.prices = storage.NewTokenPriceRepository(postgres)
	s.processed = storage.NewProcessedEventRepository(postgres)

	if cfg.Database.Redis.Enabled {
		redis, err := storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.closers = append(s.closers, func() { _ = redis.Close() })
		s.health["redis"] = redis
		s.prices = storage.NewRedisPriceCache(redis, cfg.Chain.Name, storage.DefaultPriceKeyTTL)
	}

	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		s.closers = append(s.closers, func() { _ = clickhouse.Close() })
		missing, err := clickhouse.MissingHistoryTables(ctx)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		if len(missing) > 0 {
			s.close()
			return nil, fmt.Errorf("clickhouse: history tables missing: %v (run migrate -db clickhouse)", missing)
		}
		s.health["clickhouse"] = clickhouse
		s.snapshots = storage.NewClickHouseSnapshotRepository(clickhouse)
		s.quotes = storage.NewQuoteRepository(clickhouse)
	}

	return s, nil
}
