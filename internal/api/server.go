// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/agent-valuator/internal/events"
	"github.com/agent-valuator/internal/logging"
	"github.com/agent-valuator/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
)

// Store interfaces for dependency injection and testing

// PortfolioReader reads stored agent portfolios
type PortfolioReader interface {
	GetPortfolio(ctx context.Context, agent common.Address) (*models.Portfolio, error)
	GetFundingBalance(ctx context.Context, agent common.Address) (*models.FundingBalance, error)
}

// PositionLister lists an agent's position incarnations
type PositionLister interface {
	ListPositions(ctx context.Context, agent common.Address, activeOnly bool) ([]*models.Position, error)
}

// SnapshotLister lists an agent's portfolio history
type SnapshotLister interface {
	ListSnapshots(ctx context.Context, agent common.Address, from, to int64) ([]*models.PortfolioSnapshot, error)
}

// PriceResolver resolves token prices with provenance
type PriceResolver interface {
	Resolve(ctx context.Context, token common.Address, at int64, forceRefresh bool) models.PriceQuote
}

// EventHandler applies decoded chain events
type EventHandler interface {
	Handle(ctx context.Context, env events.Envelope) (*events.Result, error)
}

// Pinger is a backend the health check probes
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies groups what the server reads from and writes to
type Dependencies struct {
	Portfolios PortfolioReader
	Positions  PositionLister
	Snapshots  SnapshotLister
	Prices     PriceResolver
	Events     EventHandler
	// Health maps a backend name to its probe
	Health map[string]Pinger
}

// Server represents the HTTP API server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	deps        Dependencies
	rateLimiter *RateLimiter
	config      *ServerConfig
	now         func() time.Time
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond int
	Burst             int
	// MaxEventBatch caps the envelopes accepted by one POST /api/events
	MaxEventBatch int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		deps:        deps,
		rateLimiter: NewRateLimiter(config.RequestsPerSecond, config.Burst),
		config:      config,
		now:         time.Now,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Event ingestion comes from the indexing host and is not rate limited
	s.router.HandleFunc("/api/events", s.handleEvents).Methods("POST")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(s.rateLimiter))

	api.HandleFunc("/agents/{agent}/portfolio", s.handleGetPortfolio).Methods("GET")
	api.HandleFunc("/agents/{agent}/positions", s.handleListPositions).Methods("GET")
	api.HandleFunc("/agents/{agent}/snapshots", s.handleListSnapshots).Methods("GET")
	api.HandleFunc("/tokens/{address}/price", s.handleGetPrice).Methods("GET")
}

// Router exposes the configured handler for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

// handleHealth probes every configured backend.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Health))
	healthy := true
	for name, p := range s.deps.Health {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "agent-valuator",
		"checks":  checks,
	})
}

// Start starts the HTTP server and prunes idle rate limiters until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.rateLimiter.Prune()
			}
		}
	}()

	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
