package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/agent-valuator/internal/logging"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCPool manages multiple RPC endpoints with failover on rate limiting (429)
// Strategy: Stick to current endpoint until 429, then switch to next
type RPCPool struct {
	endpoints    []string
	clients      []*ethclient.Client
	currentIndex int
	mu           sync.RWMutex
	cooldowns    map[int]time.Time // Track when each endpoint was rate limited
	cooldownTime time.Duration     // How long to wait before retrying a rate-limited endpoint
	dial         func(url string) (*ethclient.Client, error)
}

var _ ContractCaller = (*RPCPool)(nil)

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	// Endpoints is a list of RPC URLs (e.g., multiple Alchemy keys)
	Endpoints []string
	// CooldownTime is how long to wait before retrying a rate-limited endpoint
	// Default: 60 seconds
	CooldownTime time.Duration
}

// NewRPCPool creates a new RPC pool from multiple endpoints
func NewRPCPool(cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	cooldownTime := cfg.CooldownTime
	if cooldownTime == 0 {
		cooldownTime = 60 * time.Second
	}

	pool := &RPCPool{
		endpoints:    cfg.Endpoints,
		clients:      make([]*ethclient.Client, len(cfg.Endpoints)),
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cooldownTime,
		dial:         ethclient.Dial,
	}

	// Connect to first endpoint only (lazy connect others)
	client, err := pool.dial(cfg.Endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.clients[0] = client

	logging.WithField("endpoints", len(cfg.Endpoints)).Info("RPC pool initialized, starting with endpoint 0")

	return pool, nil
}

// GetClient returns the current active client
func (p *RPCPool) GetClient() *ethclient.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.clients[p.currentIndex]
}

// GetCurrentIndex returns the current endpoint index
func (p *RPCPool) GetCurrentIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.currentIndex
}

// Ping reports the pool unhealthy when every endpoint is cooling down or the current one cannot return a block number
func (p *RPCPool) Ping(ctx context.Context) error {
	status := p.Status()
	cooling := 0
	for _, es := range status.EndpointStatus {
		if es.InCooldown {
			cooling++
		}
	}
	if cooling == status.TotalEndpoints {
		return fmt.Errorf("%w: all %d RPC endpoints are cooling down", ErrProviderRateLimit, status.TotalEndpoints)
	}

	if _, err := p.GetClient().BlockNumber(ctx); err != nil {
		return fmt.Errorf("rpc endpoint %d: %w", status.CurrentIndex, err)
	}
	return nil
}

// CallContract runs an eth_call on the current endpoint, rotating on rate limits
func (p *RPCPool) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := p.withFailover(ctx, func(client *ethclient.Client) error {
		var err error
		out, err = client.CallContract(ctx, call, blockNumber)
		return err
	})
	return out, err
}

// BalanceAt reads a native balance on the current endpoint, rotating on rate limits
func (p *RPCPool) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var out *big.Int
	err := p.withFailover(ctx, func(client *ethclient.Client) error {
		var err error
		out, err = client.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return out, err
}

// withFailover tries fn once per endpoint at most, switching only on rate-limit errors
func (p *RPCPool) withFailover(ctx context.Context, fn func(*ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < len(p.endpoints); i++ {
		lastErr = fn(p.GetClient())
		if lastErr == nil || !IsRateLimitError(lastErr) {
			return lastErr
		}
		if err := p.OnRateLimited(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrProviderRateLimit, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrProviderRateLimit, lastErr)
}

// OnRateLimited should be called when a 429 response is received
// It switches to the next available endpoint
// Returns error if all endpoints are rate limited
func (p *RPCPool) OnRateLimited(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger := logging.FromContext(ctx)

	// Mark current endpoint as rate limited
	p.cooldowns[p.currentIndex] = time.Now()
	logger.WithField("endpoint", p.currentIndex).Warn("RPC endpoint rate limited, marking cooldown")

	startIndex := p.currentIndex
	for i := 0; i < len(p.endpoints); i++ {
		nextIndex := (p.currentIndex + 1 + i) % len(p.endpoints)

		if cooldownTime, exists := p.cooldowns[nextIndex]; exists {
			if time.Since(cooldownTime) < p.cooldownTime {
				continue
			}
			// Cooldown expired, remove from map
			delete(p.cooldowns, nextIndex)
		}

		if err := p.switchToEndpoint(nextIndex); err != nil {
			logger.WithField("endpoint", nextIndex).WithError(err).Warn("Failed to switch RPC endpoint")
			continue
		}

		logger.WithFields(map[string]interface{}{
			"from": startIndex,
			"to":   nextIndex,
		}).Info("Switched RPC endpoint")
		return nil
	}

	return fmt.Errorf("all %d RPC endpoints are rate limited", len(p.endpoints))
}

// switchToEndpoint switches to a specific endpoint (must hold lock)
func (p *RPCPool) switchToEndpoint(index int) error {
	// Lazy connect if not already connected
	if p.clients[index] == nil {
		client, err := p.dial(p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}

	p.currentIndex = index
	return nil
}

// TryResetToPrimary attempts to switch back to the primary endpoint (index 0)
// if its cooldown has expired. Call this periodically to prefer the primary.
func (p *RPCPool) TryResetToPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentIndex == 0 {
		return true
	}

	if cooldownTime, exists := p.cooldowns[0]; exists {
		if time.Since(cooldownTime) < p.cooldownTime {
			return false
		}
		delete(p.cooldowns, 0)
	}

	if err := p.switchToEndpoint(0); err != nil {
		logging.WithError(err).Warn("Failed to reset to primary RPC endpoint")
		return false
	}

	logging.Info("Reset to primary RPC endpoint")
	return true
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}

// Status returns the current status of the pool
func (p *RPCPool) Status() *RPCPoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := &RPCPoolStatus{
		TotalEndpoints: len(p.endpoints),
		CurrentIndex:   p.currentIndex,
		EndpointStatus: make([]EndpointStatus, len(p.endpoints)),
	}

	for i := range p.endpoints {
		es := EndpointStatus{
			Index:     i,
			Connected: p.clients[i] != nil,
			IsCurrent: i == p.currentIndex,
		}

		if cooldownTime, exists := p.cooldowns[i]; exists {
			remaining := p.cooldownTime - time.Since(cooldownTime)
			if remaining > 0 {
				es.InCooldown = true
				es.CooldownRemaining = remaining
			}
		}

		status.EndpointStatus[i] = es
	}

	return status
}

// RPCPoolStatus represents the current status of the RPC pool
type RPCPoolStatus struct {
	TotalEndpoints int              `json:"totalEndpoints"`
	CurrentIndex   int              `json:"currentIndex"`
	EndpointStatus []EndpointStatus `json:"endpoints"`
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	Index             int           `json:"index"`
	Connected         bool          `json:"connected"`
	IsCurrent         bool          `json:"isCurrent"`
	InCooldown        bool          `json:"inCooldown"`
	CooldownRemaining time.Duration `json:"cooldownRemaining"`
}
