package storage

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/agent-valuator/internal/models"
	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps every repository in process memory. It backs STORAGE_MODE=memory and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	positions  map[string]*models.Position
	portfolios map[common.Address]*models.Portfolio
	funding    map[common.Address]*models.FundingBalance
	snapshots  map[common.Address][]*models.PortfolioSnapshot
	prices     map[common.Address]*models.TokenPrice
	quotes     []*models.PriceQuote
	processed  map[EventKey]int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:  make(map[string]*models.Position),
		portfolios: make(map[common.Address]*models.Portfolio),
		funding:    make(map[common.Address]*models.FundingBalance),
		snapshots:  make(map[common.Address][]*models.PortfolioSnapshot),
		prices:     make(map[common.Address]*models.TokenPrice),
		processed:  make(map[EventKey]int64),
	}
}

// Positions

func (s *MemoryStore) GetOpenPosition(ctx context.Context, key models.PositionKey) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions {
		if p.Key == key && p.IsActive() {
			return clonePosition(p), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) SavePosition(ctx context.Context, position *models.Position) error {
	if err := position.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if position.IsActive() {
		for id, p := range s.positions {
			if id != position.ID.String() && p.Key == position.Key && p.IsActive() {
				return ErrDuplicateOpenPosition
			}
		}
	}
	s.positions[position.ID.String()] = clonePosition(position)
	return nil
}

func (s *MemoryStore) ListPositions(ctx context.Context, agent common.Address, activeOnly bool) ([]*models.Position, error) {
	return s.filterPositions(func(p *models.Position) bool {
		return p.Key.Agent == agent && (!activeOnly || p.IsActive())
	}), nil
}

func (s *MemoryStore) ListOpenPositionsByPool(ctx context.Context, pool common.Address) ([]*models.Position, error) {
	return s.filterPositions(func(p *models.Position) bool {
		return p.Key.Pool == pool && p.IsActive()
	}), nil
}

func (s *MemoryStore) filterPositions(keep func(*models.Position) bool) []*models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Position
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func clonePosition(p *models.Position) *models.Position {
	cp := *p
	if p.Liquidity != nil {
		cp.Liquidity = new(big.Int).Set(p.Liquidity)
	}
	if p.Range != nil {
		r := *p.Range
		cp.Range = &r
	}
	return &cp
}

// Portfolios

func (s *MemoryStore) GetPortfolio(ctx context.Context, agent common.Address) (*models.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.portfolios[agent]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) SavePortfolio(ctx context.Context, portfolio *models.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *portfolio
	s.portfolios[portfolio.Agent] = &cp
	return nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Address, 0, len(s.portfolios))
	for agent := range s.portfolios {
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out, nil
}

// Funding

func (s *MemoryStore) GetFundingBalance(ctx context.Context, agent common.Address) (*models.FundingBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.funding[agent]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) SaveFundingBalance(ctx context.Context, balance *models.FundingBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *balance
	s.funding[balance.Agent] = &cp
	return nil
}

// Snapshots

func (s *MemoryStore) AppendSnapshot(ctx context.Context, snapshot *models.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snapshot
	for i, existing := range s.snapshots[snapshot.Agent] {
		if existing.Timestamp == snapshot.Timestamp {
			s.snapshots[snapshot.Agent][i] = &cp
			return nil
		}
	}
	s.snapshots[snapshot.Agent] = append(s.snapshots[snapshot.Agent], &cp)
	return nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, agent common.Address, from, to int64) ([]*models.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.PortfolioSnapshot
	for _, snap := range s.snapshots[agent] {
		if snap.Timestamp >= from && snap.Timestamp <= to {
			cp := *snap
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// Price cache and quote audit

func (s *MemoryStore) GetTokenPrice(ctx context.Context, token common.Address) (*models.TokenPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.prices[token]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) SetTokenPrice(ctx context.Context, price *models.TokenPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *price
	s.prices[price.Token] = &cp
	return nil
}

func (s *MemoryStore) RecordQuote(ctx context.Context, quote *models.PriceQuote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *quote
	s.quotes = append(s.quotes, &cp)
	return nil
}

// Quotes returns the audited quotes for token, oldest first
func (s *MemoryStore) Quotes(token common.Address) []*models.PriceQuote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.PriceQuote
	for _, q := range s.quotes {
		if q.Token == token {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out
}

// Processed events

func (s *MemoryStore) IsProcessed(ctx context.Context, key EventKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.processed[key]
	return ok, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, key EventKey, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[key]; !ok {
		s.processed[key] = at
	}
	return nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
