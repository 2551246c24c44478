package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/agent-valuator/internal/errors"
	"github.com/agent-valuator/internal/logging"
	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/service"
	"github.com/agent-valuator/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

// ProcessedLog remembers which logs were already applied
type ProcessedLog interface {
	IsProcessed(ctx context.Context, key storage.EventKey) (bool, error)
	MarkProcessed(ctx context.Context, key storage.EventKey, at int64) error
}

// PositionHandler applies liquidity and pool events
type PositionHandler interface {
	IncreaseLiquidity(ctx context.Context, in service.LiquidityIncrease) (*models.Position, error)
	DecreaseLiquidity(ctx context.Context, in service.LiquidityDecrease) (*models.Position, error)
	RefreshPool(ctx context.Context, in service.PoolStateChange) (int, error)
}

// FundingHandler applies external transfers
type FundingHandler interface {
	RecordDeposit(ctx context.Context, in service.FundingTransfer) (*models.FundingBalance, error)
	RecordWithdrawal(ctx context.Context, in service.FundingTransfer) (*models.FundingBalance, error)
}

// PortfolioRefresher recomputes portfolios and takes the once-per-day scheduled snapshot
type PortfolioRefresher interface {
	Recompute(ctx context.Context, agent common.Address, at int64) (*models.PortfolioSnapshot, error)
	ScheduledSnapshot(ctx context.Context, agent common.Address, now int64) (*models.PortfolioSnapshot, error)
}

// PriceResolver resolves a token price with full provenance
type PriceResolver interface {
	Resolve(ctx context.Context, token common.Address, at int64, forceRefresh bool) models.PriceQuote
}

// Result describes what handling one event did
type Result struct {
	Kind Kind `json:"kind"`
	// Duplicate is set when the log was already applied
	Duplicate bool `json:"duplicate,omitempty"`
	// Skipped is set when the event referenced something unknown and was dropped
	Skipped  bool                   `json:"skipped,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Position *models.Position       `json:"position,omitempty"`
	Funding  *models.FundingBalance `json:"funding,omitempty"`
	Quote    *models.PriceQuote     `json:"quote,omitempty"`
	Revalued int                    `json:"revalued,omitempty"`
}

// Processor applies events one at a time. Event handling and scheduled snapshots share one lock
// so a snapshot never observes a half-applied event.
type Processor struct {
	mu         sync.Mutex
	positions  PositionHandler
	funding    FundingHandler
	portfolios PortfolioRefresher
	prices     PriceResolver
	processed  ProcessedLog
	// pending holds logs whose state change is saved but whose portfolio recompute failed.
	// A redelivery of such a log reruns only the recompute.
	pending map[storage.EventKey]*service.RecomputeError
}

// NewProcessor creates a new event processor
func NewProcessor(positions PositionHandler, funding FundingHandler, portfolios PortfolioRefresher, prices PriceResolver, processed ProcessedLog) *Processor {
	return &Processor{
		positions:  positions,
		funding:    funding,
		portfolios: portfolios,
		prices:     prices,
		processed:  processed,
		pending:    make(map[storage.EventKey]*service.RecomputeError),
	}
}

// Handle decodes and applies one envelope. Redelivered logs are no-ops.
// Events naming an unknown position or token are logged, marked processed and skipped.
// A log whose state change was saved but whose recompute failed is also marked processed;
// its redelivery reruns only the recompute.
func (p *Processor) Handle(ctx context.Context, env Envelope) (*Result, error) {
	if err := env.Validate(); err != nil {
		return nil, errors.NewInvalidParameterError("event", err.Error())
	}
	ev, err := env.Decode()
	if err != nil {
		return nil, errors.NewInvalidParameterError("event", err.Error())
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"event":    env.Type,
		"txHash":   env.TxHash,
		"logIndex": env.LogIndex,
	})
	ctx = logging.WithLogger(ctx, logger)

	p.mu.Lock()
	defer p.mu.Unlock()

	tracked := env.TxHash != ""
	key := storage.NewEventKey(env.TxHash, env.LogIndex)
	if tracked {
		seen, err := p.processed.IsProcessed(ctx, key)
		if err != nil {
			return nil, errors.NewDatabaseError("check processed event", err)
		}
		if seen {
			if err := p.retryRecompute(ctx, key); err != nil {
				return nil, err
			}
			logger.Debug("Event already processed")
			return &Result{Kind: env.Type, Duplicate: true}, nil
		}
	}

	result, err := p.apply(ctx, env, ev)
	stale, recomputeFailed := service.AsRecomputeError(err)
	switch {
	case err == nil, recomputeFailed:
	case errors.IsMissingIdentity(err):
		result = &Result{Kind: env.Type, Skipped: true, Reason: err.Error()}
	default:
		logger.WithError(err).Error("Event handling failed")
		return nil, err
	}

	// the state change is saved at this point, so a redelivery must not apply it again
	if tracked {
		if err := p.processed.MarkProcessed(ctx, key, env.Timestamp); err != nil {
			return nil, errors.NewDatabaseError("mark processed event", err)
		}
	}

	if recomputeFailed {
		logger.WithError(err).Error("Event applied but portfolio recompute failed")
		if tracked {
			p.pending[key] = stale
		}
		return result, err
	}
	return result, nil
}

// retryRecompute reruns the recompute left over from an earlier delivery of key, if any
func (p *Processor) retryRecompute(ctx context.Context, key storage.EventKey) error {
	stale, ok := p.pending[key]
	if !ok {
		return nil
	}

	var (
		failed   []common.Address
		firstErr error
	)
	for _, agent := range stale.Agents {
		if _, err := p.portfolios.Recompute(ctx, agent, stale.At); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed = append(failed, agent)
		}
	}
	if len(failed) > 0 {
		stale.Agents = failed
		stale.Err = firstErr
		return stale
	}

	delete(p.pending, key)
	logging.FromContext(ctx).WithField("agents", len(stale.Agents)).Info("Recompute completed on redelivery")
	return nil
}

func (p *Processor) apply(ctx context.Context, env Envelope, ev Event) (*Result, error) {
	result := &Result{Kind: env.Type}

	switch e := ev.(type) {
	case *LiquidityIncreased:
		position, err := p.positions.IncreaseLiquidity(ctx, e.input(env))
		result.Position = position
		if err != nil {
			return result, err
		}

	case *LiquidityDecreased:
		position, err := p.positions.DecreaseLiquidity(ctx, e.input(env))
		result.Position = position
		if err != nil {
			return result, err
		}

	case *PoolStateChanged:
		in, err := e.input(env)
		if err != nil {
			return nil, errors.NewInvalidParameterError("sqrtPriceX96", err.Error())
		}
		n, err := p.positions.RefreshPool(ctx, in)
		result.Revalued = n
		if err != nil {
			return result, err
		}

	case *FundingReceived:
		balance, err := p.funding.RecordDeposit(ctx, transfer(e.Agent, e.Token, e.Amount, env))
		result.Funding = balance
		if err != nil {
			return result, err
		}

	case *FundingSent:
		balance, err := p.funding.RecordWithdrawal(ctx, transfer(e.Agent, e.Token, e.Amount, env))
		result.Funding = balance
		if err != nil {
			return result, err
		}

	case *PriceRequested:
		quote := p.prices.Resolve(ctx, e.Token, env.Timestamp, e.ForceRefresh)
		result.Quote = &quote

	default:
		return nil, fmt.Errorf("unhandled event %T", ev)
	}

	return result, nil
}

// ScheduledSnapshot takes the agent's daily snapshot under the processing lock
func (p *Processor) ScheduledSnapshot(ctx context.Context, agent common.Address, now int64) (*models.PortfolioSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.portfolios.ScheduledSnapshot(ctx, agent, now)
}
