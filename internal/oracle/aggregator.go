package oracle

import (
	"context"
	"time"

	"github.com/agent-valuator/internal/adapter"
	"github.com/agent-valuator/internal/config"
	"github.com/agent-valuator/internal/errors"
	"github.com/agent-valuator/internal/logging"
	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceCache stores the last resolved price of each token
type PriceCache interface {
	// GetTokenPrice returns nil, nil on a miss
	GetTokenPrice(ctx context.Context, token common.Address) (*models.TokenPrice, error)
	SetTokenPrice(ctx context.Context, price *models.TokenPrice) error
}

// QuoteRecorder appends resolution audit records
type QuoteRecorder interface {
	RecordQuote(ctx context.Context, quote *models.PriceQuote) error
}

// Reader is the on-chain surface the oracle reads from
type Reader interface {
	adapter.PriceFeed
	adapter.ConcentratedPool
	adapter.ReservePool
}

// Config holds price resolution parameters
type Config struct {
	CacheTTL                      time.Duration
	MinCacheConfidence            float64
	StalenessBound                time.Duration
	ReferenceConfidenceMultiplier float64
	FallbackConfidence            float64
}

// DefaultConfig returns the production resolution parameters
func DefaultConfig() Config {
	return Config{
		CacheTTL:                      300 * time.Second,
		MinCacheConfidence:            0.5,
		StalenessBound:                24 * time.Hour,
		ReferenceConfidenceMultiplier: 0.9,
		FallbackConfidence:            0.95,
	}
}

// ConfigFromEnv maps the loaded oracle section onto Config
func ConfigFromEnv(cfg config.OracleConfig) Config {
	return Config{
		CacheTTL:                      cfg.CacheTTL,
		MinCacheConfidence:            cfg.MinCacheConfidence,
		StalenessBound:                cfg.StalenessBound,
		ReferenceConfidenceMultiplier: cfg.ReferenceConfidenceMultiplier,
		FallbackConfidence:            cfg.FallbackConfidence,
	}
}

// Aggregator resolves token prices through each token's source cascade
type Aggregator struct {
	registry *Registry
	cache    PriceCache
	recorder QuoteRecorder
	cfg      Config
	quoters  map[types.SourceType]sourceQuoter
	now      func() time.Time
}

// NewAggregator wires the source adapters for reader. recorder may be nil.
func NewAggregator(registry *Registry, reader Reader, cache PriceCache, recorder QuoteRecorder, cfg Config) *Aggregator {
	chainlink := &chainlinkQuoter{
		feeds:               reader,
		stalenessBound:      cfg.StalenessBound,
		referenceMultiplier: cfg.ReferenceConfidenceMultiplier,
	}
	pairs := &pairPricer{registry: registry, chainlink: chainlink}
	reservePools := &reservePoolQuoter{pools: reader, pairs: pairs}

	return &Aggregator{
		registry: registry,
		cache:    cache,
		recorder: recorder,
		cfg:      cfg,
		quoters: map[types.SourceType]sourceQuoter{
			types.SourceChainlink:                 chainlink,
			types.SourceChainlinkReference:        chainlink,
			types.SourceConstantProductPool:       reservePools,
			types.SourceConstantSumPool:           reservePools,
			types.SourceConcentratedLiquidityPool: &concentratedPoolQuoter{pools: reader, pairs: pairs},
		},
		now: time.Now,
	}
}

// Registry returns the token whitelist the aggregator prices
func (a *Aggregator) Registry() *Registry {
	return a.registry
}

// GetTokenPriceUSD returns the USD price of token at chain time at.
// It never fails: an unresolved price is zero, except for critical stablecoins.
func (a *Aggregator) GetTokenPriceUSD(ctx context.Context, token common.Address, at int64, forceRefresh bool) decimal.Decimal {
	return a.Resolve(ctx, token, at, forceRefresh).Price
}

// Resolve is GetTokenPriceUSD with the winning source and confidence attached.
// at <= 0 means the current wall-clock time.
func (a *Aggregator) Resolve(ctx context.Context, token common.Address, at int64, forceRefresh bool) models.PriceQuote {
	if at <= 0 {
		at = a.now().Unix()
	}
	logger := logging.FromContext(ctx)

	cfgToken, ok := a.registry.Lookup(token)
	if !ok {
		logger.WithField("token", token.Hex()).Warn("Data integrity: price requested for unregistered token")
		return unresolved(token, "", at)
	}
	logger = logger.WithToken(cfgToken.Address, cfgToken.Symbol)

	if !forceRefresh {
		if cached := a.cached(ctx, logger, cfgToken.Address, at); cached != nil {
			return models.PriceQuote{
				ID:         uuid.New(),
				Token:      cfgToken.Address,
				Symbol:     cfgToken.Symbol,
				Price:      cached.DerivedUSD,
				Confidence: cached.Confidence,
				Source:     types.SourceCache,
				Timestamp:  cached.LastPriceUpdate,
			}
		}
	}

	band := BandFor(cfgToken)
	for _, src := range cfgToken.Sources {
		quoter, ok := a.quoters[src.Type]
		if !ok {
			logger.WithField("sourceType", src.Type).Warn("Data integrity: unknown price source type")
			continue
		}

		price, confidence, err := quoter.quote(ctx, cfgToken, src, at)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"source":   src.Address.Hex(),
				"type":     src.Type,
				"category": errors.Categorize(err).Category,
			}).WithError(err).Debug("Price source skipped")
			continue
		}
		if !band.Contains(price) {
			logger.WithFields(map[string]interface{}{
				"source": src.Address.Hex(),
				"type":   src.Type,
				"price":  price.String(),
				"min":    band.Min.String(),
				"max":    band.Max.String(),
			}).Debug("Price source out of band")
			continue
		}

		quote := models.PriceQuote{
			ID:            uuid.New(),
			Token:         cfgToken.Address,
			Symbol:        cfgToken.Symbol,
			Price:         price,
			Confidence:    confidence,
			Source:        src.Type,
			SourceAddress: src.Address,
			Timestamp:     at,
		}
		a.store(ctx, logger, quote)
		a.record(ctx, logger, &quote)
		return quote
	}

	if cfgToken.Critical {
		quote := models.PriceQuote{
			ID:         uuid.New(),
			Token:      cfgToken.Address,
			Symbol:     cfgToken.Symbol,
			Price:      decimal.NewFromInt(1),
			Confidence: a.cfg.FallbackConfidence,
			Source:     types.SourceEmergencyFallback,
			Timestamp:  at,
		}
		logger.WithField("confidence", quote.Confidence).Warn("All price sources failed, using emergency fallback for critical stablecoin")
		a.record(ctx, logger, &quote)
		return quote
	}

	logger.WithField("sources", len(cfgToken.Sources)).Warn("All price sources failed, token is unpriced")
	return unresolved(cfgToken.Address, cfgToken.Symbol, at)
}

// cached returns the cached price when it is younger than the TTL and confident enough
func (a *Aggregator) cached(ctx context.Context, logger *logging.Logger, token common.Address, at int64) *models.TokenPrice {
	if a.cache == nil {
		return nil
	}
	price, err := a.cache.GetTokenPrice(ctx, token)
	if err != nil {
		logger.WithError(err).Warn("Price cache read failed")
		return nil
	}
	if price == nil {
		return nil
	}

	age := at - price.LastPriceUpdate
	if age < 0 || age >= int64(a.cfg.CacheTTL/time.Second) {
		return nil
	}
	if price.Confidence <= a.cfg.MinCacheConfidence {
		return nil
	}
	return price
}

func (a *Aggregator) store(ctx context.Context, logger *logging.Logger, quote models.PriceQuote) {
	if a.cache == nil {
		return
	}
	err := a.cache.SetTokenPrice(ctx, &models.TokenPrice{
		Token:           quote.Token,
		DerivedUSD:      quote.Price,
		Confidence:      quote.Confidence,
		LastPriceUpdate: quote.Timestamp,
		Source:          quote.Source,
	})
	if err != nil {
		logger.WithError(err).Warn("Price cache write failed")
	}
}

func (a *Aggregator) record(ctx context.Context, logger *logging.Logger, quote *models.PriceQuote) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.RecordQuote(ctx, quote); err != nil {
		logger.WithError(err).Warn("Price quote audit write failed")
	}
}

func unresolved(token common.Address, symbol string, at int64) models.PriceQuote {
	return models.PriceQuote{
		ID:        uuid.New(),
		Token:     token,
		Symbol:    symbol,
		Price:     decimal.Zero,
		Source:    types.SourceNone,
		Timestamp: at,
	}
}
