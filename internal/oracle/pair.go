package oracle

import (
	"context"
	"fmt"

	"github.com/agent-valuator/internal/errors"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// pairKind is the closed set of tokens a pool quote may be denominated in
type pairKind int

const (
	pairUnsupported pairKind = iota
	pairStable
	pairWrap
)

// pairPricer prices the paired side of a pool directly. It never calls back
// into the aggregator, so a pool quote cannot recurse.
type pairPricer struct {
	registry  *Registry
	chainlink *chainlinkQuoter
}

func (p *pairPricer) kind(pair common.Address) pairKind {
	if p.registry.IsStable(pair) {
		return pairStable
	}
	if wrap, ok := p.registry.WrapToken(); ok && wrap.Address == pair {
		return pairWrap
	}
	return pairUnsupported
}

// price returns the USD price of pair
func (p *pairPricer) price(ctx context.Context, pair common.Address, at int64) (decimal.Decimal, error) {
	switch p.kind(pair) {
	case pairStable:
		return decimal.NewFromInt(1), nil
	case pairWrap:
		return p.wrapPrice(ctx, at)
	default:
		return decimal.Zero, errors.NewMissingIdentityError("pair pricing", pair.Hex())
	}
}

// wrapPrice reads the wrap token's own direct Chainlink feeds in priority order
func (p *pairPricer) wrapPrice(ctx context.Context, at int64) (decimal.Decimal, error) {
	wrap, _ := p.registry.WrapToken()
	band := BandFor(wrap)

	var lastErr error
	for _, src := range wrap.Sources {
		if src.Type != types.SourceChainlink {
			continue
		}
		price, err := p.chainlink.read(ctx, src.Address, at)
		if err != nil {
			lastErr = err
			continue
		}
		if !band.Contains(price) {
			lastErr = errors.NewOutOfBandError(wrap.Symbol+" price", price.String())
			continue
		}
		return price, nil
	}

	if lastErr == nil {
		lastErr = errors.NewMissingIdentityError("chainlink feed", wrap.Symbol)
	}
	return decimal.Zero, fmt.Errorf("wrap token price: %w", lastErr)
}
