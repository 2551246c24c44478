package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/agent-valuator/internal/adapter"
	"github.com/agent-valuator/internal/errors"
	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// sourceQuoter prices a token in USD from one configured source
type sourceQuoter interface {
	quote(ctx context.Context, token *models.Token, src models.PriceSource, at int64) (decimal.Decimal, float64, error)
}

// chainlinkQuoter reads Chainlink aggregators for both direct and reference feeds
type chainlinkQuoter struct {
	feeds               adapter.PriceFeed
	stalenessBound      time.Duration
	referenceMultiplier float64
}

func (q *chainlinkQuoter) quote(ctx context.Context, token *models.Token, src models.PriceSource, at int64) (decimal.Decimal, float64, error) {
	price, err := q.read(ctx, src.Address, at)
	if err != nil {
		return decimal.Zero, 0, err
	}

	confidence := float64(src.Confidence) / 100
	if src.Type == types.SourceChainlinkReference {
		confidence *= q.referenceMultiplier
	}
	return price, confidence, nil
}

// read returns the feed answer in USD. A round older than the staleness bound
// relative to at is rejected; at <= 0 skips the check.
func (q *chainlinkQuoter) read(ctx context.Context, feed common.Address, at int64) (decimal.Decimal, error) {
	round, err := q.feeds.LatestRoundData(ctx, feed)
	if err != nil {
		return decimal.Zero, errors.NewUnavailableError(feed.Hex(), err)
	}

	if at > 0 && at-round.UpdatedAt > int64(q.stalenessBound/time.Second) {
		return decimal.Zero, errors.NewOutOfBandError("round age", fmt.Sprintf("%ds", at-round.UpdatedAt))
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return decimal.Zero, errors.NewOutOfBandError("feed answer", fmt.Sprint(round.Answer))
	}

	decimals, err := q.feeds.FeedDecimals(ctx, feed)
	if err != nil {
		return decimal.Zero, errors.NewUnavailableError(feed.Hex(), err)
	}

	return decimal.NewFromBigInt(round.Answer, -int32(decimals)), nil
}
