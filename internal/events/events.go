// Package events applies decoded chain logs to the valuation services.
package events

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/service"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/holiman/uint256"
)

// Kind names an event type on the wire
type Kind string

const (
	KindLiquidityIncreased Kind = "liquidity_increased"
	KindLiquidityDecreased Kind = "liquidity_decreased"
	KindPoolStateChanged   Kind = "pool_state_changed"
	KindFundingReceived    Kind = "funding_received"
	KindFundingSent        Kind = "funding_sent"
	KindPriceRequested     Kind = "price_requested"
)

// Envelope is a decoded log as pushed by the indexing host
type Envelope struct {
	Type      Kind            `json:"type"`
	TxHash    string          `json:"txHash"`
	LogIndex  uint            `json:"logIndex"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Event is one typed payload
type Event interface {
	Kind() Kind
}

// Amount is a raw token quantity given as a decimal or 0x-prefixed string
type Amount = math.HexOrDecimal256

// LiquidityIncreased is a mint, deposit or increaseLiquidity log
type LiquidityIncreased struct {
	Agent          common.Address     `json:"agent"`
	Protocol       string             `json:"protocol"`
	Pool           common.Address     `json:"pool"`
	TokenID        string             `json:"tokenId,omitempty"`
	PositionKind   types.PositionKind `json:"positionKind"`
	Manager        common.Address     `json:"manager,omitempty"`
	Token0         common.Address     `json:"token0,omitempty"`
	Token1         common.Address     `json:"token1,omitempty"`
	TickLower      *int               `json:"tickLower,omitempty"`
	TickUpper      *int               `json:"tickUpper,omitempty"`
	LiquidityDelta *Amount            `json:"liquidityDelta"`
	LiquidityAfter *Amount            `json:"liquidityAfter,omitempty"`
	Amount0        *Amount            `json:"amount0"`
	Amount1        *Amount            `json:"amount1"`
}

// LiquidityDecreased is a burn, withdraw or decreaseLiquidity log
type LiquidityDecreased struct {
	Agent          common.Address `json:"agent"`
	Protocol       string         `json:"protocol"`
	Pool           common.Address `json:"pool"`
	TokenID        string         `json:"tokenId,omitempty"`
	Manager        common.Address `json:"manager,omitempty"`
	LiquidityDelta *Amount        `json:"liquidityDelta"`
	Remaining      *Amount        `json:"remaining,omitempty"`
	Amount0        *Amount        `json:"amount0"`
	Amount1        *Amount        `json:"amount1"`
}

// PoolStateChanged is a swap, sync, mint or burn that moves a pool's price
type PoolStateChanged struct {
	Pool         common.Address `json:"pool"`
	SqrtPriceX96 *Amount        `json:"sqrtPriceX96,omitempty"`
}

// FundingReceived is external capital arriving in an agent's wallet
type FundingReceived struct {
	Agent  common.Address `json:"agent"`
	Token  common.Address `json:"token,omitempty"`
	Amount *Amount        `json:"amount"`
}

// FundingSent is capital leaving an agent's wallet to an outside address
type FundingSent struct {
	Agent  common.Address `json:"agent"`
	Token  common.Address `json:"token,omitempty"`
	Amount *Amount        `json:"amount"`
}

// PriceRequested asks for a token price at the envelope timestamp
type PriceRequested struct {
	Token        common.Address `json:"token"`
	ForceRefresh bool           `json:"forceRefresh,omitempty"`
}

func (LiquidityIncreased) Kind() Kind { return KindLiquidityIncreased }
func (LiquidityDecreased) Kind() Kind { return KindLiquidityDecreased }
func (PoolStateChanged) Kind() Kind   { return KindPoolStateChanged }
func (FundingReceived) Kind() Kind    { return KindFundingReceived }
func (FundingSent) Kind() Kind        { return KindFundingSent }
func (PriceRequested) Kind() Kind     { return KindPriceRequested }

// Decode parses the payload for the envelope's type
func (e Envelope) Decode() (Event, error) {
	var ev Event
	switch e.Type {
	case KindLiquidityIncreased:
		ev = &LiquidityIncreased{}
	case KindLiquidityDecreased:
		ev = &LiquidityDecreased{}
	case KindPoolStateChanged:
		ev = &PoolStateChanged{}
	case KindFundingReceived:
		ev = &FundingReceived{}
	case KindFundingSent:
		ev = &FundingSent{}
	case KindPriceRequested:
		ev = &PriceRequested{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}

	if len(e.Data) == 0 {
		return nil, fmt.Errorf("event %s has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, ev); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	if v, ok := ev.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", e.Type, err)
		}
	}
	return ev, nil
}

type namedAmount struct {
	name  string
	value *Amount
}

// nonNegative rejects any quantity below zero; absent quantities pass
func nonNegative(amounts ...namedAmount) error {
	for _, a := range amounts {
		if a.value != nil && (*big.Int)(a.value).Sign() < 0 {
			return fmt.Errorf("%s must not be negative", a.name)
		}
	}
	return nil
}

func (ev *LiquidityIncreased) validate() error {
	return nonNegative(
		namedAmount{"liquidityDelta", ev.LiquidityDelta},
		namedAmount{"liquidityAfter", ev.LiquidityAfter},
		namedAmount{"amount0", ev.Amount0},
		namedAmount{"amount1", ev.Amount1},
	)
}

func (ev *LiquidityDecreased) validate() error {
	return nonNegative(
		namedAmount{"liquidityDelta", ev.LiquidityDelta},
		namedAmount{"remaining", ev.Remaining},
		namedAmount{"amount0", ev.Amount0},
		namedAmount{"amount1", ev.Amount1},
	)
}

func (ev *PoolStateChanged) validate() error {
	if ev.SqrtPriceX96 != nil && (*big.Int)(ev.SqrtPriceX96).Sign() <= 0 {
		return fmt.Errorf("sqrtPriceX96 must be positive")
	}
	return nil
}

func (ev *FundingReceived) validate() error {
	return nonNegative(namedAmount{"amount", ev.Amount})
}

func (ev *FundingSent) validate() error {
	return nonNegative(namedAmount{"amount", ev.Amount})
}

// Validate checks the envelope fields every event needs
func (e Envelope) Validate() error {
	if e.Type == KindPriceRequested {
		return nil
	}
	if e.TxHash == "" {
		return fmt.Errorf("txHash is required")
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	return nil
}

func toBig(a *Amount) *big.Int {
	if a == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(a))
}

func (ev *LiquidityIncreased) input(env Envelope) service.LiquidityIncrease {
	in := service.LiquidityIncrease{
		Key:            models.PositionKey{Agent: ev.Agent, Protocol: ev.Protocol, Pool: ev.Pool, TokenID: ev.TokenID},
		Kind:           ev.PositionKind,
		Manager:        ev.Manager,
		Token0:         ev.Token0,
		Token1:         ev.Token1,
		LiquidityDelta: toBig(ev.LiquidityDelta),
		LiquidityAfter: toBig(ev.LiquidityAfter),
		Amount0:        toBig(ev.Amount0),
		Amount1:        toBig(ev.Amount1),
		Timestamp:      env.Timestamp,
		TxHash:         env.TxHash,
	}
	if ev.TickLower != nil && ev.TickUpper != nil {
		in.Range = &models.RangeParams{TickLower: *ev.TickLower, TickUpper: *ev.TickUpper}
	}
	return in
}

func (ev *LiquidityDecreased) input(env Envelope) service.LiquidityDecrease {
	return service.LiquidityDecrease{
		Key:            models.PositionKey{Agent: ev.Agent, Protocol: ev.Protocol, Pool: ev.Pool, TokenID: ev.TokenID},
		Manager:        ev.Manager,
		LiquidityDelta: toBig(ev.LiquidityDelta),
		Remaining:      toBig(ev.Remaining),
		Amount0:        toBig(ev.Amount0),
		Amount1:        toBig(ev.Amount1),
		Timestamp:      env.Timestamp,
		TxHash:         env.TxHash,
	}
}

func (ev *PoolStateChanged) input(env Envelope) (service.PoolStateChange, error) {
	in := service.PoolStateChange{Pool: ev.Pool, Timestamp: env.Timestamp, TxHash: env.TxHash}
	if ev.SqrtPriceX96 != nil {
		sqrt, overflow := uint256.FromBig((*big.Int)(ev.SqrtPriceX96))
		if overflow {
			return in, fmt.Errorf("sqrtPriceX96 exceeds 256 bits")
		}
		in.SqrtPriceX96 = sqrt
	}
	return in, nil
}

func transfer(agent, token common.Address, amount *Amount, env Envelope) service.FundingTransfer {
	return service.FundingTransfer{
		Agent:     agent,
		Token:     token,
		Amount:    toBig(amount),
		Timestamp: env.Timestamp,
		TxHash:    env.TxHash,
	}
}
