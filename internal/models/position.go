package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrPositionClosed is returned when a transition is applied to a closed position
var ErrPositionClosed = errors.New("position is closed")

// PositionKey identifies a liquidity position: agent + protocol + pool, plus the NFT id for range positions.
// At most one open position exists per key; each re-entry is a new incarnation with its own ID.
type PositionKey struct {
	Agent    common.Address `json:"agent"`
	Protocol string         `json:"protocol"`
	Pool     common.Address `json:"pool"`
	TokenID  string         `json:"tokenId,omitempty"`
}

func (k PositionKey) String() string {
	parts := []string{strings.ToLower(k.Agent.Hex()), k.Protocol, strings.ToLower(k.Pool.Hex())}
	if k.TokenID != "" {
		parts = append(parts, k.TokenID)
	}
	return strings.Join(parts, ":")
}

// TokenRef is the token identity a position holds
type TokenRef struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// RangeParams is the fixed price range of a concentrated-liquidity position
type RangeParams struct {
	TickLower   int    `json:"tickLower"`
	TickUpper   int    `json:"tickUpper"`
	Fee         uint32 `json:"fee,omitempty"`
	TickSpacing int    `json:"tickSpacing,omitempty"`
}

// Flow is capital moved into (entry) or out of (exit) a position, in human units and USD
type Flow struct {
	Amount0    decimal.Decimal `json:"amount0"`
	Amount1    decimal.Decimal `json:"amount1"`
	Amount0USD decimal.Decimal `json:"amount0Usd"`
	Amount1USD decimal.Decimal `json:"amount1Usd"`
	Timestamp  int64           `json:"timestamp"`
	TxHash     string          `json:"txHash"`
}

// USD is the total dollar value of the flow
func (f Flow) USD() decimal.Decimal {
	return f.Amount0USD.Add(f.Amount1USD)
}

// IsZero reports whether nothing has moved yet
func (f Flow) IsZero() bool {
	return f.Timestamp == 0 && f.TxHash == "" && f.Amount0.IsZero() && f.Amount1.IsZero()
}

func (f Flow) sum(o Flow) Flow {
	f.Amount0 = f.Amount0.Add(o.Amount0)
	f.Amount1 = f.Amount1.Add(o.Amount1)
	f.Amount0USD = f.Amount0USD.Add(o.Amount0USD)
	f.Amount1USD = f.Amount1USD.Add(o.Amount1USD)
	return f
}

// accumulateEntry adds a deposit, keeping the first deposit's timestamp and tx
func (f Flow) accumulateEntry(deposit Flow) Flow {
	out := f.sum(deposit)
	if f.IsZero() {
		out.Timestamp = deposit.Timestamp
		out.TxHash = deposit.TxHash
	}
	return out
}

// accumulateExit adds a withdrawal, moving the timestamp and tx to the latest withdrawal
func (f Flow) accumulateExit(withdrawal Flow) Flow {
	out := f.sum(withdrawal)
	out.Timestamp = withdrawal.Timestamp
	out.TxHash = withdrawal.TxHash
	return out
}

// Holdings is the live valuation of what a position can currently claim
type Holdings struct {
	Amount0    decimal.Decimal `json:"amount0"`
	Amount1    decimal.Decimal `json:"amount1"`
	Amount0USD decimal.Decimal `json:"amount0Usd"`
	Amount1USD decimal.Decimal `json:"amount1Usd"`
	UpdatedAt  int64           `json:"updatedAt"`
}

// USD is the total dollar value of the holdings
func (h Holdings) USD() decimal.Decimal {
	return h.Amount0USD.Add(h.Amount1USD)
}

// Lifecycle is the state of a position: OpenLifecycle or ClosedLifecycle.
// A position that was never opened has no record at all.
type Lifecycle interface {
	isLifecycle()
}

// OpenLifecycle is a position with a nonzero claim; entry keeps accumulating
type OpenLifecycle struct {
	Entry Flow
	// Withdrawn is the running total of partial withdrawals
	Withdrawn Flow
}

// ClosedLifecycle is terminal; entry and exit are frozen
type ClosedLifecycle struct {
	Entry Flow
	Exit  Flow
}

func (OpenLifecycle) isLifecycle()   {}
func (ClosedLifecycle) isLifecycle() {}

// Position is one incarnation of a liquidity position
type Position struct {
	ID        uuid.UUID          `json:"id"`
	Key       PositionKey        `json:"key"`
	Kind      types.PositionKind `json:"kind"`
	Token0    TokenRef           `json:"token0"`
	Token1    TokenRef           `json:"token1"`
	Range     *RangeParams       `json:"range,omitempty"`
	Liquidity *big.Int           `json:"-"`
	Current   Holdings           `json:"current"`
	Lifecycle Lifecycle          `json:"-"`
	CreatedAt int64              `json:"createdAt"`
	UpdatedAt int64              `json:"updatedAt"`
}

// OpenPosition creates a new incarnation from its first deposit
func OpenPosition(key PositionKey, kind types.PositionKind, token0, token1 TokenRef, rng *RangeParams, liquidity *big.Int, deposit Flow) Position {
	return Position{
		ID:        uuid.New(),
		Key:       key,
		Kind:      kind,
		Token0:    token0,
		Token1:    token1,
		Range:     rng,
		Liquidity: cloneInt(liquidity),
		Lifecycle: OpenLifecycle{Entry: Flow{}.accumulateEntry(deposit)},
		CreatedAt: deposit.Timestamp,
		UpdatedAt: deposit.Timestamp,
	}
}

// IsActive reports whether the position is open
func (p Position) IsActive() bool {
	_, ok := p.Lifecycle.(OpenLifecycle)
	return ok
}

// Entry returns the accumulated deposits
func (p Position) Entry() Flow {
	switch lc := p.Lifecycle.(type) {
	case OpenLifecycle:
		return lc.Entry
	case ClosedLifecycle:
		return lc.Entry
	}
	return Flow{}
}

// Exit returns the frozen exit flow; ok is false while the position is open
func (p Position) Exit() (Flow, bool) {
	if lc, ok := p.Lifecycle.(ClosedLifecycle); ok {
		return lc.Exit, true
	}
	return Flow{}, false
}

// Withdrawn returns the partial withdrawals taken so far from an open position
func (p Position) Withdrawn() Flow {
	switch lc := p.Lifecycle.(type) {
	case OpenLifecycle:
		return lc.Withdrawn
	case ClosedLifecycle:
		return lc.Exit
	}
	return Flow{}
}

// CurrentUSD is the live value of the position; zero once closed
func (p Position) CurrentUSD() decimal.Decimal {
	if !p.IsActive() {
		return decimal.Zero
	}
	return p.Current.USD()
}

// PnL is exit + current - entry: realized for closed positions, unrealized for open ones
func (p Position) PnL() decimal.Decimal {
	return p.CurrentUSD().Add(p.Withdrawn().USD()).Sub(p.Entry().USD())
}

// Increase accumulates a deposit into an open position
func (p Position) Increase(deposit Flow, liquidity *big.Int) (Position, error) {
	lc, ok := p.Lifecycle.(OpenLifecycle)
	if !ok {
		return p, ErrPositionClosed
	}

	lc.Entry = lc.Entry.accumulateEntry(deposit)
	p.Lifecycle = lc
	p.Liquidity = cloneInt(liquidity)
	p.UpdatedAt = deposit.Timestamp
	return p, nil
}

// Decrease records a withdrawal. A zero remaining claim closes the position and
// freezes the exit at the sum of all withdrawals.
func (p Position) Decrease(withdrawal Flow, remaining *big.Int) (Position, error) {
	lc, ok := p.Lifecycle.(OpenLifecycle)
	if !ok {
		return p, ErrPositionClosed
	}

	withdrawn := lc.Withdrawn.accumulateExit(withdrawal)
	p.Liquidity = cloneInt(remaining)
	p.UpdatedAt = withdrawal.Timestamp

	if p.Liquidity.Sign() <= 0 {
		p.Liquidity = new(big.Int)
		p.Lifecycle = ClosedLifecycle{Entry: lc.Entry, Exit: withdrawn}
		p.Current = Holdings{
			Amount0:    decimal.Zero,
			Amount1:    decimal.Zero,
			Amount0USD: decimal.Zero,
			Amount1USD: decimal.Zero,
			UpdatedAt:  withdrawal.Timestamp,
		}
		return p, nil
	}

	lc.Withdrawn = withdrawn
	p.Lifecycle = lc
	return p, nil
}

// Revalue replaces the live holdings of an open position
func (p Position) Revalue(h Holdings) (Position, error) {
	if !p.IsActive() {
		return p, ErrPositionClosed
	}
	p.Current = h
	if h.UpdatedAt > p.UpdatedAt {
		p.UpdatedAt = h.UpdatedAt
	}
	return p, nil
}

// MarshalJSON flattens the lifecycle into isActive/entry/exit fields
func (p Position) MarshalJSON() ([]byte, error) {
	type alias Position
	out := struct {
		alias
		Liquidity  string           `json:"liquidity"`
		IsActive   bool             `json:"isActive"`
		Entry      Flow             `json:"entry"`
		EntryUSD   decimal.Decimal  `json:"entryAmountUsd"`
		Exit       *Flow            `json:"exit,omitempty"`
		ExitUSD    *decimal.Decimal `json:"exitAmountUsd,omitempty"`
		CurrentUSD decimal.Decimal  `json:"currentUsd"`
		PnL        decimal.Decimal  `json:"pnlUsd"`
	}{
		alias:      alias(p),
		Liquidity:  "0",
		IsActive:   p.IsActive(),
		Entry:      p.Entry(),
		EntryUSD:   p.Entry().USD(),
		CurrentUSD: p.CurrentUSD(),
		PnL:        p.PnL(),
	}
	if p.Liquidity != nil {
		out.Liquidity = p.Liquidity.String()
	}
	if exit, ok := p.Exit(); ok {
		usd := exit.USD()
		out.Exit = &exit
		out.ExitUSD = &usd
	}
	return json.Marshal(out)
}

// Validate checks the structural fields of a position before it is stored
func (p Position) Validate() error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("position %s has no id", p.Key)
	}
	if !p.Kind.IsValid() {
		return fmt.Errorf("position %s has unknown kind %q", p.Key, p.Kind)
	}
	if p.Kind == types.KindRange && p.Range == nil {
		return fmt.Errorf("range position %s has no tick bounds", p.Key)
	}
	if p.Lifecycle == nil {
		return fmt.Errorf("position %s has no lifecycle", p.Key)
	}
	return nil
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
