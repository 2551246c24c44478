package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/agent-valuator/internal/circuitbreaker"
	"github.com/agent-valuator/internal/logging"
	"github.com/agent-valuator/internal/retry"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"
)

// ContractCaller is the slice of ethclient the reader needs. *ethclient.Client and *RPCPool satisfy it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EVMReaderConfig holds configuration for creating an EVMReader
type EVMReaderConfig struct {
	Chain types.ChainID

	// CallsPerSecond throttles outgoing eth_calls; zero disables throttling
	CallsPerSecond int

	// CallTimeout bounds each individual eth_call
	// Default: 10 seconds
	CallTimeout time.Duration

	// CircuitThreshold is the number of consecutive failures that opens the circuit
	// Default: 10
	CircuitThreshold int

	// Retry overrides retry.ContractCallConfig
	Retry *retry.RetryConfig
}

// EVMReader implements ChainReader with plain eth_calls against the valuator ABI.
// Reverts are reported as ErrCallReverted, are never retried and never trip the circuit.
type EVMReader struct {
	chain       types.ChainID
	caller      ContractCaller
	limiter     *rate.Limiter
	breaker     *circuitbreaker.CircuitBreaker
	retryConfig *retry.RetryConfig
	callTimeout time.Duration

	mu           sync.RWMutex
	feedDecimals map[common.Address]uint8
}

var _ ChainReader = (*EVMReader)(nil)

// NewEVMReader creates a reader over caller
func NewEVMReader(caller ContractCaller, cfg *EVMReaderConfig) (*EVMReader, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller cannot be nil")
	}
	if cfg == nil {
		cfg = &EVMReaderConfig{}
	}

	limit := rate.Inf
	burst := 1
	if cfg.CallsPerSecond > 0 {
		limit = rate.Limit(cfg.CallsPerSecond)
		burst = cfg.CallsPerSecond
	}

	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	breakerCfg := circuitbreaker.DefaultConfig("rpc-" + string(cfg.Chain))
	if cfg.CircuitThreshold > 0 {
		breakerCfg.MaxFailures = cfg.CircuitThreshold
	}
	breakerCfg.IsFailure = isCircuitFailure

	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = retry.ContractCallConfig()
	}

	return &EVMReader{
		chain:        cfg.Chain,
		caller:       caller,
		limiter:      rate.NewLimiter(limit, burst),
		breaker:      circuitbreaker.NewCircuitBreaker(breakerCfg),
		retryConfig:  retryCfg,
		callTimeout:  timeout,
		feedDecimals: make(map[common.Address]uint8),
	}, nil
}

// LatestRoundData reads a Chainlink aggregator
func (r *EVMReader) LatestRoundData(ctx context.Context, feed common.Address) (RoundData, error) {
	out, err := r.call(ctx, "LatestRoundData", feed, "latestRoundData")
	if err != nil {
		return RoundData{}, err
	}
	roundID, ok1 := out[0].(*big.Int)
	answer, ok2 := out[1].(*big.Int)
	updatedAt, ok3 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return RoundData{}, r.decodeError("LatestRoundData", feed)
	}
	return RoundData{RoundID: roundID, Answer: answer, UpdatedAt: updatedAt.Int64()}, nil
}

// FeedDecimals reads decimals() of a feed once and caches it; feed decimals never change
func (r *EVMReader) FeedDecimals(ctx context.Context, feed common.Address) (uint8, error) {
	r.mu.RLock()
	d, ok := r.feedDecimals[feed]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}

	out, err := r.call(ctx, "FeedDecimals", feed, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok = out[0].(uint8)
	if !ok {
		return 0, r.decodeError("FeedDecimals", feed)
	}

	r.mu.Lock()
	r.feedDecimals[feed] = d
	r.mu.Unlock()
	return d, nil
}

// Token0 reads the first token of a pool
func (r *EVMReader) Token0(ctx context.Context, pool common.Address) (common.Address, error) {
	return r.callAddress(ctx, "Token0", pool, "token0")
}

// Token1 reads the second token of a pool
func (r *EVMReader) Token1(ctx context.Context, pool common.Address) (common.Address, error) {
	return r.callAddress(ctx, "Token1", pool, "token1")
}

// Slot0 reads the live sqrt price and tick of a concentrated-liquidity pool
func (r *EVMReader) Slot0(ctx context.Context, pool common.Address) (Slot0, error) {
	out, err := r.call(ctx, "Slot0", pool, "slot0")
	if err != nil {
		return Slot0{}, err
	}
	sqrtPrice, ok1 := out[0].(*big.Int)
	tick, ok2 := out[1].(*big.Int)
	if !ok1 || !ok2 {
		return Slot0{}, r.decodeError("Slot0", pool)
	}
	sqrtPriceX96, overflow := uint256.FromBig(sqrtPrice)
	if overflow {
		return Slot0{}, r.decodeError("Slot0", pool)
	}
	return Slot0{SqrtPriceX96: sqrtPriceX96, Tick: int(tick.Int64())}, nil
}

// GetReserves reads pool reserves
func (r *EVMReader) GetReserves(ctx context.Context, pool common.Address) (Reserves, error) {
	out, err := r.call(ctx, "GetReserves", pool, "getReserves")
	if err != nil {
		return Reserves{}, err
	}
	r0, ok1 := out[0].(*big.Int)
	r1, ok2 := out[1].(*big.Int)
	if !ok1 || !ok2 {
		return Reserves{}, r.decodeError("GetReserves", pool)
	}
	return Reserves{Reserve0: r0, Reserve1: r1}, nil
}

// TotalSupply reads an ERC-20 total supply
func (r *EVMReader) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	return r.callUint(ctx, "TotalSupply", token, "totalSupply")
}

// BalanceOf reads an ERC-20 balance
func (r *EVMReader) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return r.callUint(ctx, "BalanceOf", token, "balanceOf", owner)
}

// ConvertToAssets reads the underlying assets claimed by vault shares
func (r *EVMReader) ConvertToAssets(ctx context.Context, vault common.Address, shares *big.Int) (*big.Int, error) {
	return r.callUint(ctx, "ConvertToAssets", vault, "convertToAssets", shares)
}

// OwnerOf reads the owner of a position NFT
func (r *EVMReader) OwnerOf(ctx context.Context, manager common.Address, tokenID *big.Int) (common.Address, error) {
	return r.callAddress(ctx, "OwnerOf", manager, "ownerOf", tokenID)
}

// Positions reads a range position from its position manager
func (r *EVMReader) Positions(ctx context.Context, manager common.Address, tokenID *big.Int) (NFTPosition, error) {
	out, err := r.call(ctx, "Positions", manager, "positions", tokenID)
	if err != nil {
		return NFTPosition{}, err
	}
	token0, ok1 := out[2].(common.Address)
	token1, ok2 := out[3].(common.Address)
	fee, ok3 := out[4].(*big.Int)
	lower, ok4 := out[5].(*big.Int)
	upper, ok5 := out[6].(*big.Int)
	liquidity, ok6 := out[7].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return NFTPosition{}, r.decodeError("Positions", manager)
	}
	return NFTPosition{
		Token0:           token0,
		Token1:           token1,
		FeeOrTickSpacing: int(fee.Int64()),
		TickLower:        int(lower.Int64()),
		TickUpper:        int(upper.Int64()),
		Liquidity:        liquidity,
	}, nil
}

// NativeBalance reads the ETH balance of owner
func (r *EVMReader) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	var balance *big.Int
	err := r.execute(ctx, func(callCtx context.Context) error {
		var err error
		balance, err = r.caller.BalanceAt(callCtx, owner, nil)
		return err
	})
	if err != nil {
		return nil, NewAdapterError(r.chain, "NativeBalance", err, map[string]interface{}{
			"owner": owner.Hex(),
		})
	}
	return balance, nil
}

// BreakerStats exposes the circuit state for the health endpoint
func (r *EVMReader) BreakerStats() circuitbreaker.Stats {
	return r.breaker.GetStats()
}

func (r *EVMReader) callAddress(ctx context.Context, op string, to common.Address, method string, args ...interface{}) (common.Address, error) {
	out, err := r.call(ctx, op, to, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, r.decodeError(op, to)
	}
	return addr, nil
}

func (r *EVMReader) callUint(ctx context.Context, op string, to common.Address, method string, args ...interface{}) (*big.Int, error) {
	out, err := r.call(ctx, op, to, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, r.decodeError(op, to)
	}
	return v, nil
}

// call packs, executes and unpacks one view function
func (r *EVMReader) call(ctx context.Context, op string, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, NewAdapterError(r.chain, op, err, map[string]interface{}{"contract": to.Hex()})
	}

	var raw []byte
	err = r.execute(ctx, func(callCtx context.Context) error {
		res, err := r.caller.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: input}, nil)
		if err != nil {
			return err
		}
		if len(res) == 0 {
			return ErrCallReverted
		}
		raw = res
		return nil
	})
	if err != nil {
		return nil, NewAdapterError(r.chain, op, err, map[string]interface{}{"contract": to.Hex()})
	}

	out, err := contractABI.Unpack(method, raw)
	if err != nil || len(out) == 0 {
		return nil, NewAdapterError(r.chain, op, fmt.Errorf("%w: %v", ErrUnexpectedOutput, err), map[string]interface{}{
			"contract": to.Hex(),
		})
	}
	return out, nil
}

// execute runs fn behind the limiter, circuit breaker and retry schedule
func (r *EVMReader) execute(ctx context.Context, fn func(callCtx context.Context) error) error {
	return r.breaker.Execute(ctx, func() error {
		return retry.WithRetry(ctx, r.retryConfig, func(ctx context.Context, attempt int) error {
			if err := r.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}

			callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
			defer cancel()

			err := fn(callCtx)
			if err == nil {
				return nil
			}
			if IsRevertError(err) {
				logging.FromContext(ctx).WithFields(map[string]interface{}{
					"chain":   r.chain,
					"attempt": attempt,
				}).WithError(err).Debug("Contract call reverted")
				if !errors.Is(err, ErrCallReverted) {
					err = fmt.Errorf("%w: %v", ErrCallReverted, err)
				}
				return retry.Permanent(err)
			}
			return err
		})
	})
}

func (r *EVMReader) decodeError(op string, contract common.Address) error {
	return NewAdapterError(r.chain, op, ErrUnexpectedOutput, map[string]interface{}{"contract": contract.Hex()})
}

// IsRevertError reports whether err means the contract rejected the call rather than the RPC failing
func IsRevertError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCallReverted) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "invalid opcode") ||
		strings.Contains(errStr, "out of gas")
}

// isCircuitFailure keeps reverts and caller cancellations from opening the circuit
func isCircuitFailure(err error) bool {
	if IsRevertError(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
