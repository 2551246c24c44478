package adapter

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// valuatorABI covers every view function the valuator reads. Outputs are
// truncated to the leading static fields we use; trailing words are ignored
// when decoding, so the same entry serves Uniswap and Velodrome variants.
const valuatorABI = `[
  {"type":"function","name":"latestRoundData","stateMutability":"view","inputs":[],"outputs":[
    {"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},
    {"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"token0","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"token1","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"slot0","stateMutability":"view","inputs":[],"outputs":[
    {"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"}]},
  {"type":"function","name":"getReserves","stateMutability":"view","inputs":[],"outputs":[
    {"name":"reserve0","type":"uint256"},{"name":"reserve1","type":"uint256"},{"name":"blockTimestampLast","type":"uint256"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"convertToAssets","stateMutability":"view","inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"positions","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[
    {"name":"nonce","type":"uint96"},{"name":"operator","type":"address"},{"name":"token0","type":"address"},
    {"name":"token1","type":"address"},{"name":"feeOrTickSpacing","type":"int24"},{"name":"tickLower","type":"int24"},
    {"name":"tickUpper","type":"int24"},{"name":"liquidity","type":"uint128"}]}
]`

var contractABI = mustParseABI(valuatorABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("adapter: invalid contract ABI: " + err.Error())
	}
	return parsed
}
