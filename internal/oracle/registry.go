// Package oracle resolves token USD prices through a priority-ordered cascade
// of on-chain sources, with band validation, caching and an audit trail.
package oracle

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Registry is the static per-deployment token whitelist
type Registry struct {
	chain     types.ChainID
	wrapToken common.Address
	tokens    map[common.Address]*models.Token
	order     []common.Address
}

type registryFile struct {
	Chain     string      `yaml:"chain"`
	WrapToken string      `yaml:"wrapToken"`
	Tokens    []tokenYAML `yaml:"tokens"`
}

type tokenYAML struct {
	Address  string       `yaml:"address"`
	Symbol   string       `yaml:"symbol"`
	Decimals int          `yaml:"decimals"`
	Class    string       `yaml:"class"`
	Critical bool         `yaml:"critical"`
	Band     *bandYAML    `yaml:"band"`
	Sources  []sourceYAML `yaml:"sources"`
}

type bandYAML struct {
	Min string `yaml:"min"`
	Max string `yaml:"max"`
}

type sourceYAML struct {
	Address    string `yaml:"address"`
	Type       string `yaml:"type"`
	Priority   int    `yaml:"priority"`
	Confidence int    `yaml:"confidence"`
	PairToken  string `yaml:"pairToken"`
	FeeTier    uint32 `yaml:"feeTier"`
}

// LoadRegistry reads and validates a registry file
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token registry %s: %w", path, err)
	}
	return ParseRegistry(raw)
}

// ParseRegistry parses registry YAML
func ParseRegistry(raw []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse token registry: %w", err)
	}

	tokens := make([]models.Token, 0, len(file.Tokens))
	for i, ty := range file.Tokens {
		token, err := ty.toModel()
		if err != nil {
			return nil, fmt.Errorf("token %d (%s): %w", i, ty.Symbol, err)
		}
		tokens = append(tokens, token)
	}

	var wrap common.Address
	if file.WrapToken != "" {
		if !common.IsHexAddress(file.WrapToken) {
			return nil, fmt.Errorf("invalid wrapToken address %q", file.WrapToken)
		}
		wrap = common.HexToAddress(file.WrapToken)
	}

	return NewRegistry(types.ChainID(file.Chain), wrap, tokens)
}

// NewRegistry builds a registry from already-typed tokens. Sources are sorted by ascending priority.
func NewRegistry(chain types.ChainID, wrapToken common.Address, tokens []models.Token) (*Registry, error) {
	if chain != "" && !chain.IsValid() {
		return nil, fmt.Errorf("unsupported chain %q", chain)
	}

	r := &Registry{
		chain:     chain,
		wrapToken: wrapToken,
		tokens:    make(map[common.Address]*models.Token, len(tokens)),
	}

	for i := range tokens {
		token := tokens[i]
		if _, dup := r.tokens[token.Address]; dup {
			return nil, fmt.Errorf("duplicate token %s (%s)", token.Address.Hex(), token.Symbol)
		}
		if err := validateToken(token); err != nil {
			return nil, fmt.Errorf("token %s: %w", token.Symbol, err)
		}

		token.Sources = append([]models.PriceSource(nil), token.Sources...)
		sort.SliceStable(token.Sources, func(a, b int) bool {
			return token.Sources[a].Priority < token.Sources[b].Priority
		})

		r.tokens[token.Address] = &token
		r.order = append(r.order, token.Address)
	}

	if wrapToken != (common.Address{}) {
		if _, ok := r.tokens[wrapToken]; !ok {
			return nil, fmt.Errorf("wrap token %s is not registered", wrapToken.Hex())
		}
	}

	return r, nil
}

func validateToken(token models.Token) error {
	if token.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	switch token.Class {
	case types.ClassCoreStable, types.ClassVariableStable, types.ClassWrapNative, types.ClassVolatile:
	default:
		return fmt.Errorf("unknown class %q", token.Class)
	}
	if token.Band != nil && token.Band.Min.GreaterThan(token.Band.Max) {
		return fmt.Errorf("band min %s exceeds max %s", token.Band.Min, token.Band.Max)
	}
	for _, src := range token.Sources {
		if src.Confidence < 0 || src.Confidence > 100 {
			return fmt.Errorf("source %s confidence %d outside [0, 100]", src.Address.Hex(), src.Confidence)
		}
	}
	return nil
}

func (t tokenYAML) toModel() (models.Token, error) {
	if !common.IsHexAddress(t.Address) {
		return models.Token{}, fmt.Errorf("invalid address %q", t.Address)
	}
	// ERC-20 decimals is a uint8; out-of-range pool math is rejected at quote time
	if t.Decimals < 0 || t.Decimals > 255 {
		return models.Token{}, fmt.Errorf("decimals %d out of range", t.Decimals)
	}

	token := models.Token{
		Address:  common.HexToAddress(t.Address),
		Symbol:   t.Symbol,
		Decimals: uint8(t.Decimals),
		Class:    types.TokenClass(strings.ToLower(t.Class)),
		Critical: t.Critical,
	}

	if t.Band != nil {
		lo, err := decimal.NewFromString(t.Band.Min)
		if err != nil {
			return models.Token{}, fmt.Errorf("invalid band min %q: %w", t.Band.Min, err)
		}
		hi, err := decimal.NewFromString(t.Band.Max)
		if err != nil {
			return models.Token{}, fmt.Errorf("invalid band max %q: %w", t.Band.Max, err)
		}
		token.Band = &models.PriceBand{Min: lo, Max: hi}
	}

	for _, s := range t.Sources {
		if !common.IsHexAddress(s.Address) {
			return models.Token{}, fmt.Errorf("invalid source address %q", s.Address)
		}
		src := models.PriceSource{
			Address:    common.HexToAddress(s.Address),
			Type:       types.SourceType(s.Type),
			Priority:   s.Priority,
			Confidence: s.Confidence,
			FeeTier:    s.FeeTier,
		}
		if s.PairToken != "" {
			if !common.IsHexAddress(s.PairToken) {
				return models.Token{}, fmt.Errorf("invalid pairToken %q", s.PairToken)
			}
			src.PairToken = common.HexToAddress(s.PairToken)
		}
		token.Sources = append(token.Sources, src)
	}

	return token, nil
}

// Chain returns the chain the registry was written for
func (r *Registry) Chain() types.ChainID {
	return r.chain
}

// Lookup returns the configuration of a whitelisted token
func (r *Registry) Lookup(address common.Address) (*models.Token, bool) {
	token, ok := r.tokens[address]
	return token, ok
}

// Tokens returns every registered token in file order
func (r *Registry) Tokens() []*models.Token {
	out := make([]*models.Token, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.tokens[addr])
	}
	return out
}

// WrapToken returns the chain's wrapped native token, if configured
func (r *Registry) WrapToken() (*models.Token, bool) {
	if r.wrapToken == (common.Address{}) {
		return nil, false
	}
	return r.Lookup(r.wrapToken)
}

// IsStable reports whether address is a registered stablecoin
func (r *Registry) IsStable(address common.Address) bool {
	token, ok := r.tokens[address]
	return ok && token.Class.IsStable()
}
