package oracle

import (
	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/types"
	"github.com/shopspring/decimal"
)

var (
	coreStableBand = models.PriceBand{
		Min: decimal.RequireFromString("0.95"),
		Max: decimal.RequireFromString("1.05"),
	}
	variableStableBand = models.PriceBand{
		Min: decimal.RequireFromString("0.80"),
		Max: decimal.RequireFromString("1.20"),
	}
	defaultBand = models.PriceBand{
		Min: decimal.RequireFromString("0.0001"),
		Max: decimal.NewFromInt(100000),
	}
)

// DefaultBand returns the accepted USD range for a token class
func DefaultBand(class types.TokenClass) models.PriceBand {
	switch class {
	case types.ClassCoreStable:
		return coreStableBand
	case types.ClassVariableStable:
		return variableStableBand
	default:
		return defaultBand
	}
}

// BandFor returns the token's override band, or its class default
func BandFor(token *models.Token) models.PriceBand {
	if token.Band != nil {
		return *token.Band
	}
	return DefaultBand(token.Class)
}
