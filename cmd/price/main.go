// Package main resolves token prices from the command line for debugging source cascades.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agent-valuator/internal/adapter"
	"github.com/agent-valuator/internal/config"
	"github.com/agent-valuator/internal/logging"
	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/oracle"
	"github.com/agent-valuator/internal/storage"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
)

func main() {
	tokenFlag := flag.String("token", "", "Token address or registry symbol")
	allFlag := flag.Bool("all", false, "Price every registered token")
	atFlag := flag.Int64("at", 0, "Unix timestamp to price at (default now)")
	jsonFlag := flag.Bool("json", false, "Print quotes as JSON")
	flag.Parse()

	if *tokenFlag == "" && !*allFlag {
		fmt.Println("Usage: price -token <address|symbol> [-at <unix>] [-json]")
		fmt.Println("       price -all [-at <unix>]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.FormatText)

	registry, err := oracle.LoadRegistry(cfg.Oracle.RegistryPath)
	if err != nil {
		fmt.Printf("Error loading registry: %v\n", err)
		os.Exit(1)
	}

	tokens, err := selectTokens(registry, *tokenFlag, *allFlag)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	pool, err := adapter.NewRPCPool(&adapter.RPCPoolConfig{Endpoints: cfg.Chain.RPCEndpoints, CooldownTime: cfg.Chain.RPCCooldown})
	if err != nil {
		fmt.Printf("Error connecting to RPC: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	reader, err := adapter.NewEVMReader(pool, &adapter.EVMReaderConfig{
		Chain:       types.ChainID(cfg.Chain.Name),
		CallTimeout: cfg.Chain.CallTimeout,
	})
	if err != nil {
		fmt.Printf("Error creating reader: %v\n", err)
		os.Exit(1)
	}

	// a fresh memory cache so every quote comes from the sources
	mem := storage.NewMemoryStore()
	prices := oracle.NewAggregator(registry, reader, mem, mem, oracle.ConfigFromEnv(cfg.Oracle))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *jsonFlag {
		quotes := make([]models.PriceQuote, 0, len(tokens))
		for _, token := range tokens {
			quotes = append(quotes, prices.Resolve(ctx, token.Address, *atFlag, true))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(quotes); err != nil {
			fmt.Printf("Error encoding quotes: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("%-10s %-44s %20s %6s  %s\n", "SYMBOL", "ADDRESS", "PRICE_USD", "CONF", "SOURCE")
	fmt.Println(strings.Repeat("-", 100))
	unresolved := 0
	for _, token := range tokens {
		q := prices.Resolve(ctx, token.Address, *atFlag, true)
		if !q.Resolved() {
			unresolved++
		}
		fmt.Printf("%-10s %-44s %20s %6.2f  %s %s\n",
			token.Symbol, token.Address.Hex(), q.Price.StringFixed(6), q.Confidence, q.Source, sourceLabel(q))
	}

	if unresolved > 0 {
		fmt.Printf("\n%d of %d tokens unresolved\n", unresolved, len(tokens))
		os.Exit(3)
	}
}

func selectTokens(registry *oracle.Registry, want string, all bool) ([]*models.Token, error) {
	if all {
		return registry.Tokens(), nil
	}
	if common.IsHexAddress(want) {
		token, ok := registry.Lookup(common.HexToAddress(want))
		if !ok {
			return nil, fmt.Errorf("token %s is not in the registry", want)
		}
		return []*models.Token{token}, nil
	}
	for _, token := range registry.Tokens() {
		if strings.EqualFold(token.Symbol, want) {
			return []*models.Token{token}, nil
		}
	}
	return nil, fmt.Errorf("no registered token with symbol %q", want)
}

func sourceLabel(q models.PriceQuote) string {
	if q.SourceAddress == (common.Address{}) {
		return ""
	}
	return "(" + q.SourceAddress.Hex() + ")"
}
