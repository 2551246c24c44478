package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agent-valuator/internal/models"
	"github.com/shopspring/decimal"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// findProjectRoot walks up from the working directory to the directory holding go.mod
func findProjectRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (go.mod)")
		}
		dir = parent
	}
}

func snapshotFixture(at int64) *models.PortfolioSnapshot {
	p := models.NewPortfolio(testAgent)
	p.FinalValue = decimal.RequireFromString("1234.5678")
	p.InitialValue = decimal.NewFromInt(1000)
	p.ROI = decimal.RequireFromString("23.45678")
	return models.SnapshotOf(p, at, 2, true)
}
