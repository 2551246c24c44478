package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agent-valuator/internal/errors"
	"github.com/agent-valuator/internal/events"
	"github.com/agent-valuator/internal/models"
	"github.com/agent-valuator/internal/storage"
	"github.com/agent-valuator/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	testAgent = common.HexToAddress("0xA6E17A0000000000000000000000000000000001")
	testPool  = common.HexToAddress("0xC100000000000000000000000000000000000001")
	testUSDC  = common.HexToAddress("0x0b2C639c533813f4Aa9D7837cAf62653d097Ff85")
)

type mockPrices struct {
	calls []int64
}

func (m *mockPrices) Resolve(ctx context.Context, token common.Address, at int64, forceRefresh bool) models.PriceQuote {
	m.calls = append(m.calls, at)
	if token != testUSDC {
		return models.PriceQuote{Token: token, Price: decimal.Zero, Source: types.SourceNone, Timestamp: at}
	}
	return models.PriceQuote{Token: token, Symbol: "USDC", Price: decimal.NewFromInt(1), Confidence: 0.95, Source: types.SourceChainlink, Timestamp: at}
}

type mockEvents struct {
	handled []events.Envelope
	failOn  string
	err     error
}

func (m *mockEvents) Handle(ctx context.Context, env events.Envelope) (*events.Result, error) {
	if m.failOn != "" && env.TxHash == m.failOn {
		return nil, m.err
	}
	m.handled = append(m.handled, env)
	return &events.Result{Kind: env.Type}, nil
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(ctx context.Context) error { return m.err }

func newTestServer(t *testing.T, store *storage.MemoryStore, ev *mockEvents) *Server {
	t.Helper()
	if ev == nil {
		ev = &mockEvents{}
	}
	s := NewServer(&ServerConfig{Host: "127.0.0.1", Port: "0", RequestsPerSecond: 100, Burst: 100, MaxEventBatch: 3}, Dependencies{
		Portfolios: store,
		Positions:  store,
		Snapshots:  store,
		Prices:     &mockPrices{},
		Events:     ev,
		Health:     map[string]Pinger{"memory": store},
	})
	s.now = func() time.Time { return time.Unix(2_000_000_000, 0) }
	return s
}

func serve(s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5000"
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryStore(), nil)

	w := serve(s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected a request ID header")
	}

	s.deps.Health["redis"] = mockPinger{err: fmt.Errorf("connection refused")}
	w = serve(s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 when a backend is down, got %d", w.Code)
	}
}

func TestGetPortfolio(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newTestServer(t, store, nil)

	w := serve(s, http.MethodGet, "/api/agents/"+testAgent.Hex()+"/portfolio", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404 for unknown agent, got %d", w.Code)
	}

	portfolio := models.NewPortfolio(testAgent)
	portfolio.FinalValue = decimal.NewFromInt(1100)
	portfolio.InitialValue = decimal.NewFromInt(1000)
	portfolio.ROI = decimal.NewFromInt(10)
	if err := store.SavePortfolio(context.Background(), portfolio); err != nil {
		t.Fatalf("SavePortfolio() error = %v", err)
	}

	w = serve(s, http.MethodGet, "/api/agents/"+strings.ToLower(testAgent.Hex())+"/portfolio", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var view PortfolioView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !view.Portfolio.ROI.Equal(decimal.NewFromInt(10)) {
		t.Errorf("ROI = %s, want 10", view.Portfolio.ROI)
	}
	if view.Funding == nil || !view.Funding.NetUSD.IsZero() {
		t.Errorf("Expected a zero funding balance, got %+v", view.Funding)
	}
}

func TestGetPortfolio_InvalidAddress(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryStore(), nil)

	w := serve(s, http.MethodGet, "/api/agents/not-an-address/portfolio", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != ErrCodeInvalidInput {
		t.Errorf("Expected code %s, got %s", ErrCodeInvalidInput, resp.Error.Code)
	}
}

func TestListPositions(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	deposit := models.Flow{Amount0: decimal.NewFromInt(50), Amount0USD: decimal.NewFromInt(50), Timestamp: 100, TxHash: "0x1"}
	open := models.OpenPosition(
		models.PositionKey{Agent: testAgent, Protocol: "velodrome_v2", Pool: testPool},
		types.KindPoolShare,
		models.TokenRef{Address: testUSDC, Symbol: "USDC", Decimals: 6},
		models.TokenRef{Symbol: "WETH", Decimals: 18},
		nil, big.NewInt(10), deposit)
	closed := models.OpenPosition(
		models.PositionKey{Agent: testAgent, Protocol: "erc4626", Pool: testUSDC},
		types.KindVaultShare,
		models.TokenRef{Address: testUSDC, Symbol: "USDC", Decimals: 6},
		models.TokenRef{},
		nil, big.NewInt(10), deposit)
	closed, err := closed.Decrease(models.Flow{Amount0: decimal.NewFromInt(55), Amount0USD: decimal.NewFromInt(55), Timestamp: 200}, big.NewInt(0))
	if err != nil {
		t.Fatalf("Decrease() error = %v", err)
	}
	for _, p := range []models.Position{open, closed} {
		if err := store.SavePosition(ctx, &p); err != nil {
			t.Fatalf("SavePosition() error = %v", err)
		}
	}

	s := newTestServer(t, store, nil)

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
	}{
		{"all positions", "", http.StatusOK, 2},
		{"active only", "?active=true", http.StatusOK, 1},
		{"explicit all", "?active=false", http.StatusOK, 2},
		{"bad flag", "?active=maybe", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(s, http.MethodGet, "/api/agents/"+testAgent.Hex()+"/positions"+tt.query, nil)
			if w.Code != tt.wantCode {
				t.Fatalf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp struct {
				Count     int               `json:"count"`
				Positions []json.RawMessage `json:"positions"`
			}
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Count != tt.wantCount || len(resp.Positions) != tt.wantCount {
				t.Errorf("Expected %d positions, got %d", tt.wantCount, resp.Count)
			}
		})
	}
}

func TestListSnapshots(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	for _, ts := range []int64{100, 200, 300} {
		snap := &models.PortfolioSnapshot{ID: uuid.New(), Agent: testAgent, Timestamp: ts, FinalValue: decimal.NewFromInt(ts)}
		if err := store.AppendSnapshot(ctx, snap); err != nil {
			t.Fatalf("AppendSnapshot() error = %v", err)
		}
	}

	s := newTestServer(t, store, nil)

	w := serve(s, http.MethodGet, "/api/agents/"+testAgent.Hex()+"/snapshots?from=150&to=300", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp struct {
		Snapshots []models.PortfolioSnapshot `json:"snapshots"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Snapshots) != 2 || resp.Snapshots[0].Timestamp != 200 {
		t.Errorf("Expected snapshots at 200 and 300, got %+v", resp.Snapshots)
	}

	w = serve(s, http.MethodGet, "/api/agents/"+testAgent.Hex()+"/snapshots?from=400&to=300", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for inverted range, got %d", w.Code)
	}
	w = serve(s, http.MethodGet, "/api/agents/"+testAgent.Hex()+"/snapshots?from=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for non-numeric bound, got %d", w.Code)
	}
}

func TestGetPrice(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryStore(), nil)

	w := serve(s, http.MethodGet, "/api/tokens/"+testUSDC.Hex()+"/price?at=1700000000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var quote models.PriceQuote
	if err := json.NewDecoder(w.Body).Decode(&quote); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !quote.Price.Equal(decimal.NewFromInt(1)) || quote.Source != types.SourceChainlink {
		t.Errorf("Unexpected quote %+v", quote)
	}
	if quote.Timestamp != 1700000000 {
		t.Errorf("Expected quote at requested time, got %d", quote.Timestamp)
	}

	w = serve(s, http.MethodGet, "/api/tokens/"+testPool.Hex()+"/price", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for unresolved token, got %d", w.Code)
	}
	if err := json.NewDecoder(w.Body).Decode(&quote); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if quote.Source != types.SourceNone || !quote.Price.IsZero() {
		t.Errorf("Expected a zero price with source none, got %+v", quote)
	}

	w = serve(s, http.MethodGet, "/api/tokens/"+testUSDC.Hex()+"/price?force=often", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad force flag, got %d", w.Code)
	}
}

func envelopeJSON(tx string) string {
	return fmt.Sprintf(`{"type":"funding_sent","txHash":%q,"logIndex":0,"timestamp":1700000000,"data":{}}`, tx)
}

func TestPostEvents_Single(t *testing.T) {
	ev := &mockEvents{}
	s := newTestServer(t, storage.NewMemoryStore(), ev)

	w := serve(s, http.MethodPost, "/api/events", []byte(envelopeJSON("0x1")))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if len(ev.handled) != 1 || ev.handled[0].TxHash != "0x1" {
		t.Errorf("Expected one handled envelope, got %+v", ev.handled)
	}

	ev.failOn, ev.err = "0x2", errors.NewInvalidParameterError("event", "timestamp must be positive")
	w = serve(s, http.MethodPost, "/api/events", []byte(envelopeJSON("0x2")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for rejected event, got %d", w.Code)
	}

	w = serve(s, http.MethodPost, "/api/events", []byte("  "))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty body, got %d", w.Code)
	}
}

func TestPostEvents_BatchStopsAtFailure(t *testing.T) {
	ev := &mockEvents{failOn: "0x2", err: errors.NewDatabaseError("save position", fmt.Errorf("connection reset"))}
	s := newTestServer(t, storage.NewMemoryStore(), ev)

	body := "[" + envelopeJSON("0x1") + "," + envelopeJSON("0x2") + "," + envelopeJSON("0x3") + "]"
	w := serve(s, http.MethodPost, "/api/events", []byte(body))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Error.Details["index"] != float64(1) || resp.Error.Details["processed"] != float64(1) {
		t.Errorf("Unexpected failure details %+v", resp.Error.Details)
	}
	if len(ev.handled) != 1 {
		t.Errorf("Expected the batch to stop after one envelope, handled %d", len(ev.handled))
	}
}

func TestPostEvents_BatchLimit(t *testing.T) {
	s := newTestServer(t, storage.NewMemoryStore(), nil)

	parts := make([]string, 4)
	for i := range parts {
		parts[i] = envelopeJSON(fmt.Sprintf("0x%d", i))
	}
	w := serve(s, http.MethodPost, "/api/events", []byte("["+strings.Join(parts, ",")+"]"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for oversized batch, got %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	store := storage.NewMemoryStore()
	s := NewServer(&ServerConfig{RequestsPerSecond: 1, Burst: 2}, Dependencies{
		Portfolios: store,
		Positions:  store,
		Snapshots:  store,
		Prices:     &mockPrices{},
		Events:     &mockEvents{},
	})

	target := "/api/agents/" + testAgent.Hex() + "/positions"
	for i := 0; i < 2; i++ {
		if w := serve(s, http.MethodGet, target, nil); w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected status 200, got %d", i, w.Code)
		}
	}

	w := serve(s, http.MethodGet, target, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected a Retry-After header")
	}

	// ingestion is not limited
	for i := 0; i < 3; i++ {
		if w := serve(s, http.MethodPost, "/api/events", []byte(envelopeJSON(fmt.Sprintf("0x%d", i)))); w.Code != http.StatusOK {
			t.Errorf("Event %d: expected status 200, got %d", i, w.Code)
		}
	}
}

func TestRateLimiter_Prune(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.getLimiter("a")
	now = now.Add(5 * time.Minute)
	rl.getLimiter("b")
	now = now.Add(6 * time.Minute)

	if removed := rl.Prune(); removed != 1 {
		t.Errorf("Prune() = %d, want 1", removed)
	}
	if _, ok := rl.limiters["b"]; !ok {
		t.Error("Expected recently seen client to be kept")
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := clientKey(req); got != "192.0.2.1" {
		t.Errorf("clientKey() = %q, want 192.0.2.1", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := clientKey(req); got != "203.0.113.5" {
		t.Errorf("clientKey() = %q, want 203.0.113.5", got)
	}
}
