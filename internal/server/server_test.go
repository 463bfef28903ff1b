package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meridianpay/settlecore/internal/config"
	"github.com/meridianpay/settlecore/internal/correlation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockWallet implements wallet.Service for testing
type mockWallet struct {
	mu       sync.Mutex
	balances map[string]int64
}

func newServerMockWallet() *mockWallet {
	return &mockWallet{balances: make(map[string]int64)}
}

func (m *mockWallet) GetBalance(ctx context.Context, identity, token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[identity], nil
}

func (m *mockWallet) Debit(ctx context.Context, identity string, amount int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[identity] -= amount
	return nil
}

func (m *mockWallet) Credit(ctx context.Context, identity string, amount int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[identity] += amount
	return nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		LogFormat:      "text",
		WalletURL:      "http://wallet.test",
		WalletTimeout:  time.Second,
		IdempotencyTTL: time.Minute,
		SweepInterval:  time.Hour,
	}
}

func newTestServer(t *testing.T) (*Server, *mockWallet) {
	t.Helper()
	w := newServerMockWallet()
	srv, err := New(testConfig(), WithWallet(w))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, w
}

func doJSON(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	if rec := doJSON(srv, http.MethodGet, "/health/live", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("live = %d, want 200", rec.Code)
	}
	// Not ready until Run marks it
	if rec := doJSON(srv, http.MethodGet, "/health/ready", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready = %d, want 503 before startup", rec.Code)
	}
	srv.ready.Store(true)
	if rec := doJSON(srv, http.MethodGet, "/health/ready", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d, want 200 after startup", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(srv, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "settlecore") {
		t.Fatal("metrics output missing settlecore namespace")
	}
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	srv, w := newTestServer(t)
	w.balances["alice"] = 1000

	rec := doJSON(srv, http.MethodPost, "/v1/escrows",
		`{"payer":"alice","payee":"bob","amount":400,"condition":{"type":"manual"}}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body)
	}
	var created struct {
		ID     uint64 `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != "created" {
		t.Fatalf("status = %s", created.Status)
	}
	if w.balances["alice"] != 600 {
		t.Fatalf("alice balance = %d, want 600 after debit", w.balances["alice"])
	}

	rec = doJSON(srv, http.MethodPost, "/v1/escrows/1/release", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("release = %d: %s", rec.Code, rec.Body)
	}
	if w.balances["bob"] != 400 {
		t.Fatalf("bob balance = %d, want 400 after release", w.balances["bob"])
	}

	// Second release must conflict
	rec = doJSON(srv, http.MethodPost, "/v1/escrows/1/release", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double release = %d, want 409", rec.Code)
	}
}

func TestTreasuryDepositOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(srv, http.MethodPost, "/v1/treasury/deposit",
		`{"identity":"alice","amount":500}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(srv, http.MethodGet, "/v1/treasury/balance", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance = %d", rec.Code)
	}
	var resp struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Balance != 500 {
		t.Fatalf("balance = %d, want 500", resp.Balance)
	}
}

func TestSplitPaymentOverHTTP(t *testing.T) {
	srv, w := newTestServer(t)

	rec := doJSON(srv, http.MethodPost, "/v1/split-payments",
		`{"sender":"merchant","recipients":["alice","bob"],"shares":[70,30],"totalAmount":100}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("initiate = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(srv, http.MethodPost, "/v1/split-payments/1/execute", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("execute = %d: %s", rec.Code, rec.Body)
	}
	if w.balances["alice"] != 70 || w.balances["bob"] != 30 {
		t.Fatalf("balances alice=%d bob=%d, want 70/30",
			w.balances["alice"], w.balances["bob"])
	}
}

func TestIdempotentCreateReplayed(t *testing.T) {
	srv, w := newTestServer(t)
	w.balances["alice"] = 1000

	body := `{"payer":"alice","payee":"bob","amount":100,"condition":{"type":"manual"}}`
	headers := map[string]string{correlation.HeaderIdempotencyKey: "create-1"}

	first := doJSON(srv, http.MethodPost, "/v1/escrows", body, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", first.Code, first.Body)
	}
	second := doJSON(srv, http.MethodPost, "/v1/escrows", body, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay = %d", second.Code)
	}
	if second.Header().Get(correlation.HeaderReplayed) != "true" {
		t.Fatal("second response must be a cache replay")
	}
	if w.balances["alice"] != 900 {
		t.Fatalf("alice balance = %d, want 900 (single debit)", w.balances["alice"])
	}
}

func TestCorrelationHeaderOnResponses(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(srv, http.MethodGet, "/v1/escrows", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	id := rec.Header().Get(correlation.HeaderCorrelationID)
	if id == "" {
		t.Fatal("response missing correlation ID header")
	}

	lookup := doJSON(srv, http.MethodGet, "/v1/correlations/"+id, "", nil)
	if lookup.Code != http.StatusOK {
		t.Fatalf("correlation lookup = %d", lookup.Code)
	}
}
