package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/parv3213/flight-escrow/internal/auth"
	"github.com/parv3213/flight-escrow/internal/config"
	"github.com/parv3213/flight-escrow/internal/txlog"
	"github.com/parv3213/flight-escrow/internal/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	operatorAddr  = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	passengerAddr = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	authorityAddr = "0x00000000000000000000000000000000000a0707"
	t0            = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

const adminSecret = "test-admin-secret-0123"

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "json",
		EscrowAuthority:   authorityAddr,
		FactoryAddress:    config.DefaultFactoryAddress,
		KeeperAddress:     config.DefaultKeeperAddress,
		BondBps:           config.DefaultBondBps,
		DisputeFeeBps:     config.DefaultDisputeFeeBps,
		SettlerInterval:   time.Minute,
		ReconcileInterval: time.Minute,
		RateLimitRPM:      6000,
		AdminSecret:       adminSecret,
	}
}

// newTestServer creates an in-memory server on a manual clock.
func newTestServer(t *testing.T) (*Server, *txlog.ManualClock) {
	t.Helper()
	clock := txlog.NewManualClock(t0)
	s, err := New(testConfig(), WithClock(clock))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)
	return s, clock
}

func do(t *testing.T, s *Server, method, path string, caller *common.Address, body string) (int, map[string]interface{}) {
	t.Helper()
	req := newRequest(method, path, body)
	if caller != nil {
		req.Header.Set(validation.CallerHeader, caller.Hex())
	}
	return serve(t, s, req)
}

// doAdmin sends an operator request carrying secret.
func doAdmin(t *testing.T, s *Server, method, path, secret, body string) (int, map[string]interface{}) {
	t.Helper()
	req := newRequest(method, path, body)
	if secret != "" {
		req.Header.Set(auth.AdminHeader, secret)
	}
	return serve(t, s, req)
}

func newRequest(method, path, body string) *http.Request {
	if body == "" {
		return httptest.NewRequest(method, path, nil)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(t *testing.T, s *Server, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code, resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	code, resp := do(t, s, "GET", "/health", nil, "")
	if code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	if code, _ := do(t, s, "GET", "/health/live", nil, ""); code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// Server hasn't called Run() so ready is false
	if code, _ := do(t, s, "GET", "/health/ready", nil, ""); code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestEscrowRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	expected := map[string]bool{
		"POST:/v1/flights":                     false,
		"GET:/v1/flights":                      false,
		"GET:/v1/flights/index/:index":         false,
		"GET:/v1/flights/:address":             false,
		"GET:/v1/flights/:address/passengers":  false,
		"GET:/v1/flights/:address/txs":         false,
		"POST:/v1/flights/:address/tickets":    false,
		"POST:/v1/flights/:address/dispute":    false,
		"POST:/v1/flights/:address/resolve":    false,
		"POST:/v1/flights/:address/withdraw":   false,
		"POST:/v1/flights/:address/refund":     false,
		"POST:/v1/flights/:address/claim":      false,
		"GET:/v1/authority":                    false,
		"POST:/v1/accounts/:address/deposit":   false,
		"GET:/v1/accounts/:address/balance":    false,
		"GET:/v1/tx/:id":                       false,
		"GET:/v1/admin/reconcile":              false,
		"POST:/v1/webhooks":                    false,
		"GET:/v1/webhooks":                     false,
		"DELETE:/v1/webhooks/:webhookId":       false,
		"GET:/metrics":                         false,
		"GET:/ws":                              false,
	}

	for _, route := range s.router.Routes() {
		key := route.Method + ":" + route.Path
		if _, ok := expected[key]; ok {
			expected[key] = true
		}
	}

	for route, found := range expected {
		if !found {
			t.Errorf("Route %s not registered", route)
		}
	}
}

func TestProtectedRoutesRequireCaller(t *testing.T) {
	s, _ := newTestServer(t)

	code, resp := do(t, s, "POST", "/v1/flights", nil, `{}`)
	if code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without caller, got %d", code)
	}
	if resp["error"] != "missing_caller" {
		t.Errorf("Expected missing_caller, got %v", resp["error"])
	}
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s, _ := newTestServer(t)
	deposit := "/v1/accounts/" + passengerAddr.Hex() + "/deposit"

	// A caller header is not enough to mint funds.
	if code, _ := do(t, s, "POST", deposit, &passengerAddr, `{"amount":"1000"}`); code != http.StatusUnauthorized {
		t.Errorf("deposit without secret: expected 401, got %d", code)
	}
	if code, _ := doAdmin(t, s, "POST", deposit, "wrong-secret", `{"amount":"1000"}`); code != http.StatusForbidden {
		t.Errorf("deposit with wrong secret: expected 403, got %d", code)
	}
	if code, _ := doAdmin(t, s, "GET", "/v1/admin/reconcile", "", ""); code != http.StatusUnauthorized {
		t.Errorf("reconcile without secret: expected 401, got %d", code)
	}

	bal, err := s.ledger.BalanceOf(t.Context(), passengerAddr)
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if bal.Sign() != 0 {
		t.Errorf("Expected no funds minted, got %s wei", bal)
	}
}

func TestAdminRoutesDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = ""
	s, err := New(cfg, WithClock(txlog.NewManualClock(t0)))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)

	code, resp := doAdmin(t, s, "POST", "/v1/accounts/"+passengerAddr.Hex()+"/deposit", "", `{"amount":"1"}`)
	if code != http.StatusForbidden || resp["error"] != "admin_disabled" {
		t.Errorf("Expected 403 admin_disabled, got %d %v", code, resp)
	}
}

func TestDepositToReservedAccountRejected(t *testing.T) {
	s, _ := newTestServer(t)

	if code, _ := doAdmin(t, s, "POST", "/v1/accounts/"+operatorAddr.Hex()+"/deposit", adminSecret, `{"amount":"1"}`); code != http.StatusCreated {
		t.Fatalf("operator deposit: expected 201, got %d", code)
	}
	create := `{"departure":"` + t0.Add(2*time.Hour).Format(time.RFC3339) + `",
		"departureCode":"LHR","arrivalCode":"JFK","baseFare":"0.1","bond":"0.05"}`
	code, resp := do(t, s, "POST", "/v1/flights", &operatorAddr, create)
	if code != http.StatusCreated {
		t.Fatalf("create flight: expected 201, got %d: %v", code, resp)
	}
	flightAddr := resp["flight"].(map[string]interface{})["address"].(string)

	for _, target := range []string{flightAddr, config.DefaultFactoryAddress} {
		code, resp := doAdmin(t, s, "POST", "/v1/accounts/"+target+"/deposit", adminSecret, `{"amount":"5"}`)
		if code != http.StatusForbidden || resp["error"] != "reserved_account" {
			t.Errorf("deposit to %s: expected 403 reserved_account, got %d %v", target, code, resp)
		}
	}

	code, resp = do(t, s, "GET", "/v1/flights/"+flightAddr, nil, "")
	if code != http.StatusOK {
		t.Fatalf("get flight: expected 200, got %d", code)
	}
	if got := resp["flight"].(map[string]interface{})["balance"]; got != "0.05" {
		t.Errorf("Expected escrow to hold only the bond, got %v", got)
	}
}

func TestInvalidAddressParam(t *testing.T) {
	s, _ := newTestServer(t)

	if code, _ := do(t, s, "GET", "/v1/flights/not-an-address", nil, ""); code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", code)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	if code, _ := do(t, s, "GET", "/v1/nonexistent", nil, ""); code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestFlightLifecycleOverHTTP(t *testing.T) {
	s, clock := newTestServer(t)

	for _, addr := range []common.Address{operatorAddr, passengerAddr} {
		code, _ := doAdmin(t, s, "POST", "/v1/accounts/"+addr.Hex()+"/deposit", adminSecret, `{"amount":"1"}`)
		if code != http.StatusCreated {
			t.Fatalf("deposit for %s: expected 201, got %d", addr.Hex(), code)
		}
	}

	create := `{"departure":"` + t0.Add(2*time.Hour).Format(time.RFC3339) + `",
		"departureCode":"LHR","arrivalCode":"JFK","baseFare":"0.1","bond":"0.05"}`
	code, resp := do(t, s, "POST", "/v1/flights", &operatorAddr, create)
	if code != http.StatusCreated {
		t.Fatalf("create flight: expected 201, got %d: %v", code, resp)
	}
	flightAddr := resp["flight"].(map[string]interface{})["address"].(string)

	code, resp = do(t, s, "POST", "/v1/flights/"+flightAddr+"/tickets", &passengerAddr, `{"name":"Alice","value":"0.1"}`)
	if code != http.StatusCreated {
		t.Fatalf("buy ticket: expected 201, got %d: %v", code, resp)
	}

	code, resp = do(t, s, "GET", "/v1/flights/"+flightAddr, nil, "")
	if code != http.StatusOK {
		t.Fatalf("get flight: expected 200, got %d", code)
	}
	view := resp["flight"].(map[string]interface{})
	if view["balance"] != "0.15" || view["passengerCount"].(float64) != 1 {
		t.Errorf("Unexpected flight view: %v", view)
	}

	// Too early to withdraw
	code, resp = do(t, s, "POST", "/v1/flights/"+flightAddr+"/withdraw", &passengerAddr, "")
	if code != http.StatusConflict {
		t.Fatalf("early withdraw: expected 409, got %d: %v", code, resp)
	}
	if resp["receipt"] == nil {
		t.Error("Expected reverted receipt on early withdraw")
	}

	clock.Advance(51 * time.Hour)
	code, resp = do(t, s, "POST", "/v1/flights/"+flightAddr+"/withdraw", &passengerAddr, "")
	if code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %v", code, resp)
	}

	code, resp = do(t, s, "GET", "/v1/accounts/"+operatorAddr.Hex()+"/balance", nil, "")
	if code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", code)
	}
	if got := resp["balance"].(map[string]interface{})["available"]; got != "1.1" {
		t.Errorf("Expected operator balance 1.1, got %v", got)
	}

	code, resp = doAdmin(t, s, "GET", "/v1/admin/reconcile", adminSecret, "")
	if code != http.StatusOK {
		t.Fatalf("reconcile: expected 200, got %d", code)
	}
	if healthy := resp["report"].(map[string]interface{})["healthy"]; healthy != true {
		t.Errorf("Expected healthy reconciliation, got %v", resp["report"])
	}
}

func TestLedgerAdapter_ConvertsLegs(t *testing.T) {
	s, _ := newTestServer(t)
	code, _ := doAdmin(t, s, "POST", "/v1/accounts/"+operatorAddr.Hex()+"/deposit", adminSecret, `{"amount":"0.5"}`)
	if code != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d", code)
	}

	a := &ledgerAdapter{s.ledger}
	bal, err := a.BalanceOf(t.Context(), operatorAddr)
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if bal.String() != "500000000000000000" {
		t.Errorf("Expected 0.5 ether in wei, got %s", bal)
	}
}
