package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/autopilot"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/monitoring"
	"upbit-trading-bot/internal/settlement"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	mu        sync.Mutex
	running   bool
	cfg       *config.Config
	updates   []map[string]interface{}
	updateErr error
	bought    []string
	sold      []string
	trades    []database.TradeRecord
	lastLimit int
}

func newFakeEngine() *fakeEngine {
	cfg := config.DefaultConfig()
	cfg.UpbitConfig.AccessKey = "access"
	cfg.UpbitConfig.SecretKey = "secret"
	return &fakeEngine{cfg: cfg}
}

func (f *fakeEngine) Start() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return false, "already running"
	}
	f.running = true
	return true, "started"
}

func (f *fakeEngine) Stop() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return false, "not running"
	}
	f.running = false
	return true, "stopped"
}

func (f *fakeEngine) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeEngine) Status() map[string]interface{} {
	return map[string]interface{}{"running": f.IsRunning(), "position_count": 0}
}

func (f *fakeEngine) Config() *config.Config { return f.cfg }

func (f *fakeEngine) UpdateConfig(partial map[string]interface{}) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, partial)
	return nil
}

func (f *fakeEngine) GetHoldings(ctx context.Context) (map[string]monitoring.Holding, error) {
	return map[string]monitoring.Holding{
		"KRW-UNI": {Market: "KRW-UNI", Currency: "UNI", Balance: 1, CurrentPrice: 11420},
	}, nil
}

func (f *fakeEngine) GetBalance(ctx context.Context) (autopilot.Balance, error) {
	return autopilot.Balance{KRW: 100000, TotalAsset: 111420}, nil
}

func (f *fakeEngine) GetMonitoredCoins(ctx context.Context) ([]autopilot.ScoredMarket, error) {
	return nil, errors.New("exchange unavailable")
}

func (f *fakeEngine) MarketBuy(ctx context.Context, market string) autopilot.Result {
	f.bought = append(f.bought, market)
	if market == "KRW-NOPE" {
		return autopilot.Result{Success: false, Error: "invalid market request: KRW-NOPE"}
	}
	return autopilot.Result{Success: true}
}

func (f *fakeEngine) MarketSell(ctx context.Context, market string) autopilot.Result {
	f.sold = append(f.sold, market)
	return autopilot.Result{Success: true}
}

func (f *fakeEngine) SellAll(ctx context.Context) autopilot.Result {
	return autopilot.Result{Success: false, Error: "some sells failed"}
}

func (f *fakeEngine) GetPerformance() settlement.Summary {
	return settlement.Summary{TotalTrades: 3, WinningTrades: 2}
}

func (f *fakeEngine) RecentTrades(ctx context.Context, limit int) ([]database.TradeRecord, error) {
	f.lastLimit = limit
	return f.trades, nil
}

func newTestServer(t *testing.T, authCfg config.AuthConfig, bus *events.EventBus) (*Server, *fakeEngine) {
	t.Helper()
	engine := newFakeEngine()
	s := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, authCfg, engine, bus, logging.Nop())
	t.Cleanup(s.hub.Close)
	return s, engine
}

func doRequest(s *Server, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return out
}

// ============================================================================
// Public routes and auth
// ============================================================================

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, config.AuthConfig{}, nil)

	w := doRequest(s, http.MethodGet, "/api/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", body["status"])
	}
}

func TestAuth_LoginThenAccess(t *testing.T) {
	hash, err := auth.NewPasswordManager(4).HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	authCfg := config.AuthConfig{
		Enabled:             true,
		JWTSecret:           "test-secret-that-is-long-enough",
		AdminPasswordHash:   hash,
		AccessTokenDuration: time.Hour,
	}
	s, _ := newTestServer(t, authCfg, nil)

	if w := doRequest(s, http.MethodGet, "/api/status", nil, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
	if w := doRequest(s, http.MethodGet, "/api/health", nil, ""); w.Code != http.StatusOK {
		t.Errorf("Expected health to stay public, got %d", w.Code)
	}
	if w := doRequest(s, http.MethodPost, "/api/login", auth.LoginRequest{Password: "wrong"}, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for wrong password, got %d", w.Code)
	}

	w := doRequest(s, http.MethodPost, "/api/login", auth.LoginRequest{Username: "admin", Password: "hunter2"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected login 200, got %d: %s", w.Code, w.Body.String())
	}
	var tok auth.TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &tok); err != nil || tok.AccessToken == "" {
		t.Fatalf("Expected access token, got %s", w.Body.String())
	}

	if w := doRequest(s, http.MethodGet, "/api/status", nil, tok.AccessToken); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", w.Code)
	}
}

func TestAuth_DisabledHasNoLogin(t *testing.T) {
	s, _ := newTestServer(t, config.AuthConfig{}, nil)

	if w := doRequest(s, http.MethodPost, "/api/login", auth.LoginRequest{Password: "x"}, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for login with auth disabled, got %d", w.Code)
	}
	if w := doRequest(s, http.MethodGet, "/api/status", nil, ""); w.Code != http.StatusOK {
		t.Errorf("Expected open status route, got %d", w.Code)
	}
}

// ============================================================================
// Engine control
// ============================================================================

func TestStartStop(t *testing.T) {
	s, engine := newTestServer(t, config.AuthConfig{}, nil)

	testCases := []struct {
		path string
		want int
	}{
		{"/api/start", http.StatusOK},
		{"/api/start", http.StatusConflict},
		{"/api/stop", http.StatusOK},
		{"/api/stop", http.StatusConflict},
	}
	for i, tc := range testCases {
		if w := doRequest(s, http.MethodPost, tc.path, nil, ""); w.Code != tc.want {
			t.Errorf("step %d %s: expected %d, got %d", i, tc.path, tc.want, w.Code)
		}
	}
	if engine.IsRunning() {
		t.Error("Expected engine stopped")
	}
}

func TestReadEndpoints(t *testing.T) {
	s, engine := newTestServer(t, config.AuthConfig{}, nil)
	engine.trades = []database.TradeRecord{{Market: "KRW-UNI", PnL: 120}}

	testCases := []struct {
		path string
		want int
	}{
		{"/api/status", http.StatusOK},
		{"/api/holdings", http.StatusOK},
		{"/api/balance", http.StatusOK},
		{"/api/monitored", http.StatusBadGateway},
		{"/api/performance", http.StatusOK},
		{"/api/trades", http.StatusOK},
		{"/api/trades?limit=abc", http.StatusBadRequest},
	}
	for _, tc := range testCases {
		if w := doRequest(s, http.MethodGet, tc.path, nil, ""); w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.path, tc.want, w.Code)
		}
	}

	doRequest(s, http.MethodGet, "/api/trades?limit=9999", nil, "")
	if engine.lastLimit != 500 {
		t.Errorf("Expected limit clamped to 500, got %d", engine.lastLimit)
	}

	body := decodeBody(t, doRequest(s, http.MethodGet, "/api/balance", nil, ""))
	data := body["data"].(map[string]interface{})
	if data["krw"] != 100000.0 {
		t.Errorf("Expected krw 100000, got %v", data["krw"])
	}
}

// ============================================================================
// Settings
// ============================================================================

func TestSettings_GetIsRedacted(t *testing.T) {
	s, _ := newTestServer(t, config.AuthConfig{}, nil)

	w := doRequest(s, http.MethodGet, "/api/settings", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	upbit := body["data"].(map[string]interface{})["upbit"].(map[string]interface{})
	if upbit["secret_key"] != "********" || upbit["access_key"] != "********" {
		t.Errorf("Expected upbit keys masked, got %v", upbit)
	}
}

func TestSettings_Update(t *testing.T) {
	s, engine := newTestServer(t, config.AuthConfig{}, nil)

	partial := map[string]interface{}{"trading": map[string]interface{}{"max_coins": 3}}
	if w := doRequest(s, http.MethodPut, "/api/settings", partial, ""); w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(engine.updates) != 1 {
		t.Fatalf("Expected one update, got %d", len(engine.updates))
	}
	if _, ok := engine.updates[0]["trading"]; !ok {
		t.Error("Expected trading section forwarded")
	}

	if w := doRequest(s, http.MethodPut, "/api/settings", map[string]interface{}{}, ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty update, got %d", w.Code)
	}

	engine.updateErr = errors.New("invalid config: max_coins must be positive")
	if w := doRequest(s, http.MethodPut, "/api/settings", partial, ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for rejected update, got %d", w.Code)
	}
}

// ============================================================================
// Manual orders
// ============================================================================

func TestManualOrders(t *testing.T) {
	s, engine := newTestServer(t, config.AuthConfig{}, nil)

	if w := doRequest(s, http.MethodPost, "/api/buy/krw-uni", nil, ""); w.Code != http.StatusOK {
		t.Errorf("Expected buy 200, got %d", w.Code)
	}
	if len(engine.bought) != 1 || engine.bought[0] != "KRW-UNI" {
		t.Errorf("Expected market upper-cased to KRW-UNI, got %v", engine.bought)
	}

	w := doRequest(s, http.MethodPost, "/api/buy/KRW-NOPE", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected failed buy 400, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["success"] != false {
		t.Errorf("Expected success false, got %v", body["success"])
	}

	if w := doRequest(s, http.MethodPost, "/api/sell/KRW-XRP", nil, ""); w.Code != http.StatusOK {
		t.Errorf("Expected sell 200, got %d", w.Code)
	}
	if w := doRequest(s, http.MethodPost, "/api/sell-all", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected partial sell-all 400, got %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("Expected first two requests allowed")
	}
	if rl.Allow("a") {
		t.Error("Expected third request rejected")
	}
	if !rl.Allow("b") {
		t.Error("Expected separate key to be allowed")
	}
}

func TestManualOrders_RateLimited(t *testing.T) {
	s, _ := newTestServer(t, config.AuthConfig{}, nil)
	s.rateLimiter = NewRateLimiter(1, time.Minute)

	doRequest(s, http.MethodPost, "/api/sell/KRW-XRP", nil, "")
	if w := doRequest(s, http.MethodPost, "/api/sell/KRW-UNI", nil, ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w := doRequest(s, http.MethodGet, "/api/status", nil, ""); w.Code != http.StatusOK {
		t.Errorf("Expected read routes unaffected, got %d", w.Code)
	}
}

// ============================================================================
// WebSocket
// ============================================================================

func TestWebSocket_StreamsBusEvents(t *testing.T) {
	bus := events.NewEventBus()
	s, _ := newTestServer(t, config.AuthConfig{}, bus)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var greeting events.Event
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("Expected greeting: %v", err)
	}
	if greeting.Type != "CONNECTED" {
		t.Errorf("Expected CONNECTED, got %s", greeting.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.GetClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	bus.PublishTradeOpened("KRW-UNI", 11420, 0.4378, 11490)

	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("Expected event: %v", err)
	}
	if ev.Type != events.EventTradeOpened {
		t.Errorf("Expected %s, got %s", events.EventTradeOpened, ev.Type)
	}
	if ev.Data["market"] != "KRW-UNI" {
		t.Errorf("Expected market KRW-UNI, got %v", ev.Data["market"])
	}
}
