package autopilot

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/monitoring"
	"upbit-trading-bot/internal/upbit"
)

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.UpbitConfig.MockMode = true
	cfg.EngineConfig.MonitoringFile = filepath.Join(t.TempDir(), "monitoring_coin.json")
	cfg.EngineConfig.MarketFallbackSec = 1
	cfg.BuySettings.LimitWaitSec1 = 1
	cfg.BuySettings.LimitWaitSec2 = 0
	cfg.SellSettings.LimitWaitSec = 0
	cfg.TradingConfig.MaxCoins = 2
	cfg.TradingConfig.CoinSelection = config.CoinSelection{
		MinPrice:      1000,
		MaxPrice:      20000,
		ExcludedCoins: append([]string(nil), config.DefaultExcludedCoins...),
	}
	// Everything qualifies
	cfg.BuyScore.ScoreThreshold = 0
	return cfg
}

func newTestAnalyzer(t *testing.T, cfg *config.Config, krw float64) (*MarketAnalyzer, *upbit.MockClient, *database.SQLiteJournal) {
	t.Helper()
	mc := upbit.NewMockClient(krw)
	mc.Freeze()
	ma, journal := newTestAnalyzerOn(t, cfg, mc)
	return ma, mc, journal
}

func newTestAnalyzerOn(t *testing.T, cfg *config.Config, ex upbit.Exchange) (*MarketAnalyzer, *database.SQLiteJournal) {
	t.Helper()
	journal, err := database.OpenSQLiteJournal(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("Unexpected journal error: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	ma := NewMarketAnalyzer(cfg, Deps{
		Exchange:     ex,
		Journal:      journal,
		PollInterval: 5 * time.Millisecond,
	}, logging.Nop())
	return ma, journal
}

// stubbornExchange rests every limit bid without filling it and can hold
// account queries until released
type stubbornExchange struct {
	*upbit.MockClient

	mu       sync.Mutex
	resting  map[string]*upbit.Order
	placed   int
	canceled int

	gate     chan struct{}
	entered  chan struct{}
	enterOne sync.Once
	openOne  sync.Once
}

func newStubbornExchange(krw float64) *stubbornExchange {
	mc := upbit.NewMockClient(krw)
	mc.Freeze()
	return &stubbornExchange{
		MockClient: mc,
		resting:    make(map[string]*upbit.Order),
		entered:    make(chan struct{}),
	}
}

// holdAccounts must be called before the analyzer starts
func (s *stubbornExchange) holdAccounts() {
	s.gate = make(chan struct{})
}

func (s *stubbornExchange) releaseAccounts() {
	if s.gate != nil {
		s.openOne.Do(func() { close(s.gate) })
	}
}

func (s *stubbornExchange) GetAccounts(ctx context.Context) []upbit.Account {
	if s.gate != nil {
		s.enterOne.Do(func() { close(s.entered) })
		<-s.gate
	}
	return s.MockClient.GetAccounts(ctx)
}

func (s *stubbornExchange) PlaceOrder(ctx context.Context, req upbit.OrderRequest) *upbit.Order {
	s.mu.Lock()
	s.placed++
	if req.OrdType != upbit.OrdTypeLimit || req.Side != upbit.SideBid {
		s.mu.Unlock()
		return s.MockClient.PlaceOrder(ctx, req)
	}
	defer s.mu.Unlock()
	o := &upbit.Order{
		UUID:            fmt.Sprintf("rest-%d", s.placed),
		Market:          req.Market,
		Side:            req.Side,
		OrdType:         req.OrdType,
		Price:           req.Price,
		Volume:          req.Volume,
		RemainingVolume: req.Volume,
		State:           upbit.StateWait,
	}
	s.resting[o.UUID] = o
	cp := *o
	return &cp
}

func (s *stubbornExchange) GetOrder(ctx context.Context, uuid string) *upbit.Order {
	s.mu.Lock()
	if o, ok := s.resting[uuid]; ok {
		cp := *o
		s.mu.Unlock()
		return &cp
	}
	s.mu.Unlock()
	return s.MockClient.GetOrder(ctx, uuid)
}

func (s *stubbornExchange) CancelOrder(ctx context.Context, uuid string) *upbit.Order {
	s.mu.Lock()
	if o, ok := s.resting[uuid]; ok {
		defer s.mu.Unlock()
		s.canceled++
		o.State = upbit.StateCancel
		cp := *o
		return &cp
	}
	s.mu.Unlock()
	return s.MockClient.CancelOrder(ctx, uuid)
}

func (s *stubbornExchange) counts() (placed, canceled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placed, s.canceled
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// ==================== MARKET CONDITION ====================

func TestClassifyCondition(t *testing.T) {
	testCases := []struct {
		name       string
		avg        float64
		condition  MarketCondition
		confidence float64
	}{
		{"strong bull", 0.05, ConditionBull, 0.5},
		{"capped bull", 0.25, ConditionBull, 1},
		{"bear", -0.03, ConditionBear, 0.3},
		{"flat", 0.01, ConditionNeutral, 0.5},
		{"boundary is neutral", 0.02, ConditionNeutral, 0.5},
	}
	for _, tc := range testCases {
		cond, conf := ClassifyCondition(tc.avg)
		if cond != tc.condition {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.condition, cond)
		}
		if !floatEquals(conf, tc.confidence) {
			t.Errorf("%s: expected confidence %.2f, got %.2f", tc.name, tc.confidence, conf)
		}
	}
}

func TestAnalyzeMarketCondition_Cached(t *testing.T) {
	ma, _, _ := newTestAnalyzer(t, testConfig(t), 1000000)
	ctx := context.Background()

	cond1, conf1 := ma.AnalyzeMarketCondition(ctx)
	cond2, conf2 := ma.AnalyzeMarketCondition(ctx)
	if cond1 != cond2 || conf1 != conf2 {
		t.Errorf("Expected cached result, got %s/%.2f then %s/%.2f", cond1, conf1, cond2, conf2)
	}
	if conf1 < 0 || conf1 > 1 {
		t.Errorf("Expected confidence in [0,1], got %.2f", conf1)
	}
}

// ==================== COIN SELECTION ====================

func TestPreFilter(t *testing.T) {
	cs := config.CoinSelection{MinPrice: 700, MaxPrice: 26666, MinVolume24h: 1e9, MinTickRatio: 0.035}
	base := upbit.Ticker{
		Market:           "KRW-UNI",
		TradePrice:       11420,
		HighPrice:        11600,
		LowPrice:         11300,
		AccTradePrice24h: 2e9,
		MarketState:      "ACTIVE",
		MarketWarning:    "NONE",
	}

	testCases := []struct {
		name   string
		mutate func(*upbit.Ticker)
		want   bool
	}{
		{"passes", func(t *upbit.Ticker) {}, true},
		{"below price band", func(t *upbit.Ticker) { t.TradePrice = 500 }, false},
		{"above price band", func(t *upbit.Ticker) { t.TradePrice = 30000 }, false},
		{"thin 24h volume", func(t *upbit.Ticker) { t.AccTradePrice24h = 1e8 }, false},
		{"flat range", func(t *upbit.Ticker) { t.HighPrice = 11301 }, false},
		{"warning", func(t *upbit.Ticker) { t.MarketWarning = "CAUTION" }, false},
		{"not active", func(t *upbit.Ticker) { t.MarketState = "PREVIEW" }, false},
		// 5 / 9995 * 100 = 0.05
		{"fine tick ratio", func(t *upbit.Ticker) { t.TradePrice = 9995 }, true},
	}
	for _, tc := range testCases {
		tk := base
		tc.mutate(&tk)
		_, ok := preFilter(tk, cs)
		if ok != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, ok)
		}
	}
}

func TestPreFilter_TickRatio(t *testing.T) {
	cs := config.CoinSelection{MinPrice: 0, MaxPrice: 1e9, MinTickRatio: 0.035}
	tk := upbit.Ticker{TradePrice: 99000, HighPrice: 100000, LowPrice: 98000}

	// 10 / 99000 * 100 = 0.0101
	if _, ok := preFilter(tk, cs); ok {
		t.Error("Expected coarse-priced market to fail the tick ratio")
	}
}

func TestHourlyValue(t *testing.T) {
	candles := make([]upbit.Candle, 100)
	for i := range candles {
		candles[i].CandleAccTradePrice = 1
	}
	for i := 40; i < 100; i++ {
		candles[i].CandleAccTradePrice = 3
	}
	if got := hourlyValue(candles); !floatEquals(got, 3) {
		t.Errorf("Expected mean of last 60 = 3, got %.2f", got)
	}
	if got := hourlyValue(candles[:10]); !floatEquals(got, 1) {
		t.Errorf("Expected mean of short slice = 1, got %.2f", got)
	}
	if got := hourlyValue(nil); got != 0 {
		t.Errorf("Expected 0 for no candles, got %.2f", got)
	}
}

func TestSelectCoins_AppliesFilters(t *testing.T) {
	cfg := testConfig(t)
	cfg.TradingConfig.CoinSelection.ExcludedCoins = append(cfg.TradingConfig.CoinSelection.ExcludedCoins, "KRW-UNI")
	ma, _, _ := newTestAnalyzer(t, cfg, 1000000)

	candidates, err := ma.SelectCoins(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(candidates) == 0 {
		t.Fatal("Expected candidates from the mock markets")
	}
	for _, c := range candidates {
		if c.Market == "KRW-UNI" {
			t.Error("Expected excluded market to be filtered")
		}
		if c.Price < 1000 || c.Price > 20000 {
			t.Errorf("Expected price in band, got %s at %.0f", c.Market, c.Price)
		}
		if len(c.Candles) == 0 {
			t.Errorf("Expected candles kept for %s", c.Market)
		}
	}
}

func TestGetMonitoredCoins_SortedByScore(t *testing.T) {
	ma, _, _ := newTestAnalyzer(t, testConfig(t), 1000000)

	coins, err := ma.GetMonitoredCoins(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i := 1; i < len(coins); i++ {
		if coins[i].Score > coins[i-1].Score {
			t.Errorf("Expected descending scores, got %.1f after %.1f", coins[i].Score, coins[i-1].Score)
		}
	}
	for _, c := range coins {
		if c.Status != "buy-ready" {
			t.Errorf("Expected buy-ready with a zero threshold, got %s for %s", c.Status, c.Market)
		}
	}
}

// ==================== LIFECYCLE ====================

func TestStartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.BuyScore.ScoreThreshold = 1000
	ma, _, _ := newTestAnalyzer(t, cfg, 1000000)

	if ok, msg := ma.Start(); !ok {
		t.Fatalf("Expected start, got %s", msg)
	}
	if !ma.IsRunning() {
		t.Error("Expected running after start")
	}
	if ok, _ := ma.Start(); ok {
		t.Error("Expected second start to be refused")
	}

	if ok, msg := ma.Stop(); !ok {
		t.Fatalf("Expected stop, got %s", msg)
	}
	if ma.IsRunning() {
		t.Error("Expected not running after stop")
	}
	if ok, _ := ma.Stop(); ok {
		t.Error("Expected second stop to be refused")
	}
}

func TestStart_RequiresKeysOutsideMockMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.UpbitConfig.MockMode = false
	ma, _, _ := newTestAnalyzer(t, cfg, 1000000)

	ok, msg := ma.Start()
	if ok {
		t.Fatal("Expected start to be refused without keys")
	}
	if !strings.Contains(msg, "keys") {
		t.Errorf("Expected a key error, got %s", msg)
	}
}

func TestStart_RecoversStaleFlag(t *testing.T) {
	cfg := testConfig(t)
	cfg.BuyScore.ScoreThreshold = 1000
	ma, _, _ := newTestAnalyzer(t, cfg, 1000000)

	// Flag left behind by a loop that died
	ma.mu.Lock()
	ma.running = true
	ma.mu.Unlock()

	if ok, msg := ma.Start(); !ok {
		t.Fatalf("Expected recovery start, got %s", msg)
	}
	ma.Stop()
}

type fakeLocker struct {
	mu       sync.Mutex
	free     bool
	acquired int
	released int
}

func (f *fakeLocker) Acquire(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.free {
		return false, nil
	}
	f.acquired++
	return true, nil
}

func (f *fakeLocker) Release(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeLocker) setFree(free bool) {
	f.mu.Lock()
	f.free = free
	f.mu.Unlock()
}

func (f *fakeLocker) counts() (acquired, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released
}

func TestStart_TraderLock(t *testing.T) {
	cfg := testConfig(t)
	cfg.BuyScore.ScoreThreshold = 1000
	ma, _, _ := newTestAnalyzer(t, cfg, 1000000)

	lock := &fakeLocker{}
	ma.lock = lock
	if ok, msg := ma.Start(); ok || !strings.Contains(msg, "another instance") {
		t.Fatalf("Expected start refused while locked elsewhere, got %v %s", ok, msg)
	}

	lock.setFree(true)
	if ok, msg := ma.Start(); !ok {
		t.Fatalf("Expected start with free lock, got %s", msg)
	}
	ma.Stop()
	if acquired, released := lock.counts(); acquired != 1 || released != 1 {
		t.Errorf("Expected one acquire and one release, got %d/%d", acquired, released)
	}
}

func TestStop_InterruptsRestingBuy(t *testing.T) {
	cfg := testConfig(t)
	cfg.BuySettings.LimitWaitSec1 = 30
	cfg.EngineConfig.StopTimeoutSec = 1
	ex := newStubbornExchange(1000000)
	ma, _ := newTestAnalyzerOn(t, cfg, ex)

	if ok, msg := ma.Start(); !ok {
		t.Fatalf("Expected start, got %s", msg)
	}
	if !waitFor(t, 3*time.Second, func() bool { placed, _ := ex.counts(); return placed > 0 }) {
		ma.Stop()
		t.Fatal("Expected a limit bid resting on the book")
	}

	start := time.Now()
	ok, msg := ma.Stop()
	elapsed := time.Since(start)
	if !ok {
		t.Fatalf("Expected stop, got %s", msg)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Expected the wait interrupted well inside the 1s timeout, took %v", elapsed)
	}
	if ma.loopAlive.Load() {
		t.Error("Expected the loop exited when stop returns")
	}

	placed, canceled := ex.counts()
	time.Sleep(50 * time.Millisecond)
	if after, _ := ex.counts(); after != placed {
		t.Errorf("Expected no orders after stop, got %d more", after-placed)
	}
	if placed != 1 {
		t.Errorf("Expected exactly one bid placed, got %d", placed)
	}
	if canceled != 0 {
		t.Errorf("Expected the resting bid left on the book, got %d cancels", canceled)
	}
	if o := ex.GetOrder(context.Background(), "rest-1"); !o.IsActive() {
		t.Errorf("Expected rest-1 still active, got %+v", o)
	}
	if got := ma.positions.Count(); got != 0 {
		t.Errorf("Expected no positions, got %d", got)
	}
}

func TestStop_TimeoutKeepsTraderLock(t *testing.T) {
	cfg := testConfig(t)
	cfg.BuyScore.ScoreThreshold = 1000
	cfg.EngineConfig.StopTimeoutSec = 1
	ex := newStubbornExchange(1000000)
	ex.holdAccounts()
	t.Cleanup(ex.releaseAccounts)
	ma, _ := newTestAnalyzerOn(t, cfg, ex)

	lock := &fakeLocker{free: true}
	ma.lock = lock
	if ok, msg := ma.Start(); !ok {
		t.Fatalf("Expected start, got %s", msg)
	}
	select {
	case <-ex.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected the loop to query accounts")
	}

	ok, msg := ma.Stop()
	if ok || !strings.Contains(msg, "did not stop in time") {
		t.Fatalf("Expected a stop timeout, got %v %s", ok, msg)
	}
	if _, released := lock.counts(); released != 0 {
		t.Error("Expected the trader lock held while the loop is alive")
	}
	if ok, _ := ma.Start(); ok {
		t.Error("Expected start refused while the old loop is stopping")
	}

	ex.releaseAccounts()
	if !waitFor(t, 3*time.Second, func() bool { _, released := lock.counts(); return released == 1 }) {
		t.Fatal("Expected the trader lock released once the loop exited")
	}
	if ma.loopAlive.Load() {
		t.Error("Expected the loop exited")
	}

	stopped := waitFor(t, time.Second, func() bool {
		ma.mu.RLock()
		defer ma.mu.RUnlock()
		return !ma.stopping
	})
	if !stopped {
		t.Fatal("Expected the stop to complete")
	}
	if ok, msg := ma.Start(); !ok {
		t.Fatalf("Expected restart after the loop exited, got %s", msg)
	}
	ma.Stop()
	if acquired, released := lock.counts(); acquired != 2 || released != 2 {
		t.Errorf("Expected two acquires and two releases, got %d/%d", acquired, released)
	}
}

// ==================== TRADING ====================

func TestScanAndTrade_RespectsMaxCoins(t *testing.T) {
	ma, _, _ := newTestAnalyzer(t, testConfig(t), 1000000)
	ctx := context.Background()

	if err := ma.ScanAndTrade(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	positions := ma.Positions()
	if len(positions) != 2 {
		t.Fatalf("Expected 2 positions (max_coins), got %d", len(positions))
	}
	store := ma.sync.Store()
	for _, p := range positions {
		if p.SellUUID == "" {
			t.Errorf("Expected a pre-sell for %s", p.Market)
		}
		r, ok := store.Get(p.Market)
		if !ok {
			t.Errorf("Expected a monitoring record for %s", p.Market)
			continue
		}
		if r.ProtectiveSellPrice <= p.EntryPrice {
			t.Errorf("Expected target above entry for %s, got %.2f <= %.2f", p.Market, r.ProtectiveSellPrice, p.EntryPrice)
		}
	}

	// A second scan adds nothing
	if err := ma.ScanAndTrade(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := len(ma.Positions()); got != 2 {
		t.Errorf("Expected still 2 positions, got %d", got)
	}
}

func TestScanAndTrade_PerMarketThreshold(t *testing.T) {
	cfg := testConfig(t)
	cfg.BuyScore.ScoreThreshold = 1000
	base, _, _ := newTestAnalyzer(t, cfg, 1000000)
	ranked, err := base.GetMonitoredCoins(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(ranked) < 2 {
		t.Fatalf("Expected several candidates, got %d", len(ranked))
	}

	// Whatever its rank, a market under its own lower threshold is bought
	for _, c := range ranked {
		cfg := testConfig(t)
		cfg.BuyScore.ScoreThreshold = 1000
		cfg.BuyScore.MarketThresholds = map[string]float64{c.Market: -1}
		ma, _, _ := newTestAnalyzer(t, cfg, 1000000)

		if err := ma.ScanAndTrade(context.Background()); err != nil {
			t.Fatalf("%s: unexpected error: %v", c.Market, err)
		}
		if !ma.positions.Has(c.Market) {
			t.Errorf("%s: expected an entry under its -1 threshold", c.Market)
		}
		if got := ma.positions.Count(); got != 1 {
			t.Errorf("%s: expected 1 position, got %d", c.Market, got)
		}
	}
}

func TestScanAndTrade_BlockedByRisk(t *testing.T) {
	ma, _, _ := newTestAnalyzer(t, testConfig(t), 1000000)
	ma.risk.RecordResult(-60000)

	if err := ma.ScanAndTrade(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := len(ma.Positions()); got != 0 {
		t.Errorf("Expected no entries past the daily loss limit, got %d", got)
	}
}

func TestCheckHoldings_PreSellFillClosesPosition(t *testing.T) {
	ma, mc, journal := newTestAnalyzer(t, testConfig(t), 1000000)
	ctx := context.Background()

	r := ma.MarketBuy(ctx, "KRW-UNI")
	if !r.Success {
		t.Fatalf("Expected buy, got %s", r.Error)
	}
	pos, ok := ma.positions.Get("KRW-UNI")
	if !ok {
		t.Fatal("Expected a position after the buy")
	}

	mc.SetPrice("KRW-UNI", pos.SellPrice+100)
	if err := ma.CheckHoldings(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if ma.positions.Has("KRW-UNI") {
		t.Error("Expected position closed after the pre-sell filled")
	}
	summary := ma.GetPerformance()
	if summary.TotalTrades != 1 || summary.WinningTrades != 1 {
		t.Errorf("Expected 1 winning trade, got %d/%d", summary.TotalTrades, summary.WinningTrades)
	}

	trades, err := journal.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("Unexpected journal error: %v", err)
	}
	if len(trades) != 1 || trades[0].Reason != ReasonPreSell {
		t.Errorf("Expected one presell trade in the journal, got %+v", trades)
	}
	if !floatEquals(trades[0].ExitPrice, pos.SellPrice) {
		t.Errorf("Expected exit at %.2f, got %.2f", pos.SellPrice, trades[0].ExitPrice)
	}
}

func TestCheckHoldings_StopLossExit(t *testing.T) {
	ma, mc, _ := newTestAnalyzer(t, testConfig(t), 1000000)
	ctx := context.Background()

	if r := ma.MarketBuy(ctx, "KRW-UNI"); !r.Success {
		t.Fatalf("Expected buy, got %s", r.Error)
	}

	// -12.4%, past the 5% stop
	mc.SetPrice("KRW-UNI", 10000)
	if err := ma.CheckHoldings(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if ma.positions.Has("KRW-UNI") {
		t.Error("Expected position closed by the stop loss")
	}
	summary := ma.GetPerformance()
	if summary.LosingTrades != 1 {
		t.Errorf("Expected 1 losing trade, got %d", summary.LosingTrades)
	}
	metrics := ma.risk.GetRiskMetrics()
	if metrics["consecutive_losses"] != 1 {
		t.Errorf("Expected 1 consecutive loss, got %v", metrics["consecutive_losses"])
	}
	if _, ok := ma.sync.Store().Get("KRW-UNI"); ok {
		t.Error("Expected monitoring record removed")
	}
}

func TestClosePosition_GateSeesWholeClose(t *testing.T) {
	ma, _, _ := newTestAnalyzer(t, testConfig(t), 1000000)
	const n = 20
	for i := 0; i < n; i++ {
		ma.positions.Put(monitoring.Position{Market: fmt.Sprintf("KRW-T%02d", i), EntryPrice: 2000, Volume: 1})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			pos, _ := ma.positions.Get(fmt.Sprintf("KRW-T%02d", i))
			ma.closePosition(context.Background(), pos, 1000, 1, ReasonManual)
		}
	}()

	// Each close moves one position into a 1000 KRW booked loss
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		ma.tradeMu.Lock()
		open := ma.positions.Count()
		loss := ma.risk.GetRiskMetrics()["daily_loss"].(float64)
		ma.tradeMu.Unlock()

		if booked := int(math.Round(-loss / 1000)); open+booked != n {
			t.Fatalf("Expected every close seen whole, got %d open and %d booked", open, booked)
		}
	}
}

func TestClosePosition_BookedOnce(t *testing.T) {
	ma, _, journal := newTestAnalyzer(t, testConfig(t), 1000000)
	ctx := context.Background()

	if r := ma.MarketBuy(ctx, "KRW-UNI"); !r.Success {
		t.Fatalf("Expected buy, got %s", r.Error)
	}
	pos, _ := ma.positions.Get("KRW-UNI")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ma.closePosition(ctx, pos, pos.EntryPrice*1.01, pos.Volume, ReasonManual)
		}()
	}
	wg.Wait()

	if got := ma.GetPerformance().TotalTrades; got != 1 {
		t.Errorf("Expected 1 trade booked, got %d", got)
	}
	trades, _ := journal.RecentTrades(ctx, 10)
	if len(trades) != 1 {
		t.Errorf("Expected 1 journal row, got %d", len(trades))
	}
}

// ==================== MANUAL OPERATIONS ====================

func TestMarketBuy_InsufficientBalance(t *testing.T) {
	ma, _, _ := newTestAnalyzer(t, testConfig(t), 5000)

	r := ma.MarketBuy(context.Background(), "KRW-UNI")
	if r.Success {
		t.Fatal("Expected failure with 5000 KRW")
	}
	if !strings.Contains(r.Error, ErrInsufficientBalance.Error()) {
		t.Errorf("Expected insufficient balance, got %s", r.Error)
	}
}

func TestMarketBuy_InvalidMarket(t *testing.T) {
	ma, _, _ := newTestAnalyzer(t, testConfig(t), 1000000)

	for _, market := range []string{"BTC-ETH", "KRW-", "uni"} {
		if r := ma.MarketBuy(context.Background(), market); r.Success {
			t.Errorf("Expected %q to be rejected", market)
		}
	}
}

func TestMarketSell_RemovesPosition(t *testing.T) {
	ma, _, journal := newTestAnalyzer(t, testConfig(t), 1000000)
	ctx := context.Background()

	if r := ma.MarketBuy(ctx, "KRW-UNI"); !r.Success {
		t.Fatalf("Expected buy, got %s", r.Error)
	}
	r := ma.MarketSell(ctx, "KRW-UNI")
	if !r.Success {
		t.Fatalf("Expected sell, got %s", r.Error)
	}

	if ma.positions.Has("KRW-UNI") {
		t.Error("Expected position removed")
	}
	if _, ok := ma.sync.Store().Get("KRW-UNI"); ok {
		t.Error("Expected monitoring record removed")
	}
	trades, _ := journal.RecentTrades(ctx, 10)
	if len(trades) != 1 || trades[0].Reason != ReasonManual {
		t.Errorf("Expected one manual trade, got %+v", trades)
	}

	if r := ma.MarketSell(ctx, "KRW-UNI"); r.Success {
		t.Error("Expected selling an empty holding to fail")
	}
}

func TestSellAll(t *testing.T) {
	ma, _, _ := newTestAnalyzer(t, testConfig(t), 1000000)
	ctx := context.Background()

	for _, m := range []string{"KRW-UNI", "KRW-XRP"} {
		if r := ma.MarketBuy(ctx, m); !r.Success {
			t.Fatalf("Expected buy of %s, got %s", m, r.Error)
		}
	}

	r := ma.SellAll(ctx)
	if !r.Success {
		t.Fatalf("Expected sell-all success, got %s", r.Error)
	}
	holdings, err := ma.GetHoldings(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(holdings) != 0 {
		t.Errorf("Expected no holdings, got %d", len(holdings))
	}
}

func TestGetBalance(t *testing.T) {
	ma, _, _ := newTestAnalyzer(t, testConfig(t), 1000000)

	b, err := ma.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !floatEquals(b.KRW, 1000000) || !floatEquals(b.TotalAsset, 1000000) {
		t.Errorf("Expected 1000000/1000000, got %.0f/%.0f", b.KRW, b.TotalAsset)
	}
}

// ==================== SETTINGS ====================

func TestUpdateConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.UpbitConfig.AccessKey = "ak"
	ma, _, _ := newTestAnalyzer(t, cfg, 1000000)

	err := ma.UpdateConfig(map[string]interface{}{
		"trading":       map[string]interface{}{"max_coins": 3},
		"sell_settings": map[string]interface{}{"TP_PCT": 0.5},
		"upbit":         map[string]interface{}{"access_key": "stolen"},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got := ma.Config()
	if got.TradingConfig.MaxCoins != 3 {
		t.Errorf("Expected max_coins 3, got %d", got.TradingConfig.MaxCoins)
	}
	if !floatEquals(got.SellSettings.TakeProfitPct, 0.5) {
		t.Errorf("Expected TP_PCT 0.5, got %.2f", got.SellSettings.TakeProfitPct)
	}
	if got.UpbitConfig.AccessKey != "ak" {
		t.Errorf("Expected access key untouched, got %s", got.UpbitConfig.AccessKey)
	}
	if got.TradingConfig.InvestmentAmount != cfg.TradingConfig.InvestmentAmount {
		t.Error("Expected unrelated settings kept")
	}
}

func TestUpdateConfig_RejectsInvalid(t *testing.T) {
	ma, _, _ := newTestAnalyzer(t, testConfig(t), 1000000)

	err := ma.UpdateConfig(map[string]interface{}{
		"trading": map[string]interface{}{"max_coins": 50},
	})
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if ma.Config().TradingConfig.MaxCoins != 2 {
		t.Errorf("Expected max_coins unchanged, got %d", ma.Config().TradingConfig.MaxCoins)
	}
}
