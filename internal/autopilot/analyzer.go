package autopilot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/cache"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/monitoring"
	"upbit-trading-bot/internal/order"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/settlement"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

const (
	sweepInterval   = time.Hour
	conditionMaxAge = 60 * time.Second
	statusTTL       = 5 * time.Minute
)

// Deps are the collaborators of the analyzer. Exchange is required; the rest
// are optional.
type Deps struct {
	Exchange     upbit.Exchange
	Journal      database.Journal
	Tracker      order.OrderTracker
	Mirror       monitoring.Mirror
	StatusCache  StatusCache
	Bus          *events.EventBus
	Lock         Locker
	PollInterval time.Duration // Executor order poll period, 1s when zero
}

// MarketAnalyzer runs the scan/buy/protect/exit loop over one exchange account
type MarketAnalyzer struct {
	mu  sync.RWMutex
	cfg *config.Config

	exchange    upbit.Exchange
	journal     database.Journal
	statusCache StatusCache
	bus         *events.EventBus
	lock        Locker
	logger      *logging.Logger

	cache       *cache.MarketCache
	scorer      *strategy.BuyScoreEngine
	executor    *order.Executor
	risk        *risk.RiskManager
	highWater   *risk.HighWaterTracker
	positions   *monitoring.PositionBook
	sync        *monitoring.Synchronizer
	performance *settlement.PerformanceMetrics

	// Last scan results
	monitored    []ScoredMarket
	condition    ConditionSnapshot
	holdings     monitoring.Holdings
	lastUpdate   time.Time
	lastHoldings time.Time
	lastSweep    time.Time

	// Entry gate and close bookkeeping share one lock so a gate never sees
	// a trade's risk result without its position removal
	tradeMu sync.Mutex

	// Control
	running    bool
	stopping   bool
	loopAlive  atomic.Bool
	stopChan   chan struct{}
	cancelLoop context.CancelFunc
	wg         sync.WaitGroup
}

// NewMarketAnalyzer builds every engine component from cfg
func NewMarketAnalyzer(cfg *config.Config, deps Deps, logger *logging.Logger) *MarketAnalyzer {
	if logger == nil {
		logger = logging.Default()
	}
	engine := cfg.EngineConfig

	executor := order.NewExecutor(deps.Exchange, logger, order.Options{
		PollInterval:       deps.PollInterval,
		MarketFallbackWait: time.Duration(engine.MarketFallbackSec) * time.Second,
		Tracker:            deps.Tracker,
		Bus:                deps.Bus,
	})

	store := monitoring.NewStore(engine.MonitoringFile, cfg.TradingConfig.CoinSelection.ExcludedCoins, logger)
	if deps.Mirror != nil {
		store.SetMirror(deps.Mirror)
	}
	if err := store.Load(); err != nil {
		logger.Warn("failed to load monitoring file, starting empty", "path", store.Path(), "error", err)
	}
	positions := monitoring.NewPositionBook()

	ma := &MarketAnalyzer{
		cfg:         cfg,
		exchange:    deps.Exchange,
		journal:     deps.Journal,
		statusCache: deps.StatusCache,
		bus:         deps.Bus,
		lock:        deps.Lock,
		logger:      logger.WithComponent("analyzer"),
		cache:       cache.NewMarketCache(time.Duration(engine.CacheMaxAgeSec)*time.Second, engine.CacheMaxItems),
		scorer:      strategy.NewBuyScoreEngine(cfg.BuyScore, deps.Exchange, logger),
		executor:    executor,
		risk:        risk.NewRiskManager(cfg.RiskConfig, logger),
		highWater:   risk.NewHighWaterTracker(),
		positions:   positions,
		sync: monitoring.NewSynchronizer(deps.Exchange, executor, store, positions,
			cfg.SellSettings, engine.MinHoldingValue, logger),
		performance: settlement.NewPerformanceMetrics(),
		condition:   ConditionSnapshot{Condition: ConditionNeutral, Confidence: 0.5},
		stopChan:    make(chan struct{}),
	}
	return ma
}

// Config returns the active configuration
func (ma *MarketAnalyzer) Config() *config.Config {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return ma.cfg
}

// IsRunning returns whether the loop is active
func (ma *MarketAnalyzer) IsRunning() bool {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return ma.running
}

// Start begins the trading loop
func (ma *MarketAnalyzer) Start() (bool, string) {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	if ma.running {
		if ma.loopAlive.Load() {
			return false, ErrAlreadyRunning.Error()
		}
		ma.logger.Warn("running flag set without a live loop, recovering")
		ma.running = false
	}
	if ma.stopping {
		return false, "previous loop is still stopping"
	}

	up := ma.cfg.UpbitConfig
	if !up.MockMode && (up.AccessKey == "" || up.SecretKey == "") {
		return false, "upbit API keys are not configured"
	}

	if ma.lock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok, err := ma.lock.Acquire(ctx)
		cancel()
		if err != nil {
			return false, fmt.Sprintf("trader lock unavailable: %v", err)
		}
		if !ok {
			return false, "another instance is trading this account"
		}
	}

	ma.cache.Reset()
	ctx, cancel := context.WithCancel(context.Background())
	ma.stopChan = make(chan struct{})
	ma.cancelLoop = cancel
	ma.running = true
	ma.loopAlive.Store(true)

	ma.wg.Add(1)
	go ma.runMainLoop(ctx, ma.stopChan)

	ma.bus.PublishBotStarted()
	ma.logger.Info("analyzer started",
		"mock", up.MockMode,
		"scan_interval_sec", ma.cfg.EngineConfig.ScanIntervalSec,
		"max_coins", ma.cfg.TradingConfig.MaxCoins)
	return true, "started"
}

// Stop cancels the loop and any order wait in progress, then waits for the
// loop up to the stop timeout. Orders on the exchange are left as they are.
// On a timeout the trader lock is kept until the loop has exited.
func (ma *MarketAnalyzer) Stop() (bool, string) {
	ma.mu.Lock()
	if !ma.running {
		ma.mu.Unlock()
		return false, "analyzer not running"
	}
	ma.running = false
	ma.stopping = true
	close(ma.stopChan)
	if ma.cancelLoop != nil {
		ma.cancelLoop()
	}
	timeout := time.Duration(ma.cfg.EngineConfig.StopTimeoutSec) * time.Second
	ma.mu.Unlock()

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if !waitTimeout(&ma.wg, timeout) {
		ma.logger.Warn("loop did not stop in time, holding the trader lock until it exits", "timeout", timeout)
		go func() {
			ma.wg.Wait()
			ma.finishStop()
		}()
		return false, "loop did not stop in time"
	}

	ma.finishStop()
	return true, "stopped"
}

// finishStop runs once the loop has exited
func (ma *MarketAnalyzer) finishStop() {
	if ma.lock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ma.lock.Release(ctx); err != nil {
			ma.logger.Warn("failed to release trader lock", "error", err)
		}
		cancel()
	}

	ma.cache.Reset()
	ma.bus.PublishBotStopped()
	ma.logger.Info("analyzer stopped")

	ma.mu.Lock()
	ma.stopping = false
	ma.mu.Unlock()
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// sleep waits d or until stop is signaled; false means stop
func sleep(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// runMainLoop is the main trading loop. ctx is canceled by Stop.
func (ma *MarketAnalyzer) runMainLoop(ctx context.Context, stop <-chan struct{}) {
	defer ma.wg.Done()
	defer ma.loopAlive.Store(false)
	defer func() {
		if r := recover(); r != nil {
			ma.logger.Error("analyzer loop panicked", "panic", fmt.Sprint(r))
			ma.bus.PublishError("analyzer", fmt.Sprint(r))
		}
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		engine := ma.Config().EngineConfig
		delay := time.Duration(engine.ScanIntervalSec) * time.Second
		if err := ma.runIteration(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			ma.logger.Warn("iteration failed, retrying", "error", err, "retry_in", time.Duration(engine.RetryDelaySec)*time.Second)
			delay = time.Duration(engine.RetryDelaySec) * time.Second
		}
		if !sleep(stop, delay) {
			return
		}
	}
}

// runIteration is one pass of the loop: holdings on their own period, the
// hourly cache sweep, then a scan
func (ma *MarketAnalyzer) runIteration(ctx context.Context) error {
	engine := ma.Config().EngineConfig
	now := time.Now()

	ma.mu.Lock()
	holdingsDue := now.Sub(ma.lastHoldings) >= time.Duration(engine.HoldingsIntervalSec)*time.Second
	if holdingsDue {
		ma.lastHoldings = now
	}
	sweepDue := ma.lastSweep.IsZero() || now.Sub(ma.lastSweep) >= sweepInterval
	if sweepDue {
		ma.lastSweep = now
	}
	ma.mu.Unlock()

	if holdingsDue {
		if err := ma.CheckHoldings(ctx); err != nil {
			return err
		}
	}
	if sweepDue {
		if n := ma.cache.ClearOld(time.Duration(engine.CacheMaxAgeSec) * time.Second); n > 0 {
			ma.logger.Debug("cache sweep", "removed", n)
		}
	}

	err := ma.ScanAndTrade(ctx)
	ma.publishStatus(ctx)
	return err
}

// ScanAndTrade scores the selected markets and buys the qualifying ones
// while risk and max_coins allow
func (ma *MarketAnalyzer) ScanAndTrade(ctx context.Context) error {
	ma.AnalyzeMarketCondition(ctx)

	scored, err := ma.scoreMarkets(ctx)
	if err != nil {
		return err
	}
	ma.bus.PublishMonitoredCoins(scored)

	cfg := ma.Config()
	for _, sm := range scored {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Thresholds are per market, so a lower score may still qualify
		if sm.Status != strategy.StatusBuyReady {
			continue
		}
		if ok, reason := ma.entryGate(sm.Market, cfg.TradingConfig.MaxCoins); !ok {
			switch reason {
			case reasonMaxCoins:
				ma.logger.Debug("max coins reached", "max_coins", cfg.TradingConfig.MaxCoins)
				return nil
			case reasonHeld:
				continue
			case risk.ReasonDailyLossLimit:
				ma.logger.Info("entry blocked by risk", "market", sm.Market, "reason", reason)
				return nil
			}
			ma.logger.Info("entry blocked by risk", "market", sm.Market, "reason", reason)
			continue
		}
		if krw := ma.krwBalance(ctx); krw < cfg.BuySettings.EntrySize {
			ma.logger.Info("not enough KRW for entry", "krw", krw, "entry_size", cfg.BuySettings.EntrySize)
			break
		}

		ma.openPosition(ctx, sm)
	}
	return nil
}

const (
	reasonMaxCoins = "max coins reached"
	reasonHeld     = "held or order in flight"
)

// entryGate decides whether market may be entered now
func (ma *MarketAnalyzer) entryGate(market string, maxCoins int) (bool, string) {
	ma.tradeMu.Lock()
	defer ma.tradeMu.Unlock()

	if ma.positions.Count() >= maxCoins {
		return false, reasonMaxCoins
	}
	if ma.positions.Has(market) || ma.executor.InFlight(market) {
		return false, reasonHeld
	}
	return ma.risk.CanTrade(market)
}

// krwBalance returns the available KRW, 0 when the account query fails
func (ma *MarketAnalyzer) krwBalance(ctx context.Context) float64 {
	for _, acc := range ma.exchange.GetAccounts(ctx) {
		if acc.Currency == "KRW" {
			return acc.Balance
		}
	}
	return 0
}

// UpdateConfig deep-merges partial into the active configuration, validates
// it and swaps it into every component
func (ma *MarketAnalyzer) UpdateConfig(partial map[string]interface{}) error {
	tunable, dropped := config.FilterTunable(partial)
	if len(dropped) > 0 {
		ma.logger.Warn("ignoring settings that need a restart", "sections", dropped)
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()

	merged, err := config.Merge(ma.cfg, tunable)
	if err != nil {
		return err
	}
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	ma.scorer.UpdateConfig(merged.BuyScore)
	ma.risk.UpdateConfig(merged.RiskConfig)
	ma.sync.UpdateSettings(merged.SellSettings, merged.EngineConfig.MinHoldingValue)
	ma.sync.Store().SetExcluded(merged.TradingConfig.CoinSelection.ExcludedCoins)
	ma.cfg = merged

	ma.bus.Publish(events.Event{
		Type: events.EventSettingsChanged,
		Data: map[string]interface{}{"sections": keys(tunable)},
	})
	ma.logger.Info("settings updated", "sections", keys(tunable))
	return nil
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Status returns the dashboard status snapshot
func (ma *MarketAnalyzer) Status() map[string]interface{} {
	ma.mu.RLock()
	running := ma.running
	cond := ma.condition
	monitored := len(ma.monitored)
	lastUpdate := ma.lastUpdate
	maxCoins := ma.cfg.TradingConfig.MaxCoins
	ma.mu.RUnlock()

	var last string
	if !lastUpdate.IsZero() {
		last = lastUpdate.Format("2006-01-02 15:04:05")
	}

	return map[string]interface{}{
		"running":          running,
		"market_condition": cond.Condition,
		"confidence":       cond.Confidence,
		"monitored_count":  monitored,
		"position_count":   ma.positions.Count(),
		"max_coins":        maxCoins,
		"positions":        ma.positions.All(),
		"cache":            ma.cache.Stats(),
		"degraded":         ma.exchange.Degraded(),
		"risk":             ma.risk.GetRiskMetrics(),
		"last_update":      last,
	}
}

func (ma *MarketAnalyzer) publishStatus(ctx context.Context) {
	status := ma.Status()
	ma.bus.PublishBotStatus(status)
	if ma.statusCache != nil {
		if err := ma.statusCache.Set(ctx, cache.KeyBotStatus, status, statusTTL); err != nil {
			ma.logger.Debug("status cache write failed", "error", err)
		}
	}
}

// GetPerformance returns the realized performance summary
func (ma *MarketAnalyzer) GetPerformance() settlement.Summary {
	return ma.performance.Summary()
}

// Positions returns the open positions
func (ma *MarketAnalyzer) Positions() []monitoring.Position {
	return ma.positions.All()
}

// RecentTrades reads the trade journal
func (ma *MarketAnalyzer) RecentTrades(ctx context.Context, limit int) ([]database.TradeRecord, error) {
	if ma.journal == nil {
		return nil, nil
	}
	return ma.journal.RecentTrades(ctx, limit)
}
