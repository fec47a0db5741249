package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/logging"
)

// Block reasons returned by CanTrade
const (
	ReasonDailyLossLimit = "daily loss limit"
	ReasonCooldown       = "cooldown"
)

// RiskManager enforces the daily loss limit and the loss-streak cooldown,
// and decides profit/stop exits for open positions
type RiskManager struct {
	config config.RiskConfig
	logger *logging.Logger
	now    func() time.Time

	dailyLoss         float64 // Sum of today's realized pnl, negative when losing
	day               string
	consecutiveLosses int
	lastLossTime      time.Time

	mu sync.Mutex
}

// NewRiskManager creates a new risk manager
func NewRiskManager(cfg config.RiskConfig, logger *logging.Logger) *RiskManager {
	if logger == nil {
		logger = logging.Default()
	}
	rm := &RiskManager{
		config: cfg,
		logger: logger.WithComponent("risk"),
		now:    time.Now,
	}
	rm.day = rm.now().Format("2006-01-02")
	return rm
}

// SetClock replaces the time source
func (rm *RiskManager) SetClock(now func() time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.now = now
	rm.day = now().Format("2006-01-02")
}

// UpdateConfig swaps in new limits, keeping the running daily state
func (rm *RiskManager) UpdateConfig(cfg config.RiskConfig) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.config = cfg
}

// CanTrade checks if a new buy is allowed
func (rm *RiskManager) CanTrade(market string) (bool, string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.checkDailyReset()

	if rm.config.MaxDailyLoss > 0 && math.Abs(rm.dailyLoss) >= rm.config.MaxDailyLoss {
		rm.logger.Warn("trade blocked", "market", market, "reason", ReasonDailyLossLimit, "daily_loss", rm.dailyLoss)
		return false, ReasonDailyLossLimit
	}

	if rm.config.ConsecutiveLossLimit > 0 && rm.consecutiveLosses >= rm.config.ConsecutiveLossLimit {
		cooldownEnd := rm.lastLossTime.Add(time.Duration(rm.config.CooldownMinutes) * time.Minute)
		if rm.now().Before(cooldownEnd) {
			return false, ReasonCooldown
		}
		rm.logger.Info("cooldown over, resetting loss streak", "losses", rm.consecutiveLosses)
		rm.consecutiveLosses = 0
		rm.lastLossTime = time.Time{}
	}

	return true, ""
}

// RecordResult registers the realized pnl of a closed trade
func (rm *RiskManager) RecordResult(pnl float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.checkDailyReset()
	rm.dailyLoss += pnl

	if pnl < 0 {
		rm.consecutiveLosses++
		rm.lastLossTime = rm.now()
		rm.logger.Info("loss recorded", "pnl", pnl, "streak", rm.consecutiveLosses, "daily_loss", rm.dailyLoss)
		return
	}
	rm.consecutiveLosses = 0
	rm.lastLossTime = time.Time{}
}

// CheckPositionExit decides whether a position at currentPrice should be closed
func (rm *RiskManager) CheckPositionExit(entryPrice, currentPrice float64) (bool, string) {
	if entryPrice <= 0 || currentPrice <= 0 {
		return false, ""
	}

	rm.mu.Lock()
	cfg := rm.config
	rm.mu.Unlock()

	profitPct := (currentPrice/entryPrice - 1) * 100

	if cfg.UseProfitExit && profitPct >= cfg.ProfitTarget {
		return true, fmt.Sprintf("profit target reached (%.2f%%)", profitPct)
	}
	if cfg.UseStopLoss && profitPct <= -math.Abs(cfg.StopLoss) {
		return true, fmt.Sprintf("stop loss triggered (%.2f%%)", profitPct)
	}
	return false, ""
}

// checkDailyReset zeroes the daily figures when the local date changes.
// Caller holds mu.
func (rm *RiskManager) checkDailyReset() {
	today := rm.now().Format("2006-01-02")
	if today != rm.day {
		if rm.dailyLoss != 0 {
			rm.logger.Info("daily risk reset", "previous_day", rm.day, "daily_loss", rm.dailyLoss)
		}
		rm.dailyLoss = 0
		rm.day = today
	}
}

// GetRiskMetrics returns current risk metrics
func (rm *RiskManager) GetRiskMetrics() map[string]interface{} {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.checkDailyReset()

	cooldownActive := false
	if rm.config.ConsecutiveLossLimit > 0 && rm.consecutiveLosses >= rm.config.ConsecutiveLossLimit {
		cooldownEnd := rm.lastLossTime.Add(time.Duration(rm.config.CooldownMinutes) * time.Minute)
		cooldownActive = rm.now().Before(cooldownEnd)
	}

	return map[string]interface{}{
		"daily_loss":         rm.dailyLoss,
		"consecutive_losses": rm.consecutiveLosses,
		"cooldown_active":    cooldownActive,
		"max_daily_loss":     rm.config.MaxDailyLoss,
		"loss_limit":         rm.config.ConsecutiveLossLimit,
	}
}
