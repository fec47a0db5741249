package autopilot

import (
	"context"
	"time"

	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/monitoring"
	"upbit-trading-bot/internal/order"
	"upbit-trading-bot/internal/settlement"
)

// Close reasons recorded in the journal
const (
	ReasonPreSell = "presell"
	ReasonManual  = "manual"
)

// openPosition buys a qualifying market and protects it with a pre-sell
func (ma *MarketAnalyzer) openPosition(ctx context.Context, sm ScoredMarket) {
	cfg := ma.Config()
	log := logging.MarketContext(ma.logger, sm.Market)

	log.Info("buy signal", "score", sm.Score, "threshold", sm.Threshold, "trace", sm.Trace)
	fill, err := ma.executor.BuyWithSettings(ctx, sm.Market, cfg.BuySettings)
	if fill == nil {
		if ctx.Err() != nil {
			log.Info("buy interrupted by stop", "error", err)
			return
		}
		log.Warn("buy failed", "error", err)
		ma.bus.PublishError("executor", err.Error())
		return
	}
	// Bought coins get their pre-sell even when a stop arrived meanwhile
	ma.registerPosition(context.WithoutCancel(ctx), fill, sm.Score)
}

// registerPosition records a filled buy, places its pre-sell and adds the
// monitoring record
func (ma *MarketAnalyzer) registerPosition(ctx context.Context, fill *order.Fill, score float64) {
	cfg := ma.Config()
	log := logging.PositionContext(ma.logger, fill.Market, fill.AvgPrice, fill.Volume)

	pos := monitoring.Position{
		Market:     fill.Market,
		EntryPrice: fill.AvgPrice,
		Volume:     fill.Volume,
		EntryTime:  time.Now(),
		Score:      score,
	}

	target := order.PreSellTarget(fill.AvgPrice, cfg.SellSettings.TakeProfitPct, cfg.SellSettings.MinimumTicks)
	ps, err := ma.executor.PlacePreSell(ctx, fill.Market, fill.Volume, fill.AvgPrice, cfg.SellSettings)
	if err != nil {
		// No uuid to replace later; only the exit rules cover this position
		log.Warn("pre-sell placement failed", "error", err)
	} else {
		pos.SellUUID = ps.UUID
		pos.SellPrice = ps.Price
		target = ps.Price
	}

	ma.tradeMu.Lock()
	ma.positions.Put(pos)
	ma.highWater.Track(fill.Market, fill.AvgPrice)
	ma.tradeMu.Unlock()

	store := ma.sync.Store()
	store.Put(monitoring.Record{Market: fill.Market, EntryPrice: fill.AvgPrice, ProtectiveSellPrice: target})
	if err := store.Save(ctx); err != nil {
		log.Error("failed to save monitoring file", "error", err)
	}

	ma.bus.PublishTradeOpened(fill.Market, fill.AvgPrice, fill.Volume, target)
	log.Info("position opened", "target", target, "sell_uuid", pos.SellUUID)
}

// CheckHoldings closes positions whose pre-sell filled, synchronizes the
// holdings and applies the exit rules to what is left
func (ma *MarketAnalyzer) CheckHoldings(ctx context.Context) error {
	ma.detectFilledPreSells(ctx)

	holdings, err := ma.sync.Sync(ctx)
	if err != nil {
		return err
	}
	ma.mu.Lock()
	ma.holdings = holdings
	ma.mu.Unlock()

	store := ma.sync.Store()
	for _, pos := range ma.positions.All() {
		h, held := holdings.Items[pos.Market]
		if !held {
			if _, tracked := store.Get(pos.Market); !tracked {
				// Sold outside the engine
				ma.logger.Info("position no longer held, forgetting it", "market", pos.Market)
				ma.tradeMu.Lock()
				ma.positions.Remove(pos.Market)
				ma.highWater.Remove(pos.Market)
				ma.tradeMu.Unlock()
			}
			continue
		}

		if mark := ma.highWater.Update(pos.Market, h.CurrentPrice); mark != nil {
			ma.logger.Debug("high water", "market", pos.Market, "high", mark.High, "drawdown_pct", mark.DrawdownPercent())
		}

		if exit, reason := ma.risk.CheckPositionExit(pos.EntryPrice, h.CurrentPrice); exit {
			ma.exitPosition(ctx, pos, h, reason)
		}
	}
	return nil
}

// detectFilledPreSells closes every position whose protective sell is done
func (ma *MarketAnalyzer) detectFilledPreSells(ctx context.Context) {
	for _, pos := range ma.positions.All() {
		if pos.SellUUID == "" {
			continue
		}
		o := ma.exchange.GetOrder(ctx, pos.SellUUID)
		if !o.IsDone() {
			continue
		}
		avg, vol := o.FilledAverage()
		if vol <= 0 {
			vol = pos.Volume
		}
		if avg <= 0 {
			avg = pos.SellPrice
		}
		ma.closePosition(ctx, pos, avg, vol, ReasonPreSell)
	}
}

// exitPosition sells a position through the limit tiers after pulling its
// pre-sell off the book
func (ma *MarketAnalyzer) exitPosition(ctx context.Context, pos monitoring.Position, h monitoring.Holding, reason string) {
	log := logging.MarketContext(ma.logger, pos.Market)
	log.Info("exit rule fired", "reason", reason, "entry", pos.EntryPrice, "price", h.CurrentPrice)

	if pos.SellUUID != "" {
		ma.executor.CancelOrder(ctx, pos.Market, pos.SellUUID)
	}

	fill, err := ma.executor.SellWithSettings(ctx, pos.Market, h.Balance, ma.Config().SellSettings)
	if fill == nil {
		log.Error("exit sell failed", "reason", reason, "error", err)
		ma.bus.PublishError("executor", err.Error())
		return
	}
	if err != nil {
		log.Warn("exit sell partially filled", "filled", fill.Volume, "error", err)
	}
	ma.closePosition(ctx, pos, fill.AvgPrice, fill.Volume, reason)
}

// closePosition books a realized trade into risk, performance and the
// journal, then forgets the position. A position already closed elsewhere
// is not booked twice.
func (ma *MarketAnalyzer) closePosition(ctx context.Context, pos monitoring.Position, exitPrice, volume float64, reason string) {
	pnl := (exitPrice - pos.EntryPrice) * volume
	var pnlPct float64
	if pos.EntryPrice > 0 {
		pnlPct = (exitPrice/pos.EntryPrice - 1) * 100
	}
	now := time.Now()
	// The exit already happened; bookkeeping completes during a stop too
	ctx = context.WithoutCancel(ctx)

	ma.tradeMu.Lock()
	if _, open := ma.positions.Remove(pos.Market); !open {
		ma.tradeMu.Unlock()
		ma.logger.Debug("position already closed", "market", pos.Market, "reason", reason)
		return
	}
	ma.risk.RecordResult(pnl)
	ma.highWater.Remove(pos.Market)
	ma.tradeMu.Unlock()

	ma.performance.Record(settlement.TradeResult{
		Market:        pos.Market,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     exitPrice,
		Volume:        volume,
		Profit:        pnl,
		ProfitPercent: pnlPct,
		Reason:        reason,
		ClosedAt:      now,
	})
	if ma.journal != nil {
		err := ma.journal.RecordTrade(ctx, database.TradeRecord{
			Market:     pos.Market,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  exitPrice,
			Volume:     volume,
			PnL:        pnl,
			PnLPercent: pnlPct,
			Reason:     reason,
			EntryTime:  pos.EntryTime,
			ExitTime:   now,
		})
		if err != nil {
			ma.logger.Error("failed to journal trade", "market", pos.Market, "error", err)
		}
	}

	if err := ma.sync.RemoveMarket(ctx, pos.Market); err != nil {
		ma.logger.Error("failed to save monitoring file", "market", pos.Market, "error", err)
	}

	ma.bus.PublishTradeClosed(pos.Market, pos.EntryPrice, exitPrice, volume, pnl, pnlPct, reason)
	ma.logger.Info("position closed",
		"market", pos.Market,
		"reason", reason,
		"entry_price", pos.EntryPrice,
		"exit_price", exitPrice,
		"pnl", pnl,
		"pnl_percent", pnlPct)
}
