package autopilot

import (
	"context"
	"fmt"
	"strings"

	"upbit-trading-bot/internal/monitoring"
)

// GetHoldings synchronizes and returns the material holdings
func (ma *MarketAnalyzer) GetHoldings(ctx context.Context) (map[string]monitoring.Holding, error) {
	h, err := ma.sync.Sync(ctx)
	if err != nil {
		return nil, err
	}
	ma.mu.Lock()
	ma.holdings = h
	ma.mu.Unlock()
	return h.Items, nil
}

// GetBalance returns KRW cash and the total account valuation
func (ma *MarketAnalyzer) GetBalance(ctx context.Context) (Balance, error) {
	h, err := ma.sync.Sync(ctx)
	if err != nil {
		return Balance{}, err
	}
	return Balance{KRW: h.KRW, TotalAsset: h.TotalAsset}, nil
}

func (ma *MarketAnalyzer) checkMarket(market string) error {
	if !strings.HasPrefix(market, "KRW-") || len(market) <= len("KRW-") {
		return fmt.Errorf("%w: %s", ErrInvalidMarketRequest, market)
	}
	if ma.exchange.IsInvalidMarket(market) {
		return fmt.Errorf("%w: %s", ErrInvalidMarketRequest, market)
	}
	return nil
}

// MarketBuy spends investment_amount KRW on market at once and protects the
// fill with a pre-sell
func (ma *MarketAnalyzer) MarketBuy(ctx context.Context, market string) Result {
	if err := ma.checkMarket(market); err != nil {
		return failed(err)
	}
	amount := ma.Config().TradingConfig.InvestmentAmount
	if krw := ma.krwBalance(ctx); krw < amount {
		return failed(fmt.Errorf("%w: have %.0f, need %.0f", ErrInsufficientBalance, krw, amount))
	}

	fill, err := ma.executor.MarketBuy(ctx, market, amount)
	if err != nil {
		ma.logger.Warn("manual buy failed", "market", market, "error", err)
		return failed(err)
	}
	ma.registerPosition(ctx, fill, 0)
	return Result{Success: true, Data: fill}
}

// MarketSell sells the whole balance of market at once and forgets the
// position and its monitoring record
func (ma *MarketAnalyzer) MarketSell(ctx context.Context, market string) Result {
	if err := ma.checkMarket(market); err != nil {
		return failed(err)
	}

	pos, tracked := ma.positions.Get(market)
	if tracked && pos.SellUUID != "" {
		ma.executor.CancelOrder(ctx, market, pos.SellUUID)
	}

	available := ma.available(ctx, market)
	if available <= 0 {
		return failed(fmt.Errorf("%w: %s", ErrNoHolding, market))
	}

	fill, err := ma.executor.MarketSell(ctx, market, available)
	if err != nil {
		ma.logger.Warn("manual sell failed", "market", market, "error", err)
		return failed(err)
	}

	if tracked {
		ma.closePosition(ctx, pos, fill.AvgPrice, fill.Volume, ReasonManual)
	} else if err := ma.sync.RemoveMarket(ctx, market); err != nil {
		ma.logger.Error("failed to save monitoring file", "market", market, "error", err)
	}
	return Result{Success: true, Data: fill}
}

// available returns the unlocked balance of market's currency
func (ma *MarketAnalyzer) available(ctx context.Context, market string) float64 {
	currency := strings.TrimPrefix(market, "KRW-")
	for _, acc := range ma.exchange.GetAccounts(ctx) {
		if acc.Currency == currency {
			return acc.Balance
		}
	}
	return 0
}

// SellAll market-sells every material holding
func (ma *MarketAnalyzer) SellAll(ctx context.Context) Result {
	h, err := ma.sync.Sync(ctx)
	if err != nil {
		return failed(err)
	}

	results := make(map[string]Result, len(h.Items))
	ok := true
	for _, market := range h.Markets() {
		r := ma.MarketSell(ctx, market)
		if !r.Success {
			ok = false
		}
		results[market] = r
	}

	out := Result{Success: ok, Data: results}
	if !ok {
		out.Error = "some sells failed"
	}
	return out
}
