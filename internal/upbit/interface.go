package upbit

import "context"

// Exchange defines the Upbit operations used by the engine.
// Every accessor returns nil (or zero) as the uniform failure signal.
type Exchange interface {
	GetMarkets(ctx context.Context, details bool) []MarketInfo
	GetTickers(ctx context.Context, markets []string) []Ticker
	GetMarketInfo(ctx context.Context, market string) *Ticker
	GetCurrentPrice(ctx context.Context, market string) float64
	GetCandles(ctx context.Context, market, interval string, count int) []Candle
	GetRecentTrades(ctx context.Context, market string, count int) []Trade
	GetOrderbook(ctx context.Context, market string) *Orderbook
	GetAccounts(ctx context.Context) []Account
	PlaceOrder(ctx context.Context, req OrderRequest) *Order
	GetOrder(ctx context.Context, uuid string) *Order
	CancelOrder(ctx context.Context, uuid string) *Order
	IsInvalidMarket(market string) bool
	Degraded() bool
}

// Ensure both Client and MockClient implement Exchange
var _ Exchange = (*Client)(nil)
var _ Exchange = (*MockClient)(nil)
