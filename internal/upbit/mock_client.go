package upbit

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockClient simulates the exchange in memory for development and tests.
// Limit orders fill once the simulated price crosses them.
type MockClient struct {
	mu         sync.Mutex
	prices     map[string]float64
	balances   map[string]*Account
	orders     map[string]*Order
	invalid    map[string]struct{}
	rng        *rand.Rand
	lastUpdate time.Time
	frozen     bool
}

// NewMockClient creates a mock exchange with a KRW balance
func NewMockClient(krwBalance float64) *MockClient {
	mc := &MockClient{
		balances:   make(map[string]*Account),
		orders:     make(map[string]*Order),
		invalid:    make(map[string]struct{}),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		lastUpdate: time.Now(),
	}

	mc.prices = map[string]float64{
		"KRW-BTC":  142000000,
		"KRW-ETH":  5120000,
		"KRW-SOL":  281000,
		"KRW-XRP":  3215,
		"KRW-UNI":  11420,
		"KRW-ADA":  1105,
		"KRW-DOGE": 521,
		"KRW-SAND": 784,
		"KRW-STX":  2905,
		"KRW-ARB":  1510,
		"KRW-SEI":  702,
		"KRW-HBAR": 386,
		"KRW-ALGO": 412,
	}
	mc.balances["KRW"] = &Account{Currency: "KRW", Balance: krwBalance, UnitCurrency: "KRW"}
	return mc
}

// Freeze stops the random walk so prices only change through SetPrice
func (mc *MockClient) Freeze() {
	mc.mu.Lock()
	mc.frozen = true
	mc.mu.Unlock()
}

// SetPrice pins the price of a market, adding it if unknown
func (mc *MockClient) SetPrice(market string, price float64) {
	mc.mu.Lock()
	mc.prices[market] = price
	mc.mu.Unlock()
}

// SetBalance sets a holding with its average buy price
func (mc *MockClient) SetBalance(currency string, balance, avgBuyPrice float64) {
	mc.mu.Lock()
	mc.balances[currency] = &Account{
		Currency:     currency,
		Balance:      balance,
		AvgBuyPrice:  avgBuyPrice,
		UnitCurrency: "KRW",
	}
	mc.mu.Unlock()
}

// updatePrices adds small random variations to simulate market movement
func (mc *MockClient) updatePrices() {
	if mc.frozen || time.Since(mc.lastUpdate) < time.Second {
		return
	}
	for market, price := range mc.prices {
		// Random walk: -0.5% to +0.5% change
		change := (mc.rng.Float64() - 0.5) * 0.01
		mc.prices[market] = price * (1 + change)
	}
	mc.lastUpdate = time.Now()
}

func (mc *MockClient) priceOf(market string) (float64, bool) {
	if _, bad := mc.invalid[market]; bad {
		return 0, false
	}
	p, ok := mc.prices[market]
	if !ok {
		mc.invalid[market] = struct{}{}
	}
	return p, ok
}

func (mc *MockClient) GetMarkets(ctx context.Context, details bool) []MarketInfo {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make([]MarketInfo, 0, len(mc.prices))
	for m := range mc.prices {
		out = append(out, MarketInfo{Market: m, KoreanName: m[4:], EnglishName: m[4:], MarketWarning: "NONE"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

func (mc *MockClient) ticker(market string, price float64) Ticker {
	return Ticker{
		Market:            market,
		TradePrice:        price,
		OpeningPrice:      price * 0.99,
		HighPrice:         price * 1.02,
		LowPrice:          price * 0.98,
		PrevClosingPrice:  price * 0.99,
		SignedChangeRate:  (mc.rng.Float64() - 0.5) * 0.06,
		AccTradePrice24h:  5e9 + mc.rng.Float64()*1e9,
		AccTradeVolume24h: 5e9 / price,
		MarketState:       "ACTIVE",
		MarketWarning:     "NONE",
		Timestamp:         time.Now().UnixMilli(),
	}
}

func (mc *MockClient) GetTickers(ctx context.Context, markets []string) []Ticker {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.updatePrices()
	var out []Ticker
	for _, m := range markets {
		if p, ok := mc.priceOf(m); ok {
			out = append(out, mc.ticker(m, p))
		}
	}
	return out
}

func (mc *MockClient) GetMarketInfo(ctx context.Context, market string) *Ticker {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.updatePrices()
	p, ok := mc.priceOf(market)
	if !ok {
		return nil
	}
	t := mc.ticker(market, p)
	return &t
}

func (mc *MockClient) GetCurrentPrice(ctx context.Context, market string) float64 {
	if t := mc.GetMarketInfo(ctx, market); t != nil {
		return t.TradePrice
	}
	return 0
}

func (mc *MockClient) GetCandles(ctx context.Context, market, interval string, count int) []Candle {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	p, ok := mc.priceOf(market)
	if !ok || count <= 0 {
		return nil
	}

	step := time.Minute
	if interval == "day" || interval == "days" {
		step = 24 * time.Hour
	}
	candles := make([]Candle, count)
	closePrice := p
	now := time.Now()
	// Walk backwards from the current price, then the slice is already oldest first
	for i := count - 1; i >= 0; i-- {
		open := closePrice * (1 + (mc.rng.Float64()-0.5)*0.004)
		high := math.Max(open, closePrice) * (1 + mc.rng.Float64()*0.002)
		low := math.Min(open, closePrice) * (1 - mc.rng.Float64()*0.002)
		volume := 1000 + mc.rng.Float64()*4000
		candles[i] = Candle{
			Market:               market,
			CandleDateTimeKST:    now.Add(-time.Duration(count-1-i) * step).Format("2006-01-02T15:04:05"),
			OpeningPrice:         open,
			HighPrice:            high,
			LowPrice:             low,
			TradePrice:           closePrice,
			CandleAccTradeVolume: volume,
			CandleAccTradePrice:  volume * closePrice * 10,
			Timestamp:            now.Add(-time.Duration(count-1-i) * step).UnixMilli(),
		}
		closePrice = open
	}
	return candles
}

func (mc *MockClient) GetRecentTrades(ctx context.Context, market string, count int) []Trade {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	p, ok := mc.priceOf(market)
	if !ok {
		return nil
	}
	trades := make([]Trade, count)
	for i := range trades {
		side := "BID"
		if mc.rng.Intn(2) == 0 {
			side = "ASK"
		}
		trades[i] = Trade{
			Market:       market,
			TradePrice:   p,
			TradeVolume:  mc.rng.Float64() * 100,
			AskBid:       side,
			SequentialID: int64(count - i),
			Timestamp:    time.Now().UnixMilli(),
		}
	}
	return trades
}

func (mc *MockClient) GetOrderbook(ctx context.Context, market string) *Orderbook {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	p, ok := mc.priceOf(market)
	if !ok {
		return nil
	}
	tick := TickSize(p)
	bid := RoundDownToTick(p, tick)
	book := &Orderbook{Market: market, Timestamp: time.Now().UnixMilli()}
	for i := 0; i < 15; i++ {
		u := OrderbookUnit{
			BidPrice: snap(bid-float64(i)*tick, tick),
			AskPrice: snap(bid+float64(i+1)*tick, tick),
			BidSize:  mc.rng.Float64() * 1000,
			AskSize:  mc.rng.Float64() * 1000,
		}
		book.TotalBidSize += u.BidSize
		book.TotalAskSize += u.AskSize
		book.OrderbookUnits = append(book.OrderbookUnits, u)
	}
	return book
}

func (mc *MockClient) GetAccounts(ctx context.Context) []Account {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.settleRestingOrders()
	out := make([]Account, 0, len(mc.balances))
	for _, a := range mc.balances {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Currency == "KRW" {
			return true
		}
		if out[j].Currency == "KRW" {
			return false
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

func (mc *MockClient) PlaceOrder(ctx context.Context, req OrderRequest) *Order {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	p, ok := mc.priceOf(req.Market)
	if !ok {
		return nil
	}

	o := &Order{
		UUID:      uuid.NewString(),
		Side:      req.Side,
		OrdType:   req.OrdType,
		Price:     req.Price,
		Volume:    req.Volume,
		State:     StateWait,
		Market:    req.Market,
		CreatedAt: time.Now().Format(time.RFC3339),
	}
	o.RemainingVolume = o.Volume

	switch req.OrdType {
	case OrdTypePrice:
		if !mc.fill(o, p, req.Price/p) {
			return nil
		}
	case OrdTypeMarket:
		if !mc.fill(o, p, req.Volume) {
			return nil
		}
	default:
		if !mc.reserve(o) {
			return nil
		}
		mc.tryFillLimit(o, p)
	}

	mc.orders[o.UUID] = o
	cp := *o
	return &cp
}

func (mc *MockClient) GetOrder(ctx context.Context, id string) *Order {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.settleRestingOrders()
	o, ok := mc.orders[id]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

func (mc *MockClient) CancelOrder(ctx context.Context, id string) *Order {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	o, ok := mc.orders[id]
	if !ok || !o.IsActive() {
		return nil
	}
	mc.release(o)
	o.State = StateCancel
	cp := *o
	return &cp
}

func (mc *MockClient) IsInvalidMarket(market string) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	_, bad := mc.invalid[market]
	return bad
}

func (mc *MockClient) Degraded() bool { return false }

// settleRestingOrders fills limit orders the current price has crossed
func (mc *MockClient) settleRestingOrders() {
	mc.updatePrices()
	for _, o := range mc.orders {
		if o.State != StateWait {
			continue
		}
		if p, ok := mc.prices[o.Market]; ok {
			mc.tryFillLimit(o, p)
		}
	}
}

func (mc *MockClient) tryFillLimit(o *Order, current float64) {
	crossed := (o.Side == SideBid && current <= o.Price) || (o.Side == SideAsk && current >= o.Price)
	if !crossed {
		return
	}
	// Funds were reserved at order time, so release before booking the fill
	mc.release(o)
	mc.fill(o, o.Price, o.Volume)
}

func (mc *MockClient) reserve(o *Order) bool {
	if o.Side == SideBid {
		krw := mc.balances["KRW"]
		cost := o.Price * o.Volume
		if krw == nil || krw.Balance < cost {
			return false
		}
		krw.Balance -= cost
		krw.Locked += cost
		return true
	}
	acc := mc.balances[o.Market[4:]]
	if acc == nil || acc.Balance < o.Volume-1e-12 {
		return false
	}
	acc.Balance -= o.Volume
	acc.Locked += o.Volume
	return true
}

func (mc *MockClient) release(o *Order) {
	if o.Side == SideBid {
		if krw := mc.balances["KRW"]; krw != nil {
			cost := o.Price * o.Volume
			krw.Balance += cost
			krw.Locked -= cost
		}
		return
	}
	if acc := mc.balances[o.Market[4:]]; acc != nil {
		acc.Balance += o.Volume
		acc.Locked -= o.Volume
	}
}

func (mc *MockClient) fill(o *Order, price, volume float64) bool {
	currency := o.Market[4:]
	krw := mc.balances["KRW"]
	funds := price * volume

	if o.Side == SideBid {
		if krw == nil || krw.Balance < funds-1e-6 {
			return false
		}
		krw.Balance -= funds
		acc := mc.balances[currency]
		if acc == nil {
			acc = &Account{Currency: currency, UnitCurrency: "KRW"}
			mc.balances[currency] = acc
		}
		total := acc.Balance + acc.Locked
		acc.AvgBuyPrice = (acc.AvgBuyPrice*total + funds) / (total + volume)
		acc.Balance += volume
	} else {
		acc := mc.balances[currency]
		if acc == nil || acc.Balance < volume-1e-12 {
			return false
		}
		acc.Balance -= volume
		if acc.Balance+acc.Locked <= 1e-12 {
			delete(mc.balances, currency)
		}
		if krw == nil {
			krw = &Account{Currency: "KRW", UnitCurrency: "KRW"}
			mc.balances["KRW"] = krw
		}
		krw.Balance += funds
	}

	o.State = StateDone
	o.ExecutedVolume = volume
	o.RemainingVolume = 0
	o.AvgPrice = price
	o.TradesCount = 1
	o.Trades = []OrderTrade{{
		Market: o.Market,
		UUID:   uuid.NewString(),
		Price:  price,
		Volume: volume,
		Funds:  funds,
		Side:   o.Side,
	}}
	return true
}
