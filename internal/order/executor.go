package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/upbit"
)

var (
	ErrOrderbookUnavailable = errors.New("orderbook unavailable")
	ErrOrderRejected        = errors.New("order rejected")
	ErrOrderNotFilled       = errors.New("order not filled")
	ErrMarketBusy           = errors.New("order already in progress for market")
	ErrUnknownPriceRule     = errors.New("unknown price rule")
)

// State is a step of the order state machine
type State string

const (
	StateIdle           State = "IDLE"
	StateSubmitted      State = "SUBMITTED"
	StateFilled         State = "FILLED"
	StateCanceled       State = "CANCELED"
	StateTimedOut       State = "TIMED_OUT"
	StateMarketFallback State = "MARKET_FALLBACK"
	StateFailed         State = "FAILED"
)

// Exchange is the part of the gateway the executor drives
type Exchange interface {
	GetOrderbook(ctx context.Context, market string) *upbit.Orderbook
	PlaceOrder(ctx context.Context, req upbit.OrderRequest) *upbit.Order
	GetOrder(ctx context.Context, uuid string) *upbit.Order
	CancelOrder(ctx context.Context, uuid string) *upbit.Order
}

// OrderTracker records orders left on the book so a restart can report them
type OrderTracker interface {
	TrackOrder(ctx context.Context, uuid, market, side string, price, volume float64) error
	CompleteOrder(ctx context.Context, uuid string) error
}

// Fill is the realized result of a buy or sell
type Fill struct {
	Market   string       `json:"market"`
	Side     string       `json:"side"`
	UUID     string       `json:"uuid"`
	OrdType  string       `json:"ord_type"`
	Tier     int          `json:"tier"` // 0 for market orders
	AvgPrice float64      `json:"avg_price"`
	Volume   float64      `json:"volume"`
	Funds    float64      `json:"funds"`
	Order    *upbit.Order `json:"order,omitempty"`
}

// Options tunes executor timing
type Options struct {
	PollInterval       time.Duration // Order status poll period
	MarketFallbackWait time.Duration // Wait for a market order confirmation
	Tracker            OrderTracker
	Bus                *events.EventBus
}

// Executor places orders through tiered limit prices with a market fallback
type Executor struct {
	exchange           Exchange
	tracker            OrderTracker
	bus                *events.EventBus
	logger             *logging.Logger
	pollInterval       time.Duration
	marketFallbackWait time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewExecutor creates an executor over exchange
func NewExecutor(exchange Exchange, logger *logging.Logger, opts Options) *Executor {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MarketFallbackWait <= 0 {
		opts.MarketFallbackWait = 10 * time.Second
	}
	return &Executor{
		exchange:           exchange,
		tracker:            opts.Tracker,
		bus:                opts.Bus,
		logger:             logger.WithComponent("executor"),
		pollInterval:       opts.PollInterval,
		marketFallbackWait: opts.MarketFallbackWait,
		inFlight:           make(map[string]struct{}),
	}
}

// ==================== PER-MARKET SERIALIZATION ====================

func (e *Executor) acquire(market string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[market]; busy {
		return false
	}
	e.inFlight[market] = struct{}{}
	return true
}

func (e *Executor) release(market string) {
	e.mu.Lock()
	delete(e.inFlight, market)
	e.mu.Unlock()
}

// InFlight reports whether an order sequence is running for market
func (e *Executor) InFlight(market string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.inFlight[market]
	return busy
}

// ==================== PRICE RULES ====================

// BidPrice resolves a buy tier rule against the book
func BidPrice(ob *upbit.Orderbook, rule string) (float64, error) {
	bid, ask := ob.BestBid(), ob.BestAsk()
	switch rule {
	case "BID1", "best_bid":
		return bid, nil
	case "BID1+1", "best_bid+1":
		price := bid + upbit.TickSize(bid)
		// Never pay more than the ask for a +1 tick bid
		if ask > 0 && price > ask {
			price = ask
		}
		return price, nil
	case "ASK1", "best_ask":
		return ask, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownPriceRule, rule)
}

// sellTierPrice returns the limit price of sell tier 1..3
func sellTierPrice(ob *upbit.Orderbook, tier int) float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	switch tier {
	case 1:
		return ask
	case 2:
		price := ask - upbit.TickSize(ask)
		if price < bid {
			price = bid
		}
		return price
	default:
		return bid
	}
}

// roundVolume floors to the 8 decimals the exchange accepts
func roundVolume(v float64) float64 {
	return math.Floor(v*1e8+1e-6) / 1e8
}

// ==================== BUY ====================

type tier struct {
	n    int
	rule string
	wait time.Duration
}

// BuyWithSettings buys s.EntrySize KRW of market through the configured
// limit tiers, then a market order. An orderbook failure aborts at once.
func (e *Executor) BuyWithSettings(ctx context.Context, market string, s config.BuySettings) (*Fill, error) {
	if !e.acquire(market) {
		return nil, fmt.Errorf("%w: %s", ErrMarketBusy, market)
	}
	defer e.release(market)

	log := logging.MarketContext(e.logger, market)

	tiers := []tier{{n: 1, rule: s.FirstBidPrice, wait: time.Duration(s.LimitWaitSec1) * time.Second}}
	if s.LimitWaitSec2 > 0 {
		tiers = append(tiers, tier{n: 2, rule: s.SecondBidPrice, wait: time.Duration(s.LimitWaitSec2) * time.Second})
	}

	for _, t := range tiers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ob := e.exchange.GetOrderbook(ctx, market)
		if ob == nil || len(ob.OrderbookUnits) == 0 {
			log.Error("orderbook unavailable, aborting buy", "tier", t.n)
			e.transition(market, upbit.SideBid, t.n, StateFailed, 0, "")
			return nil, fmt.Errorf("%w: %s", ErrOrderbookUnavailable, market)
		}

		price, err := BidPrice(ob, t.rule)
		if err != nil {
			return nil, err
		}
		if price <= 0 {
			return nil, fmt.Errorf("%w: %s has no quote", ErrOrderbookUnavailable, market)
		}

		fill, err := e.limitAndWait(ctx, market, upbit.SideBid, t.n, price, roundVolume(s.EntrySize/price), t.wait)
		if fill != nil {
			return fill, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Info("tier not filled, escalating", "tier", t.n, "price", price, "reason", err)
	}

	e.transition(market, upbit.SideBid, 0, StateMarketFallback, s.EntrySize, "")
	return e.marketOrder(ctx, upbit.OrderRequest{
		Market:  market,
		Side:    upbit.SideBid,
		Price:   s.EntrySize,
		OrdType: upbit.OrdTypePrice,
	})
}

// MarketBuy spends krw on market at once
func (e *Executor) MarketBuy(ctx context.Context, market string, krw float64) (*Fill, error) {
	if !e.acquire(market) {
		return nil, fmt.Errorf("%w: %s", ErrMarketBusy, market)
	}
	defer e.release(market)

	return e.marketOrder(ctx, upbit.OrderRequest{
		Market:  market,
		Side:    upbit.SideBid,
		Price:   krw,
		OrdType: upbit.OrdTypePrice,
	})
}

// ==================== SELL ====================

// SellWithSettings exits volume through best ask, ask minus one tick and
// best bid, then a market order. Each limit tier waits s.LimitWaitSec.
func (e *Executor) SellWithSettings(ctx context.Context, market string, volume float64, s config.SellSettings) (*Fill, error) {
	if !e.acquire(market) {
		return nil, fmt.Errorf("%w: %s", ErrMarketBusy, market)
	}
	defer e.release(market)

	log := logging.MarketContext(e.logger, market)
	volume = roundVolume(volume)
	wait := time.Duration(s.LimitWaitSec) * time.Second

	var total *Fill
	for n := 1; n <= 3; n++ {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		ob := e.exchange.GetOrderbook(ctx, market)
		if ob == nil || len(ob.OrderbookUnits) == 0 {
			log.Error("orderbook unavailable, aborting sell", "tier", n)
			e.transition(market, upbit.SideAsk, n, StateFailed, 0, "")
			if total != nil {
				return total, nil
			}
			return nil, fmt.Errorf("%w: %s", ErrOrderbookUnavailable, market)
		}

		price := sellTierPrice(ob, n)
		fill, err := e.limitAndWait(ctx, market, upbit.SideAsk, n, price, volume, wait)
		if fill != nil {
			total = mergeFills(total, fill)
			// Partial fill: the rest goes to the next tier
			volume = roundVolume(volume - fill.Volume)
			if volume <= 0 {
				return total, nil
			}
			log.Info("partial sell fill", "tier", n, "filled", fill.Volume, "remaining", volume)
			continue
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		log.Info("sell tier not filled, escalating", "tier", n, "price", price, "reason", err)
	}

	if ctx.Err() != nil {
		return total, ctx.Err()
	}
	e.transition(market, upbit.SideAsk, 0, StateMarketFallback, 0, "")
	fill, err := e.marketOrder(ctx, upbit.OrderRequest{
		Market:  market,
		Side:    upbit.SideAsk,
		Volume:  volume,
		OrdType: upbit.OrdTypeMarket,
	})
	if err != nil {
		if total != nil {
			return total, nil
		}
		return nil, err
	}
	return mergeFills(total, fill), nil
}

// mergeFills combines sequential fills of one exit into a single result
func mergeFills(acc, f *Fill) *Fill {
	if acc == nil {
		return f
	}
	merged := *f
	merged.Volume = acc.Volume + f.Volume
	merged.Funds = acc.Funds + f.Funds
	if merged.Volume > 0 {
		merged.AvgPrice = merged.Funds / merged.Volume
	}
	return &merged
}

// MarketSell sells volume of market at once
func (e *Executor) MarketSell(ctx context.Context, market string, volume float64) (*Fill, error) {
	if !e.acquire(market) {
		return nil, fmt.Errorf("%w: %s", ErrMarketBusy, market)
	}
	defer e.release(market)

	volume = roundVolume(volume)
	if volume <= 0 {
		return nil, fmt.Errorf("%w: zero volume", ErrOrderRejected)
	}
	return e.marketOrder(ctx, upbit.OrderRequest{
		Market:  market,
		Side:    upbit.SideAsk,
		Volume:  volume,
		OrdType: upbit.OrdTypeMarket,
	})
}

// CancelOrder cancels a resting order, e.g. a pre-sell before a manual exit
func (e *Executor) CancelOrder(ctx context.Context, market, uuid string) bool {
	o := e.exchange.CancelOrder(ctx, uuid)
	if o == nil {
		return false
	}
	e.transition(market, o.Side, 0, StateCanceled, o.Price, uuid)
	e.complete(ctx, uuid)
	return true
}

// ==================== STATE MACHINE ====================

// limitAndWait submits one limit tier and waits for it. An unfilled order is
// canceled; whatever executed before the cancel is still returned as a fill.
// When ctx ends first the order is left on the book.
func (e *Executor) limitAndWait(ctx context.Context, market, side string, tierN int, price, volume float64, wait time.Duration) (*Fill, error) {
	if volume <= 0 {
		return nil, fmt.Errorf("%w: zero volume", ErrOrderRejected)
	}
	o := e.exchange.PlaceOrder(ctx, upbit.OrderRequest{
		Market:  market,
		Side:    side,
		Volume:  volume,
		Price:   price,
		OrdType: upbit.OrdTypeLimit,
	})
	if o == nil {
		e.transition(market, side, tierN, StateFailed, price, "")
		return nil, ErrOrderRejected
	}
	e.transition(market, side, tierN, StateSubmitted, price, o.UUID)
	e.track(ctx, o.UUID, market, side, price, volume)
	e.bus.PublishOrderPlaced(o.UUID, market, upbit.OrdTypeLimit, side, price, volume)

	final, state := e.waitForFill(ctx, o.UUID, wait)
	if state == StateFilled {
		return e.filled(ctx, final, tierN), nil
	}

	if ctx.Err() != nil {
		// Stopped: the order stays on the book and in the tracker
		logging.OrderContext(e.logger, market, side, o.UUID).Warn("wait interrupted, order left resting", "tier", tierN, "price", price)
		if final != nil && final.ExecutedVolume > 0 {
			return fillOf(final, tierN), ctx.Err()
		}
		return nil, ctx.Err()
	}

	if state == StateTimedOut {
		e.transition(market, side, tierN, StateTimedOut, price, o.UUID)
		// The cancel response also settles the race with a last-moment fill.
		// A nil answer from either call keeps the last known execution.
		final = moreExecuted(final, e.exchange.CancelOrder(ctx, o.UUID))
		final = moreExecuted(final, e.exchange.GetOrder(ctx, o.UUID))
		if final.IsDone() {
			return e.filled(ctx, final, tierN), nil
		}
	}
	e.transition(market, side, tierN, StateCanceled, price, o.UUID)
	e.complete(ctx, o.UUID)

	if final != nil && final.ExecutedVolume > 0 {
		return e.filled(ctx, final, tierN), nil
	}
	return nil, ErrOrderNotFilled
}

func (e *Executor) marketOrder(ctx context.Context, req upbit.OrderRequest) (*Fill, error) {
	o := e.exchange.PlaceOrder(ctx, req)
	if o == nil {
		e.transition(req.Market, req.Side, 0, StateFailed, req.Price, "")
		return nil, fmt.Errorf("%w: market %s %s", ErrOrderRejected, req.Side, req.Market)
	}
	e.transition(req.Market, req.Side, 0, StateSubmitted, req.Price, o.UUID)
	e.bus.PublishOrderPlaced(o.UUID, req.Market, req.OrdType, req.Side, req.Price, req.Volume)

	final, state := e.waitForFill(ctx, o.UUID, e.marketFallbackWait)
	if state == StateFilled {
		return e.filled(ctx, final, 0), nil
	}
	// Market buys by amount can end as "cancel" with the full amount executed
	if final != nil && final.ExecutedVolume > 0 {
		return e.filled(ctx, final, 0), nil
	}
	e.transition(req.Market, req.Side, 0, StateFailed, req.Price, o.UUID)
	return nil, fmt.Errorf("%w: market %s %s", ErrOrderNotFilled, req.Side, req.Market)
}

// waitForFill polls the order once per interval until it is done, canceled,
// the timeout passes or ctx ends. The order is always checked at least once.
func (e *Executor) waitForFill(ctx context.Context, uuid string, timeout time.Duration) (*upbit.Order, State) {
	deadline := time.Now().Add(timeout)
	var last *upbit.Order
	for {
		if o := e.exchange.GetOrder(ctx, uuid); o != nil {
			last = o
			switch {
			case o.IsDone():
				return o, StateFilled
			case o.IsCanceled():
				return o, StateCanceled
			}
		}
		if !time.Now().Before(deadline) {
			return last, StateTimedOut
		}
		if err := sleepCtx(ctx, e.pollInterval); err != nil {
			return last, StateTimedOut
		}
	}
}

func (e *Executor) filled(ctx context.Context, o *upbit.Order, tierN int) *Fill {
	fill := fillOf(o, tierN)
	e.transition(o.Market, o.Side, tierN, StateFilled, fill.AvgPrice, o.UUID)
	e.complete(ctx, o.UUID)
	e.bus.PublishOrderFilled(o.UUID, o.Market, o.Side, fill.AvgPrice, fill.Volume)
	return fill
}

func fillOf(o *upbit.Order, tierN int) *Fill {
	avg, vol := o.FilledAverage()
	return &Fill{
		Market:   o.Market,
		Side:     o.Side,
		UUID:     o.UUID,
		OrdType:  o.OrdType,
		Tier:     tierN,
		AvgPrice: avg,
		Volume:   vol,
		Funds:    avg * vol,
		Order:    o,
	}
}

// moreExecuted picks the snapshot of one order with the larger executed
// volume, the later one on a tie
func moreExecuted(prev, next *upbit.Order) *upbit.Order {
	if next == nil {
		return prev
	}
	if prev != nil && prev.ExecutedVolume > next.ExecutedVolume {
		return prev
	}
	return next
}

func (e *Executor) transition(market, side string, tierN int, state State, price float64, uuid string) {
	l := logging.OrderContext(e.logger, market, side, uuid)
	switch state {
	case StateFailed:
		l.Warn("order transition", "state", string(state), "tier", tierN, "price", price)
	default:
		l.Info("order transition", "state", string(state), "tier", tierN, "price", price)
	}
	e.bus.PublishOrderTransition(market, side, string(state), tierN, price)
}

func (e *Executor) track(ctx context.Context, uuid, market, side string, price, volume float64) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.TrackOrder(ctx, uuid, market, side, price, volume); err != nil {
		e.logger.Warn("failed to track order", "uuid", uuid, "error", err)
	}
}

func (e *Executor) complete(ctx context.Context, uuid string) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.CompleteOrder(context.WithoutCancel(ctx), uuid); err != nil {
		e.logger.Warn("failed to complete tracked order", "uuid", uuid, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
