package order

import (
	"context"
	"fmt"
	"sync"

	"upbit-trading-bot/internal/upbit"
)

// fakeExchange scripts order outcomes per request
type fakeExchange struct {
	mu        sync.Mutex
	book      *upbit.Orderbook
	bookCalls int
	placed    []upbit.OrderRequest
	canceled  []string
	orders    map[string]*upbit.Order
	rejectAll bool
	outcome   func(n int, req upbit.OrderRequest) (state string, executed float64)

	// Order lookups fail once an order is canceled
	lostAfterCancel bool
}

func newFakeExchange(bid, ask float64) *fakeExchange {
	return &fakeExchange{
		book: &upbit.Orderbook{
			Market:         "KRW-UNI",
			OrderbookUnits: []upbit.OrderbookUnit{{AskPrice: ask, BidPrice: bid, AskSize: 100, BidSize: 100}},
		},
		orders: make(map[string]*upbit.Order),
		outcome: func(int, upbit.OrderRequest) (string, float64) {
			return upbit.StateWait, 0
		},
	}
}

func (f *fakeExchange) GetOrderbook(ctx context.Context, market string) *upbit.Orderbook {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookCalls++
	return f.book
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req upbit.OrderRequest) *upbit.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectAll {
		return nil
	}
	f.placed = append(f.placed, req)
	n := len(f.placed)
	state, executed := f.outcome(n, req)

	o := &upbit.Order{
		UUID:    fmt.Sprintf("o-%d", n),
		Market:  req.Market,
		Side:    req.Side,
		OrdType: req.OrdType,
		Price:   req.Price,
		Volume:  req.Volume,
		State:   state,
	}
	switch req.OrdType {
	case upbit.OrdTypePrice:
		ask := f.book.BestAsk()
		o.AvgPrice = ask
		o.ExecutedVolume = req.Price / ask
	case upbit.OrdTypeMarket:
		o.AvgPrice = f.book.BestBid()
		o.ExecutedVolume = req.Volume
	default:
		o.ExecutedVolume = executed
		if state == upbit.StateDone {
			o.ExecutedVolume = req.Volume
		}
	}
	o.RemainingVolume = o.Volume - o.ExecutedVolume
	f.orders[o.UUID] = o

	cp := *o
	return &cp
}

func (f *fakeExchange) GetOrder(ctx context.Context, uuid string) *upbit.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[uuid]
	if !ok || (f.lostAfterCancel && o.IsCanceled()) {
		return nil
	}
	cp := *o
	return &cp
}

func (f *fakeExchange) CancelOrder(ctx context.Context, uuid string) *upbit.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[uuid]
	if !ok || !o.IsActive() {
		return nil
	}
	f.canceled = append(f.canceled, uuid)
	o.State = upbit.StateCancel
	cp := *o
	return &cp
}

func (f *fakeExchange) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeExchange) canceledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.canceled)
}

// memTracker records tracked order uuids
type memTracker struct {
	mu      sync.Mutex
	open    map[string]string
	tracked int
}

func newMemTracker() *memTracker {
	return &memTracker{open: make(map[string]string)}
}

func (m *memTracker) TrackOrder(ctx context.Context, uuid, market, side string, price, volume float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[uuid] = market
	m.tracked++
	return nil
}

func (m *memTracker) CompleteOrder(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, uuid)
	return nil
}
