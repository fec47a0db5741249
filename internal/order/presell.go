package order

import (
	"context"
	"fmt"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/upbit"
)

// PreSellTarget returns the take-profit price for a fill at avgPrice:
// avg*(1+tpPct/100) rounded up to the tick grid, and never closer to avg
// than minTicks ticks. The tick is the one of avgPrice.
func PreSellTarget(avgPrice, tpPct float64, minTicks int) float64 {
	if avgPrice <= 0 {
		return 0
	}
	tick := upbit.TickSize(avgPrice)
	target := upbit.RoundUpToTick(avgPrice*(1+tpPct/100), tick)

	floor := avgPrice + float64(minTicks)*tick
	if target-avgPrice < float64(minTicks)*tick-1e-9 {
		target = upbit.RoundUpToTick(floor, tick)
	}
	// Crossing into a coarser band needs that band's grid. Every band's tick
	// is a multiple of the one below, so the result stays on both grids.
	if t := upbit.TickSize(target); t > tick {
		target = upbit.RoundUpToTick(target, t)
	}
	return target
}

// PreSell is a protective take-profit order resting on the book
type PreSell struct {
	Market string  `json:"market"`
	UUID   string  `json:"uuid"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// PlacePreSell submits a limit sell for the full volume at the target
// derived from avgPrice
func (e *Executor) PlacePreSell(ctx context.Context, market string, volume, avgPrice float64, s config.SellSettings) (*PreSell, error) {
	volume = roundVolume(volume)
	if volume <= 0 {
		return nil, fmt.Errorf("%s: nothing to sell", market)
	}
	target := PreSellTarget(avgPrice, s.TakeProfitPct, s.MinimumTicks)
	if target <= 0 {
		return nil, fmt.Errorf("%s: invalid average price %v", market, avgPrice)
	}

	o := e.exchange.PlaceOrder(ctx, upbit.OrderRequest{
		Market:  market,
		Side:    upbit.SideAsk,
		Volume:  volume,
		Price:   target,
		OrdType: upbit.OrdTypeLimit,
	})
	if o == nil {
		e.transition(market, upbit.SideAsk, 0, StateFailed, target, "")
		return nil, fmt.Errorf("%w: pre-sell %s at %v", ErrOrderRejected, market, target)
	}

	e.transition(market, upbit.SideAsk, 0, StateSubmitted, target, o.UUID)
	e.track(ctx, o.UUID, market, upbit.SideAsk, target, volume)
	e.bus.PublishOrderPlaced(o.UUID, market, upbit.OrdTypeLimit, upbit.SideAsk, target, volume)

	return &PreSell{Market: market, UUID: o.UUID, Price: target, Volume: volume}, nil
}
