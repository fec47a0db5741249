package monitoring

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/order"
	"upbit-trading-bot/internal/upbit"
)

// ErrAccountsUnavailable is returned when the balance query fails
var ErrAccountsUnavailable = errors.New("accounts unavailable")

// Exchange is the part of the gateway the synchronizer reads
type Exchange interface {
	GetAccounts(ctx context.Context) []upbit.Account
	GetCurrentPrice(ctx context.Context, market string) float64
	GetOrder(ctx context.Context, uuid string) *upbit.Order
	IsInvalidMarket(market string) bool
}

// PreSeller places protective sells
type PreSeller interface {
	PlacePreSell(ctx context.Context, market string, volume, avgPrice float64, s config.SellSettings) (*order.PreSell, error)
}

// Holding is one coin balance valued at the current price
type Holding struct {
	Market       string    `json:"market"`
	Currency     string    `json:"currency"`
	Balance      float64   `json:"balance"`
	Locked       float64   `json:"locked"`
	AvgPrice     float64   `json:"avg_price"`
	CurrentPrice float64   `json:"current_price"`
	TotalValue   float64   `json:"total_value"`
	ProfitLoss   float64   `json:"profit_loss"` // Percent
	LastUpdate   time.Time `json:"last_update"`
}

// Holdings is the result of one synchronization
type Holdings struct {
	KRW        float64            `json:"krw"`
	TotalAsset float64            `json:"total_asset"`
	Items      map[string]Holding `json:"holdings"`
}

// Markets returns the held markets sorted
func (h Holdings) Markets() []string {
	out := make([]string, 0, len(h.Items))
	for m := range h.Items {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Synchronizer reconciles exchange balances with the monitoring file and
// the open positions
type Synchronizer struct {
	exchange  Exchange
	preseller PreSeller
	store     *Store
	positions *PositionBook
	logger    *logging.Logger

	mu              sync.RWMutex
	sell            config.SellSettings
	minHoldingValue float64
}

// NewSynchronizer wires the synchronizer
func NewSynchronizer(exchange Exchange, preseller PreSeller, store *Store, positions *PositionBook,
	sell config.SellSettings, minHoldingValue float64, logger *logging.Logger) *Synchronizer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Synchronizer{
		exchange:        exchange,
		preseller:       preseller,
		store:           store,
		positions:       positions,
		logger:          logger.WithComponent("sync"),
		sell:            sell,
		minHoldingValue: minHoldingValue,
	}
}

// UpdateSettings swaps the sell settings and the material holding floor
func (s *Synchronizer) UpdateSettings(sell config.SellSettings, minHoldingValue float64) {
	s.mu.Lock()
	s.sell = sell
	s.minHoldingValue = minHoldingValue
	s.mu.Unlock()
}

func (s *Synchronizer) settings() (config.SellSettings, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sell, s.minHoldingValue
}

// Sync fetches balances, values every holding, keeps the monitoring file in
// step with material holdings and replaces pre-sells that left the book
func (s *Synchronizer) Sync(ctx context.Context) (Holdings, error) {
	sell, minValue := s.settings()

	accounts := s.exchange.GetAccounts(ctx)
	if accounts == nil {
		return Holdings{}, ErrAccountsUnavailable
	}

	now := time.Now()
	result := Holdings{Items: make(map[string]Holding)}
	material := make(map[string]bool)

	for _, acc := range accounts {
		if acc.Currency == "KRW" {
			result.KRW = acc.Balance
			result.TotalAsset += acc.Balance + acc.Locked
			continue
		}

		// A resting pre-sell locks the whole balance
		qty := acc.Balance + acc.Locked
		if qty <= 0 {
			continue
		}
		market := acc.Market()
		if s.exchange.IsInvalidMarket(market) {
			continue
		}

		price := s.exchange.GetCurrentPrice(ctx, market)
		if price <= 0 {
			// Keep the record; a missing quote is not proof the holding is gone
			if _, ok := s.store.Get(market); ok {
				material[market] = true
			}
			s.logger.Warn("no price for holding", "market", market)
			continue
		}

		value := qty * price
		if value < minValue {
			s.store.Delete(market)
			continue
		}

		material[market] = true
		result.TotalAsset += value

		h := Holding{
			Market:       market,
			Currency:     acc.Currency,
			Balance:      qty,
			Locked:       acc.Locked,
			AvgPrice:     acc.AvgBuyPrice,
			CurrentPrice: price,
			TotalValue:   value,
			LastUpdate:   now,
		}
		if acc.AvgBuyPrice > 0 {
			h.ProfitLoss = (price/acc.AvgBuyPrice - 1) * 100
		}
		result.Items[market] = h

		if _, ok := s.store.Get(market); !ok && acc.AvgBuyPrice > 0 {
			s.store.Put(Record{
				Market:              market,
				EntryPrice:          acc.AvgBuyPrice,
				ProtectiveSellPrice: order.PreSellTarget(acc.AvgBuyPrice, sell.TakeProfitPct, sell.MinimumTicks),
			})
		}

		s.ensurePreSell(ctx, market, acc.Balance, sell)
	}

	if dropped := s.store.Retain(material); len(dropped) > 0 {
		s.logger.Info("pruned monitoring records", "markets", dropped)
	}
	if err := s.store.Save(ctx); err != nil {
		s.logger.Error("failed to save monitoring file", "error", err)
		return result, err
	}
	return result, nil
}

// ensurePreSell replaces the protective sell of a tracked position once its
// order is no longer resting. available is the unlocked balance.
func (s *Synchronizer) ensurePreSell(ctx context.Context, market string, available float64, sell config.SellSettings) {
	pos, ok := s.positions.Get(market)
	if !ok || pos.SellUUID == "" || s.preseller == nil {
		return
	}

	o := s.exchange.GetOrder(ctx, pos.SellUUID)
	if o == nil || o.IsActive() {
		return
	}
	if available <= 0 {
		return
	}

	ps, err := s.preseller.PlacePreSell(ctx, market, available, pos.EntryPrice, sell)
	if err != nil {
		s.logger.Warn("pre-sell replacement failed", "market", market, "error", err)
		return
	}
	s.positions.SetPreSell(market, ps.UUID, ps.Price)
	if r, ok := s.store.Get(market); ok {
		r.ProtectiveSellPrice = ps.Price
		s.store.Put(r)
	}
	s.logger.Info("pre-sell replaced", "market", market, "old_uuid", pos.SellUUID, "uuid", ps.UUID, "price", ps.Price)
}

// RemoveMarket forgets a manually liquidated market
func (s *Synchronizer) RemoveMarket(ctx context.Context, market string) error {
	s.positions.Remove(market)
	s.store.Delete(market)
	return s.store.Save(ctx)
}

// Store exposes the monitoring file
func (s *Synchronizer) Store() *Store {
	return s.store
}
