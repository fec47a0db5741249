package upbit

import (
	"fmt"
	"strings"
)

// MarketInfo is an entry of /v1/market/all
type MarketInfo struct {
	Market        string `json:"market"`
	KoreanName    string `json:"korean_name"`
	EnglishName   string `json:"english_name"`
	MarketWarning string `json:"market_warning"`
	MarketState   string `json:"market_state,omitempty"`
}

// Ticker represents the current snapshot of a market
type Ticker struct {
	Market            string  `json:"market"`
	TradePrice        float64 `json:"trade_price"`
	OpeningPrice      float64 `json:"opening_price"`
	HighPrice         float64 `json:"high_price"`
	LowPrice          float64 `json:"low_price"`
	PrevClosingPrice  float64 `json:"prev_closing_price"`
	Change            string  `json:"change"`
	SignedChangeRate  float64 `json:"signed_change_rate"`
	AccTradePrice24h  float64 `json:"acc_trade_price_24h"`
	AccTradeVolume24h float64 `json:"acc_trade_volume_24h"`
	MarketState       string  `json:"market_state"`
	MarketWarning     string  `json:"market_warning"`
	Timestamp         int64   `json:"timestamp"`
}

// Candle represents one candlestick. Slices returned by the client are
// ordered oldest to newest.
type Candle struct {
	Market               string  `json:"market"`
	CandleDateTimeKST    string  `json:"candle_date_time_kst"`
	OpeningPrice         float64 `json:"opening_price"`
	HighPrice            float64 `json:"high_price"`
	LowPrice             float64 `json:"low_price"`
	TradePrice           float64 `json:"trade_price"`
	CandleAccTradePrice  float64 `json:"candle_acc_trade_price"`
	CandleAccTradeVolume float64 `json:"candle_acc_trade_volume"`
	Timestamp            int64   `json:"timestamp"`
}

// Trade is a single execution from /v1/trades/ticks
type Trade struct {
	Market       string  `json:"market"`
	TradePrice   float64 `json:"trade_price"`
	TradeVolume  float64 `json:"trade_volume"`
	AskBid       string  `json:"ask_bid"` // ASK or BID
	SequentialID int64   `json:"sequential_id"`
	Timestamp    int64   `json:"timestamp"`
}

type OrderbookUnit struct {
	AskPrice float64 `json:"ask_price"`
	BidPrice float64 `json:"bid_price"`
	AskSize  float64 `json:"ask_size"`
	BidSize  float64 `json:"bid_size"`
}

type Orderbook struct {
	Market         string          `json:"market"`
	Timestamp      int64           `json:"timestamp"`
	TotalAskSize   float64         `json:"total_ask_size"`
	TotalBidSize   float64         `json:"total_bid_size"`
	OrderbookUnits []OrderbookUnit `json:"orderbook_units"`
}

// BestBid returns the highest bid, 0 when the book is empty
func (o *Orderbook) BestBid() float64 {
	if o == nil || len(o.OrderbookUnits) == 0 {
		return 0
	}
	return o.OrderbookUnits[0].BidPrice
}

// BestAsk returns the lowest ask, 0 when the book is empty
func (o *Orderbook) BestAsk() float64 {
	if o == nil || len(o.OrderbookUnits) == 0 {
		return 0
	}
	return o.OrderbookUnits[0].AskPrice
}

// Account is one currency balance from /v1/accounts
type Account struct {
	Currency            string  `json:"currency"`
	Balance             float64 `json:"balance,string"`
	Locked              float64 `json:"locked,string"`
	AvgBuyPrice         float64 `json:"avg_buy_price,string"`
	AvgBuyPriceModified bool    `json:"avg_buy_price_modified"`
	UnitCurrency        string  `json:"unit_currency"`
}

// Market returns the KRW market code of the account currency
func (a Account) Market() string {
	return "KRW-" + a.Currency
}

// Order side and type values used by the exchange
const (
	SideBid = "bid"
	SideAsk = "ask"

	OrdTypeLimit  = "limit"
	OrdTypePrice  = "price"  // market buy by KRW amount
	OrdTypeMarket = "market" // market sell by volume
)

// Order states reported by the exchange
const (
	StateWait     = "wait"
	StateWatch    = "watch"
	StateDone     = "done"
	StateCancel   = "cancel"
	StateCanceled = "canceled"
)

// OrderRequest is the body of POST /v1/orders.
// Zero Volume or Price is omitted, matching what market orders expect.
type OrderRequest struct {
	Market  string
	Side    string
	Volume  float64
	Price   float64
	OrdType string
}

// Params renders the request the way the exchange expects it
func (r OrderRequest) Params() map[string]string {
	p := map[string]string{
		"market":   r.Market,
		"side":     r.Side,
		"ord_type": r.OrdType,
	}
	if r.Volume > 0 {
		p["volume"] = FormatNumber(r.Volume)
	}
	if r.Price > 0 {
		p["price"] = FormatNumber(r.Price)
	}
	return p
}

// OrderTrade is a partial execution attached to an order
type OrderTrade struct {
	Market string  `json:"market"`
	UUID   string  `json:"uuid"`
	Price  float64 `json:"price,string"`
	Volume float64 `json:"volume,string"`
	Funds  float64 `json:"funds,string"`
	Side   string  `json:"side"`
}

// Order represents an exchange order and its fills
type Order struct {
	UUID            string       `json:"uuid"`
	Side            string       `json:"side"`
	OrdType         string       `json:"ord_type"`
	Price           float64      `json:"price,string"`
	AvgPrice        float64      `json:"avg_price,string"`
	State           string       `json:"state"`
	Market          string       `json:"market"`
	CreatedAt       string       `json:"created_at"`
	Volume          float64      `json:"volume,string"`
	RemainingVolume float64      `json:"remaining_volume,string"`
	ExecutedVolume  float64      `json:"executed_volume,string"`
	PaidFee         float64      `json:"paid_fee,string"`
	TradesCount     int          `json:"trades_count"`
	Trades          []OrderTrade `json:"trades"`
}

// IsDone reports a fully filled order
func (o *Order) IsDone() bool {
	return o != nil && o.State == StateDone
}

// IsCanceled reports an order removed without a complete fill
func (o *Order) IsCanceled() bool {
	return o != nil && (o.State == StateCancel || o.State == StateCanceled)
}

// IsActive reports an order still resting on the book
func (o *Order) IsActive() bool {
	return o != nil && (o.State == StateWait || o.State == StateWatch)
}

// FilledAverage returns the notional-weighted fill price and filled volume.
// Trades are preferred; avg_price or price is used when no trade detail exists.
func (o *Order) FilledAverage() (avgPrice, volume float64) {
	if o == nil {
		return 0, 0
	}
	var notional float64
	for _, t := range o.Trades {
		funds := t.Funds
		if funds == 0 {
			funds = t.Price * t.Volume
		}
		notional += funds
		volume += t.Volume
	}
	if volume > 0 {
		return notional / volume, volume
	}

	volume = o.ExecutedVolume
	if o.AvgPrice > 0 {
		return o.AvgPrice, volume
	}
	return o.Price, volume
}

// APIError is the typed form of {"error":{"name","message"}}
type APIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upbit API error %d: %s (%s)", e.StatusCode, e.Message, e.Name)
}

// IsMarketNotFound reports the "Code not found" class of 404
func (e *APIError) IsMarketNotFound() bool {
	if e == nil || e.StatusCode != 404 {
		return false
	}
	return strings.Contains(strings.ToLower(e.Message), "code not found") ||
		strings.Contains(strings.ToLower(e.Name), "code not found")
}
