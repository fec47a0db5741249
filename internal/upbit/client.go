package upbit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/logging"
)

var (
	ErrInvalidMarket = errors.New("market is known to be invalid")
	ErrRateLimited   = errors.New("rate limited")
)

const (
	// maxRateLimitRetries bounds how often a 429 is retried
	maxRateLimitRetries = 1
	// degradedThreshold is the failure streak that marks the gateway unhealthy
	degradedThreshold = 5
	// tickerBatchSize is the number of markets per /v1/ticker request
	tickerBatchSize = 100
)

var publicPrefixes = []string{
	"/v1/market",
	"/v1/ticker",
	"/v1/candles",
	"/v1/orderbook",
	"/v1/trades",
}

// Client is the rate-limited gateway to the Upbit REST API.
// Typed accessors never return an error: nil or zero means no data.
type Client struct {
	baseURL          string
	httpClient       *http.Client
	signer           *Signer
	spacer           *CallSpacer
	health           *HealthTracker
	rateLimitBackoff time.Duration
	logger           *logging.Logger

	mu             sync.RWMutex
	invalidMarkets map[string]struct{}
}

// NewClient creates a gateway from the upbit config section
func NewClient(cfg config.UpbitConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.upbit.com"
	}

	return &Client{
		baseURL:          baseURL,
		httpClient:       &http.Client{Timeout: timeout},
		signer:           NewSigner(cfg.AccessKey, cfg.SecretKey),
		spacer:           NewCallSpacer(time.Duration(cfg.CallSpacingMs) * time.Millisecond),
		health:           NewHealthTracker(degradedThreshold),
		rateLimitBackoff: time.Duration(cfg.RateLimitBackoffMs) * time.Millisecond,
		logger:           logger.WithComponent("gateway"),
		invalidMarkets:   make(map[string]struct{}),
	}
}

// ==================== REQUEST PIPELINE ====================

// Send performs one signed or public request and returns the raw body.
// A 429 is retried after the backoff; a "code not found" 404 marks the
// requested market invalid so later calls skip the network entirely.
func (c *Client) Send(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	markets := requestedMarkets(params)
	for _, m := range markets {
		if c.IsInvalidMarket(m) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidMarket, m)
		}
	}

	if err := c.spacer.Wait(ctx, endpoint); err != nil {
		return nil, err
	}

	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}

	for attempt := 0; ; attempt++ {
		req, err := c.buildRequest(ctx, method, endpoint, params, query)
		if err != nil {
			c.logger.Error("failed to build request", "endpoint", endpoint, "error", err)
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.health.RecordFailure()
			c.logger.Error("request failed", "method", method, "endpoint", endpoint, "error", err)
			return nil, fmt.Errorf("error sending request: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			c.health.RecordFailure()
			return nil, fmt.Errorf("error reading response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if attempt < maxRateLimitRetries {
				c.logger.Warn("rate limited, backing off", "endpoint", endpoint, "backoff", c.rateLimitBackoff)
				if err := sleepCtx(ctx, c.rateLimitBackoff); err != nil {
					return nil, err
				}
				continue
			}
			c.health.RecordFailure()
			c.logger.Error("rate limit retries exhausted", "endpoint", endpoint)
			return nil, ErrRateLimited
		}

		if resp.StatusCode >= 400 {
			apiErr := parseAPIError(resp.StatusCode, body)
			if resp.StatusCode >= 500 {
				c.health.RecordFailure()
			} else {
				c.health.RecordSuccess()
			}
			if apiErr.IsMarketNotFound() && len(markets) == 1 {
				c.markInvalid(markets[0])
				c.logger.Warn("market marked invalid", "market", markets[0], "endpoint", endpoint)
				return nil, fmt.Errorf("%w: %s", ErrInvalidMarket, markets[0])
			}
			c.logger.Error("API HTTP error", "status", resp.StatusCode, "endpoint", endpoint,
				"params", query, "message", apiErr.Message)
			return nil, apiErr
		}

		c.health.RecordSuccess()
		return body, nil
	}
}

func (c *Client) buildRequest(ctx context.Context, method, endpoint string, params url.Values, query string) (*http.Request, error) {
	target := c.baseURL + endpoint
	var body io.Reader

	if method == http.MethodPost {
		payload := make(map[string]string, len(params))
		for k := range params {
			payload[k] = params.Get(k)
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	} else if query != "" {
		target += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	if !isPublic(endpoint) {
		header, err := c.signer.AuthorizationHeader(query)
		if err != nil {
			return nil, fmt.Errorf("auth token: %w", err)
		}
		req.Header.Set("Authorization", header)
	}
	return req, nil
}

func isPublic(endpoint string) bool {
	for _, p := range publicPrefixes {
		if strings.HasPrefix(endpoint, p) {
			return true
		}
	}
	return false
}

func requestedMarkets(params url.Values) []string {
	var out []string
	for _, key := range []string{"market", "markets"} {
		for _, v := range params[key] {
			for _, m := range strings.Split(v, ",") {
				if m = strings.TrimSpace(m); m != "" {
					out = append(out, m)
				}
			}
		}
	}
	return out
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var payload struct {
		Error struct {
			Name    interface{} `json:"name"`
			Message string      `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error.Name != nil {
			apiErr.Name = fmt.Sprint(payload.Error.Name)
		}
		apiErr.Message = payload.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = string(body)
	}
	return apiErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ==================== INVALID MARKETS ====================

func (c *Client) markInvalid(market string) {
	c.mu.Lock()
	c.invalidMarkets[market] = struct{}{}
	c.mu.Unlock()
}

// IsInvalidMarket reports whether the exchange rejected market before
func (c *Client) IsInvalidMarket(market string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.invalidMarkets[market]
	return ok
}

// InvalidMarkets returns a sorted copy of the invalid set
func (c *Client) InvalidMarkets() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.invalidMarkets))
	for m := range c.invalidMarkets {
		out = append(out, m)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Degraded reports whether recent calls have all been failing
func (c *Client) Degraded() bool {
	return c.health.Degraded()
}

// HealthStats exposes the failure counters
func (c *Client) HealthStats() map[string]interface{} {
	return c.health.Stats()
}

// ==================== PUBLIC MARKET DATA ====================

func (c *Client) getJSON(ctx context.Context, method, endpoint string, params url.Values, out interface{}) bool {
	body, err := c.Send(ctx, method, endpoint, params)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("error parsing response", "endpoint", endpoint, "error", err)
		return false
	}
	return true
}

// GetMarkets lists all markets
func (c *Client) GetMarkets(ctx context.Context, details bool) []MarketInfo {
	params := url.Values{}
	params.Set("isDetails", strconv.FormatBool(details))
	var markets []MarketInfo
	if !c.getJSON(ctx, http.MethodGet, "/v1/market/all", params, &markets) {
		return nil
	}
	return markets
}

// GetTickers fetches tickers in batches, skipping markets known to be invalid
func (c *Client) GetTickers(ctx context.Context, markets []string) []Ticker {
	valid := make([]string, 0, len(markets))
	for _, m := range markets {
		if !c.IsInvalidMarket(m) {
			valid = append(valid, m)
		}
	}

	var out []Ticker
	for start := 0; start < len(valid); start += tickerBatchSize {
		end := start + tickerBatchSize
		if end > len(valid) {
			end = len(valid)
		}
		params := url.Values{}
		params.Set("markets", strings.Join(valid[start:end], ","))

		var batch []Ticker
		if c.getJSON(ctx, http.MethodGet, "/v1/ticker", params, &batch) {
			out = append(out, batch...)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return out
}

// GetMarketInfo returns the ticker of a single market
func (c *Client) GetMarketInfo(ctx context.Context, market string) *Ticker {
	params := url.Values{}
	params.Set("markets", market)
	var tickers []Ticker
	if !c.getJSON(ctx, http.MethodGet, "/v1/ticker", params, &tickers) || len(tickers) == 0 {
		return nil
	}
	return &tickers[0]
}

// GetCurrentPrice returns the last trade price, 0 when unavailable
func (c *Client) GetCurrentPrice(ctx context.Context, market string) float64 {
	t := c.GetMarketInfo(ctx, market)
	if t == nil {
		return 0
	}
	return t.TradePrice
}

// candleEndpoint maps an interval name (minute1..minute240, day, week, month)
// to its REST path
func candleEndpoint(interval string) (string, error) {
	switch interval {
	case "day", "days":
		return "/v1/candles/days", nil
	case "week", "weeks":
		return "/v1/candles/weeks", nil
	case "month", "months":
		return "/v1/candles/months", nil
	}
	unit := strings.TrimPrefix(strings.TrimPrefix(interval, "minutes"), "minute")
	switch unit {
	case "1", "3", "5", "10", "15", "30", "60", "240":
		return "/v1/candles/minutes/" + unit, nil
	}
	return "", fmt.Errorf("unsupported candle interval: %s", interval)
}

// GetCandles returns up to count candles ordered oldest to newest
func (c *Client) GetCandles(ctx context.Context, market, interval string, count int) []Candle {
	endpoint, err := candleEndpoint(interval)
	if err != nil {
		c.logger.Error("invalid candle request", "market", market, "error", err)
		return nil
	}
	if count <= 0 || count > 200 {
		count = 200
	}
	params := url.Values{}
	params.Set("market", market)
	params.Set("count", strconv.Itoa(count))

	var candles []Candle
	if !c.getJSON(ctx, http.MethodGet, endpoint, params, &candles) {
		return nil
	}
	// Exchange returns newest first
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles
}

// GetRecentTrades returns the latest executions, newest first
func (c *Client) GetRecentTrades(ctx context.Context, market string, count int) []Trade {
	params := url.Values{}
	params.Set("market", market)
	params.Set("count", strconv.Itoa(count))
	var trades []Trade
	if !c.getJSON(ctx, http.MethodGet, "/v1/trades/ticks", params, &trades) {
		return nil
	}
	return trades
}

// GetOrderbook returns the order book of market
func (c *Client) GetOrderbook(ctx context.Context, market string) *Orderbook {
	params := url.Values{}
	params.Set("markets", market)
	var books []Orderbook
	if !c.getJSON(ctx, http.MethodGet, "/v1/orderbook", params, &books) || len(books) == 0 {
		return nil
	}
	return &books[0]
}

// ==================== PRIVATE ENDPOINTS ====================

// GetAccounts returns all balances
func (c *Client) GetAccounts(ctx context.Context) []Account {
	var accounts []Account
	if !c.getJSON(ctx, http.MethodGet, "/v1/accounts", nil, &accounts) {
		return nil
	}
	return accounts
}

// PlaceOrder submits a new order
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) *Order {
	params := url.Values{}
	for k, v := range req.Params() {
		params.Set(k, v)
	}
	var order Order
	if !c.getJSON(ctx, http.MethodPost, "/v1/orders", params, &order) {
		return nil
	}
	c.logger.Info("order placed", "market", req.Market, "side", req.Side,
		"ord_type", req.OrdType, "price", req.Price, "volume", req.Volume, "uuid", order.UUID)
	return &order
}

// GetOrder returns an order with its trades
func (c *Client) GetOrder(ctx context.Context, uuid string) *Order {
	params := url.Values{}
	params.Set("uuid", uuid)
	var order Order
	if !c.getJSON(ctx, http.MethodGet, "/v1/order", params, &order) {
		return nil
	}
	return &order
}

// CancelOrder cancels a resting order
func (c *Client) CancelOrder(ctx context.Context, uuid string) *Order {
	params := url.Values{}
	params.Set("uuid", uuid)
	var order Order
	if !c.getJSON(ctx, http.MethodDelete, "/v1/order", params, &order) {
		return nil
	}
	return &order
}
