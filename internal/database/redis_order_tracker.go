package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/logging"

	"github.com/redis/go-redis/v9"
)

// Redis keys for order tracking
const (
	// PendingOrderKeyPrefix is the prefix for pending order tracking
	// Format: upbit:pending_order:{uuid}
	PendingOrderKeyPrefix = "upbit:pending_order"

	// PendingOrderListKey is the set of all pending order keys
	PendingOrderListKey = "upbit:pending_orders:list"

	// DefaultPendingTTL bounds how long a record survives without completion
	DefaultPendingTTL = 24 * time.Hour
)

// PendingOrderInfo stores information about an order left on the book
type PendingOrderInfo struct {
	UUID     string    `json:"uuid"`
	Market   string    `json:"market"`
	Side     string    `json:"side"`
	Price    float64   `json:"price"`
	Volume   float64   `json:"volume"`
	PlacedAt time.Time `json:"placed_at"`
}

// RedisOrderTracker records in-flight executor orders so a restart can
// report what was left resting. It never cancels anything.
type RedisOrderTracker struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedisOrderTracker creates a tracker; ttl <= 0 uses DefaultPendingTTL
func NewRedisOrderTracker(client *redis.Client, ttl time.Duration, logger *logging.Logger) *RedisOrderTracker {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisOrderTracker{
		client: client,
		ttl:    ttl,
		logger: logger.WithComponent("order-tracker"),
	}
}

func pendingKey(uuid string) string {
	return fmt.Sprintf("%s:%s", PendingOrderKeyPrefix, uuid)
}

// Track stores an order
func (t *RedisOrderTracker) Track(ctx context.Context, info PendingOrderInfo) error {
	if t.client == nil {
		return fmt.Errorf("redis client not available")
	}
	if info.PlacedAt.IsZero() {
		info.PlacedAt = time.Now()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal order info: %w", err)
	}

	key := pendingKey(info.UUID)
	if err := t.client.Set(ctx, key, data, t.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store order in Redis: %w", err)
	}
	if err := t.client.SAdd(ctx, PendingOrderListKey, key).Err(); err != nil {
		t.logger.Warn("failed to add order to list", "uuid", info.UUID, "error", err)
	}

	t.logger.Debug("tracking order", "uuid", info.UUID, "market", info.Market, "side", info.Side)
	return nil
}

// TrackOrder satisfies the executor's tracker interface
func (t *RedisOrderTracker) TrackOrder(ctx context.Context, uuid, market, side string, price, volume float64) error {
	return t.Track(ctx, PendingOrderInfo{
		UUID:   uuid,
		Market: market,
		Side:   side,
		Price:  price,
		Volume: volume,
	})
}

// Complete removes an order from tracking once it is filled or canceled
func (t *RedisOrderTracker) Complete(ctx context.Context, uuid string) error {
	if t.client == nil {
		return nil
	}

	key := pendingKey(uuid)
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to remove order %s: %w", uuid, err)
	}
	if err := t.client.SRem(ctx, PendingOrderListKey, key).Err(); err != nil {
		t.logger.Warn("failed to remove order from list", "uuid", uuid, "error", err)
	}
	return nil
}

// CompleteOrder satisfies the executor's tracker interface
func (t *RedisOrderTracker) CompleteOrder(ctx context.Context, uuid string) error {
	return t.Complete(ctx, uuid)
}

// Pending returns every tracked order, oldest first
func (t *RedisOrderTracker) Pending(ctx context.Context) ([]PendingOrderInfo, error) {
	if t.client == nil {
		return nil, fmt.Errorf("redis client not available")
	}

	keys, err := t.client.SMembers(ctx, PendingOrderListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending order keys: %w", err)
	}

	var orders []PendingOrderInfo
	for _, key := range keys {
		data, err := t.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// Expired, drop from the list
			t.client.SRem(ctx, PendingOrderListKey, key)
			continue
		} else if err != nil {
			t.logger.Warn("failed to get order data", "key", key, "error", err)
			continue
		}

		var info PendingOrderInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			t.logger.Warn("failed to unmarshal order data", "key", key, "error", err)
			continue
		}
		orders = append(orders, info)
	}

	sort.Slice(orders, func(i, j int) bool { return orders[i].PlacedAt.Before(orders[j].PlacedAt) })
	return orders, nil
}

// NewRedisClient builds a client from config and pings it
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
