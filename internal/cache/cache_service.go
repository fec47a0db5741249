package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/logging"

	"github.com/redis/go-redis/v9"
)

// ErrCacheUnavailable is returned while the Redis circuit is open
var ErrCacheUnavailable = errors.New("cache unavailable - Redis is not healthy")

// Redis keys
const (
	KeyMonitoring      = "upbit:monitoring"       // hash market -> record JSON
	KeyMarketCondition = "upbit:market_condition" // last market condition
	KeyBotStatus       = "upbit:status"
)

// CacheService is a Redis client with graceful degradation.
// After maxFailures consecutive errors every call fails fast with
// ErrCacheUnavailable until a background ping succeeds.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       *logging.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewCacheService connects to Redis. A failed initial ping still returns
// the service, in degraded mode.
func NewCacheService(cfg config.RedisConfig, logger *logging.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}
	if logger == nil {
		logger = logging.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := newCacheService(client, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn("initial Redis connection failed, running degraded", "address", cfg.Address, "error", err)
		cs.mu.Lock()
		cs.failureCount = cs.maxFailures
		cs.lastCheck = time.Now()
		cs.mu.Unlock()
		return cs, nil
	}

	cs.recordSuccess()
	cs.logger.Info("Redis connected", "address", cfg.Address)
	return cs, nil
}

// NewCacheServiceWithClient wraps an existing client, assumed healthy
func NewCacheServiceWithClient(client *redis.Client, logger *logging.Logger) *CacheService {
	if logger == nil {
		logger = logging.Default()
	}
	opts := client.Options()
	cs := newCacheService(client, config.RedisConfig{Enabled: true, Address: opts.Addr, PoolSize: opts.PoolSize}, logger)
	cs.healthy = true
	cs.lastCheck = time.Now()
	return cs
}

func newCacheService(client *redis.Client, cfg config.RedisConfig, logger *logging.Logger) *CacheService {
	return &CacheService{
		client:        client,
		config:        cfg,
		logger:        logger.WithComponent("redis"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}
}

// IsHealthy returns whether Redis is currently available
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Warn("circuit open, Redis marked unhealthy", "failures", cs.failureCount)
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy && cs.failureCount > 0 {
		cs.logger.Info("circuit closed, Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth pings in the background while unhealthy, once per checkInterval
func (cs *CacheService) checkHealth() {
	cs.mu.Lock()
	shouldCheck := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	if shouldCheck {
		cs.lastCheck = time.Now()
	}
	cs.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

func (cs *CacheService) ready() error {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return ErrCacheUnavailable
	}
	return nil
}

// Get retrieves a value. A miss returns redis.Nil.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	if err := cs.ready(); err != nil {
		return "", err
	}

	result, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", err
		}
		cs.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// Set stores a value with TTL. Non-string values are JSON encoded.
func (cs *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := cs.ready(); err != nil {
		return err
	}

	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	if err := cs.client.Set(ctx, key, data, ttl).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// Delete removes keys
func (cs *CacheService) Delete(ctx context.Context, keys ...string) error {
	if err := cs.ready(); err != nil {
		return err
	}

	if err := cs.client.Del(ctx, keys...).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// GetJSON retrieves and unmarshals a JSON value
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// ReplaceHash swaps the whole content of a hash in one transaction
func (cs *CacheService) ReplaceHash(ctx context.Context, key string, fields map[string]string) error {
	if err := cs.ready(); err != nil {
		return err
	}

	_, err := cs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			values := make(map[string]interface{}, len(fields))
			for k, v := range fields {
				values[k] = v
			}
			pipe.HSet(ctx, key, values)
		}
		return nil
	})
	if err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis hash replace failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// GetHash returns every field of a hash
func (cs *CacheService) GetHash(ctx context.Context, key string) (map[string]string, error) {
	if err := cs.ready(); err != nil {
		return nil, err
	}

	result, err := cs.client.HGetAll(ctx, key).Result()
	if err != nil {
		cs.recordFailure()
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// Ping checks Redis connectivity
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// Client returns the underlying Redis client
func (cs *CacheService) Client() *redis.Client {
	return cs.client
}

// Close closes the Redis connection
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Stats for the status endpoint
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
	}
}
