package autopilot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"upbit-trading-bot/internal/logging"

	"github.com/redis/go-redis/v9"
)

// Redis key and timings of the single-trader lock
const (
	KeyTraderActive = "upbit-bot:active"

	LockTTL               = 30 * time.Second
	LockHeartbeatInterval = 10 * time.Second
)

// Locker guards the account against two engines trading it at once
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// InstanceLock is a Redis lease refreshed by a heartbeat while held
type InstanceLock struct {
	redis      *redis.Client
	instanceID string
	held       atomic.Bool
	logger     *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Locker = (*InstanceLock)(nil)

// NewInstanceLock creates a lock for instanceID. An empty id falls back to
// INSTANCE_ID, then host-pid.
func NewInstanceLock(client *redis.Client, instanceID string, logger *logging.Logger) *InstanceLock {
	if instanceID == "" {
		instanceID = os.Getenv("INSTANCE_ID")
	}
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &InstanceLock{
		redis:      client,
		instanceID: instanceID,
		logger:     logger.WithComponent("instance_lock"),
	}
}

// InstanceID returns the id written into the lease
func (l *InstanceLock) InstanceID() string {
	return l.instanceID
}

// IsHeld reports whether this instance still owns the lease
func (l *InstanceLock) IsHeld() bool {
	return l.held.Load()
}

// Holder returns the id of the current lease owner, empty when free
func (l *InstanceLock) Holder(ctx context.Context) (string, error) {
	id, err := l.redis.Get(ctx, KeyTraderActive).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

// Acquire claims the lease. Re-acquiring a lease this instance already owns
// succeeds.
func (l *InstanceLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.redis.SetNX(ctx, KeyTraderActive, l.instanceID, LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim trader lock: %w", err)
	}
	if !ok {
		holder, err := l.Holder(ctx)
		if err != nil {
			return false, fmt.Errorf("read trader lock: %w", err)
		}
		if holder != l.instanceID {
			l.logger.Warn("trader lock held by another instance", "holder", holder)
			return false, nil
		}
		if err := l.redis.Expire(ctx, KeyTraderActive, LockTTL).Err(); err != nil {
			return false, fmt.Errorf("refresh trader lock: %w", err)
		}
	}

	l.held.Store(true)
	l.startHeartbeat()
	l.logger.Info("trader lock acquired", "instance", l.instanceID)
	return true, nil
}

// Release stops the heartbeat and deletes the lease if this instance owns it
func (l *InstanceLock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.mu.Unlock()
	l.wg.Wait()

	if !l.held.Swap(false) {
		return nil
	}

	holder, err := l.Holder(ctx)
	if err != nil {
		return fmt.Errorf("read trader lock: %w", err)
	}
	if holder != l.instanceID {
		return nil
	}
	if err := l.redis.Del(ctx, KeyTraderActive).Err(); err != nil {
		return fmt.Errorf("delete trader lock: %w", err)
	}
	l.logger.Info("trader lock released", "instance", l.instanceID)
	return nil
}

func (l *InstanceLock) startHeartbeat() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(LockHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.heartbeat(ctx)
			}
		}
	}()
}

func (l *InstanceLock) heartbeat(ctx context.Context) {
	holder, err := l.Holder(ctx)
	if err != nil {
		l.logger.Warn("trader lock heartbeat failed", "error", err)
		return
	}
	if holder != l.instanceID {
		if l.held.Swap(false) {
			l.logger.Error("trader lock lost", "holder", holder)
		}
		return
	}
	if err := l.redis.Expire(ctx, KeyTraderActive, LockTTL).Err(); err != nil {
		l.logger.Warn("trader lock refresh failed", "error", err)
	}
}
