package upbit

import (
	"context"
	"sync"
	"time"
)

// ==================== CALL SPACING ====================

// CallSpacer enforces a minimum gap between calls of the same logical
// operation. Different operations do not wait on each other.
type CallSpacer struct {
	mu       sync.Mutex
	spacing  time.Duration
	lastCall map[string]time.Time
	now      func() time.Time
}

// NewCallSpacer creates a spacer with the given minimum gap
func NewCallSpacer(spacing time.Duration) *CallSpacer {
	return &CallSpacer{
		spacing:  spacing,
		lastCall: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Wait sleeps out the remaining interval for op and reserves the slot.
// It returns ctx.Err() if the context ends first.
func (s *CallSpacer) Wait(ctx context.Context, op string) error {
	if s.spacing <= 0 {
		return ctx.Err()
	}

	s.mu.Lock()
	now := s.now()
	next := s.lastCall[op].Add(s.spacing)
	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
		next = now
	}
	// Reserve before sleeping so concurrent callers queue behind us
	s.lastCall[op] = next
	s.mu.Unlock()

	if wait == 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ==================== HEALTH ====================

// HealthTracker counts consecutive failed calls. The gateway is degraded
// once the streak reaches the threshold; any success clears it.
type HealthTracker struct {
	mu                sync.RWMutex
	threshold         int
	consecutiveErrors int
	lastErrorAt       time.Time
	lastSuccessAt     time.Time
}

func NewHealthTracker(threshold int) *HealthTracker {
	if threshold <= 0 {
		threshold = 5
	}
	return &HealthTracker{threshold: threshold}
}

// RecordSuccess resets the failure streak
func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	h.consecutiveErrors = 0
	h.lastSuccessAt = time.Now()
	h.mu.Unlock()
}

// RecordFailure extends the failure streak
func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	h.consecutiveErrors++
	h.lastErrorAt = time.Now()
	h.mu.Unlock()
}

// Degraded reports whether every recent call has failed
func (h *HealthTracker) Degraded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.consecutiveErrors >= h.threshold
}

// Stats returns health counters for status reporting
func (h *HealthTracker) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"consecutive_errors": h.consecutiveErrors,
		"degraded":           h.consecutiveErrors >= h.threshold,
		"last_error_at":      h.lastErrorAt,
		"last_success_at":    h.lastSuccessAt,
	}
}
