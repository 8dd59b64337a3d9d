package subscription

import (
	"log/slog"
	"time"

	"chatsync/pkg/chatsync"
)

const (
	defaultCapacity      = 100
	defaultIdleTimeout   = 5 * time.Minute
	defaultSweepInterval = time.Minute
	defaultBatchDelay    = 50 * time.Millisecond
	defaultBatchSize     = 10
	defaultSideCacheTTL  = 2 * time.Second
	defaultProfileBudget = 30
)

// Option mutates manager configuration.
type Option func(*Manager)

// WithLogger injects the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(manager *Manager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithEpoch shares a session epoch so that teardown invalidates in-flight
// deliveries.
func WithEpoch(epoch *chatsync.Epoch) Option {
	return func(manager *Manager) {
		if epoch != nil {
			manager.epoch = epoch
		}
	}
}

// WithCapacity bounds the number of concurrently live slots.
func WithCapacity(capacity int) Option {
	return func(manager *Manager) {
		if capacity > 0 {
			manager.capacity = capacity
		}
	}
}

// WithIdleTimeout sets how long a non-persistent slot may go unaccessed.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(manager *Manager) {
		if timeout > 0 {
			manager.idleTimeout = timeout
		}
	}
}

// WithSweepInterval sets how often idle slots are reclaimed.
func WithSweepInterval(interval time.Duration) Option {
	return func(manager *Manager) {
		if interval > 0 {
			manager.sweepInterval = interval
		}
	}
}

// WithBatchDelay sets how long RequestOnce collects ids before fetching.
func WithBatchDelay(delay time.Duration) Option {
	return func(manager *Manager) {
		if delay > 0 {
			manager.batchDelay = delay
		}
	}
}

// WithBatchSize caps the number of ids sent in one fetch.
func WithBatchSize(size int) Option {
	return func(manager *Manager) {
		if size > 0 {
			manager.batchSize = size
		}
	}
}

// WithSideCacheTTL sets how long RequestOnce results answer duplicates.
func WithSideCacheTTL(ttl time.Duration) Option {
	return func(manager *Manager) {
		if ttl > 0 {
			manager.sideTTL = ttl
		}
	}
}

// WithTypeBudget caps how many live slots one type should hold. The budget is
// advisory: Subscribe never rejects, callers consult HasBudget first.
func WithTypeBudget(slotType SlotType, budget int) Option {
	return func(manager *Manager) {
		if budget > 0 {
			manager.budgets[slotType] = budget
		}
	}
}
