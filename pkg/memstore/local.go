package memstore

import (
	"context"
	"sync"
)

// Local is an in-memory chatsync.LocalStore.
type Local struct {
	mu     sync.Mutex
	values map[string]string
}

// NewLocal creates an empty local store.
func NewLocal() *Local {
	return &Local{values: make(map[string]string)}
}

// Get implements chatsync.LocalStore.
func (l *Local) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	value, ok := l.values[key]
	return value, ok, nil
}

// Set implements chatsync.LocalStore.
func (l *Local) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.values[key] = value
	return nil
}

// Delete implements chatsync.LocalStore.
func (l *Local) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.values, key)
	return nil
}

// Keys returns the number of stored keys.
func (l *Local) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.values)
}
