package metafs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// ChangeToken Implementations
// ============================================================================

// CallbackChangeToken is a ChangeToken that supports active callbacks.
// Used by drivers that have native change events (local, memory).
type CallbackChangeToken struct {
	mu        sync.RWMutex
	changed   atomic.Bool
	callbacks []func()
}

// NewCallbackChangeToken creates a new ChangeToken that supports active callbacks.
func NewCallbackChangeToken() *CallbackChangeToken {
	return &CallbackChangeToken{}
}

func (t *CallbackChangeToken) HasChanged() bool {
	return t.changed.Load()
}

func (t *CallbackChangeToken) ActiveChangeCallbacks() bool {
	return true
}

func (t *CallbackChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, callback)
	index := len(t.callbacks) - 1
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if index < len(t.callbacks) {
			// nil instead of removing keeps the other indexes stable
			t.callbacks[index] = nil
		}
	}
}

// SignalChange marks the token as changed and invokes all callbacks once.
func (t *CallbackChangeToken) SignalChange() {
	if t.changed.Swap(true) {
		return
	}

	t.mu.RLock()
	callbacks := make([]func(), len(t.callbacks))
	copy(callbacks, t.callbacks)
	t.mu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb()
		}
	}
}

// ============================================================================
// Polling ChangeToken
// ============================================================================

// PollingChangeToken is a ChangeToken for backends without native events.
// The polling goroutine stops when the context is cancelled, when Stop is
// called, or after the first detected change.
type PollingChangeToken struct {
	*CallbackChangeToken
	cancel context.CancelFunc
}

// PollingConfig configures a polling change token.
type PollingConfig struct {
	// Interval between polls (default: 5 seconds)
	Interval time.Duration
	// CheckFunc returns true if a change is detected
	CheckFunc func(ctx context.Context) bool
}

// NewPollingChangeToken creates a ChangeToken that calls CheckFunc every
// Interval until it reports a change.
func NewPollingChangeToken(ctx context.Context, config PollingConfig) *PollingChangeToken {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &PollingChangeToken{
		CallbackChangeToken: NewCallbackChangeToken(),
		cancel:              cancel,
	}

	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if config.CheckFunc != nil && config.CheckFunc(ctx) {
					t.SignalChange()
					return
				}
			}
		}
	}()

	return t
}

// Stop stops the polling goroutine. It is safe to call Stop multiple times.
func (t *PollingChangeToken) Stop() {
	t.cancel()
}

// ============================================================================
// Static ChangeToken
// ============================================================================

// CancelledChangeToken is already in the changed state. Returned when a
// change cannot be observed at all.
type CancelledChangeToken struct{}

func (CancelledChangeToken) HasChanged() bool {
	return true
}

func (CancelledChangeToken) ActiveChangeCallbacks() bool {
	return false
}

func (CancelledChangeToken) RegisterChangeCallback(callback func()) func() {
	callback()
	return func() {}
}
