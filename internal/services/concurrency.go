package services

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TenantConcurrencyConfig defines concurrency limits per tenant key
type TenantConcurrencyConfig struct {
	MaxConcurrentPerTenant int           // Slots per tenant key, 1 for mutual exclusion
	QueueTimeout           time.Duration // Max time to wait for a slot
}

// DefaultConcurrencyConfig returns mutual exclusion per tenant
func DefaultConcurrencyConfig() *TenantConcurrencyConfig {
	return &TenantConcurrencyConfig{
		MaxConcurrentPerTenant: 1,
		QueueTimeout:           2 * time.Minute,
	}
}

type tenantSlot struct {
	sem    chan struct{}
	refs   int // holders plus waiters
	active int
}

// TenantSemaphore manages per-tenant concurrency within this process.
// Slots are keyed by tenant, so one tenant never waits on another.
type TenantSemaphore struct {
	mu     sync.Mutex
	slots  map[string]*tenantSlot
	config *TenantConcurrencyConfig
}

// NewTenantSemaphore creates a new tenant semaphore manager
func NewTenantSemaphore(config *TenantConcurrencyConfig) *TenantSemaphore {
	if config == nil {
		config = DefaultConcurrencyConfig()
	}
	if config.MaxConcurrentPerTenant <= 0 {
		config.MaxConcurrentPerTenant = 1
	}
	return &TenantSemaphore{
		slots:  make(map[string]*tenantSlot),
		config: config,
	}
}

// ref gets or creates the slot for a tenant and registers interest in it
func (ts *TenantSemaphore) ref(tenantKey string) *tenantSlot {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	slot, exists := ts.slots[tenantKey]
	if !exists {
		slot = &tenantSlot{sem: make(chan struct{}, ts.config.MaxConcurrentPerTenant)}
		ts.slots[tenantKey] = slot
	}
	slot.refs++
	return slot
}

func (ts *TenantSemaphore) unref(slot *tenantSlot, held bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	slot.refs--
	if held {
		slot.active--
	}
}

func (ts *TenantSemaphore) markActive(slot *tenantSlot) {
	ts.mu.Lock()
	slot.active++
	ts.mu.Unlock()
}

// Acquire waits for a tenant slot. The returned release function must be called when done.
func (ts *TenantSemaphore) Acquire(ctx context.Context, tenantKey string) (func(), error) {
	queueCtx, cancel := context.WithTimeout(ctx, ts.config.QueueTimeout)
	defer cancel()

	slot := ts.ref(tenantKey)
	select {
	case slot.sem <- struct{}{}:
	case <-queueCtx.Done():
		ts.unref(slot, false)
		return nil, fmt.Errorf("timeout waiting for tenant concurrency slot: tenant=%s", tenantKey)
	}
	ts.markActive(slot)

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.sem
			ts.unref(slot, true)
		})
	}, nil
}

// TryAcquire takes a tenant slot without blocking
func (ts *TenantSemaphore) TryAcquire(tenantKey string) (func(), bool) {
	slot := ts.ref(tenantKey)
	select {
	case slot.sem <- struct{}{}:
	default:
		ts.unref(slot, false)
		return nil, false
	}
	ts.markActive(slot)

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.sem
			ts.unref(slot, true)
		})
	}, true
}

// GetActiveJobCount returns the number of held slots for a tenant
func (ts *TenantSemaphore) GetActiveJobCount(tenantKey string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if slot, ok := ts.slots[tenantKey]; ok {
		return slot.active
	}
	return 0
}

// GetStats returns concurrency statistics
func (ts *TenantSemaphore) GetStats() map[string]interface{} {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	active := make(map[string]int)
	for key, slot := range ts.slots {
		if slot.active > 0 {
			active[key] = slot.active
		}
	}
	return map[string]interface{}{
		"maxConcurrentPerTenant": ts.config.MaxConcurrentPerTenant,
		"queueTimeout":           ts.config.QueueTimeout.String(),
		"activeByTenant":         active,
		"totalTenants":           len(ts.slots),
	}
}

// Cleanup removes slots nobody holds or waits for
func (ts *TenantSemaphore) Cleanup() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for key, slot := range ts.slots {
		if slot.refs == 0 {
			delete(ts.slots, key)
		}
	}
}
